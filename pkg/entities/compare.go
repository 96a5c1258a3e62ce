package entities

import (
	"fmt"
	"reflect"
	"time"

	"github.com/diwise/entity-session/pkg/types"
)

// valuesEqual compares entities by identity, collections by identity set and
// everything else structurally.
func valuesEqual(a, b any) bool {
	if !types.IsSet(a) || !types.IsSet(b) {
		return !types.IsSet(a) && !types.IsSet(b)
	}

	switch av := a.(type) {
	case *Entity:
		bv, ok := b.(*Entity)
		if !ok {
			return false
		}
		return av.Equal(bv)
	case *Collection:
		bv, ok := b.(*Collection)
		if !ok {
			return false
		}
		return av.Equal(bv)
	case *MappedCollectionProxy:
		bv, ok := b.(*MappedCollectionProxy)
		if !ok {
			return false
		}
		return av.Collection().Equal(bv.Collection())
	case time.Time:
		bv, ok := b.(time.Time)
		if !ok {
			return false
		}
		return av.Equal(bv)
	}

	return reflect.DeepEqual(a, b)
}

func identityKey(e *Entity) string {
	if e == nil {
		return "<nil>"
	}

	id, err := e.Identity()
	if err != nil {
		// entities without a key can only ever equal themselves
		return fmt.Sprintf("%p", e)
	}

	return id.String()
}
