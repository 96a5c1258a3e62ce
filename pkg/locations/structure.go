package locations

import (
	"fmt"
	"path"
	"strings"

	"github.com/diwise/entity-session/pkg/entities"
	"github.com/diwise/entity-session/pkg/types"
)

// Structure decides where in a location the data of a component lives
type Structure interface {
	ResourceIdentifier(component *entities.Entity) (string, error)
}

// StandardStructure places components below their container, if any, and
// names them by name and file type:
//
//	<prefix>/<container id>/<name><file_type>
type StandardStructure struct {
	Prefix string
}

func (s StandardStructure) ResourceIdentifier(component *entities.Entity) (string, error) {
	identity, err := component.Identity()
	if err != nil {
		return "", err
	}

	name := strings.Join(identity.PrimaryKey, "_")
	if v, err := entities.Value[string](component, "name"); err == nil && v != "" {
		name = v
	}

	if v, err := entities.Value[string](component, "file_type"); err == nil {
		name += v
	}

	parts := []string{}
	if s.Prefix != "" {
		parts = append(parts, s.Prefix)
	}

	container, err := component.Get("container")
	if err == nil && types.IsSet(container) {
		c, ok := container.(*entities.Entity)
		if ok && c != nil {
			containerIdentity, err := c.Identity()
			if err != nil {
				return "", fmt.Errorf("container of %s has no identity: %w", component, err)
			}
			parts = append(parts, strings.Join(containerIdentity.PrimaryKey, "_"))
		}
	}

	parts = append(parts, name)

	return path.Join(parts...), nil
}
