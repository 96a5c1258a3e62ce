package entities

import (
	"github.com/diwise/entity-session/pkg/types"
)

type slot struct {
	local  any
	remote any
}

// Storage holds the local and remote value of every attribute of one entity.
type Storage struct {
	slots map[string]*slot
}

func NewStorage() *Storage {
	return &Storage{
		slots: map[string]*slot{},
	}
}

func (s *Storage) slot(name string) *slot {
	sl, ok := s.slots[name]
	if !ok {
		sl = &slot{local: types.NotSet, remote: types.NotSet}
		s.slots[name] = sl
	}
	return sl
}

func (s *Storage) Local(name string) any {
	if sl, ok := s.slots[name]; ok {
		return sl.local
	}
	return types.NotSet
}

func (s *Storage) Remote(name string) any {
	if sl, ok := s.slots[name]; ok {
		return sl.remote
	}
	return types.NotSet
}

func (s *Storage) SetLocal(name string, value any) {
	s.slot(name).local = value
}

func (s *Storage) SetRemote(name string, value any) {
	s.slot(name).remote = value
}

// Value prefers the local value over the remote baseline.
func (s *Storage) Value(name string) any {
	if local := s.Local(name); types.IsSet(local) {
		return local
	}
	return s.Remote(name)
}

func (s *Storage) IsSet(name string) bool {
	return types.IsSet(s.Local(name)) || types.IsSet(s.Remote(name))
}

func (s *Storage) IsModified(name string) bool {
	local := s.Local(name)
	if !types.IsSet(local) {
		return false
	}
	return !valuesEqual(local, s.Remote(name))
}
