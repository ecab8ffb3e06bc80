package documap

import (
	"fmt"
	"sync"

	"github.com/gobuffalo/flect"
	"golang.org/x/sync/singleflight"
)

// Registry maps class tags to schemas so polymorphic documents and
// references can be decoded by their stored _cls value. Registries are
// injected wherever they are needed, there is no package level instance.
type Registry struct {
	mu    sync.RWMutex
	byTag map[string]*Schema
	group singleflight.Group
}

func NewRegistry() *Registry {
	return &Registry{byTag: map[string]*Schema{}}
}

// Register stores the schema under its class tag. Registering a different
// schema under an existing tag is an error.
func (r *Registry) Register(s *Schema) error {
	if s.classTag == "" {
		return &InvalidSchemaError{TypeName: s.name, Reason: "schema has no class tag"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.byTag[s.classTag]; ok && prev != s {
		return &InvalidSchemaError{TypeName: s.name,
			Reason: fmt.Sprintf("class tag %q already registered", s.classTag)}
	}
	r.byTag[s.classTag] = s
	return nil
}

func (r *Registry) Get(tag string) (*Schema, error) {
	r.mu.RLock()
	s, ok := r.byTag[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotRegistered, tag)
	}
	return s, nil
}

// Resolve returns the schema for tag, invoking build at most once across
// concurrent callers when the tag is not registered yet.
func (r *Registry) Resolve(tag string, build func() (*Schema, error)) (*Schema, error) {
	if s, err := r.Get(tag); err == nil {
		return s, nil
	}
	v, err, _ := r.group.Do(tag, func() (any, error) {
		if s, err := r.Get(tag); err == nil {
			return s, nil
		}
		s, err := build()
		if err != nil {
			return nil, err
		}
		if s.classTag != "" {
			if _, err := r.Get(s.classTag); err != nil {
				if err := r.Register(s); err != nil {
					return nil, err
				}
			}
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Schema), nil
}

// ByCollection finds a schema stored under the given collection name,
// trying the snake_case naming convention first and falling back to a
// scan. Used when dereferencing untyped references.
func (r *Registry) ByCollection(collection string) (*Schema, bool) {
	guess := flect.Pascalize(collection)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.byTag[guess]; ok && s.collection == collection {
		return s, true
	}
	for _, s := range r.byTag {
		if s.collection == collection && !s.abstract {
			return s, true
		}
	}
	return nil, false
}
