package session

import (
	"context"
	"fmt"
	"io"

	"github.com/diwise/entity-session/pkg/entities"
	"github.com/diwise/entity-session/pkg/locations"
	"github.com/diwise/service-chassis/pkg/infrastructure/env"
	yaml "gopkg.in/yaml.v2"
)

type AttributeConfig struct {
	Name      string `yaml:"name"`
	Kind      string `yaml:"kind"`
	Immutable bool   `yaml:"immutable"`
	Computed  bool   `yaml:"computed"`
	Default   any    `yaml:"default"`
	Generator string `yaml:"generator"`

	EntityType     string `yaml:"entity_type"`
	KeyAttribute   string `yaml:"key_attribute"`
	ValueAttribute string `yaml:"value_attribute"`
}

type Schema struct {
	Name               string            `yaml:"name"`
	PrimaryKey         []string          `yaml:"primary_key"`
	DefaultProjections []string          `yaml:"default_projections"`
	Attributes         []AttributeConfig `yaml:"attributes"`
}

type CacheConfig struct {
	File     string `yaml:"file"`
	Postgres bool   `yaml:"postgres"`
}

type LocationConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Priority int    `yaml:"priority"`
	Accessor string `yaml:"accessor"`
	Root     string `yaml:"root"`
	Prefix   string `yaml:"prefix"`
}

type Config struct {
	ServerURL    string `yaml:"server_url"`
	APIUser      string `yaml:"api_user"`
	APIKey       string `yaml:"api_key"`
	AutoPopulate *bool  `yaml:"auto_populate"`
	Debug        bool   `yaml:"debug"`
	Webhook      string `yaml:"webhook"`

	Cache     CacheConfig      `yaml:"cache"`
	Schemas   []Schema         `yaml:"schemas"`
	Locations []LocationConfig `yaml:"locations"`
}

func (c *Config) autoPopulate() bool {
	if c.AutoPopulate == nil {
		return true
	}
	return *c.AutoPopulate
}

// LoadConfiguration reads a yaml configuration. The server url and api key
// can be overridden from the environment.
func LoadConfiguration(ctx context.Context, data io.Reader) (*Config, error) {
	buf, err := io.ReadAll(data)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	err = yaml.Unmarshal(buf, &cfg)
	if err != nil {
		return nil, err
	}

	cfg.ServerURL = env.GetVariableOrDefault(ctx, "ENTITY_SESSION_SERVER_URL", cfg.ServerURL)
	cfg.APIUser = env.GetVariableOrDefault(ctx, "ENTITY_SESSION_API_USER", cfg.APIUser)
	cfg.APIKey = env.GetVariableOrDefault(ctx, "ENTITY_SESSION_API_KEY", cfg.APIKey)

	return cfg, nil
}

func (a AttributeConfig) options() []entities.AttributeOption {
	options := []entities.AttributeOption{}

	if a.Immutable {
		options = append(options, entities.Immutable())
	}
	if a.Computed {
		options = append(options, entities.Computed())
	}
	if a.Default != nil {
		options = append(options, entities.Default(a.Default))
	}
	if a.Generator == "uuid" {
		options = append(options, entities.UUID())
	}

	return options
}

func (a AttributeConfig) build() (entities.Attribute, error) {
	switch a.Kind {
	case "", "scalar":
		return entities.NewScalar(a.Name, a.options()...), nil
	case "reference":
		return entities.NewReference(a.Name, a.EntityType, a.options()...), nil
	case "collection":
		return entities.NewCollection(a.Name, a.EntityType, a.options()...), nil
	case "mapped":
		key, value := a.KeyAttribute, a.ValueAttribute
		if key == "" {
			key = "key"
		}
		if value == "" {
			value = "value"
		}
		return entities.NewMapped(a.Name, a.EntityType, key, value, entities.ParentLinkCreator, a.options()...), nil
	}

	return nil, fmt.Errorf("attribute %q has unknown kind %q", a.Name, a.Kind)
}

// EntityType builds the default entity type described by the schema
func (s Schema) EntityType() (*entities.EntityType, error) {
	attributes := make([]entities.Attribute, 0, len(s.Attributes))

	for _, cfg := range s.Attributes {
		attr, err := cfg.build()
		if err != nil {
			return nil, fmt.Errorf("schema %s: %w", s.Name, err)
		}
		attributes = append(attributes, attr)
	}

	primaryKey := s.PrimaryKey
	if len(primaryKey) == 0 {
		primaryKey = []string{"id"}
	}

	t, err := entities.NewEntityType(s.Name, primaryKey, attributes...)
	if err != nil {
		return nil, fmt.Errorf("schema %s: %w", s.Name, err)
	}

	return t.WithDefaultProjections(s.DefaultProjections...), nil
}

func (l LocationConfig) build(session locations.Session) (*locations.Location, error) {
	kind, err := locations.ParseKind(l.Kind)
	if err != nil {
		return nil, err
	}

	var accessor locations.Accessor
	switch l.Accessor {
	case "", "memory":
		accessor = locations.NewMemoryAccessor()
	case "disk":
		if l.Root == "" {
			return nil, fmt.Errorf("location %s: disk accessor needs a root", l.ID)
		}
		accessor = locations.NewDiskAccessor(l.Root)
	default:
		return nil, fmt.Errorf("location %s: unknown accessor %q", l.ID, l.Accessor)
	}

	name := l.Name
	if name == "" {
		name = l.ID
	}

	return locations.New(l.ID, name, kind, l.Priority, accessor, locations.StandardStructure{Prefix: l.Prefix}, session)
}
