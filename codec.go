package cdcrelay

import (
	"encoding/json"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"unicode"
)

// Entity is a typed record payload.
// Implementations must be pointer types registered in an EntityCodec.
type Entity interface {
	EntityID() string
	SetEntityID(id string)

	// Validate returns an error if the entity isn't well formed.
	Validate() error
}

// EntityCodec maps record kinds to entity types and handles their
// JSON encoding. Register all kinds before the codec is used by a Store.
type EntityCodec struct {
	typeByKind map[string]reflect.Type
	kindByType map[reflect.Type]string

	inUse bool // Set to true by NewStore.
}

// NewEntityCodec creates an empty codec.
func NewEntityCodec() *EntityCodec {
	return &EntityCodec{
		typeByKind: map[string]reflect.Type{},
		kindByType: map[reflect.Type]string{},
	}
}

// MustRegisterKindIn registers entity type T under kind.
// kind is used in event type names and bus subjects and must therefore be
// a single word. Panics if the kind is invalid or already registered.
func MustRegisterKindIn[T Entity](codec *EntityCodec, kind string) {
	if codec.inUse {
		panic("attempting to register kind while codec is in use")
	}
	switch {
	case kind == "":
		panic("empty kind")
	case !unicode.IsUpper(rune(kind[0])):
		panic(fmt.Sprintf("kind %q must start with an upper case letter", kind))
	case strings.ContainsFunc(kind, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}):
		panic(fmt.Sprintf("kind %q must only contain letters and digits", kind))
	}
	if _, ok := codec.typeByKind[kind]; ok {
		panic(fmt.Sprintf("kind already registered: %q", kind))
	}

	t := reflect.TypeFor[T]()
	if t.Kind() != reflect.Pointer {
		panic(fmt.Sprintf("entity type %s of kind %q isn't a pointer", t, kind))
	}
	t = t.Elem()
	if k, ok := codec.kindByType[t]; ok {
		panic(fmt.Sprintf("type %s already registered as kind %q", t, k))
	}
	codec.typeByKind[kind] = t
	codec.kindByType[t] = kind
}

// Kinds returns all registered kinds in lexical order.
func (c *EntityCodec) Kinds() []string {
	return slices.Sorted(maps.Keys(c.typeByKind))
}

// IsRegistered returns true if kind is registered.
func (c *EntityCodec) IsRegistered(kind string) bool {
	_, ok := c.typeByKind[kind]
	return ok
}

// KindOf returns the kind e is registered under.
func (c *EntityCodec) KindOf(e Entity) (string, error) {
	t := reflect.TypeOf(e)
	if t == nil {
		return "", fmt.Errorf("%w: nil entity", ErrKindNotRegistered)
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	kind, ok := c.kindByType[t]
	if !ok {
		return "", fmt.Errorf("%w: type %T", ErrKindNotRegistered, e)
	}
	return kind, nil
}

// Encode marshals e into its JSON fields.
func (c *EntityCodec) Encode(e Entity) ([]byte, error) {
	if _, err := c.KindOf(e); err != nil {
		return nil, err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling entity json: %w", err)
	}
	return b, nil
}

// Decode unmarshals the JSON fields into a new entity of kind.
// Returns ErrKindNotRegistered if kind isn't registered.
func (c *EntityCodec) Decode(kind string, fields []byte) (Entity, error) {
	t, ok := c.typeByKind[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKindNotRegistered, kind)
	}
	e := reflect.New(t).Interface().(Entity)
	if err := json.Unmarshal(fields, e); err != nil {
		return nil, fmt.Errorf("unmarshaling %s json: %w", kind, err)
	}
	return e, nil
}

func validate(e Entity) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return nil
}
