// Package volume provides the type-safe identity of a gateway storage volume.
//
// Every pod name maps to its own persistent volume on the gateway. A new name
// provisions an empty volume, an existing name reattaches the volume it had
// before, and an empty or omitted name selects the user's default volume.
// Files written under one name are never visible under another.
//
// This is a leaf package with zero external dependencies beyond stdlib.
package volume

import (
	"database/sql"
	"database/sql/driver"
	"encoding"
	"fmt"
	"strings"
)

// DefaultLabel is how the default volume is shown to humans. It is never sent
// to the gateway.
const DefaultLabel = "(default)"

// ID identifies a volume by pod name. The zero value (ID{}) is the default
// volume; it is the only representation of "no pod name".
type ID struct {
	name string
}

// New creates an ID from a raw pod name. Surrounding whitespace is trimmed so
// that " " and "" both select the default volume. Interior characters are
// kept as-is: the gateway owns the naming rules and reports violations.
func New(raw string) ID {
	return ID{name: strings.TrimSpace(raw)}
}

// Default returns the default volume identity.
func Default() ID {
	return ID{}
}

// IsDefault reports whether this is the default volume.
func (id ID) IsDefault() bool {
	return id.name == ""
}

// Name returns the pod name, or "" for the default volume. This is the value
// placed in the pod_name request parameter.
func (id ID) Name() string {
	return id.name
}

// String returns the pod name, or DefaultLabel for the default volume.
func (id ID) String() string {
	if id.IsDefault() {
		return DefaultLabel
	}

	return id.name
}

// Equal reports whether two IDs select the same volume.
func (id ID) Equal(other ID) bool {
	return id.name == other.name
}

// MarshalText implements encoding.TextMarshaler. The default volume marshals
// to an empty string.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler with the same
// normalization as New.
func (id *ID) UnmarshalText(text []byte) error {
	*id = New(string(text))
	return nil
}

// Scan implements sql.Scanner. SQL NULL and "" produce the default volume.
func (id *ID) Scan(src any) error {
	if src == nil {
		*id = ID{}
		return nil
	}

	switch v := src.(type) {
	case string:
		*id = New(v)
		return nil
	case []byte:
		*id = New(string(v))
		return nil
	default:
		return fmt.Errorf("volume.ID.Scan: unsupported type %T", src)
	}
}

// Value implements driver.Valuer. The default volume is stored as "" rather
// than NULL so equality queries match it directly.
func (id ID) Value() (driver.Value, error) {
	return id.name, nil
}

// Compile-time interface assertions.
var (
	_ encoding.TextMarshaler   = ID{}
	_ encoding.TextUnmarshaler = (*ID)(nil)
	_ fmt.Stringer             = ID{}
	_ driver.Valuer            = ID{}
	_ sql.Scanner              = (*ID)(nil)
)
