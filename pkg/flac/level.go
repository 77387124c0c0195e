package flac

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Level is a field permission level. Levels are ordered: None < Read < ReadWrite.
type Level int

const (
	// None is the deny-by-default level; a missing grant resolves to None.
	None Level = iota
	Read
	ReadWrite
)

var levelNames = []string{"none", "read", "read_write"}

func (l Level) String() string {
	if l < None || l > ReadWrite {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// Valid reports whether l is one of the defined levels
func (l Level) Valid() bool {
	return l >= None && l <= ReadWrite
}

// CanRead reports whether the level allows reading the field
func (l Level) CanRead() bool {
	return l >= Read
}

// CanWrite reports whether the level allows writing the field
func (l Level) CanWrite() bool {
	return l == ReadWrite
}

// ParseLevel parses the textual form of a level. "read-write" and "rw" are accepted
// aliases. An empty string is an error: a deny must be spelled out as "none".
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return None, fmt.Errorf("%w: level is required", ErrInvalidGrant)
	case "none", "no_access":
		return None, nil
	case "read", "r":
		return Read, nil
	case "read_write", "read-write", "rw":
		return ReadWrite, nil
	}
	return None, fmt.Errorf("%w: unknown level %q", ErrInvalidGrant, s)
}

// MarshalJSON encodes the level as its string name
func (l Level) MarshalJSON() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("cannot marshal %s", l)
	}
	return json.Marshal(l.String())
}

// UnmarshalJSON accepts the string name of a level
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: level must be a string", ErrInvalidGrant)
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// UnmarshalYAML accepts the string name of a level in policy files
func (l *Level) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// MarshalYAML encodes the level as its string name
func (l Level) MarshalYAML() (interface{}, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("cannot marshal %s", l)
	}
	return l.String(), nil
}

// MaxLevel returns the greater of two levels
func MaxLevel(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}
