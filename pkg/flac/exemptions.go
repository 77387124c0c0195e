package flac

import (
	"fmt"
	"sort"
	"strings"
)

// Exemptions lists the identity fields that survive read-masking regardless of grants.
// A resource-specific entry replaces the default list for that resource type.
type Exemptions struct {
	defaults   []string
	byResource map[string][]string
}

// DefaultExemptions keeps only "id" visible
func DefaultExemptions() *Exemptions {
	return NewExemptions(map[string][]string{WildcardField: {"id"}})
}

// NewExemptions builds exemptions from resource type -> fields; the "*" key sets the default
func NewExemptions(m map[string][]string) *Exemptions {
	e := &Exemptions{byResource: make(map[string][]string)}
	for rt, fields := range m {
		clean := cleanFields(fields)
		if rt == WildcardField {
			e.defaults = clean
			continue
		}
		e.byResource[rt] = clean
	}
	return e
}

// ParseExemptions parses "*=id;hr_employees=id,employee_no"
func ParseExemptions(spec string) (*Exemptions, error) {
	m := make(map[string][]string)
	for _, part := range strings.Split(spec, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		rt, fields, ok := strings.Cut(part, "=")
		rt = strings.TrimSpace(rt)
		if !ok || rt == "" {
			return nil, fmt.Errorf("invalid identity field entry %q: want resource=field[,field]", part)
		}
		m[rt] = append(m[rt], strings.Split(fields, ",")...)
	}
	return NewExemptions(m), nil
}

// Fields returns the exempt fields for resourceType
func (e *Exemptions) Fields(resourceType string) []string {
	if e == nil {
		return nil
	}
	if fields, ok := e.byResource[resourceType]; ok {
		return fields
	}
	return e.defaults
}

// IsExempt reports whether field always passes the read-mask for resourceType
func (e *Exemptions) IsExempt(resourceType, field string) bool {
	for _, f := range e.Fields(resourceType) {
		if f == field {
			return true
		}
	}
	return false
}

// String renders the exemptions in the ParseExemptions format
func (e *Exemptions) String() string {
	if e == nil {
		return ""
	}
	var parts []string
	if len(e.defaults) > 0 {
		parts = append(parts, WildcardField+"="+strings.Join(e.defaults, ","))
	}
	keys := make([]string, 0, len(e.byResource))
	for rt := range e.byResource {
		keys = append(keys, rt)
	}
	sort.Strings(keys)
	for _, rt := range keys {
		parts = append(parts, rt+"="+strings.Join(e.byResource[rt], ","))
	}
	return strings.Join(parts, ";")
}

func cleanFields(fields []string) []string {
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
