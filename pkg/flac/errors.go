package flac

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrFlacDenied is the FLAC_DENIED sentinel. Match with errors.Is.
	ErrFlacDenied = errors.New("FLAC_DENIED")

	// ErrInvalidGrant is returned when a grant fails validation
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrGrantNotFound is returned by Revoke when no grant matches the key
	ErrGrantNotFound = errors.New("grant not found")
)

// DeniedError lists every field the caller attempted to write without read_write access
type DeniedError struct {
	TenantID     string
	ResourceType string
	Fields       []string
}

func newDeniedError(tenantID, resourceType string, fields []string) *DeniedError {
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	return &DeniedError{TenantID: tenantID, ResourceType: resourceType, Fields: sorted}
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("FLAC_DENIED: write not permitted on %s fields [%s]",
		e.ResourceType, strings.Join(e.Fields, ", "))
}

// Is makes errors.Is(err, ErrFlacDenied) match any DeniedError
func (e *DeniedError) Is(target error) bool {
	return target == ErrFlacDenied
}

// DeniedFields extracts the denied field list from err, or nil if err is not a denial
func DeniedFields(err error) []string {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied.Fields
	}
	return nil
}
