package adminauthz

import (
	"errors"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	fileadapter "github.com/casbin/casbin/v2/persist/file-adapter"
)

// Mode selects whether decisions are enforced
type Mode string

const (
	ModeEnforce  Mode = "enforce"
	ModeShadow   Mode = "shadow"
	ModeDisabled Mode = "disabled"
)

// RoleAnonymous is used for callers without roles
const RoleAnonymous = "anonymous"

// ParseMode validates a configured mode. disabled is only accepted with allowDisabled.
func ParseMode(raw string, allowDisabled bool) (Mode, error) {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" {
		return ModeEnforce, nil
	}
	switch Mode(raw) {
	case ModeEnforce, ModeShadow:
		return Mode(raw), nil
	case ModeDisabled:
		if !allowDisabled {
			return "", errors.New("authz: mode disabled requires TRUST_AUTHZ_UNSAFE_ALLOW_DISABLED=1")
		}
		return ModeDisabled, nil
	default:
		return "", fmt.Errorf("authz: invalid mode %q (expected enforce|shadow|disabled)", raw)
	}
}

// Authorizer answers (subject, tenant, object, action) questions from a casbin policy
type Authorizer struct {
	enforcer *casbin.Enforcer
	mode     Mode
}

// NewAuthorizer loads the casbin model and CSV policy
func NewAuthorizer(modelPath, policyPath string, mode Mode) (*Authorizer, error) {
	enforcer, err := casbin.NewEnforcer(modelPath)
	if err != nil {
		return nil, fmt.Errorf("authz: failed to load model: %w", err)
	}
	enforcer.SetAdapter(fileadapter.NewAdapter(policyPath))
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, fmt.Errorf("authz: failed to load policy: %w", err)
	}
	return &Authorizer{enforcer: enforcer, mode: mode}, nil
}

// Mode returns the configured mode
func (a *Authorizer) Mode() Mode {
	return a.mode
}

// SubjectFromRole maps a role name to a casbin subject
func SubjectFromRole(role string) string {
	role = strings.TrimSpace(strings.ToLower(role))
	if role == "" {
		role = RoleAnonymous
	}
	return "role:" + role
}

// DomainFromTenantID maps a tenant ID to a casbin domain
func DomainFromTenantID(tenantID string) string {
	return strings.ToLower(strings.TrimSpace(tenantID))
}

// Authorize checks whether any of roles may perform action on object in the
// tenant. enforced is false in shadow and disabled modes, where a denial must
// not block the request.
func (a *Authorizer) Authorize(roles []string, tenantID, object, action string) (allowed bool, enforced bool, err error) {
	if a.mode == ModeDisabled {
		return true, false, nil
	}
	if a.mode != ModeEnforce && a.mode != ModeShadow {
		return false, false, errors.New("authz: unknown mode")
	}
	enforced = a.mode == ModeEnforce

	if len(roles) == 0 {
		roles = []string{RoleAnonymous}
	}
	domain := DomainFromTenantID(tenantID)
	for _, role := range roles {
		ok, err := a.enforcer.Enforce(SubjectFromRole(role), domain, object, action)
		if err != nil {
			return false, enforced, err
		}
		if ok {
			return true, enforced, nil
		}
	}
	return false, enforced, nil
}
