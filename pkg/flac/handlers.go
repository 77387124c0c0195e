package flac

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/REVIVEINC6/nino360-sub015/pkg/httputil"
	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
)

// Authorization objects guarded by the admin API
const (
	ObjectGrants  = "flac.grants"
	ObjectMembers = "flac.members"
	ActionRead    = "read"
	ActionWrite   = "write"
)

// GrantChangeFunc observes successful grant mutations; before is nil for a new grant
// and after is nil for a revoke
type GrantChangeFunc func(ctx context.Context, tenantID, actorID string, before, after *Grant)

// MemberChangeFunc observes a role assignment (assigned true) or removal
type MemberChangeFunc func(ctx context.Context, tenantID, actorID, userID, role string, assigned bool)

// Handlers exposes grant administration and resolution over HTTP
type Handlers struct {
	store          GrantStore
	engine         *Engine
	onChange       GrantChangeFunc
	members        MemberStore
	onMemberChange MemberChangeFunc
}

// NewHandlers creates grant handlers; onChange may be nil
func NewHandlers(store GrantStore, engine *Engine, onChange GrantChangeFunc) *Handlers {
	return &Handlers{store: store, engine: engine, onChange: onChange}
}

// WithMembers enables the membership routes; onChange may be nil
func (h *Handlers) WithMembers(members MemberStore, onChange MemberChangeFunc) *Handlers {
	h.members = members
	h.onMemberChange = onChange
	return h
}

// RegisterRoutes registers the grant routes on router, wrapping each with guard
func (h *Handlers) RegisterRoutes(router *mux.Router, guard httputil.Guard) {
	router.Handle("/tenants/{tenant}/grants", guard.Wrap(ObjectGrants, ActionRead, h.ListGrants)).Methods("GET")
	router.Handle("/tenants/{tenant}/grants", guard.Wrap(ObjectGrants, ActionWrite, h.UpsertGrant)).Methods("PUT")
	router.Handle("/tenants/{tenant}/grants/{resource_type}/{field}/{role}", guard.Wrap(ObjectGrants, ActionWrite, h.RevokeGrant)).Methods("DELETE")
	router.Handle("/tenants/{tenant}/resolve", guard.Wrap(ObjectGrants, ActionRead, h.Resolve)).Methods("POST")

	if h.members == nil {
		return
	}
	router.Handle("/tenants/{tenant}/members/{user}/roles", guard.Wrap(ObjectMembers, ActionRead, h.MemberRoles)).Methods("GET")
	router.Handle("/tenants/{tenant}/members/{user}/roles/{role}", guard.Wrap(ObjectMembers, ActionWrite, h.AssignRole)).Methods("PUT")
	router.Handle("/tenants/{tenant}/members/{user}/roles/{role}", guard.Wrap(ObjectMembers, ActionWrite, h.RemoveRole)).Methods("DELETE")
}

// ListGrantsResponse is the body of GET /tenants/{tenant}/grants
type ListGrantsResponse struct {
	Grants []Grant `json:"grants"`
	Count  int     `json:"count"`
}

// ListGrants lists a tenant's grants, optionally filtered by ?resource_type=
func (h *Handlers) ListGrants(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tenant"]
	grants, err := h.store.ListGrants(r.Context(), tenantID, r.URL.Query().Get("resource_type"))
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, ListGrantsResponse{Grants: grants, Count: len(grants)})
}

// upsertGrantBody makes level mandatory; an omitted level would otherwise decode as None
type upsertGrantBody struct {
	Grant
	Level *Level `json:"level"`
}

// UpsertGrant creates or updates a grant for the tenant in the path
func (h *Handlers) UpsertGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := mux.Vars(r)["tenant"]

	var body upsertGrantBody
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	if body.Level == nil {
		httputil.WriteBadRequest(w, "level is required")
		return
	}
	grant := body.Grant
	grant.Level = *body.Level
	if grant.TenantID != "" && grant.TenantID != tenantID {
		httputil.WriteBadRequest(w, "tenant_id does not match path")
		return
	}
	grant.TenantID = tenantID
	grant.UpdatedBy = observability.GetUserID(ctx)

	before, err := h.findGrant(ctx, grant)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	if err := h.store.UpsertGrant(ctx, &grant); err != nil {
		writeStoreError(w, err)
		return
	}

	if h.onChange != nil {
		h.onChange(ctx, tenantID, grant.UpdatedBy, before, &grant)
	}
	httputil.WriteSuccess(w, grant)
}

// RevokeGrant deletes one grant
func (h *Handlers) RevokeGrant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)
	key := GrantKey{
		TenantID:     vars["tenant"],
		ResourceType: vars["resource_type"],
		FieldName:    vars["field"],
		Role:         vars["role"],
	}

	before, err := h.findGrant(ctx, Grant{TenantID: key.TenantID, ResourceType: key.ResourceType, FieldName: key.FieldName, Role: key.Role})
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	if err := h.store.RevokeGrant(ctx, key); err != nil {
		writeStoreError(w, err)
		return
	}

	if h.onChange != nil {
		h.onChange(ctx, key.TenantID, observability.GetUserID(ctx), before, nil)
	}
	httputil.WriteNoContent(w)
}

// ResolveRequest is the body of POST /tenants/{tenant}/resolve. When Roles is empty
// the roles of UserID are used.
type ResolveRequest struct {
	ResourceType string   `json:"resource_type"`
	Fields       []string `json:"fields"`
	Roles        []string `json:"roles,omitempty"`
	UserID       string   `json:"user_id,omitempty"`
}

// ResolveResponse maps each requested field to its effective level
type ResolveResponse struct {
	ResourceType string           `json:"resource_type"`
	Levels       map[string]Level `json:"levels"`
}

// Resolve evaluates effective levels for a role set or a member
func (h *Handlers) Resolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := mux.Vars(r)["tenant"]

	var req ResolveRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.ResourceType == "" {
		httputil.WriteBadRequest(w, "resource_type is required")
		return
	}
	if len(req.Roles) == 0 && req.UserID == "" {
		httputil.WriteBadRequest(w, "roles or user_id is required")
		return
	}

	var levels map[string]Level
	var err error
	if len(req.Roles) > 0 {
		levels, err = h.engine.Resolve(ctx, tenantID, req.ResourceType, req.Fields, req.Roles)
	} else {
		levels, err = h.engine.ResolveForCaller(ctx, req.UserID, tenantID, req.ResourceType, req.Fields)
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, ResolveResponse{ResourceType: req.ResourceType, Levels: levels})
}

// MemberRolesResponse is the body of GET /tenants/{tenant}/members/{user}/roles
type MemberRolesResponse struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

// MemberRoles lists the roles a user holds in the tenant
func (h *Handlers) MemberRoles(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	h.writeMemberRoles(r.Context(), w, vars["tenant"], vars["user"])
}

// AssignRole gives the user the role in the path and returns the resulting roles
func (h *Handlers) AssignRole(w http.ResponseWriter, r *http.Request) {
	h.changeMembership(w, r, true)
}

// RemoveRole takes the role in the path away from the user
func (h *Handlers) RemoveRole(w http.ResponseWriter, r *http.Request) {
	h.changeMembership(w, r, false)
}

func (h *Handlers) changeMembership(w http.ResponseWriter, r *http.Request, assign bool) {
	ctx := r.Context()
	vars := mux.Vars(r)
	tenantID, userID, role := vars["tenant"], vars["user"], strings.TrimSpace(vars["role"])
	if role == "" || strings.TrimSpace(userID) == "" {
		httputil.WriteBadRequest(w, "user and role are required")
		return
	}

	held, err := h.members.RolesFor(ctx, tenantID, userID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	changed := containsRole(held, role) != assign

	if assign {
		err = h.members.AssignRole(ctx, tenantID, userID, role)
	} else {
		err = h.members.RemoveRole(ctx, tenantID, userID, role)
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	if changed && h.onMemberChange != nil {
		h.onMemberChange(ctx, tenantID, observability.GetUserID(ctx), userID, role, assign)
	}
	h.writeMemberRoles(ctx, w, tenantID, userID)
}

func (h *Handlers) writeMemberRoles(ctx context.Context, w http.ResponseWriter, tenantID, userID string) {
	roles, err := h.members.RolesFor(ctx, tenantID, userID)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if roles == nil {
		roles = []string{}
	}
	httputil.WriteSuccess(w, MemberRolesResponse{UserID: userID, Roles: roles})
}

func containsRole(roles []string, role string) bool {
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

func (h *Handlers) findGrant(ctx context.Context, g Grant) (*Grant, error) {
	g.Normalize()
	if g.ResourceType == "" {
		return nil, nil
	}
	grants, err := h.store.ListGrants(ctx, g.TenantID, g.ResourceType)
	if err != nil {
		return nil, fmt.Errorf("failed to load current grant: %w", err)
	}
	for i := range grants {
		if grants[i].Key() == g.Key() {
			return &grants[i], nil
		}
	}
	return nil, nil
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInvalidGrant):
		httputil.WriteBadRequest(w, err.Error())
	case errors.Is(err, ErrGrantNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	default:
		httputil.WriteInternalError(w, err)
	}
}
