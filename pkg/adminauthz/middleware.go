package adminauthz

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/REVIVEINC6/nino360-sub015/pkg/httputil"
	"github.com/REVIVEINC6/nino360-sub015/pkg/observability"
)

// Trusted gateway headers identifying the admin caller
const (
	HeaderUserID = "X-User-ID"
	HeaderRoles  = "X-User-Roles"
)

// Principal is the authenticated admin caller
type Principal struct {
	UserID string
	Roles  []string
}

type principalKey struct{}

var errForbidden = errors.New("forbidden")

// WithPrincipal stores p on ctx
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal on ctx
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// PrincipalMiddleware reads the gateway headers into a Principal and the user ID
// into the logging context
func PrincipalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := Principal{UserID: strings.TrimSpace(r.Header.Get(HeaderUserID))}
		for _, role := range strings.Split(r.Header.Get(HeaderRoles), ",") {
			if role = strings.TrimSpace(role); role != "" {
				p.Roles = append(p.Roles, role)
			}
		}

		ctx := WithPrincipal(r.Context(), p)
		if p.UserID != "" {
			ctx = observability.WithUserID(ctx, p.UserID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Guard returns route middleware checking (object, action) in the {tenant} of the route
func (a *Authorizer) Guard() httputil.Guard {
	return func(object, action string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				ctx := r.Context()
				tenantID := mux.Vars(r)["tenant"]
				if tenantID == "" {
					httputil.WriteBadRequest(w, "tenant missing")
					return
				}

				p, _ := PrincipalFrom(ctx)
				log := observability.FromContext(ctx).WithFields(map[string]interface{}{
					"tenant_id": tenantID,
					"object":    object,
					"action":    action,
					"roles":     strings.Join(p.Roles, ","),
				})

				allowed, enforced, err := a.Authorize(p.Roles, tenantID, object, action)
				if err != nil {
					log.WithError(err).Error("authz error")
					httputil.WriteInternalError(w, err)
					return
				}
				if !allowed {
					if enforced {
						log.Warn("admin request forbidden")
						httputil.WriteCodedError(w, http.StatusForbidden, "forbidden", errForbidden, nil)
						return
					}
					log.Warn("admin request would be forbidden (shadow mode)")
				}

				next.ServeHTTP(w, r.WithContext(observability.WithTenantID(ctx, tenantID)))
			})
		}
	}
}
