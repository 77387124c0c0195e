// Package adminauthz guards the administration and compliance API with a casbin
// (role, tenant, object, action) policy. Callers are identified by trusted
// gateway headers; see PrincipalMiddleware.
//
// In shadow mode denials are logged but not enforced, which lets a new policy
// run against live traffic before it is switched to enforce.
package adminauthz
