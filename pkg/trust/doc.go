// Package trust is the single entry point business actions use for field-level
// access control and audit logging.
//
// Construct one Service per process and inject it as a Provider:
//
//	svc := trust.NewService(engine, writer, trust.WithQueue(queue), trust.WithLogger(logger))
//
//	if err := svc.EnsureWritePermissions(ctx, userID, tenantID, "crm_accounts", changes); err != nil {
//	    return err // FLAC_DENIED aborts before any store write
//	}
//	// ... commit the mutation ...
//	svc.AppendAudit(ctx, ledger.AppendRequest{TenantID: tenantID, Action: "crm_accounts.update", ...})
//
// AppendAudit never fails the business action. With a queue the request is
// handed to the Dispatcher; without one it is appended in a background goroutine.
package trust
