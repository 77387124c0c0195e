// Package httputil holds the JSON response helpers, request parsing and middleware
// shared by the admin API handlers.
//
//	router.Use(httputil.RequestIDMiddleware(logger), httputil.RecoveryMiddleware, httputil.LoggingMiddleware)
//
//	var grant flac.Grant
//	if !httputil.ParseJSONOrError(w, r, &grant) {
//		return // 400 already written
//	}
//
// Guard adapts an authorizer into per-route middleware; a nil Guard disables checks.
package httputil
