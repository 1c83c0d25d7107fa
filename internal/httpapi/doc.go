// Package httpapi provides the shared HTTP server used by every Alicia
// substrate service that exposes a REST surface (security gateway, registry,
// voice router, metrics collector, scheduler).
//
// It owns the listener lifecycle, the chi router, and the common middleware
// chain (request IDs, logging, panic recovery, body size limits). Services
// mount their own routes through the Mount hook:
//
//	srv, err := httpapi.New(httpapi.Deps{
//		Bind:   cfg.Registry.Bind,
//		Logger: logger,
//		Mount: func(r chi.Router) {
//			r.Get("/api/v1/services", handleListServices)
//		},
//	})
//	srv.Start(ctx)
//	defer srv.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package httpapi
