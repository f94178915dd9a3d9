// Package converge elects a single owner per shared library root and routes
// every other process's calls to it over loopback TCP.
//
// Several independent processes (a desktop shell, a CLI, language bindings,
// test harnesses) may embed the same application-data library at once, but
// only one of them may safely own the on-disk state for a given library root.
// Resolve decides which one. The winner ("primary") binds a convergence
// server on an ephemeral loopback port, records (pid, port) in a shared
// per-user registry, and serves requests by dispatching into its local
// subsystem. Every other process ("client") gets a connection handle and
// proxies each call to the primary over a single persistent connection.
//
//	res, err := converge.Resolve(ctx, libraryRoot, handlers)
//	if err != nil {
//	    // ...
//	}
//	switch res.Role {
//	case converge.RolePrimary:
//	    defer res.Primary.Close()
//	case converge.RoleClient:
//	    out, err := res.Client.Call(ctx, "models/search", params)
//	    if converge.IsOwnerLost(err) {
//	        // the primary died; re-run Resolve to elect a successor
//	    }
//	}
//
// There are no heartbeats. A crashed primary is detected lazily, by a
// client's call failing or a prober's dial being refused, and the next
// Resolve supersedes its registration. The registry is advisory about who
// claimed ownership; only a live connection proves anything about who is
// alive.
package converge
