// Package server implements the boxd daemon.
//
// The daemon listens on a Unix domain socket for JSON-encoded commands
// from the box CLI. Each connection carries a single request-response
// exchange: the client sends a newline-delimited JSON envelope, the
// server dispatches the command, and writes the result back before
// closing the connection.
//
// Supported commands cover the container lifecycle (create, start,
// stop, pause, resume, remove, usage, list, commit), image management
// (import, list, remove, garbage collection), recipe builds, daemon
// status, and shutdown. Engine work is delegated to the lifecycle
// manager and the layer store.
//
// Example usage:
//
//	srv, err := server.New(server.Config{})
//	if err != nil {
//	    return err
//	}
//
//	if err := srv.Start(); err != nil {
//	    return err
//	}
//	defer srv.Stop()
//
//	srv.Wait()
package server
