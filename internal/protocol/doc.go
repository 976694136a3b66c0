// Package protocol defines the wire format between the box CLI and the
// boxd daemon: newline-delimited JSON envelopes over a Unix domain
// socket, one request-response exchange per connection.
package protocol
