// Parses flags and dispatches commands for boxd.
//
// The binary is both the daemon and its client: 'boxd start' runs the
// engine on a Unix domain socket, every other verb connects to that
// socket and performs one request-response exchange.
//
// Global flags:
//
//	-q, --quiet     Suppress informational output.
//	-v, --verbose   Enable verbose output.
//	-d, --debug     Enable debug output.
//	-s, --socket    Unix socket path.
//
// Flags override build-time defaults set via linker flags. After parsing, the
// global logger is reconfigured to reflect the final level before the selected
// command runs.
package cli
