package cli

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cratehq/boxd/internal/paths"
	"github.com/cratehq/boxd/internal/protocol"
)

// Returned when the daemon reports a failure for a command.
var ErrDaemon = errors.New("daemon error")

const dialTimeout = 3 * time.Second

// Performs one request-response exchange with the daemon and decodes the
// successful result into T.
func request[T any](cmd protocol.Command, payload any) (T, error) {
	var zero T

	socket := RootCmd.Socket
	if socket == "" {
		socket = paths.Socket()
	}

	conn, err := net.DialTimeout("unix", socket, dialTimeout)
	if err != nil {
		return zero, fmt.Errorf("%w: is the daemon running? (%v)", ErrDaemon, err)
	}
	defer conn.Close()

	data, err := protocol.Encode(cmd, payload)
	if err != nil {
		return zero, err
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return zero, fmt.Errorf("%w: %w", ErrDaemon, err)
	}

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		return zero, fmt.Errorf("%w: %w", ErrDaemon, err)
	}

	env, raw, err := protocol.Decode(line)
	if err != nil {
		return zero, err
	}
	if env.Command == protocol.CmdError {
		failure, err := protocol.DecodePayload[protocol.ErrorResult](raw)
		if err != nil {
			return zero, err
		}
		return zero, fmt.Errorf("%w: %s", ErrDaemon, failure.Message)
	}
	if len(raw) == 0 {
		return zero, nil
	}
	return protocol.DecodePayload[T](raw)
}

// For commands whose success carries no payload.
type empty struct{}
