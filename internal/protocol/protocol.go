package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel for malformed envelopes and payloads.
var ErrProtocol = errors.New("protocol error")

// Identifies a request or response type on the wire.
type Command string

const (
	// Responses.
	CmdOK    Command = "ok"
	CmdError Command = "error"

	// Container operations.
	CmdContainerCreate Command = "container-create"
	CmdContainerStart  Command = "container-start"
	CmdContainerStop   Command = "container-stop"
	CmdContainerKill   Command = "container-kill"
	CmdContainerPause  Command = "container-pause"
	CmdContainerResume Command = "container-resume"
	CmdContainerRemove Command = "container-remove"
	CmdContainerUsage  Command = "container-usage"
	CmdContainerList   Command = "container-list"
	CmdContainerCommit Command = "container-commit"

	// Image operations.
	CmdImageImport Command = "image-import"
	CmdImageList   Command = "image-list"
	CmdImageRemove Command = "image-remove"
	CmdImageGC     Command = "image-gc"

	// Build and daemon control.
	CmdBuild    Command = "build"
	CmdStatus   Command = "status"
	CmdShutdown Command = "shutdown"
)

// The outer JSON frame carried on the socket, one per line.
type Envelope struct {
	Command Command         `json:"command"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Serializes a command and its payload into a single envelope. The
// returned bytes carry no trailing newline; the transport adds framing.
func Encode(cmd Command, payload any) ([]byte, error) {
	env := Envelope{Command: cmd}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: encode payload: %w", ErrProtocol, err)
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: encode envelope: %w", ErrProtocol, err)
	}
	return data, nil
}

// Parses one envelope from a received line and returns it along with the
// raw payload for the command-specific decode.
func Decode(line []byte) (Envelope, json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return env, nil, fmt.Errorf("%w: decode envelope: %w", ErrProtocol, err)
	}
	if env.Command == "" {
		return env, nil, fmt.Errorf("%w: envelope has no command", ErrProtocol)
	}
	return env, env.Payload, nil
}

// Unmarshals a raw payload into the request or result type for the
// command being handled.
func DecodePayload[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, fmt.Errorf("%w: missing payload", ErrProtocol)
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("%w: decode payload: %w", ErrProtocol, err)
	}
	return v, nil
}
