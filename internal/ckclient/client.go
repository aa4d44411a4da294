// Package ckclient implements the framed command protocol spoken by the
// mining daemon's local unix sockets. Commands are written as a 4-byte
// little-endian length prefix followed by the UTF-8 command string; replies
// use the same framing. The client carries no knowledge of what any command
// means; callers interpret the returned payload.
package ckclient

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Error taxonomy for daemon calls. Callers match with errors.Is.
var (
	// ErrConnection indicates the socket was unreachable or closed before
	// any data was delivered.
	ErrConnection = errors.New("daemon connection failed")
	// ErrTimeout indicates no complete reply arrived within the budget.
	ErrTimeout = errors.New("daemon request timed out")
	// ErrParse indicates the reply payload could not be interpreted.
	ErrParse = errors.New("daemon reply unparseable")
	// ErrNotFound indicates the daemon explicitly reported an unknown entity.
	ErrNotFound = errors.New("entity not known to daemon")
)

// DefaultTimeout bounds connect-to-first-byte and total read time per call.
const DefaultTimeout = 5 * time.Second

// Client issues commands over the daemon's unix sockets. Every call opens a
// fresh connection; query rates are human-driven dashboard refreshes, so the
// simplicity is worth more than pooling.
type Client struct {
	timeout time.Duration
}

// New creates a client with the given per-call timeout. A zero or negative
// timeout falls back to DefaultTimeout.
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{timeout: timeout}
}

// Reply is a raw daemon reply payload.
type Reply struct {
	Payload []byte
}

// String returns the payload as text.
func (r *Reply) String() string {
	return string(r.Payload)
}

// Decode unmarshals the payload as JSON into v. A payload that is not valid
// JSON yields ErrParse; callers that only need the text use String.
func (r *Reply) Decode(v interface{}) error {
	if err := sonic.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	return nil
}

// ParamCommand builds a parameterized command of the form name.{json},
// e.g. getuser.{"user":"bc1q..."}.
func ParamCommand(name string, arg interface{}) (string, error) {
	body, err := sonic.Marshal(arg)
	if err != nil {
		return "", fmt.Errorf("encode %s argument: %w", name, err)
	}
	return name + "." + string(body), nil
}

// Send writes a single command to the socket at path and reads one framed
// reply. The context may cut the call short; otherwise the client's fixed
// timeout applies from dial to last byte.
func (c *Client) Send(ctx context.Context, path, command string) (*Reply, error) {
	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var dialer net.Dialer
	dialer.Deadline = deadline

	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, fmt.Errorf("%w: dial %s", ErrTimeout, path)
		}
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: no socket at %s", ErrConnection, path)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, path, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnection, err)
	}

	if err := writeFrame(conn, []byte(command)); err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, fmt.Errorf("%w: write %q", ErrTimeout, command)
		}
		return nil, fmt.Errorf("%w: write %q: %v", ErrConnection, command, err)
	}

	payload, err := readFrame(conn)
	if err != nil {
		return nil, err
	}
	if isUnknownReply(payload) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, command)
	}
	return &Reply{Payload: payload}, nil
}

// isUnknownReply reports whether the payload is the daemon's "unknown"
// sentinel, which it sends for entities it has no record of. The word comes
// back bare or JSON-quoted depending on the command.
func isUnknownReply(payload []byte) bool {
	s := strings.TrimSpace(string(payload))
	return s == "unknown" || s == `"unknown"`
}

// writeFrame writes a 4-byte little-endian length followed by the body.
func writeFrame(conn net.Conn, body []byte) error {
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := conn.Write(prefix[:]); err != nil {
		return err
	}
	_, err := conn.Write(body)
	return err
}

// readFrame accumulates bytes until a full frame is held. The length prefix
// is consumed exactly once, as soon as four bytes are available. A peer that
// closes early is handled per how much arrived: a complete frame is a
// success, a partial buffer is decoded best-effort, and nothing at all is a
// connection failure.
func readFrame(conn net.Conn) ([]byte, error) {
	var (
		buf      []byte
		declared = -1
		chunk    [4096]byte
	)

	for {
		n, err := conn.Read(chunk[:])
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if declared < 0 && len(buf) >= 4 {
				declared = int(binary.LittleEndian.Uint32(buf[:4]))
				buf = buf[4:]
			}
			if declared >= 0 && len(buf) >= declared {
				return buf[:declared], nil
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return nil, fmt.Errorf("%w: %d/%d payload bytes received", ErrTimeout, len(buf), declared)
			}
			if errors.Is(err, io.EOF) {
				// Closed mid-frame. Whatever arrived is the best answer
				// we will get; an empty buffer means the daemon hung up
				// without answering at all.
				if len(buf) > 0 {
					return buf, nil
				}
				return nil, fmt.Errorf("%w: closed without reply", ErrConnection)
			}
			return nil, fmt.Errorf("%w: read: %v", ErrConnection, err)
		}
	}
}
