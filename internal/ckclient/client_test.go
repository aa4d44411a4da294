package ckclient

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"
)

// fakeDaemon listens on a unix socket and serves one connection with the
// given handler.
func fakeDaemon(t *testing.T, handler func(conn net.Conn)) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "sock")
	ln, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				handler(c)
			}(conn)
		}
	}()

	return path
}

// readCommand consumes the framed command from the client side of conn.
func readCommand(t *testing.T, conn net.Conn) string {
	t.Helper()

	var prefix [4]byte
	if _, err := readFull(conn, prefix[:]); err != nil {
		t.Errorf("read command prefix: %v", err)
		return ""
	}
	body := make([]byte, binary.LittleEndian.Uint32(prefix[:]))
	if _, err := readFull(conn, body); err != nil {
		t.Errorf("read command body: %v", err)
		return ""
	}
	return string(body)
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func frame(payload string) []byte {
	out := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(out, uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

func TestSendRoundTrip(t *testing.T) {
	path := fakeDaemon(t, func(conn net.Conn) {
		cmd := readCommand(t, conn)
		if cmd != "stats" {
			t.Errorf("command = %q, want stats", cmd)
		}
		conn.Write(frame(`{"runtime":123}`))
	})

	client := New(2 * time.Second)
	reply, err := client.Send(context.Background(), path, "stats")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	var decoded struct {
		Runtime int `json:"runtime"`
	}
	if err := reply.Decode(&decoded); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Runtime != 123 {
		t.Errorf("runtime = %d, want 123", decoded.Runtime)
	}
}

func TestSendPartialFrameDelivery(t *testing.T) {
	payload := `{"users":42,"workers":57,"note":"split across many reads"}`
	framed := frame(payload)

	path := fakeDaemon(t, func(conn net.Conn) {
		readCommand(t, conn)
		// Dribble the reply out in small slices, prefix split too.
		for i := 0; i < len(framed); i += 3 {
			end := i + 3
			if end > len(framed) {
				end = len(framed)
			}
			conn.Write(framed[i:end])
			time.Sleep(2 * time.Millisecond)
		}
	})

	client := New(2 * time.Second)
	reply, err := client.Send(context.Background(), path, "stats")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.String() != payload {
		t.Errorf("payload = %q, want %q", reply.String(), payload)
	}
}

func TestSendCloseAfterCompleteFrame(t *testing.T) {
	path := fakeDaemon(t, func(conn net.Conn) {
		readCommand(t, conn)
		conn.Write(frame("pong"))
		// handler returns, closing the connection immediately
	})

	client := New(2 * time.Second)
	reply, err := client.Send(context.Background(), path, "ping")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.String() != "pong" {
		t.Errorf("payload = %q, want pong", reply.String())
	}
}

func TestSendUnframedBestEffort(t *testing.T) {
	path := fakeDaemon(t, func(conn net.Conn) {
		readCommand(t, conn)
		// Declared length never satisfied; close with a short buffer.
		var prefix [4]byte
		binary.LittleEndian.PutUint32(prefix[:], 500)
		conn.Write(prefix[:])
		conn.Write([]byte("partial text"))
	})

	client := New(2 * time.Second)
	reply, err := client.Send(context.Background(), path, "stats")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.String() != "partial text" {
		t.Errorf("payload = %q, want %q", reply.String(), "partial text")
	}
}

func TestSendEmptyCloseIsConnectionError(t *testing.T) {
	path := fakeDaemon(t, func(conn net.Conn) {
		readCommand(t, conn)
	})

	client := New(2 * time.Second)
	_, err := client.Send(context.Background(), path, "stats")
	if !errors.Is(err, ErrConnection) {
		t.Errorf("err = %v, want ErrConnection", err)
	}
}

func TestSendUnknownReplyIsNotFound(t *testing.T) {
	for _, payload := range []string{"unknown", `"unknown"`, " unknown\n"} {
		path := fakeDaemon(t, func(conn net.Conn) {
			readCommand(t, conn)
			conn.Write(frame(payload))
		})

		client := New(2 * time.Second)
		_, err := client.Send(context.Background(), path, `getuser.{"user":"1NoSuchAddr"}`)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("payload %q: err = %v, want ErrNotFound", payload, err)
		}
	}
}

func TestSendTimeout(t *testing.T) {
	path := fakeDaemon(t, func(conn net.Conn) {
		readCommand(t, conn)
		time.Sleep(500 * time.Millisecond)
	})

	client := New(50 * time.Millisecond)
	start := time.Now()
	_, err := client.Send(context.Background(), path, "stats")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took %v, want well under 1s", elapsed)
	}
}

func TestSendNoSocket(t *testing.T) {
	client := New(time.Second)
	_, err := client.Send(context.Background(), filepath.Join(t.TempDir(), "missing"), "stats")
	if !errors.Is(err, ErrConnection) {
		t.Errorf("err = %v, want ErrConnection", err)
	}
}

func TestSendContextDeadlineWins(t *testing.T) {
	path := fakeDaemon(t, func(conn net.Conn) {
		readCommand(t, conn)
		time.Sleep(500 * time.Millisecond)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := New(5 * time.Second)
	_, err := client.Send(ctx, path, "stats")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

func TestParamCommand(t *testing.T) {
	cmd, err := ParamCommand("getuser", map[string]string{"user": "bc1qtest"})
	if err != nil {
		t.Fatalf("ParamCommand: %v", err)
	}
	if cmd != `getuser.{"user":"bc1qtest"}` {
		t.Errorf("cmd = %q", cmd)
	}
}

func TestReplyDecodeInvalidJSON(t *testing.T) {
	r := &Reply{Payload: []byte("not json")}
	var v map[string]interface{}
	if err := r.Decode(&v); !errors.Is(err, ErrParse) {
		t.Errorf("err = %v, want ErrParse", err)
	}
}
