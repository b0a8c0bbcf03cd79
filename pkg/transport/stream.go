package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const streamLogPrefix = "transport:stream"

// maxFrameSize bounds a single length-prefixed or newline-delimited frame.
const maxFrameSize = 8 * 1024 * 1024

// Framing selects how frames are delimited on a byte stream.
type Framing int

const (
	// FramingNewline separates frames with '\n'. JSON encoders never emit raw
	// newlines inside a value, so this is unambiguous.
	FramingNewline Framing = iota
	// FramingLengthPrefix precedes each frame with a 4-byte little-endian
	// length, the framing browsers use for native messaging hosts.
	FramingLengthPrefix
)

// StreamConn carries frames over any byte stream: a subprocess's pipes, the
// process's own stdio, or a net.Conn.
type StreamConn struct {
	r       *bufio.Reader
	w       io.Writer
	closer  func() error
	framing Framing
	remote  string

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewStreamConn wraps a reader/writer pair. closer is called once on Close
// and may be nil.
func NewStreamConn(r io.Reader, w io.Writer, closer func() error, framing Framing, remote string) *StreamConn {
	return &StreamConn{
		r:       bufio.NewReaderSize(r, 64*1024),
		w:       w,
		closer:  closer,
		framing: framing,
		remote:  remote,
	}
}

// NewStdioConn frames over the current process's stdin and stdout, for when
// this process was itself spawned as a companion.
func NewStdioConn(framing Framing) *StreamConn {
	return NewStreamConn(os.Stdin, os.Stdout, os.Stdin.Close, framing, "stdio")
}

func (c *StreamConn) Send(_ context.Context, frame []byte) error {
	if bytes.IndexByte(frame, '\n') >= 0 && c.framing == FramingNewline {
		return fmt.Errorf("%s - frame for %s contains a raw newline", streamLogPrefix, c.remote)
	}
	if len(frame) > maxFrameSize {
		return fmt.Errorf("%s - frame of %d bytes exceeds limit", streamLogPrefix, len(frame))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var buf []byte
	switch c.framing {
	case FramingLengthPrefix:
		buf = make([]byte, 4+len(frame))
		binary.LittleEndian.PutUint32(buf, uint32(len(frame)))
		copy(buf[4:], frame)
	default:
		buf = make([]byte, len(frame)+1)
		copy(buf, frame)
		buf[len(frame)] = '\n'
	}
	if _, err := c.w.Write(buf); err != nil {
		return fmt.Errorf("%s - write to %s: %w", streamLogPrefix, c.remote, err)
	}
	return nil
}

func (c *StreamConn) Receive() ([]byte, error) {
	if c.framing == FramingLengthPrefix {
		var hdr [4]byte
		if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
			return nil, err
		}
		n := binary.LittleEndian.Uint32(hdr[:])
		if n > maxFrameSize {
			return nil, fmt.Errorf("%s - frame of %d bytes from %s exceeds limit", streamLogPrefix, n, c.remote)
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return nil, err
		}
		return buf, nil
	}

	for {
		line, err := c.readLine()
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// readLine reads up to and including the next '\n', failing as soon as the
// line outgrows maxFrameSize.
func (c *StreamConn) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := c.r.ReadSlice('\n')
		if len(line)+len(chunk) > maxFrameSize+1 {
			return nil, fmt.Errorf("%s - frame from %s exceeds limit", streamLogPrefix, c.remote)
		}
		line = append(line, chunk...)
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, err
	}
}

func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		if c.closer != nil {
			c.closeErr = c.closer()
		}
	})
	return c.closeErr
}

func (c *StreamConn) Describe() string { return "stream " + c.remote }

// ProcessDialer starts a companion program and talks to it over its stdio.
// Each Dial starts a fresh process; Close on the Conn stops it.
type ProcessDialer struct {
	name    string
	path    string
	args    []string
	env     []string
	framing Framing
}

// NewProcessDialer resolves the companion binary. A binary that cannot be
// found is a construction failure.
func NewProcessDialer(name, command string, args, env []string, framing Framing) (*ProcessDialer, error) {
	if command == "" {
		return nil, fmt.Errorf("%s - empty command for %s", streamLogPrefix, name)
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return nil, fmt.Errorf("%s - companion %s: %w", streamLogPrefix, name, err)
	}
	return &ProcessDialer{name: name, path: path, args: args, env: env, framing: framing}, nil
}

// Name implements Dialer.
func (d *ProcessDialer) Name() string { return "process:" + d.name }

// Dial implements Dialer.
func (d *ProcessDialer) Dial(_ context.Context) (Conn, error) {
	cmd := exec.Command(d.path, d.args...)
	if len(d.env) > 0 {
		cmd.Env = append(os.Environ(), d.env...)
	}
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%s - stdin pipe for %s: %w", streamLogPrefix, d.name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%s - stdout pipe for %s: %w", streamLogPrefix, d.name, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s - start %s: %w", streamLogPrefix, d.name, err)
	}
	slog.Info(fmt.Sprintf("%s - Started companion %s (pid %d)", streamLogPrefix, d.name, cmd.Process.Pid))

	closer := func() error {
		stdin.Close()
		done := make(chan error, 1)
		go func() { done <- cmd.Wait() }()
		select {
		case err := <-done:
			return err
		case <-time.After(3 * time.Second):
			cmd.Process.Kill()
			return <-done
		}
	}
	return NewStreamConn(stdout, stdin, closer, d.framing, d.name), nil
}
