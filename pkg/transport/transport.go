// Package transport provides the message channels the relay runs over. Every
// concrete transport presents the same Conn interface: framed text payloads
// in, framed text payloads out, and an error from Receive when the channel
// closes.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

const logPrefix = "transport:transport"

// ErrClosed is returned by operations on a closed Conn or Listener.
var ErrClosed = errors.New("transport closed")

// Conn is one open, bidirectional, message-oriented channel.
type Conn interface {
	// Send writes one frame. Safe for concurrent use.
	Send(ctx context.Context, frame []byte) error
	// Receive blocks for the next frame. Only one goroutine may call it.
	// A non-nil error means the channel is gone.
	Receive() ([]byte, error)
	// Close releases the channel. Safe to call multiple times.
	Close() error
	// Describe names the remote end for logs.
	Describe() string
}

// Dialer opens Conns to one configured remote end.
type Dialer interface {
	Name() string
	Dial(ctx context.Context) (Conn, error)
}

// Listener yields Conns opened by remote ends.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// Factory constructs a Dialer. Construction is where a transport that cannot
// work in this environment (bad address, blocked broker, missing binary)
// reports failure.
type Factory struct {
	Name string
	New  func() (Dialer, error)
}

// Select returns the Dialer of the first factory that constructs without
// error. Connect-time failures of the chosen Dialer never cause a fallback;
// only construction does.
func Select(factories ...Factory) (Dialer, error) {
	var errs []error
	for _, f := range factories {
		if f.New == nil {
			continue
		}
		d, err := f.New()
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - %s transport unavailable, trying next: %v", logPrefix, f.Name, err))
			errs = append(errs, fmt.Errorf("%s: %w", f.Name, err))
			continue
		}
		slog.Info(fmt.Sprintf("%s - Selected %s transport", logPrefix, f.Name))
		return d, nil
	}
	if len(errs) == 0 {
		return nil, fmt.Errorf("%s - no transports configured", logPrefix)
	}
	return nil, fmt.Errorf("%s - no transport could be constructed: %w", logPrefix, errors.Join(errs...))
}
