// Package feed connects to upstream market data sources and pushes their
// events into the monitor, reconnecting on transport failures.
package feed

import (
	"context"
	"errors"
	"fmt"

	"github.com/rewired-gh/marketsentinel/internal/models"
)

// ErrDecode marks a frame or quote that could not be decoded. The stream
// stays usable after it.
var ErrDecode = errors.New("feed: decode failed")

// ErrReconnectExhausted is reported with StatusDown when the connection
// failed more times in a row than the reconnect policy allows.
var ErrReconnectExhausted = errors.New("feed: reconnect attempts exhausted")

// TransportError is a connection level failure. The supervisor recovers from
// it by reconnecting.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	if e.URL == "" {
		return fmt.Sprintf("feed %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("feed %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Adapter opens streams to one upstream source.
type Adapter interface {
	Connect(ctx context.Context) (Stream, error)
}

// Stream yields raw events until it fails. Next returns io.EOF when the
// source has no more data and a *TransportError when the connection broke.
type Stream interface {
	Next(ctx context.Context) (models.RawEvent, error)
	Close() error
}

// Ingester receives the events read by the supervisor.
type Ingester interface {
	Ingest(ctx context.Context, raw models.RawEvent) error
	RecordMalformed(err error)
}
