package feed

import (
	"context"
	"io"

	"github.com/rewired-gh/marketsentinel/internal/models"
)

// Channel is an in-process source fed through a Go channel. The stream ends
// with io.EOF once the channel is closed.
type Channel struct {
	events <-chan models.RawEvent
}

func NewChannel(events <-chan models.RawEvent) *Channel {
	return &Channel{events: events}
}

func (c *Channel) Connect(context.Context) (Stream, error) {
	return &channelStream{events: c.events}, nil
}

type channelStream struct {
	events <-chan models.RawEvent
}

func (s *channelStream) Next(ctx context.Context) (models.RawEvent, error) {
	select {
	case ev, ok := <-s.events:
		if !ok {
			return models.RawEvent{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return models.RawEvent{}, ctx.Err()
	}
}

func (s *channelStream) Close() error {
	return nil
}
