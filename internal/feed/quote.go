package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/marketsentinel/internal/models"
)

// quote is the wire format shared by the websocket and poll adapters:
//
//	{"instrument": "BTC-USD", "value": 64210.5, "timestamp": "2024-01-01T00:00:00Z", "seq": 42}
//
// "symbol" and "price" are accepted as aliases. The timestamp may be RFC 3339
// or Unix milliseconds and may be omitted.
type quote struct {
	Instrument string          `json:"instrument"`
	Symbol     string          `json:"symbol"`
	Value      *float64        `json:"value"`
	Price      *float64        `json:"price"`
	Timestamp  json.RawMessage `json:"timestamp"`
	Seq        uint64          `json:"seq"`
}

func (q quote) toRaw() (models.RawEvent, error) {
	id := q.Instrument
	if id == "" {
		id = q.Symbol
	}
	value := q.Value
	if value == nil {
		value = q.Price
	}
	if value == nil {
		return models.RawEvent{}, fmt.Errorf("%w: quote for %q has no value", ErrDecode, id)
	}

	ts, err := parseTimestamp(q.Timestamp)
	if err != nil {
		return models.RawEvent{}, fmt.Errorf("%w: quote for %q: %v", ErrDecode, id, err)
	}

	return models.RawEvent{InstrumentID: id, Value: *value, Timestamp: ts, Sequence: q.Seq}, nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return time.Time{}, nil
	}
	if strings.HasPrefix(s, `"`) {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return time.Time{}, err
		}
		if text == "" {
			return time.Time{}, nil
		}
		if ms, err := strconv.ParseInt(text, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		return time.Parse(time.RFC3339Nano, text)
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %s", s)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// decodeFrame decodes a single quote or an array of quotes. Quotes that fail
// to decode do not affect the others in the frame; the first error is returned
// alongside the decoded events.
func decodeFrame(data []byte) ([]models.RawEvent, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	var quotes []quote
	if data[0] == '[' {
		if err := json.Unmarshal(data, &quotes); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
	} else {
		var q quote
		if err := json.Unmarshal(data, &q); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecode, err)
		}
		quotes = []quote{q}
	}

	events := make([]models.RawEvent, 0, len(quotes))
	var firstErr error
	for _, q := range quotes {
		ev, err := q.toRaw()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		events = append(events, ev)
	}
	return events, firstErr
}
