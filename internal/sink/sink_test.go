package sink

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/marketsentinel/internal/models"
)

func testAlert() *models.Alert {
	return &models.Alert{
		ID:           "7f0c1d6e-0000-5000-8000-000000000001",
		InstrumentID: "BTC-USD",
		RuleID:       "above-100",
		Condition:    "above",
		Value:        110,
		Score:        110,
		Limit:        100,
		Severity:     models.SeverityCritical,
		Timestamp:    time.Date(2024, 1, 1, 0, 0, 3, 0, time.UTC),
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad request")
	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(nil))
	assert.False(t, IsPermanent(base))
	assert.True(t, IsPermanent(Permanent(base)))
	assert.ErrorIs(t, Permanent(base), base)

	wrapped := errors.Join(Permanent(base), Permanent(errors.New("other")))
	assert.True(t, IsPermanent(wrapped))
	assert.False(t, IsPermanent(errors.Join(Permanent(base), errors.New("timeout"))))
}

func TestWebhookSend(t *testing.T) {
	var got webhookPayload
	var idempotencyKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idempotencyKey = r.Header.Get("Idempotency-Key")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	alert := testAlert()
	require.NoError(t, NewWebhook(srv.URL, time.Second).Send(context.Background(), alert))
	assert.Equal(t, alert.ID, idempotencyKey)
	assert.Equal(t, "BTC-USD", got.Instrument)
	assert.Equal(t, "critical", got.Severity)
	assert.Equal(t, 110.0, got.Value)
	assert.True(t, got.Timestamp.Equal(alert.Timestamp))
}

func TestWebhookStatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		permanent bool
	}{
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		err := NewWebhook(srv.URL, time.Second).Send(context.Background(), testAlert())
		srv.Close()

		require.Error(t, err, "status %d", tt.status)
		assert.Equal(t, tt.permanent, IsPermanent(err), "status %d", tt.status)
	}
}

func TestWebhookConnectionErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewWebhook(url, time.Second).Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}

func TestMulti(t *testing.T) {
	var calls []string
	ok := Func(func(ctx context.Context, a *models.Alert) error {
		calls = append(calls, "ok")
		return nil
	})
	transient := Func(func(ctx context.Context, a *models.Alert) error {
		calls = append(calls, "transient")
		return errors.New("timeout")
	})
	permanent := Func(func(ctx context.Context, a *models.Alert) error {
		calls = append(calls, "permanent")
		return Permanent(errors.New("forbidden"))
	})

	assert.NoError(t, NewMulti(ok, Log{}).Send(context.Background(), testAlert()))

	err := NewMulti(ok, transient, permanent).Send(context.Background(), testAlert())
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, []string{"ok", "ok", "transient", "permanent"}, calls)

	err = NewMulti(permanent).Send(context.Background(), testAlert())
	assert.True(t, IsPermanent(err))

	// A rejection by one sink does not fail an alert another sink delivered.
	assert.NoError(t, NewMulti(ok, permanent).Send(context.Background(), testAlert()))
}

func TestMulti_RetryOnlyReachesUnsettledSinks(t *testing.T) {
	var okCalls, flakyCalls, rejectCalls int
	ok := Func(func(ctx context.Context, a *models.Alert) error {
		okCalls++
		return nil
	})
	flaky := Func(func(ctx context.Context, a *models.Alert) error {
		flakyCalls++
		if flakyCalls < 3 {
			return errors.New("503 service unavailable")
		}
		return nil
	})
	reject := Func(func(ctx context.Context, a *models.Alert) error {
		rejectCalls++
		return Permanent(errors.New("400 bad request"))
	})

	m := NewMulti(ok, flaky, reject)
	alert := testAlert()
	for i := 0; i < 2; i++ {
		err := m.Send(context.Background(), alert)
		require.Error(t, err)
		assert.False(t, IsPermanent(err))
	}
	assert.Equal(t, 1, m.pending())

	require.NoError(t, m.Send(context.Background(), alert))
	assert.Equal(t, 1, okCalls)
	assert.Equal(t, 3, flakyCalls)
	assert.Equal(t, 1, rejectCalls)
	assert.Equal(t, 0, m.pending())

	// Progress is per alert id.
	other := testAlert()
	other.ID = "another"
	require.NoError(t, m.Send(context.Background(), other))
	assert.Equal(t, 2, okCalls)
}

func TestMulti_Settle(t *testing.T) {
	calls := 0
	ok := Func(func(ctx context.Context, a *models.Alert) error {
		calls++
		return nil
	})
	down := Func(func(ctx context.Context, a *models.Alert) error {
		return errors.New("timeout")
	})

	m := NewMulti(ok, down)
	require.Error(t, m.Send(context.Background(), testAlert()))
	assert.Equal(t, 1, m.pending())

	m.Settle(testAlert().ID)
	assert.Equal(t, 0, m.pending())

	var settler Settler = m
	settler.Settle("unknown")
	assert.Equal(t, 1, calls)
}
