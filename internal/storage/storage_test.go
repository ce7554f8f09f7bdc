package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rewired-gh/marketsentinel/internal/models"
)

func newTestStorage(t *testing.T, maxAlerts int) *Storage {
	t.Helper()
	s, err := New(maxAlerts, ":memory:")
	if err != nil {
		t.Fatalf("failed to create test storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testAlert(id, instrument string, eventAt time.Time) *models.Alert {
	return &models.Alert{
		ID:           id,
		InstrumentID: instrument,
		RuleID:       "above-100",
		Condition:    "above",
		Value:        110,
		Score:        110,
		Limit:        100,
		Severity:     models.SeverityCritical,
		Timestamp:    eventAt,
		DetectedAt:   eventAt.Add(time.Millisecond),
		Snapshot: models.Snapshot{
			Count: 3, Capacity: 3, Mean: 98.5, StdDev: 10.4, Sufficient: true,
			Min: 90, Max: 110, Latest: 110, LatestAt: eventAt,
		},
	}
}

func TestStorage_AddAndReadAlert(t *testing.T) {
	s := newTestStorage(t, 100)
	now := time.Now()
	a := testAlert("alert-1", "ABC", now)

	if err := s.AddAlert(a, now.Add(time.Second)); err != nil {
		t.Fatalf("AddAlert: %v", err)
	}
	got, err := s.RecentAlerts(10)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(got))
	}
	g := got[0]
	if g.ID != "alert-1" || g.InstrumentID != "ABC" || g.RuleID != "above-100" {
		t.Errorf("unexpected alert identity: %+v", g.Alert)
	}
	if g.Severity != models.SeverityCritical {
		t.Errorf("got severity %s, want critical", g.Severity)
	}
	if !g.Timestamp.Equal(now) || !g.DeliveredAt.Equal(now.Add(time.Second)) {
		t.Errorf("timestamps not preserved: event %v delivered %v", g.Timestamp, g.DeliveredAt)
	}
	if g.Snapshot.Mean != 98.5 || !g.Snapshot.Sufficient || g.Snapshot.Count != 3 {
		t.Errorf("snapshot not preserved: %+v", g.Snapshot)
	}
}

func TestStorage_AddAlert_Idempotent(t *testing.T) {
	s := newTestStorage(t, 100)
	now := time.Now()
	a := testAlert("alert-1", "ABC", now)

	for i := 0; i < 3; i++ {
		if err := s.AddAlert(a, now); err != nil {
			t.Fatalf("AddAlert: %v", err)
		}
	}
	n, err := s.CountAlerts()
	if err != nil {
		t.Fatalf("CountAlerts: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 alert, got %d", n)
	}
}

func TestStorage_AddAlert_EnforcesMaxAlerts(t *testing.T) {
	s := newTestStorage(t, 3)
	base := time.Now()

	for i := 0; i < 5; i++ {
		a := testAlert(fmt.Sprintf("alert-%d", i), "ABC", base)
		if err := s.AddAlert(a, base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("AddAlert %d: %v", i, err)
		}
	}

	got, err := s.RecentAlerts(10)
	if err != nil {
		t.Fatalf("RecentAlerts: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 alerts after rotation, got %d", len(got))
	}
	for i, want := range []string{"alert-4", "alert-3", "alert-2"} {
		if got[i].ID != want {
			t.Errorf("position %d: got %s, want %s", i, got[i].ID, want)
		}
	}
}

func TestStorage_RotateAndClearAlerts(t *testing.T) {
	s := newTestStorage(t, 100)
	now := time.Now()
	for i := 0; i < 4; i++ {
		if err := s.AddAlert(testAlert(fmt.Sprintf("a%d", i), "X", now), now); err != nil {
			t.Fatalf("AddAlert: %v", err)
		}
	}

	s.maxAlerts = 2
	if err := s.RotateAlerts(); err != nil {
		t.Fatalf("RotateAlerts: %v", err)
	}
	if n, _ := s.CountAlerts(); n != 2 {
		t.Errorf("expected 2 alerts after rotate, got %d", n)
	}

	if err := s.ClearAlerts(); err != nil {
		t.Fatalf("ClearAlerts: %v", err)
	}
	if n, _ := s.CountAlerts(); n != 0 {
		t.Errorf("expected 0 alerts after clear, got %d", n)
	}
}

func TestStorage_SaveLoadCooldowns(t *testing.T) {
	s := newTestStorage(t, 100)
	now := time.Now()

	entries := []models.CooldownEntry{
		{Key: models.AlertKey{InstrumentID: "ABC", RuleID: "r1"}, LastSent: now, Cooldown: 5 * time.Minute},
		{Key: models.AlertKey{InstrumentID: "XYZ", RuleID: "r2"}, LastSent: now.Add(-time.Minute), Cooldown: time.Hour},
	}
	if err := s.SaveCooldowns(entries); err != nil {
		t.Fatalf("SaveCooldowns: %v", err)
	}

	loaded, err := s.LoadCooldowns()
	if err != nil {
		t.Fatalf("LoadCooldowns: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("expected 2 cooldowns, got %d", len(loaded))
	}
	byKey := make(map[models.AlertKey]models.CooldownEntry)
	for _, e := range loaded {
		byKey[e.Key] = e
	}
	for _, want := range entries {
		got, ok := byKey[want.Key]
		if !ok {
			t.Errorf("missing cooldown %s", want.Key)
			continue
		}
		if !got.LastSent.Equal(want.LastSent) || got.Cooldown != want.Cooldown {
			t.Errorf("cooldown %s: got %+v, want %+v", want.Key, got, want)
		}
	}

	// A later save replaces the previous checkpoint.
	if err := s.SaveCooldowns(entries[:1]); err != nil {
		t.Fatalf("SaveCooldowns: %v", err)
	}
	loaded, _ = s.LoadCooldowns()
	if len(loaded) != 1 {
		t.Errorf("expected 1 cooldown after replace, got %d", len(loaded))
	}
}

func TestStorage_FileDatabasePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data.db")
	s, err := New(10, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	entry := models.CooldownEntry{Key: models.AlertKey{InstrumentID: "A", RuleID: "r"}, LastSent: time.Now(), Cooldown: time.Minute}
	if err := s.SaveCooldowns([]models.CooldownEntry{entry}); err != nil {
		t.Fatalf("SaveCooldowns: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("database file not created: %v", err)
	}

	s, err = New(10, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	loaded, err := s.LoadCooldowns()
	if err != nil {
		t.Fatalf("LoadCooldowns: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Key != entry.Key {
		t.Errorf("cooldown not persisted: %+v", loaded)
	}
}
