package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mediarack/rack/internal/rack/engine"
)

func setupTestJournal(t *testing.T, maxPasses int) (*Journal, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "state", "journal.db")
	j, err := Open(path, maxPasses, nil)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	return j, path
}

func pass(start time.Time, outcome engine.Outcome) engine.PassResult {
	return engine.PassResult{
		Started:  start,
		Finished: start.Add(2 * time.Second),
		Outcome:  outcome,
		Fetched:  3,
		Inserted: 1,
	}
}

func TestRecordAndRecent(t *testing.T) {
	j, _ := setupTestJournal(t, 0)
	defer j.Close()

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := j.Record(pass(base.Add(time.Duration(i)*time.Minute), engine.OutcomeOK)); err != nil {
			t.Fatalf("Record() failed: %v", err)
		}
	}

	got, err := j.Recent(2)
	if err != nil {
		t.Fatalf("Recent() failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent(2) returned %d passes", len(got))
	}
	if !got[0].Started.Equal(base.Add(2*time.Minute)) {
		t.Errorf("Recent()[0].Started = %v, want newest first", got[0].Started)
	}
	if got[0].Fetched != 3 || got[0].Outcome != engine.OutcomeOK {
		t.Errorf("Recent()[0] = %+v", got[0])
	}
}

func TestRecord_Prunes(t *testing.T) {
	j, _ := setupTestJournal(t, 3)
	defer j.Close()

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		if err := j.Record(pass(base.Add(time.Duration(i)*time.Minute), engine.OutcomeOK)); err != nil {
			t.Fatalf("Record() failed: %v", err)
		}
	}

	got, err := j.Recent(10)
	if err != nil {
		t.Fatalf("Recent() failed: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("journal kept %d passes, want 3", len(got))
	}
	if !got[2].Started.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("oldest kept pass started %v, want %v", got[2].Started, base.Add(2*time.Minute))
	}
}

func TestSummary(t *testing.T) {
	j, path := setupTestJournal(t, 0)

	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	ok := pass(base, engine.OutcomeOK)
	j.PassCompleted(ok)
	j.PassCompleted(pass(base.Add(time.Minute), engine.OutcomeError))
	j.ActivityChanged(engine.Running, engine.Error)

	if err := j.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	ro, err := OpenReadOnly(path)
	if err != nil {
		t.Fatalf("OpenReadOnly() failed: %v", err)
	}
	defer ro.Close()

	s, err := ro.Summary()
	if err != nil {
		t.Fatalf("Summary() failed: %v", err)
	}
	if s.Activity != "error" {
		t.Errorf("Activity = %q, want error", s.Activity)
	}
	if !s.LastSuccess.Equal(ok.Finished) {
		t.Errorf("LastSuccess = %v, want %v (failed passes must not advance it)", s.LastSuccess, ok.Finished)
	}
	if s.LastPass == nil || s.LastPass.Outcome != engine.OutcomeError {
		t.Errorf("LastPass = %+v, want the failed pass", s.LastPass)
	}
	if s.UpdatedAt.IsZero() {
		t.Error("UpdatedAt is zero")
	}
}

func TestSummary_Empty(t *testing.T) {
	j, _ := setupTestJournal(t, 0)
	defer j.Close()

	s, err := j.Summary()
	if err != nil {
		t.Fatalf("Summary() failed: %v", err)
	}
	if s.LastPass != nil || !s.LastSuccess.IsZero() {
		t.Errorf("Summary() = %+v, want empty", s)
	}
}
