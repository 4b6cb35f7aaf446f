package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "calls.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestJournal_RecordAndRecent(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	start := time.Unix(1700000000, 123)

	entries := []Entry{
		{Session: "s1", Op: "eval", Started: start, Duration: time.Millisecond, Outcome: OutcomeOK},
		{Session: "s1", Op: "invoke", Target: "f", Started: start.Add(time.Second), Duration: 2 * time.Millisecond, Outcome: OutcomeRemote, Error: "ValueError: x"},
		{Session: "s2", Op: "eval", Started: start.Add(2 * time.Second), Outcome: OutcomeCast, Error: "cannot copy"},
	}
	for _, e := range entries {
		if err := j.Record(ctx, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := j.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].Session != "s2" || got[0].Outcome != OutcomeCast {
		t.Errorf("newest = %+v, want s2/cast", got[0])
	}
	if got[1].Target != "f" || got[1].Error != "ValueError: x" {
		t.Errorf("second = %+v", got[1])
	}
	if !got[1].Started.Equal(start.Add(time.Second)) {
		t.Errorf("Started = %v, want %v", got[1].Started, start.Add(time.Second))
	}
	if got[1].Duration != 2*time.Millisecond {
		t.Errorf("Duration = %v, want 2ms", got[1].Duration)
	}
	if got[0].ID <= got[1].ID {
		t.Errorf("IDs not descending: %d, %d", got[0].ID, got[1].ID)
	}
}

func TestJournal_RecentUnlimited(t *testing.T) {
	j := openTemp(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := j.Record(ctx, Entry{Session: "s", Op: "exec", Started: time.Now(), Outcome: OutcomeOK}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := j.Recent(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 5 {
		t.Errorf("len = %d, want 5", len(got))
	}
	n, err := j.Count(ctx)
	if err != nil || n != 5 {
		t.Errorf("Count = %d, %v; want 5", n, err)
	}
}

func TestJournal_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.db")
	ctx := context.Background()

	j, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Record(ctx, Entry{Session: "s", Op: "eval", Started: time.Now(), Outcome: OutcomeOK}); err != nil {
		t.Fatal(err)
	}
	j.Close()

	j, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	n, err := j.Count(ctx)
	if err != nil || n != 1 {
		t.Errorf("Count after reopen = %d, %v; want 1", n, err)
	}
	if j.Path() != path {
		t.Errorf("Path = %q, want %q", j.Path(), path)
	}
}

func TestJournal_InMemory(t *testing.T) {
	j, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	ctx := context.Background()
	if err := j.Record(ctx, Entry{Session: "s", Op: "release", Target: "h-1", Started: time.Now(), Outcome: OutcomeOK}); err != nil {
		t.Fatal(err)
	}
	got, err := j.Recent(ctx, 10)
	if err != nil || len(got) != 1 || got[0].Target != "h-1" {
		t.Errorf("Recent = %+v, %v", got, err)
	}
}

func TestJournal_ClosedFails(t *testing.T) {
	j, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	j.Close()
	if err := j.Record(context.Background(), Entry{Op: "eval"}); err == nil {
		t.Error("Record on closed journal should fail")
	}
}
