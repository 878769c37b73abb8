package sync

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/coppermind/shoebox/internal/ops"
	"github.com/coppermind/shoebox/internal/remote"
)

// TestIncomingAppliesJournal is the journal catch-up scenario: a push
// op arrives with latestTime=42; afterwards the record holds the
// pushed value and the cursor sits at 42.
func TestIncomingAppliesJournal(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	stub := newStubRemote()
	stub.journals["lib1"] = remote.Journal{
		Ops: []ops.DatabaseOp{{
			Collection:  "metadata",
			RecordID:    "A1",
			PartitionID: "lib1",
			Op:          ops.Push("labels", "red"),
		}},
		LatestTime: 42,
	}

	incoming := NewIncoming(store, stub, []string{"metadata"}, nil, nil)
	if err := incoming.Run(ctx, []string{"lib1"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rec, err := store.GetOne(ctx, "metadata", "A1")
	if err != nil {
		t.Fatalf("GetOne() error = %v", err)
	}
	if rec == nil {
		t.Fatal("record not upserted by journal op")
	}
	want := []any{"red"}
	if !reflect.DeepEqual(rec.Fields["labels"], want) {
		t.Errorf("labels = %v, want %v", rec.Fields["labels"], want)
	}

	ts, ok, err := store.GetCursor(ctx, "lib1", "metadata")
	if err != nil || !ok {
		t.Fatalf("GetCursor() = (ok=%v, err=%v)", ok, err)
	}
	if ts != 42 {
		t.Errorf("cursor = %d, want 42", ts)
	}
}

// TestIncomingReplayConverges re-runs a journal window that was
// already applied: the mirror must end up identical to applying once.
func TestIncomingReplayConverges(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	stub := newStubRemote()
	stub.journals["lib1"] = remote.Journal{
		Ops: []ops.DatabaseOp{
			{Collection: "metadata", RecordID: "A1", PartitionID: "lib1", Op: ops.Set(ops.Fields{"label": "x"})},
			{Collection: "metadata", RecordID: "A1", PartitionID: "lib1", Op: ops.Push("labels", "red")},
		},
		LatestTime: 10,
	}

	incoming := NewIncoming(store, stub, []string{"metadata"}, nil, nil)
	if err := incoming.Run(ctx, []string{"lib1"}); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	once, err := store.GetOne(ctx, "metadata", "A1")
	if err != nil {
		t.Fatalf("GetOne() error = %v", err)
	}

	if err := incoming.Run(ctx, []string{"lib1"}); err != nil {
		t.Fatalf("replay Run() error = %v", err)
	}
	twice, err := store.GetOne(ctx, "metadata", "A1")
	if err != nil {
		t.Fatalf("GetOne() after replay error = %v", err)
	}

	if !reflect.DeepEqual(once.Fields, twice.Fields) {
		t.Errorf("replay diverged: once=%v twice=%v", once.Fields, twice.Fields)
	}
}

// TestIncomingCursorMonotonic runs several passes with growing
// latestTime and checks the cursor never goes backward.
func TestIncomingCursorMonotonic(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	stub := newStubRemote()
	incoming := NewIncoming(store, stub, []string{"metadata"}, nil, nil)

	var prev int64
	for _, latest := range []int64{10, 25, 25, 40} {
		stub.mu.Lock()
		stub.journals["lib1"] = remote.Journal{LatestTime: latest}
		stub.mu.Unlock()

		if err := incoming.Run(ctx, []string{"lib1"}); err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		ts, _, err := store.GetCursor(ctx, "lib1", "metadata")
		if err != nil {
			t.Fatalf("GetCursor() error = %v", err)
		}
		if ts < prev {
			t.Errorf("cursor went backward: %d after %d", ts, prev)
		}
		prev = ts
	}
	if prev != 40 {
		t.Errorf("final cursor = %d, want 40", prev)
	}
}

// TestIncomingPartitionFailureIsIsolated fails one partition's journal
// fetch: its cursor must not move, and the other partition must still
// sync in the same pass.
func TestIncomingPartitionFailureIsIsolated(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	stub := newStubRemote()
	stub.journalErrs["lib1"] = errors.New("remote unavailable")
	stub.journals["lib2"] = remote.Journal{
		Ops: []ops.DatabaseOp{{
			Collection: "metadata", RecordID: "B1", PartitionID: "lib2",
			Op: ops.Set(ops.Fields{"label": "ok"}),
		}},
		LatestTime: 99,
	}
	if err := store.AdvanceCursor(ctx, "lib1", "metadata", 7); err != nil {
		t.Fatalf("AdvanceCursor() error = %v", err)
	}

	incoming := NewIncoming(store, stub, []string{"metadata"}, nil, nil)
	if err := incoming.Run(ctx, []string{"lib1", "lib2"}); err != nil {
		t.Fatalf("Run() error = %v, transient failures must not abort the pass", err)
	}

	ts, _, err := store.GetCursor(ctx, "lib1", "metadata")
	if err != nil {
		t.Fatalf("GetCursor(lib1) error = %v", err)
	}
	if ts != 7 {
		t.Errorf("lib1 cursor = %d, want unchanged 7", ts)
	}

	rec, err := store.GetOne(ctx, "metadata", "B1")
	if err != nil {
		t.Fatalf("GetOne(B1) error = %v", err)
	}
	if rec == nil || rec.Fields["label"] != "ok" {
		t.Errorf("lib2 record = %+v, want synced despite lib1 failure", rec)
	}
}

// TestIncomingUnknownOpIsFatal aborts the pass on a schema mismatch
// instead of silently skipping journal entries.
func TestIncomingUnknownOpIsFatal(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	stub := newStubRemote()
	stub.journals["lib1"] = remote.Journal{
		Ops:        []ops.DatabaseOp{{Collection: "metadata", RecordID: "A1", Op: ops.Operation{Type: "merge"}}},
		LatestTime: 50,
	}

	incoming := NewIncoming(store, stub, []string{"metadata"}, nil, nil)
	err := incoming.Run(ctx, []string{"lib1"})
	if !errors.Is(err, ops.ErrUnknownOperation) {
		t.Fatalf("Run() error = %v, want ErrUnknownOperation", err)
	}

	if _, ok, _ := store.GetCursor(ctx, "lib1", "metadata"); ok {
		t.Error("cursor advanced despite fatal op")
	}
}

// TestIncomingEmitsEvents surfaces applied journal ops to subscribers.
func TestIncomingEmitsEvents(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	stub := newStubRemote()
	stub.journals["lib1"] = remote.Journal{
		Ops: []ops.DatabaseOp{{
			Collection: "metadata", RecordID: "A1", PartitionID: "lib1",
			Op: ops.Set(ops.Fields{"label": "x"}),
		}},
		LatestTime: 5,
	}

	emitter := NewEmitter()
	var got []Event
	sub := emitter.Subscribe(func(ev Event) { got = append(got, ev) })
	defer sub.Cancel()

	incoming := NewIncoming(store, stub, []string{"metadata"}, emitter, nil)
	if err := incoming.Run(ctx, []string{"lib1"}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(got) != 1 {
		t.Fatalf("events = %d, want 1", len(got))
	}
	if got[0].Kind != EventRecordUpserted || got[0].RecordID != "A1" {
		t.Errorf("event = %+v", got[0])
	}
}
