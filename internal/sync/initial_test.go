package sync

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/coppermind/shoebox/internal/mirror"
	"github.com/coppermind/shoebox/internal/ops"
	"github.com/coppermind/shoebox/internal/remote"
)

func TestInitialLoadPagesAndCursor(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	stub := newStubRemote()
	stub.pages["lib1/metadata"] = []remote.Page{
		{
			Records:    []remote.RecordData{{ID: "A1", Fields: ops.Fields{"label": "x"}}},
			ServerTime: 1000,
		},
		{
			Records:    []remote.RecordData{{ID: "A2", Fields: ops.Fields{"label": "y"}}},
			ServerTime: 1001,
		},
	}

	var pageSizes []int
	loader := NewLoader(store, stub, []string{"metadata"}, nil)
	gen := uint64(1)
	err := loader.Run(ctx, "lib1", gen, func() uint64 { return gen },
		func(collection string, records []mirror.Record) {
			pageSizes = append(pageSizes, len(records))
		})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	// Pages surfaced one at a time, not batched at the end.
	if len(pageSizes) != 2 || pageSizes[0] != 1 || pageSizes[1] != 1 {
		t.Errorf("page sizes = %v, want [1 1]", pageSizes)
	}

	for _, id := range []string{"A1", "A2"} {
		rec, err := store.GetOne(ctx, "metadata", id)
		if err != nil {
			t.Fatalf("GetOne(%s) error = %v", id, err)
		}
		if rec == nil {
			t.Errorf("record %s missing from mirror", id)
			continue
		}
		if rec.PartitionID != "lib1" {
			t.Errorf("record %s partition = %s, want lib1", id, rec.PartitionID)
		}
	}

	// Cursor established from the first page's server time.
	ts, ok, err := store.GetCursor(ctx, "lib1", "metadata")
	if err != nil || !ok {
		t.Fatalf("GetCursor() = (ok=%v, err=%v)", ok, err)
	}
	if ts != 1000 {
		t.Errorf("cursor = %d, want server time 1000", ts)
	}
}

func TestInitialLoadMultipleCollections(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	stub := newStubRemote()
	stub.pages["lib1/metadata"] = []remote.Page{{
		Records: []remote.RecordData{{ID: "A1"}}, ServerTime: 500,
	}}
	stub.pages["lib1/albums"] = []remote.Page{{
		Records: []remote.RecordData{{ID: "alb1"}}, ServerTime: 500,
	}}

	loader := NewLoader(store, stub, []string{"metadata", "albums"}, nil)
	gen := uint64(1)
	if err := loader.Run(ctx, "lib1", gen, func() uint64 { return gen }, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	cursors, err := store.Cursors(ctx, "lib1")
	if err != nil {
		t.Fatalf("Cursors() error = %v", err)
	}
	if len(cursors) != 2 {
		t.Errorf("cursors = %v, want one per collection", cursors)
	}
}

// TestInitialLoadStaleGenerationDiscarded bumps the generation after
// the first page: everything from that point is silently dropped, no
// cursor is established and Run reports no error.
func TestInitialLoadStaleGenerationDiscarded(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	stub := newStubRemote()
	stub.pages["lib1/metadata"] = []remote.Page{
		{Records: []remote.RecordData{{ID: "A1"}}, ServerTime: 100},
		{Records: []remote.RecordData{{ID: "A2"}}, ServerTime: 100},
	}

	var current atomic.Uint64
	current.Store(1)

	fetches := 0
	stub.onGetAll = func() {
		fetches++
		if fetches == 2 {
			// Partition switch while the load is in flight.
			current.Store(2)
		}
	}

	loader := NewLoader(store, stub, []string{"metadata"}, nil)
	if err := loader.Run(ctx, "lib1", 1, current.Load, nil); err != nil {
		t.Fatalf("Run() error = %v, stale load must not be an error", err)
	}

	// First page committed, second discarded.
	if rec, _ := store.GetOne(ctx, "metadata", "A1"); rec == nil {
		t.Error("page committed before the switch should remain")
	}
	if rec, _ := store.GetOne(ctx, "metadata", "A2"); rec != nil {
		t.Error("stale page was committed to the mirror")
	}
	if _, ok, _ := store.GetCursor(ctx, "lib1", "metadata"); ok {
		t.Error("stale load established a cursor")
	}
}

func TestInitialLoadEmptyCollection(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	stub := newStubRemote()
	stub.pages["lib1/metadata"] = []remote.Page{{ServerTime: 77}}

	loader := NewLoader(store, stub, []string{"metadata"}, nil)
	gen := uint64(1)
	if err := loader.Run(ctx, "lib1", gen, func() uint64 { return gen }, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	ts, ok, err := store.GetCursor(ctx, "lib1", "metadata")
	if err != nil || !ok {
		t.Fatalf("GetCursor() = (ok=%v, err=%v)", ok, err)
	}
	if ts != 77 {
		t.Errorf("cursor = %d, want 77", ts)
	}
}
