package sync

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/coppermind/shoebox/internal/mirror"
	"github.com/coppermind/shoebox/internal/ops"
	"github.com/coppermind/shoebox/internal/remote"
)

// Incoming pulls the remote journal and applies other writers' ops to
// the mirror.
type Incoming struct {
	store       *mirror.Store
	remote      remote.API
	collections []string
	events      *Emitter
	logger      *log.Logger
}

// NewIncoming creates the incoming pass. events may be nil.
func NewIncoming(store *mirror.Store, api remote.API, collections []string, events *Emitter, logger *log.Logger) *Incoming {
	if logger == nil {
		logger = defaultLogger("[incoming] ")
	}
	return &Incoming{
		store:       store,
		remote:      api,
		collections: collections,
		events:      events,
		logger:      logger,
	}
}

// Run catches each partition up with the remote journal.
//
// Partitions are independent: a transient failure in one is logged,
// its cursor is left where it was (the next pass re-fetches the same
// window, which idempotent apply makes safe), and the pass continues
// with the next partition. An unknown operation type is a schema
// mismatch and aborts the whole pass with an error.
func (i *Incoming) Run(ctx context.Context, partitionIDs []string) error {
	for _, partitionID := range partitionIDs {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := i.syncPartition(ctx, partitionID); err != nil {
			if errors.Is(err, ops.ErrUnknownOperation) {
				return fmt.Errorf("journal for %s contains an operation this client cannot apply: %w", partitionID, err)
			}
			i.logger.Printf("Warning: failed to sync partition %s: %v", partitionID, err)
			continue
		}
	}
	return nil
}

// syncPartition applies one partition's journal window and advances
// its cursors.
func (i *Incoming) syncPartition(ctx context.Context, partitionID string) error {
	since, err := i.cursorFloor(ctx, partitionID)
	if err != nil {
		return err
	}

	journal, err := i.remote.GetJournal(ctx, partitionID, since)
	if err != nil {
		return fmt.Errorf("failed to fetch journal: %w", err)
	}
	if len(journal.Ops) > 0 {
		i.logger.Printf("Applying %d journal ops to %s (since %d)", len(journal.Ops), partitionID, since)
	}

	for _, dbOp := range journal.Ops {
		if err := i.applyOp(ctx, dbOp); err != nil {
			return err
		}
	}

	// Every op up to LatestTime is durably in the mirror; only now may
	// the cursors move.
	for _, collection := range i.collections {
		if err := i.store.AdvanceCursor(ctx, partitionID, collection, journal.LatestTime); err != nil {
			return err
		}
	}
	return nil
}

// cursorFloor returns the oldest cursor across the partition's
// collections, or zero (the beginning of the journal) when initial
// sync has never established one.
func (i *Incoming) cursorFloor(ctx context.Context, partitionID string) (int64, error) {
	cursors, err := i.store.Cursors(ctx, partitionID)
	if err != nil {
		return 0, err
	}
	if len(cursors) == 0 {
		return 0, nil
	}

	var floor int64 = -1
	for _, ts := range cursors {
		if floor < 0 || ts < floor {
			floor = ts
		}
	}
	return floor, nil
}

// applyOp runs one journal op through the shared convergence function
// against the mirror, upserting the record if it does not exist yet.
func (i *Incoming) applyOp(ctx context.Context, dbOp ops.DatabaseOp) error {
	rec, err := i.store.GetOne(ctx, dbOp.Collection, dbOp.RecordID)
	if err != nil {
		return err
	}

	current := ops.Fields{}
	partitionID := dbOp.PartitionID
	if rec != nil {
		current = rec.Fields
		if partitionID == "" {
			partitionID = rec.PartitionID
		}
	}

	next, err := ops.Apply(dbOp.Op, current)
	if err != nil {
		return err
	}

	updated := mirror.Record{
		Collection:  dbOp.Collection,
		ID:          dbOp.RecordID,
		PartitionID: partitionID,
		Fields:      next,
	}
	if err := i.store.SetOne(ctx, updated); err != nil {
		return err
	}

	if i.events != nil {
		i.events.emit(Event{
			Kind:        EventRecordUpserted,
			Collection:  updated.Collection,
			PartitionID: updated.PartitionID,
			RecordID:    updated.ID,
			Fields:      updated.Fields,
		})
	}
	return nil
}
