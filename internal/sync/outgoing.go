package sync

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/coppermind/shoebox/internal/queue"
	"github.com/coppermind/shoebox/internal/remote"
)

// Outgoing drains the durable queue against the remote store.
type Outgoing struct {
	queue  *queue.Queue
	remote remote.API
	logger *log.Logger
}

// NewOutgoing creates the outgoing pass.
func NewOutgoing(q *queue.Queue, api remote.API, logger *log.Logger) *Outgoing {
	if logger == nil {
		logger = defaultLogger("[outgoing] ")
	}
	return &Outgoing{queue: q, remote: api, logger: logger}
}

// Run dispatches queued entries oldest-first until the queue is
// drained or a dispatch fails.
//
// Each entry is removed only after the remote confirmed it, so a crash
// between dispatch and removal causes one harmless redelivery. On
// failure the pass stops immediately: the failed entry and everything
// behind it stay queued in their original order for the next pass.
// Safe to invoke repeatedly.
func (o *Outgoing) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		entry, ok, err := o.queue.PeekOldest(ctx)
		if err != nil {
			return fmt.Errorf("failed to peek queue: %w", err)
		}
		if !ok {
			return nil
		}

		if err := o.dispatch(ctx, entry.Update); err != nil {
			return fmt.Errorf("failed to dispatch entry %d: %w", entry.OrderKey, err)
		}

		if err := o.queue.RemoveOldest(ctx, entry.OrderKey); err != nil {
			return fmt.Errorf("failed to remove dispatched entry %d: %w", entry.OrderKey, err)
		}
	}
}

// dispatch routes one update to the matching remote call.
func (o *Outgoing) dispatch(ctx context.Context, update queue.OutgoingUpdate) error {
	switch update.Type {
	case queue.TypeUpdate:
		if err := o.remote.SubmitOperations(ctx, update.Ops); err != nil {
			return err
		}
		o.logger.Printf("Submitted %d operations", len(update.Ops))
		return nil

	case queue.TypeUpload:
		up := update.Upload
		if up == nil {
			return fmt.Errorf("upload entry has no payload")
		}
		if err := o.remote.UploadAsset(ctx, up.PartitionID, up.RecordID, up.Kind, up.ContentType, up.Data); err != nil {
			return err
		}
		o.logger.Printf("Uploaded asset %s/%s (%d bytes)", up.RecordID, up.Kind, len(up.Data))
		return nil

	default:
		return fmt.Errorf("unknown outgoing update type %q", update.Type)
	}
}

func defaultLogger(prefix string) *log.Logger {
	return log.New(os.Stderr, prefix, log.LstdFlags)
}
