package sync

import (
	"context"
	"fmt"
	"log"

	"github.com/coppermind/shoebox/internal/mirror"
	"github.com/coppermind/shoebox/internal/remote"
)

// PageFunc receives each page of records as soon as it has been
// committed to the mirror, so callers can render incrementally while
// later pages are still in flight.
type PageFunc func(collection string, records []mirror.Record)

// Loader bootstraps a newly-opened partition's mirror from the remote
// store and establishes its incremental cursors.
type Loader struct {
	store       *mirror.Store
	remote      remote.API
	collections []string
	logger      *log.Logger
}

// NewLoader creates an initial-sync loader over the given collections.
func NewLoader(store *mirror.Store, api remote.API, collections []string, logger *log.Logger) *Loader {
	if logger == nil {
		logger = defaultLogger("[initial] ")
	}
	return &Loader{
		store:       store,
		remote:      api,
		collections: collections,
		logger:      logger,
	}
}

// Run pages every collection of the partition into the mirror.
//
// gen is the loading generation this invocation belongs to and current
// reports the partition's active generation. The check runs before
// each page commit: when a newer load of the same partition has since
// replaced this one, the remaining work is silently discarded and Run
// returns nil without touching the mirror or the cursors.
//
// On completion the partition's cursors are set from the remote server
// time reported with the first page, so incoming sync only needs the
// delta from that point. onPage may be nil.
func (l *Loader) Run(ctx context.Context, partitionID string, gen uint64, current func() uint64, onPage PageFunc) error {
	l.logger.Printf("Loading partition %s (generation %d)", partitionID, gen)

	for _, collection := range l.collections {
		serverTime, err := l.loadCollection(ctx, partitionID, collection, gen, current, onPage)
		if err != nil {
			return err
		}
		if serverTime < 0 {
			// Stale generation: drop the rest of the load.
			l.logger.Printf("Discarding stale load of %s (generation %d)", partitionID, gen)
			return nil
		}

		if err := l.store.AdvanceCursor(ctx, partitionID, collection, serverTime); err != nil {
			return fmt.Errorf("failed to establish cursor for %s/%s: %w", partitionID, collection, err)
		}
	}

	l.logger.Printf("Partition %s loaded", partitionID)
	return nil
}

// loadCollection pages one collection into the mirror and returns the
// remote server time, or -1 when the generation went stale.
func (l *Loader) loadCollection(ctx context.Context, partitionID, collection string, gen uint64, current func() uint64, onPage PageFunc) (int64, error) {
	var (
		cursor     string
		serverTime int64
		firstPage  = true
	)

	for {
		page, err := l.remote.GetAll(ctx, partitionID, collection, cursor)
		if err != nil {
			return 0, fmt.Errorf("failed to fetch %s/%s: %w", partitionID, collection, err)
		}
		if firstPage {
			serverTime = page.ServerTime
			firstPage = false
		}

		// The generation check gates the commit, not the fetch: a
		// stale page is dropped before it can overwrite what the
		// replacing load has already committed.
		if current() != gen {
			return -1, nil
		}

		records := make([]mirror.Record, 0, len(page.Records))
		for _, rd := range page.Records {
			rec := mirror.Record{
				Collection:  collection,
				ID:          rd.ID,
				PartitionID: rd.PartitionID,
				Fields:      rd.Fields,
			}
			if rec.PartitionID == "" {
				rec.PartitionID = partitionID
			}
			if err := l.store.SetOne(ctx, rec); err != nil {
				return 0, fmt.Errorf("failed to commit page record %s: %w", rec.ID, err)
			}
			records = append(records, rec)
		}

		if onPage != nil {
			onPage(collection, records)
		}

		if page.Next == "" {
			return serverTime, nil
		}
		cursor = page.Next
	}
}
