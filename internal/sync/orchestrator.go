package sync

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/coppermind/shoebox/internal/mirror"
	"github.com/coppermind/shoebox/internal/ops"
	"github.com/coppermind/shoebox/internal/queue"
	"github.com/coppermind/shoebox/internal/remote"
)

// PartitionState is the lifecycle of a partition's mirror.
type PartitionState int

const (
	// Unloaded means the partition has never been opened.
	Unloaded PartitionState = iota

	// Loading means initial sync is in flight.
	Loading

	// Ready means the mirror is consistent with some journal prefix
	// and serves reads and mutations.
	Ready
)

// String returns the state name for logs.
func (s PartitionState) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	default:
		return "unloaded"
	}
}

// TombstoneField marks logically deleted records. Records are never
// physically removed, so replication lag cannot resurrect them.
const TombstoneField = "deleted"

// Config holds orchestrator settings.
type Config struct {
	// Collections is the set of remote collections mirrored per
	// partition.
	Collections []string

	// OutgoingInterval is the period of the queue-drain pass.
	OutgoingInterval time.Duration

	// IncomingInterval is the period of the journal-pull pass.
	IncomingInterval time.Duration

	// Logger for orchestrator activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Collections:      []string{"metadata"},
		OutgoingInterval: 5 * time.Second,
		IncomingInterval: 15 * time.Second,
		Logger:           defaultLogger("[orchestrator] "),
	}
}

type partitionInfo struct {
	state   PartitionState
	working bool

	// gen invalidates this partition's in-flight initial load when a
	// newer open replaces it. Loads of other partitions are unaffected.
	gen uint64
}

// Orchestrator owns the sync engine's moving parts: the durable queue,
// the per-partition cursors and state machine, the mutation API and
// the periodic passes.
type Orchestrator struct {
	store  *mirror.Store
	queue  *queue.Queue
	config *Config
	logger *log.Logger
	events *Emitter

	loader   *Loader
	outgoing *Outgoing
	incoming *Incoming

	mu         sync.Mutex
	partitions map[string]*partitionInfo

	// busy flags make a tick that overlaps the previous pass a no-op.
	outgoingBusy atomic.Bool
	incomingBusy atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator. If config is nil, defaults are used.
func New(store *mirror.Store, q *queue.Queue, api remote.API, config *Config) *Orchestrator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = defaultLogger("[orchestrator] ")
	}

	events := NewEmitter()
	return &Orchestrator{
		store:      store,
		queue:      q,
		config:     config,
		logger:     config.Logger,
		events:     events,
		loader:     NewLoader(store, api, config.Collections, config.Logger),
		outgoing:   NewOutgoing(q, api, config.Logger),
		incoming:   NewIncoming(store, api, config.Collections, events, config.Logger),
		partitions: make(map[string]*partitionInfo),
	}
}

// Subscribe registers an event callback for record and partition
// changes.
func (o *Orchestrator) Subscribe(fn func(Event)) *Subscription {
	return o.events.Subscribe(fn)
}

// State returns the current state of a partition.
func (o *Orchestrator) State(partitionID string) PartitionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	if info, ok := o.partitions[partitionID]; ok {
		return info.state
	}
	return Unloaded
}

// IsWorking reports whether a multi-step operation is in flight for
// the partition; callers use it to block concurrent mutation in the
// UI.
func (o *Orchestrator) IsWorking(partitionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if info, ok := o.partitions[partitionID]; ok {
		return info.working
	}
	return false
}

// PendingChanges returns the durable queue depth, the backing signal
// for a "pending changes" indicator.
func (o *Orchestrator) PendingChanges(ctx context.Context) (int, error) {
	return o.queue.Len(ctx)
}

// OpenPartition transitions a partition Unloaded -> Loading and starts
// its initial sync in the background. Partitions load independently;
// opening one never disturbs another's in-flight load. Reopening a
// Loading or Ready partition is a no-op. A failed load returns the
// partition to Unloaded so opening it again restarts the load.
//
// onPage may be nil; when set it receives each page as it is
// committed.
func (o *Orchestrator) OpenPartition(ctx context.Context, partitionID string, onPage PageFunc) error {
	o.mu.Lock()
	info, ok := o.partitions[partitionID]
	if ok && info.state != Unloaded {
		o.mu.Unlock()
		return nil
	}
	if !ok {
		info = &partitionInfo{}
		o.partitions[partitionID] = info
	}
	info.state = Loading
	info.gen++
	gen := info.gen
	o.mu.Unlock()

	o.emitState(partitionID, Loading)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runInitialLoad(ctx, partitionID, gen, onPage)
	}()
	return nil
}

func (o *Orchestrator) runInitialLoad(ctx context.Context, partitionID string, gen uint64, onPage PageFunc) {
	err := o.loader.Run(ctx, partitionID, gen,
		func() uint64 { return o.partitionGen(partitionID) }, onPage)

	o.mu.Lock()
	info := o.partitions[partitionID]
	if info.gen != gen {
		// A newer open of this partition superseded the load; its
		// goroutine owns the state now.
		o.mu.Unlock()
		return
	}
	if err != nil {
		info.state = Unloaded
	} else {
		info.state = Ready
	}
	state := info.state
	o.mu.Unlock()

	if err != nil {
		o.logger.Printf("Warning: initial sync of %s failed: %v", partitionID, err)
	}
	o.emitState(partitionID, state)
}

// AddRecord creates a record with a fresh id, applies it locally and
// queues the equivalent update. Returns the new record id.
func (o *Orchestrator) AddRecord(ctx context.Context, collection, partitionID string, fields ops.Fields) (string, error) {
	id := uuid.NewString()
	if err := o.mutate(ctx, ops.DatabaseOp{
		Collection:  collection,
		RecordID:    id,
		PartitionID: partitionID,
		Op:          ops.Set(fields),
	}); err != nil {
		return "", err
	}
	return id, nil
}

// UpdateRecord overwrites the given fields of a record.
func (o *Orchestrator) UpdateRecord(ctx context.Context, collection, recordID, partitionID string, fields ops.Fields) error {
	return o.mutate(ctx, ops.DatabaseOp{
		Collection:  collection,
		RecordID:    recordID,
		PartitionID: partitionID,
		Op:          ops.Set(fields),
	})
}

// AddArrayValue appends a value to an array field without duplication.
func (o *Orchestrator) AddArrayValue(ctx context.Context, collection, recordID, partitionID, field string, value any) error {
	return o.mutate(ctx, ops.DatabaseOp{
		Collection:  collection,
		RecordID:    recordID,
		PartitionID: partitionID,
		Op:          ops.Push(field, value),
	})
}

// RemoveArrayValue removes all occurrences of a value from an array
// field.
func (o *Orchestrator) RemoveArrayValue(ctx context.Context, collection, recordID, partitionID, field string, value any) error {
	return o.mutate(ctx, ops.DatabaseOp{
		Collection:  collection,
		RecordID:    recordID,
		PartitionID: partitionID,
		Op:          ops.Pull(field, value),
	})
}

// DeleteRecords tombstones the given records and notifies subscribers
// of their removal. The partition's working flag is held for the
// duration so the UI can block concurrent mutation.
func (o *Orchestrator) DeleteRecords(ctx context.Context, collection, partitionID string, recordIDs ...string) error {
	o.setWorking(partitionID, true)
	defer o.setWorking(partitionID, false)

	for _, id := range recordIDs {
		err := o.mutate(ctx, ops.DatabaseOp{
			Collection:  collection,
			RecordID:    id,
			PartitionID: partitionID,
			Op:          ops.Set(ops.Fields{TombstoneField: true}),
		})
		if err != nil {
			return fmt.Errorf("failed to delete record %s: %w", id, err)
		}
		o.events.emit(Event{
			Kind:        EventRecordRemoved,
			Collection:  collection,
			PartitionID: partitionID,
			RecordID:    id,
		})
	}
	return nil
}

// QueueUpload queues a binary asset for upload to the remote store.
func (o *Orchestrator) QueueUpload(ctx context.Context, up queue.Upload) error {
	if err := o.queue.Enqueue(ctx, queue.NewUpload(up)); err != nil {
		return fmt.Errorf("failed to queue upload %s/%s: %w", up.RecordID, up.Kind, err)
	}
	return nil
}

// mutate applies one op to the mirror first, then enqueues it, in that
// order: a reader must never observe a queued-but-unapplied state. A
// local storage failure is surfaced to the caller.
func (o *Orchestrator) mutate(ctx context.Context, dbOp ops.DatabaseOp) error {
	rec, err := o.store.GetOne(ctx, dbOp.Collection, dbOp.RecordID)
	if err != nil {
		return fmt.Errorf("failed to read record %s: %w", dbOp.RecordID, err)
	}

	current := ops.Fields{}
	if rec != nil {
		current = rec.Fields
	}
	next, err := ops.Apply(dbOp.Op, current)
	if err != nil {
		return err
	}

	updated := mirror.Record{
		Collection:  dbOp.Collection,
		ID:          dbOp.RecordID,
		PartitionID: dbOp.PartitionID,
		Fields:      next,
	}
	if err := o.store.SetOne(ctx, updated); err != nil {
		return fmt.Errorf("failed to apply mutation locally: %w", err)
	}

	if err := o.queue.Enqueue(ctx, queue.NewUpdate(dbOp)); err != nil {
		return fmt.Errorf("failed to queue mutation: %w", err)
	}

	o.events.emit(Event{
		Kind:        EventRecordUpserted,
		Collection:  updated.Collection,
		PartitionID: updated.PartitionID,
		RecordID:    updated.ID,
		Fields:      updated.Fields,
	})
	return nil
}

// Start launches the periodic outgoing and incoming passes.
// This returns immediately; use Stop for a graceful shutdown.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.wg.Add(2)
	go o.loop(ctx, o.config.OutgoingInterval, o.RunOutgoing)
	go o.loop(ctx, o.config.IncomingInterval, o.RunIncoming)

	o.logger.Printf("Sync loops started (outgoing every %v, incoming every %v)",
		o.config.OutgoingInterval, o.config.IncomingInterval)
}

// Stop cancels the loops and waits for in-flight passes and loads.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.logger.Printf("Sync loops stopped")
}

func (o *Orchestrator) loop(ctx context.Context, interval time.Duration, pass func(context.Context)) {
	defer o.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pass(ctx)
		}
	}
}

// RunOutgoing runs one queue-drain pass unless one is already in
// flight, in which case the tick is skipped rather than queued.
func (o *Orchestrator) RunOutgoing(ctx context.Context) {
	if !o.outgoingBusy.CompareAndSwap(false, true) {
		return
	}
	defer o.outgoingBusy.Store(false)

	if err := o.outgoing.Run(ctx); err != nil {
		o.logger.Printf("Warning: outgoing pass stopped: %v", err)
	}
}

// RunIncoming runs one journal-pull pass over all ready partitions
// unless one is already in flight.
func (o *Orchestrator) RunIncoming(ctx context.Context) {
	if !o.incomingBusy.CompareAndSwap(false, true) {
		return
	}
	defer o.incomingBusy.Store(false)

	partitions := o.readyPartitions()
	if len(partitions) == 0 {
		return
	}
	if err := o.incoming.Run(ctx, partitions); err != nil {
		o.logger.Printf("Error: incoming pass aborted: %v", err)
	}
}

// SyncNow runs one outgoing pass followed by one incoming pass over
// the given partitions, regardless of their in-memory state. One-shot
// invocations use this: the mirror, queue and cursors persist across
// processes even though the state machine does not.
func (o *Orchestrator) SyncNow(ctx context.Context, partitionIDs []string) error {
	if err := o.outgoing.Run(ctx); err != nil {
		return fmt.Errorf("outgoing pass: %w", err)
	}
	if err := o.incoming.Run(ctx, partitionIDs); err != nil {
		return fmt.Errorf("incoming pass: %w", err)
	}
	return nil
}

func (o *Orchestrator) partitionGen(partitionID string) uint64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if info, ok := o.partitions[partitionID]; ok {
		return info.gen
	}
	return 0
}

func (o *Orchestrator) readyPartitions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()

	var ready []string
	for id, info := range o.partitions {
		if info.state == Ready {
			ready = append(ready, id)
		}
	}
	return ready
}

func (o *Orchestrator) setWorking(partitionID string, working bool) {
	o.mu.Lock()
	info, ok := o.partitions[partitionID]
	if !ok {
		info = &partitionInfo{}
		o.partitions[partitionID] = info
	}
	info.working = working
	o.mu.Unlock()
}

func (o *Orchestrator) emitState(partitionID string, state PartitionState) {
	o.events.emit(Event{
		Kind:        EventPartitionState,
		PartitionID: partitionID,
		State:       state,
	})
}
