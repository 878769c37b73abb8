// Package remote defines the surface of the authoritative remote store
// and provides the HTTP JSON client used against it.
//
// The sync engine only depends on the API interface; tests substitute a
// stub.
package remote

import (
	"context"

	"github.com/coppermind/shoebox/internal/ops"
)

// RecordData is one record as returned by the remote store.
type RecordData struct {
	ID          string     `json:"id"`
	PartitionID string     `json:"partition_id"`
	Fields      ops.Fields `json:"fields"`
}

// Page is one page of a paginated full scan.
// Next is the opaque token for the following page, empty on the last
// page. ServerTime is the remote clock in unix milliseconds, used to
// establish a partition's journal cursor after a full scan.
type Page struct {
	Records    []RecordData `json:"records"`
	Next       string       `json:"next,omitempty"`
	ServerTime int64        `json:"server_time"`
}

// Journal is the incremental delta since a cursor timestamp.
// Ops are ordered; LatestTime is the unix-millisecond timestamp the
// caller's cursor advances to once every op is durably applied.
type Journal struct {
	Ops        []ops.DatabaseOp `json:"ops"`
	LatestTime int64            `json:"latest_time"`
}

// API is the remote store surface the sync engine consumes.
type API interface {
	// GetAll fetches one page of a collection scan. Pass an empty
	// cursor for the first page.
	GetAll(ctx context.Context, partitionID, collection, cursor string) (Page, error)

	// GetJournal fetches ops authored since the given unix-millisecond
	// timestamp for one partition.
	GetJournal(ctx context.Context, partitionID string, sinceMS int64) (Journal, error)

	// UploadAsset stores a binary asset for a record.
	UploadAsset(ctx context.Context, partitionID, recordID, kind, contentType string, data []byte) error

	// SubmitOperations applies a batch of operations to the remote
	// store. Submission is idempotent on the server side.
	SubmitOperations(ctx context.Context, dbOps []ops.DatabaseOp) error
}
