package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/coppermind/shoebox/internal/mirror"
	"github.com/coppermind/shoebox/internal/ops"
	"github.com/coppermind/shoebox/internal/queue"
	"github.com/coppermind/shoebox/internal/remote"
)

// uploadCall records one UploadAsset invocation.
type uploadCall struct {
	PartitionID string
	RecordID    string
	Kind        string
	ContentType string
	Data        []byte
}

// stubRemote is a scriptable in-memory remote.API.
//
// Pages are keyed by "partition/collection"; GetAll serves them in
// order using the slice index as the page cursor. Error queues
// (submitErrs, uploadErrs) are consumed one per call, so a test can
// script "fail once, then succeed".
type stubRemote struct {
	mu sync.Mutex

	pages    map[string][]remote.Page
	onGetAll func() // runs before each page is returned

	journals    map[string]remote.Journal
	journalErrs map[string]error

	submitted  [][]ops.DatabaseOp
	submitErrs []error

	uploads    []uploadCall
	uploadErrs []error
}

func newStubRemote() *stubRemote {
	return &stubRemote{
		pages:       make(map[string][]remote.Page),
		journals:    make(map[string]remote.Journal),
		journalErrs: make(map[string]error),
	}
}

func (s *stubRemote) GetAll(ctx context.Context, partitionID, collection, cursor string) (remote.Page, error) {
	s.mu.Lock()
	pages := s.pages[partitionID+"/"+collection]
	hook := s.onGetAll
	s.mu.Unlock()

	if hook != nil {
		hook()
	}

	idx := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil {
			return remote.Page{}, fmt.Errorf("bad cursor %q", cursor)
		}
		idx = n
	}
	if idx >= len(pages) {
		return remote.Page{}, nil
	}

	page := pages[idx]
	if idx+1 < len(pages) {
		page.Next = strconv.Itoa(idx + 1)
	} else {
		page.Next = ""
	}
	return page, nil
}

func (s *stubRemote) GetJournal(ctx context.Context, partitionID string, sinceMS int64) (remote.Journal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.journalErrs[partitionID]; err != nil {
		return remote.Journal{}, err
	}
	return s.journals[partitionID], nil
}

func (s *stubRemote) UploadAsset(ctx context.Context, partitionID, recordID, kind, contentType string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.uploadErrs) > 0 {
		err := s.uploadErrs[0]
		s.uploadErrs = s.uploadErrs[1:]
		if err != nil {
			return err
		}
	}
	s.uploads = append(s.uploads, uploadCall{
		PartitionID: partitionID,
		RecordID:    recordID,
		Kind:        kind,
		ContentType: contentType,
		Data:        data,
	})
	return nil
}

func (s *stubRemote) SubmitOperations(ctx context.Context, dbOps []ops.DatabaseOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.submitErrs) > 0 {
		err := s.submitErrs[0]
		s.submitErrs = s.submitErrs[1:]
		if err != nil {
			return err
		}
	}
	s.submitted = append(s.submitted, dbOps)
	return nil
}

func (s *stubRemote) submitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submitted)
}

// openTestStore creates a mirror store on a temp database file.
func openTestStore(t *testing.T) *mirror.Store {
	t.Helper()

	store, err := mirror.Open(filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// newTestQueue creates a durable queue sharing the store's database.
func newTestQueue(t *testing.T, store *mirror.Store) *queue.Queue {
	t.Helper()

	q, err := queue.New(store.RawDB())
	if err != nil {
		t.Fatalf("Failed to create queue: %v", err)
	}
	return q
}
