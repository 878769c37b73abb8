// Package importer watches a drop directory for new assets and feeds
// them into the sync engine.
//
// Each settled file becomes a metadata record (applied optimistically
// through the orchestrator) plus a queued upload of the raw bytes.
// Content inspection (EXIF, thumbnails, hashing) is out of scope; only
// the filename and extension-derived content type travel with the
// record.
package importer

import (
	"context"
	"fmt"
	"log"
	"mime"
	"os"
	"path/filepath"
	"strings"
	stdsync "sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/coppermind/shoebox/internal/ops"
	"github.com/coppermind/shoebox/internal/queue"
	"github.com/coppermind/shoebox/internal/sync"
)

// Config holds importer settings.
type Config struct {
	// Dir is the watched drop directory.
	Dir string

	// PartitionID is the partition new records are created in.
	PartitionID string

	// Collection is the metadata collection for new records.
	Collection string

	// DebounceInterval is how long a file must sit unchanged before it
	// is imported. Batches rapid writes together.
	DebounceInterval time.Duration

	// Logger for importer activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for the given directory and
// partition.
func DefaultConfig(dir, partitionID string) *Config {
	return &Config{
		Dir:              dir,
		PartitionID:      partitionID,
		Collection:       "metadata",
		DebounceInterval: 500 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[importer] ", log.LstdFlags),
	}
}

// Importer watches the drop directory and imports settled files.
type Importer struct {
	orch   *sync.Orchestrator
	config *Config

	watcher *fsnotify.Watcher

	mu       stdsync.Mutex
	pending  map[string]time.Time
	imported map[string]bool

	cancel context.CancelFunc
	wg     stdsync.WaitGroup
}

// New creates an importer feeding the given orchestrator.
func New(orch *sync.Orchestrator, config *Config) (*Importer, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator cannot be nil")
	}
	if config == nil || config.Dir == "" {
		return nil, fmt.Errorf("config with a watch directory is required")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[importer] ", log.LstdFlags)
	}
	if config.DebounceInterval == 0 {
		config.DebounceInterval = 500 * time.Millisecond
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Importer{
		orch:     orch,
		config:   config,
		watcher:  watcher,
		pending:  make(map[string]time.Time),
		imported: make(map[string]bool),
	}, nil
}

// Start begins watching. Files already in the directory are queued for
// import as well. Returns immediately; use Stop to shut down.
func (im *Importer) Start(ctx context.Context) error {
	if err := os.MkdirAll(im.config.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create drop directory: %w", err)
	}
	if err := im.watcher.Add(im.config.Dir); err != nil {
		return fmt.Errorf("failed to watch drop directory: %w", err)
	}

	entries, err := os.ReadDir(im.config.Dir)
	if err != nil {
		return fmt.Errorf("failed to read drop directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			im.queueFile(filepath.Join(im.config.Dir, entry.Name()))
		}
	}

	ctx, im.cancel = context.WithCancel(ctx)

	im.wg.Add(2)
	go im.watchEvents(ctx)
	go im.processPending(ctx)

	im.config.Logger.Printf("Watching %s", im.config.Dir)
	return nil
}

// Stop shuts the importer down and waits for in-flight work.
func (im *Importer) Stop() {
	if im.cancel != nil {
		im.cancel()
	}
	if err := im.watcher.Close(); err != nil {
		im.config.Logger.Printf("Error closing watcher: %v", err)
	}
	im.wg.Wait()
}

func (im *Importer) watchEvents(ctx context.Context) {
	defer im.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-im.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				// A file dropped again under the same name is a new
				// import.
				im.forget(event.Name)
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			im.queueFile(event.Name)

		case err, ok := <-im.watcher.Errors:
			if !ok {
				return
			}
			im.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

func (im *Importer) queueFile(path string) {
	im.mu.Lock()
	defer im.mu.Unlock()
	if im.imported[path] {
		return
	}
	im.pending[path] = time.Now()
}

func (im *Importer) forget(path string) {
	im.mu.Lock()
	defer im.mu.Unlock()
	delete(im.pending, path)
	delete(im.imported, path)
}

func (im *Importer) processPending(ctx context.Context) {
	defer im.wg.Done()

	ticker := time.NewTicker(im.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			im.importSettled(ctx)
		}
	}
}

// importSettled imports every pending file that has not changed for a
// full debounce interval.
func (im *Importer) importSettled(ctx context.Context) {
	im.mu.Lock()
	var settled []string
	now := time.Now()
	for path, queuedAt := range im.pending {
		if now.Sub(queuedAt) >= im.config.DebounceInterval {
			settled = append(settled, path)
			delete(im.pending, path)
		}
	}
	im.mu.Unlock()

	for _, path := range settled {
		if err := im.ImportFile(ctx, path); err != nil {
			im.config.Logger.Printf("Warning: failed to import %s: %v", path, err)
			continue
		}
		im.mu.Lock()
		im.imported[path] = true
		im.mu.Unlock()
	}
}

// ImportFile creates a metadata record for the file and queues its
// bytes for upload.
func (im *Importer) ImportFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read asset: %w", err)
	}

	contentType := contentTypeFor(path)
	recordID, err := im.orch.AddRecord(ctx, im.config.Collection, im.config.PartitionID, ops.Fields{
		"filename":     filepath.Base(path),
		"content_type": contentType,
		"size":         len(data),
	})
	if err != nil {
		return fmt.Errorf("failed to create record: %w", err)
	}

	err = im.orch.QueueUpload(ctx, queue.Upload{
		PartitionID: im.config.PartitionID,
		RecordID:    recordID,
		Kind:        "original",
		ContentType: contentType,
		Data:        data,
	})
	if err != nil {
		return err
	}

	im.config.Logger.Printf("Imported %s as %s (%d bytes)", filepath.Base(path), recordID, len(data))
	return nil
}

// contentTypeFor maps a filename extension to a MIME type, defaulting
// to application/octet-stream.
func contentTypeFor(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
