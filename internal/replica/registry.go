package replica

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/kilupskalvis/scenemerge/internal/store"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Sentinel errors for expected conditions.
var (
	ErrInvalidDocument = errors.New("invalid document id")
	ErrClosed          = errors.New("document closed")
)

const (
	opLogFile      = "ops.db"
	maxOpenWorkers = 8
)

// Registry opens one Document per id from <dataDir>/docs/<id>/ops.db and keeps
// it open until CloseAll. Opening a document happens outside mu; concurrent
// opens of one id share a single load.
type Registry struct {
	docsDir string
	opts    Options
	logger  *slog.Logger
	opening singleflight.Group

	mu     sync.RWMutex
	docs   map[string]*Document
	onOpen []func(*Document)
	gen    uint64 // bumped by CloseAll
}

// NewRegistry creates the docs directory under dataDir.
func NewRegistry(dataDir string, opts Options) (*Registry, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	docsDir := filepath.Join(dataDir, "docs")
	if err := os.MkdirAll(docsDir, 0755); err != nil {
		return nil, fmt.Errorf("create docs directory: %w", err)
	}
	return &Registry{
		docsDir: docsDir,
		opts:    opts,
		logger:  opts.Logger,
		docs:    make(map[string]*Document),
	}, nil
}

// OnOpen registers fn to run once for every document the registry opens,
// including those already open.
func (r *Registry) OnOpen(fn func(*Document)) {
	r.mu.Lock()
	r.onOpen = append(r.onOpen, fn)
	open := make([]*Document, 0, len(r.docs))
	for _, d := range r.docs {
		open = append(open, d)
	}
	r.mu.Unlock()

	for _, d := range open {
		fn(d)
	}
}

// ValidateID rejects ids that are empty or could escape the docs directory.
func ValidateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, "/\\") || strings.HasPrefix(id, ".") {
		return fmt.Errorf("%w: %q", ErrInvalidDocument, id)
	}
	return nil
}

// Open returns the document for id, creating it on first use. Callers racing
// on the same id wait for one load and get the same Document.
func (r *Registry) Open(ctx context.Context, id string) (*Document, error) {
	if doc, ok := r.Get(id); ok {
		return doc, nil
	}

	if err := ValidateID(id); err != nil {
		return nil, err
	}

	v, err, _ := r.opening.Do(id, func() (any, error) {
		// a load that finished after our Get is already registered
		if doc, ok := r.Get(id); ok {
			return doc, nil
		}
		return r.load(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Document), nil
}

// load opens the log and replays it without holding mu.
func (r *Registry) load(ctx context.Context, id string) (*Document, error) {
	r.mu.RLock()
	gen := r.gen
	r.mu.RUnlock()

	log, err := store.NewBboltLog(filepath.Join(r.docsDir, id, opLogFile))
	if err != nil {
		return nil, fmt.Errorf("open op log for %s: %w", id, err)
	}

	doc, err := OpenDocument(ctx, id, log, r.opts)
	if err != nil {
		log.Close()
		return nil, err
	}

	r.mu.Lock()
	if r.gen != gen {
		r.mu.Unlock()
		doc.Close()
		return nil, fmt.Errorf("open %s: %w", id, ErrClosed)
	}
	r.docs[id] = doc
	hooks := append([]func(*Document){}, r.onOpen...)
	r.mu.Unlock()

	r.logger.Info("opened document", "doc", id)
	for _, fn := range hooks {
		fn(doc)
	}
	return doc, nil
}

// Get returns an already open document.
func (r *Registry) Get(id string) (*Document, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.docs[id]
	return doc, ok
}

// List returns the ids of every document on disk, sorted.
func (r *Registry) List() ([]string, error) {
	return listDocs(r.docsDir)
}

// ListDocuments returns the ids of the documents stored under dataDir, sorted.
// It does not open them, so it is safe to call while a server holds the logs.
func ListDocuments(dataDir string) ([]string, error) {
	return listDocs(filepath.Join(dataDir, "docs"))
}

func listDocs(docsDir string) ([]string, error) {
	entries, err := os.ReadDir(docsDir)
	if err != nil {
		return nil, fmt.Errorf("read docs directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() || ValidateID(e.Name()) != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(docsDir, e.Name(), opLogFile)); err != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// OpenAll opens every document on disk in parallel.
func (r *Registry) OpenAll(ctx context.Context) error {
	ids, err := r.List()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxOpenWorkers)
	for _, id := range ids {
		g.Go(func() error {
			_, err := r.Open(ctx, id)
			return err
		})
	}
	return g.Wait()
}

// CloseAll closes every open document. Loads still in flight are discarded.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.gen++
	for id, doc := range r.docs {
		if err := doc.Close(); err != nil {
			r.logger.Error("close document", "doc", id, "error", err)
		}
	}
	r.docs = make(map[string]*Document)
}
