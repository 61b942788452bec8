package lsp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchConcurrency caps in-flight batch queries when the config names
// no limit.
const DefaultBatchConcurrency = 10

// QueryKind selects which semantic query a batch item runs.
type QueryKind int

const (
	// QueryReferences runs textDocument/references at the item's position.
	QueryReferences QueryKind = iota
	// QueryDefinition runs textDocument/definition at the item's position.
	QueryDefinition
	// QueryDocumentSymbols runs textDocument/documentSymbol on the file.
	QueryDocumentSymbols
)

// String returns the query's method suffix.
func (k QueryKind) String() string {
	switch k {
	case QueryReferences:
		return "references"
	case QueryDefinition:
		return "definition"
	case QueryDocumentSymbols:
		return "documentSymbol"
	default:
		return "unknown"
	}
}

// BatchItem is one (file, query) unit of a batch.
type BatchItem struct {
	Path string
	Kind QueryKind

	// Position applies to references and definition queries.
	Position Position

	// IncludeDeclaration applies to references queries.
	IncludeDeclaration bool
}

// BatchResult is the outcome of one BatchItem. Exactly one of Locations,
// Symbols, or Err is meaningful, depending on the item's kind and outcome.
type BatchResult struct {
	Item      BatchItem
	Locations []Location
	Symbols   []SymbolInfo
	Err       error
}

// BatchScheduler runs many queries across many files under a fixed
// concurrency cap.
//
// Items are grouped by file and each file is synced to the server exactly
// once, before any of its queries run. Results come back in input order. A
// failed item records its error and does not disturb its neighbors. If the
// server stops being available mid-batch, items that have not started fail
// fast with ErrServerUnavailable while completed results are kept.
type BatchScheduler struct {
	sup     *Supervisor
	tracker *DocumentTracker
	logger  *slog.Logger

	concurrency int
	readFile    func(string) ([]byte, error)
}

// NewBatchScheduler creates a scheduler over the given supervisor and
// tracker.
func NewBatchScheduler(sup *Supervisor, tracker *DocumentTracker, concurrency int, logger *slog.Logger) *BatchScheduler {
	if concurrency <= 0 {
		concurrency = DefaultBatchConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchScheduler{
		sup:         sup,
		tracker:     tracker,
		logger:      logger,
		concurrency: concurrency,
		readFile:    os.ReadFile,
	}
}

// fileSync serializes the one-time sync of a file within a batch.
type fileSync struct {
	once sync.Once
	err  error
}

// Run executes the batch and returns one result per item, in item order. The
// returned slice is always len(items); inspect each result's Err. Run itself
// only fails when ctx is cancelled before completion.
func (b *BatchScheduler) Run(ctx context.Context, items []BatchItem) ([]BatchResult, error) {
	results := make([]BatchResult, len(items))
	for i, item := range items {
		results[i] = BatchResult{Item: item}
	}
	if len(items) == 0 {
		return results, nil
	}

	batchID := uuid.NewString()[:8]
	logger := b.logger.With("batch", batchID)
	start := time.Now()
	logger.Info("batch started", "items", len(items), "concurrency", b.concurrency)

	syncs := make(map[string]*fileSync)
	for _, item := range items {
		if _, ok := syncs[item.Path]; !ok {
			syncs[item.Path] = &fileSync{}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for i := range items {
		i := i
		g.Go(func() error {
			results[i].Err = b.runItem(gctx, &results[i], syncs[items[i].Path])
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for i := range results {
		if results[i].Err != nil {
			failed++
		}
	}
	logger.Info("batch finished",
		"items", len(items), "failed", failed, "elapsed", time.Since(start))

	return results, ctx.Err()
}

// runItem syncs the item's file (once per batch) and runs its query.
func (b *BatchScheduler) runItem(ctx context.Context, res *BatchResult, fs *fileSync) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Unscheduled work fails fast once the server leaves Running; finished
	// neighbors keep their results.
	if !b.sup.Available() {
		return ErrServerUnavailable
	}
	srv := b.sup.Server()
	if srv == nil {
		return ErrServerUnavailable
	}

	item := res.Item

	fs.once.Do(func() {
		content, err := b.readFile(item.Path)
		if err != nil {
			fs.err = fmt.Errorf("read %s: %w", item.Path, err)
			return
		}
		fs.err = b.tracker.Sync(srv, item.Path, string(content))
	})
	if fs.err != nil {
		return fs.err
	}

	uri := FilePathToURI(item.Path)
	switch item.Kind {
	case QueryReferences:
		locs, err := srv.References(ctx, uri, item.Position, item.IncludeDeclaration)
		if err != nil {
			return err
		}
		res.Locations = locs
	case QueryDefinition:
		locs, err := srv.Definition(ctx, uri, item.Position)
		if err != nil {
			return err
		}
		res.Locations = locs
	case QueryDocumentSymbols:
		syms, err := srv.DocumentSymbols(ctx, uri)
		if err != nil {
			return err
		}
		res.Symbols = syms
	default:
		return fmt.Errorf("unknown query kind %d", item.Kind)
	}
	return nil
}
