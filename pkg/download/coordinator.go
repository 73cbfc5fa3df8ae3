package download

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/flipbook-mirror/pkg/fetcher"
	"github.com/Sternrassler/flipbook-mirror/pkg/ledger"
	"github.com/Sternrassler/flipbook-mirror/pkg/logging"
	"github.com/Sternrassler/flipbook-mirror/pkg/manifest"
	"github.com/Sternrassler/flipbook-mirror/pkg/pagekey"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for page downloads.
var (
	pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flipbook_pages_total",
		Help: "Pages processed by outcome status",
	}, []string{"status"})

	pagesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "flipbook_pages_in_flight",
		Help: "Page fetches currently running",
	})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "flipbook_download_duration_seconds",
		Help:    "Duration of a whole download run",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	})
)

// DefaultMaxConcurrency is the default number of workers.
const DefaultMaxConcurrency = 5

// PageFetcher downloads one page. Implemented by *fetcher.Fetcher.
type PageFetcher interface {
	FetchPage(ctx context.Context, documentID string, key pagekey.Key) fetcher.Outcome
}

// Progress is advanced by one for every completed page.
// *progressbar.ProgressBar satisfies it.
type Progress interface {
	Add(num int) error
}

// PageResult is the report of one completed page.
type PageResult struct {
	// Number is the 1-based manifest position
	Number  int
	Page    manifest.Page
	Outcome fetcher.Outcome
}

// Summary aggregates a run.
type Summary struct {
	DocumentID string
	Start      int
	End        int
	Saved      int
	Skipped    int
	NotFound   int
	Failed     int
	Duration   time.Duration

	// Results holds completed pages in manifest order
	Results []PageResult
}

// Total returns the number of pages in the selected range.
func (s *Summary) Total() int {
	return s.End - s.Start + 1
}

// Completed returns the number of pages that produced an outcome.
func (s *Summary) Completed() int {
	return s.Saved + s.Skipped + s.NotFound + s.Failed
}

// Available returns the number of pages present on disk after the run.
func (s *Summary) Available() int {
	return s.Saved + s.Skipped
}

func (s *Summary) record(r PageResult) {
	switch r.Outcome.Status {
	case fetcher.StatusSaved:
		s.Saved++
	case fetcher.StatusSkipped:
		s.Skipped++
	case fetcher.StatusNotFound:
		s.NotFound++
	default:
		s.Failed++
	}
}

// Config holds coordinator configuration.
type Config struct {
	// Folder receives page assets and the ledger; it must exist
	Folder string

	// MaxConcurrency is the maximum number of parallel page fetches
	MaxConcurrency int

	// SkipExisting skips pages with an asset already on disk
	SkipExisting bool

	// BufferSize of the queue channels (default: number of selected pages)
	BufferSize int

	// NewProgress is called once per run with the number of selected pages (optional)
	NewProgress func(total int) Progress

	// Reporter is called once per completed page from the collecting goroutine (optional)
	Reporter func(PageResult)
}

// DefaultConfig returns the default configuration for folder.
func DefaultConfig(folder string) Config {
	return Config{
		Folder:         folder,
		MaxConcurrency: DefaultMaxConcurrency,
	}
}

// Coordinator fetches the pages of a range in parallel.
type Coordinator struct {
	fetcher PageFetcher
	config  Config
	logger  zerolog.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(pf PageFetcher, cfg Config) (*Coordinator, error) {
	if pf == nil {
		return nil, fmt.Errorf("page fetcher is required")
	}
	if cfg.Folder == "" {
		return nil, fmt.Errorf("folder is required")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}

	return &Coordinator{
		fetcher: pf,
		config:  cfg,
		logger:  logging.NewLogger("download"),
	}, nil
}

type job struct {
	number int
	page   manifest.Page
}

// Run fetches pages r of m. An invalid range or a ledger write failure is
// returned before any request is made; page failures only show in the Summary.
// A cancelled context stops workers from starting new pages and is returned
// together with the partial Summary.
func (c *Coordinator) Run(ctx context.Context, documentID string, m *manifest.Manifest, r manifest.Range) (*Summary, error) {
	start, end, err := r.Resolve(m.Len())
	if err != nil {
		return nil, err
	}
	selected := m.Pages[start-1 : end]

	refs := make([]string, len(selected))
	for i, p := range selected {
		refs[i] = p.Raw
	}
	if err := ledger.Write(c.config.Folder, refs); err != nil {
		return nil, err
	}

	started := time.Now()
	summary := &Summary{DocumentID: documentID, Start: start, End: end}

	var progress Progress
	if c.config.NewProgress != nil {
		progress = c.config.NewProgress(len(selected))
	}

	bufferSize := c.config.BufferSize
	if bufferSize <= 0 {
		bufferSize = len(selected)
	}

	workers := c.config.MaxConcurrency
	if workers > len(selected) {
		workers = len(selected)
	}

	c.logger.Info().
		Str("document", documentID).
		Int("start", start).
		Int("end", end).
		Int("workers", workers).
		Bool("skip_existing", c.config.SkipExisting).
		Msg("Starting page download")

	queue := make(chan job, bufferSize)
	results := make(chan PageResult, bufferSize)

	go func() {
		defer close(queue)
		for i, p := range selected {
			select {
			case queue <- job{number: start + i, page: p}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go c.worker(ctx, documentID, queue, results, &wg, i)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	ordered := make([]*PageResult, len(selected))
	for res := range results {
		summary.record(res)
		res := res
		ordered[res.Number-start] = &res

		pagesTotal.WithLabelValues(string(res.Outcome.Status)).Inc()
		c.logOutcome(documentID, res)

		if progress != nil {
			_ = progress.Add(1)
		}
		if c.config.Reporter != nil {
			c.config.Reporter(res)
		}
	}

	for _, res := range ordered {
		if res != nil {
			summary.Results = append(summary.Results, *res)
		}
	}

	summary.Duration = time.Since(started)
	runDuration.Observe(summary.Duration.Seconds())

	c.logger.Info().
		Str("document", documentID).
		Int("saved", summary.Saved).
		Int("skipped", summary.Skipped).
		Int("not_found", summary.NotFound).
		Int("failed", summary.Failed).
		Dur("duration", summary.Duration).
		Msg("Download complete")

	if err := ctx.Err(); err != nil && summary.Completed() < len(selected) {
		return summary, fmt.Errorf("download interrupted after %d/%d pages: %w", summary.Completed(), len(selected), err)
	}

	return summary, nil
}

// worker processes pages from the queue.
func (c *Coordinator) worker(ctx context.Context, documentID string, queue <-chan job, results chan<- PageResult, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	pagesProcessed := 0

	for j := range queue {
		select {
		case <-ctx.Done():
			c.logger.Debug().
				Int("worker_id", workerID).
				Int("pages_processed", pagesProcessed).
				Msg("Worker stopping (context cancelled)")
			return
		default:
		}

		results <- PageResult{Number: j.number, Page: j.page, Outcome: c.process(ctx, documentID, j.page.Key)}
		pagesProcessed++
	}

	if pagesProcessed > 0 {
		c.logger.Debug().
			Int("worker_id", workerID).
			Int("pages_processed", pagesProcessed).
			Msg("Worker completed")
	}
}

// process skips or fetches one page.
func (c *Coordinator) process(ctx context.Context, documentID string, key pagekey.Key) fetcher.Outcome {
	if c.config.SkipExisting {
		if ext, ok := pagekey.Exists(c.config.Folder, key); ok {
			return fetcher.Outcome{
				Key:       key,
				Status:    fetcher.StatusSkipped,
				Extension: ext,
				Path:      pagekey.AssetPath(c.config.Folder, key, ext),
			}
		}
	}

	pagesInFlight.Inc()
	defer pagesInFlight.Dec()
	return c.fetcher.FetchPage(ctx, documentID, key)
}

func (c *Coordinator) logOutcome(documentID string, res PageResult) {
	var event *zerolog.Event
	switch res.Outcome.Status {
	case fetcher.StatusSaved, fetcher.StatusSkipped:
		event = c.logger.Info()
	default:
		event = c.logger.Warn().Err(res.Outcome.Err)
	}

	event.
		Str("document", documentID).
		Int("page", res.Number).
		Str("key", res.Page.Key.String()).
		Str("status", string(res.Outcome.Status)).
		Str("ext", res.Outcome.Extension).
		Msg("Page processed")
}
