package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Sternrassler/flipbook-mirror/pkg/download"
	"github.com/Sternrassler/flipbook-mirror/pkg/logging"
	"github.com/Sternrassler/flipbook-mirror/pkg/manifest"
	"github.com/Sternrassler/flipbook-mirror/pkg/metrics"
	"github.com/Sternrassler/flipbook-mirror/pkg/mirror"
	"github.com/Sternrassler/flipbook-mirror/pkg/publish"
	"github.com/alexflint/go-arg"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
)

// Args are the command line arguments.
type Args struct {
	Document     string `arg:"positional" help:"document ID (user/book) or viewer URL"`
	Start        *int   `arg:"-s,--start" help:"first page to fetch (1-based, default: first)"`
	End          *int   `arg:"-e,--end" help:"last page to fetch (inclusive, default: last)"`
	Folder       string `arg:"-d,--folder" help:"folder for page images (default: document ID with / replaced by -)"`
	Output       string `arg:"-o,--output" help:"PDF path or s3://bucket/key (default: <folder>.pdf)"`
	SkipExisting bool   `arg:"-k,--skip-existing" help:"skip pages already present in the folder"`
	Concurrency  int    `arg:"-c,--concurrency" default:"5" help:"parallel page downloads"`
	BatchSize    int    `arg:"-b,--batch-size" default:"50" help:"pages per document segment"`
	FetchOnly    bool   `arg:"--fetch-only" help:"download pages without building the PDF"`
	AssembleOnly bool   `arg:"--assemble-only" help:"build the PDF from an existing folder without network access"`
	Retries      int    `arg:"--retries" default:"1" help:"attempts per page encoding"`
	NoProgress   bool   `arg:"--no-progress" help:"disable the progress bar"`

	BaseURL     string `arg:"--base-url,env:FLIPBOOK_BASE_URL" help:"flipbook host"`
	RedisURL    string `arg:"--redis,env:REDIS_URL" help:"cache viewer configs in Redis (host:port or redis:// URL)"`
	LogLevel    string `arg:"--log-level,env:LOG_LEVEL" default:"info" help:"debug, info, warn or error"`
	MetricsAddr string `arg:"--metrics-addr,env:METRICS_ADDR" help:"serve Prometheus metrics on this address"`

	S3Region    string `arg:"--s3-region,env:AWS_REGION" default:"us-east-1" help:"region for s3:// outputs"`
	S3Endpoint  string `arg:"--s3-endpoint,env:S3_ENDPOINT" help:"custom endpoint for S3-compatible storage"`
	S3PathStyle bool   `arg:"--s3-path-style" help:"use path-style S3 addressing"`
	Overwrite   bool   `arg:"--overwrite" help:"replace an existing object at the s3:// output"`
}

// Description implements arg.Described.
func (Args) Description() string {
	return "Mirror an online flipbook into a PDF."
}

func main() {
	var args Args
	p := arg.MustParse(&args)
	if args.Document == "" && !(args.AssembleOnly && args.Folder != "") {
		p.Fail("document is required (or --assemble-only with --folder)")
	}

	level, err := logging.ParseLevel(args.LogLevel)
	if err != nil {
		p.Fail(err.Error())
	}
	cfg := logging.DefaultConfig()
	cfg.Level = level
	logging.Setup(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, args); err != nil {
		log.Error().Err(err).Msg("Mirror failed")
		os.Exit(1)
	}
}

// run executes one mirroring job described by args.
func run(ctx context.Context, args Args) error {
	if args.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, args.MetricsAddr); err != nil {
				log.Warn().Err(err).Msg("Metrics server stopped")
			}
		}()
	}

	opts, err := buildOptions(args)
	if err != nil {
		return err
	}

	cfg, cleanup, err := buildConfig(ctx, args)
	if err != nil {
		return err
	}
	defer cleanup()

	m, err := mirror.New(cfg)
	if err != nil {
		return err
	}

	report, err := m.Run(ctx, opts)
	if report != nil && report.Download != nil {
		s := report.Download
		fmt.Fprintf(os.Stderr, "Pages %d-%d: %d saved, %d skipped, %d not found, %d failed\n",
			s.Start, s.End, s.Saved, s.Skipped, s.NotFound, s.Failed)
	}
	if err != nil {
		return err
	}

	if report.OutputPath != "" {
		fmt.Fprintf(os.Stderr, "Wrote %s (%d pages)\n", report.OutputPath, report.Assembly.Pages)
	}
	return nil
}

// buildOptions maps command line arguments to run options. Pages given
// explicitly must be >= 1; omitting them selects the first or last page.
func buildOptions(args Args) (mirror.Options, error) {
	start, err := pageArg("start", args.Start)
	if err != nil {
		return mirror.Options{}, err
	}
	end, err := pageArg("end", args.End)
	if err != nil {
		return mirror.Options{}, err
	}

	return mirror.Options{
		DocumentID:     args.Document,
		Start:          start,
		End:            end,
		Folder:         args.Folder,
		OutputPath:     args.Output,
		SkipExisting:   args.SkipExisting,
		MaxConcurrency: args.Concurrency,
		BatchSize:      args.BatchSize,
		FetchOnly:      args.FetchOnly,
		AssembleOnly:   args.AssembleOnly,
	}, nil
}

// pageArg returns 0 for an omitted page and rejects explicit values below 1.
func pageArg(name string, v *int) (int, error) {
	if v == nil {
		return 0, nil
	}
	if *v < 1 {
		return 0, fmt.Errorf("%w: %s page %d, pages start at 1", manifest.ErrInvalidRange, name, *v)
	}
	return *v, nil
}

// buildConfig wires the optional Redis cache, object storage client and
// progress bar. cleanup releases what was opened.
func buildConfig(ctx context.Context, args Args) (mirror.Config, func(), error) {
	cfg := mirror.DefaultConfig()
	cleanup := func() {}

	if args.BaseURL != "" {
		cfg.Client.BaseURL = args.BaseURL
	}
	if args.Retries > 1 {
		cfg.Client.PageRetry.MaxAttempts = args.Retries
	}

	if args.RedisURL != "" && !args.AssembleOnly {
		rdb, err := newRedis(ctx, args.RedisURL)
		if err != nil {
			log.Warn().Err(err).Str("redis", args.RedisURL).Msg("Redis unavailable, continuing without config cache")
		} else {
			cfg.Client.Redis = rdb
			cleanup = func() { rdb.Close() }
		}
	}

	if publish.IsURI(args.Output) {
		s3Client, err := publish.NewClient(ctx, publish.ClientConfig{
			Region:          args.S3Region,
			Endpoint:        args.S3Endpoint,
			UsePathStyle:    args.S3PathStyle,
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		})
		if err != nil {
			cleanup()
			return cfg, nil, fmt.Errorf("create s3 client: %w", err)
		}
		cfg.Uploader = s3Client
		cfg.Overwrite = args.Overwrite
	}

	if !args.NoProgress && logging.IsTerminal(os.Stderr) {
		cfg.NewProgress = newProgressBar
	}

	return cfg, cleanup, nil
}

// newRedis connects to addr, given as host:port or a redis:// URL.
func newRedis(ctx context.Context, addr string) (*redis.Client, error) {
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return rdb, nil
}

// newProgressBar renders page progress on stderr.
func newProgressBar(total int) download.Progress {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription("Downloading pages"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(65*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}
