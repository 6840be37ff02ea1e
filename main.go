package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/go-logr/logr"
	"github.com/opencontainers/go-digest"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"bootmirror/internal/config"
	"bootmirror/pkg/catalog"
	"bootmirror/pkg/fetch"
	"bootmirror/pkg/keyring"
	"bootmirror/pkg/metrics"
	"bootmirror/pkg/mirror"
	"bootmirror/pkg/snapshot"
	"bootmirror/pkg/store"
)

type SyncCmd struct {
	Config      string `arg:"--config,env:BOOTMIRROR_CONFIG" default:"/etc/bootmirror/config.toml" help:"Path to the mirror configuration file."`
	MetricsAddr string `arg:"--metrics-addr,env:METRICS_ADDR" default:"" help:"Address to serve metrics on during the sync; empty disables the server."`
	MinFree     int64  `arg:"--min-free,env:MIN_FREE_BYTES" default:"0" help:"Minimum free bytes required on the storage root before syncing."`
}

type PendingCmd struct {
	Config string `arg:"--config,env:BOOTMIRROR_CONFIG" default:"/etc/bootmirror/config.toml" help:"Path to the mirror configuration file."`
}

type StatusCmd struct {
	Config string `arg:"--config,env:BOOTMIRROR_CONFIG" default:"/etc/bootmirror/config.toml" help:"Path to the mirror configuration file."`
}

type CleanupCmd struct {
	Config string `arg:"--config,env:BOOTMIRROR_CONFIG" default:"/etc/bootmirror/config.toml" help:"Path to the mirror configuration file."`
}

type DeleteCmd struct {
	Config string   `arg:"--config,env:BOOTMIRROR_CONFIG" default:"/etc/bootmirror/config.toml" help:"Path to the mirror configuration file."`
	SHA256 []string `arg:"--sha256,required" help:"Checksums of the cache blobs to delete."`
}

type Arguments struct {
	Sync     *SyncCmd    `arg:"subcommand:sync"`
	Pending  *PendingCmd `arg:"subcommand:pending"`
	Status   *StatusCmd  `arg:"subcommand:status"`
	Cleanup  *CleanupCmd `arg:"subcommand:cleanup"`
	Delete   *DeleteCmd  `arg:"subcommand:delete"`
	LogLevel slog.Level  `arg:"--log-level,env:LOG_LEVEL" default:"INFO" help:"Minimum log level to output. Value should be DEBUG, INFO, WARN, or ERROR."`
}

func main() {
	args := &Arguments{}
	arg.MustParse(args)

	opts := slog.HandlerOptions{
		AddSource: true,
		Level:     args.LogLevel,
	}
	handler := slog.NewJSONHandler(os.Stderr, &opts)
	log := logr.FromSlogHandler(handler)
	ctx := logr.NewContext(context.Background(), log)

	err := run(ctx, args)
	if err != nil {
		log.Error(err, "run exit with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, args *Arguments) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer cancel()
	switch {
	case args.Sync != nil:
		return syncCommand(ctx, args.Sync)
	case args.Pending != nil:
		return pendingCommand(ctx, args.Pending)
	case args.Status != nil:
		return statusCommand(ctx, args.Status)
	case args.Cleanup != nil:
		return cleanupCommand(ctx, args.Cleanup)
	case args.Delete != nil:
		return deleteCommand(ctx, args.Delete)
	default:
		return errors.New("unknown subcommand")
	}
}

// buildMirror wires the fetcher, catalog scanner, content store and
// boundary facade from one configuration file.
func buildMirror(ctx context.Context, configPath string) (*mirror.Mirror, *config.Config, error) {
	log := logr.FromContextOrDiscard(ctx)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}

	fetchOpts := []fetch.HTTPOption{}
	if cfg.HTTPProxy != "" {
		fetchOpts = append(fetchOpts, fetch.WithProxy(cfg.HTTPProxy))
	}
	fetcher, err := fetch.NewHTTPFetcher(fetchOpts...)
	if err != nil {
		return nil, nil, err
	}

	keyrings := keyring.NewStore(cfg.KeyringDir)
	sources, errs := catalog.ResolveKeyrings(ctx, keyrings, cfg.Sources)
	for _, err := range errs {
		log.Error(err, "could not resolve source keyring")
	}
	if len(sources) == 0 {
		return nil, nil, errors.New("no usable catalog sources after keyring resolution")
	}

	scanner, err := catalog.NewScanner(fetcher)
	if err != nil {
		return nil, nil, err
	}
	blobs, err := store.New(cfg.StorageRoot, fetcher, store.NewTracker())
	if err != nil {
		return nil, nil, err
	}

	return mirror.New(scanner, sources, blobs, cfg.Controllers), cfg, nil
}

func syncCommand(ctx context.Context, args *SyncCmd) error {
	log := logr.FromContextOrDiscard(ctx)
	g, ctx := errgroup.WithContext(ctx)
	ctx, done := context.WithCancel(ctx)
	defer done()

	m, cfg, err := buildMirror(ctx, args.Config)
	if err != nil {
		return err
	}

	if args.MetricsAddr != "" {
		metrics.Register()
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.DefaultGatherer, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: args.MetricsAddr, Handler: mux}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	var syncErr error
	g.Go(func() error {
		// The metrics server only lives for the duration of the sync.
		defer done()
		if args.MinFree > 0 {
			ok, err := m.CheckSpace(ctx, args.MinFree)
			if err != nil {
				syncErr = err
				return nil
			}
			if !ok {
				syncErr = errors.New("not enough disk space on storage root")
				return nil
			}
		}
		report, err := m.Sync(ctx, cfg.Selection)
		if report != nil {
			log.Info("sync report",
				"snapshot", report.SnapshotID,
				"synced", report.Synced,
				"present", report.AlreadyPresent,
				"failed", report.Failed)
		}
		syncErr = err
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return syncErr
}

func pendingCommand(ctx context.Context, args *PendingCmd) error {
	m, cfg, err := buildMirror(ctx, args.Config)
	if err != nil {
		return err
	}
	params, err := m.FilesToDownload(ctx, cfg.Selection)
	if err != nil {
		return err
	}
	for _, p := range params {
		fmt.Printf("%s\t%s\t%d\t%d source(s)\n", p.SHA256.Encoded(), p.Filename, p.Size, len(p.Sources))
	}
	return nil
}

func statusCommand(ctx context.Context, args *StatusCmd) error {
	m, cfg, err := buildMirror(ctx, args.Config)
	if err != nil {
		return err
	}
	local, err := m.LocalResources()
	if err != nil {
		return err
	}
	current, err := snapshot.Current(cfg.StorageRoot)
	if err != nil {
		return err
	}
	fmt.Printf("storage root: %s\n", cfg.StorageRoot)
	fmt.Printf("current snapshot: %s\n", current)
	fmt.Printf("cached blobs: %d\n", len(local))
	for _, blob := range local {
		fmt.Printf("  %s\t%d bytes\n", blob.SHA256.Encoded(), blob.Size)
	}
	return nil
}

func cleanupCommand(ctx context.Context, args *CleanupCmd) error {
	log := logr.FromContextOrDiscard(ctx)
	m, cfg, err := buildMirror(ctx, args.Config)
	if err != nil {
		return err
	}
	report, err := m.Cleanup(ctx, cfg.Selection)
	if report != nil {
		log.Info("cleanup report",
			"reclaimedSnapshots", report.ReclaimedSnapshots,
			"reclaimedBlobs", report.ReclaimedBlobs)
	}
	return err
}

func deleteCommand(ctx context.Context, args *DeleteCmd) error {
	m, _, err := buildMirror(ctx, args.Config)
	if err != nil {
		return err
	}
	param := mirror.DeleteParam{}
	for _, encoded := range args.SHA256 {
		sha := digest.NewDigestFromEncoded(digest.SHA256, encoded)
		if err := sha.Validate(); err != nil {
			return fmt.Errorf("invalid sha256 %q: %w", encoded, err)
		}
		param.Files = append(param.Files, mirror.ResourceIdentifier{SHA256: sha})
	}
	return m.DeletePending(ctx, param)
}
