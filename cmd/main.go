package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/okian/elosync/internal/adapters/cache"
	"github.com/okian/elosync/internal/adapters/http/api"
	"github.com/okian/elosync/internal/adapters/predictor"
	"github.com/okian/elosync/internal/adapters/provider/footballdata"
	"github.com/okian/elosync/internal/adapters/publisher"
	"github.com/okian/elosync/internal/adapters/repository"
	service "github.com/okian/elosync/internal/app"
	"github.com/okian/elosync/internal/app/ingest"
	"github.com/okian/elosync/internal/app/syncer"
	"github.com/okian/elosync/internal/config"
	"github.com/okian/elosync/internal/domain/prediction"
	"github.com/okian/elosync/internal/domain/rating"
	"github.com/okian/elosync/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// HTTP server timeout constants.
const (
	readTimeout       = 10 * time.Second
	writeTimeout      = 35 * time.Second
	idleTimeout       = 60 * time.Second
	readHeaderTimeout = 5 * time.Second
	shutdownTimeout   = 30 * time.Second
)

// Commands.
const (
	cmdServe    = "serve"
	cmdSyncOnce = "sync-once"
	cmdRebuild  = "rebuild"
	cmdBackfill = "backfill-predictions"
)

var errUnknownCommand = errors.New("unknown command")

func main() {
	// Root context with cancel on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Load configuration (defaults -> optional file -> env)
	cfg, err := config.Load(ctx)
	if err != nil {
		// logger isn't available yet
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := logger.Init(logger.WithService("elosync"), logger.WithEnv(cfg.Env)); err != nil {
		os.Stderr.WriteString("failed to initialize logging: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Get()

	// Apply configured log level (fallback to info on invalid input)
	if err := logger.SetLevelString(cfg.LogLevel); err != nil {
		log.Warn(ctx, "invalid log_level; falling back to info", logger.String("log_level", cfg.LogLevel), logger.Error(err))
		_ = logger.SetLevelString("info")
	}

	cmd := cmdServe
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	if err := run(ctx, cmd, cfg, log); err != nil {
		log.Error(ctx, "command failed", logger.String("command", cmd), logger.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

// run builds the application and executes cmd against it.
func run(ctx context.Context, cmd string, cfg *config.Config, log logger.Logger) error {
	switch cmd {
	case cmdServe, cmdSyncOnce, cmdRebuild, cmdBackfill:
	default:
		return fmt.Errorf("%w: %q", errUnknownCommand, cmd)
	}

	a, err := build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close(log)

	switch cmd {
	case cmdSyncOnce:
		rep, err := a.svc.SyncOnce(ctx)
		if err != nil {
			return err
		}
		log.Info(ctx, "sync finished",
			logger.Int("inserted", rep.Inserted),
			logger.Int("duplicates", rep.Duplicates),
			logger.Int("windows_skipped", rep.WindowsSkipped))
		return nil
	case cmdRebuild:
		rep, err := a.svc.ReprocessAll(ctx)
		if err != nil {
			return err
		}
		log.Info(ctx, "rebuild finished",
			logger.Int("events", rep.EventsFolded),
			logger.Float64("rating_sum_before", rep.RatingSumBefore),
			logger.Float64("rating_sum_after", rep.RatingSumAfter))
		return nil
	case cmdBackfill:
		since := service.SeasonStart(time.Now())
		rep, err := a.svc.BackfillPredictions(ctx, since)
		if err != nil {
			return err
		}
		log.Info(ctx, "backfill finished",
			logger.Time("since", since),
			logger.Int("scanned", rep.Scanned),
			logger.Int("stored", rep.Stored),
			logger.Int("fell_back", rep.FellBack))
		return nil
	default:
		return serve(ctx, cfg, a, log)
	}
}

// serve runs the HTTP server and the sync loop until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, a *application, log logger.Logger) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.NewServer(a.svc).Router(),
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	if err := a.svc.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info(ctx, "starting HTTP server", logger.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info(ctx, "shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error(ctx, "server shutdown failed", logger.Error(err))
		}
		return a.svc.Stop(shutdownCtx)
	})

	err := g.Wait()
	log.Info(ctx, "server stopped")
	return err
}

// application holds the wired components and what must be released.
type application struct {
	svc     *service.Service
	store   *repository.SQLStore
	pub     publisher.Publisher
	closers []func() error
}

func (a *application) close(log logger.Logger) {
	ctx := context.Background()
	if err := a.pub.Close(); err != nil {
		log.Warn(ctx, "publisher close failed", logger.Error(err))
	}
	for _, c := range a.closers {
		if err := c(); err != nil {
			log.Warn(ctx, "close failed", logger.Error(err))
		}
	}
	if err := a.store.Close(); err != nil {
		log.Warn(ctx, "store close failed", logger.Error(err))
	}
}

// build wires the store, adapters and pipeline from cfg.
func build(ctx context.Context, cfg *config.Config, log logger.Logger) (*application, error) {
	store, err := repository.Open(ctx, cfg.DBDriver, cfg.DBDSN, repository.WithMaxOpenConns(cfg.DBMaxOpenConns))
	if err != nil {
		return nil, err
	}
	a := &application{store: store, pub: publisher.Nop{}}

	guard, err := buildPredictor(cfg, log)
	if err != nil {
		a.close(log)
		return nil, err
	}

	if len(cfg.KafkaBrokers) > 0 {
		k, err := publisher.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			a.close(log)
			return nil, err
		}
		a.pub = k
	}

	var seasons cache.SeasonCache = cache.NewMemory(cfg.SeasonCacheTTL)
	if cfg.RedisAddr != "" {
		client, err := cache.Connect(ctx, cfg.RedisAddr)
		if err != nil {
			a.close(log)
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		seasons = cache.NewRedis(client, cfg.SeasonCacheTTL)
	}

	ingestOpts := []ingest.Option{
		ingest.WithLogger(log.Named("ingest")),
		ingest.WithEngine(rating.New(rating.WithKFactor(cfg.KFactor), rating.WithHomeAdvantage(cfg.HomeAdvantage))),
		ingest.WithAliases(cfg.TeamAliases),
		ingest.WithPublisher(a.pub),
		ingest.WithBatchSize(cfg.RebuildBatchSize),
	}
	if cfg.PredictOnIngest {
		ingestOpts = append(ingestOpts, ingest.WithPredictor(guard))
	}
	ingester := ingest.New(store, ingestOpts...)

	seasonStart, err := cfg.SeasonStart()
	if err != nil {
		a.close(log)
		return nil, err
	}
	source := footballdata.New(cfg.APIToken,
		footballdata.WithBaseURL(cfg.APIBaseURL),
		footballdata.WithTimeout(cfg.APITimeout),
		footballdata.WithSeason(cfg.Season),
	)
	ctrl := syncer.New(source, ingester, store,
		syncer.WithLogger(log.Named("syncer")),
		syncer.WithCompetition(cfg.Competition),
		syncer.WithInterval(cfg.SyncInterval),
		syncer.WithLookbackDays(cfg.SyncLookbackDays),
		syncer.WithChunkDays(cfg.SyncChunkDays),
		syncer.WithRequestInterval(cfg.SyncRequestInterval),
		syncer.WithMaxRetries(cfg.SyncMaxRetries),
		syncer.WithBackoff(cfg.SyncBackoffBase, cfg.SyncBackoffMax),
		syncer.WithSeasonStart(seasonStart),
		syncer.WithSeasonCache(seasons),
		syncer.WithRebuildOnLateEvents(cfg.RebuildOnLateEvents),
	)

	a.svc = service.New(store,
		service.WithLogger(log.Named("service")),
		service.WithIngester(ingester),
		service.WithPredictor(guard),
		service.WithSyncer(ctrl),
	)
	return a, nil
}

// buildPredictor returns a guard over the remote model when one is
// configured, otherwise over the rating baseline.
func buildPredictor(cfg *config.Config, log logger.Logger) (*prediction.Guard, error) {
	plog := prediction.WithLogger(log.Named("prediction"))
	if cfg.ModelURL == "" {
		return prediction.NewGuard(prediction.NewBaseline(), plog), nil
	}
	scaler := prediction.Scaler{Mean: cfg.ScalerMean, Scale: cfg.ScalerScale}
	if err := scaler.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}
	client := predictor.New(cfg.ModelURL)
	return prediction.NewGuard(client, prediction.WithScaler(scaler), plog), nil
}
