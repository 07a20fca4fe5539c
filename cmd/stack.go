package cmd

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/fetchgate/internal/admission"
	"github.com/JakeFAU/fetchgate/internal/archive"
	gcsarchive "github.com/JakeFAU/fetchgate/internal/archive/gcs"
	localarchive "github.com/JakeFAU/fetchgate/internal/archive/local"
	"github.com/JakeFAU/fetchgate/internal/backend/headless"
	"github.com/JakeFAU/fetchgate/internal/backend/httpcolly"
	"github.com/JakeFAU/fetchgate/internal/backend/stub"
	"github.com/JakeFAU/fetchgate/internal/challenge"
	"github.com/JakeFAU/fetchgate/internal/config"
	"github.com/JakeFAU/fetchgate/internal/fetch"
	"github.com/JakeFAU/fetchgate/internal/metrics"
	"github.com/JakeFAU/fetchgate/internal/orchestrator"
	"github.com/JakeFAU/fetchgate/internal/pacing"
	"github.com/JakeFAU/fetchgate/internal/pool"
	"github.com/JakeFAU/fetchgate/internal/progress"
	progresssinks "github.com/JakeFAU/fetchgate/internal/progress/sinks"
	"github.com/JakeFAU/fetchgate/internal/retry"
	"github.com/JakeFAU/fetchgate/internal/stats"
	pgstore "github.com/JakeFAU/fetchgate/internal/storage/postgres"
)

// stack holds every component of one run and the functions that release them.
type stack struct {
	cfg      config.Config
	logger   *zap.Logger
	orch     *orchestrator.Orchestrator
	recorder *stats.Recorder
	hub      *progress.Hub
	archiver *archive.Archiver

	// closers run in reverse registration order.
	closers []func(context.Context) error
}

// browserFactory builds the configured backend. It is a variable so tests
// can substitute a scripted browser.
var browserFactory = newBrowser

func buildStack(ctx context.Context, cfg config.Config, logger *zap.Logger) (st *stack, err error) {
	metrics.Init()
	st = &stack{cfg: cfg, logger: logger, recorder: stats.New()}
	defer func() {
		if err != nil {
			if cerr := st.close(context.WithoutCancel(ctx)); cerr != nil {
				logger.Warn("partial stack close failed", zap.Error(cerr))
			}
		}
	}()

	browser, err := browserFactory(ctx, st, cfg, logger)
	if err != nil {
		return st, err
	}

	ctxPool, err := pool.New(ctx, browser, cfg.PoolConfig(), logger.Named("pool"))
	if err != nil {
		return st, fmt.Errorf("context pool init failed: %w", err)
	}
	st.onClose(ctxPool.Close)
	gate, err := admission.New(cfg.Fetch.MaxConcurrent)
	if err != nil {
		return st, fmt.Errorf("admission gate init failed: %w", err)
	}
	pacer, err := pacing.New(cfg.PacingConfig())
	if err != nil {
		return st, fmt.Errorf("pacing init failed: %w", err)
	}
	policy, err := retry.New(cfg.RetryPolicyConfig())
	if err != nil {
		return st, fmt.Errorf("retry policy init failed: %w", err)
	}

	if err := st.setupProgress(ctx); err != nil {
		return st, err
	}
	if err := st.setupArchive(ctx); err != nil {
		return st, err
	}

	st.orch, err = orchestrator.New(orchestrator.Deps{
		Gate:       gate,
		Pacer:      pacer,
		Pool:       ctxPool,
		Browser:    browser,
		Classifier: challenge.New(cfg.ChallengeRules(), challenge.EmptyBody),
		Policy:     policy,
		Stats:      st.recorder,
		Emitter:    st.hub,
		NavTimeout: cfg.Fetch.NavTimeout,
	}, logger)
	if err != nil {
		return st, fmt.Errorf("orchestrator init failed: %w", err)
	}
	return st, nil
}

func newBrowser(ctx context.Context, st *stack, cfg config.Config, logger *zap.Logger) (fetch.Browser, error) {
	switch cfg.Browser.Backend {
	case config.BackendChromedp:
		b, err := headless.New(ctx, headless.Config{
			Headless:          cfg.Browser.Headless,
			ExecPath:          cfg.Browser.ExecPath,
			NavigationTimeout: cfg.Fetch.NavTimeout,
			SettleDelay:       cfg.Browser.SettleDelay,
		}, logger.Named("chromedp"))
		if err != nil {
			return nil, fmt.Errorf("chromedp browser init failed: %w", err)
		}
		st.onClose(func(context.Context) error {
			b.Close()
			return nil
		})
		logger.Info("using chromedp backend", zap.Bool("headless", cfg.Browser.Headless))
		return b, nil
	case config.BackendColly:
		logger.Info("using colly backend")
		return httpcolly.New(httpcolly.Config{Timeout: cfg.Fetch.NavTimeout}), nil
	case config.BackendStub:
		logger.Warn("using stub backend; no real network traffic is made")
		return stub.New(stub.Config{}), nil
	default:
		return nil, fetch.NewConfigError("browser.backend", "unsupported backend %q", cfg.Browser.Backend)
	}
}

func (st *stack) setupProgress(ctx context.Context) error {
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(st.logger.Named("progress_log")),
	}

	promSink, err := progresssinks.NewPrometheusSink(st.recorder.Registry())
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)

	if st.cfg.DB.DSN != "" {
		outcomes, err := pgstore.NewOutcomeStore(ctx, pgstore.Config{
			DSN:             st.cfg.DB.DSN,
			Table:           st.cfg.DB.Table,
			MaxConns:        st.cfg.DB.MaxConns,
			MaxConnLifetime: st.cfg.DB.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("outcome store init failed: %w", err)
		}
		st.onClose(func(context.Context) error {
			outcomes.Close()
			return nil
		})
		if err := outcomes.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("outcome schema init failed: %w", err)
		}
		sinkList = append(sinkList, progresssinks.NewStoreSink(outcomes, st.logger.Named("progress_store")))
		st.logger.Info("outcome store initialized", zap.String("table", st.cfg.DB.Table))
	} else {
		st.logger.Debug("no db.dsn configured, outcomes are not persisted")
	}

	if st.cfg.PubSub.Topic != "" {
		client, err := pubsub.NewClient(ctx, st.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		st.onClose(func(context.Context) error {
			return client.Close()
		})
		pubSink, err := progresssinks.NewPubSubSink(client.Topic(st.cfg.PubSub.Topic))
		if err != nil {
			return fmt.Errorf("pubsub sink init failed: %w", err)
		}
		sinkList = append(sinkList, pubSink)
		st.logger.Info("pubsub outcome publisher initialized",
			zap.String("project", st.cfg.PubSub.ProjectID),
			zap.String("topic", st.cfg.PubSub.Topic),
		)
	}

	st.hub = progress.NewHub(progress.Config{Logger: st.logger.Named("progress_hub")}, sinkList...)
	st.onClose(st.hub.Close)
	return nil
}

func (st *stack) setupArchive(ctx context.Context) error {
	var (
		blobs archive.BlobStore
		err   error
	)
	switch st.cfg.Storage.Backend {
	case config.StorageLocal:
		blobs, err = localarchive.New(localarchive.Config{BaseDir: st.cfg.Storage.Dir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		st.logger.Info("archiving payloads locally", zap.String("dir", st.cfg.Storage.Dir))
	case config.StorageGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		st.onClose(func(context.Context) error {
			return client.Close()
		})
		blobs, err = gcsarchive.New(client, gcsarchive.Config{Bucket: st.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		st.logger.Info("archiving payloads to GCS", zap.String("bucket", st.cfg.Storage.GCSBucket))
	default:
		return nil
	}
	st.archiver, err = archive.New(blobs, st.cfg.Storage.Prefix, st.logger.Named("archive"))
	if err != nil {
		return fmt.Errorf("archiver init failed: %w", err)
	}
	return nil
}

func (st *stack) onClose(fn func(context.Context) error) {
	st.closers = append(st.closers, fn)
}

// close releases components in reverse order of construction.
func (st *stack) close(ctx context.Context) error {
	var errs []error
	for i := len(st.closers) - 1; i >= 0; i-- {
		if err := st.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	st.closers = nil
	return errors.Join(errs...)
}
