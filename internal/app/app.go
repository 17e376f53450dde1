// Package app wires every component into a running crawler instance,
// mirroring the teacher's manual-dependency-injection app.New.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/crawler/internal/common"
	"github.com/ternarybob/crawler/internal/control"
	"github.com/ternarybob/crawler/internal/crawler"
	"github.com/ternarybob/crawler/internal/embed"
	"github.com/ternarybob/crawler/internal/events"
	"github.com/ternarybob/crawler/internal/extract"
	"github.com/ternarybob/crawler/internal/reconcile"
	"github.com/ternarybob/crawler/internal/schedule"
	"github.com/ternarybob/crawler/internal/sitemap"
	"github.com/ternarybob/crawler/internal/siteops"
	badgerstore "github.com/ternarybob/crawler/internal/storage/badger"
	"github.com/ternarybob/crawler/internal/store"
	"github.com/ternarybob/crawler/internal/vectordb"
)

// App owns every long-lived component of a running crawler instance.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	Store  *store.Store
	Badger *badgerstore.Manager
	Bus    *events.Bus

	Expander  *sitemap.Expander
	Extractor *extract.Extractor
	Scheduler *crawler.Scheduler
	EmbedStage  *embed.Stage
	VectorStage *vectordb.Stage
	Reconciler  *reconcile.Reconciler
	SiteOps     *siteops.Service
	Cron        *schedule.Scheduler

	Handlers *control.Handlers
	Stream   *control.EventStream
}

// New constructs and wires every component but does not start any
// background loop; call Start to do that.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	st, err := store.New(cfg.Storage.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	badgerMgr, err := badgerstore.NewManager(logger, &cfg.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("initializing ledger: %w", err)
	}

	bus := events.NewBus()

	expander := sitemap.New(logger)
	extractor := extract.New(st, logger)
	sched := crawler.New(st, extractor, bus, logger, &cfg.Crawler)

	embedProvider := embed.NewProvider(
		cfg.Embedding.ProviderURL,
		cfg.Embedding.Model,
		cfg.Embedding.APIKey,
		time.Duration(cfg.Embedding.RequestTimeoutSeconds)*time.Second,
	)
	embedStage := embed.New(st, embedProvider, logger, time.Duration(cfg.Embedding.PollIntervalSeconds)*time.Second)

	vdbClient := vectordb.NewClient(
		cfg.VectorDB.APIURL,
		cfg.VectorDB.FGAURL,
		cfg.VectorDB.APIKey,
		time.Duration(cfg.VectorDB.RequestTimeoutSeconds)*time.Second,
	)
	vdbStage := vectordb.New(st, vdbClient, logger, time.Duration(cfg.VectorDB.PollIntervalSeconds)*time.Second)

	recon := reconcile.New(st, vdbClient, badgerMgr.Ledger(), bus, logger)
	ops := siteops.New(st, expander, sched, recon, logger)
	cronSched := schedule.New(st, ops, logger)

	handlers := control.New(st, ops, sched, recon, bus, logger)
	stream := control.NewEventStream(bus, logger)

	return &App{
		Config:      cfg,
		Logger:      logger,
		Store:       st,
		Badger:      badgerMgr,
		Bus:         bus,
		Expander:    expander,
		Extractor:   extractor,
		Scheduler:   sched,
		EmbedStage:  embedStage,
		VectorStage: vdbStage,
		Reconciler:  recon,
		SiteOps:     ops,
		Cron:        cronSched,
		Handlers:    handlers,
		Stream:      stream,
	}, nil
}

// Start launches every background loop: the fetch scheduler's worker pool,
// the embedding and vector-db watcher stages, and the re-expansion cron.
func (a *App) Start(ctx context.Context) error {
	a.Scheduler.Start(ctx)
	a.EmbedStage.Start(ctx)
	a.VectorStage.Start(ctx)

	if err := a.Cron.Start(a.Config.Schedule.ReExpandCron); err != nil {
		return fmt.Errorf("starting re-expansion schedule: %w", err)
	}

	return nil
}

// Stop halts background loops and releases the ledger's Badger handle.
func (a *App) Stop() {
	a.Cron.Stop()
	a.Scheduler.Stop()
	if err := a.Badger.Close(); err != nil {
		a.Logger.Warn().Err(err).Msg("error closing ledger during shutdown")
	}
}
