package internal

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/hbomb79/Siphon/internal/api"
	"github.com/hbomb79/Siphon/internal/database"
	"github.com/hbomb79/Siphon/internal/download"
	"github.com/hbomb79/Siphon/internal/event"
	"github.com/hbomb79/Siphon/internal/fetch"
	"github.com/hbomb79/Siphon/internal/metrics"
	"github.com/hbomb79/Siphon/internal/muxer"
	"github.com/hbomb79/Siphon/pkg/logger"
)

var log = logger.Get("Core")

type (
	RunnableService interface {
		Run(context.Context) error
	}

	// siphonImpl represents the top-level object for the server, and is responsible
	// for initialising services, stores, event handling, et cetera...
	siphonImpl struct {
		config   SiphonConfig
		eventBus event.EventCoordinator
		db       database.Manager
		store    *storeOrchestrator
		metrics  *metrics.Metrics

		fetcher         *fetch.Fetcher
		downloadService *download.Service
		restGateway     *api.RestGateway
		activityService *activityService
	}
)

func New(config SiphonConfig) *siphonImpl {
	log.Emit(logger.DEBUG, "Bootstrapping Siphon services using config: %#v\n", config)
	db := database.New()
	siphon := &siphonImpl{
		config:   config,
		eventBus: event.New(),
		db:       db,
		store:    newStoreOrchestrator(db),
		metrics:  metrics.New(),
	}

	mux := muxer.New(config.Muxer)
	siphon.fetcher = fetch.New(config.Fetch, mux, fetch.NewStaticCookieSource(config.Cookies), siphon.metrics)
	siphon.downloadService = download.New(
		config.Download,
		siphon.store,
		siphon.fetcher,
		siphon.eventBus,
		func(path string) (*muxer.Metadata, error) { return muxer.Probe(config.Muxer, path) },
		siphon.metrics,
	)
	siphon.restGateway = api.NewRestGateway(&config.RestConfig, siphon.downloadService, siphon.fetcher, siphon.store, siphon.metrics.Handler())
	siphon.activityService = newActivityService(siphon.restGateway, siphon.eventBus)

	return siphon
}

// Run will start all of Siphon by bringing up all required services and connections, such as:
// - Database connection (and migrations)
// - Download service
// - REST gateway (including websocket activity)
//
// This function will not return until Siphon is stopped.
// To stop Siphon, the provided context must be cancelled. Errors from which Siphon cannot recover
// will also cause Siphon to stop.
func (siphon *siphonImpl) Run(parent context.Context) error {
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel(fmt.Errorf("service %s crashed: %w", label, err))
	}

	for _, dir := range []string{siphon.config.Fetch.TempDir, siphon.config.Fetch.OutputDir} {
		if err := os.MkdirAll(dir, os.ModeDir|os.ModePerm); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	log.Emit(logger.NEW, "Connecting to database...\n")
	if err := siphon.db.Connect(ctx, siphon.config.Database); err != nil {
		return err
	}
	defer siphon.db.Close()

	wg := &sync.WaitGroup{}
	siphon.spawnAsyncService(ctx, wg, siphon.activityService, "activity-service", crashHandler)
	siphon.spawnAsyncService(ctx, wg, siphon.downloadService, "download-service", crashHandler)
	siphon.spawnAsyncService(ctx, wg, siphon.restGateway, "rest-gateway", crashHandler)
	log.Emit(logger.SUCCESS, "Siphon services spawned!\n")

	wg.Wait()
	if cause := context.Cause(ctx); cause != ctx.Err() {
		return cause
	}

	return nil
}

// spawnAsyncService will run the provided service as it's own
// go-routine, ensuring that the service waitgroup is updated correctly
func (siphon *siphonImpl) spawnAsyncService(ctx context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(ctx); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}
