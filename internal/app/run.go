package app

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"importq/internal/batch"
	"importq/internal/config"
	"importq/internal/db"
	"importq/internal/lock"
	"importq/internal/queue"
	"importq/internal/reconcile"
	"importq/internal/search"
	"importq/internal/status"
	"importq/internal/store"
	"importq/internal/store/postgres"
	"importq/internal/worker"
	"importq/web"
)

// Run wires the service together and blocks until ctx is cancelled or the
// HTTP listener fails.
func Run(ctx context.Context, cfg *config.Config) error {
	jobStore, lockMgr := setupStore(ctx, cfg)
	defer jobStore.Close()

	dispatcher := queue.NewDispatcher(cfg.RabbitMQConfig.Queue, func() (queue.MessageBroker, error) {
		return queue.NewRabbitMQ(
			cfg.RabbitMQConfig.URL,
			cfg.RabbitMQConfig.Exchange,
			cfg.RabbitMQConfig.Queue,
			cfg.RabbitMQConfig.RoutingKey,
		)
	})
	defer dispatcher.Close()

	provider := search.NewHTTPProvider(cfg.SearchConfig)
	workerID := fmt.Sprintf("%s-%s", cfg.Instance, uuid.NewString())
	jobWorker := worker.New(jobStore, provider, cfg, workerID)

	if cfg.RabbitMQConfig.URL != "" {
		go consumeQueue(ctx, cfg, jobWorker)
	} else {
		log.Println("[app] no broker configured, jobs are driven inline and by the sweeper only")
	}

	driver := status.NewDriver(jobStore, jobWorker, cfg.StaleAfter, cfg.HardTimeout)
	coordinator := batch.NewCoordinator(jobStore, dispatcher, cfg.MaxBatchURLs)

	sweeper := reconcile.NewSweeper(jobStore, driver, lockMgr, cfg.SweepInterval)
	if err := sweeper.Start(ctx); err != nil {
		return err
	}
	defer sweeper.Stop()

	handler := web.NewRouteHandler(coordinator, driver, jobStore, cfg.HTTPPort)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler: handler.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[app] instance %s listening on %s", cfg.Instance, server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[app] http shutdown: %v", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// setupStore builds the durable store when Postgres is configured and always
// backs it with the in-memory fallback. The advisory lock manager shares the
// durable connection and is nil when the service runs memory-only.
func setupStore(ctx context.Context, cfg *config.Config) (*store.FallbackJobStore, lock.DistributedLockManager) {
	memory := store.NewMemoryJobStore(cfg.MemoryCapacity)

	var durable store.JobStore
	var lockMgr lock.DistributedLockManager
	if cfg.PostgresConfig.ConnectionUrl != "" {
		sqlDB, err := db.Init(ctx, cfg.PostgresConfig.ConnectionUrl)
		if err != nil {
			log.Printf("[app] postgres unavailable, running on the in-memory store: %v", err)
		} else {
			durable = postgres.NewPostgresJobStore(sqlDB)
			lockMgr = lock.NewPostgresDistributedLockManager(sqlDB)
		}
	} else {
		log.Println("[app] no postgres configured, running on the in-memory store")
	}

	return store.NewFallbackJobStore(durable, memory), lockMgr
}

// consumeQueue keeps a consumer attached to the broker, reconnecting after
// failures until ctx is cancelled.
func consumeQueue(ctx context.Context, cfg *config.Config, jobWorker *worker.Worker) {
	for {
		if ctx.Err() != nil {
			return
		}

		broker, err := queue.NewRabbitMQ(
			cfg.RabbitMQConfig.URL,
			cfg.RabbitMQConfig.Exchange,
			cfg.RabbitMQConfig.Queue,
			cfg.RabbitMQConfig.RoutingKey,
		)
		if err != nil {
			log.Printf("[app] broker connect failed, retrying: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		consumer := worker.NewConsumer(broker, jobWorker, cfg.RabbitMQConfig.Queue, cfg.WorkerCount)
		if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[app] consumer stopped, reconnecting: %v", err)
		}
		broker.Close()

		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}
