package jobscheduler

import (
	"context"
	"net/http"
	"strings"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/go-redis/redis"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus/ctxlogrus"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/utils/clock"

	"github.com/dbcdk/dataio/internal/common"
	"github.com/dbcdk/dataio/internal/common/app"
	dbcommon "github.com/dbcdk/dataio/internal/common/database"
	"github.com/dbcdk/dataio/internal/common/health"
	"github.com/dbcdk/dataio/internal/common/pulsarutils"
	stan_util "github.com/dbcdk/dataio/internal/common/stan-util"
	"github.com/dbcdk/dataio/internal/common/util"
	"github.com/dbcdk/dataio/internal/jobscheduler/completionlog"
	"github.com/dbcdk/dataio/internal/jobscheduler/configuration"
	"github.com/dbcdk/dataio/internal/jobscheduler/dependencytracking"
)

// Run sets up the job scheduler and runs it until a SIGTERM is received.
func Run(config configuration.Configuration) error {
	g, ctx := errgroup.WithContext(app.CreateContextWithShutdown())
	logrusLogger := log.NewEntry(log.StandardLogger())
	ctx = ctxlogrus.ToContext(ctx, logrusLogger)

	sinks, err := config.SinkById()
	if err != nil {
		return err
	}
	realClock := clock.RealClock{}

	//////////////////////////////////////////////////////////////////////////
	// Health Checks
	//////////////////////////////////////////////////////////////////////////
	mux := http.NewServeMux()
	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	health.SetupHttpMux(mux, healthChecks)
	mux.Handle("/metrics", promhttp.Handler())

	// Services are started together once all setup has succeeded.
	var services []func() error

	//////////////////////////////////////////////////////////////////////////
	// Persistence
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Setting up %s persistence", config.Persistence.Backend)
	var mapStore dependencytracking.MapStore
	var completions completionlog.Log
	retryConfig := dependencytracking.RetryConfig{
		Attempts:    config.Persistence.RetryAttempts,
		Delay:       config.Persistence.RetryDelay,
		CallTimeout: config.Persistence.CallTimeout,
	}
	switch config.Persistence.Backend {
	case "postgres":
		db, err := dbcommon.OpenPgxPool(config.Postgres)
		if err != nil {
			return errors.WithMessage(err, "error opening connection to postgres")
		}
		defer db.Close()
		migrations, err := dependencytracking.Migrations()
		if err != nil {
			return err
		}
		if err := dbcommon.UpdateDatabase(ctx, db, migrations); err != nil {
			return errors.WithMessage(err, "error migrating database")
		}
		retryConfig.IsRetryable = dependencytracking.IsTransientPostgresError
		mapStore = dependencytracking.NewRetryingMapStore(dependencytracking.NewPostgresMapStore(db), retryConfig)
		healthChecks.Add(health.FuncChecker(func() error { return db.Ping(context.Background()) }))

		postgresLog, err := completionlog.NewPostgresLog(db, config.CompletionLog.CacheSize, realClock)
		if err != nil {
			return err
		}
		completions = postgresLog
		if config.CompletionLog.Retention > 0 && config.CompletionLog.CleanupInterval > 0 {
			services = append(services, func() error {
				return postgresLog.PeriodicCleanup(ctx, config.CompletionLog.CleanupInterval, config.CompletionLog.Retention)
			})
		}
	case "sqlite":
		sqliteStore, err := dependencytracking.NewSqliteMapStore(config.Persistence.SqlitePath)
		if err != nil {
			return errors.WithMessagef(err, "error opening %s", config.Persistence.SqlitePath)
		}
		defer func() {
			if err := sqliteStore.Close(); err != nil {
				log.WithError(err).Warn("sqlite store didn't close cleanly")
			}
		}()
		mapStore = dependencytracking.NewRetryingMapStore(sqliteStore, retryConfig)
	default:
		log.Warn("Tracking records are kept in memory only and are lost on restart")
		mapStore = dependencytracking.NewMemoryMapStore()
	}
	if completions == nil {
		completions, err = completionlog.NewMemoryLog(config.CompletionLog.CacheSize)
		if err != nil {
			return err
		}
	}
	store, err := dependencytracking.NewStore(config.Partitions, mapStore, config.Persistence.LoadBatchSize)
	if err != nil {
		return err
	}

	//////////////////////////////////////////////////////////////////////////
	// Leader Election
	//////////////////////////////////////////////////////////////////////////
	leaderController, err := createLeaderController(config.Leader)
	if err != nil {
		return errors.WithMessage(err, "error creating leader controller")
	}
	services = append(services, func() error { return leaderController.Run(ctx) })
	service := NewService(store, sinks, completions, leaderController, realClock)
	leaderController.RegisterListener(service)

	//////////////////////////////////////////////////////////////////////////
	// Ingestion and dispatch
	//////////////////////////////////////////////////////////////////////////
	handler := NewEventHandler(service)
	var workers map[int]SinkWorker
	switch config.Ingestion.Transport {
	case "pulsar":
		log.Infof("Setting up Pulsar connectivity")
		pulsarClient, err := pulsarutils.NewPulsarClient(&config.Pulsar)
		if err != nil {
			return errors.WithMessage(err, "error creating pulsar client")
		}
		defer pulsarClient.Close()
		consumer, err := pulsarClient.Subscribe(pulsar.ConsumerOptions{
			Topic:               config.Pulsar.ChunkEventsTopic,
			SubscriptionName:    config.Pulsar.SubscriptionName,
			Type:                pulsar.Failover,
			NackRedeliveryDelay: config.Pulsar.NackRedeliveryDelay,
		})
		if err != nil {
			return errors.Wrapf(err, "error subscribing to %s", config.Pulsar.ChunkEventsTopic)
		}
		defer consumer.Close()
		var closeProducers func()
		workers, closeProducers, err = NewPulsarSinkWorkers(pulsarClient, config.Pulsar, service.Sinks())
		if err != nil {
			return err
		}
		defer closeProducers()
		source := NewPulsarSource(consumer, handler, config.Ingestion.ReceiveTimeout, config.Ingestion.BackoffTime)
		services = append(services, func() error { return source.Run(ctx) })
	case "stan":
		log.Infof("Setting up NATS streaming connectivity")
		conn, err := stan_util.DurableConnect(config.Stan.ClusterId, config.Stan.ClientId, config.Stan.Urls)
		if err != nil {
			return errors.WithMessage(err, "error connecting to NATS streaming")
		}
		defer util.CloseResource("NATS streaming connection", conn)
		healthChecks.Add(conn)
		workers = NewStanSinkWorkers(conn, config.Stan, service.Sinks())
		source := NewStanSource(conn, config.Stan, handler)
		services = append(services, func() error { return source.Run(ctx) })
	default:
		log.Info("No transport configured; chunks are accepted through the HTTP API only")
		workers = NewLogSinkWorkers(service.Sinks())
	}

	//////////////////////////////////////////////////////////////////////////
	// Scheduling
	//////////////////////////////////////////////////////////////////////////
	dispatcher := NewDispatcher(service, workers, realClock)
	scheduler := NewScheduler(service, dispatcher, leaderController, config.CyclePeriod, realClock)
	services = append(services, func() error { return scheduler.Run(ctx) })

	//////////////////////////////////////////////////////////////////////////
	// Metrics and status publishing
	//////////////////////////////////////////////////////////////////////////
	metricsCollector := NewMetricsCollector(service, config.MetricsRefreshPeriod, realClock)
	prometheus.MustRegister(metricsCollector)
	services = append(services, func() error { return metricsCollector.Run(ctx) })

	if config.Redis.Enabled {
		redisClient := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
		defer util.CloseResource("redis client", redisClient)
		publisher := NewRedisStatusPublisher(redisClient, service, config.Redis.PublishPeriod, realClock)
		services = append(services, func() error { return publisher.Run(ctx) })
	}

	//////////////////////////////////////////////////////////////////////////
	// Api
	//////////////////////////////////////////////////////////////////////////
	mux.Handle("/api/", NewApi(service, config.AggregateCacheTtl).Handler())
	shutdownHttpServer := common.ServeHttp(config.Http.Port, mux)
	defer shutdownHttpServer()

	// start all services
	for _, service := range services {
		g.Go(service)
	}

	// Mark startup as complete, will allow the health check to return healthy
	startupCompleteCheck.MarkComplete()

	return g.Wait()
}

func createLeaderController(config configuration.LeaderConfig) (LeaderController, error) {
	switch mode := strings.ToLower(config.Mode); mode {
	case "standalone":
		log.Infof("Scheduler will run in standalone mode")
		return NewStandaloneLeaderController(), nil
	case "kubernetes":
		log.Infof("Scheduler will run kubernetes mode")
		clusterConfig, err := loadClusterConfig()
		if err != nil {
			return nil, errors.Wrapf(err, "Error creating kubernetes client")
		}
		clientSet, err := kubernetes.NewForConfig(clusterConfig)
		if err != nil {
			return nil, errors.Wrapf(err, "Error creating kubernetes client")
		}
		return NewKubernetesLeaderController(config, clientSet.CoordinationV1()), nil
	default:
		return nil, errors.Errorf("%s is not a valid leader mode", config.Mode)
	}
}

func loadClusterConfig() (*rest.Config, error) {
	config, err := rest.InClusterConfig()
	if err == rest.ErrNotInCluster {
		log.Info("Running with default client configuration")
		rules := clientcmd.NewDefaultClientConfigLoadingRules()
		overrides := &clientcmd.ConfigOverrides{}
		return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
	}
	log.Info("Running with in cluster client configuration")
	return config, err
}
