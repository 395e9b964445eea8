package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/HaddajiForks/Savage-Files/internal/config"
	"github.com/HaddajiForks/Savage-Files/internal/filestore"
	"github.com/HaddajiForks/Savage-Files/internal/handle"
	"github.com/HaddajiForks/Savage-Files/internal/handlers"
	"github.com/HaddajiForks/Savage-Files/internal/lock"
	"github.com/HaddajiForks/Savage-Files/internal/logging"
	"github.com/HaddajiForks/Savage-Files/internal/quota"
	"github.com/HaddajiForks/Savage-Files/internal/service"
	"github.com/HaddajiForks/Savage-Files/internal/storage"
	"github.com/HaddajiForks/Savage-Files/internal/storage/memstore"
	"github.com/HaddajiForks/Savage-Files/internal/tracing"
)

var (
	_ filestore.BlobStore     = (*storage.MinioClient)(nil)
	_ filestore.MetadataStore = (*storage.TiDBClient)(nil)
	_ service.OwnershipIndex  = (*storage.TiDBClient)(nil)
	_ service.OrphanLister    = (*storage.TiDBClient)(nil)
	_ filestore.BlobStore     = (*memstore.Blobs)(nil)
	_ filestore.MetadataStore = (*memstore.Store)(nil)
	_ service.OwnershipIndex  = (*memstore.Store)(nil)
	_ service.OrphanLister    = (*memstore.Store)(nil)
)

// datastore is everything the service persists to, whichever driver backs it.
type datastore interface {
	filestore.MetadataStore
	service.OwnershipIndex
	service.OrphanLister
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load config")
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.WithError(err).Fatal("failed to set up logging")
	}
	log.WithFields(logrus.Fields{
		"service": cfg.ServiceName,
		"port":    cfg.ServicePort,
		"driver":  cfg.StorageDriver,
	}).Info("starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracing.InitTracer(ctx, tracing.Options{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.JaegerEndpoint,
		Enabled:     cfg.TracingEnabled,
	}, log)
	if err != nil {
		log.WithError(err).Fatal("failed to initialize tracer")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.WithError(err).Error("error shutting down tracer")
		}
	}()

	blobs, meta, locker, closeStores, err := openStores(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("failed to open storage")
	}
	defer closeStores()

	codec, err := handle.NewCodec(cfg.HandleSecret)
	if err != nil {
		log.WithError(err).Fatal("invalid handle secret")
	}

	store := filestore.New(blobs, meta, filestore.Config{
		ChunkSize:         cfg.GetChunkSizeBytes(),
		UploadConcurrency: cfg.UploadConcurrency,
	}, log)
	guard := quota.NewGuard(meta, store, cfg.QuotaBytes)
	log.WithFields(logrus.Fields{
		"chunk_size": store.ChunkSize(),
		"quota":      guard.Limit(),
	}).Info("file store ready")
	svc := service.New(store, meta, guard, locker, codec, log)

	janitor := service.NewJanitor(meta, store, cfg.JanitorInterval, cfg.JanitorGrace, log)
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		janitor.Run(ctx)
	}()

	// Large transfers are bounded by the quota, not by server timeouts
	srv := &http.Server{
		Addr:              ":" + cfg.ServicePort,
		Handler:           handlers.NewRouter(svc, handlers.HeaderAuthenticator{}, log),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.WithField("addr", srv.Addr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("server forced to shutdown")
	}
	<-janitorDone

	log.Info("server exited")
}

// openStores connects the configured backends and returns a function that
// closes them.
func openStores(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (filestore.BlobStore, datastore, lock.Locker, func(), error) {
	if cfg.StorageDriver == config.DriverMemory {
		log.Warn("using in-memory storage, nothing survives a restart")
		return memstore.NewBlobs(), memstore.NewStore(), lock.NewLocalLocker(cfg.OwnerLockWait), func() {}, nil
	}

	var closers []func() error
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.WithError(err).Error("error closing storage")
			}
		}
	}

	log.Info("connecting to MinIO")
	minioClient, err := storage.NewMinioClient(ctx, log,
		cfg.MinIOEndpoint,
		cfg.MinIOAccessKey,
		cfg.MinIOSecretKey,
		cfg.MinIOBucketName,
		cfg.MinIOUseSSL,
	)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	log.Info("connecting to TiDB")
	tidbClient, err := storage.NewTiDBClient(ctx, cfg.GetDSN(), cfg.TiDBMaxOpenConns)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	closers = append(closers, tidbClient.Close)
	if err := tidbClient.EnsureSchema(ctx); err != nil {
		closeAll()
		return nil, nil, nil, nil, err
	}

	var locker lock.Locker = lock.NewLocalLocker(cfg.OwnerLockWait)
	if cfg.OwnerLock == config.LockRedis {
		log.Info("connecting to Redis")
		redisClient, err := storage.NewRedisClient(ctx, cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			closeAll()
			return nil, nil, nil, nil, err
		}
		closers = append(closers, redisClient.Close)
		locker = storage.NewRedisLocker(redisClient, cfg.OwnerLockTTL, cfg.OwnerLockWait, log)
	}

	return minioClient, tidbClient, locker, closeAll, nil
}
