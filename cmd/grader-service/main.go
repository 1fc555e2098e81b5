package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gradebox/internal/common/cache"
	"gradebox/internal/common/db"
	commonmw "gradebox/internal/common/http/middleware"
	"gradebox/internal/common/mq"
	"gradebox/internal/common/storage"
	"gradebox/internal/grading/controller"
	"gradebox/internal/grading/executor"
	"gradebox/internal/grading/filestore"
	"gradebox/internal/grading/limiter"
	"gradebox/internal/grading/reconciler"
	"gradebox/internal/grading/repository"
	"gradebox/internal/grading/sandbox"
	"gradebox/internal/grading/service"
	"gradebox/pkg/utils/logger"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultConfigPath = "configs/grader_service.yaml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to config file")
	flag.Parse()

	appCfg, err := loadAppConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load app config failed: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(appCfg.Logger); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := run(appCfg); err != nil {
		logger.Error(context.Background(), "grader service exited", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(appCfg *AppConfig) error {
	ctx := context.Background()
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var redisCache cache.Cache
	if appCfg.Redis.Addr != "" {
		rc, err := cache.NewRedisCacheWithConfig(&appCfg.Redis)
		if err != nil {
			return fmt.Errorf("init redis failed: %w", err)
		}
		defer func() {
			_ = rc.Close()
		}()
		redisCache = rc
	} else {
		logger.Warn(ctx, "redis not configured; status cache and sweep lock disabled")
	}

	repo, closeRepo, err := buildRepository(ctx, appCfg, redisCache)
	if err != nil {
		return err
	}
	defer closeRepo()

	builder, err := sandbox.NewBuilder(appCfg.Sandbox)
	if err != nil {
		return fmt.Errorf("init sandbox failed: %w", err)
	}
	if builder.Insecure() {
		logger.Warn(ctx, "sandbox isolation is DISABLED; graders run with full host access")
	}

	files, err := buildFileStore(ctx, appCfg, builder)
	if err != nil {
		return err
	}

	queue, err := buildQueue(ctx, appCfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = queue.Close()
	}()

	hosts := executor.NewLocalHostPool(appCfg.Host.Name, appCfg.Host.Slots)
	exec, err := executor.New(appCfg.Executor, repo, hosts, builder, executor.WithMetrics(executor.NewMetrics(registry)))
	if err != nil {
		return fmt.Errorf("init executor failed: %w", err)
	}

	reconcileOpts := []reconciler.Option{reconciler.WithMetrics(registry)}
	if redisCache != nil {
		reconcileOpts = append(reconcileOpts, reconciler.WithLock(redisCache))
	}
	rec, err := reconciler.New(appCfg.Reconciler, repo, reconcileOpts...)
	if err != nil {
		return fmt.Errorf("init reconciler failed: %w", err)
	}

	svc, err := service.NewSubmissionService(service.Config{
		Repo:           repo,
		Files:          files,
		Limiter:        limiter.New(appCfg.Limiter),
		Queue:          queue,
		Topic:          appCfg.Queue.Dispatch.Topic,
		Cache:          redisCache,
		IdempotencyTTL: appCfg.Intake.IdempotencyTTL,
		Registerer:     registry,
	})
	if err != nil {
		return fmt.Errorf("init submission service failed: %w", err)
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher, err := service.NewDispatcher(appCfg.Queue.Dispatch, queue, exec, repo)
	if err != nil {
		return fmt.Errorf("init dispatcher failed: %w", err)
	}
	if err := dispatcher.Subscribe(runCtx); err != nil {
		return err
	}
	if err := queue.Start(); err != nil {
		return fmt.Errorf("start queue consumer failed: %w", err)
	}
	if _, err := dispatcher.Recover(runCtx); err != nil {
		logger.Warn(ctx, "recover pending submissions failed", zap.Error(err))
	}

	go rec.Run(runCtx)

	maxUpload := appCfg.Storage.MaxSubmissionBytes
	httpServer := buildHTTPServer(appCfg.Server, controller.NewGradingController(svc, rec, maxUpload), registry)
	listener, err := net.Listen("tcp", appCfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("init http listener failed: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "grader http server started", zap.String("addr", appCfg.Server.Addr), zap.String("queue", appCfg.Queue.Driver))
		errCh <- httpServer.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "http server stopped", zap.Error(err))
		}
	case <-runCtx.Done():
		logger.Info(ctx, "shutdown signal received")
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "http server shutdown failed", zap.Error(err))
	}
	// Workers see the canceled context, kill their graders and record them.
	_ = queue.Stop()
	return nil
}

func buildRepository(ctx context.Context, appCfg *AppConfig, redisCache cache.Cache) (repository.SubmissionRepository, func(), error) {
	if appCfg.Database.DSN == "" {
		logger.Warn(ctx, "database not configured; using the in-memory repository")
		return repository.NewMemoryRepository(), func() {}, nil
	}
	mysqlDB, err := db.NewMySQLWithConfig(&appCfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("init database failed: %w", err)
	}
	closeDB := func() {
		_ = mysqlDB.Close()
	}
	if err := repository.EnsureSchema(ctx, mysqlDB); err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("ensure schema failed: %w", err)
	}
	var repo repository.SubmissionRepository = repository.NewMySQLRepository(mysqlDB, redisCache)
	if redisCache != nil {
		repo = repository.WithStatusCache(repo, redisCache)
	}
	return repo, closeDB, nil
}

func buildFileStore(ctx context.Context, appCfg *AppConfig, builder *sandbox.Builder) (*filestore.Store, error) {
	var opts []filestore.Option
	if appCfg.MinIO.Endpoint != "" {
		objStorage, err := storage.NewMinIOStorage(appCfg.MinIO)
		if err != nil {
			return nil, fmt.Errorf("init minio failed: %w", err)
		}
		if err := objStorage.EnsureBucket(ctx, appCfg.MinIO.Bucket); err != nil {
			return nil, fmt.Errorf("ensure backup bucket failed: %w", err)
		}
		backups := filestore.MultiBackup{&filestore.ObjectBackup{
			Storage:  objStorage,
			Bucket:   appCfg.MinIO.Bucket,
			Prefix:   appCfg.Storage.ObjectBackupPrefix,
			Compress: appCfg.Storage.CompressBackups,
		}}
		if appCfg.Storage.BackupDir != "" {
			backups = append(filestore.MultiBackup{&filestore.DirBackup{Root: appCfg.Storage.BackupDir}}, backups...)
		}
		opts = append(opts, filestore.WithBackup(backups))
	}
	files, err := filestore.NewStore(appCfg.Storage.Config, filestore.NewSandboxedFileWriter(builder), opts...)
	if err != nil {
		return nil, fmt.Errorf("init file store failed: %w", err)
	}
	return files, nil
}

func buildQueue(ctx context.Context, appCfg *AppConfig) (mq.MessageQueue, error) {
	switch appCfg.Queue.Driver {
	case "memory":
		return mq.NewMemoryQueue(appCfg.Queue.MemoryBuffer), nil
	case "kafka":
		q, err := mq.NewKafkaQueue(appCfg.Kafka)
		if err != nil {
			return nil, fmt.Errorf("init kafka failed: %w", err)
		}
		dispatch := appCfg.Queue.Dispatch
		if err := q.EnsureTopics(ctx, dispatch.Topic, dispatch.DeadLetterTopic); err != nil {
			_ = q.Close()
			return nil, fmt.Errorf("ensure kafka topics failed: %w", err)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue driver %q", appCfg.Queue.Driver)
	}
}

func buildHTTPServer(cfg ServerConfig, grading *controller.GradingController, registry *prometheus.Registry) *http.Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(commonmw.TraceContextMiddleware())
	router.Use(requestLogger())

	grading.RegisterRoutes(router)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		logger.Info(
			c.Request.Context(),
			"request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
