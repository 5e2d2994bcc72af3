package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	r "github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/fleetbatch/internal/blob"
	"github.com/ChuLiYu/fleetbatch/internal/cache"
	"github.com/ChuLiYu/fleetbatch/internal/config"
	"github.com/ChuLiYu/fleetbatch/internal/executor"
	"github.com/ChuLiYu/fleetbatch/internal/metrics"
	"github.com/ChuLiYu/fleetbatch/internal/processor"
	"github.com/ChuLiYu/fleetbatch/internal/queue"
	"github.com/ChuLiYu/fleetbatch/internal/results"
)

// ============================================================================
// 元件組裝
// ============================================================================

// app 持有依設定建立的所有元件
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Collector

	rdb   r.UniversalClient
	main  queue.Transport
	dead  queue.Transport
	blobs blob.Store

	queue   *queue.Client
	results *results.Store
	cache   *cache.Cache
	execute processor.ExecuteFunc
}

// openApp 依設定建立元件；失敗時關閉已開啟的資源
func openApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{
		cfg:     cfg,
		log:     log,
		metrics: metrics.NewCollector(nil),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := a.openQueue(); err != nil {
		return nil, err
	}
	if err := a.openBlobs(ctx); err != nil {
		return nil, err
	}

	a.queue = queue.NewClient(a.main, a.dead, queue.Config{
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MessageTTL:        cfg.Queue.MessageTTL,
		MaxDequeueCount:   cfg.Queue.MaxDequeueCount,
	}, queue.WithLogger(log), queue.WithMetrics(a.metrics))

	a.results = results.New(a.blobs, results.Config{
		Retention:        cfg.Results.Retention,
		FetchConcurrency: cfg.Results.FetchConcurrency,
	}, results.WithLogger(log), results.WithMetrics(a.metrics))

	compression, err := cache.ParseCompression(cfg.Cache.Compression)
	if err != nil {
		return nil, err
	}
	a.cache = cache.New(a.blobs, cache.Config{TTL: cfg.Cache.TTL, Compression: compression},
		cache.WithLogger(log), cache.WithMetrics(a.metrics))

	if err := a.buildExecutor(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *app) openQueue() error {
	qc := a.cfg.Queue
	switch qc.Backend {
	case config.QueueRedis:
		a.rdb = r.NewClient(&r.Options{
			Addr:     qc.RedisAddr,
			Password: qc.RedisPassword,
			DB:       qc.RedisDB,
		})
		a.main = queue.NewRedis(a.rdb, qc.RedisPrefix, qc.Name, nil)
		a.dead = queue.NewRedis(a.rdb, qc.RedisPrefix, qc.DeadLetterName(), nil)
		return nil

	case config.QueueLocal:
		if qc.JournalDir != "" {
			if err := os.MkdirAll(qc.JournalDir, 0755); err != nil {
				return fmt.Errorf("failed to create journal dir: %w", err)
			}
		}
		main, err := queue.NewLocal(a.localConfig(qc.Name))
		if err != nil {
			return fmt.Errorf("failed to open queue %s: %w", qc.Name, err)
		}
		a.main = main
		dead, err := queue.NewLocal(a.localConfig(qc.DeadLetterName()))
		if err != nil {
			return fmt.Errorf("failed to open queue %s: %w", qc.DeadLetterName(), err)
		}
		a.dead = dead
		return nil

	default:
		return fmt.Errorf("unknown queue backend %q", qc.Backend)
	}
}

func (a *app) localConfig(name string) queue.LocalConfig {
	lc := queue.LocalConfig{
		Name:         name,
		SyncOnAppend: a.cfg.Queue.SyncOnAppend,
		Logger:       a.log,
	}
	if a.cfg.Queue.JournalDir != "" {
		lc.JournalPath = filepath.Join(a.cfg.Queue.JournalDir, name+".journal")
	}
	return lc
}

func (a *app) openBlobs(ctx context.Context) error {
	bc := a.cfg.Blob
	switch bc.Backend {
	case config.BlobMemory:
		a.blobs = blob.NewMemory(nil)
	case config.BlobFS:
		fs, err := blob.NewFS(bc.Dir, nil)
		if err != nil {
			return err
		}
		a.blobs = fs
	case config.BlobSQLite, config.BlobPostgres:
		driver := blob.DriverSQLite
		if bc.Backend == config.BlobPostgres {
			driver = blob.DriverPostgres
		}
		store, err := blob.OpenSQL(ctx, blob.SQLConfig{Driver: driver, DSN: bc.DSN, Table: bc.Table}, nil)
		if err != nil {
			return err
		}
		a.blobs = store
	default:
		return fmt.Errorf("unknown blob backend %q", bc.Backend)
	}
	return nil
}

func (a *app) buildExecutor() error {
	ec := a.cfg.Executor
	switch ec.Kind {
	case config.ExecutorEcho:
		a.execute = executor.Echo
	case config.ExecutorHTTP:
		opts := []executor.Option{executor.WithLogger(a.log)}
		if a.cfg.Cache.Enabled {
			opts = append(opts, executor.WithCache(a.cache))
		}
		h, err := executor.NewHTTP(executor.HTTPConfig{Endpoint: ec.Endpoint, Timeout: ec.Timeout}, opts...)
		if err != nil {
			return err
		}
		a.execute = h.Execute
	default:
		return fmt.Errorf("unknown executor kind %q", ec.Kind)
	}
	return nil
}

// cleanup 執行一次結果與快取的過期清理
func (a *app) cleanup(ctx context.Context) (resultsDeleted, cacheDeleted int, err error) {
	resultsDeleted, rerr := a.results.CleanupExpired(ctx)
	cacheDeleted, cerr := a.cache.CleanupExpired(ctx)
	return resultsDeleted, cacheDeleted, errors.Join(rerr, cerr)
}

// Close 等待背景工作並關閉所有資源
func (a *app) Close() error {
	if a.queue != nil {
		a.queue.Wait()
	}
	if a.cache != nil {
		a.cache.Wait()
	}
	var errs []error
	for _, c := range []interface{ Close() error }{a.main, a.dead, a.blobs} {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
