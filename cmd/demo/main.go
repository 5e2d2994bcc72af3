package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ChuLiYu/fleetbatch/internal/blob"
	"github.com/ChuLiYu/fleetbatch/internal/processor"
	"github.com/ChuLiYu/fleetbatch/internal/queue"
	"github.com/ChuLiYu/fleetbatch/internal/results"
	"github.com/ChuLiYu/fleetbatch/pkg/types"
)

const (
	dataDir   = "data/demo"
	demoJobID = "crash-demo"
	vmCount   = 1000
	batchSize = 25
)

// demo 是一組以本地日誌佇列與檔案系統 blob 組成的節點
type demo struct {
	main, dead *queue.Local
	queue      *queue.Client
	store      *results.Store
	blobs      *blob.FS
	proc       *processor.Processor
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: go run ./cmd/demo <start|recover>")
		os.Exit(1)
	}
	mode := os.Args[1]
	if mode != "start" && mode != "recover" {
		log.Fatalf("unknown mode %q", mode)
	}

	d, err := open()
	if err != nil {
		log.Fatalf("Failed to open demo node: %v", err)
	}
	defer d.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.proc.Start(ctx); err != nil {
		log.Fatalf("Failed to start processor: %v", err)
	}
	fmt.Printf("✓ Processor started (mode: %s)\n", mode)

	switch mode {
	case "start":
		if st, err := d.store.GetJobStatus(ctx, demoJobID); err == nil {
			fmt.Printf("\n⚠️  Found job %s from a previous run (status %s)\n", demoJobID, st.Status)
			fmt.Printf("   Unfinished batches are redelivered once their visibility timeout expires\n")
		} else {
			if err := d.submit(ctx); err != nil {
				log.Fatalf("Failed to submit job: %v", err)
			}
			fmt.Printf("💡 Press Ctrl+C within ~2 seconds to stop with batches in flight\n\n")
		}
	case "recover":
		d.printStatus(ctx, "Status after reopen")
	}

	d.watch(ctx)

	fmt.Println("\n\nStopping gracefully...")
	report, err := d.proc.Stop(context.Background())
	if err != nil {
		log.Printf("stop: %v", err)
	}
	fmt.Printf("✓ Processor stopped (abandoned %d in-flight batches)\n", report.Abandoned)
	d.printStatus(context.Background(), "Final status")
}

func open() (*demo, error) {
	if err := os.MkdirAll(filepath.Join(dataDir, "queue"), 0755); err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	d := &demo{}
	var err error
	d.main, err = queue.NewLocal(queue.LocalConfig{
		Name:        "demo-batches",
		JournalPath: filepath.Join(dataDir, "queue", "demo-batches.journal"),
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	d.dead, err = queue.NewLocal(queue.LocalConfig{
		Name:        "demo-batches-deadletter",
		JournalPath: filepath.Join(dataDir, "queue", "demo-batches-deadletter.journal"),
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	d.blobs, err = blob.NewFS(filepath.Join(dataDir, "blobs"), nil)
	if err != nil {
		return nil, err
	}

	d.queue = queue.NewClient(d.main, d.dead, queue.Config{VisibilityTimeout: 2 * time.Second}, queue.WithLogger(logger))
	d.store = results.New(d.blobs, results.Config{}, results.WithLogger(logger))
	d.proc, err = processor.New(d.queue, d.store, simulateQuery, processor.Config{
		MaxConcurrent: 8,
		PollInterval:  20 * time.Millisecond,
		IdleInterval:  200 * time.Millisecond,
		ShutdownGrace: 100 * time.Millisecond,
	}, processor.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return d, nil
}

// simulateQuery 模擬一次遙測查詢：約 5% 的呼叫失敗並觸發重試
func simulateQuery(ctx context.Context, batch types.Batch) ([]types.Row, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(50+rand.IntN(100)) * time.Millisecond):
	}
	if rand.IntN(20) == 0 {
		return nil, errors.New("telemetry endpoint throttled")
	}
	rows := make([]types.Row, len(batch.WorkItems))
	for i, vm := range batch.WorkItems {
		rows[i] = types.Row{"name": vm, "cpuPercent": rand.Float64() * 100}
	}
	return rows, nil
}

func (d *demo) submit(ctx context.Context) error {
	items := make([]string, vmCount)
	for i := range items {
		items[i] = fmt.Sprintf("vm-%04d", i+1)
	}
	sub, err := processor.Submit(ctx, d.queue, d.store, demoJobID, items, batchSize, types.JobParams{
		TimeRange: types.TimeRange{Start: time.Now().Add(-time.Hour), End: time.Now()},
		Scope:     "demo-subscription",
	})
	if err != nil {
		return err
	}
	fmt.Printf("✓ Submitted job %s: %d VMs in %d batches\n", demoJobID, vmCount, sub.Enqueue.BatchCount)
	return nil
}

// watch 每 200ms 印出進度，直到任務結束或收到訊號
func (d *demo) watch(ctx context.Context) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st, err := d.store.GetJobStatus(ctx, demoJobID)
			if err != nil {
				continue
			}
			ps := d.proc.Stats()
			fmt.Printf("📊 %s: progress=%v active=%d retries=%d dead=%d\n",
				st.Status, st.Progress, ps.Active, ps.Failed, ps.DeadLettered)
			if st.Status == types.StateCompleted || st.Status == types.StateFailed {
				return
			}
		}
	}
}

func (d *demo) printStatus(ctx context.Context, title string) {
	qs, err := d.queue.Stats(ctx)
	if err != nil {
		log.Printf("queue stats: %v", err)
		return
	}
	fmt.Printf("\n📊 %s:\n", title)
	fmt.Printf("  Queued:        %d\n", qs.Queued)
	fmt.Printf("  Dead-lettered: %d\n", qs.DeadLettered)

	agg, err := d.store.AggregateResults(ctx, demoJobID)
	if err != nil {
		if errors.Is(err, results.ErrNotFound) {
			fmt.Printf("  No job yet. Run 'go run ./cmd/demo start' first\n")
		}
		return
	}
	fmt.Printf("  Batches:       %d/%d succeeded\n", agg.Summary.SuccessfulBatches, agg.Summary.TotalBatches)
	fmt.Printf("  Rows:          %d\n", len(agg.Rows))
}

func (d *demo) close() {
	d.queue.Wait()
	_ = d.main.Close()
	_ = d.dead.Close()
	_ = d.blobs.Close()
}
