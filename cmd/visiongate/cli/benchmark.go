package cli

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/visiongate/visiongate/internal/model"
	"github.com/visiongate/visiongate/internal/service"
)

func newBenchmarkCmd() *cobra.Command {
	var (
		concurrency int
		events      int
		keep        bool
	)

	cmd := &cobra.Command{
		Use:   "benchmark",
		Short: "Benchmark key validation and usage logging against the key store",
		Long: `Run a load test against the configured key store. A temporary key is created,
validated and logged concurrently, and the final usage counter is checked for
lost increments. The key is deleted afterwards unless --keep is given.`,
		Example: `  visiongate benchmark --concurrency 50 --events 200
  visiongate benchmark --store memory
  VISIONGATE_STORE_DRIVER=postgres VISIONGATE_STORE_DSN=postgres://localhost/gate visiongate benchmark`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if concurrency <= 0 || events <= 0 {
				return fmt.Errorf("--concurrency and --events must be positive")
			}
			return runBenchmark(concurrency, events, keep)
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 10, "Number of concurrent workers")
	cmd.Flags().IntVar(&events, "events", 100, "Usage events per worker")
	cmd.Flags().BoolVar(&keep, "keep", false, "Keep the benchmark key afterwards")

	return cmd
}

// phaseResult collects per-operation latencies of one benchmark phase.
type phaseResult struct {
	ops       atomic.Int64
	errors    atomic.Int64
	mu        sync.Mutex
	latencies []time.Duration
	elapsed   time.Duration
}

func (p *phaseResult) record(d time.Duration, err error) {
	if err != nil {
		p.errors.Add(1)
		return
	}
	p.ops.Add(1)
	p.mu.Lock()
	p.latencies = append(p.latencies, d)
	p.mu.Unlock()
}

func (p *phaseResult) print(title string) {
	fmt.Println(title)
	fmt.Println("-------------------")
	ops := p.ops.Load()
	fmt.Printf("  Operations:     %d\n", ops)
	fmt.Printf("  Errors:         %d\n", p.errors.Load())
	fmt.Printf("  Ops/sec:        %.1f\n", float64(ops)/p.elapsed.Seconds())
	if len(p.latencies) > 0 {
		sort.Slice(p.latencies, func(i, j int) bool {
			return p.latencies[i] < p.latencies[j]
		})
		fmt.Printf("  Latency p50:    %s\n", p.latencies[len(p.latencies)*50/100])
		fmt.Printf("  Latency p95:    %s\n", p.latencies[len(p.latencies)*95/100])
		fmt.Printf("  Latency p99:    %s\n", p.latencies[len(p.latencies)*99/100])
		fmt.Printf("  Latency max:    %s\n", p.latencies[len(p.latencies)-1])
	}
	fmt.Println()
}

// runPhase runs fn concurrency*events times across concurrency workers.
func runPhase(concurrency, events int, fn func(worker, i int) error) *phaseResult {
	res := &phaseResult{latencies: make([]time.Duration, 0, concurrency*events)}
	start := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < events; i++ {
				t := time.Now()
				err := fn(worker, i)
				res.record(time.Since(t), err)
			}
		}(w)
	}
	wg.Wait()

	res.elapsed = time.Since(start)
	return res
}

// memStats captures a snapshot of memory statistics for reporting.
type memStats struct {
	HeapAlloc uint64
	Sys       uint64
}

func captureMemStats() memStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return memStats{HeapAlloc: m.HeapAlloc, Sys: m.Sys}
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

func runBenchmark(concurrency, events int, keep bool) error {
	ctx := context.Background()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	keys, ks, err := openKeyManager(ctx)
	if err != nil {
		return err
	}
	defer ks.Close()

	fmt.Print(banner)
	fmt.Println("VisionGate Benchmark")
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("Store: %s | Concurrency: %d | Events/worker: %d\n", cfg.Store.Driver, concurrency, events)
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	memBefore := captureMemStats()

	fmt.Print("Creating benchmark key... ")
	rawKey, err := keys.GenerateAPIKey(ctx, "benchmark", fmt.Sprintf("benchmark %s", time.Now().Format(time.RFC3339)),
		service.WithPermissions(model.PermClassify), service.WithExpiryDays(1))
	if err != nil {
		return fmt.Errorf("create benchmark key: %w", err)
	}
	fmt.Println("ok")
	if !keep {
		defer keys.DeleteAPIKey(ctx, rawKey)
	}
	fmt.Println()

	validate := runPhase(concurrency, events, func(_, _ int) error {
		id, err := keys.Validate(ctx, rawKey)
		if err == nil && id == nil {
			err = fmt.Errorf("benchmark key rejected")
		}
		return err
	})
	validate.print("Key validation")

	logging := runPhase(concurrency, events, func(worker, _ int) error {
		keys.LogAPIUsage(ctx, rawKey, fmt.Sprintf("10.0.%d.%d", worker/256, worker%256), "/api/v1/classify", 200)
		return nil
	})
	logging.print("Usage logging")

	memAfter := captureMemStats()

	info, err := keys.LookupKey(ctx, rawKey)
	if err != nil {
		return fmt.Errorf("load benchmark key: %w", err)
	}
	want := int64(concurrency * events)

	fmt.Println("Consistency")
	fmt.Println("-----------")
	fmt.Printf("  Usage events:   %d\n", want)
	fmt.Printf("  Usage counter:  %d\n", info.UsageCount)

	fmt.Println()
	fmt.Println("Memory")
	fmt.Println("------")
	fmt.Printf("  Heap before:    %s\n", formatBytes(memBefore.HeapAlloc))
	fmt.Printf("  Heap after:     %s\n", formatBytes(memAfter.HeapAlloc))
	fmt.Printf("  RSS (sys) before: %s\n", formatBytes(memBefore.Sys))
	fmt.Printf("  RSS (sys) after:  %s\n", formatBytes(memAfter.Sys))

	if info.UsageCount != want {
		return fmt.Errorf("lost usage increments: counter %d, expected %d", info.UsageCount, want)
	}
	return nil
}
