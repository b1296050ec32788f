// Command loadtest hammers a running cloud with concurrent parking cycles
// (suggest, enter, exit) and reports entry-mutation latency percentiles.
// Refusals are counted apart from errors: on a crowded lot a 409 is the
// system working, not breaking.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/parkgrid/parking/pkg/cloudapi"
)

type stats struct {
	cycles    atomic.Uint64
	committed atomic.Uint64
	refused   atomic.Uint64
	errors    atomic.Uint64

	mu        sync.Mutex
	latencies []time.Duration
	min, max  time.Duration
}

func (s *stats) observe(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencies = append(s.latencies, d)
	if d < s.min {
		s.min = d
	}
	if d > s.max {
		s.max = d
	}
}

func main() {
	cloudURL := flag.String("cloud", envOr("CLOUD_API", "http://localhost:8000"), "cloud base URL")
	token := flag.String("token", os.Getenv("SECRET_TOKEN"), "API token")
	vehicles := flag.Int("vehicles", 500, "number of parking cycles to run")
	concurrency := flag.Int("concurrency", 20, "concurrent lanes")
	entryGate := flag.String("entry", "GATE01", "entry gate id")
	exitGate := flag.String("exit", "GATE02", "exit gate id")
	report := flag.Duration("report", 5*time.Second, "progress report interval")
	flag.Parse()

	client := cloudapi.NewClient(cloudapi.Config{
		BaseURL: *cloudURL,
		Token:   *token,
		Timeout: 10 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.Health(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cloud unreachable at %s: %v\n", *cloudURL, err)
		os.Exit(1)
	}

	fmt.Printf("loadtest: %d cycles, %d lanes, %s -> %s via %s\n",
		*vehicles, *concurrency, *entryGate, *exitGate, *cloudURL)

	st := &stats{min: time.Hour}
	go reportProgress(ctx, st, *report)

	work := make(chan int, *vehicles)
	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for n := range work {
				plate := fmt.Sprintf("LT-%02d-%04d", worker, n)
				runCycle(ctx, client, *entryGate, *exitGate, plate, st)
			}
		}(w)
	}
	for n := 0; n < *vehicles; n++ {
		work <- n
	}
	close(work)
	wg.Wait()
	cancel()

	printResults(st, time.Since(start))
}

// runCycle walks one vehicle through the lot: ask for a reserved slot,
// enter on it, leave again. Entry latency is the tracked number because the
// entry mutation is where row locks and reservations collide.
func runCycle(ctx context.Context, client *cloudapi.Client, entryGate, exitGate, plate string, st *stats) {
	st.cycles.Add(1)

	sug, err := client.SuggestSlot(ctx, entryGate, true)
	if err != nil {
		record(st, err)
		return
	}

	start := time.Now()
	_, err = client.VehicleIn(ctx, cloudapi.InEvent{
		EventID: uuid.NewString(),
		GateID:  entryGate,
		SlotID:  sug.SlotID,
		Plate:   plate,
	})
	st.observe(time.Since(start))
	if err != nil {
		record(st, err)
		return
	}

	if _, err := client.VehicleOut(ctx, cloudapi.OutEvent{
		EventID: uuid.NewString(),
		GateID:  exitGate,
		Plate:   plate,
	}); err != nil {
		record(st, err)
		return
	}
	st.committed.Add(1)
}

// record buckets a failed cycle: an answered rejection is a refusal, a
// transport problem or 5xx is an error.
func record(st *stats, err error) {
	if cloudapi.IsTransient(err) {
		st.errors.Add(1)
		return
	}
	st.refused.Add(1)
}

func reportProgress(ctx context.Context, st *stats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fmt.Printf("progress: %d cycles | %d committed | %d refused | %d errors\n",
				st.cycles.Load(), st.committed.Load(), st.refused.Load(), st.errors.Load())
		}
	}
}

func printResults(st *stats, elapsed time.Duration) {
	st.mu.Lock()
	lat := make([]time.Duration, len(st.latencies))
	copy(lat, st.latencies)
	min, max := st.min, st.max
	st.mu.Unlock()
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })

	cycles := st.cycles.Load()
	committed := st.committed.Load()
	errors := st.errors.Load()
	if cycles == 0 {
		fmt.Println("no cycles ran")
		return
	}

	separator := "================================================================"
	fmt.Println("\n" + separator)
	fmt.Println("LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Cycles:            %d in %v (%.1f/sec)\n",
		cycles, elapsed.Round(time.Millisecond), float64(cycles)/elapsed.Seconds())
	fmt.Printf("Committed:         %d (%.1f%%)\n", committed, pct(committed, cycles))
	fmt.Printf("Refused (4xx):     %d (%.1f%%)\n", st.refused.Load(), pct(st.refused.Load(), cycles))
	fmt.Printf("Errors:            %d (%.1f%%)\n", errors, pct(errors, cycles))
	if len(lat) > 0 {
		fmt.Printf("Entry latency:     min=%v avg=%v p95=%v p99=%v max=%v\n",
			min.Round(time.Microsecond), average(lat).Round(time.Microsecond),
			percentile(lat, 95).Round(time.Microsecond), percentile(lat, 99).Round(time.Microsecond),
			max.Round(time.Microsecond))
	}
	fmt.Println(separator)

	if errors == 0 {
		fmt.Println("✅ PASS: no transport errors")
	} else if pct(errors, cycles) < 5 {
		fmt.Println("⚠️  WARN: transport errors under 5%")
	} else {
		fmt.Println("❌ FAIL: transport error rate at or above 5%")
	}
	if p95 := percentile(lat, 95); p95 > 0 && p95 < 250*time.Millisecond {
		fmt.Println("✅ PASS: entry p95 under 250ms")
	} else if p95 > 0 {
		fmt.Println("⚠️  WARN: entry p95 at or above 250ms")
	}
}

func pct(part, whole uint64) float64 {
	return float64(part) / float64(whole) * 100
}

func average(sorted []time.Duration) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	return total / time.Duration(len(sorted))
}

func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
