package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/mosync/backend/internal/ids"
	"github.com/mosync/backend/internal/syncerr"
	"github.com/mosync/backend/internal/transport"
	"github.com/mosync/backend/internal/wire"
)

// LoadTestConfig holds load test parameters.
type LoadTestConfig struct {
	Server         string
	Devices        int
	Stores         int
	Events         int
	BatchSize      int
	MaxRetries     int
	ReportInterval time.Duration
}

// LoadTestStats tracks test metrics. Counter fields are updated atomically
// by the device goroutines.
type LoadTestStats struct {
	Pushes         atomic.Uint64
	AcceptedEvents atomic.Uint64
	Conflicts      atomic.Uint64
	Retries        atomic.Uint64
	Errors         atomic.Uint64

	TotalDuration       time.Duration
	ThroughputPerSecond float64
	AvgLatency          time.Duration
	MinLatency          time.Duration
	MaxLatency          time.Duration
	P95Latency          time.Duration
	P99Latency          time.Duration
}

func main() {
	_ = godotenv.Load()

	server := flag.String("server", envOr("MOSYNC_URL", "http://localhost:8787"), "sync server base URL")
	devices := flag.Int("devices", 20, "concurrent simulated devices")
	stores := flag.Int("stores", 5, "stores shared by the devices (fewer stores = more head conflicts)")
	events := flag.Int("events", 2000, "total events to push")
	batch := flag.Int("batch", 10, "events per push")
	retries := flag.Int("retries", 5, "push retries after a head conflict")
	report := flag.Duration("report", 5*time.Second, "stats reporting interval")
	flag.Parse()

	config := LoadTestConfig{
		Server:         *server,
		Devices:        *devices,
		Stores:         *stores,
		Events:         *events,
		BatchSize:      *batch,
		MaxRetries:     *retries,
		ReportInterval: *report,
	}

	slog.Info("starting sync load test",
		"server", config.Server,
		"devices", config.Devices,
		"stores", config.Stores,
		"events", config.Events,
		"batch", config.BatchSize)

	stats, fleet, err := runLoadTest(config)
	if err != nil {
		slog.Error("load test failed", "err", err)
		os.Exit(1)
	}

	printResults(stats)

	if err := verifyStores(config, fleet, stats); err != nil {
		slog.Error("verification failed", "err", err)
		os.Exit(1)
	}
}

// storeState is the shared target of several devices: one server store, one
// symmetric key all its devices encrypt with, and the last head any of them
// saw, so pushes claim a plausible expectedHead instead of always colliding.
type storeState struct {
	id       ids.StoreID
	key      []byte
	accepted atomic.Uint64
	head     atomic.Uint64
}

// device simulates one client: its own aggregates, its own version
// counters, pushing AEAD-sealed events and riding out head conflicts the
// way the real engine does.
type device struct {
	id      ids.DeviceID
	client  *transport.Client
	store   *storeState
	version uint64 // per-device aggregate, so only heads conflict
}

func runLoadTest(config LoadTestConfig) (*LoadTestStats, []*storeState, error) {
	token := os.Getenv("MOSYNC_SESSION_TOKEN")

	probe := transport.NewClient(config.Server, token)
	pingCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := probe.Health(pingCtx)
	cancel()
	if err != nil {
		return nil, nil, fmt.Errorf("server not reachable: %w", err)
	}

	fleet := make([]*storeState, config.Stores)
	for i := range fleet {
		key := make([]byte, chacha20poly1305.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, nil, fmt.Errorf("generate store key: %w", err)
		}
		fleet[i] = &storeState{id: ids.NewStoreID(), key: key}
	}

	stats := &LoadTestStats{MinLatency: time.Hour}
	var latencies []time.Duration
	var latenciesMu sync.Mutex

	ctx, cancelReport := context.WithCancel(context.Background())
	defer cancelReport()
	go reportStats(ctx, stats, config.ReportInterval)

	// Each device drains batches from a shared budget, like a fleet of
	// clients flushing their pending queues.
	batchChan := make(chan int, config.Events/config.BatchSize+1)
	remaining := config.Events
	for remaining > 0 {
		n := config.BatchSize
		if n > remaining {
			n = remaining
		}
		batchChan <- n
		remaining -= n
	}
	close(batchChan)

	var wg sync.WaitGroup
	startTime := time.Now()
	for i := 0; i < config.Devices; i++ {
		d := &device{
			id:     ids.DeviceID(fmt.Sprintf("device-%03d", i)),
			client: transport.NewClient(config.Server, token),
			store:  fleet[i%len(fleet)],
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := range batchChan {
				latency, err := d.pushBatch(context.Background(), n, config.MaxRetries, stats)
				if err != nil {
					stats.Errors.Add(1)
					slog.Warn("push batch failed", "device", d.id, "err", err)
					continue
				}
				latenciesMu.Lock()
				latencies = append(latencies, latency)
				if latency > stats.MaxLatency {
					stats.MaxLatency = latency
				}
				if latency < stats.MinLatency {
					stats.MinLatency = latency
				}
				latenciesMu.Unlock()
			}
		}()
	}

	wg.Wait()
	stats.TotalDuration = time.Since(startTime)
	stats.ThroughputPerSecond = float64(stats.AcceptedEvents.Load()) / stats.TotalDuration.Seconds()

	latenciesMu.Lock()
	if len(latencies) > 0 {
		stats.AvgLatency = calculateAverage(latencies)
		stats.P95Latency = calculatePercentile(latencies, 95)
		stats.P99Latency = calculatePercentile(latencies, 99)
	}
	latenciesMu.Unlock()

	return stats, fleet, nil
}

// pushBatch seals and pushes n events, retrying through head conflicts.
// Retrying the same batch is safe: the server deduplicates by eventId.
func (d *device) pushBatch(ctx context.Context, n, maxRetries int, stats *LoadTestStats) (time.Duration, error) {
	batch := make([]transport.PushEvent, n)
	for i := range batch {
		d.version++
		ev, err := d.sealEvent(d.version)
		if err != nil {
			return 0, err
		}
		batch[i] = ev
	}

	// Claim the last head any device of this store saw. A miss reports the
	// real head, the same signal the engine acts on; genuine races between
	// devices still conflict, which is the point of sharing stores.
	expectedHead := ids.Seq(d.store.head.Load())
	start := time.Now()
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		res, err := d.client.Push(ctx, d.store.id, expectedHead, batch)
		cancel()
		stats.Pushes.Add(1)
		if err != nil {
			return 0, err
		}
		d.store.head.Store(res.Head)
		if res.OK {
			stats.AcceptedEvents.Add(uint64(len(res.Assigned)))
			d.store.accepted.Add(uint64(len(res.Assigned)))
			return time.Since(start), nil
		}

		stats.Conflicts.Add(1)
		if res.Reason != syncerr.ReasonServerAhead {
			return 0, fmt.Errorf("push rejected: %s", res.Reason)
		}
		if attempt >= maxRetries {
			return 0, fmt.Errorf("head conflict persisted after %d attempts", attempt+1)
		}
		stats.Retries.Add(1)
		expectedHead = res.Head
	}
}

// plainEvent is the plaintext a real client would encrypt before syncing.
type plainEvent struct {
	Text   string `json:"text"`
	Device string `json:"device"`
	N      uint64 `json:"n"`
}

func (d *device) sealEvent(version uint64) (transport.PushEvent, error) {
	plaintext, err := json.Marshal(plainEvent{
		Text:   "load test payload",
		Device: string(d.id),
		N:      version,
	})
	if err != nil {
		return transport.PushEvent{}, err
	}

	sealed, err := seal(d.store.key, plaintext)
	if err != nil {
		return transport.PushEvent{}, err
	}

	id := ids.NewEventID()
	rec, err := wire.Record{
		ID:                string(id),
		AggregateType:     "note",
		AggregateID:       fmt.Sprintf("note-%s", d.id),
		Version:           version,
		EventType:         "noted",
		PayloadCiphertext: sealed,
		OccurredAt:        time.Now().UTC().Format(time.RFC3339Nano),
		AuthorDeviceID:    string(d.id),
		SigSuite:          "aead-1",
	}.Encode()
	if err != nil {
		return transport.PushEvent{}, err
	}

	return transport.PushEvent{
		EventID:        string(id),
		RecordJSON:     rec,
		AuthorDeviceID: string(d.id),
	}, nil
}

// seal encrypts with XChaCha20-Poly1305 and packs nonce||ciphertext as
// base64, the envelope format the simulated clients agree on.
func seal(key, plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func open(key []byte, envelope string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(envelope)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(raw) < aead.NonceSize() {
		return nil, fmt.Errorf("envelope shorter than a nonce")
	}
	return aead.Open(nil, raw[:aead.NonceSize()], raw[aead.NonceSize():], nil)
}

// verifyStores pulls every store back and checks that the server holds
// exactly what it acknowledged, and that the payloads still decrypt.
func verifyStores(config LoadTestConfig, fleet []*storeState, stats *LoadTestStats) error {
	token := os.Getenv("MOSYNC_SESSION_TOKEN")
	client := transport.NewClient(config.Server, token)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	fmt.Println("verifying stores against the server...")
	for _, st := range fleet {
		var since uint64
		var got uint64
		var decrypted bool
		for {
			res, err := client.Pull(ctx, st.id, since, 1000, 0)
			if err != nil {
				return fmt.Errorf("pull %s: %w", st.id, err)
			}
			got += uint64(len(res.Events))

			if !decrypted && len(res.Events) > 0 {
				rec, err := wire.DecodeRecord(res.Events[0].EventID, res.Events[0].RecordJSON)
				if err != nil {
					return fmt.Errorf("decode %s: %w", res.Events[0].EventID, err)
				}
				if _, err := open(st.key, rec.PayloadCiphertext); err != nil {
					return fmt.Errorf("decrypt %s: %w", res.Events[0].EventID, err)
				}
				decrypted = true
			}

			if res.NextSince != nil {
				since = *res.NextSince
			}
			if !res.HasMore {
				break
			}
		}
		want := st.accepted.Load()
		if got != want {
			return fmt.Errorf("store %s holds %d events, acknowledged %d", st.id, got, want)
		}
		fmt.Printf("  store %s  events=%-6d decrypt=ok\n", st.id, got)
	}
	fmt.Printf("all %d stores verified, %d events total\n",
		len(fleet), stats.AcceptedEvents.Load())
	return nil
}

func reportStats(ctx context.Context, stats *LoadTestStats, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			slog.Info("progress",
				"pushes", stats.Pushes.Load(),
				"accepted", stats.AcceptedEvents.Load(),
				"conflicts", stats.Conflicts.Load(),
				"retries", stats.Retries.Load(),
				"errors", stats.Errors.Load())
		case <-ctx.Done():
			return
		}
	}
}

func printResults(stats *LoadTestStats) {
	separator := "================================================================================"
	divider := "--------------------------------------------------------------------------------"

	fmt.Println("\n" + separator)
	fmt.Println("SYNC LOAD TEST RESULTS")
	fmt.Println(separator)
	fmt.Printf("Pushes:                 %d\n", stats.Pushes.Load())
	fmt.Printf("Accepted Events:        %d\n", stats.AcceptedEvents.Load())
	fmt.Printf("Head Conflicts:         %d\n", stats.Conflicts.Load())
	fmt.Printf("Retries:                %d\n", stats.Retries.Load())
	fmt.Printf("Errors:                 %d\n", stats.Errors.Load())
	fmt.Println(divider)
	fmt.Printf("Total Duration:         %v\n", stats.TotalDuration.Round(time.Millisecond))
	fmt.Printf("Throughput:             %.2f events/sec\n", stats.ThroughputPerSecond)
	fmt.Println(divider)
	fmt.Printf("Push Latency (min):     %v\n", stats.MinLatency)
	fmt.Printf("Push Latency (avg):     %v\n", stats.AvgLatency)
	fmt.Printf("Push Latency (p95):     %v\n", stats.P95Latency)
	fmt.Printf("Push Latency (p99):     %v\n", stats.P99Latency)
	fmt.Printf("Push Latency (max):     %v\n", stats.MaxLatency)
	fmt.Println(separator)

	if stats.Errors.Load() == 0 {
		fmt.Println("PASS: no push errors")
	} else {
		fmt.Println("FAIL: push errors occurred")
	}
	if stats.P95Latency < 250*time.Millisecond {
		fmt.Println("PASS: p95 push latency under 250ms")
	} else {
		fmt.Println("WARN: p95 push latency above 250ms")
	}
	fmt.Println(separator + "\n")
}

func calculateAverage(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	return total / time.Duration(len(latencies))
}

func calculatePercentile(latencies []time.Duration, percentile int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := len(sorted) * percentile / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
