// vqbench drives an in-process loopback device: a host simulator in
// echo mode on one side, the guest driver on the other. It measures
// round-trip throughput and latency of the command path under
// configurable concurrency and payload size.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/vqwire/vqwire/internal/guest"
	"github.com/vqwire/vqwire/internal/hostsim"
	"github.com/vqwire/vqwire/internal/vring"
	"github.com/vqwire/vqwire/internal/wire"
)

func main() {
	configPath := flag.String("config", "", "device config YAML (optional)")
	calls := flag.Int("n", 10000, "total round trips")
	workers := flag.Int("workers", 8, "concurrent callers")
	payload := flag.Int("payload", 64, "payload bytes per call")
	queue := flag.Int("queue", 16, "ring descriptor count")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(*configPath, *calls, *workers, *payload, *queue); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, calls, workers, payload, queue int) error {
	var cfg guest.Config
	if configPath != "" {
		var err error
		cfg, err = guest.LoadConfig(configPath)
		if err != nil {
			return err
		}
	} else {
		cfg.Name = "vqbench0"
		cfg.QueueSize = queue
		cfg.ApplyDefaults()
	}

	cmdRing := vring.NewMemRing(cfg.QueueSize)
	evtRing := vring.NewMemRing(cfg.QueueSize)

	host := hostsim.New(cmdRing, evtRing, slog.Default())
	host.SetEcho(true)
	host.Start()
	defer host.Close()

	dev, err := guest.Open(cfg, cmdRing, evtRing, slog.Default())
	if err != nil {
		return err
	}
	defer dev.Close()

	fmt.Printf("Loopback echo: %d calls, %d workers, %d-byte payload, %d-slot rings\n",
		calls, workers, payload, cfg.QueueSize)

	pb := progressbar.Default(int64(calls))

	var mu sync.Mutex
	latencies := make([]time.Duration, 0, calls)

	perWorker := calls / workers
	start := time.Now()

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		n := perWorker
		if w == 0 {
			n += calls % workers
		}
		g.Go(func() error {
			v, err := dev.NewVFD(context.Background(), wire.FlagRead|wire.FlagWrite, 0)
			if err != nil {
				return err
			}
			defer v.Close()

			msg := make([]byte, payload)
			buf := make([]byte, payload)
			local := make([]time.Duration, 0, n)
			for i := 0; i < n; i++ {
				t0 := time.Now()
				if err := v.Send(context.Background(), msg, nil); err != nil {
					return fmt.Errorf("send: %w", err)
				}
				if _, _, err := v.Recv(context.Background(), buf); err != nil {
					return fmt.Errorf("recv: %w", err)
				}
				local = append(local, time.Since(t0))
				pb.Add(1)
			}
			mu.Lock()
			latencies = append(latencies, local...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	fmt.Printf("\n%d round trips in %v (%.0f/s)\n",
		calls, elapsed.Round(time.Millisecond), float64(calls)/elapsed.Seconds())
	fmt.Printf("latency p50=%v p99=%v max=%v\n",
		latencies[len(latencies)/2],
		latencies[len(latencies)*99/100],
		latencies[len(latencies)-1])

	if pending := dev.Pending(); pending != 0 {
		return fmt.Errorf("%d commands still in flight after drain", pending)
	}
	return nil
}
