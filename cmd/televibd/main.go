// televibd is the on-vehicle telemetry daemon: it drives the GSM modem
// over a serial link, collects and forges telemetry packets, signs and
// uploads them through the backend-mediated session handshake, and
// exposes Prometheus metrics and an interactive shell alongside.
//
// This mirrors the shape of the teacher's own cmd/modeminfo - a small
// flag-driven main that wires a serial port, the AT layer, and a task
// loop - generalized from a one-shot diagnostic dump to a long-running
// daemon with several concurrent loops.
package main

import (
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/racetel/televib/collector"
	"github.com/racetel/televib/coordinator"
	"github.com/racetel/televib/metrics"
	"github.com/racetel/televib/serial"
	"github.com/racetel/televib/shell"
	"github.com/racetel/televib/signer"
	"github.com/racetel/televib/telemetry"
	"github.com/racetel/televib/trace"
	"github.com/racetel/televib/uart"
	"github.com/racetel/televib/upload"
	"github.com/racetel/televib/watchdog"
)

var version = "undefined"

const (
	forgerHeartbeatTimeout   = 10 * time.Second
	uploaderHeartbeatTimeout = 5 * time.Minute
	watchdogSweepInterval    = time.Second
	metricsSampleInterval    = time.Second
)

func main() {
	dev := flag.String("d", "/dev/ttyUSB0", "path to modem device")
	baud := flag.Int("b", 115200, "baud rate")
	verbose := flag.Bool("v", false, "log modem interactions")
	keyPath := flag.String("key", "", "path to a PEM-encoded EC private key (a fresh key is generated if empty)")
	apn := flag.String("apn", "internet", "cellular APN")
	resetURL := flag.String("reset-url", "", "backend session-reset endpoint (defaults to the built-in placeholder)")
	packetURL := flag.String("packet-url", "", "backend packet-upload endpoint (defaults to the built-in placeholder)")
	queueCapacity := flag.Int("queue-capacity", 100, "bounded packet queue capacity")
	metricsAddr := flag.String("metrics-addr", ":9120", "address to serve Prometheus metrics on")
	retainedPath := flag.String("retained", "televibd.retained", "path to the retained post-mortem record")
	shellEnabled := flag.Bool("shell", true, "serve the interactive command shell on stdin/stdout")
	vsn := flag.Bool("version", false, "report version and exit")
	flag.Parse()
	if *vsn {
		fmt.Printf("%s %s\n", os.Args[0], version)
		os.Exit(0)
	}

	logger := log.New(os.Stderr, "televibd: ", log.LstdFlags|log.Lmicroseconds)

	sg, err := loadOrGenerateSigner(*keyPath, logger)
	if err != nil {
		logger.Fatalf("signer: %v", err)
	}

	wd, wasPostMortem, err := watchdog.Open(*retainedPath, logger)
	if err != nil {
		logger.Fatalf("watchdog: %v", err)
	}
	if wasPostMortem {
		rec := wd.LastRecord()
		logger.Printf("previous run did not shut down cleanly: status=%d task=%q", rec.Status, rec.TaskNameString())
	}

	port, err := serial.New(*dev, *baud)
	if err != nil {
		logger.Fatalf("serial: %v", err)
	}
	defer port.Close()

	var transport io.ReadWriter = port
	if *verbose {
		transport = trace.New(port, logger)
	}

	u := uart.New(transport)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	coord := coordinator.New(u, u.Chunks(), logger)
	coord.SetInconsistentHook(func() { m.CoordinatorInconsistentTotal.Inc() })

	col := collector.New()
	clock := telemetry.NewSystemClock()
	seq := telemetry.NewSequencer(clock)
	queue := telemetry.NewPacketQueue(*queueCapacity)
	forger := telemetry.NewForger(col, seq, queue, m, logger)

	cfg := upload.DefaultConfig()
	cfg.APN = *apn
	if *resetURL != "" {
		cfg.ResetURL = *resetURL
	}
	if *packetURL != "" {
		cfg.PacketURL = *packetURL
	}
	uploader := upload.New(coord, seq, queue, clock, sg, m, cfg, logger)

	stop := make(chan struct{})
	var wg sync.WaitGroup

	forgerBeat := watchdog.NewHeartbeat("forger", forgerHeartbeatTimeout)
	uploaderBeat := watchdog.NewHeartbeat("uploader", uploaderHeartbeatTimeout)

	wg.Add(1)
	go func() {
		defer wg.Done()
		runForger(forger, forgerBeat, stop)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		uploaderBeat.Beat()
		uploader.Run(stop)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sampleMetrics(col, queue, m, stop)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		checkers := []watchdog.HealthChecker{forgerBeat, uploaderBeat}
		wd.Run(stop, watchdogSweepInterval, checkers, func() {
			logger.Println("watchdog: a task stopped making progress, exiting for supervisor restart")
			os.Exit(1)
		})
	}()

	httpServer := &http.Server{Addr: *metricsAddr, Handler: metrics.Handler(reg)}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("metrics: %v", err)
		}
	}()

	started := time.Now()
	if *shellEnabled {
		sh := shell.New(shell.Dependencies{
			Collector:   col,
			Coordinator: coord,
			Checkers:    func() []watchdog.HealthChecker { return []watchdog.HealthChecker{forgerBeat, uploaderBeat} },
			Started:     started,
			Restart:     func() { os.Exit(1) },
		}, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sh.Run(os.Stdin, os.Stdout, stop)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Println("signal received, shutting down")
	case <-coord.Closed():
		logger.Println("modem link closed, shutting down")
	}

	close(stop)
	_ = httpServer.Close()
	wg.Wait()
}

func runForger(f *telemetry.Forger, beat *watchdog.Heartbeat, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		_, delay := f.Tick()
		beat.Beat()
		select {
		case <-stop:
			return
		case <-time.After(delay):
		}
	}
}

func sampleMetrics(col *collector.Collector, queue *telemetry.PacketQueue, m *metrics.Metrics, stop <-chan struct{}) {
	ticker := time.NewTicker(metricsSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.HeapFreeBytes.Set(float64(col.GetInt("heap_free", 0)))
			m.PacketQueueFillRatio.Set(queue.FillRatio())
		}
	}
}

func loadOrGenerateSigner(path string, logger *log.Logger) (*signer.ECDSASigner, error) {
	if path == "" {
		logger.Println("no -key given, generating an ephemeral signing key")
		return signer.Generate()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("%s: no PEM block found", path)
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	return signer.New(key), nil
}
