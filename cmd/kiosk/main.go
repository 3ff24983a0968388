// Command kiosk runs a reverse vending machine: it talks to the
// microcontroller over serial, classifies inserted items with the camera and
// the inference server, and hands out QR receipts.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/rvm.kiosk/internal/archive"
	"github.com/banshee-data/rvm.kiosk/internal/capture"
	"github.com/banshee-data/rvm.kiosk/internal/classifier"
	"github.com/banshee-data/rvm.kiosk/internal/config"
	"github.com/banshee-data/rvm.kiosk/internal/console"
	"github.com/banshee-data/rvm.kiosk/internal/db"
	"github.com/banshee-data/rvm.kiosk/internal/detection"
	"github.com/banshee-data/rvm.kiosk/internal/kiosk"
	"github.com/banshee-data/rvm.kiosk/internal/metrics"
	"github.com/banshee-data/rvm.kiosk/internal/monitoring"
	"github.com/banshee-data/rvm.kiosk/internal/receipt"
	"github.com/banshee-data/rvm.kiosk/internal/seriallink"
	"github.com/banshee-data/rvm.kiosk/internal/telemetry"
	"github.com/banshee-data/rvm.kiosk/internal/timeutil"
	"github.com/banshee-data/rvm.kiosk/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to a kiosk JSON config file (optional)")
	envPath     = flag.String("env", ".env", "Path to a .env file; a missing file is ignored")
	portFlag    = flag.String("port", "", "Serial port, or auto to discover the board (overrides config)")
	listenFlag  = flag.String("listen", "", "Admin listen address (overrides config, default localhost:8081)")
	dbFlag      = flag.String("db", "", "Ledger database path (overrides config)")
	versionFlag = flag.Bool("version", false, "Print version information and exit")
)

func main() {
	flag.Parse()

	if *versionFlag {
		fmt.Println(version.String())
		return
	}

	cfg, err := loadConfig(*configPath, *envPath, os.LookupEnv)
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}
	applyFlags(cfg, *portFlag, *listenFlag, *dbFlag)

	logFile, err := setupLogging(cfg)
	if err != nil {
		log.Fatalf("logging: %v", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}
	log.Print(version.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Stdin, os.Stdout); err != nil {
		log.Fatalf("kiosk: %v", err)
	}
	log.Printf("Graceful shutdown complete")
}

// loadConfig layers the JSON file (when given) and KIOSK_* variables, with
// the .env file feeding the environment first.
func loadConfig(path, envFile string, lookup func(string) (string, bool)) (*config.KioskConfig, error) {
	if err := config.LoadDotEnv(envFile); err != nil {
		return nil, err
	}

	cfg := config.EmptyKioskConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadKioskConfig(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyFlags lets explicit command-line values win over file and
// environment.
func applyFlags(cfg *config.KioskConfig, port, listen, dbPath string) {
	if port != "" {
		cfg.SerialPort = &port
	}
	if listen != "" {
		cfg.Listen = &listen
	}
	if dbPath != "" {
		cfg.DBPath = &dbPath
	}
}

func setupLogging(cfg *config.KioskConfig) (io.Closer, error) {
	monitoring.SetLevel(monitoring.ParseLevel(cfg.GetLogLevel()))

	path := cfg.GetLogFile()
	if path == "" {
		return nil, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	return f, nil
}

func orchestratorConfig(cfg *config.KioskConfig) kiosk.Config {
	oc := kiosk.DefaultConfig()
	oc.SessionTimeout = cfg.GetSessionTimeout()
	oc.TickInterval = cfg.GetTickInterval()
	oc.ConfirmTimeout = cfg.GetConfirmTimeout()
	oc.ConfirmPoll = cfg.GetConfirmPoll()
	oc.SettleDelay = cfg.GetSettleDelay()
	oc.StartupDelay = cfg.GetStartupDelay()
	return oc
}

func detectionConfig(cfg *config.KioskConfig) detection.Config {
	return detection.Config{
		ShotCount:           cfg.GetShotCount(),
		RejectionThreshold:  cfg.GetRejectionThreshold(),
		AcceptanceThreshold: cfg.GetAcceptanceThreshold(),
	}
}

func run(ctx context.Context, cfg *config.KioskConfig, in io.Reader, out io.Writer) error {
	clock := timeutil.RealClock{}

	ledger, err := db.NewDB(cfg.GetDBPath())
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer ledger.Close()

	m := metrics.New()

	trace := seriallink.NewTrace(seriallink.DefaultTraceSize)
	port := seriallink.ResolvePort(cfg.GetSerialPort())
	log.Printf("using serial port %s", port)
	link := seriallink.New(seriallink.Config{
		Path:       port,
		Options:    seriallink.PortOptions{BaudRate: cfg.GetBaudRate()},
		Attempts:   cfg.GetSerialAttempts(),
		RetryDelay: cfg.GetSerialRetryDelay(),
	}, seriallink.RealOpener(seriallink.DefaultReadTimeout), clock, seriallink.WithTrace(trace))

	camera := capture.New(cfg.GetImageDir(), cfg.GetCaptureCommand(), cfg.GetShotDelay(), clock)
	model := classifier.NewHTTP(cfg.GetClassifierURL(), cfg.GetClassifierMinConfidence(), cfg.GetClassifierTimeout())

	var archiver detection.Archiver
	if endpoint := cfg.GetArchiveEndpoint(); endpoint != "" {
		store, err := archive.Open(ctx, archive.Config{
			Endpoint:  endpoint,
			AccessKey: cfg.GetArchiveAccessKey(),
			SecretKey: cfg.GetArchiveSecretKey(),
			Bucket:    cfg.GetArchiveBucket(),
			UseSSL:    cfg.GetArchiveUseSSL(),
			Prefix:    cfg.GetArchivePrefix(),
		}, clock)
		if err != nil {
			log.Printf("shot archive disabled: %v", err)
		} else {
			archiver = store
		}
	}
	pipeline := detection.NewPipeline(detectionConfig(cfg), camera, model, archiver)

	receipts := receipt.NewService(cfg.GetQRDir(), cfg.GetQRSize(), clock)
	receipts.Expiry = cfg.GetReceiptExpiry()

	opts := []kiosk.Option{
		kiosk.WithCaptureCloser(camera),
		kiosk.WithRecorder(ledger),
		kiosk.WithMetrics(m),
	}
	if broker := cfg.GetMQTTBroker(); broker != "" {
		mirror, err := telemetry.Connect(telemetry.Config{
			Broker:      broker,
			ClientID:    cfg.GetMQTTClientID(),
			Username:    cfg.GetMQTTUsername(),
			Password:    cfg.GetMQTTPassword(),
			TopicPrefix: cfg.GetMQTTTopicPrefix(),
		}, clock)
		if err != nil {
			log.Printf("MQTT mirror disabled: %v", err)
		} else {
			defer mirror.Close()
			opts = append(opts, kiosk.WithMirror(mirror))
		}
	}

	commands := kiosk.NewQueue[kiosk.Command]()
	events := kiosk.NewQueue[kiosk.Event]()
	orch := kiosk.New(orchestratorConfig(cfg), link, pipeline, receipts, clock, commands, events, opts...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	var runErr error

	// The orchestrator owns the serial link; when it stops, everything else
	// follows.
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		runErr = orch.Run(ctx)
		log.Print("orchestrator routine terminated")
	}()

	front := console.New(in, out, commands, events)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := front.Render(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("console render error: %v", err)
		}
	}()
	// Not waited on: a blocked stdin read cannot be interrupted.
	go func() {
		if err := front.ReadCommands(ctx); err != nil {
			log.Printf("console input error: %v", err)
		}
	}()

	if addr := cfg.GetListen(); addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		seriallink.AttachAdminRoutes(mux, trace)
		if err := ledger.AttachAdminRoutes(mux); err != nil {
			log.Printf("failed to attach ledger admin routes: %v", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			serveAdmin(ctx, addr, mux)
		}()
	}

	wg.Wait()
	return runErr
}

func serveAdmin(ctx context.Context, addr string, mux *http.ServeMux) {
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("admin server error: %v", err)
		}
	}()
	log.Printf("admin server listening on %s", addr)

	<-ctx.Done()
	log.Println("shutting down admin server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("admin server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("admin server force close error: %v", err)
		}
	}
}
