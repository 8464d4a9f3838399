package main

import (
	"errors"
	"io"
	stlog "log" // Renamed standard log
	"log/slog"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/alecthomas/kong"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shehackedyou/molangcomplete"
)

// App version (set via linker flags -ldflags="-X main.appVersion=...")
var appVersion = "dev"

var cli struct {
	LogFile   string `name:"log-file" default:"molang-lsp.log" type:"path" help:"Path of the server log file"`
	DebugAddr string `name:"debug-addr" default:"localhost:6062" help:"Listen address for pprof, expvar and metrics; empty disables"`
	Stdio     bool   `hidden:"" help:"Accepted for editor compatibility; stdio is the only transport"`
}

func main() {
	kong.Parse(&cli,
		kong.Name("molang-lsp"),
		kong.Description("MoLang language server over stdio"),
	)

	// --- Basic Setup ---
	logFile, err := os.OpenFile(cli.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0660)
	if err != nil {
		stlog.Fatalf("Failed to open log file: %v", err)
	}
	defer logFile.Close()

	// stdout carries the protocol, so logs go to stderr and the file.
	logWriter := io.MultiWriter(os.Stderr, logFile)
	tempLogger := slog.New(slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: slog.LevelInfo}))

	// --- Initialize Core Service ---
	service, initErr := molangcomplete.NewService(tempLogger)
	if initErr != nil {
		tempLogger.Error("Failed to initialize MoLang service", "error", initErr)
		if !errors.Is(initErr, molangcomplete.ErrConfig) {
			os.Exit(1)
		}
		if service == nil {
			tempLogger.Error("MoLang service initialization returned nil unexpectedly, exiting.")
			os.Exit(1)
		}
	}
	defer func() {
		slog.Info("Closing MoLang service...")
		if err := service.Close(); err != nil {
			slog.Error("Error closing service", "error", err)
		}
	}()

	// --- Setup Global Logger ---
	initialConfig := service.GetCurrentConfig()
	logLevel, parseLevelErr := molangcomplete.ParseLogLevel(initialConfig.LogLevel)
	if parseLevelErr != nil {
		logLevel = slog.LevelInfo
		tempLogger.Warn("Invalid log level in config, using default 'info'", "config_level", initialConfig.LogLevel, "error", parseLevelErr)
	}
	levelVar := new(slog.LevelVar)
	levelVar.Set(logLevel)
	handler := slog.NewTextHandler(logWriter, &slog.HandlerOptions{Level: levelVar, AddSource: true})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("MoLang LSP server starting...", "version", appVersion, "log_level", logLevel.String())
	if initErr != nil {
		slog.Warn("MoLang service initialized with configuration warnings", "error", initErr)
	}
	if schemaErr := service.SchemaLoadError(); schemaErr != nil {
		slog.Warn("Schema unavailable, the client will be notified after initialization", "error", schemaErr)
	}

	// --- Setup Profiling & Metrics ---
	if cli.DebugAddr != "" {
		runtime.SetBlockProfileRate(1)
		runtime.SetMutexProfileFraction(1)
		slog.Info("Enabled block and mutex profiling")
		startDebugServer(cli.DebugAddr, service)
	}

	// --- Initialize and Run LSP Server ---
	lspServer := molangcomplete.NewServer(service, logger, appVersion)
	lspServer.SetLogLevelVar(levelVar)
	lspServer.Run(os.Stdin, os.Stdout)

	slog.Info("LSP server has shut down gracefully.")
}

// startDebugServer serves pprof, expvar and the service's Prometheus registry.
func startDebugServer(addr string, service *molangcomplete.Service) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Mount("/debug", middleware.Profiler()) // /debug/pprof/* and /debug/vars
	r.Handle("/metrics", promhttp.HandlerFor(service.Metrics().Registry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("Starting debug server for pprof/expvar/metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Debug server failed", "error", err)
		}
	}()
}
