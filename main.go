package main

import (
	"bufio"
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"loomwatch/internal/app"
	"loomwatch/internal/audit"
	"loomwatch/internal/auth"
	catalogapp "loomwatch/internal/catalog/application"
	catalogxlsx "loomwatch/internal/catalog/infrastructure/xlsx"
	cataloghttp "loomwatch/internal/catalog/interfaces/http"
	compaction "loomwatch/internal/compaction/application"
	"loomwatch/internal/config"
	machineapp "loomwatch/internal/machines/application"
	machines "loomwatch/internal/machines/domain"
	machinehttp "loomwatch/internal/machines/interfaces/http"
	"loomwatch/internal/notify"
	"loomwatch/internal/observability/metrics"
	rollupapp "loomwatch/internal/rollup/application"
	rollupinterfaces "loomwatch/internal/rollup/interfaces"
	"loomwatch/internal/telemetry/interfaces/device"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)
	cfg, err := config.Load("")
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := app.OpenStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("storage error: %v", err)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Printf("storage close error: %v", err)
		}
	}()
	logger.Printf("storage driver=%s rollup_source=%s", stores.Driver, cfg.RollupSource())

	metrics.Init(stores.DB, logger)

	hub := notify.NewHub(cfg.Notify.QueueSize, logger)
	publishers := []notify.Publisher{hub}
	if cfg.Notify.NATSURL != "" {
		natsPublisher, err := notify.NewNATSPublisher(cfg.Notify.NATSURL, cfg.Notify.NATSSubject, logger)
		if err != nil {
			logger.Printf("nats disabled: %v", err)
		} else {
			defer natsPublisher.Close()
			publishers = append(publishers, natsPublisher)
		}
	}

	ingestService, err := machineapp.NewIngestService(
		stores.Raw,
		stores.Machines,
		stores.Materials,
		stores.Rollups,
		logger,
		machineapp.WithNotifier(notify.NewMultiPublisher(publishers...)),
		machineapp.WithClassifier(machines.NewClassifier(cfg.Engine.QuotaUnits, cfg.Engine.LookbackWindow)),
		machineapp.WithRollupSource(cfg.RollupSource()),
	)
	if err != nil {
		logger.Fatalf("ingest service error: %v", err)
	}

	compactor, err := compaction.NewCompactor(
		stores.Raw,
		stores.Machines,
		stores.Materials,
		stores.Rollups,
		logger,
		compaction.WithDelay(cfg.Compaction.Delay),
		compaction.WithSource(cfg.RollupSource()),
	)
	if err != nil {
		logger.Fatalf("compactor error: %v", err)
	}
	scheduler := compaction.NewScheduler(compactor, ingestService, cfg.Compaction.Minute, cfg.Compaction.DailyResetAt, logger)
	go scheduler.Start(ctx)

	if cfg.Catalog.File != "" {
		loader, err := catalogapp.NewLoader(catalogxlsx.ReadFile, logger, []catalogapp.Replacer{stores.Materials}, catalogapp.WithBroadcaster(hub))
		if err != nil {
			logger.Fatalf("catalog loader error: %v", err)
		}
		count, err := loader.LoadFile(ctx, cfg.Catalog.File)
		if err != nil {
			logger.Printf("catalog load error: %v", err)
		} else {
			logger.Printf("catalog loaded materials=%d file=%s", count, cfg.Catalog.File)
		}
		if cfg.Catalog.Watch {
			go func() {
				if err := loader.Watch(ctx, cfg.Catalog.File); err != nil {
					logger.Printf("catalog watch error: %v", err)
				}
			}()
		}
	}

	queryService, err := rollupapp.NewQueryService(stores.Rollups)
	if err != nil {
		logger.Fatalf("rollup query service error: %v", err)
	}

	ingestHandler, err := device.NewIngestHandler(ingestService, logger)
	if err != nil {
		logger.Fatalf("ingest handler error: %v", err)
	}
	registrationHandler, err := device.NewRegistrationHandler(ingestService, device.Firmware{
		APIVersion:      cfg.Firmware.APIVersion,
		Version:         cfg.Firmware.Version,
		DownloadPattern: cfg.Firmware.DownloadURL,
		Changelog:       cfg.Firmware.Changelog,
	}, logger)
	if err != nil {
		logger.Fatalf("registration handler error: %v", err)
	}
	var auditLogger audit.Logger = audit.NewLogWriter(logger)
	if stores.DB != nil {
		auditLogger = audit.NewRepository(stores.DB)
	}
	machineHandler, err := machinehttp.NewHandler(ingestService, machinehttp.WithAuditLogger(auditLogger))
	if err != nil {
		logger.Fatalf("machine handler error: %v", err)
	}
	materialHandler, err := cataloghttp.NewHandler(stores.Materials, logger)
	if err != nil {
		logger.Fatalf("material handler error: %v", err)
	}
	rollupHandler, err := rollupinterfaces.NewRollupHandler(queryService, stores.Materials, logger)
	if err != nil {
		logger.Fatalf("rollup handler error: %v", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/machine-data", ingestHandler)
	mux.Handle("/api/register-device", registrationHandler)
	mux.Handle("/api/check-update/", registrationHandler)
	mux.Handle("/api/version", registrationHandler)
	mux.HandleFunc("/api/health", device.HealthHandler)
	mux.Handle("/api/devices", machineHandler)
	mux.Handle("/api/machines", machineHandler)
	mux.Handle("/api/machines/", machineHandler)
	mux.Handle("/api/materials", materialHandler)
	mux.Handle("/api/materials/", materialHandler)
	mux.Handle("/api/v1/rollups", rollupHandler)
	mux.Handle("/api/v1/rollups/", rollupHandler)
	mux.Handle("/api/longtime-storage", rollupHandler)
	mux.Handle("/api/v1/machines/stream", notify.NewStreamHandler(hub))
	mux.Handle("/ws", notify.NewWebSocketHandler(hub, stores.Materials, logger))
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	authMiddleware := auth.NewMiddleware([]byte(cfg.Auth.JWTSecret), auth.DevicePolicy())
	if authMiddleware == nil {
		logger.Printf("warning: AUTH_JWT_SECRET is empty, operator API is unauthenticated")
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(authMiddleware.Wrap(mux), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("http shutdown error: %v", err)
		}
	}()

	logger.Printf("http listening on %s", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Printf("http server error: %v", err)
	}
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush keeps the SSE stream working behind the logger.
func (w *statusWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack lets the WebSocket upgrade take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("http: response does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
