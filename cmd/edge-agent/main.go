package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/cropsight/edge-agent/internal/api"
	"github.com/cropsight/edge-agent/internal/camera"
	"github.com/cropsight/edge-agent/internal/logging"
	"github.com/cropsight/edge-agent/internal/models"
	"github.com/cropsight/edge-agent/internal/notify"
	"github.com/cropsight/edge-agent/internal/orchestrator"
	"github.com/cropsight/edge-agent/internal/pipeline"
	"github.com/cropsight/edge-agent/internal/platform"
	"github.com/cropsight/edge-agent/internal/session"
	"github.com/cropsight/edge-agent/internal/storage"
	"github.com/cropsight/edge-agent/internal/uploader"
	"github.com/cropsight/edge-agent/internal/vision"
)

func main() {
	var (
		httpAddr      = flag.String("http-addr", ":8080", "admin HTTP listen address")
		dbPath        = flag.String("db", "./data/badger", "Badger DB path")
		mediaDir      = flag.String("media-dir", "./data/media", "local media blob directory")
		deviceID      = flag.String("device-id", "dev-local", "device identifier")
		frameDir      = flag.String("frame-dir", "./data/frames", "directory camera frame source")
		frameInterval = flag.Duration("frame-interval", 200*time.Millisecond, "capture interval")
		platformURL   = flag.String("platform-url", "http://localhost:9000", "primary platform endpoint")
		fallbackURL   = flag.String("platform-fallback-url", "", "fallback platform endpoint (tunnel)")
		natsURL       = flag.String("nats-url", "", "NATS URL for operator notifications (empty disables)")
		detectURL     = flag.String("detect-url", "http://localhost:8081", "stage-1 detector model server")
		segmentURL    = flag.String("segment-url", "http://localhost:8082", "stage-2 segmenter model server")
		modelInput    = flag.Int("model-input", 416, "detector input size (square)")
		sessionTTL    = flag.Duration("session-ttl", 15*time.Minute, "maintenance session expiry")
		warnWindow    = flag.Duration("session-warn-window", 2*time.Minute, "expiry warning window")
		queueCap      = flag.Int("queue-capacity", 16, "frame queue capacity")
		workers       = flag.Int("workers", 2, "detection pipeline workers")
		degradation   = flag.Float64("degradation-factor", 0.5, "confidence factor applied when stage 2 fails")
		defThreshold  = flag.Float64("default-threshold", 0.5, "confidence threshold before first config pull")
		cfgRefresh    = flag.Duration("config-refresh", 30*time.Second, "dynamic config refresh interval")
		callTimeout   = flag.Duration("call-timeout", 10*time.Second, "per platform call timeout")
		maxAttempts   = flag.Int("upload-attempts", 5, "bounded retries per batch commit")
		logLevel      = flag.String("log-level", "info", "zerolog level")
	)
	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	root := logging.New(level)
	log := logging.Component(root, "main")

	// Tracing: stdout exporter, good enough for an edge box whose logs are
	// shipped anyway.
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		log.Fatal().Err(err).Msg("trace exporter")
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)

	store, err := storage.NewBadgerStore(*dbPath, *mediaDir)
	if err != nil {
		log.Fatal().Err(err).Msg("opening local store")
	}

	var notifier *notify.Publisher
	if *natsURL != "" {
		notifier, err = notify.NewPublisher(*natsURL, logging.Component(root, "notify"))
		if err != nil {
			log.Fatal().Err(err).Msg("connecting to nats")
		}
	}

	pf := platform.New(platform.Options{
		DeviceID:         *deviceID,
		PrimaryEndpoint:  *platformURL,
		FallbackEndpoint: *fallbackURL,
		CallTimeout:      *callTimeout,
		DefaultThreshold: float32(*defThreshold),
		Logger:           logging.Component(root, "platform"),
	})

	pipe := pipeline.New(pipeline.Options{
		QueueCapacity:     *queueCap,
		Workers:           *workers,
		DegradationFactor: float32(*degradation),
		Detector: &vision.HTTPDetector{
			Endpoint:  *detectURL,
			InputSize: image.Point{X: *modelInput, Y: *modelInput},
		},
		Segmenter:  &vision.HTTPSegmenter{Endpoint: *segmentURL},
		Thresholds: pf,
		Sink:       store,
		Logger:     logging.Component(root, "pipeline"),
	})

	cam := &camera.DirCamera{Dir: *frameDir, Interval: *frameInterval, Loop: true}

	var sessionNotifier session.Notifier
	if notifier != nil {
		sessionNotifier = notifier
	}
	mgr := session.New(session.Options{
		DeviceID:   *deviceID,
		TTL:        *sessionTTL,
		WarnWindow: *warnWindow,
		Camera:     cam,
		Pipeline:   pipe,
		Platform:   pf,
		Notifier:   sessionNotifier,
		Store:      store,
		Logger:     logging.Component(root, "session"),
	})

	coord := uploader.New(store, pf, uploader.Options{
		MaxAttempts: *maxAttempts,
		Logger:      logging.Component(root, "uploader"),
	})

	var orchNotifier orchestrator.Notifier
	if notifier != nil {
		orchNotifier = notifier
	}
	orch := orchestrator.New(logging.Component(root, "orchestrator"), orchNotifier)

	bridge := &adminBridge{mgr: mgr, coord: coord, orch: orch, pf: pf, log: log}
	httpServer := &http.Server{
		Addr:    *httpAddr,
		Handler: api.NewHandler(bridge, bridge, bridge, logging.Component(root, "api")),
	}

	registerServices(orch, serviceDeps{
		store:      store,
		pf:         pf,
		pipe:       pipe,
		mgr:        mgr,
		httpServer: httpServer,
		cfgRefresh: *cfgRefresh,
		log:        log,
	})

	startCtx, cancelStart := context.WithTimeout(context.Background(), time.Minute)
	if err := orch.StartAll(startCtx); err != nil {
		cancelStart()
		log.Fatal().Err(err).Msg("service startup failed")
	}
	cancelStart()
	log.Info().Str("http_addr", *httpAddr).Msg("edge agent up")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Info().Msg("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	orch.StopAll(shutdownCtx)
	if notifier != nil {
		notifier.Close()
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("trace provider shutdown")
	}
	if err := store.Close(); err != nil {
		log.Warn().Err(err).Msg("store close")
	}
	log.Info().Msg("shutdown complete")
}

type serviceDeps struct {
	store      *storage.BadgerStore
	pf         *platform.Client
	pipe       *pipeline.Pipeline
	mgr        *session.Manager
	httpServer *http.Server
	cfgRefresh time.Duration
	log        zerolog.Logger
}

// registerServices declares the dependency DAG the orchestrator validates and
// starts: store -> platform-sync -> pipeline -> session-manager, with the
// uploader and the admin API on top.
func registerServices(orch *orchestrator.Orchestrator, d serviceDeps) {
	var (
		platformCancel context.CancelFunc
		pipelineCancel context.CancelFunc
	)

	must := func(err error) {
		if err != nil {
			d.log.Fatal().Err(err).Msg("service registration")
		}
	}

	must(orch.Register(orchestrator.Descriptor{
		Name:    "store",
		Service: orchestrator.ServiceFuncs{HealthFunc: func(ctx context.Context) error { return d.store.Ping() }},
	}))

	must(orch.Register(orchestrator.Descriptor{
		Name:         "platform-sync",
		Dependencies: []string{"store"},
		Service: orchestrator.ServiceFuncs{
			StartFunc: func(ctx context.Context) error {
				runCtx, cancel := context.WithCancel(context.Background())
				platformCancel = cancel
				go d.pf.RunStatusLoop(runCtx)
				go d.pf.RunConfigLoop(runCtx, d.cfgRefresh)
				return nil
			},
			StopFunc: func(ctx context.Context) error {
				if platformCancel != nil {
					platformCancel()
				}
				return nil
			},
			HealthFunc: func(ctx context.Context) error {
				if !d.pf.Running() {
					return fmt.Errorf("platform sync loops not running")
				}
				return nil
			},
		},
	}))

	must(orch.Register(orchestrator.Descriptor{
		Name:         "pipeline",
		Dependencies: []string{"store", "platform-sync"},
		Service: orchestrator.ServiceFuncs{
			StartFunc: func(ctx context.Context) error {
				runCtx, cancel := context.WithCancel(context.Background())
				pipelineCancel = cancel
				go d.pipe.Run(runCtx)
				return nil
			},
			StopFunc: func(ctx context.Context) error {
				if pipelineCancel != nil {
					pipelineCancel()
				}
				return nil
			},
			HealthFunc: func(ctx context.Context) error {
				if !d.pipe.Running() {
					return fmt.Errorf("pipeline workers not running")
				}
				return nil
			},
		},
	}))

	must(orch.Register(orchestrator.Descriptor{
		Name:         "session-manager",
		Dependencies: []string{"pipeline", "platform-sync"},
		Service: orchestrator.ServiceFuncs{
			// Closing a live session on shutdown releases the camera and
			// pushes the final status.
			StopFunc: func(ctx context.Context) error { return d.mgr.Stop(ctx) },
		},
	}))

	must(orch.Register(orchestrator.Descriptor{
		Name:         "api",
		Dependencies: []string{"session-manager"},
		Service: orchestrator.ServiceFuncs{
			StartFunc: func(ctx context.Context) error {
				go func() {
					if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						d.log.Error().Err(err).Msg("http listen")
					}
				}()
				return nil
			},
			StopFunc: func(ctx context.Context) error { return d.httpServer.Shutdown(ctx) },
		},
	}))
}

// adminBridge adapts the components to the api package interfaces.
type adminBridge struct {
	mgr   *session.Manager
	coord *uploader.Coordinator
	orch  *orchestrator.Orchestrator
	pf    *platform.Client
	log   zerolog.Logger
}

func (b *adminBridge) StartSession(operatorID string) (*models.Session, error) {
	return b.mgr.Start(context.Background(), operatorID)
}

func (b *adminBridge) StopSession() error {
	return b.mgr.Stop(context.Background())
}

func (b *adminBridge) HeartbeatSession(sessionID string) error {
	return b.mgr.Heartbeat(context.Background(), sessionID)
}

func (b *adminBridge) CurrentSession() *models.Session {
	return b.mgr.Current()
}

func (b *adminBridge) CheckoutOne(resultID string) (*models.UploadBatch, error) {
	batch, err := b.coord.CheckoutOne(context.Background(), resultID)
	if err != nil {
		return nil, err
	}
	go b.commit(batch)
	return batch, nil
}

func (b *adminBridge) CheckoutAll() (*models.UploadBatch, error) {
	batch, err := b.coord.CheckoutAll(context.Background())
	if err != nil {
		return nil, err
	}
	go b.commit(batch)
	return batch, nil
}

func (b *adminBridge) commit(batch *models.UploadBatch) {
	if err := b.coord.Commit(context.Background(), batch); err != nil {
		b.log.Error().Err(err).Str("batch_id", batch.ID).Msg("batch commit failed")
	}
}

func (b *adminBridge) ServiceStates() map[string]models.ServiceState {
	return b.orch.Status()
}

func (b *adminBridge) ActiveEndpoint() string {
	return b.pf.ActiveEndpoint()
}
