// Package app assembles the mixer server from its configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"avatar-mixer/server/internal/avatar"
	"avatar-mixer/server/internal/config"
	"avatar-mixer/server/internal/directory"
	"avatar-mixer/server/internal/mixer"
	servernet "avatar-mixer/server/internal/net"
	"avatar-mixer/server/internal/net/ws"
	"avatar-mixer/server/internal/packet"
	"avatar-mixer/server/internal/sim"
	"avatar-mixer/server/internal/telemetry"
	"avatar-mixer/server/logging"
	loggingSinks "avatar-mixer/server/logging/sinks"
)

const shutdownTimeout = 5 * time.Second

type Config struct {
	Logger telemetry.Logger
	// File must already carry environment and flag overrides and have
	// passed Validate.
	File config.File
}

// Server owns every long-lived component of a running mixer.
type Server struct {
	cfg    config.File
	logger telemetry.Logger

	router      *logging.Router
	directory   *directory.Directory
	hub         *ws.Hub
	broadcaster *mixer.Broadcaster
	loop        *sim.Loop
	handler     http.Handler
}

// Run builds the server, listens on the configured address and blocks until
// ctx is cancelled or serving fails.
func Run(ctx context.Context, cfg Config) error {
	srv, err := New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if cerr := srv.Close(closeCtx); cerr != nil {
			srv.logger.Printf("failed to close logging router: %v", cerr)
		}
	}()

	ln, err := net.Listen("tcp", cfg.File.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.File.Listen, err)
	}
	srv.logger.Printf("mixer listening on %s (tick rate %d, %.0f kbps per node)", ln.Addr(), cfg.File.Mixer.TickRate, cfg.File.Mixer.MaxKbpsPerNode)
	return srv.Serve(ctx, ln)
}

func New(cfg Config) (*Server, error) {
	telemetryLogger := cfg.Logger
	if telemetryLogger == nil {
		telemetryLogger = telemetry.WrapLogger(log.Default())
	}

	fallbackLogger := log.Default()
	if provider, ok := telemetryLogger.(interface{ StandardLogger() *log.Logger }); ok {
		if candidate := provider.StandardLogger(); candidate != nil {
			fallbackLogger = candidate
		}
	}

	logConfig, err := cfg.File.Logging.RouterConfig()
	if err != nil {
		return nil, fmt.Errorf("logging config: %w", err)
	}
	sinks, err := buildSinks(logConfig)
	if err != nil {
		return nil, err
	}
	recent := loggingSinks.NewBoundedMemorySink(logConfig.RecentCapacity)
	sinks = append(sinks, logging.NamedSink{Name: logging.SinkRecent, Sink: recent})
	router, err := logging.NewRouter(logConfig, logging.SystemClock{}, fallbackLogger, sinks)
	if err != nil {
		return nil, fmt.Errorf("failed to construct logging router: %w", err)
	}
	metrics := telemetry.WrapMetrics(router.Metrics())

	compression, err := packet.ParseCompression(cfg.File.Transport.Compression)
	if err != nil {
		_ = router.Close(context.Background())
		return nil, err
	}

	dir := directory.New(directory.Config{
		InboundCapacity: cfg.File.Transport.InboundCapacity,
		Metrics:         telemetry.Prefixed(metrics, "directory_"),
		Publisher:       router,
	})
	hub := ws.NewHub(ws.HubConfig{
		Compression: compression,
		Publisher:   router,
		Logger:      telemetryLogger,
		Metrics:     metrics,
	})
	broadcaster, err := mixer.NewBroadcaster(mixer.Config{
		Settings:  mixer.SettingsFromConfig(cfg.File.Mixer),
		Directory: dir,
		Codec:     avatar.NewCBORCodec(),
		Sender:    hub,
		Publisher: router,
		Logger:    telemetryLogger,
		Metrics:   metrics,
	})
	if err != nil {
		_ = router.Close(context.Background())
		return nil, fmt.Errorf("failed to construct broadcaster: %w", err)
	}
	loop := sim.NewLoop(sim.LoopConfig{
		TickRate:       cfg.File.Mixer.TickRate,
		InboundWorkers: cfg.File.Mixer.Workers,
	}, sim.LoopDeps{
		Inbound:     dir,
		Broadcaster: broadcaster,
		Publisher:   router,
		Logger:      telemetryLogger,
		Metrics:     metrics,
	}, sim.LoopHooks{})

	sessions := ws.NewHandler(dir, hub, ws.HandlerConfig{
		Logger:          telemetryLogger,
		Publisher:       router,
		SendQueue:       cfg.File.Transport.SendQueue,
		WriteTimeout:    time.Duration(cfg.File.Transport.WriteTimeoutMillis) * time.Millisecond,
		MaxMessageBytes: cfg.File.Transport.MaxMessageBytes,
		IsModerator:     cfg.File.IsModeratorToken,
	})
	handler := servernet.NewHTTPHandler(servernet.HTTPHandlerConfig{
		Directory:     dir,
		Broadcaster:   broadcaster,
		Loop:          loop,
		Sessions:      http.HandlerFunc(sessions.Handle),
		Router:        router,
		Events:        recent,
		Metrics:       router.Metrics(),
		Observability: cfg.File.Observability,
		Logger:        telemetryLogger,
	})

	return &Server{
		cfg:         cfg.File,
		logger:      telemetryLogger,
		router:      router,
		directory:   dir,
		hub:         hub,
		broadcaster: broadcaster,
		loop:        loop,
		handler:     handler,
	}, nil
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Directory() *directory.Directory {
	return s.directory
}

func (s *Server) Broadcaster() *mixer.Broadcaster {
	return s.broadcaster
}

// Serve runs the tick loop and the HTTP server on ln until ctx is cancelled.
// Open sessions are closed on the way out.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.loop.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.hub.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Printf("http shutdown: %v", err)
		}
		return nil
	})
	return g.Wait()
}

// Close flushes and closes the logging sinks.
func (s *Server) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.router.Close(ctx)
}

func buildSinks(cfg logging.Config) ([]logging.NamedSink, error) {
	var sinks []logging.NamedSink
	for _, name := range cfg.EnabledSinks {
		switch name {
		case logging.SinkRecent:
			// installed unconditionally by New
		case logging.SinkConsole:
			sinks = append(sinks, logging.NamedSink{Name: name, Sink: loggingSinks.NewConsoleSink(os.Stdout, cfg.Console)})
		case logging.SinkJSON:
			if cfg.JSON.FilePath == "" {
				return nil, errors.New("logging: json sink requires jsonPath")
			}
			file, err := os.OpenFile(cfg.JSON.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open json log %s: %w", cfg.JSON.FilePath, err)
			}
			sinks = append(sinks, logging.NamedSink{Name: name, Sink: loggingSinks.NewJSON(file, cfg.JSON.FlushInterval)})
		default:
			return nil, fmt.Errorf("logging: unknown sink %q", name)
		}
	}
	return sinks, nil
}
