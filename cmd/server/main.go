package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/goforj/godump"
	"golang.org/x/sync/errgroup"

	"github.com/yegors/skyroutes/internal/api"
	"github.com/yegors/skyroutes/internal/config"
	"github.com/yegors/skyroutes/internal/network"
	"github.com/yegors/skyroutes/internal/radar"
	"github.com/yegors/skyroutes/internal/session"
	"github.com/yegors/skyroutes/internal/storage/sqlite"
	"github.com/yegors/skyroutes/internal/websocket"
	"github.com/yegors/skyroutes/pkg/logger"
)

var (
	// Version is injected at build time
	Version = "dev"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (optional - will search in configs/ and root directory)")
	scopeFlag := flag.Bool("scope", false, "Draw flights in the terminal (overrides [scope] enabled)")
	dumpConfig := flag.Bool("dump-config", false, "Print the validated configuration and exit")
	flag.Parse()

	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}
	if *scopeFlag {
		cfg.Scope.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	if *dumpConfig {
		godump.Dump(cfg)
		return
	}

	log, err := logger.New(logger.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting skyroutes server",
		logger.String("version", Version),
		logger.String("config_path", *configPath),
		logger.String("coordinates", cfg.Map.Coordinates))

	if err := run(cfg, log); err != nil {
		log.Error("Server stopped with error", logger.Error(err))
		log.Sync()
		os.Exit(1)
	}
	log.Info("Server fully stopped")
}

func run(cfg *config.Config, log *logger.Logger) error {
	net, err := network.FromConfig(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to build route network: %w", err)
	}

	var journal *sqlite.Journal
	if cfg.Journal.Enabled {
		journal, err = sqlite.NewJournal(sqlite.MemoryDSN, cfg.Journal.QueueSize, cfg.Journal.FarePerUnit, log)
		if err != nil {
			return fmt.Errorf("failed to create journal: %w", err)
		}
		defer journal.Close()
	}

	wsServer := websocket.NewServer(cfg.WebSocket.SendBuffer, cfg.WebSocket.DefaultEncoding, log)
	opts := []session.Option{session.WithRenderer(wsServer)}

	var scope *radar.Scope
	if cfg.Scope.Enabled {
		screen, err := tcell.NewScreen()
		if err != nil {
			return fmt.Errorf("failed to create terminal screen: %w", err)
		}
		scope = radar.NewScope(screen, cfg.Scope.RefreshHz, "skyroutes "+Version, log)
		scope.SetMap(scopeMap(net))
		opts = append(opts, session.WithRenderer(scope))
	}

	svc, err := session.NewService(cfg, net, journal, log, opts...)
	if err != nil {
		return err
	}
	websocket.NewHandler(wsServer, svc.WebSocketSnapshot, log)

	router := api.NewRouter(svc, cfg, log, wsServer)
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Routes(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSecs) * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	// The journal outlives the session so that shutdown cancellations are recorded
	journalCtx, stopJournal := context.WithCancel(context.Background())
	defer stopJournal()
	if journal != nil {
		g.Go(func() error { return journal.Run(journalCtx) })
	}

	g.Go(func() error {
		defer stopJournal()
		return svc.Run(gctx)
	})

	g.Go(func() error { return wsServer.Run(gctx) })

	g.Go(func() error {
		errCh := make(chan error, 1)
		go func() {
			log.Info("Starting HTTP server", logger.String("addr", server.Addr))
			errCh <- server.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("HTTP server on %s: %w", server.Addr, err)
		case <-gctx.Done():
			log.Info("Shutting down HTTP server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("HTTP server shutdown: %w", err)
			}
			log.Info("HTTP server shutdown complete")
			return nil
		}
	})

	if scope != nil {
		g.Go(func() error { return scope.Run(gctx) })
	}

	err = g.Wait()
	if errors.Is(err, radar.ErrUserQuit) {
		return nil
	}
	return err
}

// scopeMap converts the network tables into the scope background
func scopeMap(net *network.Network) ([]radar.Marker, []radar.RouteLine) {
	var markers []radar.Marker
	for _, l := range net.Locations() {
		markers = append(markers, radar.Marker{ID: l.ID, Point: l.Point})
	}
	return markers, radar.RouteLines(net.Routes(), net)
}
