package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/banshee-data/stagebridge/internal/api"
	"github.com/banshee-data/stagebridge/internal/bridge"
	"github.com/banshee-data/stagebridge/internal/command"
	"github.com/banshee-data/stagebridge/internal/config"
	"github.com/banshee-data/stagebridge/internal/episode"
	"github.com/banshee-data/stagebridge/internal/health"
	"github.com/banshee-data/stagebridge/internal/monitoring"
	"github.com/banshee-data/stagebridge/internal/store"
	"github.com/banshee-data/stagebridge/internal/transport/serial"
	"github.com/banshee-data/stagebridge/internal/transport/udp"
)

const publishQueueLen = 256

// lineMonitor is a serial mux as the bridge drives it.
type lineMonitor interface {
	serial.LineMux
	Monitor(ctx context.Context) error
	Close() error
}

// openSerial is replaced in tests.
var openSerial = func(path string, opts serial.PortOptions) (lineMonitor, error) {
	m, err := serial.Open(path, opts)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bridge: sensor intake, control API and health service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
}

// bridgeParts are the wired components of a running bridge.
type bridgeParts struct {
	env       *bridge.Env
	store     *store.Store
	publisher *udp.Publisher
	link      *serial.Link
	serialMux lineMonitor
	health    *health.Server
	api       *api.Server
}

func runServe(ctx context.Context, cfg *config.BridgeConfig) error {
	parts, err := wire(cfg)
	if err != nil {
		return err
	}
	defer parts.close()

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	goRun := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil && !errors.Is(err, context.Canceled) {
				monitoring.Opsf("%s: %v", name, err)
				errs <- fmt.Errorf("%s: %w", name, err)
			}
			monitoring.Diagf("%s routine terminated", name)
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	parts.publisher.Start(ctx)
	goRun("frame consumer", func() error { return parts.env.Run(ctx) })

	listener := udp.NewListener(udp.ListenerConfig{
		Address: cfg.GetUDPListen(),
		RcvBuf:  cfg.GetUDPRcvBuf(),
		Handler: parts.env.HandleFrame,
	})
	goRun("udp listener", func() error { return listener.Start(ctx) })

	if parts.link != nil {
		goRun("serial monitor", func() error { return parts.serialMux.Monitor(ctx) })
		goRun("serial link", func() error { return parts.link.Run(ctx, parts.env.HandleFrame) })
	}

	if err := parts.health.Start(); err != nil {
		cancel()
		wg.Wait()
		return fmt.Errorf("health server: %w", err)
	}
	defer parts.health.Stop()

	mux := parts.api.ServeMux()
	parts.api.AttachDebugRoutes(mux)
	if parts.store != nil {
		if err := parts.store.AttachAdminRoutes(mux); err != nil {
			monitoring.Opsf("tailsql unavailable: %v", err)
		}
	}
	if parts.link != nil {
		parts.link.AttachDebugRoutes(mux)
	}
	server := &http.Server{
		Addr:              cfg.GetHTTPListen(),
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	goRun("http server", func() error {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				monitoring.Opsf("HTTP server shutdown error: %v", err)
				server.Close()
			}
		}()
		monitoring.Opsf("control API listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errs:
	}
	cancel()
	wg.Wait()
	monitoring.Opsf("graceful shutdown complete")
	return runErr
}

// wire builds every component from cfg without starting anything.
func wire(cfg *config.BridgeConfig) (*bridgeParts, error) {
	parts := &bridgeParts{}
	ok := false
	defer func() {
		if !ok {
			parts.close()
		}
	}()

	if p := cfg.GetDBPath(); p != "" {
		st, err := store.Open(p)
		if err != nil {
			return nil, fmt.Errorf("open episode store: %w", err)
		}
		parts.store = st
	}

	pub, err := udp.NewPublisher(cfg.GetUDPPublish(), publishQueueLen, time.Minute)
	if err != nil {
		return nil, err
	}
	parts.publisher = pub

	fanout := &bridge.Fanout{
		Commands: []command.Sink{pub},
		Events:   []episode.Publisher{pub},
		Worlds:   []episode.WorldResetter{pub},
	}

	if port := cfg.GetSerialPort(); port != "" {
		mux, err := openSerial(port, serial.PortOptions{BaudRate: cfg.GetSerialBaudRate()})
		if err != nil {
			return nil, err
		}
		parts.serialMux = mux
		parts.link = serial.NewLink(mux)
		fanout.Commands = append(fanout.Commands, parts.link)
		fanout.Events = append(fanout.Events, parts.link)
		fanout.Worlds = append(fanout.Worlds, parts.link)
	}
	if parts.store != nil {
		fanout.Events = append(fanout.Events, parts.store)
	}

	parts.health = health.NewServer(cfg.GetGRPCListen())
	gateOpts := cfg.GateOptions()
	gateOpts.OnStateChange = parts.health.SetGateState

	env, err := bridge.NewEnv(bridge.Options{
		Perception: cfg.PerceptionConfig(),
		Episode:    cfg.EpisodeConfig(),
		ActionSize: cfg.GetActionSize(),
		Gate:       gateOpts,
		RandomSeed: cfg.GetRandomSeed(),
	}, bridge.Deps{
		Commands: fanout,
		Events:   fanout,
		World:    fanout,
	})
	if err != nil {
		return nil, err
	}
	parts.env = env

	var log api.EpisodeLog
	if parts.store != nil {
		log = parts.store
	}
	parts.api = api.NewServer(env, log)

	ok = true
	return parts, nil
}

func (p *bridgeParts) close() {
	if p.serialMux != nil {
		if err := p.serialMux.Close(); err != nil {
			monitoring.Opsf("close serial port: %v", err)
		}
	}
	if p.publisher != nil {
		p.publisher.Close()
	}
	if p.store != nil {
		p.store.Close()
	}
}
