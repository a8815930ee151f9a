// Command mcpd runs the MCP server over the configured transports.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/localserve/mcpd/async"
	"github.com/localserve/mcpd/config"
	"github.com/localserve/mcpd/events"
	"github.com/localserve/mcpd/logx"
	"github.com/localserve/mcpd/notifications"
	"github.com/localserve/mcpd/queue"
	"github.com/localserve/mcpd/server"
	"github.com/localserve/mcpd/transport"
	"github.com/localserve/mcpd/transport/httpx"
	"github.com/localserve/mcpd/transport/sse"
	"github.com/localserve/mcpd/transport/stdio"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "mcpd",
		Short:        "Model Context Protocol server runtime",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the server on the configured default transport",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	root.AddCommand(serveCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	// Stdout carries frames on the stdio transport; logs always go to
	// stderr.
	logger := logx.NewWithWriter(os.Stderr, cfg.LogLevel)

	busOpts := []events.Option{events.WithLogger(logger)}
	if cfg.Events.Async {
		busOpts = append(busOpts, events.WithAsync(256))
	}
	bus := events.NewBus(cfg.Events.Enabled, busOpts...)
	defer bus.Close()

	var (
		workQueue queue.Queue
		cache     async.Cache
	)
	if cfg.Queue.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Addr,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis unreachable at %s: %w", cfg.Cache.Addr, err)
		}
		workQueue = queue.NewRedis(client)
		cache = async.NewRedisCache(client)
	} else {
		workQueue = queue.NewMemory(0)
		cache = async.NewMemoryCache()
	}

	hubOpts := []notifications.Option{notifications.WithLogger(logger), notifications.WithBus(bus)}
	if cfg.Queue.Enabled {
		hubOpts = append(hubOpts, notifications.WithQueue(workQueue, cfg.Queue.Default))
	}
	hub := notifications.NewHub(cfg.Notifications, hubOpts...)
	defer hub.Close()

	manager := transport.NewManager(logger)
	srv := server.New(cfg,
		server.WithLogger(logger),
		server.WithBus(bus),
		server.WithHub(hub),
		server.WithTransportManager(manager),
	)

	dispatcher := func(ctx context.Context, method string, params json.RawMessage) (interface{}, error) {
		return srv.Dispatch(ctx, method, params)
	}
	pipeline := async.NewPipeline(cache, workQueue, dispatcher,
		async.WithLogger(logger),
		async.WithBus(bus),
	)
	srv.SetPipeline(pipeline)

	registerTransports(manager, srv, hub, cfg, logger)
	if err := manager.SetDefault(cfg.Transports.Default); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go hub.RunWorker(runCtx)
	go pipeline.RunWorker(runCtx)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	def, err := manager.Default()
	if err != nil {
		return err
	}

	if cfg.Transports.Default == "stdio" {
		// The stdio transport blocks on its read loop; stop it from the
		// signal handler.
		go func() {
			<-sigs
			logger.Info("shutting down")
			cancel()
			_ = manager.StopAll()
		}()
		logger.Info("serving on stdio")
		return def.Start()
	}

	// HTTP mode also exposes the SSE stream endpoint.
	if _, err := manager.Get("sse"); err != nil {
		return err
	}
	if err := manager.StartAll(); err != nil {
		return err
	}
	logger.Info("serving on %s (sse %s)", cfg.Transports.HTTPAddr, cfg.Transports.SSEAddr)

	<-sigs
	logger.Info("shutting down")
	cancel()
	return manager.StopAll()
}

func registerTransports(manager *transport.Manager, srv *server.Server, hub *notifications.Hub, cfg config.Config, logger *logx.Logger) {
	_ = manager.Register("stdio", func() (transport.Transport, error) {
		t := stdio.New(stdio.WithLogger(logger))
		srv.Attach("stdio", t)
		return t, nil
	})

	_ = manager.Register("http", func() (transport.Transport, error) {
		opts := []httpx.Option{
			httpx.WithLogger(logger),
			httpx.WithCORS(cfg.CORS),
			httpx.WithSessionHandler(srv.SessionHandler("http")),
		}
		if cfg.Auth.Enabled {
			opts = append(opts, httpx.WithAPIKey(cfg.Auth.APIKey))
		}
		return httpx.New(cfg.Transports.HTTPAddr, opts...), nil
	})

	_ = manager.Register("sse", func() (transport.Transport, error) {
		return sse.New(cfg.Transports.SSEAddr,
			sse.WithLogger(logger),
			sse.WithCORS(cfg.CORS),
			sse.WithSessionHandler(srv.SessionHandler("sse")),
			sse.WithConnectHandlers(
				func(sessionID string, stream *sse.Stream) {
					if err := hub.Subscribe(sessionID, stream, nil, nil); err != nil {
						logger.Warn("failed to bind sse stream %s: %v", sessionID, err)
					}
				},
				hub.Unsubscribe,
			),
		), nil
	})
}
