// Command server runs the line chat relay on the given port.
//
//	server <port number>
//
// Settings other than the port are read from RELAY_* environment
// variables, optionally through a .env file in the working directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tyrowin/linechat/internal/logging"
	"github.com/Tyrowin/linechat/internal/server"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const usage = "Usage: server <port number>"

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	if err := run(os.Args[1]); err != nil {
		if errors.Is(err, server.ErrInvalidPort) {
			fmt.Fprintln(os.Stderr, usage)
		}
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(portArg string) error {
	_ = godotenv.Load()

	cfg, err := server.LoadConfig(portArg)
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = logging.ParseLevel(cfg.LogLevel)
	logCfg.Development = cfg.LogDevelopment
	logCfg.InitialFields = map[string]interface{}{"app": "linechat"}
	log, err := logging.New(logCfg)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listener, err := net.Listen("tcp", cfg.ListenAddr())
	if err != nil {
		log.Error("unable to listen", zap.String("addr", cfg.ListenAddr()), zap.Error(err))
		return fmt.Errorf("unable to reach port %d: %w", cfg.Port, err)
	}

	relay := server.NewServer(cfg, log)

	var httpServer *http.Server
	if cfg.WebSocketAddr != "" {
		httpServer = server.CreateServer(cfg.WebSocketAddr, server.SetupRoutes(relay))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := relay.Serve(gctx, listener); !errors.Is(err, server.ErrServerClosed) {
			return err
		}
		return nil
	})

	if httpServer != nil {
		g.Go(func() error {
			log.Info("WebSocket gateway listening", zap.String("addr", httpServer.Addr))
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("gateway: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("stopping relay")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if httpServer != nil {
			if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout); err != nil {
				log.Warn("gateway shutdown error", zap.Error(err))
			}
		}
		if err := relay.Shutdown(shutdownCtx); err != nil {
			log.Warn("relay shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("relay stopped with error", zap.Error(err))
		return err
	}
	log.Info("relay stopped cleanly", zap.Duration("uptime", time.Since(relay.StartedAt())))
	return nil
}
