package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/roomchat/internal/broker"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/store"
	"github.com/Tyrowin/roomchat/pkg/log"
	"github.com/Tyrowin/roomchat/pkg/metrics"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := pflag.StringP("config", "c", "", "path to a YAML or JSON config file")
	pflag.Parse()

	config, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}
	server.SetConfig(config)

	logger, props, err := log.InitLogger(&config.Log)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	log.ReplaceGlobals(logger, props)
	defer func() { _ = log.Sync() }()

	log.Info("starting RoomChat server")
	metrics.Register(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, config.Store)
	if err != nil {
		log.Fatal("failed to open store", zap.Error(err))
	}

	b, err := broker.New(config.BrokerConfig(), broker.WithRecorder(st))
	if err != nil {
		log.Fatal("failed to create broker", zap.Error(err))
	}

	hub := server.NewHub()
	handlers := server.NewHandlers(b, hub,
		server.WithNameResolver(st),
		server.WithHistory(st),
		server.WithUsers(st))
	httpServer := server.CreateServer(config.Port, server.SetupRoutes(handlers))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		b.Run()
		return nil
	})
	g.Go(func() error {
		if err := server.StartServer(httpServer); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return shutdown(httpServer, b, hub, st)
	})

	if err := g.Wait(); err != nil {
		log.Error("server stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("server stopped")
}

// shutdown stops intake first, then evicts sessions and flushes history.
func shutdown(httpServer *http.Server, b *broker.Broker, hub *server.Hub, st *store.Store) error {
	var errs []error
	if err := server.ShutdownServer(httpServer, shutdownTimeout); err != nil {
		errs = append(errs, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := b.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		errs = append(errs, err)
	}
	if err := st.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
