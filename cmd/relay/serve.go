package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/agentuity/go-common/env"
	"github.com/agentuity/go-common/eventing"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/agentuity/relay/auth"
	"github.com/agentuity/relay/bridge"
	"github.com/agentuity/relay/hub"
	"github.com/agentuity/relay/lifecycle"
	"github.com/agentuity/relay/router"
	"github.com/agentuity/relay/session"
	"github.com/agentuity/relay/transport/relayhttp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	Run: func(cmd *cobra.Command, args []string) {
		log := env.NewLogger(cmd)

		configFile := env.FlagOrEnv(cmd, "config", "RELAY_CONFIG", "")
		config, err := LoadConfig(configFile)
		if err != nil {
			log.Fatal("%s", err)
		}
		if address := env.FlagOrEnv(cmd, "address", "RELAY_ADDRESS", ""); address != "" {
			config.Server.Address = address
		}

		idleTimeout, err := config.IdleTimeout()
		if err != nil {
			log.Fatal("%s", err)
		}
		sweepInterval, err := config.SweepInterval()
		if err != nil {
			log.Fatal("%s", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		sink := lifecycle.Sink(lifecycle.NewLoggerSink(log))
		if config.Lifecycle.RedisURL != "" {
			opts, err := redis.ParseURL(config.Lifecycle.RedisURL)
			if err != nil {
				log.Fatal("error parsing redis url: %s", err)
			}
			rdb := redis.NewClient(opts)
			defer rdb.Close()
			if err := rdb.Ping(ctx).Err(); err != nil {
				log.Fatal("error connecting to redis: %s", err)
			}
			client, err := eventing.NewRedisClient(ctx, log, rdb)
			if err != nil {
				log.Fatal("error creating eventing client: %s", err)
			}
			defer client.Close()
			sink = lifecycle.Multi(sink, lifecycle.NewEventingSink(client, config.Lifecycle.Subject, log))
		}

		registry := session.NewRegistry(ctx, log,
			session.WithIdleTimeout(idleTimeout),
			session.WithSweepInterval(sweepInterval),
			session.WithEventLogCapacity(config.Session.EventLogCapacity),
			session.WithLifecycleSink(sink),
		)
		defer registry.Shutdown()

		relayHub := hub.New(ctx, log, registry, hub.WithLifecycleSink(sink))
		relayBridge := bridge.New(ctx, log, registry, bridge.WithLifecycleSink(sink))
		relayRouter := router.New(log, registry, relayHub, relayBridge)

		options := []relayhttp.Option{}
		if config.Auth.SharedSecret != "" {
			options = append(options, relayhttp.WithAuthValidator(auth.NewSharedSecret(config.Auth.SharedSecret)))
		}
		server := relayhttp.New(config.Server.Address, config.Server.Path, log, registry, relayRouter, options...)

		group, groupCtx := errgroup.WithContext(ctx)
		group.Go(func() error {
			return server.Start(groupCtx)
		})
		group.Go(func() error {
			<-groupCtx.Done()
			return server.Close()
		})
		if err := group.Wait(); err != nil && err != context.Canceled {
			log.Error("shutdown error: %s", err)
		}
		log.Info("relay stopped")
	},
}

func init() {
	serveCmd.Flags().String("config", "", "path to the yaml config file")
	serveCmd.Flags().String("address", "", "listen address, overrides the config file")
	serveCmd.Flags().String("log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd)
}
