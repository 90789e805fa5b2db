package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ecs-sync-core/internal/config"
	"ecs-sync-core/internal/room"
	"ecs-sync-core/internal/server"
	"ecs-sync-core/internal/storage"
	"ecs-sync-core/internal/storage/bolt"
	"ecs-sync-core/internal/storage/memory"
)

func newServeCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the room server until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				if err := layerConfigFile(configFile); err != nil {
					return fmt.Errorf("loading config file: %w", err)
				}
			}
			return runServe()
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "", "optional YAML/JSON config file layered under environment variables")
	return cmd
}

// layerConfigFile reads a config file with viper and exports every key
// as a ws-prefixed environment variable, so internal/config.Load's
// envconfig pass picks it up exactly like any other env var. A file
// value only takes effect where the corresponding env var is unset.
func layerConfigFile(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return err
	}

	for _, key := range v.AllKeys() {
		envKey := "WS_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if _, set := os.LookupEnv(envKey); set {
			continue
		}
		if err := os.Setenv(envKey, fmt.Sprintf("%v", v.Get(key))); err != nil {
			return err
		}
	}
	return nil
}

func runServe() error {
	cfg := config.Load()

	var backend storage.Backend
	switch cfg.StorageBackend {
	case "bolt":
		backend = bolt.New(cfg.StorageDir)
	default:
		backend = memory.New()
	}

	registry := room.NewRegistry(room.RegistryOptions{
		Storage:         backend,
		SaveThrottle:    time.Duration(cfg.SaveThrottleMs) * time.Millisecond,
		IdleGrace:       time.Duration(cfg.RoomIdleGraceMs) * time.Millisecond,
		ProtocolVersion: cfg.ProtocolVersion,
	})

	srv := server.New(":"+cfg.Port, server.RouterOptions{Registry: registry})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-sig:
		logrus.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logrus.WithError(err).Warn("graceful shutdown failed")
		}
	}

	registry.CloseAll()
	return nil
}
