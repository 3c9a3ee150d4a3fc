// Copyright 2023 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/net-relay/net-relay/internal/netrelay/config"
	"github.com/net-relay/net-relay/internal/netrelay/logging"
	"github.com/net-relay/net-relay/internal/netrelay/policy"
	"github.com/net-relay/net-relay/internal/netrelay/registry"
	"github.com/net-relay/net-relay/internal/netrelay/session"
	"github.com/net-relay/net-relay/internal/netrelay/supervisor"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the SOCKS5, HTTP proxy and management API listeners",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "config.toml", "path to the TOML config file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Options{Level: cfg.Logging.Level})
	slog.SetDefault(logger)

	retention := time.Duration(cfg.Stats.RetentionHours) * time.Hour
	sup := &supervisor.Supervisor{
		Policy:   policy.New(cfg, configPath),
		Registry: registry.New(cfg.Stats.HistoryCapacity, retention),
		Sessions: session.New(config.SessionTTL),
		Logger:   logger,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	logger.Info("loaded configuration", "path", configPath)
	return sup.Run(ctx)
}

// loadConfig reads configPath, falling back to built-in defaults when the
// file does not exist, so the binary can run with zero setup.
func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return config.Config{}, fmt.Errorf("load config: %w", err)
}
