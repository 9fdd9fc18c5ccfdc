// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command rebornprobe checks a reborn cluster from the client side. It
// watches the cluster's proxies the way an application would, writes a
// probe key through the pool at a fixed interval, and optionally serves
// the pool's metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/reborndb/reborn-go"
	"github.com/reborndb/reborn-go/config"
	"github.com/reborndb/reborn-go/internal/metrics"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (default: reborn.yaml in the working directory)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "rebornprobe: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	pool, err := reborn.NewPool(ctx, cfg.Zookeeper.Servers, cfg.Zookeeper.SessionTimeout, cfg.Zookeeper.Path,
		cfg.PoolOptions(logger, reg)...)
	if err != nil {
		return err
	}
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Error("failed to close pool", slog.Any("error", err))
		}
	}()
	logger.Info("watching proxies", slog.String("path", cfg.Zookeeper.Path), slog.Int("proxies", len(pool.Endpoints())))

	grp, ctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Address != "" {
		srv := &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		grp.Go(func() error {
			logger.Info("serving metrics", slog.String("address", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		grp.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	grp.Go(func() error {
		probeLoop(ctx, pool, cfg.Probe, logger)
		return nil
	})
	err = grp.Wait()
	logger.Info("shutting down")
	return err
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	return mux
}

func probeLoop(ctx context.Context, pool *reborn.Pool, cfg config.ProbeConfig, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		probe(ctx, pool, cfg, logger)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func probe(ctx context.Context, pool *reborn.Pool, cfg config.ProbeConfig, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, cfg.Interval)
	defer cancel()
	start := time.Now()
	cn, err := pool.Get(ctx)
	if err != nil {
		logger.Warn("probe failed to get a connection", slog.Any("error", err))
		return
	}
	defer func() {
		_ = cn.Close()
	}()
	if err := cn.Set(ctx, cfg.Key, strconv.FormatInt(start.Unix(), 10), 0).Err(); err != nil {
		logger.Warn("probe write failed", slog.Any("error", err))
		return
	}
	logger.Debug("probe succeeded", slog.Duration("latency", time.Since(start)))
}
