// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cascadebuild/cascade/pkg/logging"
	"github.com/cascadebuild/cascade/services/build"
	"github.com/cascadebuild/cascade/services/build/action"
	"github.com/cascadebuild/cascade/services/build/exec"
	badgerstore "github.com/cascadebuild/cascade/services/build/storage/badger"
	"github.com/cascadebuild/cascade/services/build/telemetry"
	"github.com/cascadebuild/cascade/services/build/watch"
)

var (
	configPath  string
	keepGoing   bool
	metricsAddr string

	rootCmd = &cobra.Command{
		Use:   "cascade",
		Short: "An incremental, parallel build engine",
		Long: `Cascade evaluates a dependency graph of actions over your
source tree, re-running only the work whose inputs actually changed.`,
		SilenceUsage: true,
	}

	buildCmd = &cobra.Command{
		Use:   "build [target...]",
		Short: "Bring the named output artifacts up to date",
		RunE:  runBuild,
	}

	watchCmd = &cobra.Command{
		Use:   "watch [target...]",
		Short: "Rebuild targets whenever the source tree changes",
		RunE:  runWatch,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "cascade.yaml",
		"Path to the workspace file")
	rootCmd.PersistentFlags().BoolVarP(&keepGoing, "keep-going", "k", false,
		"Continue independent work after a failure and report all errors")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "",
		"Serve Prometheus metrics on this address (e.g. :9090)")
	rootCmd.AddCommand(buildCmd, watchCmd)
}

// setup loads the workspace file and assembles a build session.
func setup(ctx context.Context) (*Config, *build.Builder, *logging.Logger, func(), error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		Service: "cascade",
		LogDir:  cfg.LogDir,
	})

	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	cleanups = append(cleanups, func() { _ = logger.Close() })

	shutdownTel, err := telemetry.Init(ctx, telemetry.DefaultConfig())
	if err != nil {
		cleanup()
		return nil, nil, nil, nil, fmt.Errorf("init telemetry: %w", err)
	}
	cleanups = append(cleanups, func() { _ = shutdownTel(context.Background()) })

	opts := []build.BuilderOption{build.WithLogger(logger.Slog())}
	if cfg.CacheDir != "" {
		db, err := badgerstore.Open(badgerstore.DefaultConfig(cfg.CacheDir))
		if err != nil {
			cleanup()
			return nil, nil, nil, nil, fmt.Errorf("open action cache: %w", err)
		}
		cleanups = append(cleanups, func() { _ = db.Close() })
		opts = append(opts, build.WithCache(badgerstore.NewCache(db)))
	}

	builder, err := build.NewBuilder(build.Config{
		SourceDir:       cfg.SourceDir,
		DerivedDir:      cfg.DerivedDir,
		Parallelism:     cfg.Parallelism,
		ExecConcurrency: cfg.ExecConcurrency,
		MaxRetries:      cfg.MaxRetries,
		ConfigDigest:    cfg.Digest(),
	}, map[string]exec.Runner{commandMnemonic: commandRunner}, opts...)
	if err != nil {
		cleanup()
		return nil, nil, nil, nil, err
	}

	for _, a := range cfg.Actions {
		if err := builder.Register(a.toAction()); err != nil {
			cleanup()
			return nil, nil, nil, nil, fmt.Errorf("action %s: %w", a.ID, err)
		}
	}
	for _, t := range cfg.Templates {
		if err := builder.RegisterTemplate(t.toTemplate()); err != nil {
			cleanup()
			return nil, nil, nil, nil, fmt.Errorf("template %s: %w", t.ID, err)
		}
	}

	if metricsAddr != "" {
		if handler := telemetry.MetricsHandler(); handler != nil {
			mux := http.NewServeMux()
			mux.Handle("/metrics", handler)
			go func() {
				if err := http.ListenAndServe(metricsAddr, mux); err != nil {
					logger.Warn("metrics server stopped", "error", err)
				}
			}()
		}
	}

	return cfg, builder, logger, cleanup, nil
}

// resolveTargets maps CLI target paths onto derived artifacts. With no
// arguments, every declared top-level output is built.
func resolveTargets(cfg *Config, args []string) []action.Artifact {
	if len(args) > 0 {
		targets := make([]action.Artifact, 0, len(args))
		for _, arg := range args {
			targets = append(targets, action.Derived(arg, ""))
		}
		return targets
	}
	var targets []action.Artifact
	for _, a := range cfg.Actions {
		for _, out := range a.Outputs {
			targets = append(targets, action.Derived(out, a.ID))
		}
	}
	for _, t := range cfg.Templates {
		targets = append(targets, action.DerivedTree(t.OutputTree, t.ID))
	}
	return targets
}

func runBuild(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg, builder, logger, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	res, err := builder.Build(ctx, resolveTargets(cfg, args), keepGoing)
	if err != nil {
		return err
	}
	if !res.Succeeded() {
		for key, kerr := range res.Errors {
			logger.Error("target failed", "target", key.String(), "error", kerr)
		}
		return errors.New("build failed")
	}
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, builder, logger, cleanup, err := setup(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	targets := resolveTargets(cfg, args)
	rebuild := make(chan struct{}, 1)

	watcher, err := watch.New(cfg.SourceDir, func(paths []string) {
		if n := builder.ApplyChanges(paths); n > 0 {
			logger.Info("changes detected", "paths", len(paths), "dirtied", n)
			select {
			case rebuild <- struct{}{}:
			default:
			}
		}
	}, watch.Options{Logger: logger.Slog()})
	if err != nil {
		return err
	}
	defer watcher.Stop()
	if err := watcher.Start(ctx); err != nil {
		return err
	}

	// Initial build, then one rebuild per change batch.
	for {
		res, err := builder.Build(ctx, targets, keepGoing)
		if err != nil {
			return err
		}
		if !res.Succeeded() {
			for key, kerr := range res.Errors {
				logger.Error("target failed", "target", key.String(), "error", kerr)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-rebuild:
		}
	}
}
