/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kevSchmidt/jsnote/internal/config"
	"github.com/kevSchmidt/jsnote/internal/server"
	"github.com/kevSchmidt/jsnote/pkg/bundler"
	"github.com/kevSchmidt/jsnote/pkg/loader"
)

// Flags holds the command-line configuration
type Flags struct {
	ConfigPath string
	LogLevel   string
}

var (
	flags   Flags
	cfg     *config.Config
	rootLog = logr.Discard()
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "jsnote",
		Short:         "Bundle JavaScript whose imports are fetched from a CDN",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, path, err := config.Load(cmd.Context(), config.LoadOptions{ConfigFilePath: flags.ConfigPath})
			if err != nil {
				return err
			}
			if flags.LogLevel != "" {
				loaded.Log.Level = flags.LogLevel
			}
			cfg = loaded

			log, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			rootLog = log
			if path != "" {
				rootLog.V(1).Info("Loaded configuration", "path", path)
			}
			cmd.SetContext(logr.NewContext(cmd.Context(), rootLog))
			return nil
		},
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "Path to a jsnote.cue config file.")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, or error.")

	root.AddCommand(newBundleCommand(), newCacheCommand(), newServeCommand())
	return root
}

// newLogger builds a logr.Logger backed by zap
func newLogger(lc config.LogConfig) (logr.Logger, error) {
	zc := zap.NewProductionConfig()
	if lc.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(lc.Level)
	if err != nil {
		return logr.Discard(), fmt.Errorf("invalid log level %q: %w", lc.Level, err)
	}
	zc.Level = level

	z, err := zc.Build()
	if err != nil {
		return logr.Discard(), fmt.Errorf("failed to build logger: %w", err)
	}
	return zapr.NewLogger(z), nil
}

// openStore opens the configured store and returns a release function
func openStore() (loader.Store, func(), error) {
	store, err := loader.OpenStore(cfg.StoreOptions())
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		if c, ok := store.(io.Closer); ok {
			if err := c.Close(); err != nil {
				rootLog.Error(err, "Failed to close store")
			}
		}
	}
	return store, release, nil
}

func newBundler(store loader.Store) *bundler.Bundler {
	return bundler.New(bundler.Config{
		CDNBaseURL:   cfg.CDNBaseURL,
		EntryName:    cfg.EntryName,
		Minify:       cfg.Minify,
		Singleflight: cfg.Singleflight,
	}, store, loader.NewHTTPFetcher(nil))
}

func newBundleCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "bundle <entry-file|->",
		Short: "Bundle an entry module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			source, err := readEntry(cmd, args[0])
			if err != nil {
				return err
			}

			store, release, err := openStore()
			if err != nil {
				return err
			}
			defer release()

			result, err := newBundler(store).Build(cmd.Context(), source)
			if err != nil {
				return err
			}
			for _, w := range result.Warnings {
				rootLog.Info("Build warning", "message", w)
			}

			if output == "" || output == "-" {
				_, err = io.WriteString(cmd.OutOrStdout(), result.Code)
				return err
			}
			return os.WriteFile(output, []byte(result.Code), 0o644)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the bundle to this file instead of stdout.")
	return cmd
}

func readEntry(cmd *cobra.Command, arg string) (string, error) {
	if arg == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("failed to read entry from stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return "", fmt.Errorf("failed to read entry: %w", err)
	}
	return string(data), nil
}

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the module store",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, release, err := openStore()
			if err != nil {
				return err
			}
			defer release()

			var s loader.StoreStats
			switch st := store.(type) {
			case *loader.DiskStore:
				s = st.Stats()
			case *loader.SQLiteStore:
				if s, err = st.Stats(cmd.Context()); err != nil {
					return err
				}
			default:
				if s.EntryCount, err = store.Len(cmd.Context()); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "backend:  %s\n", cfg.Store.Backend)
			fmt.Fprintf(out, "location: %s\n", cfg.Store.Dir)
			fmt.Fprintf(out, "entries:  %d\n", s.EntryCount)
			fmt.Fprintf(out, "bytes:    %d\n", s.TotalSize)
			if s.MaxEntries > 0 {
				fmt.Fprintf(out, "max:      %d\n", s.MaxEntries)
			}
			return nil
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every stored module",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, release, err := openStore()
			if err != nil {
				return err
			}
			defer release()

			if err := store.Clear(cmd.Context()); err != nil {
				return err
			}
			rootLog.Info("Cleared module store", "backend", cfg.Store.Backend)
			return nil
		},
	}

	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove expired entries from the disk store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, release, err := openStore()
			if err != nil {
				return err
			}
			defer release()

			disk, ok := store.(*loader.DiskStore)
			if !ok {
				return fmt.Errorf("prune is only supported by the %s backend", loader.BackendDisk)
			}
			return disk.Prune()
		},
	}

	var concurrency int
	warmCmd := &cobra.Command{
		Use:   "warm <url>...",
		Short: "Fetch modules into the store ahead of a build",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, release, err := openStore()
			if err != nil {
				return err
			}
			defer release()

			modules := loader.NewModuleLoader("", store, loader.NewHTTPFetcher(nil),
				loader.WithEntryName(cfg.EntryName), loader.WithLogger(rootLog))
			units, err := loader.Prefetch(cmd.Context(), modules, args, concurrency)
			if err != nil {
				return err
			}
			rootLog.Info("Warmed module store", "modules", len(units))
			return nil
		},
	}
	warmCmd.Flags().IntVar(&concurrency, "concurrency", loader.DefaultPrefetchConcurrency, "Maximum concurrent fetches.")

	cmd.AddCommand(statsCmd, clearCmd, pruneCmd, warmCmd)
	return cmd
}

func newServeCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve bundles and metrics over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = cfg.Serve.Addr
			}

			store, release, err := openStore()
			if err != nil {
				return err
			}
			defer release()

			srv := &http.Server{
				Addr:              addr,
				Handler:           server.NewHandler(newBundler(store), rootLog.WithName("server")),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				rootLog.Info("Serving", "addr", addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-cmd.Context().Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			rootLog.Info("Shutting down")
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (defaults to serve.addr from config).")
	return cmd
}
