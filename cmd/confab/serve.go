package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"confab/internal/assetdb"
	"confab/internal/confab"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Long: `Run the gateway until SIGINT or SIGTERM.

Edits to gossip.peers and logging.level in the config file are picked up
without a restart. Everything else needs one.

Examples:
  confab serve --config=/etc/confab.yaml
  CONFAB_CONFIG=./confab.yaml confab serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&configPath, "config", "c", getenvDefault("CONFAB_CONFIG", "/confab.yaml"), "path to confab.yaml")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := confab.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log.SetLevel(cfg.LogLevel())

	db, err := assetdb.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store %s: %w", cfg.Storage.Path, err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Errorf("closing store: %v", err)
		}
	}()

	svc, err := confab.NewService(cfg, db)
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}
	defer svc.Close()

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := watchConfig(ctx, configPath, svc); err != nil {
		log.Warnf("config reload disabled: %v", err)
	}

	go func() {
		log.Infof("confab %s listening on %s, store=%s", svc.NodeID(), addr, cfg.Storage.Path)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	return nil
}

// watchConfig reapplies peers and log level whenever the config file is
// rewritten. The directory is watched so editors that replace the file by
// rename keep working.
func watchConfig(ctx context.Context, path string, svc *confab.Service) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	path = filepath.Clean(path)
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return err
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				reloadConfig(path, svc)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher: %v", err)
			}
		}
	}()
	return nil
}

func reloadConfig(path string, svc *confab.Service) {
	cfg, err := confab.LoadConfig(path)
	if err != nil {
		log.Warnf("ignoring config change: %v", err)
		return
	}
	if err := svc.SetPeers(cfg.Gossip.Peers); err != nil {
		log.Warnf("ignoring peers change: %v", err)
	}
	log.SetLevel(cfg.LogLevel())
}
