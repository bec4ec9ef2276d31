// Package main provides the entry point for ShareTunnel.
// It supervises the local file-sharing server, publishes it through a quick
// tunnel once it is ready and serves the control API for the desktop shell.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/browser"
	"github.com/router-for-me/ShareTunnel/internal/api"
	"github.com/router-for-me/ShareTunnel/internal/api/middleware"
	"github.com/router-for-me/ShareTunnel/internal/app"
	"github.com/router-for-me/ShareTunnel/internal/config"
	"github.com/router-for-me/ShareTunnel/internal/logging"
	"github.com/router-for-me/ShareTunnel/internal/tunnel"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

const shutdownTimeout = 10 * time.Second

// init initializes the shared logger setup.
func init() {
	logging.SetupBaseLogger()
}

func main() {
	configPath := pflag.StringP("config", "c", "", "Path to the YAML configuration file")
	logLevel := pflag.StringP("log-level", "l", "", "Log level: debug, info, warn, error or quiet")
	openFlag := pflag.BoolP("open", "o", false, "Open the public URL in the browser once the tunnel is ready")
	versionFlag := pflag.BoolP("version", "V", false, "Print version information")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", filepath.Base(os.Args[0]))
		fmt.Fprintln(os.Stderr, "Runs the share server, exposes it through cloudflared and serves the control API.")
		fmt.Fprintln(os.Stderr)
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *versionFlag {
		fmt.Printf("ShareTunnel Version: %s, Commit: %s, BuiltAt: %s\n", Version, Commit, BuildDate)
		return
	}

	if err := run(*configPath, *logLevel, *openFlag); err != nil {
		log.WithError(err).Error("sharetunnel exited with error")
		os.Exit(1)
	}
}

func run(configPath, logLevel string, openURL bool) error {
	if wd, err := os.Getwd(); err == nil {
		_ = godotenv.Load(filepath.Join(wd, ".env"))
	}

	path := resolveConfigPath(configPath)
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logging.SetLogLevel(cfg.LogLevel)
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogsDir, cfg.LogsMaxSizeMB); err != nil {
		return fmt.Errorf("failed to configure log output: %w", err)
	}
	defer logging.CloseLogOutput()

	log.Infof("ShareTunnel %s starting (config %s)", Version, path)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := app.New(cfg)
	srv := api.NewServer(cfg, a)

	if err := a.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		errStop := srv.Stop(shutdownCtx)
		return errors.Join(errStop, a.Stop())
	})
	g.Go(func() error {
		err := config.Watch(gctx, path, func(next *config.Config) {
			level := next.LogLevel
			if logLevel != "" {
				level = logLevel
			}
			logging.SetLogLevel(level)
			middleware.SetMetricsEnabled(next.Metrics)
		})
		if err != nil {
			log.WithError(err).Warn("config hot reload disabled")
		}
		return nil
	})
	if openURL {
		g.Go(func() error {
			openWhenTunnelReady(gctx, a.Hub())
			return nil
		})
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// resolveConfigPath prefers the flag, then ./config.yaml, then the per-user
// config directory.
func resolveConfigPath(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	if wd, err := os.Getwd(); err == nil {
		candidate := filepath.Join(wd, "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	if base, err := os.UserConfigDir(); err == nil && base != "" {
		return filepath.Join(base, "ShareTunnel", "config.yaml")
	}
	return "config.yaml"
}

func openWhenTunnelReady(ctx context.Context, hub *app.Hub) {
	events, cancel := hub.Subscribe(8)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type != string(tunnel.EventReady) || ev.URL == "" {
				continue
			}
			if err := browser.OpenURL(ev.URL); err != nil {
				log.WithError(err).Warn("failed to open browser")
			}
			return
		}
	}
}
