package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/relaypool/relaypool/internal/auth"
	"github.com/relaypool/relaypool/internal/broadcast"
	"github.com/relaypool/relaypool/internal/config"
	"github.com/relaypool/relaypool/internal/obs"
	"github.com/relaypool/relaypool/internal/pool"
	"github.com/relaypool/relaypool/internal/record"
	"github.com/relaypool/relaypool/internal/relay"
	"github.com/relaypool/relaypool/internal/router"
	"github.com/relaypool/relaypool/internal/server"
	"github.com/relaypool/relaypool/internal/token"
)

// Set by the compiler via -ldflags.
var (
	version   = "dev"
	gitCommit = "unknown"
)

var (
	configPath string
	listenAddr string
)

var rootCmd = &cobra.Command{
	Use:   "relaypool",
	Short: "Relaypool - Anthropic-compatible LLM relay with provider pooling",
	Long: `Relaypool exposes an Anthropic-compatible endpoint and relays requests to a
pool of upstream providers with health tracking, failover, format conversion,
and streaming deduplication.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		if verbose {
			logrus.SetLevel(logrus.TraceLevel)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the configuration file")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relaypool %s (%s)\n", version, gitCommit)
		},
	}
	rootCmd.AddCommand(versionCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
	serveCmd.Flags().StringVarP(&listenAddr, "listen", "l", ":8787", "listen address")
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := obs.Setup(cfg.Settings.LogLevel, cfg.LogDir); err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}

	tokens := auth.NewMemoryTokenStore()
	for email, accessToken := range cfg.OAuthTokens {
		tokens.SetToken(email, accessToken, time.Time{})
	}

	providerPool := pool.New(cfg)
	modelRouter, err := router.New(cfg, providerPool)
	if err != nil {
		return err
	}
	resolver := auth.NewResolver(tokens)
	broadcaster := broadcast.New(cfg.Settings.DedupBufferCap)
	rl := relay.New(providerPool, modelRouter, resolver, cfg.Settings)
	counter := token.NewCounter(providerPool, resolver, cfg.Settings)

	var usage *record.Store
	if cfg.UsageDBPath != "" {
		usage, err = record.Open(cfg.UsageDBPath)
		if err != nil {
			return fmt.Errorf("opening usage store: %w", err)
		}
		logrus.Infof("Usage recording enabled at %s", cfg.UsageDBPath)
	}

	watcher, err := config.NewWatcher(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	watcher.AddCallback(func(fresh *config.Config) {
		providerPool.Rebuild(fresh)
		if err := modelRouter.Reload(fresh); err != nil {
			logrus.Errorf("Route reload failed, keeping previous routes: %v", err)
		}
		rl.UpdateSettings(fresh.Settings)
		counter.UpdateSettings(fresh.Settings)
	})
	if err := watcher.Start(); err != nil {
		return fmt.Errorf("starting config watcher: %w", err)
	}
	defer watcher.Stop()

	srv := server.New(providerPool, modelRouter, rl, counter, broadcaster, tokens, usage)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logrus.Infof("relaypool %s starting with %d providers", version, len(providerPool.Providers()))
	return srv.Run(ctx, listenAddr)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
