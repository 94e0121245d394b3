// Package main provides the CLI entry point for the SOCKS5 proxy.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/socks5proxy/internal/config"
	"github.com/postalsys/socks5proxy/internal/health"
	"github.com/postalsys/socks5proxy/internal/logging"
	"github.com/postalsys/socks5proxy/internal/metrics"
	"github.com/postalsys/socks5proxy/internal/socks5"
	"github.com/postalsys/socks5proxy/internal/wizard"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "socks5proxy",
		Short:   "A SOCKS5 proxy server (RFC 1928, no-auth only)",
		Version: version,
	}

	run := runCmd()
	rootCmd.AddCommand(run)
	rootCmd.AddCommand(initCmd())

	// Bare invocation (no subcommand) runs the proxy, matching
	// `socks5proxy [--config <path>]`.
	rootCmd.RunE = run.RunE
	rootCmd.Flags().AddFlagSet(run.Flags())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath, appSettingsPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath, appSettingsPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "proxy.json", "Path to the proxy configuration file")
	cmd.Flags().StringVar(&appSettingsPath, "appsettings", "appsettings.json", "Path to the optional logging settings file")

	return cmd
}

func initCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactively generate proxy.json",
		RunE: func(cmd *cobra.Command, args []string) error {
			w := wizard.New()
			if err := w.LoadExisting(configPath); err != nil {
				return err
			}

			cfg, err := w.Run()
			if err != nil {
				return fmt.Errorf("setup wizard failed: %w", err)
			}

			if err := wizard.WriteConfig(cfg, configPath); err != nil {
				return err
			}

			fmt.Printf("Wrote %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "proxy.json", "Path to write the proxy configuration file")

	return cmd
}

func runServer(configPath, appSettingsPath string) error {
	appSettings, err := config.LoadAppSettings(appSettingsPath)
	if err != nil {
		return fmt.Errorf("failed to load app settings: %w", err)
	}
	logger := logging.NewLogger(appSettings.LogLevel, appSettings.LogFormat)

	cfg, err := config.LoadProxyConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	labels, warnings := config.BuildLabelMap(cfg.IPAddressMappings)
	for _, w := range warnings {
		logger.Warn(w)
	}

	m := metrics.NewMetrics()
	dnsCache := socks5.NewDNSCache(nil)
	dnsCache.SetMetrics(m)

	server := socks5.NewServer(socks5.ServerConfig{
		ListenIPAddress: cfg.ListenIPAddress,
		ListenPort:      cfg.ListenPort,
		DNSCache:        dnsCache,
		FriendlyNames:   labels,
		Metrics:         m,
		Logger:          logger,
	})

	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start proxy: %w", err)
	}

	// An empty HealthAddress disables the health/metrics endpoint
	// entirely; there is no implicit default binding.
	var healthSrv *health.Server
	if cfg.HealthAddress != "" {
		healthCfg := health.DefaultServerConfig()
		healthCfg.Address = cfg.HealthAddress
		healthSrv = health.NewServer(healthCfg, server)
		if err := healthSrv.Start(); err != nil {
			logger.Warn("failed to start health/metrics endpoint", logging.KeyError, err)
			healthSrv = nil
		} else {
			logger.Info("health/metrics endpoint started", logging.KeyHealthAddr, healthSrv.Address().String())
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if healthSrv != nil {
		healthSrv.Stop()
	}
	if err := server.StopWithContext(ctx); err != nil {
		logger.Error("error during shutdown", logging.KeyError, err)
		return err
	}

	logger.Info("proxy stopped")
	return nil
}
