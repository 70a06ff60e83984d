// Package main provides the CLI entry point for the auxrelay
// merge-mining relay client.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coinstash/auxrelay/internal/client"
	"github.com/coinstash/auxrelay/internal/config"
	"github.com/coinstash/auxrelay/internal/health"
	"github.com/coinstash/auxrelay/internal/logging"
	"github.com/coinstash/auxrelay/internal/metrics"
	"github.com/coinstash/auxrelay/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "auxrelay",
		Short: "auxrelay - Merge-mining auxiliary chain relay",
		Long: `auxrelay connects a mining coordinator to the auxiliary chain it
merge-mines. It runs a loopback TCP relay to the auxiliary node
(optionally through a SOCKS5 proxy), fetches the chain identifier and
difficulty over the relayed RPC connection, and serves them to mining
logic.`,
		Version: Version,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a configuration interactively",
		Long:  "Run the interactive setup wizard and write a starter configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New().Run()
			return err
		},
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay client",
		Long:  "Start the relay and the chain parameter refresh with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			log := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
			mx := metrics.Default()

			c, err := client.New(client.Options{
				Host:           cfg.Node.Host,
				Wallet:         cfg.Node.Wallet,
				ResolveDNS:     cfg.Node.ResolveDNS,
				RPCTimeout:     cfg.Node.RPCTimeout,
				SOCKS5Proxy:    cfg.Relay.SOCKS5Proxy,
				ConnectTimeout: cfg.Relay.ConnectTimeout,
				Logger:         log,
				Metrics:        mx,
			})
			if err != nil {
				return fmt.Errorf("failed to start client: %w", err)
			}

			fmt.Printf("auxrelay %s\n", Version)
			fmt.Printf("Node: %s\n", cfg.Node.Host)
			fmt.Printf("Relay port: %d\n", c.RelayPort())

			var healthSrv *health.Server
			if cfg.Health.Enabled {
				healthSrv = health.NewServer(cfg.Health, func() health.Status {
					toNode, toClient := c.RelayBytes()
					status := health.Status{
						Host:          c.Host(),
						RelayPort:     c.RelayPort(),
						BytesToNode:   toNode,
						BytesToClient: toClient,
					}
					if params, ok := c.GetParams(); ok {
						status.ParamsAvailable = true
						status.ChainID = hex.EncodeToString(params.AuxID)
					}
					return status
				}, nil, log)

				if err := healthSrv.Start(); err != nil {
					c.Close()
					return err
				}
				fmt.Printf("Health endpoint: http://%s/healthz\n", healthSrv.Addr())
			}

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			log.Info("shutting down", "signal", sig.String())

			if healthSrv != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				healthSrv.Stop(ctx)
				cancel()
			}
			return c.Close()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}
