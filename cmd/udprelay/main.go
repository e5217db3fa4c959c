// Package main provides the CLI entry point for the udprelay server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coinstash/udprelay/internal/config"
	"github.com/coinstash/udprelay/internal/server"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "udprelay",
		Short: "udprelay - SOCKS5 server with UDP ASSOCIATE relay",
		Long: `udprelay is a SOCKS5 proxy server built around a UDP relay engine.

Clients open a TCP control connection, authenticate and issue UDP
ASSOCIATE to obtain a relay endpoint. Datagrams framed with the SOCKS5
UDP header are forwarded to their destinations and replies are framed
back to the client for as long as the control connection stays open.`,
		Version: Version,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(checkConfigCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay server",
		Long:  "Start the SOCKS5 server and UDP relay engine with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			srv, err := server.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create server: %w", err)
			}

			if err := srv.Start(); err != nil {
				return fmt.Errorf("failed to start server: %w", err)
			}

			fmt.Printf("SOCKS5 server: %s\n", srv.SOCKS5Address())
			if cfg.Health.Enabled {
				fmt.Printf("Health server: %s\n", cfg.Health.Address)
			}

			// Wait for shutdown signal
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			sig := <-sigCh
			fmt.Printf("\nReceived signal %v, shutting down...\n", sig)

			// Graceful shutdown with timeout
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := srv.StopWithContext(ctx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Server stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func checkConfigCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "checkconfig",
		Short: "Validate a configuration file",
		Long:  "Parse and validate the configuration file without starting the server.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			fmt.Println("Configuration is valid.")
			fmt.Print(cfg.String())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}
