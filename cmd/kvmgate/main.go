// Package main provides the CLI entry point for the KVM Gate device
// endpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/spf13/cobra"

	"github.com/kvmgate/kvmgate/internal/config"
	"github.com/kvmgate/kvmgate/internal/device"
	"github.com/kvmgate/kvmgate/internal/hid"
	"github.com/kvmgate/kvmgate/internal/identity"
	"github.com/kvmgate/kvmgate/internal/logging"
	"github.com/kvmgate/kvmgate/internal/media"
	"github.com/kvmgate/kvmgate/internal/metrics"
	"github.com/kvmgate/kvmgate/internal/session"
	"github.com/kvmgate/kvmgate/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "kvmgate",
		Short: "KVM Gate - headless remote access endpoint",
		Long: `KVM Gate turns a headless server into a remotely accessible device.

It registers with a rendezvous server, accepts relayed operator
sessions protected by end-to-end encryption, streams the capture
pipeline's video and audio out, and injects operator input through
the HID layer.`,
		Version: Version,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(idCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the device identity",
		Long:  "Create the data directory and generate the device identity without touching any configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if identity.Exists(dataDir) {
				ident, err := identity.Load(dataDir)
				if err != nil {
					return fmt.Errorf("failed to load existing identity: %w", err)
				}
				fmt.Printf("Device already initialized in %s\n", dataDir)
				fmt.Printf("Device ID: %s\n", ident.ID())
				return nil
			}

			ident, _, err := identity.LoadOrCreate(dataDir, "auto")
			if err != nil {
				return fmt.Errorf("failed to initialize device: %w", err)
			}

			fmt.Printf("Device initialized in %s\n", dataDir)
			fmt.Printf("Device ID: %s\n", ident.ID())
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")

	return cmd
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long:  "Walk through the initial configuration and write a config file.",
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
		Short: "Run the device endpoint",
		Long:  "Start the device endpoint with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Device.LogLevel, cfg.Device.LogFormat)

			ident, created, err := identity.LoadOrCreate(cfg.Device.DataDir, cfg.Device.ID)
			if err != nil {
				return fmt.Errorf("failed to load device identity: %w", err)
			}
			if created {
				logger.Info("generated new device identity",
					logging.KeyDeviceID, ident.ShortID(),
				)
			}

			prometheus.DefaultRegisterer.MustRegister(version.NewCollector("kvmgate"))

			d := device.New(device.Options{
				Config:   cfg,
				Identity: ident,
				// The capture and input pipelines attach at integration
				// time; the endpoint runs headless without them.
				Collaborators: session.Collaborators{
					Input:     hid.DiscardSink{},
					Clipboard: media.DiscardClipboard{},
				},
				Logger:  logger,
				Metrics: metrics.Default(),
			})

			fmt.Printf("Starting KVM Gate device...\n")
			fmt.Printf("Device ID: %s\n", ident.ID())

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := d.Run(ctx); err != nil && err != context.Canceled {
				return err
			}

			fmt.Println("Device stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func idCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "id",
		Short: "Show the device identity",
		Long:  "Print the device ID and public keys from the data directory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !identity.Exists(dataDir) {
				return fmt.Errorf("no identity in %s; run 'kvmgate init' first", dataDir)
			}

			ident, err := identity.Load(dataDir)
			if err != nil {
				return fmt.Errorf("failed to load identity: %w", err)
			}

			signPub := ident.SigningPublicKey()
			encPub := ident.EncryptionPublicKey()
			fmt.Printf("Device ID:       %s\n", ident.ID())
			fmt.Printf("Signing key:     %x\n", signPub[:])
			fmt.Printf("Encryption key:  %x\n", encPub[:])
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")

	return cmd
}
