/*
 * Copyright (c) 2026 Serena Tiede
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/LadySerena/nixos-zfs-bootstrap/config"
	"github.com/LadySerena/nixos-zfs-bootstrap/gate"
	"github.com/LadySerena/nixos-zfs-bootstrap/provision"
	"github.com/LadySerena/nixos-zfs-bootstrap/report"
	"github.com/LadySerena/nixos-zfs-bootstrap/telemetry"
	"github.com/LadySerena/nixos-zfs-bootstrap/utility"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

// steps
// * pick the target disk
// * name the pool
// * confirm the wipe
// partition boot + data
// wait for the partition nodes
// format boot
// create the encrypted pool
// create datasets
// mount tmpfs root, datasets and boot
// persist skeleton
// generate and patch configuration
// password hashes

func main() {
	cfg := config.Default()
	configPath := ""

	rootCmd := &cobra.Command{
		Use:   "nixos-zfs-bootstrap",
		Short: "Prepare a disk for a NixOS install on an encrypted zfs pool",
		Long: `nixos-zfs-bootstrap wipes the selected disk, creates a boot partition and an
encrypted zfs pool, mounts everything below a tmpfs root and writes the
machine specific NixOS configuration. Run nixos-install afterwards.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, configPath, &cfg)
		},
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "yaml file with settings, flags override it")
	config.BindFlags(rootCmd.Flags(), &cfg)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nixos-zfs-bootstrap %s (commit: %s)\n", version, commit)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, configPath string, cfg *config.Config) error {
	if os.Geteuid() != 0 {
		return errors.New("nixos-zfs-bootstrap must be run as root")
	}

	localFs := afero.NewOsFs()
	if err := config.Load(localFs, configPath, cmd.Flags(), cfg); err != nil {
		return err
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(cfg.Level()).
		With().Timestamp().Logger()
	log.Logger = logger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, traceErr := telemetry.Setup(cfg.TraceEndpoint)
	if traceErr != nil {
		return fmt.Errorf("error setting up tracing: %w", traceErr)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("could not flush traces")
		}
	}()

	prompter := gate.Survey{}
	provisioner := &provision.Provisioner{
		Config:   *cfg,
		Runner:   utility.CommandRunner{Logger: logger},
		Fs:       localFs,
		Prompter: prompter,
		Gate:     gate.NewGate(prompter, os.Stdout),
		Logger:   logger,
		Progress: os.Stdout,
	}
	if cfg.ReportBucket != "" {
		provisioner.Uploader = report.GCSUploader{Bucket: cfg.ReportBucket, CredentialsFile: cfg.CredentialsFile}
	}

	runErr := provisioner.Run(ctx)
	if errors.Is(runErr, gate.ErrSelectionAborted) {
		fmt.Println("aborted, nothing was changed")
		return nil
	}
	if runErr != nil {
		return fmt.Errorf("provisioning failed: %w", runErr)
	}

	color.Green("\n✓ %s is ready, run: nixos-install --root %s", cfg.Root, cfg.Root)
	return nil
}
