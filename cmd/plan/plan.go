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
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/LadySerena/nixos-zfs-bootstrap/config"
	"github.com/LadySerena/nixos-zfs-bootstrap/device"
	"github.com/LadySerena/nixos-zfs-bootstrap/mount"
	"github.com/LadySerena/nixos-zfs-bootstrap/partition"
	"github.com/LadySerena/nixos-zfs-bootstrap/utility"
	"github.com/LadySerena/nixos-zfs-bootstrap/zfs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"
)

// plan prints what nixos-zfs-bootstrap would do to a disk. It only reads.
func main() {
	cfg := config.Default()
	configPath := flag.StringP("config", "c", "", "yaml file with settings, flags override it")
	config.BindFlags(flag.CommandLine, &cfg)

	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if err := config.Load(afero.NewOsFs(), *configPath, flag.CommandLine, &cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if cfg.Device == "" {
		log.Fatal().Msg("you must specify a target disk with --device")
	}

	ctx := context.Background()
	runner := utility.CommandRunner{Logger: log.Logger.Level(cfg.Level())}

	disk, inspectErr := device.Inspect(ctx, runner, cfg.Device)
	if inspectErr != nil {
		log.Fatal().Err(inspectErr).Msg("could not inspect disk")
	}

	if err := printPlan(os.Stdout, cfg, disk); err != nil {
		log.Fatal().Err(err).Msg("could not plan")
	}
}

func printPlan(w io.Writer, cfg config.Config, disk device.Disk) error {
	layout, planErr := partition.Plan(disk, cfg.BootSize, cfg.Pool)
	if planErr != nil {
		return planErr
	}

	ashift := zfs.Ashift(disk.PhysicalSectorSize, disk.LogicalSectorSize)
	pool, poolErr := zfs.NewPool(cfg.Pool, layout.Data.Path, cfg.Root, ashift, cfg.RecordSize)
	if poolErr != nil {
		return poolErr
	}
	datasets := zfs.DefaultDatasets(pool.Name, cfg.Reservation)

	mounts, orderErr := mount.Order(mount.BuildPlan(mount.RootEntry(cfg.TmpfsSize), datasets, layout.Boot.Path))
	if orderErr != nil {
		return orderErr
	}

	fmt.Fprintf(w, "disk: %s\n\n", disk)
	fmt.Fprintln(w, "partitions:")
	fmt.Fprintf(w, "  %s\n  %s\n", layout.Boot, layout.Data)
	fmt.Fprintf(w, "  unused: %s\n\n", layout.Slack().HR())
	fmt.Fprintf(w, "pool:\n  zpool %s\n\n", strings.Join(pool.CreateArgs(), " "))
	fmt.Fprintln(w, "datasets:")
	for _, dataset := range datasets {
		fmt.Fprintf(w, "  zfs %s\n", strings.Join(dataset.CreateArgs(), " "))
	}
	fmt.Fprintln(w, "\nmounts:")
	for _, entry := range mounts {
		fmt.Fprintf(w, "  %s\n", strings.Join(mount.Command(cfg.Root, entry).Args, " "))
	}
	return nil
}
