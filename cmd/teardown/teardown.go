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

	"github.com/LadySerena/nixos-zfs-bootstrap/config"
	"github.com/LadySerena/nixos-zfs-bootstrap/gate"
	"github.com/LadySerena/nixos-zfs-bootstrap/mount"
	"github.com/LadySerena/nixos-zfs-bootstrap/utility"
	"github.com/LadySerena/nixos-zfs-bootstrap/zfs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"
)

// teardown unmounts a previous run and exports its pool so the disk can be
// provisioned again.
func main() {
	cfg := config.Default()
	configPath := flag.StringP("config", "c", "", "yaml file with settings, flags override it")
	config.BindFlags(flag.CommandLine, &cfg)

	flag.Parse()

	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if err := config.Load(afero.NewOsFs(), *configPath, flag.CommandLine, &cfg); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	if os.Geteuid() != 0 {
		log.Fatal().Msg("teardown must be run as root")
	}

	confirm := gate.NewGate(gate.Survey{}, os.Stdout)
	if err := confirm.Confirm(fmt.Sprintf("unmount everything below %s and export %s", cfg.Root, cfg.Pool)); err != nil {
		if errors.Is(err, gate.ErrSelectionAborted) {
			fmt.Println("nope")
			return
		}
		log.Fatal().Err(err).Msg("could not confirm")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	runner := utility.CommandRunner{Logger: log.Logger.Level(cfg.Level())}
	datasets := zfs.DefaultDatasets(cfg.Pool, cfg.Reservation)
	// umount only needs the targets
	entries := mount.BuildPlan(mount.RootEntry(cfg.TmpfsSize), datasets, "")

	if err := mount.Teardown(ctx, runner, cfg.Root, entries, cfg.Pool); err != nil {
		log.Fatal().Err(err).Msg("teardown incomplete")
	}
	log.Info().Str("root", cfg.Root).Str("pool", cfg.Pool).Msg("torn down")
}
