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

// Package provision wires the components into the installation run: pick a
// disk, partition it, build the pool and datasets, mount them and write the
// configuration.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/LadySerena/nixos-zfs-bootstrap/config"
	"github.com/LadySerena/nixos-zfs-bootstrap/configure"
	"github.com/LadySerena/nixos-zfs-bootstrap/device"
	"github.com/LadySerena/nixos-zfs-bootstrap/gate"
	"github.com/LadySerena/nixos-zfs-bootstrap/mount"
	"github.com/LadySerena/nixos-zfs-bootstrap/partition"
	"github.com/LadySerena/nixos-zfs-bootstrap/report"
	"github.com/LadySerena/nixos-zfs-bootstrap/utility"
	"github.com/LadySerena/nixos-zfs-bootstrap/zfs"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

type Provisioner struct {
	Config   config.Config
	Runner   utility.Runner
	Fs       afero.Fs
	Prompter gate.Prompter
	Gate     configure.Confirmer
	// Generator defaults to nixos-generate-config driven through Runner.
	Generator configure.Generator
	// Uploader ships the run report when set.
	Uploader report.Uploader
	Logger   zerolog.Logger
	Progress io.Writer
	Now      func() time.Time

	disk     device.Disk
	pool     zfs.Pool
	layout   partition.Layout
	datasets []zfs.Dataset
	mounts   []mount.Entry
	mounted  bool
	report   *report.Report
}

func (p *Provisioner) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p *Provisioner) Stages() []Stage {
	return []Stage{
		{Name: "select-device", Run: p.selectDevice},
		{Name: "name-pool", Run: p.namePool},
		{Name: "confirm-wipe", Run: p.confirmWipe},
		{Name: "partition", Run: p.partition},
		{Name: "settle", Run: p.settle},
		{Name: "format-boot", Run: p.formatBoot},
		{Name: "create-pool", Run: p.createPool},
		{Name: "create-datasets", Run: p.createDatasets},
		{Name: "mount", Run: p.mount},
		{Name: "persist-skeleton", Run: p.persistSkeleton},
		{Name: "generate-config", Run: p.generateConfig},
		{Name: "passwords", Run: p.passwords},
	}
}

// Run provisions the disk. An error wrapping gate.ErrSelectionAborted from
// the wipe confirmation means nothing was changed.
func (p *Provisioner) Run(ctx context.Context) error {
	p.report = report.New(p.now())

	pipeline := Pipeline{
		Stages:   p.Stages(),
		Logger:   p.Logger,
		Report:   p.report,
		Progress: p.Progress,
		Now:      p.Now,
	}
	runErr := pipeline.Run(ctx)

	switch {
	case runErr == nil:
		p.report.Status = report.StatusSucceeded
	case errors.Is(runErr, gate.ErrSelectionAborted):
		p.report.Status = report.StatusAborted
	default:
		p.report.Status = report.StatusFailed
	}

	if err := p.writeReport(ctx); err != nil {
		p.Logger.Warn().Err(err).Msg("could not save the run report")
	}
	return runErr
}

func (p *Provisioner) Report() *report.Report {
	return p.report
}

func (p *Provisioner) Mounts() []mount.Entry {
	return p.mounts
}

func (p *Provisioner) selectDevice(ctx context.Context) error {
	disk, selectErr := device.Select(ctx, p.Runner, p.Prompter, p.Config.Device)
	if selectErr != nil {
		return selectErr
	}
	p.disk = disk
	p.report.Device = disk.StablePath
	p.Logger.Info().Str("device", disk.StablePath).Str("model", disk.Model).Str("size", disk.Size.HR()).Msg("selected disk")
	return nil
}

func (p *Provisioner) namePool(_ context.Context) error {
	name, askErr := p.Prompter.Ask("Name of the zfs pool:", p.Config.Pool)
	if askErr != nil {
		return fmt.Errorf("%w: %v", zfs.ErrPoolCreationFailed, askErr)
	}
	if err := zfs.ValidatePoolName(name); err != nil {
		return fmt.Errorf("%w: %v", zfs.ErrPoolCreationFailed, err)
	}
	p.Config.Pool = name
	p.report.Pool = name
	return nil
}

func (p *Provisioner) confirmWipe(_ context.Context) error {
	return p.Gate.Confirm(fmt.Sprintf("erase every partition on %s", p.disk))
}

func (p *Provisioner) partition(ctx context.Context) error {
	layout, planErr := partition.Plan(p.disk, p.Config.BootSize, p.Config.Pool)
	if planErr != nil {
		return planErr
	}
	p.layout = layout
	p.Logger.Debug().Str("boot", layout.Boot.String()).Str("data", layout.Data.String()).Msg("partition layout")
	return partition.Apply(ctx, p.Runner, p.Logger, layout)
}

func (p *Provisioner) settle(ctx context.Context) error {
	return partition.WaitForPartitions(ctx, p.Fs, p.layout, p.Config.SettleTimeout)
}

func (p *Provisioner) formatBoot(ctx context.Context) error {
	return partition.FormatBoot(ctx, p.Runner, p.layout)
}

func (p *Provisioner) createPool(ctx context.Context) error {
	ashift := zfs.Ashift(p.disk.PhysicalSectorSize, p.disk.LogicalSectorSize)
	pool, poolErr := zfs.NewPool(p.Config.Pool, p.layout.Data.Path, p.Config.Root, ashift, p.Config.RecordSize)
	if poolErr != nil {
		return poolErr
	}
	p.pool = pool
	p.Logger.Info().Str("pool", pool.Name).Int("ashift", ashift).Msg("creating pool, zpool will ask for the passphrase")
	return zfs.CreatePool(ctx, p.Runner, pool)
}

func (p *Provisioner) createDatasets(ctx context.Context) error {
	p.datasets = zfs.DefaultDatasets(p.pool.Name, p.Config.Reservation)
	if err := zfs.CreateDatasets(ctx, p.Runner, p.pool.Name, p.datasets); err != nil {
		return err
	}
	for _, dataset := range p.datasets {
		p.report.Datasets = append(p.report.Datasets, dataset.Name)
	}
	return nil
}

func (p *Provisioner) mount(ctx context.Context) error {
	p.mounts = mount.BuildPlan(mount.RootEntry(p.Config.TmpfsSize), p.datasets, p.layout.Boot.Path)
	if err := mount.Mount(ctx, p.Runner, p.Fs, p.Config.Root, p.mounts); err != nil {
		return err
	}
	p.mounted = true
	for _, entry := range p.mounts {
		p.report.Mounts = append(p.report.Mounts, entry.Path(p.Config.Root))
	}
	return nil
}

func (p *Provisioner) persistSkeleton(_ context.Context) error {
	created, err := configure.PersistSkeleton(p.Fs, p.Config.Root, p.Config.PersistDirectories)
	p.Logger.Debug().Strs("directories", created).Msg("persist skeleton")
	return err
}

func (p *Provisioner) generateConfig(ctx context.Context) error {
	hostID, hostErr := configure.HostID(p.Fs, p.Config.MachineIDPath)
	if hostErr != nil {
		return hostErr
	}

	generator := p.Generator
	if generator == nil {
		generator = configure.NixosGenerateConfig{Runner: p.Runner}
	}

	emitter := configure.Emitter{
		Fs:         p.Fs,
		Root:       p.Config.Root,
		Generator:  generator,
		Patcher:    configure.NewTmpfsPatcher(mount.RootOptions(p.Config.TmpfsSize)),
		UserConfig: p.Config.UserConfig,
		Logger:     p.Logger,
	}
	return emitter.Emit(ctx, configure.NewFacts(hostID, p.layout.Data.Path))
}

func (p *Provisioner) passwords(ctx context.Context) error {
	passwords := configure.Passwords{
		Runner:  p.Runner,
		Fs:      p.Fs,
		Root:    p.Config.Root,
		Confirm: p.Gate,
		Logger:  p.Logger,
	}
	_, err := passwords.Set(ctx, p.Config.Users)
	return err
}

// writeReport only has somewhere to go once the new system is mounted.
func (p *Provisioner) writeReport(ctx context.Context) error {
	if !p.mounted {
		return nil
	}

	directory := filepath.Join(p.Config.Root, p.Config.ReportDir)
	reportPath, writeErr := p.report.Write(p.Fs, directory)
	if writeErr != nil {
		return writeErr
	}
	p.Logger.Info().Str("path", reportPath).Msg("run report written")

	if p.Uploader == nil {
		return nil
	}
	return report.Publish(ctx, p.Fs, p.Uploader, reportPath)
}
