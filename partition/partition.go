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

package partition

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/LadySerena/nixos-zfs-bootstrap/device"
	"github.com/LadySerena/nixos-zfs-bootstrap/utility"
	"github.com/c2h5oh/datasize"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

const (
	// DefaultBootSize is one decimal gigabyte expressed in whole mebibytes
	DefaultBootSize = 954 * datasize.MB
	// Alignment partitions start and end on 1MiB boundaries like sgdisk does by default
	Alignment = datasize.MB

	BootTypeCode = "ef00"
	DataTypeCode = "bf00"
	BootLabel    = "boot"

	minimumDataSize = datasize.GB

	settleInterval = 250 * time.Millisecond
)

var ErrPartitionCreationFailed = errors.New("partition creation failed")

type Partition struct {
	Number   int
	Start    datasize.ByteSize
	Size     datasize.ByteSize
	TypeCode string
	Label    string
	Path     string
}

func (p Partition) String() string {
	return fmt.Sprintf("partition %d: label=%s type=%s start=%s size=%s path=%s", p.Number, p.Label, p.TypeCode, p.Start.HumanReadable(), p.Size.HumanReadable(), p.Path)
}

type Layout struct {
	Device    string
	Capacity  datasize.ByteSize
	Alignment datasize.ByteSize
	Boot      Partition
	Data      Partition
}

// Slack is the space left unallocated by rounding the data partition down.
func (l Layout) Slack() datasize.ByteSize {
	return l.Capacity - l.Boot.Size - l.Data.Size
}

func alignUp(size datasize.ByteSize, alignment datasize.ByteSize) datasize.ByteSize {
	return (size + alignment - 1) / alignment * alignment
}

func alignDown(size datasize.ByteSize, alignment datasize.ByteSize) datasize.ByteSize {
	return size / alignment * alignment
}

// Plan lays the boot partition out first and hands the data partition the
// exact aligned remainder of the disk. label names the data partition.
func Plan(disk device.Disk, bootSize datasize.ByteSize, label string) (Layout, error) {
	if disk.StablePath == "" {
		return Layout{}, fmt.Errorf("%w: disk %s has no resolved path", ErrPartitionCreationFailed, disk.Path)
	}
	if bootSize == 0 {
		bootSize = DefaultBootSize
	}

	bootSize = alignUp(bootSize, Alignment)
	if disk.Size < bootSize+minimumDataSize {
		return Layout{}, fmt.Errorf("%w: device: %s is %s, needs at least %s", ErrPartitionCreationFailed, disk.StablePath, disk.Size.HumanReadable(), (bootSize + minimumDataSize).HumanReadable())
	}

	return Layout{
		Device:    disk.StablePath,
		Capacity:  disk.Size,
		Alignment: Alignment,
		Boot: Partition{
			Number:   1,
			Start:    0,
			Size:     bootSize,
			TypeCode: BootTypeCode,
			Label:    BootLabel,
			Path:     device.PartitionPath(disk.StablePath, 1),
		},
		Data: Partition{
			Number:   2,
			Start:    bootSize,
			Size:     alignDown(disk.Size-bootSize, Alignment),
			TypeCode: DataTypeCode,
			Label:    label,
			Path:     device.PartitionPath(disk.StablePath, 2),
		},
	}, nil
}

func sgdiskCommand(disk string, options ...string) *exec.Cmd {
	args := append(options, disk)
	return exec.Command("sgdisk", args...)
}

// arguments builds the sgdisk partition options. The data partition is given
// as 0:0 so sgdisk itself takes whatever space remains after the boot partition.
func (l Layout) arguments() []string {
	boot := l.Boot
	data := l.Data
	return []string{
		fmt.Sprintf("--new=%d:0:+%dM", boot.Number, uint64(boot.Size/datasize.MB)),
		fmt.Sprintf("--typecode=%d:%s", boot.Number, boot.TypeCode),
		fmt.Sprintf("--change-name=%d:%s", boot.Number, boot.Label),
		fmt.Sprintf("--new=%d:0:0", data.Number),
		fmt.Sprintf("--typecode=%d:%s", data.Number, data.TypeCode),
		fmt.Sprintf("--change-name=%d:%s", data.Number, data.Label),
	}
}

// Apply wipes the partition table of the layout's device and writes the boot
// and data partitions. Nothing is rolled back on failure.
func Apply(ctx context.Context, runner utility.Runner, logger zerolog.Logger, layout Layout) error {
	wipe := sgdiskCommand(layout.Device, "--zap-all")
	if _, err := runner.Run(ctx, wipe); err != nil {
		return fmt.Errorf("%w: wiping %s: %v", ErrPartitionCreationFailed, layout.Device, err)
	}

	table := sgdiskCommand(layout.Device, layout.arguments()...)
	if _, err := runner.Run(ctx, table); err != nil {
		return fmt.Errorf("%w: %v", ErrPartitionCreationFailed, err)
	}

	// the partition nodes are polled for afterwards so a failed settle is not fatal
	if _, err := runner.Run(ctx, exec.Command("udevadm", "settle")); err != nil {
		logger.Warn().Err(err).Msg("udevadm settle failed")
	}

	return nil
}

// WaitForPartitions blocks until the kernel has created both partition nodes.
func WaitForPartitions(ctx context.Context, fileSystem afero.Fs, layout Layout, timeout time.Duration) error {
	for _, partition := range []Partition{layout.Boot, layout.Data} {
		if err := device.WaitForPath(ctx, fileSystem, partition.Path, timeout, settleInterval); err != nil {
			return err
		}
	}
	return nil
}

func FormatBoot(ctx context.Context, runner utility.Runner, layout Layout) error {
	bootFS := exec.Command("mkfs.fat", "-F", "32", "-n", layout.Boot.Label, layout.Boot.Path)
	if _, err := runner.Run(ctx, bootFS); err != nil {
		return fmt.Errorf("%w: formatting boot partition: %v", ErrPartitionCreationFailed, err)
	}
	return nil
}
