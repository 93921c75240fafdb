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

// Package device finds the disk to provision and resolves it to a path under
// /dev/disk/by-id so that the pool and generated configuration keep pointing
// at the same hardware after the kernel renames it. Nothing here writes to a
// device.
package device

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/LadySerena/nixos-zfs-bootstrap/gate"
	"github.com/LadySerena/nixos-zfs-bootstrap/utility"
	"github.com/c2h5oh/datasize"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

const ByIDDir = "/dev/disk/by-id/"

var (
	ErrNoDeviceSelected = errors.New("no device selected")
	ErrDeviceNotReady   = errors.New("device not ready")
)

type Disk struct {
	Name               string
	Path               string
	StablePath         string
	Type               string
	Model              string
	Serial             string
	Size               datasize.ByteSize
	PhysicalSectorSize int
	LogicalSectorSize  int
	Removable          bool
	Rotational         bool
}

func (d Disk) String() string {
	model := d.Model
	if model == "" {
		model = "Unknown"
	}
	return fmt.Sprintf("%s - %s (%s)", d.StablePath, model, d.Size.HumanReadable())
}

func sizeOf(bytes lsblkNumber) datasize.ByteSize {
	return datasize.ByteSize(bytes) * datasize.B
}

func candidate(d Disk) bool {
	if d.Type != "disk" || d.Removable {
		return false
	}
	return !strings.HasPrefix(d.Name, "loop") && !strings.HasPrefix(d.Name, "ram") && !strings.HasPrefix(d.Name, "zram")
}

// List returns the whole, fixed disks attached to the machine with their
// stable paths resolved.
func List(ctx context.Context, runner utility.Runner) ([]Disk, error) {
	output, listErr := runner.Run(ctx, lsblkCommand())
	if listErr != nil {
		return nil, listErr
	}
	all, parseErr := parseLsblk(output)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing lsblk output: %w", parseErr)
	}

	var disks []Disk
	for _, d := range all {
		if candidate(d) {
			disks = append(disks, d)
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for index := range disks {
		index := index
		group.Go(func() error {
			stable, resolveErr := StablePath(groupCtx, runner, disks[index].Path)
			if resolveErr != nil {
				return resolveErr
			}
			disks[index].StablePath = stable
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	return disks, nil
}

// Inspect describes a single disk named by the operator. The identifier may
// be a kernel name, a /dev path or a by-id path.
func Inspect(ctx context.Context, runner utility.Runner, identifier string) (Disk, error) {
	if !strings.HasPrefix(identifier, "/") {
		identifier = path.Join("/dev", identifier)
	}

	output, inspectErr := runner.Run(ctx, lsblkCommand(identifier))
	if inspectErr != nil {
		return Disk{}, fmt.Errorf("%w: %s: %v", ErrNoDeviceSelected, identifier, inspectErr)
	}
	disks, parseErr := parseLsblk(output)
	if parseErr != nil {
		return Disk{}, fmt.Errorf("parsing lsblk output: %w", parseErr)
	}
	if len(disks) != 1 {
		return Disk{}, fmt.Errorf("%w: %s matched %d devices", ErrNoDeviceSelected, identifier, len(disks))
	}

	disk := disks[0]
	if disk.Type != "disk" {
		return Disk{}, fmt.Errorf("%w: %s is a %s, not a whole disk", ErrNoDeviceSelected, identifier, disk.Type)
	}

	if strings.HasPrefix(identifier, ByIDDir) {
		disk.StablePath = identifier
		return disk, nil
	}
	stable, resolveErr := StablePath(ctx, runner, disk.Path)
	if resolveErr != nil {
		return Disk{}, resolveErr
	}
	disk.StablePath = stable
	return disk, nil
}

func udevSymlinkCommand(devicePath string) *exec.Cmd {
	return exec.Command("udevadm", "info", "--query=symlink", "--name="+devicePath)
}

// StablePath maps a kernel device path to its by-id alias. Names derived from
// the model and serial are preferred over wwn- names. A device without any
// by-id alias keeps its kernel path.
func StablePath(ctx context.Context, runner utility.Runner, devicePath string) (string, error) {
	if strings.HasPrefix(devicePath, ByIDDir) {
		return devicePath, nil
	}

	output, queryErr := runner.Run(ctx, udevSymlinkCommand(devicePath))
	if queryErr != nil {
		return "", queryErr
	}

	var preferred, fallback []string
	for _, link := range strings.Fields(string(output)) {
		if !strings.HasPrefix(link, "disk/by-id/") {
			continue
		}
		full := "/dev/" + link
		if strings.HasPrefix(link, "disk/by-id/wwn-") || strings.HasPrefix(link, "disk/by-id/nvme-eui.") {
			fallback = append(fallback, full)
			continue
		}
		preferred = append(preferred, full)
	}
	sort.Strings(preferred)
	sort.Strings(fallback)

	switch {
	case len(preferred) > 0:
		return preferred[0], nil
	case len(fallback) > 0:
		return fallback[0], nil
	default:
		return devicePath, nil
	}
}

// Select resolves the target disk. An explicit identifier skips the prompt.
func Select(ctx context.Context, runner utility.Runner, prompter gate.Prompter, explicit string) (Disk, error) {
	if explicit != "" {
		return Inspect(ctx, runner, explicit)
	}

	disks, listErr := List(ctx, runner)
	if listErr != nil {
		return Disk{}, listErr
	}
	if len(disks) == 0 {
		return Disk{}, fmt.Errorf("%w: no suitable disks found", ErrNoDeviceSelected)
	}

	options := make([]string, len(disks))
	for index, disk := range disks {
		options[index] = disk.String()
	}

	selected, promptErr := prompter.Choose("Select target disk for installation:", options)
	if promptErr != nil {
		return Disk{}, fmt.Errorf("%w: %v", ErrNoDeviceSelected, promptErr)
	}
	return disks[selected], nil
}

// PartitionPath names partition number of the disk at devicePath.
func PartitionPath(devicePath string, number int) string {
	switch {
	case strings.HasPrefix(devicePath, ByIDDir):
		return fmt.Sprintf("%s-part%d", devicePath, number)
	case strings.HasPrefix(devicePath, "/dev/nvme"), strings.HasPrefix(devicePath, "/dev/mmcblk"), strings.HasPrefix(devicePath, "/dev/loop"):
		return fmt.Sprintf("%sp%d", devicePath, number)
	default:
		return fmt.Sprintf("%s%d", devicePath, number)
	}
}

// WaitForPath polls until path exists or timeout expires.
func WaitForPath(ctx context.Context, fileSystem afero.Fs, path string, timeout time.Duration, interval time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		exists, statErr := afero.Exists(fileSystem, path)
		if statErr != nil {
			return statErr
		}
		if exists {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("%w: %s did not appear within %s", ErrDeviceNotReady, path, timeout)
		case <-ticker.C:
		}
	}
}
