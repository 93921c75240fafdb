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

package mount

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/LadySerena/nixos-zfs-bootstrap/utility"
	"github.com/LadySerena/nixos-zfs-bootstrap/zfs"
	"github.com/c2h5oh/datasize"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
)

const (
	DefaultRootSize = 2 * datasize.GB
	BootTarget      = "boot"
)

var ErrMountFailed = errors.New("mount failed")

// Entry mounts Source at Target, a path relative to the transient root. The
// root itself has an empty Target.
type Entry struct {
	Source  string
	Target  string
	FSType  string
	Options []string
}

func (e Entry) Path(root string) string {
	return filepath.Join(root, e.Target)
}

func (e Entry) depth() int {
	if e.Target == "" {
		return 0
	}
	return strings.Count(e.Target, "/") + 1
}

// RootOptions are the tmpfs options of the transient root. The generated
// configuration repeats them so the booted system matches the installer.
func RootOptions(size datasize.ByteSize) []string {
	if size == 0 {
		size = DefaultRootSize
	}
	return []string{"defaults", "size=" + zfs.Size(size), "mode=755"}
}

func RootEntry(size datasize.ByteSize) Entry {
	return Entry{Source: "none", FSType: "tmpfs", Options: RootOptions(size)}
}

// BuildPlan lists what gets mounted beneath the transient root. Datasets that
// are not mountable, the reservation in particular, never appear.
func BuildPlan(root Entry, datasets []zfs.Dataset, bootPartition string) []Entry {
	entries := []Entry{root}
	for _, dataset := range datasets {
		if !dataset.Mountable() {
			continue
		}
		entries = append(entries, Entry{Source: dataset.Name, Target: dataset.Target, FSType: "zfs"})
	}
	return append(entries, Entry{Source: bootPartition, Target: BootTarget, FSType: "vfat"})
}

// Order sorts entries so every parent path is mounted before anything below
// it. Sorting by depth is a topological order of the path tree; entries at
// the same depth keep their relative order.
func Order(entries []Entry) ([]Entry, error) {
	ordered := make([]Entry, 0, len(entries))
	targets := map[string]bool{}
	for _, entry := range entries {
		target := entry.Target
		if target != "" {
			target = path.Clean(target)
			if path.IsAbs(target) || target == "." || target == ".." || strings.HasPrefix(target, "../") {
				return nil, fmt.Errorf("%w: target %q must be relative to the root", ErrMountFailed, entry.Target)
			}
		}
		if targets[target] {
			return nil, fmt.Errorf("%w: %q is mounted twice", ErrMountFailed, target)
		}
		targets[target] = true
		entry.Target = target
		ordered = append(ordered, entry)
	}

	if len(ordered) > 0 && !targets[""] {
		return nil, fmt.Errorf("%w: plan has no root entry", ErrMountFailed)
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].depth() < ordered[j].depth()
	})
	return ordered, nil
}

func Command(root string, entry Entry) *exec.Cmd {
	args := []string{"-t", entry.FSType}
	if len(entry.Options) > 0 {
		args = append(args, "-o", strings.Join(entry.Options, ","))
	}
	args = append(args, entry.Source, entry.Path(root))
	return exec.Command("mount", args...)
}

// Mount creates each mount point only after its parent is mounted, otherwise
// the directory would end up hidden under the parent mount.
func Mount(ctx context.Context, runner utility.Runner, fileSystem afero.Fs, root string, entries []Entry) error {
	ordered, orderErr := Order(entries)
	if orderErr != nil {
		return orderErr
	}

	for _, entry := range ordered {
		target := entry.Path(root)
		if err := fileSystem.MkdirAll(target, 0755); err != nil {
			return fmt.Errorf("%w: creating %s: %v", ErrMountFailed, target, err)
		}
		if _, err := runner.Run(ctx, Command(root, entry)); err != nil {
			return fmt.Errorf("%w: %s on %s: %v", ErrMountFailed, entry.Source, target, err)
		}
	}
	return nil
}

// Teardown undoes a partial or complete run so it can be started again. It
// keeps going past failures and reports all of them.
func Teardown(ctx context.Context, runner utility.Runner, root string, entries []Entry, pool string) error {
	ordered, orderErr := Order(entries)
	if orderErr != nil {
		return orderErr
	}

	var result *multierror.Error
	for index := len(ordered) - 1; index >= 0; index-- {
		target := ordered[index].Path(root)
		if _, err := runner.Run(ctx, exec.Command("umount", target)); err != nil {
			result = multierror.Append(result, fmt.Errorf("unmounting %s: %w", target, err))
		}
	}

	if pool != "" {
		if err := zfs.ExportPool(ctx, runner, pool); err != nil {
			result = multierror.Append(result, fmt.Errorf("exporting %s: %w", pool, err))
		}
	}

	return result.ErrorOrNil()
}
