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
	"path"
	"reflect"
	"testing"

	"github.com/LadySerena/nixos-zfs-bootstrap/utility"
	"github.com/LadySerena/nixos-zfs-bootstrap/zfs"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bootPartition = "/dev/disk/by-id/test-disk-part1"

func defaultPlan() []Entry {
	return BuildPlan(RootEntry(0), zfs.DefaultDatasets("rpool", 0), bootPartition)
}

func TestCommand(t *testing.T) {
	cases := []struct {
		entry    Entry
		expected []string
	}{
		{
			entry:    RootEntry(0),
			expected: []string{"mount", "-t", "tmpfs", "-o", "defaults,size=2G,mode=755", "none", "/mnt"},
		},
		{
			entry:    Entry{Source: "rpool/local/nix", Target: "nix", FSType: "zfs"},
			expected: []string{"mount", "-t", "zfs", "rpool/local/nix", "/mnt/nix"},
		},
	}
	for index, tt := range cases {
		actual := Command("/mnt", tt.entry)
		if !reflect.DeepEqual(actual.Args, tt.expected) {
			t.Errorf("Command(%d): expected %v, actual %v", index, tt.expected, actual.Args)
		}
	}
}

func TestBuildPlanExcludesReservation(t *testing.T) {
	for _, entry := range defaultPlan() {
		assert.NotEqual(t, "rpool/reserved", entry.Source)
	}

	datasets := zfs.DefaultDatasets("rpool", 0)
	datasets[3].Target = "reserved"
	datasets[3].MountMode = zfs.MountLegacy
	for _, entry := range BuildPlan(RootEntry(0), datasets, bootPartition) {
		assert.NotEqual(t, "rpool/reserved", entry.Source, "the reservation stays unmounted whatever its mountpoint says")
	}
}

func TestOrderIsTopological(t *testing.T) {
	entries := []Entry{
		{Source: "rpool/safe/log", Target: "var/log", FSType: "zfs"},
		{Source: "rpool/local/nix", Target: "nix", FSType: "zfs"},
		{Source: "/dev/sda1", Target: "boot/efi", FSType: "vfat"},
		{Source: "rpool/safe/var", Target: "var", FSType: "zfs"},
		RootEntry(0),
		{Source: "/dev/sda2", Target: "boot", FSType: "vfat"},
	}

	ordered, err := Order(entries)
	require.NoError(t, err)

	position := map[string]int{}
	for index, entry := range ordered {
		position[entry.Target] = index
	}
	for _, entry := range ordered {
		for parent := path.Dir(entry.Target); entry.Target != ""; parent = path.Dir(parent) {
			if parent == "." {
				parent = ""
			}
			if parentIndex, ok := position[parent]; ok {
				assert.Less(t, parentIndex, position[entry.Target], "%q must follow %q", entry.Target, parent)
			}
			if parent == "" {
				break
			}
		}
	}
	assert.Equal(t, "", ordered[0].Target)
}

func TestOrderKeepsSiblingOrder(t *testing.T) {
	ordered, err := Order(defaultPlan())
	require.NoError(t, err)

	targets := make([]string, 0, len(ordered))
	for _, entry := range ordered {
		targets = append(targets, entry.Target)
	}
	assert.Equal(t, []string{"", "nix", "home", "persist", "boot"}, targets)
}

func TestOrderRejectsBadPlans(t *testing.T) {
	cases := []struct {
		name    string
		entries []Entry
	}{
		{name: "duplicate", entries: []Entry{RootEntry(0), {Target: "nix"}, {Target: "nix/"}}},
		{name: "escape", entries: []Entry{RootEntry(0), {Target: "../etc"}}},
		{name: "absolute", entries: []Entry{RootEntry(0), {Target: "/nix"}}},
		{name: "no root", entries: []Entry{{Target: "nix"}}},
	}
	for _, tt := range cases {
		_, err := Order(tt.entries)
		assert.ErrorIs(t, err, ErrMountFailed, tt.name)
	}
}

func TestMount(t *testing.T) {
	runner := utility.NewFakeRunner()
	fileSystem := afero.NewMemMapFs()

	require.NoError(t, Mount(context.Background(), runner, fileSystem, "/mnt", defaultPlan()))
	assert.Equal(t, []string{
		"mount -t tmpfs -o defaults,size=2G,mode=755 none /mnt",
		"mount -t zfs rpool/local/nix /mnt/nix",
		"mount -t zfs rpool/safe/home /mnt/home",
		"mount -t zfs rpool/safe/persist /mnt/persist",
		"mount -t vfat /dev/disk/by-id/test-disk-part1 /mnt/boot",
	}, runner.CommandLines())

	for _, dir := range []string{"/mnt", "/mnt/nix", "/mnt/home", "/mnt/persist", "/mnt/boot"} {
		exists, err := afero.DirExists(fileSystem, dir)
		require.NoError(t, err)
		assert.True(t, exists, dir)
	}
}

func TestMountCreatesChildAfterParentMounted(t *testing.T) {
	runner := utility.NewFakeRunner()
	fileSystem := afero.NewMemMapFs()

	var mountedBeforeChildDir bool
	runner.Effects["mount -t tmpfs"] = func(args []string) error {
		exists, _ := afero.DirExists(fileSystem, "/mnt/nix")
		mountedBeforeChildDir = !exists
		return nil
	}

	require.NoError(t, Mount(context.Background(), runner, fileSystem, "/mnt", defaultPlan()))
	assert.True(t, mountedBeforeChildDir, "/mnt/nix must not exist before the root is mounted")
}

func TestMountFailureStops(t *testing.T) {
	runner := utility.NewFakeRunner()
	runner.Failures["mount -t zfs rpool/safe/home"] = "filesystem 'rpool/safe/home' cannot be mounted"

	err := Mount(context.Background(), runner, afero.NewMemMapFs(), "/mnt", defaultPlan())
	assert.ErrorIs(t, err, ErrMountFailed)
	assert.False(t, runner.Ran("mount -t zfs rpool/safe/persist"))
	assert.False(t, runner.Ran("umount"), "failed runs are never unmounted automatically")
}

func TestTeardown(t *testing.T) {
	runner := utility.NewFakeRunner()
	runner.Failures["umount /mnt/home"] = "target is busy"

	err := Teardown(context.Background(), runner, "/mnt", defaultPlan(), "rpool")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/mnt/home")

	assert.Equal(t, []string{
		"umount /mnt/boot",
		"umount /mnt/persist",
		"umount /mnt/home",
		"umount /mnt/nix",
		"umount /mnt",
		"zpool export rpool",
	}, runner.CommandLines())
}

func TestTeardownClean(t *testing.T) {
	runner := utility.NewFakeRunner()
	assert.NoError(t, Teardown(context.Background(), runner, "/mnt", defaultPlan(), ""))
	assert.False(t, runner.Ran("zpool"))
}
