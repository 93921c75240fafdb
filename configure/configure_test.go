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

package configure

import (
	"context"
	"io"
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/LadySerena/nixos-zfs-bootstrap/gate"
	"github.com/LadySerena/nixos-zfs-bootstrap/utility"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	generatedHardware = `{ config, lib, pkgs, modulesPath, ... }:

{
  fileSystems."/" =
    { device = "none";
      fsType = "tmpfs";
    };

  fileSystems."/nix" =
    { device = "rpool/local/nix";
      fsType = "zfs";
    };
}
`
	generatedConfiguration = `{ config, pkgs, ... }:

{
  imports = [ ./hardware-configuration.nix ];

  system.stateVersion = "23.11";
}
`
	tmpfsOptions = `options = [ "defaults" "size=2G" "mode=755" ];`
)

func writeGenerated(fs afero.Fs, root string) func(args []string) error {
	return func(args []string) error {
		if err := afero.WriteFile(fs, root+"/etc/nixos/hardware-configuration.nix", []byte(generatedHardware), 0644); err != nil {
			return err
		}
		return afero.WriteFile(fs, root+"/etc/nixos/configuration.nix", []byte(generatedConfiguration), 0644)
	}
}

func newEmitter(fs afero.Fs, runner *utility.FakeRunner) Emitter {
	runner.Effects["nixos-generate-config"] = writeGenerated(fs, "/mnt")
	return Emitter{
		Fs:        fs,
		Root:      "/mnt",
		Generator: NixosGenerateConfig{Runner: runner},
		Patcher:   NewTmpfsPatcher([]string{"defaults", "size=2G", "mode=755"}),
		Logger:    zerolog.Nop(),
	}
}

func TestGenerateConfigCommand(t *testing.T) {
	expected := []string{"nixos-generate-config", "--root", "/mnt"}
	actual := GenerateConfigCommand("/mnt")
	if !reflect.DeepEqual(actual.Args, expected) {
		t.Errorf("expected %v, actual %v", expected, actual.Args)
	}
}

func TestHostID(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/machine-id", []byte("4A3B2C1D9E8F40718293A4B5C6D7E8F9\n"), 0444))

	hostID, err := HostID(fs, "")
	require.NoError(t, err)
	assert.Equal(t, "4a3b2c1d", hostID)

	require.NoError(t, afero.WriteFile(fs, "/short", []byte("abc\n"), 0444))
	_, err = HostID(fs, "/short")
	assert.ErrorIs(t, err, ErrConfigGenerationFailed)

	require.NoError(t, afero.WriteFile(fs, "/nothex", []byte("zzzzzzzzzzzz\n"), 0444))
	_, err = HostID(fs, "/nothex")
	assert.ErrorIs(t, err, ErrConfigGenerationFailed)

	_, err = HostID(fs, "/missing")
	assert.ErrorIs(t, err, ErrConfigGenerationFailed)
}

func TestNewFacts(t *testing.T) {
	facts := NewFacts("4a3b2c1d", "/dev/disk/by-id/test-disk-part2")
	assert.Equal(t, "/dev/disk/by-id", facts.DevNodes)
}

func TestNewTmpfsPatcher(t *testing.T) {
	patcher := NewTmpfsPatcher([]string{"defaults", "size=2G", "mode=755"})
	assert.Equal(t, TmpfsMarker, patcher.Marker)
	assert.Equal(t, tmpfsOptions, patcher.Insert)
}

func TestMarkerPatcher(t *testing.T) {
	patcher := NewTmpfsPatcher([]string{"defaults", "size=2G", "mode=755"})
	input := "  a = {\n      fsType = \"tmpfs\";\n  };\n\tfsType = \"tmpfs\";\nfsType = \"zfs\";\n"

	patched, count, err := patcher.Patch([]byte(input))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, "  a = {\n      fsType = \"tmpfs\";\n      "+tmpfsOptions+"\n  };\n\tfsType = \"tmpfs\";\n\t"+tmpfsOptions+"\nfsType = \"zfs\";\n", string(patched))

	again, count, err := patcher.Patch(patched)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, string(patched), string(again))
}

func TestMarkerPatcherNoMarker(t *testing.T) {
	patcher := NewTmpfsPatcher([]string{"defaults"})
	patched, count, err := patcher.Patch([]byte(generatedConfiguration))
	require.NoError(t, err)
	assert.Equal(t, 0, count)
	assert.Equal(t, generatedConfiguration, string(patched))

	_, _, err = MarkerPatcher{}.Patch([]byte(generatedConfiguration))
	assert.ErrorIs(t, err, ErrConfigGenerationFailed)
}

func TestAppendFragment(t *testing.T) {
	fragment := []byte("  networking.hostId = \"4a3b2c1d\";\n")
	extended, err := AppendFragment([]byte("{\n  a = 1;\n}\n"), fragment)
	require.NoError(t, err)
	assert.Equal(t, "{\n  a = 1;\n  networking.hostId = \"4a3b2c1d\";\n}\n", string(extended))

	again, err := AppendFragment(extended, fragment)
	require.NoError(t, err)
	assert.Equal(t, string(extended), string(again))

	_, err = AppendFragment([]byte("no braces here"), fragment)
	assert.ErrorIs(t, err, ErrConfigGenerationFailed)
}

func TestEmit(t *testing.T) {
	fs := afero.NewMemMapFs()
	runner := utility.NewFakeRunner()
	emitter := newEmitter(fs, runner)
	require.NoError(t, afero.WriteFile(fs, "/home/nixos/config/desktop.nix", []byte("{ }\n"), 0644))
	emitter.UserConfig = "/home/nixos/config"

	facts := NewFacts("4a3b2c1d", "/dev/disk/by-id/test-disk-part2")
	require.NoError(t, emitter.Emit(context.Background(), facts))
	assert.Equal(t, []string{"nixos-generate-config --root /mnt"}, runner.CommandLines())

	configuration, err := afero.ReadFile(fs, "/mnt/etc/nixos/configuration.nix")
	require.NoError(t, err)
	assert.Contains(t, string(configuration), `networking.hostId = "4a3b2c1d";`)
	assert.Contains(t, string(configuration), `boot.zfs.devNodes = "/dev/disk/by-id";`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(string(configuration)), "}"))
	assert.Contains(t, string(configuration), `system.stateVersion = "23.11";`)

	hardware, err := afero.ReadFile(fs, "/mnt/etc/nixos/hardware-configuration.nix")
	require.NoError(t, err)
	assert.Contains(t, string(hardware), "      fsType = \"tmpfs\";\n      "+tmpfsOptions+"\n")
	assert.Equal(t, 1, strings.Count(string(hardware), "options = ["))

	for _, name := range []string{"configuration.nix", "hardware-configuration.nix", "desktop.nix"} {
		live, liveErr := afero.ReadFile(fs, "/mnt/etc/nixos/"+name)
		require.NoError(t, liveErr, name)
		persisted, persistErr := afero.ReadFile(fs, "/mnt/persist/etc/nixos/"+name)
		require.NoError(t, persistErr, name)
		assert.Equal(t, string(live), string(persisted), name)
	}
}

func TestEmitRejectsUserFileCollision(t *testing.T) {
	fs := afero.NewMemMapFs()
	emitter := newEmitter(fs, utility.NewFakeRunner())
	require.NoError(t, afero.WriteFile(fs, "/user/configuration.nix", []byte("{ }\n"), 0644))
	emitter.UserConfig = "/user"

	err := emitter.Emit(context.Background(), NewFacts("4a3b2c1d", "/dev/sda2"))
	assert.ErrorIs(t, err, ErrConfigGenerationFailed)

	configuration, readErr := afero.ReadFile(fs, "/mnt/etc/nixos/configuration.nix")
	require.NoError(t, readErr)
	assert.Contains(t, string(configuration), "networking.hostId")
}

func TestEmitGeneratorFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	runner := utility.NewFakeRunner()
	emitter := newEmitter(fs, runner)
	runner.Failures["nixos-generate-config"] = "cannot find root file system"

	err := emitter.Emit(context.Background(), NewFacts("4a3b2c1d", "/dev/sda2"))
	assert.ErrorIs(t, err, ErrConfigGenerationFailed)
	assert.Contains(t, err.Error(), "cannot find root file system")
}

func TestEmitNeedsFacts(t *testing.T) {
	fs := afero.NewMemMapFs()
	runner := utility.NewFakeRunner()
	err := newEmitter(fs, runner).Emit(context.Background(), Facts{})
	assert.ErrorIs(t, err, ErrConfigGenerationFailed)
	assert.Empty(t, runner.Commands)
}

func TestPersistSkeleton(t *testing.T) {
	fs := afero.NewMemMapFs()
	directories := append(append([]string{}, DefaultPersistDirectories...), "var/lib/bluetooth", "var/lib/bluetooth/")

	created, err := PersistSkeleton(fs, "/mnt", directories)
	require.NoError(t, err)
	assert.Len(t, created, len(DefaultPersistDirectories))

	for _, directory := range DefaultPersistDirectories {
		exists, existsErr := afero.DirExists(fs, "/mnt/persist/"+directory)
		require.NoError(t, existsErr)
		assert.True(t, exists, directory)
	}

	info, statErr := fs.Stat("/mnt/persist/passwords")
	require.NoError(t, statErr)
	assert.Equal(t, os.FileMode(0700), info.Mode().Perm())

	_, err = PersistSkeleton(fs, "/mnt", []string{"../escape"})
	assert.ErrorIs(t, err, ErrConfigGenerationFailed)
}

func TestPasswords(t *testing.T) {
	fs := afero.NewMemMapFs()
	runner := utility.NewFakeRunner()
	runner.Outputs["mkpasswd -m sha-512"] = "$6$salt$hash\n"

	passwords := Passwords{
		Runner:  runner,
		Fs:      fs,
		Root:    "/mnt",
		Confirm: &gate.Gate{Prompter: &gate.Scripted{Answers: []string{"no", "yes"}}, Out: io.Discard},
		Logger:  zerolog.Nop(),
	}

	written, err := passwords.Set(context.Background(), []string{"root", "serena", "serena"})
	require.NoError(t, err)
	assert.Equal(t, []string{"serena"}, written)
	assert.Equal(t, []string{"mkpasswd -m sha-512"}, runner.CommandLines())

	exists, _ := afero.Exists(fs, "/mnt/persist/passwords/root")
	assert.False(t, exists, "a declined password is skipped")

	contents, readErr := afero.ReadFile(fs, "/mnt/persist/passwords/serena")
	require.NoError(t, readErr)
	assert.Equal(t, "$6$salt$hash\n", string(contents))
	info, statErr := fs.Stat("/mnt/persist/passwords/serena")
	require.NoError(t, statErr)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestPasswordsFailures(t *testing.T) {
	fs := afero.NewMemMapFs()
	runner := utility.NewFakeRunner()
	runner.Failures["mkpasswd"] = "passwords do not match"
	passwords := Passwords{
		Runner:  runner,
		Fs:      fs,
		Root:    "/mnt",
		Confirm: &gate.Gate{Prompter: &gate.Scripted{Answers: []string{"yes"}}, Out: io.Discard},
		Logger:  zerolog.Nop(),
	}

	_, err := passwords.Set(context.Background(), []string{"root"})
	assert.ErrorIs(t, err, ErrConfigGenerationFailed)

	_, err = passwords.Set(context.Background(), []string{"../root"})
	assert.ErrorIs(t, err, ErrConfigGenerationFailed)
}
