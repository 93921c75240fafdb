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

// Package configure writes the NixOS configuration for the freshly mounted
// system and the persistent state it needs on first boot.
package configure

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/LadySerena/nixos-zfs-bootstrap/telemetry"
	"github.com/LadySerena/nixos-zfs-bootstrap/utility"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

// Generator produces the base configuration under root/etc/nixos. Its output
// is treated as opaque text.
type Generator interface {
	Generate(ctx context.Context, root string) error
}

type NixosGenerateConfig struct {
	Runner utility.Runner
}

func GenerateConfigCommand(root string) *exec.Cmd {
	return exec.Command("nixos-generate-config", "--root", root)
}

func (g NixosGenerateConfig) Generate(ctx context.Context, root string) error {
	_, err := g.Runner.Run(ctx, GenerateConfigCommand(root))
	return err
}

type Emitter struct {
	Fs        afero.Fs
	Root      string
	Generator Generator
	Patcher   Patcher
	// UserConfig is an optional directory copied verbatim next to the
	// generated files.
	UserConfig string
	Logger     zerolog.Logger
}

func (e Emitter) ConfigPath() string {
	return filepath.Join(e.Root, ConfigDir)
}

func (e Emitter) PersistConfigPath() string {
	return filepath.Join(e.Root, PersistDir, ConfigDir)
}

// Emit generates, patches and extends the configuration, then duplicates the
// finished tree to the persistent dataset so it survives the tmpfs root.
func (e Emitter) Emit(ctx context.Context, facts Facts) error {
	ctx, span := telemetry.GetTracer().Start(ctx, "emitting configuration")
	defer span.End()

	if facts.HostID == "" || facts.DevNodes == "" {
		return fmt.Errorf("%w: host id and device nodes are required", ErrConfigGenerationFailed)
	}

	if err := e.Generator.Generate(ctx, e.Root); err != nil {
		return fmt.Errorf("%w: %v", ErrConfigGenerationFailed, err)
	}

	generated, listErr := e.generatedFiles()
	if listErr != nil {
		return fmt.Errorf("%w: listing generated files: %v", ErrConfigGenerationFailed, listErr)
	}

	if err := e.patch(generated); err != nil {
		return err
	}

	if err := e.appendMachineSettings(ctx, facts); err != nil {
		return err
	}

	if e.UserConfig != "" {
		if err := e.copyUserConfig(generated); err != nil {
			return err
		}
	}

	if err := CopyTree(e.Fs, e.ConfigPath(), e.PersistConfigPath()); err != nil {
		return fmt.Errorf("%w: copying to %s: %v", ErrConfigGenerationFailed, e.PersistConfigPath(), err)
	}

	e.Logger.Info().Str("path", e.ConfigPath()).Str("persist", e.PersistConfigPath()).Msg("configuration written")
	return nil
}

func (e Emitter) generatedFiles() ([]string, error) {
	infos, readErr := afero.ReadDir(e.Fs, e.ConfigPath())
	if readErr != nil {
		return nil, readErr
	}
	var names []string
	for _, info := range infos {
		if !info.IsDir() {
			names = append(names, info.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (e Emitter) patch(generated []string) error {
	total := 0
	for _, name := range generated {
		if !strings.HasSuffix(name, ".nix") {
			continue
		}
		path := filepath.Join(e.ConfigPath(), name)
		content, readErr := afero.ReadFile(e.Fs, path)
		if readErr != nil {
			return fmt.Errorf("%w: reading %s: %v", ErrConfigGenerationFailed, path, readErr)
		}
		patched, count, patchErr := e.Patcher.Patch(content)
		if patchErr != nil {
			return patchErr
		}
		if count == 0 {
			continue
		}
		if err := IdempotentWrite(e.Fs, bytes.NewReader(patched), path, 0644); err != nil {
			return fmt.Errorf("%w: writing %s: %v", ErrConfigGenerationFailed, path, err)
		}
		e.Logger.Debug().Str("file", name).Int("insertions", count).Msg("patched generated configuration")
		total += count
	}

	if total == 0 {
		e.Logger.Warn().Str("path", e.ConfigPath()).Msg("no tmpfs file system found in the generated configuration")
	}
	return nil
}

func (e Emitter) appendMachineSettings(ctx context.Context, facts Facts) error {
	fragment, renderErr := utility.RenderTemplate(ctx, configFiles, machineTemplate, facts)
	if renderErr != nil {
		return fmt.Errorf("%w: rendering machine settings: %v", ErrConfigGenerationFailed, renderErr)
	}

	path := filepath.Join(e.ConfigPath(), MainConfig)
	content, readErr := afero.ReadFile(e.Fs, path)
	if readErr != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrConfigGenerationFailed, path, readErr)
	}
	extended, appendErr := AppendFragment(content, fragment.Bytes())
	if appendErr != nil {
		return fmt.Errorf("%s: %w", path, appendErr)
	}
	if err := IdempotentWrite(e.Fs, bytes.NewReader(extended), path, 0644); err != nil {
		return fmt.Errorf("%w: writing %s: %v", ErrConfigGenerationFailed, path, err)
	}
	return nil
}

// copyUserConfig refuses a user file that would replace a generated one; the
// generated files carry the machine settings.
func (e Emitter) copyUserConfig(generated []string) error {
	taken := map[string]bool{}
	for _, name := range generated {
		taken[name] = true
	}

	return afero.Walk(e.Fs, e.UserConfig, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return fmt.Errorf("%w: reading user configuration: %v", ErrConfigGenerationFailed, walkErr)
		}
		if info.IsDir() {
			return nil
		}
		relative, relErr := filepath.Rel(e.UserConfig, path)
		if relErr != nil {
			return relErr
		}
		if taken[relative] {
			return fmt.Errorf("%w: user configuration %s would replace a generated file", ErrConfigGenerationFailed, relative)
		}

		file, openErr := e.Fs.Open(path)
		if openErr != nil {
			return fmt.Errorf("%w: %v", ErrConfigGenerationFailed, openErr)
		}
		defer utility.WrappedClose(file)

		target := filepath.Join(e.ConfigPath(), relative)
		if err := IdempotentWrite(e.Fs, file, target, info.Mode().Perm()); err != nil {
			return fmt.Errorf("%w: copying %s: %v", ErrConfigGenerationFailed, relative, err)
		}
		return nil
	})
}
