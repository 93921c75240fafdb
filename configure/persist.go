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
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/LadySerena/nixos-zfs-bootstrap/gate"
	"github.com/LadySerena/nixos-zfs-bootstrap/utility"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
)

const PasswordDir = "passwords"

// DefaultPersistDirectories are placeholders for state that other services
// keep across reboots. Nothing here populates them.
var DefaultPersistDirectories = []string{
	"etc/nixos",
	"etc/NetworkManager/system-connections",
	"etc/ssh",
	"var/lib/bluetooth",
	"var/lib/NetworkManager",
	PasswordDir,
}

// PersistSkeleton creates the directories below root/persist. The list is a
// set; repeated entries are created once. It returns the directories created.
func PersistSkeleton(fs afero.Fs, root string, directories []string) ([]string, error) {
	seen := map[string]bool{}
	var created []string
	for _, directory := range directories {
		cleaned := path.Clean(directory)
		if cleaned == "." || path.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
			return created, fmt.Errorf("%w: persist directory %q must be relative", ErrConfigGenerationFailed, directory)
		}
		if seen[cleaned] {
			continue
		}
		seen[cleaned] = true

		mode := os.FileMode(0755)
		if cleaned == PasswordDir {
			mode = 0700
		}
		target := filepath.Join(root, PersistDir, cleaned)
		if err := fs.MkdirAll(target, 0755); err != nil {
			return created, fmt.Errorf("%w: creating %s: %v", ErrConfigGenerationFailed, target, err)
		}
		if err := fs.Chmod(target, mode); err != nil {
			return created, fmt.Errorf("%w: chmod %s: %v", ErrConfigGenerationFailed, target, err)
		}
		created = append(created, target)
	}
	return created, nil
}

// Confirmer is satisfied by gate.Gate.
type Confirmer interface {
	Confirm(description string) error
}

type Passwords struct {
	Runner  utility.Runner
	Fs      afero.Fs
	Root    string
	Confirm Confirmer
	Logger  zerolog.Logger
}

func HashCommand() *exec.Cmd {
	return exec.Command("mkpasswd", "-m", "sha-512")
}

func (p Passwords) Path(user string) string {
	return filepath.Join(p.Root, PersistDir, PasswordDir, user)
}

// Set writes one hashed password file per user. A user the operator declines
// is skipped and the rest still get their prompt. It returns the users that
// were written.
func (p Passwords) Set(ctx context.Context, users []string) ([]string, error) {
	seen := map[string]bool{}
	var written []string
	for _, user := range users {
		if seen[user] {
			continue
		}
		seen[user] = true

		if user == "" || strings.ContainsAny(user, "/\\") || user == "." || user == ".." {
			return written, fmt.Errorf("%w: invalid user name %q", ErrConfigGenerationFailed, user)
		}

		if err := p.Confirm.Confirm(fmt.Sprintf("set the password for %s", user)); err != nil {
			if errors.Is(err, gate.ErrSelectionAborted) {
				p.Logger.Warn().Str("user", user).Msg("password not set")
				continue
			}
			return written, err
		}

		var hashed bytes.Buffer
		hash := HashCommand()
		hash.Stdout = &hashed
		if err := p.Runner.Interactive(ctx, hash); err != nil {
			return written, fmt.Errorf("%w: hashing password for %s: %v", ErrConfigGenerationFailed, user, err)
		}
		line := strings.TrimSpace(hashed.String())
		if line == "" {
			return written, fmt.Errorf("%w: empty password hash for %s", ErrConfigGenerationFailed, user)
		}

		target := p.Path(user)
		if err := p.Fs.MkdirAll(filepath.Dir(target), 0700); err != nil {
			return written, fmt.Errorf("%w: %v", ErrConfigGenerationFailed, err)
		}
		if err := afero.WriteFile(p.Fs, target, []byte(line+"\n"), 0600); err != nil {
			return written, fmt.Errorf("%w: writing %s: %v", ErrConfigGenerationFailed, target, err)
		}
		p.Logger.Info().Str("user", user).Str("path", target).Msg("password hash written")
		written = append(written, user)
	}
	return written, nil
}
