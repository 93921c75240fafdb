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
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/LadySerena/nixos-zfs-bootstrap/utility"
	"github.com/spf13/afero"
)

//go:embed files/*
var configFiles embed.FS

const (
	machineTemplate = "files/machine.nix.tmpl"
	hostIDLength    = 8

	ConfigDir            = "etc/nixos"
	PersistDir           = "persist"
	MainConfig           = "configuration.nix"
	DefaultMachineIDPath = "/etc/machine-id"
)

var ErrConfigGenerationFailed = errors.New("configuration generation failed")

// Facts are the machine specific values written into the configuration.
type Facts struct {
	HostID        string
	DataPartition string
	DevNodes      string
}

func NewFacts(hostID string, dataPartition string) Facts {
	return Facts{HostID: hostID, DataPartition: dataPartition, DevNodes: filepath.Dir(dataPartition)}
}

// HostID is the first eight hex characters of the machine id. zfs refuses to
// import a pool on a host whose id differs from the one it was last used on.
func HostID(fs afero.Fs, machineIDPath string) (string, error) {
	if machineIDPath == "" {
		machineIDPath = DefaultMachineIDPath
	}
	contents, readErr := afero.ReadFile(fs, machineIDPath)
	if readErr != nil {
		return "", fmt.Errorf("%w: reading %s: %v", ErrConfigGenerationFailed, machineIDPath, readErr)
	}

	machineID := strings.ToLower(strings.TrimSpace(string(contents)))
	if len(machineID) < hostIDLength {
		return "", fmt.Errorf("%w: machine id %q is too short", ErrConfigGenerationFailed, machineID)
	}
	hostID := machineID[:hostIDLength]
	for _, r := range hostID {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return "", fmt.Errorf("%w: machine id %q is not hex", ErrConfigGenerationFailed, machineID)
		}
	}
	return hostID, nil
}

// IdempotentWrite leaves the file untouched when it already holds the
// incoming data.
func IdempotentWrite(fs afero.Fs, reader io.Reader, path string, mode os.FileMode) error {

	incomingData, readErr := io.ReadAll(reader)
	if readErr != nil {
		return readErr
	}

	currentData, currentErr := afero.ReadFile(fs, path)
	if currentErr == nil && bytes.Equal(incomingData, currentData) {
		return nil
	}
	if currentErr != nil && !errors.Is(currentErr, os.ErrNotExist) {
		return currentErr
	}

	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	file, fileOpenErr := fs.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if fileOpenErr != nil {
		return fileOpenErr
	}
	defer utility.WrappedClose(file)

	if _, err := file.Write(incomingData); err != nil {
		return err
	}

	return nil
}

// CopyTree copies every regular file below source to the same relative path
// below destination.
func CopyTree(fs afero.Fs, source string, destination string) error {
	return afero.Walk(fs, source, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		relative, relErr := filepath.Rel(source, path)
		if relErr != nil {
			return relErr
		}
		target := filepath.Join(destination, relative)
		if info.IsDir() {
			return fs.MkdirAll(target, 0755)
		}

		file, openErr := fs.Open(path)
		if openErr != nil {
			return openErr
		}
		defer utility.WrappedClose(file)

		return IdempotentWrite(fs, file, target, info.Mode().Perm())
	})
}
