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

// Package zfs creates the encrypted pool and its datasets by driving the
// zpool and zfs tools.
package zfs

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"os/exec"
	"regexp"

	"github.com/LadySerena/nixos-zfs-bootstrap/utility"
	"github.com/c2h5oh/datasize"
)

const (
	// minimumAshift is used even when a disk reports 512 byte sectors, many
	// flash devices lie about their physical sector size
	minimumAshift = 12
	maximumAshift = 16

	DefaultRecordSize = 128 * datasize.KB
)

var (
	ErrPoolCreationFailed = errors.New("pool creation failed")

	poolNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.:-]*$`)
	reservedNames   = map[string]bool{
		"mirror": true, "raidz": true, "raidz1": true, "raidz2": true, "raidz3": true,
		"draid": true, "spare": true, "log": true, "cache": true, "special": true, "dedup": true,
	}
)

type Property struct {
	Key   string
	Value string
}

func (p Property) String() string {
	return p.Key + "=" + p.Value
}

// Pool is the fixed property set handed to zpool create. Properties are kept
// ordered so the command line is stable.
type Pool struct {
	Name              string
	Device            string
	AltRoot           string
	Ashift            int
	Options           []Property
	FileSystemOptions []Property
}

func ValidatePoolName(name string) error {
	if !poolNamePattern.MatchString(name) {
		return fmt.Errorf("invalid pool name %q", name)
	}
	if reservedNames[name] {
		return fmt.Errorf("pool name %q is reserved", name)
	}
	return nil
}

// Ashift picks log2 of the larger reported sector size. It has to be right
// before the pool exists since it cannot be changed afterwards.
func Ashift(physicalSectorSize int, logicalSectorSize int) int {
	sector := physicalSectorSize
	if logicalSectorSize > sector {
		sector = logicalSectorSize
	}
	if sector <= 0 {
		return minimumAshift
	}

	shift := bits.Len(uint(sector)) - 1
	if sector&(sector-1) != 0 {
		shift++
	}
	switch {
	case shift < minimumAshift:
		return minimumAshift
	case shift > maximumAshift:
		return maximumAshift
	default:
		return shift
	}
}

// Size renders a size the way zfs properties expect it.
func Size(size datasize.ByteSize) string {
	switch {
	case size == 0:
		return "0"
	case size%datasize.TB == 0:
		return fmt.Sprintf("%dT", uint64(size/datasize.TB))
	case size%datasize.GB == 0:
		return fmt.Sprintf("%dG", uint64(size/datasize.GB))
	case size%datasize.MB == 0:
		return fmt.Sprintf("%dM", uint64(size/datasize.MB))
	case size%datasize.KB == 0:
		return fmt.Sprintf("%dK", uint64(size/datasize.KB))
	default:
		return fmt.Sprintf("%d", uint64(size))
	}
}

func NewPool(name string, device string, altRoot string, ashift int, recordSize datasize.ByteSize) (Pool, error) {
	if err := ValidatePoolName(name); err != nil {
		return Pool{}, fmt.Errorf("%w: %v", ErrPoolCreationFailed, err)
	}
	if ashift < 9 || ashift > maximumAshift {
		return Pool{}, fmt.Errorf("%w: ashift %d out of range", ErrPoolCreationFailed, ashift)
	}
	if recordSize == 0 {
		recordSize = DefaultRecordSize
	}

	return Pool{
		Name:    name,
		Device:  device,
		AltRoot: altRoot,
		Ashift:  ashift,
		Options: []Property{
			{Key: "ashift", Value: fmt.Sprintf("%d", ashift)},
			{Key: "autotrim", Value: "on"},
		},
		FileSystemOptions: []Property{
			{Key: "compression", Value: "lz4"},
			{Key: "atime", Value: "off"},
			{Key: "xattr", Value: "sa"},
			{Key: "acltype", Value: "posixacl"},
			{Key: "normalization", Value: "formD"},
			{Key: "recordsize", Value: Size(recordSize)},
			{Key: "mountpoint", Value: "none"},
			{Key: "encryption", Value: "aes-256-gcm"},
			{Key: "keyformat", Value: "passphrase"},
			{Key: "keylocation", Value: "prompt"},
		},
	}, nil
}

// CreateArgs is the zpool argument list. -f is never passed so zpool refuses
// a partition that still carries a filesystem or pool label.
func (p Pool) CreateArgs() []string {
	args := []string{"create"}
	if p.AltRoot != "" {
		args = append(args, "-R", p.AltRoot)
	}
	for _, option := range p.Options {
		args = append(args, "-o", option.String())
	}
	for _, option := range p.FileSystemOptions {
		args = append(args, "-O", option.String())
	}
	return append(args, p.Name, p.Device)
}

// CreatePool runs zpool create on the operator's terminal so the passphrase
// prompt reaches them.
func CreatePool(ctx context.Context, runner utility.Runner, pool Pool) error {
	create := exec.Command("zpool", pool.CreateArgs()...)
	if err := runner.Interactive(ctx, create); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPoolCreationFailed, pool.Name, err)
	}
	return nil
}

func ExportPool(ctx context.Context, runner utility.Runner, name string) error {
	_, err := runner.Run(ctx, exec.Command("zpool", "export", name))
	return err
}
