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

package zfs

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path"
	"reflect"
	"sort"
	"strings"

	"github.com/LadySerena/nixos-zfs-bootstrap/utility"
	"github.com/c2h5oh/datasize"
)

const (
	AutoSnapshotProperty = "com.sun:auto-snapshot"

	DefaultReservation = datasize.GB
)

var ErrDatasetCreationFailed = errors.New("dataset creation failed")

type Role int

const (
	RoleSystem Role = iota
	RoleHome
	RolePersist
	RoleReservation
)

func (r Role) String() string {
	switch r {
	case RoleSystem:
		return "system"
	case RoleHome:
		return "home"
	case RolePersist:
		return "persist"
	case RoleReservation:
		return "reservation"
	}
	return "role out of range"
}

type MountMode string

const (
	MountLegacy MountMode = "legacy"
	MountNone   MountMode = "none"
)

type Dataset struct {
	Role      Role
	Name      string
	MountMode MountMode
	// Target is the mount path relative to the transient root.
	Target     string
	Properties []Property
}

// Mountable is false for the reservation dataset, which only holds space that
// can be given back when the pool is too full to delete anything.
func (d Dataset) Mountable() bool {
	return d.Role != RoleReservation && d.MountMode == MountLegacy && d.Target != ""
}

func (d Dataset) CreateArgs() []string {
	args := []string{"create", "-p", "-o", "mountpoint=" + string(d.MountMode)}
	for _, property := range d.Properties {
		args = append(args, "-o", property.String())
	}
	return append(args, d.Name)
}

func DefaultDatasets(pool string, reservation datasize.ByteSize) []Dataset {
	if reservation == 0 {
		reservation = DefaultReservation
	}
	return []Dataset{
		{
			Role:       RoleSystem,
			Name:       path.Join(pool, "local", "nix"),
			MountMode:  MountLegacy,
			Target:     "nix",
			Properties: []Property{{Key: "atime", Value: "off"}},
		},
		{
			Role:      RoleHome,
			Name:      path.Join(pool, "safe", "home"),
			MountMode: MountLegacy,
			Target:    "home",
		},
		{
			Role:      RolePersist,
			Name:      path.Join(pool, "safe", "persist"),
			MountMode: MountLegacy,
			Target:    "persist",
		},
		{
			Role:      RoleReservation,
			Name:      path.Join(pool, "reserved"),
			MountMode: MountNone,
			Properties: []Property{
				{Key: "refreservation", Value: Size(reservation)},
				{Key: "primarycache", Value: "none"},
				{Key: "secondarycache", Value: "none"},
			},
		},
	}
}

// Dedupe treats the dataset list as a set. Exact repeats collapse, two
// different definitions of one name are an error.
func Dedupe(datasets []Dataset) ([]Dataset, error) {
	seen := map[string]Dataset{}
	var unique []Dataset
	for _, dataset := range datasets {
		existing, ok := seen[dataset.Name]
		if !ok {
			seen[dataset.Name] = dataset
			unique = append(unique, dataset)
			continue
		}
		if !reflect.DeepEqual(existing, dataset) {
			return nil, fmt.Errorf("%w: conflicting definitions of %s", ErrDatasetCreationFailed, dataset.Name)
		}
	}
	return unique, nil
}

// SnapshotParents are the parents of the home and persist datasets, which
// carry the auto-snapshot property for everything beneath them.
func SnapshotParents(datasets []Dataset) []string {
	parents := map[string]bool{}
	for _, dataset := range datasets {
		if dataset.Role == RoleHome || dataset.Role == RolePersist {
			parents[path.Dir(dataset.Name)] = true
		}
	}
	names := make([]string, 0, len(parents))
	for name := range parents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func ExistingDatasets(ctx context.Context, runner utility.Runner, pool string) (map[string]bool, error) {
	output, listErr := runner.Run(ctx, exec.Command("zfs", "list", "-H", "-o", "name", "-r", pool))
	if listErr != nil {
		return nil, listErr
	}
	existing := map[string]bool{}
	for _, line := range strings.Split(string(output), "\n") {
		if name := strings.TrimSpace(line); name != "" {
			existing[name] = true
		}
	}
	return existing, nil
}

// CreateDatasets refuses to touch a pool that already holds any of the
// requested names, so running it twice never yields duplicates.
func CreateDatasets(ctx context.Context, runner utility.Runner, pool string, datasets []Dataset) error {
	unique, dedupeErr := Dedupe(datasets)
	if dedupeErr != nil {
		return dedupeErr
	}

	existing, listErr := ExistingDatasets(ctx, runner, pool)
	if listErr != nil {
		return fmt.Errorf("%w: listing %s: %v", ErrDatasetCreationFailed, pool, listErr)
	}
	for _, dataset := range unique {
		if !strings.HasPrefix(dataset.Name, pool+"/") {
			return fmt.Errorf("%w: %s is outside pool %s", ErrDatasetCreationFailed, dataset.Name, pool)
		}
		if existing[dataset.Name] {
			return fmt.Errorf("%w: %s already exists", ErrDatasetCreationFailed, dataset.Name)
		}
	}

	for _, dataset := range unique {
		create := exec.Command("zfs", dataset.CreateArgs()...)
		if _, err := runner.Run(ctx, create); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrDatasetCreationFailed, dataset.Name, err)
		}
	}

	for _, parent := range SnapshotParents(unique) {
		snapshot := exec.Command("zfs", "set", AutoSnapshotProperty+"=true", parent)
		if _, err := runner.Run(ctx, snapshot); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrDatasetCreationFailed, parent, err)
		}
	}

	return nil
}
