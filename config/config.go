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

// Package config holds the provisioning settings. Defaults come first, then
// an optional YAML file, then any flag the operator set explicitly.
package config

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/LadySerena/nixos-zfs-bootstrap/configure"
	"github.com/LadySerena/nixos-zfs-bootstrap/partition"
	"github.com/LadySerena/nixos-zfs-bootstrap/zfs"
	"github.com/c2h5oh/datasize"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	flag "github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Device             string            `yaml:"device"`
	Pool               string            `yaml:"pool"`
	Root               string            `yaml:"root"`
	BootSize           datasize.ByteSize `yaml:"bootSize"`
	Reservation        datasize.ByteSize `yaml:"reservation"`
	RecordSize         datasize.ByteSize `yaml:"recordSize"`
	TmpfsSize          datasize.ByteSize `yaml:"tmpfsSize"`
	MachineIDPath      string            `yaml:"machineIdPath"`
	UserConfig         string            `yaml:"userConfig"`
	Users              []string          `yaml:"users"`
	PersistDirectories []string          `yaml:"persistDirectories"`
	SettleTimeout      time.Duration     `yaml:"settleTimeout"`
	LogLevel           string            `yaml:"logLevel"`
	// ReportDir is relative to Root so the report lands on the new system.
	ReportDir       string `yaml:"reportDir"`
	ReportBucket    string `yaml:"reportBucket"`
	CredentialsFile string `yaml:"credentialsFile"`
	TraceEndpoint   string `yaml:"traceEndpoint"`
}

func Default() Config {
	return Config{
		Pool:               "rpool",
		Root:               "/mnt",
		BootSize:           partition.DefaultBootSize,
		Reservation:        zfs.DefaultReservation,
		RecordSize:         zfs.DefaultRecordSize,
		TmpfsSize:          2 * datasize.GB,
		MachineIDPath:      configure.DefaultMachineIDPath,
		Users:              []string{"root"},
		PersistDirectories: append([]string(nil), configure.DefaultPersistDirectories...),
		SettleTimeout:      30 * time.Second,
		LogLevel:           zerolog.InfoLevel.String(),
		ReportDir:          "persist/var/log/nixos-zfs-bootstrap",
	}
}

type byteSizeValue struct {
	size *datasize.ByteSize
}

var _ flag.Value = byteSizeValue{}

func (b byteSizeValue) String() string {
	if b.size == nil {
		return "0B"
	}
	return b.size.String()
}

func (b byteSizeValue) Set(value string) error {
	return b.size.UnmarshalText([]byte(value))
}

func (b byteSizeValue) Type() string {
	return "size"
}

// BindFlags registers one flag per setting, writing straight into cfg.
func BindFlags(flags *flag.FlagSet, cfg *Config) {
	flags.StringVarP(&cfg.Device, "device", "d", cfg.Device, "target disk, prompted for when empty")
	flags.StringVarP(&cfg.Pool, "pool", "p", cfg.Pool, "name of the zfs pool to create")
	flags.StringVar(&cfg.Root, "root", cfg.Root, "where the new system gets mounted")
	flags.Var(byteSizeValue{&cfg.BootSize}, "boot-size", "size of the boot partition")
	flags.Var(byteSizeValue{&cfg.Reservation}, "reservation", "space held back in the reserved dataset")
	flags.Var(byteSizeValue{&cfg.RecordSize}, "record-size", "pool wide zfs recordsize")
	flags.Var(byteSizeValue{&cfg.TmpfsSize}, "tmpfs-size", "size of the tmpfs root")
	flags.StringVar(&cfg.MachineIDPath, "machine-id", cfg.MachineIDPath, "file the zfs host id is derived from")
	flags.StringVar(&cfg.UserConfig, "user-config", cfg.UserConfig, "directory of extra configuration copied next to the generated files")
	flags.StringSliceVarP(&cfg.Users, "user", "u", cfg.Users, "users to set a password for")
	flags.StringSliceVar(&cfg.PersistDirectories, "persist-dir", cfg.PersistDirectories, "directories created on the persist dataset")
	flags.DurationVar(&cfg.SettleTimeout, "settle-timeout", cfg.SettleTimeout, "how long to wait for new partitions to appear")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "zerolog level")
	flags.StringVar(&cfg.ReportDir, "report-dir", cfg.ReportDir, "report directory relative to the root")
	flags.StringVar(&cfg.ReportBucket, "report-bucket", cfg.ReportBucket, "gcs bucket the run report is uploaded to")
	flags.StringVar(&cfg.CredentialsFile, "credentials-file", cfg.CredentialsFile, "gcp credentials for the report upload")
	flags.StringVar(&cfg.TraceEndpoint, "trace-endpoint", cfg.TraceEndpoint, "jaeger collector endpoint")
}

// Load reads the YAML file at configPath into cfg and then reapplies every
// flag in flags that was set explicitly, so the command line always wins.
func Load(fileSystem afero.Fs, configPath string, flags *flag.FlagSet, cfg *Config) error {
	if configPath == "" {
		return cfg.Validate()
	}

	explicit := captureFlags(flags)

	contents, readErr := afero.ReadFile(fileSystem, configPath)
	if readErr != nil {
		return fmt.Errorf("reading config %s: %w", configPath, readErr)
	}
	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return fmt.Errorf("parsing config %s: %w", configPath, err)
	}

	for _, restore := range explicit {
		if err := restore(); err != nil {
			return err
		}
	}
	return cfg.Validate()
}

func captureFlags(flags *flag.FlagSet) []func() error {
	var restores []func() error
	if flags == nil {
		return restores
	}
	flags.Visit(func(f *flag.Flag) {
		if slice, ok := f.Value.(flag.SliceValue); ok {
			values := append([]string(nil), slice.GetSlice()...)
			restores = append(restores, func() error {
				return slice.Replace(values)
			})
			return
		}
		value := f.Value.String()
		restores = append(restores, func() error {
			if err := f.Value.Set(value); err != nil {
				return fmt.Errorf("reapplying --%s: %w", f.Name, err)
			}
			return nil
		})
	})
	return restores
}

func (c Config) Validate() error {
	var problems []string

	if err := zfs.ValidatePoolName(c.Pool); err != nil {
		problems = append(problems, err.Error())
	}
	if !path.IsAbs(c.Root) || path.Clean(c.Root) == "/" {
		problems = append(problems, fmt.Sprintf("root %q must be an absolute path other than /", c.Root))
	}
	if c.BootSize < partition.Alignment {
		problems = append(problems, fmt.Sprintf("boot size %s is smaller than %s", c.BootSize.HR(), partition.Alignment.HR()))
	}
	if c.TmpfsSize == 0 {
		problems = append(problems, "tmpfs size must not be zero")
	}
	if c.RecordSize != 0 && c.RecordSize&(c.RecordSize-1) != 0 {
		problems = append(problems, fmt.Sprintf("record size %s is not a power of two", c.RecordSize.HR()))
	}
	if c.SettleTimeout <= 0 {
		problems = append(problems, "settle timeout must be positive")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		problems = append(problems, err.Error())
	}
	for _, user := range c.Users {
		if user == "" || strings.ContainsAny(user, "/\\ ") {
			problems = append(problems, fmt.Sprintf("invalid user name %q", user))
		}
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

func (c Config) Level() zerolog.Level {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
