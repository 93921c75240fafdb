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

// Package report records what a provisioning run did so it can be kept with
// the machine or shipped off to a bucket.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"time"

	"cloud.google.com/go/storage"
	"github.com/LadySerena/nixos-zfs-bootstrap/utility"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"google.golang.org/api/option"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

type Step struct {
	Name     string        `json:"name"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

type Report struct {
	Started  time.Time `json:"started"`
	Device   string    `json:"device,omitempty"`
	Pool     string    `json:"pool,omitempty"`
	Datasets []string  `json:"datasets,omitempty"`
	Mounts   []string  `json:"mounts,omitempty"`
	Steps    []Step    `json:"steps"`
	Status   Status    `json:"status"`
}

func New(started time.Time) *Report {
	return &Report{Started: started.UTC(), Status: StatusRunning}
}

func (r *Report) Record(name string, started time.Time, finished time.Time, err error) {
	step := Step{Name: name, Started: started.UTC(), Duration: finished.Sub(started)}
	if err != nil {
		step.Error = err.Error()
	}
	r.Steps = append(r.Steps, step)
}

func FileName(started time.Time) string {
	return fmt.Sprintf("report-%d.json.zst", started.Unix())
}

// Write stores the report as zstd compressed JSON in directory and returns
// the path it was written to.
func (r *Report) Write(fs afero.Fs, directory string) (string, error) {
	if err := fs.MkdirAll(directory, 0755); err != nil {
		return "", err
	}

	reportPath := filepath.Join(directory, FileName(r.Started))
	file, createErr := fs.Create(reportPath)
	if createErr != nil {
		return "", createErr
	}
	defer utility.WrappedClose(file)

	encoder, encoderErr := zstd.NewWriter(file)
	if encoderErr != nil {
		return "", encoderErr
	}

	jsonEncoder := json.NewEncoder(encoder)
	jsonEncoder.SetIndent("", "  ")
	if err := jsonEncoder.Encode(r); err != nil {
		_ = encoder.Close()
		return "", err
	}
	if err := encoder.Close(); err != nil {
		return "", err
	}
	return reportPath, nil
}

func Read(fs afero.Fs, reportPath string) (Report, error) {
	file, openErr := fs.Open(reportPath)
	if openErr != nil {
		return Report{}, openErr
	}
	defer utility.WrappedClose(file)

	decoder, decoderErr := zstd.NewReader(file)
	if decoderErr != nil {
		return Report{}, decoderErr
	}
	defer decoder.Close()

	var report Report
	if err := json.NewDecoder(decoder).Decode(&report); err != nil {
		return Report{}, fmt.Errorf("decoding %s: %w", reportPath, err)
	}
	return report, nil
}

type Uploader interface {
	Upload(ctx context.Context, name string, reader io.Reader) error
}

type GCSUploader struct {
	Bucket string
	// CredentialsFile is optional, application default credentials are used
	// without it.
	CredentialsFile string
}

func (g GCSUploader) Upload(ctx context.Context, name string, reader io.Reader) error {
	var options []option.ClientOption
	if g.CredentialsFile != "" {
		options = append(options, option.WithCredentialsFile(g.CredentialsFile))
	}

	gcsClient, gcsErr := storage.NewClient(ctx, options...)
	if gcsErr != nil {
		return fmt.Errorf("error creating cloud storage client: %w", gcsErr)
	}
	defer utility.WrappedClose(gcsClient)

	writer := gcsClient.Bucket(g.Bucket).Object(name).NewWriter(ctx)
	writer.ContentType = "application/zstd"
	if _, err := io.Copy(writer, reader); err != nil {
		_ = writer.Close()
		return fmt.Errorf("error uploading %s to %s: %w", name, g.Bucket, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("error uploading %s to %s: %w", name, g.Bucket, err)
	}
	return nil
}

// Publish uploads a written report under its file name.
func Publish(ctx context.Context, fs afero.Fs, uploader Uploader, reportPath string) error {
	file, openErr := fs.Open(reportPath)
	if openErr != nil {
		return openErr
	}
	defer utility.WrappedClose(file)

	return uploader.Upload(ctx, path.Base(filepath.ToSlash(reportPath)), file)
}
