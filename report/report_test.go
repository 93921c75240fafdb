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

package report

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingUploader struct {
	name string
	data []byte
	err  error
}

func (r *recordingUploader) Upload(_ context.Context, name string, reader io.Reader) error {
	if r.err != nil {
		return r.err
	}
	data, err := io.ReadAll(reader)
	r.name = name
	r.data = data
	return err
}

func sampleReport() *Report {
	started := time.Unix(1700000000, 0)
	report := New(started)
	report.Device = "/dev/disk/by-id/test-disk"
	report.Pool = "rpool"
	report.Record("partition", started, started.Add(2*time.Second), nil)
	report.Record("create-pool", started.Add(2*time.Second), started.Add(5*time.Second), errors.New("exit status 1"))
	report.Status = StatusFailed
	return report
}

func TestRecord(t *testing.T) {
	report := sampleReport()
	require.Len(t, report.Steps, 2)
	assert.Equal(t, 2*time.Second, report.Steps[0].Duration)
	assert.Empty(t, report.Steps[0].Error)
	assert.Equal(t, "exit status 1", report.Steps[1].Error)
}

func TestWriteIsCompressed(t *testing.T) {
	fs := afero.NewMemMapFs()
	report := sampleReport()

	reportPath, err := report.Write(fs, "/mnt/persist/var/log/bootstrap")
	require.NoError(t, err)
	assert.Equal(t, "/mnt/persist/var/log/bootstrap/report-1700000000.json.zst", reportPath)

	raw, readErr := afero.ReadFile(fs, reportPath)
	require.NoError(t, readErr)
	decoder, decoderErr := zstd.NewReader(nil)
	require.NoError(t, decoderErr)
	defer decoder.Close()
	plain, decodeErr := decoder.DecodeAll(raw, nil)
	require.NoError(t, decodeErr)
	assert.Contains(t, string(plain), `"status": "failed"`)

	readBack, err := Read(fs, reportPath)
	require.NoError(t, err)
	assert.Equal(t, report.Pool, readBack.Pool)
	assert.Equal(t, report.Steps, readBack.Steps)
}

func TestPublish(t *testing.T) {
	fs := afero.NewMemMapFs()
	reportPath, err := sampleReport().Write(fs, "/reports")
	require.NoError(t, err)

	uploader := &recordingUploader{}
	require.NoError(t, Publish(context.Background(), fs, uploader, reportPath))
	assert.Equal(t, "report-1700000000.json.zst", uploader.name)

	written, _ := afero.ReadFile(fs, reportPath)
	assert.True(t, bytes.Equal(written, uploader.data))

	failing := &recordingUploader{err: errors.New("permission denied")}
	assert.Error(t, Publish(context.Background(), fs, failing, reportPath))
}
