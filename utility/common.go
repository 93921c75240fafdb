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

package utility

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"strings"
	"text/template"

	"github.com/LadySerena/nixos-zfs-bootstrap/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Runner executes the external tools the provisioner drives. Commands are
// built with exec.Command by each package and handed to a Runner so tests can
// record them instead of touching real disks.
type Runner interface {
	// Run executes cmd with its output captured and returns the combined output.
	Run(ctx context.Context, cmd *exec.Cmd) ([]byte, error)
	// Interactive executes cmd attached to the operator's terminal. Streams the
	// caller already set on cmd are left in place.
	Interactive(ctx context.Context, cmd *exec.Cmd) error
}

type CommandError struct {
	Args   []string
	Output []byte
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: non zero exit code: %v, output: %s", strings.Join(e.Args, " "), e.Err, strings.TrimSpace(string(e.Output)))
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

type CommandRunner struct {
	Logger zerolog.Logger
}

var _ Runner = CommandRunner{}

func (r CommandRunner) Run(ctx context.Context, cmd *exec.Cmd) ([]byte, error) {
	r.Logger.Debug().Strs("args", cmd.Args).Msg("running command")
	return RunCommandWithOutput(ctx, cmd)
}

func (r CommandRunner) Interactive(ctx context.Context, cmd *exec.Cmd) error {
	_, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("running interactive command: %s", cmd.Args[0]))
	defer span.End()

	if err := ctx.Err(); err != nil {
		return err
	}

	r.Logger.Debug().Strs("args", cmd.Args).Msg("running interactive command")
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Run(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &CommandError{Args: cmd.Args, Err: err}
	}
	return nil
}

func WrappedClose(closer io.Closer) {
	if err := closer.Close(); err != nil {
		log.Error().Err(err).Msg("could not close closer properly")
	}
}

func RunCommandWithOutput(ctx context.Context, cmd *exec.Cmd) ([]byte, error) {

	_, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("running command: %s", cmd.Args[0]))
	defer span.End()
	span.SetAttributes(attribute.StringSlice("command.args", cmd.Args))

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return output, &CommandError{Args: cmd.Args, Output: output, Err: err}
	}

	return output, nil
}

func RenderTemplate(ctx context.Context, fs fs.FS, templatePath string, data any) (bytes.Buffer, error) {

	_, span := telemetry.GetTracer().Start(ctx, fmt.Sprintf("writing template: %s", templatePath))
	defer span.End()
	var buffer bytes.Buffer

	name := path.Base(templatePath)

	parsedTemplate, templateErr := template.New(name).ParseFS(fs, templatePath)
	if templateErr != nil {
		return buffer, templateErr
	}
	if err := parsedTemplate.Execute(&buffer, data); err != nil {
		return buffer, err
	}
	return buffer, nil
}
