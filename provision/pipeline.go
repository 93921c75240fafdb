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

package provision

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/LadySerena/nixos-zfs-bootstrap/report"
	"github.com/LadySerena/nixos-zfs-bootstrap/telemetry"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type Stage struct {
	Name string
	Run  func(ctx context.Context) error
}

// Pipeline runs its stages in order and stops at the first failure. Nothing
// that already happened is undone.
type Pipeline struct {
	Stages []Stage
	Logger zerolog.Logger
	Report *report.Report
	// Progress receives a progress bar, nil leaves it out.
	Progress io.Writer
	Now      func() time.Time
}

func (p Pipeline) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

func (p Pipeline) Run(ctx context.Context) error {
	var bar *progressbar.ProgressBar
	if p.Progress != nil {
		bar = progressbar.NewOptions(len(p.Stages),
			progressbar.OptionSetWriter(p.Progress),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		defer func() {
			_ = bar.Finish()
		}()
	}

	for _, stage := range p.Stages {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: %w", stage.Name, err)
		}
		if bar != nil {
			bar.Describe(stage.Name)
		}

		if err := p.runStage(ctx, stage); err != nil {
			return fmt.Errorf("%s: %w", stage.Name, err)
		}

		if bar != nil {
			_ = bar.Add(1)
		}
	}
	return nil
}

func (p Pipeline) runStage(ctx context.Context, stage Stage) error {
	ctx, span := telemetry.GetTracer().Start(ctx, stage.Name)
	defer span.End()
	span.SetAttributes(attribute.String("stage", stage.Name))

	started := p.now()
	p.Logger.Info().Str("stage", stage.Name).Msg("starting")
	err := stage.Run(ctx)
	finished := p.now()

	if p.Report != nil {
		p.Report.Record(stage.Name, started, finished, err)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.Logger.Error().Str("stage", stage.Name).Err(err).Msg("failed")
		return err
	}
	p.Logger.Info().Str("stage", stage.Name).Dur("elapsed", finished.Sub(started)).Msg("finished")
	return nil
}
