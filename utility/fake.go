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
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
)

var errFakeFailure = errors.New("exit status 1")

// FakeRunner records every command it is handed instead of executing it.
// Outputs, Failures and Effects are keyed by a prefix of the space joined
// command line; the longest matching prefix wins.
type FakeRunner struct {
	mu sync.Mutex

	Commands [][]string
	Outputs  map[string]string
	Failures map[string]string
	Effects  map[string]func(args []string) error
}

var _ Runner = &FakeRunner{}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		Outputs:  map[string]string{},
		Failures: map[string]string{},
		Effects:  map[string]func(args []string) error{},
	}
}

func (f *FakeRunner) Run(ctx context.Context, cmd *exec.Cmd) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.record(cmd)
}

func (f *FakeRunner) Interactive(ctx context.Context, cmd *exec.Cmd) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	output, err := f.record(cmd)
	if err != nil {
		return err
	}
	if cmd.Stdout != nil && len(output) > 0 {
		if _, writeErr := cmd.Stdout.Write(output); writeErr != nil {
			return writeErr
		}
	}
	return nil
}

// Ran reports whether a command starting with prefix was recorded.
func (f *FakeRunner) Ran(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, args := range f.Commands {
		if strings.HasPrefix(strings.Join(args, " "), prefix) {
			return true
		}
	}
	return false
}

// CommandLines returns the recorded commands as space joined strings.
func (f *FakeRunner) CommandLines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines := make([]string, 0, len(f.Commands))
	for _, args := range f.Commands {
		lines = append(lines, strings.Join(args, " "))
	}
	return lines
}

func (f *FakeRunner) record(cmd *exec.Cmd) ([]byte, error) {
	args := append([]string(nil), cmd.Args...)
	line := strings.Join(args, " ")

	f.mu.Lock()
	f.Commands = append(f.Commands, args)
	output := longestPrefix(f.Outputs, line)
	failure, failed := lookupPrefix(f.Failures, line)
	effect := longestEffect(f.Effects, line)
	f.mu.Unlock()

	if failed {
		return []byte(failure), &CommandError{Args: args, Output: []byte(failure), Err: errFakeFailure}
	}
	if effect != nil {
		if err := effect(args); err != nil {
			return nil, err
		}
	}
	return []byte(output), nil
}

func lookupPrefix(values map[string]string, line string) (string, bool) {
	best := -1
	var value string
	for prefix, candidate := range values {
		if strings.HasPrefix(line, prefix) && len(prefix) > best {
			best = len(prefix)
			value = candidate
		}
	}
	return value, best >= 0
}

func longestPrefix(values map[string]string, line string) string {
	value, _ := lookupPrefix(values, line)
	return value
}

func longestEffect(effects map[string]func(args []string) error, line string) func(args []string) error {
	best := -1
	var effect func(args []string) error
	for prefix, candidate := range effects {
		if strings.HasPrefix(line, prefix) && len(prefix) > best {
			best = len(prefix)
			effect = candidate
		}
	}
	return effect
}
