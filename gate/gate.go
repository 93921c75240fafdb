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

// Package gate asks the operator for consent before anything destructive
// happens. Only an explicit "y" or "yes" proceeds; every other answer,
// including an empty one, aborts.
package gate

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"golang.org/x/term"
)

var ErrSelectionAborted = errors.New("selection aborted by operator")

type Gate struct {
	Prompter Prompter
	Out      io.Writer
	// Interactive reports whether an operator can answer. Nil skips the check.
	Interactive func() bool
}

func NewGate(prompter Prompter, out io.Writer) *Gate {
	return &Gate{
		Prompter: prompter,
		Out:      out,
		Interactive: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd()))
		},
	}
}

// Confirm echoes the pending action and returns nil only when the operator
// answers affirmatively.
func (g *Gate) Confirm(description string) error {
	if g.Interactive != nil && !g.Interactive() {
		return fmt.Errorf("%w: no terminal to confirm %q", ErrSelectionAborted, description)
	}

	warning := color.New(color.FgRed, color.Bold)
	if _, err := warning.Fprintf(g.Out, "\nWARNING: about to %s\n", description); err != nil {
		return err
	}

	answer, askErr := g.Prompter.Ask(`Type "yes" to continue:`, "")
	if askErr != nil {
		return fmt.Errorf("%w: %v", ErrSelectionAborted, askErr)
	}

	if !Affirmative(answer) {
		return fmt.Errorf("%w: declined to %s", ErrSelectionAborted, description)
	}

	if _, err := fmt.Fprintf(g.Out, "confirmed: %s\n", description); err != nil {
		return err
	}
	return nil
}

func Affirmative(answer string) bool {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
