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

package gate

import (
	"io"

	"github.com/AlecAivazis/survey/v2"
)

type Prompter interface {
	// Ask returns free text. An empty answer yields defaultValue.
	Ask(message string, defaultValue string) (string, error)
	// Choose returns the index of the selected option.
	Choose(message string, options []string) (int, error)
}

type Survey struct{}

var _ Prompter = Survey{}

func (Survey) Ask(message string, defaultValue string) (string, error) {
	answer := ""
	prompt := &survey.Input{
		Message: message,
		Default: defaultValue,
	}
	if err := survey.AskOne(prompt, &answer); err != nil {
		return "", err
	}
	return answer, nil
}

func (Survey) Choose(message string, options []string) (int, error) {
	selected := 0
	prompt := &survey.Select{
		Message: message,
		Options: options,
	}
	if err := survey.AskOne(prompt, &selected); err != nil {
		return 0, err
	}
	return selected, nil
}

// Scripted replays canned answers in order. It returns io.EOF once the script
// runs out, the same way an operator closing stdin would.
type Scripted struct {
	Answers []string
	Choices []int
}

var _ Prompter = &Scripted{}

func (s *Scripted) Ask(_ string, defaultValue string) (string, error) {
	if len(s.Answers) == 0 {
		return "", io.EOF
	}
	answer := s.Answers[0]
	s.Answers = s.Answers[1:]
	if answer == "" {
		return defaultValue, nil
	}
	return answer, nil
}

func (s *Scripted) Choose(_ string, options []string) (int, error) {
	if len(s.Choices) == 0 {
		return 0, io.EOF
	}
	choice := s.Choices[0]
	s.Choices = s.Choices[1:]
	if choice < 0 || choice >= len(options) {
		return 0, io.ErrUnexpectedEOF
	}
	return choice, nil
}
