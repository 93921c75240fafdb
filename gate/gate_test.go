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
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAffirmative(t *testing.T) {
	cases := []struct {
		answer   string
		expected bool
	}{
		{answer: "y", expected: true},
		{answer: "yes", expected: true},
		{answer: " YES \n", expected: true},
		{answer: "Y", expected: true},
		{answer: "", expected: false},
		{answer: "   ", expected: false},
		{answer: "n", expected: false},
		{answer: "no", expected: false},
		{answer: "yes please", expected: false},
		{answer: "sure", expected: false},
		{answer: "ye", expected: false},
	}
	for _, tt := range cases {
		assert.Equal(t, tt.expected, Affirmative(tt.answer), "Affirmative(%q)", tt.answer)
	}
}

func TestConfirm(t *testing.T) {
	cases := []struct {
		name    string
		answers []string
		proceed bool
	}{
		{name: "yes proceeds", answers: []string{"yes"}, proceed: true},
		{name: "empty aborts", answers: []string{""}, proceed: false},
		{name: "no aborts", answers: []string{"no"}, proceed: false},
		{name: "garbage aborts", answers: []string{"maybe"}, proceed: false},
		{name: "closed stdin aborts", answers: nil, proceed: false},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			g := &Gate{Prompter: &Scripted{Answers: tt.answers}, Out: &out}

			err := g.Confirm("erase /dev/disk/by-id/test-disk")
			if tt.proceed {
				require.NoError(t, err)
				assert.Contains(t, out.String(), "confirmed: erase /dev/disk/by-id/test-disk")
				return
			}
			assert.ErrorIs(t, err, ErrSelectionAborted)
			assert.Contains(t, out.String(), "about to erase /dev/disk/by-id/test-disk")
		})
	}
}

func TestConfirmWithoutTerminal(t *testing.T) {
	prompter := &Scripted{Answers: []string{"yes"}}
	g := &Gate{Prompter: prompter, Out: io.Discard, Interactive: func() bool { return false }}

	assert.ErrorIs(t, g.Confirm("erase the disk"), ErrSelectionAborted)
	assert.Len(t, prompter.Answers, 1, "prompt should not be consumed without a terminal")
}

func TestScriptedDefaults(t *testing.T) {
	prompter := &Scripted{Answers: []string{"", "tank"}, Choices: []int{1, 7}}

	first, err := prompter.Ask("pool", "rpool")
	require.NoError(t, err)
	assert.Equal(t, "rpool", first)

	second, err := prompter.Ask("pool", "rpool")
	require.NoError(t, err)
	assert.Equal(t, "tank", second)

	choice, err := prompter.Choose("disk", []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, 1, choice)

	_, err = prompter.Choose("disk", []string{"a", "b"})
	assert.Error(t, err)

	_, err = prompter.Ask("pool", "rpool")
	assert.ErrorIs(t, err, io.EOF)
}
