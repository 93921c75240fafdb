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

package configure

import (
	"bytes"
	"fmt"
	"strings"
)

const TmpfsMarker = `fsType = "tmpfs";`

// Patcher edits generated configuration text and reports how many edits it
// made.
type Patcher interface {
	Patch(content []byte) ([]byte, int, error)
}

// MarkerPatcher inserts Insert on its own line after every line whose trimmed
// text equals Marker. It depends on the exact formatting of the generator's
// output, which is why it sits behind Patcher.
type MarkerPatcher struct {
	Marker string
	Insert string
}

var _ Patcher = MarkerPatcher{}

// NewTmpfsPatcher adds the transient root's mount options to the tmpfs file
// system entry, which the generator writes without them.
func NewTmpfsPatcher(options []string) MarkerPatcher {
	quoted := make([]string, 0, len(options))
	for _, option := range options {
		quoted = append(quoted, fmt.Sprintf("%q", option))
	}
	return MarkerPatcher{
		Marker: TmpfsMarker,
		Insert: fmt.Sprintf("options = [ %s ];", strings.Join(quoted, " ")),
	}
}

func (p MarkerPatcher) Patch(content []byte) ([]byte, int, error) {
	if p.Marker == "" || p.Insert == "" {
		return nil, 0, fmt.Errorf("%w: patch needs a marker and a line to insert", ErrConfigGenerationFailed)
	}

	lines := strings.Split(string(content), "\n")
	patched := make([]string, 0, len(lines))
	count := 0
	for index, line := range lines {
		patched = append(patched, line)
		if strings.TrimSpace(line) != p.Marker {
			continue
		}
		// already patched on an earlier run
		if index+1 < len(lines) && strings.TrimSpace(lines[index+1]) == p.Insert {
			continue
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		patched = append(patched, indent+p.Insert)
		count++
	}
	return []byte(strings.Join(patched, "\n")), count, nil
}

// AppendFragment places fragment just before the last closing brace, which
// closes the top level attribute set of a NixOS module.
func AppendFragment(content []byte, fragment []byte) ([]byte, error) {
	closing := bytes.LastIndexByte(content, '}')
	if closing < 0 {
		return nil, fmt.Errorf("%w: no closing brace to insert the machine settings before", ErrConfigGenerationFailed)
	}
	if bytes.Contains(content, bytes.TrimSpace(fragment)) {
		return content, nil
	}

	var buffer bytes.Buffer
	buffer.Write(content[:closing])
	buffer.Write(fragment)
	buffer.Write(content[closing:])
	return buffer.Bytes(), nil
}
