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

package device

import (
	"bytes"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"
)

const lsblkColumns = "NAME,PATH,SIZE,TYPE,MODEL,SERIAL,PHY-SEC,LOG-SEC,RM,ROTA"

type lsblkOutput struct {
	Blockdevices []lsblkDevice `json:"blockdevices"`
}

type lsblkDevice struct {
	Name     string        `json:"name"`
	Path     string        `json:"path"`
	Size     lsblkNumber   `json:"size"`
	Type     string        `json:"type"`
	Model    string        `json:"model"`
	Serial   string        `json:"serial"`
	PhySec   lsblkNumber   `json:"phy-sec"`
	LogSec   lsblkNumber   `json:"log-sec"`
	RM       lsblkBool     `json:"rm"`
	Rota     lsblkBool     `json:"rota"`
	Children []lsblkDevice `json:"children"`
}

// lsblkNumber accepts both the numeric and the quoted form; older util-linux
// releases quote every value in --json output.
type lsblkNumber uint64

func (n *lsblkNumber) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if raw == "" || raw == "null" {
		*n = 0
		return nil
	}
	parsed, parseErr := strconv.ParseUint(raw, 10, 64)
	if parseErr != nil {
		return parseErr
	}
	*n = lsblkNumber(parsed)
	return nil
}

type lsblkBool bool

func (b *lsblkBool) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(bytes.TrimSpace(data)), `"`) {
	case "true", "1":
		*b = true
	default:
		*b = false
	}
	return nil
}

func lsblkCommand(devices ...string) *exec.Cmd {
	args := append([]string{"--bytes", "--json", "--nodeps", "-o", lsblkColumns}, devices...)
	return exec.Command("lsblk", args...)
}

func parseLsblk(output []byte) ([]Disk, error) {
	parsedOutput := lsblkOutput{}
	if err := json.Unmarshal(output, &parsedOutput); err != nil {
		return nil, err
	}

	disks := make([]Disk, 0, len(parsedOutput.Blockdevices))
	for _, entry := range parsedOutput.Blockdevices {
		path := entry.Path
		if path == "" {
			path = "/dev/" + entry.Name
		}
		disks = append(disks, Disk{
			Name:               entry.Name,
			Path:               path,
			Type:               entry.Type,
			Model:              strings.TrimSpace(entry.Model),
			Serial:             strings.TrimSpace(entry.Serial),
			Size:               sizeOf(entry.Size),
			PhysicalSectorSize: int(entry.PhySec),
			LogicalSectorSize:  int(entry.LogSec),
			Removable:          bool(entry.RM),
			Rotational:         bool(entry.Rota),
		})
	}
	return disks, nil
}
