// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package scan

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SysfsReader is the pluggable /proc /sys collaborator the pipeline uses
// for hierarchy discovery and driver resolution. Its production
// implementation (posixSysfs) is a thin wrapper over the real
// filesystem; tests substitute a fake so INIT/IDENT logic can run without
// root or a real block device (spec.md 1 treats /proc//sys readers as
// external I/O producers, but the core's contract with them is in
// scope).
type SysfsReader interface {
	// Slaves lists the basenames under /sys/<devpath>/slaves/ (stacked
	// device slaves of a whole disk).
	Slaves(devpath string) ([]string, error)
	// ParentDevNo reads /sys/<devpath>/../dev for a partition, returning
	// its whole-disk's device number in the "major_minor" key form.
	ParentDevNo(devpath string) (string, error)
	// BlockDrivers returns the major -> driver-name mapping of the
	// "Block devices:" section of /proc/devices.
	BlockDrivers() (map[uint32]string, error)
}

type posixSysfs struct {
	sysRoot  string
	procRoot string
}

// NewPosixSysfs returns the real /proc /sys collaborator.
func NewPosixSysfs() SysfsReader {
	return &posixSysfs{sysRoot: "/sys", procRoot: "/proc"}
}

func (p *posixSysfs) Slaves(devpath string) ([]string, error) {
	dir := filepath.Join(p.sysRoot, devpath, "slaves")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (p *posixSysfs) ParentDevNo(devpath string) (string, error) {
	path := filepath.Join(p.sysRoot, devpath, "..", "dev")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return devNoToKey(strings.TrimSpace(string(data))), nil
}

// devNoToKey resolves a /sys "dev" attribute file's contents ("8:1") to
// the "8_1" key form.
func devNoToKey(colonForm string) string {
	return strings.ReplaceAll(colonForm, ":", "_")
}

func (p *posixSysfs) BlockDrivers() (map[uint32]string, error) {
	f, err := os.Open(filepath.Join(p.procRoot, "devices"))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	drivers := make(map[uint32]string)
	inBlockSection := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "Block devices:") {
			inBlockSection = true
			continue
		}
		if strings.HasPrefix(line, "Character devices:") {
			inBlockSection = false
			continue
		}
		if !inBlockSection {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		if len(fields) != 2 {
			continue
		}
		major, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			continue
		}
		drivers[uint32(major)] = strings.TrimSpace(fields[1])
	}
	return drivers, scanner.Err()
}
