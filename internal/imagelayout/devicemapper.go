// Copyright 2025 AUTHORS
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package imagelayout

import (
	"context"
	"fmt"
	"os"

	"github.com/offspot/image-creator/internal/toolutil"
)

// EnsureDeviceNodes makes sure /dev/loopNp3 exists, manually creating a
// dmsetup mapping for it when the kernel hasn't (spec §4.F "devices-ready":
// "some environments, notably containerised runs, do not auto-create
// /dev/loopNpM"). Nodes this call creates are tracked on m so Release
// removes exactly what it added.
func (m *Manager) EnsureDeviceNodes(ctx context.Context) error {
	if m.loop == nil || m.table == nil {
		return fmt.Errorf("device not probed")
	}
	p3Path := m.loop.PartitionDevicePath(3)
	if _, err := os.Stat(p3Path); err == nil {
		return nil // kernel already created it via partition rescan
	}

	name := fmt.Sprintf("imgcreator-%dp3", m.loopIndexOrZero())
	startSector := uint64(m.part3.StartLBA)
	lengthSector := uint64(m.part3.SectorCnt)
	table := fmt.Sprintf("0 %d linear %s %d", lengthSector, m.loop.Path, startSector)

	if _, err := toolutil.Run(ctx, "imagelayout.devnodes", "dmsetup", "create", name, "--table", table); err != nil {
		return err
	}
	m.createdNodes = append(m.createdNodes, name)
	return os.Symlink(fmt.Sprintf("/dev/mapper/%s", name), p3Path)
}

// loopIndexOrZero extracts the numeric suffix of /dev/loopN for naming dm
// devices; 0 is a harmless fallback if parsing ever fails (dmsetup names
// just need to be unique, not meaningful).
func (m *Manager) loopIndexOrZero() int {
	var n int
	for _, r := range m.loop.Path {
		if r >= '0' && r <= '9' {
			n = n*10 + int(r-'0')
		}
	}
	return n
}

// removeDeviceNode tears down a dmsetup mapping created by EnsureDeviceNodes.
func removeDeviceNode(ctx context.Context, name string) error {
	_, err := toolutil.Run(ctx, "imagelayout.devnodes", "dmsetup", "remove", name)
	return err
}
