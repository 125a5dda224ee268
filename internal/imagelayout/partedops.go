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

	"github.com/offspot/image-creator/internal/errs"
	"github.com/offspot/image-creator/internal/toolutil"
)

// ExtendPartition3 deletes and recreates partition 3 with the same start
// sector and a length reaching the end of the device (spec §4.F
// "p3-extended"). parted is driven in sector units, the one interface
// precise enough to guarantee the start sector invariant the resize step
// depends on (spec §8 invariant 4) — fdisk's interactive/cylinder-rounding
// model can silently shift it.
func (m *Manager) ExtendPartition3(ctx context.Context) error {
	if m.loop == nil || m.table == nil {
		return errs.New(errs.LayoutError, "imagelayout.extend", fmt.Errorf("device not probed"))
	}
	startSector := m.part3.StartLBA

	if _, err := toolutil.Run(ctx, "imagelayout.extend", "parted", "--script", m.loop.Path, "rm", "3"); err != nil {
		return err
	}
	startSpec := fmt.Sprintf("%ds", startSector)
	if _, err := toolutil.Run(ctx, "imagelayout.extend", "parted", "--script", m.loop.Path,
		"mkpart", "primary", startSpec, "100%"); err != nil {
		return err
	}

	pt, err := ReadPartitionTable(m.loop.Path)
	if err != nil {
		return err
	}
	p3, err := pt.Partition3()
	if err != nil {
		return err
	}
	if p3.StartLBA != startSector {
		return errs.New(errs.LayoutError, "imagelayout.extend",
			fmt.Errorf("partition 3 start sector moved from %d to %d", startSector, p3.StartLBA))
	}
	m.table = pt
	m.part3 = p3
	return nil
}
