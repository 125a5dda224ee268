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
	"encoding/binary"
	"fmt"
	"os"

	"github.com/offspot/image-creator/internal/errs"
)

const (
	sectorSize         = 512
	mbrPartTableOffset = 0x1BE
	mbrEntrySize       = 16
	mbrSignatureOffset = 0x1FE
)

// Partition is one MBR partition table entry, sizes in sectors.
type Partition struct {
	Number    int
	Type      byte
	StartLBA  uint32
	SectorCnt uint32
}

// PartitionTable is the result of reading the device's partition table
// directly from the kernel's view of it, per spec §4.F's explicit mandate
// not to shell out to `lsblk`.
type PartitionTable struct {
	SectorSize int
	Partitions []Partition // index 0 == partition 1
}

// ReadPartitionTable reads the MBR partition table from devPath (spec §4.F
// "probed"). Only the primary entries this pipeline needs (1-3) are
// interpreted; extended/logical partitions are out of scope for the
// rpi-style image layouts this builder targets.
func ReadPartitionTable(devPath string) (*PartitionTable, error) {
	f, err := os.Open(devPath)
	if err != nil {
		return nil, errs.New(errs.LayoutError, "imagelayout.probe", err)
	}
	defer f.Close()

	buf := make([]byte, sectorSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return nil, errs.New(errs.LayoutError, "imagelayout.probe", fmt.Errorf("reading boot sector: %w", err))
	}
	if buf[mbrSignatureOffset] != 0x55 || buf[mbrSignatureOffset+1] != 0xAA {
		return nil, errs.New(errs.LayoutError, "imagelayout.probe", fmt.Errorf("%s: missing MBR boot signature", devPath))
	}

	pt := &PartitionTable{SectorSize: sectorSize}
	for i := 0; i < 4; i++ {
		off := mbrPartTableOffset + i*mbrEntrySize
		entry := buf[off : off+mbrEntrySize]
		ptype := entry[4]
		if ptype == 0 {
			continue
		}
		pt.Partitions = append(pt.Partitions, Partition{
			Number:    i + 1,
			Type:      ptype,
			StartLBA:  binary.LittleEndian.Uint32(entry[8:12]),
			SectorCnt: binary.LittleEndian.Uint32(entry[12:16]),
		})
	}
	return pt, nil
}

// Partition3 returns the table's partition 3 entry, which p3-extended and
// resize both operate on.
func (pt *PartitionTable) Partition3() (Partition, error) {
	for _, p := range pt.Partitions {
		if p.Number == 3 {
			return p, nil
		}
	}
	return Partition{}, errs.New(errs.LayoutError, "imagelayout.probe", fmt.Errorf("no partition 3 in table"))
}

// StartByte and EndByte convert a Partition's sector range to byte offsets
// against pt's sector size.
func (pt *PartitionTable) StartByte(p Partition) int64 {
	return int64(p.StartLBA) * int64(pt.SectorSize)
}

func (pt *PartitionTable) EndByte(p Partition) int64 {
	return int64(p.StartLBA+p.SectorCnt) * int64(pt.SectorSize)
}
