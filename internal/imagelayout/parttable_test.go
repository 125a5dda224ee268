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
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// writeMBR builds a minimal boot sector with up to 4 primary entries for
// testing, laid out the way the real kernel/parted would write one.
func writeMBR(t *testing.T, entries []Partition) string {
	t.Helper()
	buf := make([]byte, sectorSize)
	for i, p := range entries {
		off := mbrPartTableOffset + i*mbrEntrySize
		buf[off+4] = p.Type
		binary.LittleEndian.PutUint32(buf[off+8:off+12], p.StartLBA)
		binary.LittleEndian.PutUint32(buf[off+12:off+16], p.SectorCnt)
	}
	buf[mbrSignatureOffset] = 0x55
	buf[mbrSignatureOffset+1] = 0xAA

	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, buf, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadPartitionTableParsesPrimaryEntries(t *testing.T) {
	path := writeMBR(t, []Partition{
		{Type: 0x0c, StartLBA: 8192, SectorCnt: 524288},
		{}, // unused, type 0
		{Type: 0x83, StartLBA: 532480, SectorCnt: 3000000},
	})

	pt, err := ReadPartitionTable(path)
	if err != nil {
		t.Fatal(err)
	}
	want := []Partition{
		{Number: 1, Type: 0x0c, StartLBA: 8192, SectorCnt: 524288},
		{Number: 3, Type: 0x83, StartLBA: 532480, SectorCnt: 3000000},
	}
	if diff := cmp.Diff(want, pt.Partitions); diff != "" {
		t.Errorf("Partitions mismatch (-want +got):\n%s", diff)
	}

	p3, err := pt.Partition3()
	if err != nil {
		t.Fatal(err)
	}
	if pt.StartByte(p3) != 532480*512 {
		t.Errorf("StartByte = %d, want %d", pt.StartByte(p3), 532480*512)
	}
	if pt.EndByte(p3) != (532480+3000000)*512 {
		t.Errorf("EndByte = %d, want %d", pt.EndByte(p3), (532480+3000000)*512)
	}
}

func TestReadPartitionTableRejectsMissingSignature(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	if err := os.WriteFile(path, make([]byte, sectorSize), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPartitionTable(path); err == nil {
		t.Fatal("expected an error for a boot sector with no 0x55AA signature")
	}
}

func TestPartition3MissingReturnsError(t *testing.T) {
	path := writeMBR(t, []Partition{{Type: 0x0c, StartLBA: 8192, SectorCnt: 1000}})
	pt, err := ReadPartitionTable(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pt.Partition3(); err == nil {
		t.Fatal("expected an error when partition 3 is absent")
	}
}

func TestParseDumpe2fs(t *testing.T) {
	out := "Filesystem volume name:   <none>\n" +
		"Block size:               4096\n" +
		"Block count:              524288\n" +
		"Free blocks:              128000\n"
	blockSize, blockCount, freeBlocks := parseDumpe2fs(out)
	if blockSize != 4096 || blockCount != 524288 || freeBlocks != 128000 {
		t.Errorf("parseDumpe2fs = (%d, %d, %d)", blockSize, blockCount, freeBlocks)
	}
}
