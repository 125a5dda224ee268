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
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/offspot/image-creator/internal/errs"
	"github.com/offspot/image-creator/internal/toolutil"
)

// clusterMargin is added on top of measured used bytes when shrinking, so
// the filesystem isn't packed so tight that ext4's own metadata has no
// slack (spec §4.F "shrink": "a small cluster-aligned margin").
const clusterMargin = 16 * 1024 * 1024

// CheckFilesystem runs a non-interactive, force-yes fsck against partition
// 3 (spec §4.F "resized": the mandatory before/after double-check).
func (m *Manager) CheckFilesystem(ctx context.Context) error {
	p3 := m.loop.PartitionDevicePath(3)
	_, err := toolutil.Run(ctx, "imagelayout.fsck", "e2fsck", "-f", "-y", p3)
	return err
}

// ResizeFilesystem grows partition 3's filesystem to fill the (already
// extended) partition, per spec §4.F: "resize2fs -f to grow it to the new
// partition size".
func (m *Manager) ResizeFilesystem(ctx context.Context) error {
	p3 := m.loop.PartitionDevicePath(3)
	_, err := toolutil.Run(ctx, "imagelayout.resize", "resize2fs", "-f", p3)
	return err
}

// Mount mounts partition 3 read-write at a fresh temporary directory under
// parent (spec §4.F "populated").
func (m *Manager) Mount(parent string) error {
	dir, err := os.MkdirTemp(parent, "mnt-")
	if err != nil {
		return errs.New(errs.LayoutError, "imagelayout.mount", err)
	}
	p3 := m.loop.PartitionDevicePath(3)
	if err := unix.Mount(p3, dir, "ext4", 0, ""); err != nil {
		os.Remove(dir)
		return errs.New(errs.LayoutError, "imagelayout.mount", fmt.Errorf("mounting %s at %s: %w", p3, dir, err))
	}
	m.mountPoint = dir
	m.mounted = true
	return nil
}

// Populate writes files into the mounted partition, keyed by their absolute
// /data-rooted destination path, copying from the given source path on disk.
func (m *Manager) Populate(files map[string]string) error {
	if !m.mounted {
		return errs.New(errs.LayoutError, "imagelayout.populate", fmt.Errorf("partition not mounted"))
	}
	for dest, src := range files {
		target := filepath.Join(m.mountPoint, dest)
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return errs.New(errs.LayoutError, "imagelayout.populate", err)
		}
		if err := copyInto(src, target); err != nil {
			return errs.New(errs.LayoutError, "imagelayout.populate", fmt.Errorf("%s: %w", dest, err))
		}
	}
	return nil
}

func copyInto(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// Unmount syncs and unmounts partition 3 (spec §4.F "populated": "unmount,
// sync on unmount").
func (m *Manager) Unmount(ctx context.Context) error {
	if !m.mounted {
		return nil
	}
	unix.Sync()
	err := unix.Unmount(m.mountPoint, 0)
	os.Remove(m.mountPoint)
	m.mounted = false
	if err != nil {
		return errs.New(errs.LayoutError, "imagelayout.unmount", err)
	}
	return nil
}

// Shrink measures actual used bytes on partition 3, shrinks the filesystem
// to that size plus clusterMargin, shrinks the partition to match via
// parted, then truncates the image file to the new end of partition 3
// (spec §4.F "shrink").
func (m *Manager) Shrink(ctx context.Context) error {
	p3 := m.loop.PartitionDevicePath(3)

	used, err := usedBytes(ctx, p3)
	if err != nil {
		return err
	}
	newSize := used + clusterMargin
	newSectors := (newSize + int64(m.table.SectorSize) - 1) / int64(m.table.SectorSize)

	if err := m.CheckFilesystem(ctx); err != nil {
		return err
	}
	if _, err := toolutil.Run(ctx, "imagelayout.shrink", "resize2fs", "-f", p3, fmt.Sprintf("%ds", newSectors)); err != nil {
		return err
	}
	if err := m.CheckFilesystem(ctx); err != nil {
		return err
	}

	startSector := m.part3.StartLBA
	endSector := uint64(startSector) + uint64(newSectors) - 1
	if _, err := toolutil.Run(ctx, "imagelayout.shrink", "parted", "--script", m.loop.Path,
		"rm", "3"); err != nil {
		return err
	}
	if _, err := toolutil.Run(ctx, "imagelayout.shrink", "parted", "--script", m.loop.Path,
		"mkpart", "primary", fmt.Sprintf("%ds", startSector), fmt.Sprintf("%ds", endSector)); err != nil {
		return err
	}

	imgFile, err := os.OpenFile(m.OutputPath, os.O_RDWR, 0)
	if err != nil {
		return errs.New(errs.LayoutError, "imagelayout.shrink", err)
	}
	defer imgFile.Close()
	truncatedSize := int64(m.table.SectorSize) * int64(endSector+1)
	if err := imgFile.Truncate(truncatedSize); err != nil {
		return errs.New(errs.LayoutError, "imagelayout.shrink", err)
	}
	return nil
}

// usedBytes asks the filesystem itself (via dumpe2fs -h, whose superblock
// summary reports block size, block count and free blocks) rather than
// statfs, since the device isn't mounted
// at this point in the pipeline.
func usedBytes(ctx context.Context, devPath string) (int64, error) {
	out, err := toolutil.Run(ctx, "imagelayout.shrink", "dumpe2fs", "-h", devPath)
	if err != nil {
		return 0, err
	}
	blockSize, blockCount, freeBlocks := parseDumpe2fs(string(out))
	if blockSize == 0 {
		return 0, errs.New(errs.LayoutError, "imagelayout.shrink", fmt.Errorf("could not determine block size from dumpe2fs output"))
	}
	usedBlocks := blockCount - freeBlocks
	return usedBlocks * blockSize, nil
}
