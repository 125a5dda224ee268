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

// Package imagelayout drives the output file's create/attach/probe/extend/
// resize/populate/shrink/detach state machine (spec §4.F).
package imagelayout

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/offspot/image-creator/internal/errs"
)

const loNameSize = 64

// LoopDevice is an attached loop device backing the image file being built.
type LoopDevice struct {
	Path string
	file *os.File
}

// AttachLoop associates imgPath with the next free /dev/loopN, the kernel
// equivalent of `losetup -f --show imgPath`. Each attempt asks
// LOOP_CTL_GET_FREE for an index and retries, up to maxAttempts times, when
// another process grabs that index between the ioctl and our open
// (spec §4.F "attached").
func AttachLoop(imgPath string) (*LoopDevice, error) {
	backing, err := os.OpenFile(imgPath, os.O_RDWR, 0)
	if err != nil {
		return nil, errs.New(errs.LayoutError, "imagelayout.attach", err)
	}
	defer backing.Close()

	var st unix.Stat_t
	if err := unix.Fstat(int(backing.Fd()), &st); err != nil {
		return nil, errs.New(errs.LayoutError, "imagelayout.attach", fmt.Errorf("fstat %s: %w", imgPath, err))
	}

	const maxAttempts = 1000
	for attempt := 0; attempt < maxAttempts; attempt++ {
		index, err := nextFreeLoopIndex()
		if err != nil {
			return nil, errs.New(errs.LayoutError, "imagelayout.attach", err)
		}
		devPath := fmt.Sprintf("/dev/loop%d", index)

		loopFile, err := os.OpenFile(devPath, os.O_RDWR, 0)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) || errors.Is(err, unix.ENXIO) {
				continue
			}
			return nil, errs.New(errs.LayoutError, "imagelayout.attach", fmt.Errorf("opening %s: %w", devPath, err))
		}

		if err := unix.IoctlSetInt(int(loopFile.Fd()), unix.LOOP_SET_FD, int(backing.Fd())); err != nil {
			loopFile.Close()
			if errors.Is(err, unix.EBUSY) {
				continue
			}
			return nil, errs.New(errs.LayoutError, "imagelayout.attach", fmt.Errorf("LOOP_SET_FD %s: %w", devPath, err))
		}

		info := unix.LoopInfo64{
			Flags: unix.LO_FLAGS_AUTOCLEAR,
		}
		copy(info.File_name[:], []byte(filepath.Base(imgPath)))
		if err := unix.IoctlLoopSetStatus64(int(loopFile.Fd()), &info); err != nil {
			unix.IoctlLoopClrFd(int(loopFile.Fd()))
			loopFile.Close()
			return nil, errs.New(errs.LayoutError, "imagelayout.attach", fmt.Errorf("LOOP_SET_STATUS64 %s: %w", devPath, err))
		}

		return &LoopDevice{Path: devPath, file: loopFile}, nil
	}
	return nil, errs.New(errs.LayoutError, "imagelayout.attach", errors.New("no free loop device found"))
}

func nextFreeLoopIndex() (int, error) {
	ctl, err := os.OpenFile("/dev/loop-control", os.O_RDWR, 0)
	if err != nil {
		return 0, fmt.Errorf("opening /dev/loop-control: %w", err)
	}
	defer ctl.Close()
	idx, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
	if err != nil {
		return 0, fmt.Errorf("LOOP_CTL_GET_FREE: %w", err)
	}
	return idx, nil
}

// Detach clears the loop device's backing file, releasing it back to the
// free pool (spec §4.F "detached", always attempted even on failure).
func (l *LoopDevice) Detach() error {
	if l.file == nil {
		return nil
	}
	defer l.file.Close()
	if err := unix.IoctlLoopClrFd(int(l.file.Fd())); err != nil {
		return errs.New(errs.LayoutError, "imagelayout.detach", fmt.Errorf("LOOP_CLR_FD %s: %w", l.Path, err))
	}
	return nil
}

// PartitionDevicePath returns the conventional path for partition number n
// on this loop device (/dev/loopNpM), regardless of whether the kernel has
// actually created the node yet.
func (l *LoopDevice) PartitionDevicePath(n int) string {
	return fmt.Sprintf("%sp%d", l.Path, n)
}
