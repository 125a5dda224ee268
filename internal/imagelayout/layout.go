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

	"github.com/offspot/image-creator/internal/errs"
)

// Manager drives one output file through the create/attach/probe/extend/
// resize/populate/shrink/detach state machine (spec §4.F), tracking what it
// acquired so Release can unwind it in LIFO order even on failure.
type Manager struct {
	OutputPath string
	Debug      bool

	loop         *LoopDevice
	createdNodes []string // dm nodes this manager created, to be removed on release
	mountPoint   string
	mounted      bool
	table        *PartitionTable
	part3        Partition
}

// Create allocates the output file (spec §4.F "created"). size is in bytes;
// overwrite permits replacing an existing file, otherwise an existing file
// fails OutputExists.
func Create(path string, size int64, overwrite bool) (*Manager, error) {
	if _, err := os.Stat(path); err == nil && !overwrite {
		return nil, errs.New(errs.LayoutError, "imagelayout.create", fmt.Errorf("%s: output already exists (OutputExists)", path))
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, errs.New(errs.LayoutError, "imagelayout.create", err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return nil, errs.New(errs.LayoutError, "imagelayout.create", fmt.Errorf("allocating %d bytes: %w", size, err))
	}
	return &Manager{OutputPath: path}, nil
}

// Attach associates the output file with a loop device (spec §4.F "attached").
func (m *Manager) Attach() error {
	loop, err := AttachLoop(m.OutputPath)
	if err != nil {
		return err
	}
	m.loop = loop
	return nil
}

// Probe reads the partition table straight off the attached device (spec
// §4.F "probed"), recording partition 3's pre-extension start sector so
// ExtendPartition3 can assert it never moves.
func (m *Manager) Probe() error {
	if m.loop == nil {
		return errs.New(errs.LayoutError, "imagelayout.probe", fmt.Errorf("device not attached"))
	}
	pt, err := ReadPartitionTable(m.loop.Path)
	if err != nil {
		return err
	}
	p3, err := pt.Partition3()
	if err != nil {
		return err
	}
	m.table = pt
	m.part3 = p3
	return nil
}

// Detach clears the loop device. Safe to call more than once or on a
// never-attached Manager (spec §4.F "detach/release: always attempted").
func (m *Manager) Detach() error {
	if m.loop == nil {
		return nil
	}
	err := m.loop.Detach()
	m.loop = nil
	return err
}

// Release unwinds everything this Manager acquired in LIFO order: unmount
// (if mounted), remove any device nodes it created, detach the loop device.
// Every step is attempted regardless of earlier failures; the first error is
// returned after all steps have run.
func (m *Manager) Release(ctx context.Context) error {
	var first error
	record := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	if m.mounted {
		record(m.Unmount(ctx))
	}
	for i := len(m.createdNodes) - 1; i >= 0; i-- {
		record(removeDeviceNode(ctx, m.createdNodes[i]))
	}
	m.createdNodes = nil
	record(m.Detach())
	return first
}
