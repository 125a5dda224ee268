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

// Package toolutil runs external tools (parted, dmsetup, e2fsck, resize2fs,
// dumpe2fs, the download engine binary) the way the rest of
// the pipeline needs them run: stderr always captured so it can be attached
// to a ToolError and surfaced under --debug, never connected to the
// process's own stdio the way an interactive confirmation prompt would be.
package toolutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/offspot/image-creator/internal/errs"
)

// Required is the set of external binaries the pipeline may shell out to.
// MissingTools reports which of these aren't on PATH so the driver can fail
// fast with a single ToolError up front instead of a confusing mid-build one.
var Required = []string{"parted", "dmsetup", "e2fsck", "resize2fs", "dumpe2fs", "xz"}

// MissingTools returns the subset of names not resolvable via exec.LookPath.
func MissingTools(names []string) []string {
	var missing []string
	for _, n := range names {
		if _, err := exec.LookPath(n); err != nil {
			missing = append(missing, n)
		}
	}
	return missing
}

// Run executes name with args, capturing stdout and stderr separately. On a
// non-zero exit it returns a *errs.Error of kind ToolError with the captured
// stderr attached; a missing binary gives a ToolError without stderr.
func Run(ctx context.Context, op, name string, args ...string) (stdout []byte, err error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	if runErr := cmd.Run(); runErr != nil {
		var execErr *exec.Error
		if errors.As(runErr, &execErr) {
			return nil, errs.New(errs.ToolError, op, fmt.Errorf("%s: %w", name, runErr))
		}
		return outBuf.Bytes(), errs.WithStderr(errs.ToolError, op, fmt.Errorf("%s: %w", name, runErr), errBuf.String())
	}
	return outBuf.Bytes(), nil
}

// NewSupervised starts name as a long-lived child process (the download
// engine), capturing stderr into a bounded ring so a crash can be diagnosed
// without unbounded memory growth, and returns the *exec.Cmd already
// started. Callers own Wait()/Process.Kill().
func NewSupervised(ctx context.Context, name string, args ...string) (*exec.Cmd, *RingBuffer, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	rb := newRingBuffer(64 * 1024)
	cmd.Stderr = rb
	if err := cmd.Start(); err != nil {
		return nil, nil, errs.New(errs.ToolError, "toolutil.supervise", fmt.Errorf("starting %s: %w", name, err))
	}
	return cmd, rb, nil
}

// RingBuffer is a fixed-capacity io.Writer retaining only the most recent
// bytes written, used to cap memory held for a long-lived subprocess's
// stderr without losing the tail that matters for diagnosis.
type RingBuffer struct {
	buf []byte
	cap int
}

func newRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{cap: capacity}
}

func (r *RingBuffer) Write(p []byte) (int, error) {
	r.buf = append(r.buf, p...)
	if len(r.buf) > r.cap {
		r.buf = r.buf[len(r.buf)-r.cap:]
	}
	return len(p), nil
}

func (r *RingBuffer) String() string { return string(r.buf) }
