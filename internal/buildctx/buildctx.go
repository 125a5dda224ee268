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

// Package buildctx carries the options a build run needs end to end as an
// explicit struct threaded through the pipeline, rather than as package
// globals or env lookups scattered through the core (the Redesign note's
// "explicit BuildContext").
package buildctx

import (
	"os"
	"path/filepath"
)

// Options are the command-line-derived settings for one build (spec §6).
type Options struct {
	ConfigSrc string
	Output    string

	BuildDir string
	CacheDir string

	Check     bool
	Keep      bool
	Overwrite bool
	Debug     bool
}

// Context is the live handle for one build: the resolved directories plus
// the options driving it. BuildDir defaults to a fresh directory under
// TMPDIR (spec §6: "Honours TMPDIR for default build directory").
type Context struct {
	Options
	BuildDir string
}

// New resolves defaults (an ephemeral BuildDir under TMPDIR/os.TempDir when
// one wasn't given) and returns a ready-to-use Context.
func New(opts Options) (*Context, error) {
	dir := opts.BuildDir
	if dir == "" {
		tmp, err := os.MkdirTemp("", "image-creator-*")
		if err != nil {
			return nil, err
		}
		dir = tmp
	} else if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	return &Context{Options: opts, BuildDir: dir}, nil
}

// Cleanup removes BuildDir unless Keep was requested, per spec §5's
// "owned by the driver and removed on success unless keep" rule. Callers
// are expected to call this only after a successful build, or explicitly
// on a failure path they've decided should still clean up.
func (c *Context) Cleanup() error {
	if c.Keep {
		return nil
	}
	return os.RemoveAll(c.BuildDir)
}

// Path joins elem onto BuildDir.
func (c *Context) Path(elem ...string) string {
	return filepath.Join(append([]string{c.BuildDir}, elem...)...)
}
