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

package cachestore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FormatVersion is the on-disk cache layout version this build writes and
// understands (spec §6). Bumping it without a migration path is intentional
// fail-closed behaviour: an older or newer cache directory refuses to open.
const FormatVersion = 1

// ErrVersionMismatch is returned by Open when meta/version names a layout
// version this build does not understand.
var ErrVersionMismatch = errors.New("cache directory format version mismatch")

func checkOrWriteVersion(dir string) error {
	metaDir := filepath.Join(dir, "meta")
	if err := os.MkdirAll(metaDir, 0700); err != nil {
		return fmt.Errorf("creating meta dir: %w", err)
	}
	path := filepath.Join(metaDir, "version")
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		return os.WriteFile(path, []byte(strconv.Itoa(FormatVersion)+"\n"), 0600)
	}
	got, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if got != FormatVersion {
		return fmt.Errorf("%s has version %d, this build understands %d: %w", path, got, FormatVersion, ErrVersionMismatch)
	}
	return nil
}
