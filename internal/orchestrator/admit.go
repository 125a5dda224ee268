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

package orchestrator

import (
	"fmt"
	"path/filepath"

	"github.com/offspot/image-creator/internal/cachestore"
)

// AdmitAll attempts to admit each freshly downloaded artifact into cache.
// Per spec §4.E point 5, admission failure is non-fatal: the artifact
// stays usable for this build; AdmitAll records the failure on the item
// rather than returning an error. Admit moves the payload into the cache's
// blob tree, so on success this relinks the now-cached blob back to the
// item's build-directory path — the same placement a cache Hit would have
// produced — so later pipeline stages always find the artifact at
// placementPath regardless of which path produced it.
func AdmitAll(cache *cachestore.Store, items []downloaded) []downloaded {
	for i, d := range items {
		if d.path == "" {
			continue
		}
		var ck *cachestore.Checksum
		if d.item.Checksum != nil {
			ck = &cachestore.Checksum{Algo: d.item.Checksum.Algo, Hex: d.item.Checksum.Hex}
		}
		res, err := cache.Admit(d.item.Class, d.item.Source, d.path, d.size, ck, d.item.Identifier, d.item.Version)
		if err != nil {
			items[i].admitErr = err
			continue
		}
		if res.Outcome != cachestore.Admitted {
			continue // rejected: d.path was left in place by Admit, still usable.
		}
		if err := linkOrCopy(filepath.Join(cache.Dir(), res.Entry.BlobPath), d.path); err != nil {
			items[i].admitErr = fmt.Errorf("relinking admitted blob for %s: %w", d.item, err)
		}
	}
	return items
}
