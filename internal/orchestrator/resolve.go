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
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/offspot/image-creator/internal/cachestore"
	"github.com/offspot/image-creator/internal/errs"
)

// DryCheck implements spec §4.E point 2: issue HEAD requests to validate
// URL reachability and sizes, without downloading or touching the cache.
func DryCheck(ctx context.Context, client *http.Client, items []Item) error {
	for _, it := range items {
		if it.Source == "" || !looksLikeURL(it.Source) {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, it.Source, nil)
		if err != nil {
			return errs.New(errs.ResolutionError, "orchestrator.drycheck", fmt.Errorf("%s: %w", it, err))
		}
		res, err := client.Do(req)
		if err != nil {
			return errs.New(errs.ResolutionError, "orchestrator.drycheck", fmt.Errorf("%s: %w", it, err))
		}
		res.Body.Close()
		if res.StatusCode >= 400 {
			return errs.New(errs.ResolutionError, "orchestrator.drycheck",
				fmt.Errorf("%s: HEAD returned %d", it, res.StatusCode))
		}
		if it.DeclaredSize > 0 && res.ContentLength > 0 && res.ContentLength != it.DeclaredSize {
			return errs.New(errs.ResolutionError, "orchestrator.drycheck",
				fmt.Errorf("%s: declared size %d does not match HEAD content-length %d", it, it.DeclaredSize, res.ContentLength))
		}
	}
	return nil
}

func looksLikeURL(s string) bool {
	return len(s) > 8 && (s[:7] == "http://" || s[:8] == "https://")
}

// resolution is the outcome of resolving one item against the cache.
type resolution struct {
	item     Item
	status   cachestore.LookupStatus
	entry    *cachestore.Entry
	needsGet bool   // must be submitted to the download engine
	path     string // on-disk location once resolved (cache hit only; downloads fill this in later)
}

// placementPath is where an item's content lives in the build directory,
// used consistently whether it arrived via cache hit or fresh download.
func placementPath(buildDir string, it Item) string {
	if it.To != "" {
		return filepath.Join(buildDir, identifierFromTo(it.To))
	}
	return filepath.Join(buildDir, it.Identifier)
}

// ResolveAll looks each item up in cache (spec §4.E point 3). Hits are
// satisfied by linking the cached blob into the build directory; misses
// and stale hits are returned for the caller to queue for download.
func ResolveAll(cache *cachestore.Store, buildDir string, items []Item) ([]resolution, error) {
	out := make([]resolution, 0, len(items))
	for _, it := range items {
		if it.Source == "" {
			// inline content, not cacheable.
			continue
		}
		status, entry, err := cache.Lookup(it.Class, it.Source)
		if err != nil {
			return nil, errs.New(errs.CacheError, "orchestrator.resolve", fmt.Errorf("%s: %w", it, err))
		}

		r := resolution{item: it, status: status, entry: entry}
		switch status {
		case cachestore.Hit:
			dest := placementPath(buildDir, it)
			if err := linkOrCopy(filepath.Join(cache.Dir(), entry.BlobPath), dest); err != nil {
				return nil, errs.New(errs.CacheError, "orchestrator.resolve", fmt.Errorf("%s: placing cached blob: %w", it, err))
			}
			r.path = dest
		case cachestore.StaleHit, cachestore.Miss:
			r.needsGet = true
		case cachestore.Ignored:
			r.needsGet = true
		}
		out = append(out, r)
	}
	return out, nil
}

// Revalidate issues a conditional GET against a stale entry's source; a 304
// refreshes checked_on without re-downloading (spec §4.E point 3). Any
// other status is treated as "needs a full re-download".
func Revalidate(ctx context.Context, client *http.Client, cache *cachestore.Store, key, url string, lastChecked time.Time) (fresh bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("If-Modified-Since", lastChecked.UTC().Format(http.TimeFormat))
	res, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotModified {
		if err := cache.Revalidate(key); err != nil {
			return false, err
		}
		return true, nil
	}
	io.Copy(io.Discard, res.Body)
	return false, nil
}

func linkOrCopy(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	if err := os.Link(src, dst); err == nil {
		return nil
	}
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
