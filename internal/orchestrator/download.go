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
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"github.com/offspot/image-creator/internal/cachestore"
	"github.com/offspot/image-creator/internal/downloadengine"
	"github.com/offspot/image-creator/internal/errs"
)

// downloaded is the outcome of fetching one resolution's item.
type downloaded struct {
	item     Item
	path     string
	size     int64
	admitErr error // admission failure is non-fatal (spec §4.E point 5)
}

// Aggregate tracks overall progress across every in-flight item, reported
// at ≤1Hz by the caller (spec §4.E point 4: "a per-build total from the
// sum of known totals").
type Aggregate struct {
	mu        sync.Mutex
	totals    map[string]int64
	doneBytes map[string]int64
}

// NewAggregate returns an empty progress aggregate.
func NewAggregate() *Aggregate {
	return &Aggregate{totals: map[string]int64{}, doneBytes: map[string]int64{}}
}

func (a *Aggregate) update(key string, st downloadengine.Status) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totals[key] = st.Total
	a.doneBytes[key] = st.BytesDone
}

// Snapshot returns the current (done, total) byte sums across all items
// that have reported at least one status so far.
func (a *Aggregate) Snapshot() (done, total int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, t := range a.totals {
		total += t
		done += a.doneBytes[k]
	}
	return done, total
}

// DownloadAll submits every resolution needing a fetch to engine, returning
// one result per submitted resolution. Two resolutions sharing a cache key
// are deduplicated via singleflight: the second waits for the first's
// in-flight fetch and both receive the same result (spec §4.E's
// at-most-once guarantee).
func DownloadAll(ctx context.Context, engine *downloadengine.Engine, buildDir string, resolutions []resolution, agg *Aggregate) ([]downloaded, error) {
	var sf singleflight.Group
	results := make([]downloaded, len(resolutions))
	var wg sync.WaitGroup
	errCount := int32(0)
	var firstErr error
	var errMu sync.Mutex

	for i, r := range resolutions {
		if !r.needsGet {
			continue
		}
		i, r := i, r
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := cachestore.Key(r.item.Class, r.item.Source)
			if err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
				atomic.AddInt32(&errCount, 1)
				return
			}

			v, err, _ := sf.Do(key, func() (interface{}, error) {
				return fetchOne(ctx, engine, buildDir, r.item, agg, key)
			})
			if err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
				atomic.AddInt32(&errCount, 1)
				return
			}
			results[i] = v.(downloaded)
		}()
	}
	wg.Wait()

	if errCount > 0 {
		return nil, firstErr
	}
	return results, nil
}

func fetchOne(ctx context.Context, engine *downloadengine.Engine, buildDir string, it Item, agg *Aggregate, key string) (downloaded, error) {
	outPath := placementPath(buildDir, it)
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return downloaded{}, errs.New(errs.DownloadError, "orchestrator.download", fmt.Errorf("%s: %w", it, err))
	}
	dlItem := downloadengine.Item{
		URI:          it.Source,
		OutPath:      outPath,
		Checksum:     it.Checksum,
		ExpectedSize: it.DeclaredSize,
	}

	st, err := engine.Fetch(ctx, dlItem, func(s downloadengine.Status) {
		if agg != nil {
			agg.update(key, s)
		}
	})
	if err != nil {
		return downloaded{}, errs.New(errs.DownloadError, "orchestrator.download", fmt.Errorf("%s: %w", it, err))
	}
	return downloaded{item: it, path: outPath, size: st.BytesDone}, nil
}
