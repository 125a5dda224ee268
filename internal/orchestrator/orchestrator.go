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
	"net/http"
	"time"

	"github.com/offspot/image-creator/internal/cachestore"
	"github.com/offspot/image-creator/internal/downloadengine"
	"github.com/offspot/image-creator/internal/recipe"
)

// Orchestrator wires the plan/resolve/download/admit/post-process pipeline
// against one cache and one download engine (spec §4.E).
type Orchestrator struct {
	Cache      *cachestore.Store
	Engine     *downloadengine.Engine
	HTTPClient *http.Client
}

// New returns an Orchestrator. A nil HTTPClient defaults to http.DefaultClient.
func New(cache *cachestore.Store, engine *downloadengine.Engine, client *http.Client) *Orchestrator {
	if client == nil {
		client = http.DefaultClient
	}
	return &Orchestrator{Cache: cache, Engine: engine, HTTPClient: client}
}

// ProgressFunc reports aggregate (done, total) bytes at ≤1Hz.
type ProgressFunc func(done, total int64)

// Run executes the full pipeline for r, writing artifacts under buildDir.
// If check is true, it performs only the dry-check step (spec §4.E point 2)
// and returns a nil Manifest on success.
func (o *Orchestrator) Run(ctx context.Context, r *recipe.Recipe, buildDir string, check bool, progress ProgressFunc) (*Manifest, error) {
	items := Plan(r)

	if check {
		return nil, DryCheck(ctx, o.HTTPClient, items)
	}

	resolutions, err := ResolveAll(o.Cache, buildDir, items)
	if err != nil {
		return nil, err
	}

	agg := NewAggregate()
	done := make(chan struct{})
	if progress != nil {
		go reportLoop(ctx, agg, progress, done)
	}

	// DownloadAll returns one slot per resolution (zero-valued for anything
	// that wasn't submitted), aligned 1:1 with resolutions; fold in the
	// cache-hit items' already-placed paths so PostProcess sees one
	// uniform list regardless of which path produced each artifact.
	fetched, err := DownloadAll(ctx, o.Engine, buildDir, resolutions, agg)
	close(done)
	if err != nil {
		return nil, err
	}
	for i, res := range resolutions {
		if !res.needsGet {
			fetched[i] = downloaded{item: res.item, path: res.path}
		}
	}

	fetched = AdmitAll(o.Cache, fetched)

	return PostProcess(ctx, buildDir, r, fetched)
}

// reportLoop calls progress at ≤1Hz until done is closed, matching spec
// §4.E point 4's "reports overall percent/speed/ETA at ≤1Hz".
func reportLoop(ctx context.Context, agg *Aggregate, progress ProgressFunc, done <-chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			d, t := agg.Snapshot()
			progress(d, t)
		}
	}
}
