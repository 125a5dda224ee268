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

// Package builder wires components A-F into the linear build pipeline (spec
// §4.G): validate recipe, open cache, orchestrate content, manage image
// layout, write configs, shrink, release.
package builder

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/offspot/image-creator/internal/buildctx"
	"github.com/offspot/image-creator/internal/cachepolicy"
	"github.com/offspot/image-creator/internal/cachestore"
	"github.com/offspot/image-creator/internal/downloadengine"
	"github.com/offspot/image-creator/internal/errs"
	"github.com/offspot/image-creator/internal/imagelayout"
	"github.com/offspot/image-creator/internal/metrics"
	"github.com/offspot/image-creator/internal/orchestrator"
	"github.com/offspot/image-creator/internal/recipe"
	"github.com/offspot/image-creator/internal/sizeduration"
)

// ProgressFunc reports aggregate download progress at ≤1Hz.
type ProgressFunc func(done, total int64)

// Result summarizes a completed build.
type Result struct {
	OutputPath   string
	BytesWritten int64
}

// Run executes the full pipeline described by cc. On any failure it still
// attempts to release the layout manager's resources (loop device, mount,
// device-mapper nodes); the output file is removed unless cc.Keep is set
// (spec §4.G).
func Run(ctx context.Context, cc *buildctx.Context, progress ProgressFunc) (*Result, error) {
	r, err := recipe.Load(cc.ConfigSrc)
	if err != nil {
		return nil, err
	}

	policy, err := cachepolicy.Load(filepath.Join(cc.CacheDir, "policy.yaml"))
	if err != nil {
		return nil, errs.New(errs.CacheError, "builder.run", err)
	}

	reg := metrics.New()
	cache, err := cachestore.Open(cc.CacheDir, policy, reg.Cache)
	if err != nil {
		return nil, err
	}
	defer cache.Close()

	if cc.Check {
		items := orchestrator.Plan(r)
		if err := orchestrator.DryCheck(ctx, http.DefaultClient, items); err != nil {
			return nil, err
		}
		return &Result{}, nil
	}

	engine, err := downloadengine.Start(ctx, downloadengine.Options{})
	if err != nil {
		return nil, err
	}
	defer engine.Shutdown(ctx)

	orch := orchestrator.New(cache, engine, nil)
	manifest, err := orch.Run(ctx, r, cc.BuildDir, false, orchestrator.ProgressFunc(progress))
	if err != nil {
		return nil, err
	}

	mgr, layoutErr := buildImage(ctx, cc, r, manifest)
	if mgr != nil {
		defer func() { _ = mgr.Release(ctx) }()
	}
	if layoutErr != nil {
		if !cc.Keep {
			os.Remove(cc.Output)
		}
		return nil, layoutErr
	}

	if err := cc.Cleanup(); err != nil {
		return nil, errs.New(errs.LayoutError, "builder.run", err)
	}

	info, statErr := os.Stat(cc.Output)
	var size int64
	if statErr == nil {
		size = info.Size()
	}
	return &Result{OutputPath: cc.Output, BytesWritten: size}, nil
}

// buildImage drives the imagelayout state machine (spec §4.F) over the
// fetched base image and manifest files. The returned Manager is non-nil
// whenever any resource may have been acquired, so the caller can always
// attempt Release regardless of which step failed.
func buildImage(ctx context.Context, cc *buildctx.Context, r *recipe.Recipe, manifest *orchestrator.Manifest) (*imagelayout.Manager, error) {
	size, err := outputSize(r, manifest)
	if err != nil {
		return nil, err
	}

	mgr, err := imagelayout.Create(cc.Output, size, cc.Overwrite)
	if err != nil {
		return nil, err
	}
	if err := copyBaseInto(cc.Output, manifest.BasePath); err != nil {
		return mgr, err
	}

	if err := mgr.Attach(); err != nil {
		return mgr, err
	}
	if err := mgr.Probe(); err != nil {
		return mgr, err
	}
	if err := mgr.ExtendPartition3(ctx); err != nil {
		return mgr, err
	}
	if err := mgr.EnsureDeviceNodes(ctx); err != nil {
		return mgr, err
	}
	if err := mgr.CheckFilesystem(ctx); err != nil {
		return mgr, err
	}
	if err := mgr.ResizeFilesystem(ctx); err != nil {
		return mgr, err
	}
	if err := mgr.CheckFilesystem(ctx); err != nil {
		return mgr, err
	}

	if err := mgr.Mount(cc.BuildDir); err != nil {
		return mgr, err
	}
	if err := mgr.Populate(manifest.Files); err != nil {
		return mgr, err
	}
	if err := mgr.Unmount(ctx); err != nil {
		return mgr, err
	}

	if r.Output.Shrink {
		if err := mgr.Shrink(ctx); err != nil {
			return mgr, err
		}
	}

	return mgr, nil
}

// outputSize resolves output.size: "auto" cluster-aligns the fetched,
// decompressed base image's on-disk size via imagelayout.AutoSize, anything
// else goes through sizeduration.ParseSize.
func outputSize(r *recipe.Recipe, manifest *orchestrator.Manifest) (int64, error) {
	if r.Output.Size == "" || r.Output.Size == "auto" {
		info, err := os.Stat(manifest.BasePath)
		if err != nil {
			return 0, errs.New(errs.LayoutError, "builder.size", fmt.Errorf("auto output size: %w", err))
		}
		return imagelayout.AutoSize(info.Size()), nil
	}
	sz, err := sizeduration.ParseSize(r.Output.Size)
	if err != nil {
		return 0, errs.New(errs.InputError, "builder.size", err)
	}
	return sz.Bytes, nil
}

// copyBaseInto writes the fetched base image's bytes into the freshly
// allocated output file, which Create has already sized to fit it.
func copyBaseInto(outputPath, basePath string) error {
	in, err := os.Open(basePath)
	if err != nil {
		return errs.New(errs.LayoutError, "builder.copybase", err)
	}
	defer in.Close()
	out, err := os.OpenFile(outputPath, os.O_WRONLY, 0644)
	if err != nil {
		return errs.New(errs.LayoutError, "builder.copybase", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return errs.New(errs.LayoutError, "builder.copybase", err)
	}
	return nil
}
