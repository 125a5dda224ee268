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
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"

	"github.com/offspot/image-creator/internal/archive"
	"github.com/offspot/image-creator/internal/errs"
	"github.com/offspot/image-creator/internal/recipe"
)

// Manifest is the final set of on-disk artifacts ready to be placed inside
// the image, keyed by their final destination under /data (or "" for the
// base image and OCI images, which have their own placement rules).
type Manifest struct {
	BasePath     string
	OCIStoreDirs []string // one extracted directory per oci_images entry
	Files        map[string]string
}

// PostProcess implements spec §4.E point 6 over a completed download/admit
// round plus the recipe's content-only files:
//   - archive `via` files are expanded into a sibling directory, with the
//     declared size enforced as an upper bound (ArchiveTooLarge otherwise);
//   - inline `content` files are written directly, decoding base64 when
//     tagged;
//   - OCI items are extracted into buildDir/oci/<ident>, and those
//     directories are returned in Manifest.OCIStoreDirs; nothing in the
//     build copies them into the image's Docker storage area.
func PostProcess(ctx context.Context, buildDir string, r *recipe.Recipe, fetched []downloaded) (*Manifest, error) {
	m := &Manifest{Files: map[string]string{}}

	for _, d := range fetched {
		switch d.item.Kind {
		case KindBase:
			// The build-dir copy is named without the source's suffix;
			// restore it so DecompressBase can pick the decompressor.
			src := d.path
			if ext := filepath.Ext(d.item.Source); ext != "" && filepath.Ext(src) != ext {
				src += ext
				if err := os.Rename(d.path, src); err != nil {
					return nil, errs.New(errs.DownloadError, "orchestrator.postprocess", err)
				}
			}
			basePath, err := archive.DecompressBase(ctx, src, filepath.Join(buildDir, "base"))
			if err != nil {
				return nil, fmt.Errorf("%s: %w", d.item, err)
			}
			m.BasePath = basePath
		case KindOCIImage:
			dir, err := extractOCI(ctx, d.path, buildDir, d.item.Identifier)
			if err != nil {
				return nil, err
			}
			m.OCIStoreDirs = append(m.OCIStoreDirs, dir)
		case KindFile:
			finalPath, err := postProcessFile(ctx, d, buildDir)
			if err != nil {
				return nil, err
			}
			m.Files[d.item.To] = finalPath
		}
	}

	for _, f := range ContentFiles(r) {
		finalPath, err := writeContentFile(buildDir, f)
		if err != nil {
			return nil, err
		}
		m.Files[f.To] = finalPath
	}

	return m, nil
}

func postProcessFile(ctx context.Context, d downloaded, buildDir string) (string, error) {
	via := archive.Via(d.item.Via)
	if via == "" || via == archive.Direct {
		return d.path, nil
	}

	destDir := d.path + ".expanded"
	n, err := archive.Expand(ctx, via, d.path, destDir, d.item.DeclaredSize)
	if err != nil {
		return "", fmt.Errorf("%s: %w", d.item, err)
	}
	_ = n
	return destDir, nil
}

func writeContentFile(buildDir string, f recipe.File) (string, error) {
	dest := filepath.Join(buildDir, identifierFromTo(f.To))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return "", errs.New(errs.InputError, "orchestrator.postprocess", err)
	}

	var payload []byte
	if f.IsBase64Content() {
		decoded, err := base64.StdEncoding.DecodeString(f.Base64Payload())
		if err != nil {
			return "", errs.New(errs.InputError, "orchestrator.postprocess", fmt.Errorf("%s: decoding base64 content: %w", f.To, err))
		}
		payload = decoded
	} else {
		payload = []byte(f.Content)
	}

	if err := os.WriteFile(dest, payload, 0644); err != nil {
		return "", errs.New(errs.InputError, "orchestrator.postprocess", err)
	}
	return dest, nil
}

// extractOCI extracts path (the engine-downloaded OCI tarball) into a
// per-image directory under buildDir/oci/<ident>. The directory is not
// placed into the image's Docker storage area: the layout manager and
// builder only copy the base image and Manifest.Files.
func extractOCI(ctx context.Context, path, buildDir, ident string) (string, error) {
	destDir := filepath.Join(buildDir, "oci", ident)
	if _, err := archive.Expand(ctx, archive.Tar, path, destDir, 0); err != nil {
		return "", fmt.Errorf("extracting oci image %s: %w", ident, err)
	}
	return destDir, nil
}
