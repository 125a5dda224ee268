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

// Package recipe decodes and validates the YAML document driving a build
// (spec §3's Recipe). The excluded YAML-authoring layer upstream of this
// core only needs to produce a document this package can parse; this
// package enforces spec §3's invariants itself rather than trusting the
// caller, the same defense-at-the-boundary posture the teacher applies to
// any input crossing a process boundary.
package recipe

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/offspot/image-creator/internal/errs"
	"github.com/offspot/image-creator/internal/sizeduration"
)

// Via mirrors internal/archive.Via for decode purposes so this package does
// not depend on internal/archive (archive expansion is driven by the
// orchestrator, which imports both packages and converts between them).
type Via string

const (
	ViaDirect Via = "direct"
	ViaTar    Via = "tar"
	ViaGZTar  Via = "gztar"
	ViaBZTar  Via = "bztar"
	ViaXZTar  Via = "xztar"
	ViaZip    Via = "zip"
)

// Base describes the base image to start from (spec §3).
type Base struct {
	Source   string `yaml:"source"`
	RootSize string `yaml:"root_size"`
}

// Output describes the image file to produce.
type Output struct {
	Path   string `yaml:"path"`
	Size   string `yaml:"size"` // "auto" or a byte count
	Shrink bool   `yaml:"shrink"`
}

// OCIImage is one entry in the `oci_images` sequence.
type OCIImage struct {
	Ident    string `yaml:"ident"`
	URL      string `yaml:"url,omitempty"`
	FileSize int64  `yaml:"filesize,omitempty"`
	FullSize int64  `yaml:"fullsize,omitempty"`
}

// Checksum is a declared `{algo, hex}` pair for a file entry.
type Checksum struct {
	Algo string `yaml:"algo"`
	Hex  string `yaml:"hex"`
}

// File is one entry in the `files` sequence.
type File struct {
	To       string    `yaml:"to"`
	URL      string    `yaml:"url,omitempty"`
	Content  string    `yaml:"content,omitempty"`
	Via      Via       `yaml:"via,omitempty"`
	Size     string    `yaml:"size,omitempty"`
	Checksum *Checksum `yaml:"checksum,omitempty"`
}

// Recipe is the full decoded document.
type Recipe struct {
	Base        Base                   `yaml:"base"`
	Output      Output                 `yaml:"output"`
	OCIImages   []OCIImage             `yaml:"oci_images,omitempty"`
	Files       []File                 `yaml:"files,omitempty"`
	Offspot     map[string]interface{} `yaml:"offspot,omitempty"`
	WriteConfig map[string]interface{} `yaml:"write_config,omitempty"`
}

// base64Tag prefixes file content that is base64-encoded rather than plain
// UTF-8 text (spec §4.E point 6).
const base64Tag = "base64:"

// IsBase64Content reports whether a file's inline content is base64-tagged.
func (f File) IsBase64Content() bool {
	return strings.HasPrefix(f.Content, base64Tag)
}

// Base64Payload strips the tag, returning the raw base64 text to decode.
func (f File) Base64Payload() string {
	return strings.TrimPrefix(f.Content, base64Tag)
}

// Load reads and decodes a recipe document from path, then validates it.
func Load(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New(errs.InputError, "recipe.load", err)
	}
	var r Recipe
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, errs.New(errs.InputError, "recipe.load", fmt.Errorf("parsing recipe: %w", err))
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return &r, nil
}

// Validate enforces spec §3's stated invariants: base.source non-empty;
// exactly one of url/content per file; archive `via` entries declare a
// size; `to` is a descendant of /data.
func (r *Recipe) Validate() error {
	if strings.TrimSpace(r.Base.Source) == "" {
		return errs.New(errs.InputError, "recipe.validate", fmt.Errorf("base.source must not be empty"))
	}

	for i, img := range r.OCIImages {
		if strings.TrimSpace(img.Ident) == "" {
			return errs.New(errs.InputError, "recipe.validate", fmt.Errorf("oci_images[%d]: ident must not be empty", i))
		}
	}

	for i, f := range r.Files {
		if err := f.validate(i); err != nil {
			return err
		}
	}
	return nil
}

func (f File) validate(i int) error {
	hasURL := strings.TrimSpace(f.URL) != ""
	hasContent := f.Content != ""
	if hasURL == hasContent {
		return errs.New(errs.InputError, "recipe.validate",
			fmt.Errorf("files[%d]: exactly one of url/content must be set", i))
	}
	if strings.TrimSpace(f.To) == "" {
		return errs.New(errs.InputError, "recipe.validate", fmt.Errorf("files[%d]: to must not be empty", i))
	}
	if !isDescendantOfData(f.To) {
		return errs.New(errs.InputError, "recipe.validate",
			fmt.Errorf("files[%d]: to %q must be a descendant of /data", i, f.To))
	}
	if f.Via != "" && f.Via != ViaDirect && strings.TrimSpace(f.Size) == "" {
		return errs.New(errs.InputError, "recipe.validate",
			fmt.Errorf("files[%d]: via %q requires a declared size", i, f.Via))
	}
	if strings.TrimSpace(f.Size) != "" {
		if _, err := sizeduration.ParseSize(f.Size); err != nil {
			return errs.New(errs.InputError, "recipe.validate",
				fmt.Errorf("files[%d]: size %q: %w", i, f.Size, err))
		}
	}
	return nil
}

func isDescendantOfData(to string) bool {
	clean := filepath.Clean("/" + strings.TrimPrefix(to, "/"))
	return clean == "/data" || strings.HasPrefix(clean, "/data/")
}
