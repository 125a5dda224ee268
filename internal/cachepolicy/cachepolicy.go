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

// Package cachepolicy models the layered cache policy tree (global, class,
// filter) described in spec §4.B and resolves it, for a given entry, into a
// single EffectivePolicy via a pure function — replacing the source's
// dynamic attribute walk with an explicit Go struct per the Redesign note.
package cachepolicy

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/offspot/image-creator/internal/sizeduration"
)

// Eviction is a strategy used to order candidates when space must be freed.
type Eviction string

const (
	Oldest   Eviction = "oldest"
	Newest   Eviction = "newest"
	Largest  Eviction = "largest"
	Smallest Eviction = "smallest"
	LRU      Eviction = "lru"
)

// Class identifies which top-level bucket an entry belongs to.
type Class string

const (
	ClassOCIImages Class = "oci_images"
	ClassFiles     Class = "files"
)

// options is the level shared by global, class and filter scopes. Pointer
// fields are nil when unspecified, so resolution can fall through to the
// enclosing level.
type options struct {
	Enabled            *bool     `yaml:"enabled,omitempty"`
	MaxSize            *string   `yaml:"max_size,omitempty"`
	MaxAge             *string   `yaml:"max_age,omitempty"`
	MaxNum             *int      `yaml:"max_num,omitempty"`
	Eviction           *Eviction `yaml:"eviction,omitempty"`
	KeepIdentifiedVers *bool     `yaml:"keep_identified_versions,omitempty"`
	// CheckAfter is not enumerated in spec §4.B's option list but is relied
	// on by §4.C's lookup contract ("checked_on is within the check_after
	// window"); modeled the same way as max_age (a duration, tightest wins).
	CheckAfter *string `yaml:"check_after,omitempty"`
}

// Filter is a per-class override matched against an entry's source.
type Filter struct {
	options `yaml:",inline"`
	Pattern string `yaml:"pattern"`
	Ignore  bool   `yaml:"ignore,omitempty"`

	compiled *regexp.Regexp
}

// classPolicy is the per-class (oci_images / files) level.
type classPolicy struct {
	options `yaml:",inline"`
	Filters []*Filter `yaml:"filters,omitempty"`
}

// Policy is the root of the three-level tree, as decoded from policy.yaml.
type Policy struct {
	options   `yaml:",inline"`
	OCIImages classPolicy `yaml:"oci_images,omitempty"`
	Files     classPolicy `yaml:"files,omitempty"`
}

// Default returns the policy implied by a missing policy.yaml (spec §6).
func Default() *Policy {
	t := true
	ev := LRU
	tenGiB := "10GiB"
	return &Policy{
		options: options{Enabled: &t, MaxSize: &tenGiB, Eviction: &ev},
		OCIImages: classPolicy{
			options: options{Enabled: &t, Eviction: &ev},
		},
		Files: classPolicy{
			options: options{Enabled: &t, Eviction: &ev},
		},
	}
}

// Load reads and compiles policy.yaml at path. A missing file yields Default().
func Load(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return &p, nil
}

// OCIImagesFilters returns the compiled filter patterns for the oci_images
// class, in configured order, for callers (e.g. cachestore's eviction
// bucketing) that need to know which filter a source would match without
// recomputing the full EffectivePolicy.
func (p *Policy) OCIImagesFilters() []*regexp.Regexp {
	return compiledPatterns(p.OCIImages.Filters)
}

// FilesFilters is OCIImagesFilters for the files class.
func (p *Policy) FilesFilters() []*regexp.Regexp {
	return compiledPatterns(p.Files.Filters)
}

func compiledPatterns(filters []*Filter) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(filters))
	for i, f := range filters {
		out[i] = f.compiled
	}
	return out
}

func (p *Policy) compile() error {
	for _, cp := range []*classPolicy{&p.OCIImages, &p.Files} {
		for _, f := range cp.Filters {
			re, err := regexp.Compile(f.Pattern)
			if err != nil {
				return fmt.Errorf("filter pattern %q: %w", f.Pattern, err)
			}
			f.compiled = re
		}
	}
	return nil
}

// EffectivePolicy is the fully-resolved set of limits applicable to one
// cache entry, after walking global -> class -> first-matching-filter.
type EffectivePolicy struct {
	Enabled            bool
	MaxSize            sizeduration.Size
	MaxAge             sizeduration.Duration
	MaxNum             int
	HasMaxNum          bool
	Eviction           Eviction
	KeepIdentifiedVers bool
	CheckAfter         sizeduration.Duration
	Ignore             bool
	Class              Class
}

// Resolve computes the EffectivePolicy for an entry of the given class and
// source. Filters are matched in order; the first match wins (spec §4.B,
// §9 open-question fix). Per spec §4.B, "enabled" is disabled if *any*
// enclosing level (global, class, matched filter) says so; max_size/max_age/
// max_num take the tightest value specified across the enclosing levels;
// eviction and keep_identified_versions fall through from the nearest level
// that specifies them (they aren't "limits", so no tightest-wins applies).
func (p *Policy) Resolve(class Class, source string) EffectivePolicy {
	cp := &p.OCIImages
	if class == ClassFiles {
		cp = &p.Files
	}

	levels := []options{p.options, cp.options}
	ignore := false
	for _, f := range cp.Filters {
		if f.compiled != nil && f.compiled.MatchString(source) {
			levels = append(levels, f.options)
			ignore = f.Ignore
			break
		}
	}

	eff := EffectivePolicy{Enabled: true, Eviction: LRU, Ignore: ignore, Class: class}

	for _, lvl := range levels {
		if lvl.Enabled != nil && !*lvl.Enabled {
			eff.Enabled = false
		}
		if lvl.MaxSize != nil {
			sz, err := sizeduration.ParseSize(*lvl.MaxSize)
			if err == nil && sz.Specified {
				if !eff.MaxSize.Specified || sz.Bytes < eff.MaxSize.Bytes {
					eff.MaxSize = sz
				}
			}
		}
		if lvl.MaxAge != nil {
			d, err := sizeduration.ParseDuration(*lvl.MaxAge)
			if err == nil && d.Specified {
				if !eff.MaxAge.Specified || d.D < eff.MaxAge.D {
					eff.MaxAge = d
				}
			}
		}
		if lvl.MaxNum != nil {
			if !eff.HasMaxNum || *lvl.MaxNum < eff.MaxNum {
				eff.MaxNum = *lvl.MaxNum
				eff.HasMaxNum = true
			}
		}
		if lvl.Eviction != nil {
			eff.Eviction = *lvl.Eviction
		}
		if lvl.KeepIdentifiedVers != nil {
			eff.KeepIdentifiedVers = *lvl.KeepIdentifiedVers
		}
		if lvl.CheckAfter != nil {
			d, err := sizeduration.ParseDuration(*lvl.CheckAfter)
			if err == nil && d.Specified {
				if !eff.CheckAfter.Specified || d.D < eff.CheckAfter.D {
					eff.CheckAfter = d
				}
			}
		}
	}

	if eff.MaxSize.Specified && eff.MaxSize.Bytes == 0 {
		eff.Enabled = false
	}
	if eff.HasMaxNum && eff.MaxNum == 0 {
		eff.Enabled = false
	}

	return eff
}
