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

package cachepolicy

import (
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"
)

func mustParse(t *testing.T, doc string) *Policy {
	t.Helper()
	var p Policy
	if err := yaml.Unmarshal([]byte(doc), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := p.compile(); err != nil {
		t.Fatalf("compile: %v", err)
	}
	return &p
}

func TestDefaultPolicy(t *testing.T) {
	p := Default()
	eff := p.Resolve(ClassFiles, "https://example.com/a.zim")
	if !eff.Enabled {
		t.Fatal("default policy should be enabled")
	}
	if eff.MaxSize.Bytes != 10*(1<<30) {
		t.Errorf("default max_size = %d, want 10GiB", eff.MaxSize.Bytes)
	}
	if eff.Eviction != LRU {
		t.Errorf("default eviction = %s, want lru", eff.Eviction)
	}
}

// TestFilterFirstMatchWins is the regression test spec §9 calls for: when
// two filters both match a source, only the first one's options apply.
func TestFilterFirstMatchWins(t *testing.T) {
	p := mustParse(t, `
files:
  enabled: true
  filters:
    - pattern: ".*\\.zim$"
      max_size: 5GiB
    - pattern: "kiwix.*"
      max_size: 1GiB
`)
	eff := p.Resolve(ClassFiles, "https://mirror.example/kiwix_wp.zim")
	if eff.MaxSize.Bytes != 5<<30 {
		t.Errorf("first-match-wins: got max_size=%d, want 5GiB (first filter, not second)", eff.MaxSize.Bytes)
	}
}

func TestMaxSizeZeroDisablesAtEveryLevel(t *testing.T) {
	p := mustParse(t, `
max_size: 0
`)
	eff := p.Resolve(ClassOCIImages, "anything")
	if eff.Enabled {
		t.Error("global max_size: 0 should disable caching entirely")
	}

	p2 := mustParse(t, `
files:
  max_size: 0
`)
	eff2 := p2.Resolve(ClassFiles, "anything")
	if eff2.Enabled {
		t.Error("class-level max_size: 0 should disable that class")
	}

	p3 := mustParse(t, `
files:
  filters:
    - pattern: "blocked"
      max_size: 0
`)
	eff3 := p3.Resolve(ClassFiles, "https://example.com/blocked.zip")
	if eff3.Enabled {
		t.Error("filter-level max_size: 0 should disable that filter's scope")
	}
}

func TestGlobalDisabledWinsOverFilterEnabled(t *testing.T) {
	p := mustParse(t, `
enabled: false
files:
  enabled: true
  filters:
    - pattern: ".*"
      enabled: true
`)
	eff := p.Resolve(ClassFiles, "https://example.com/x")
	if eff.Enabled {
		t.Error("a disabled enclosing level must disable the whole resolution")
	}
}

func TestTightestLimitWins(t *testing.T) {
	p := mustParse(t, `
max_size: 10GiB
files:
  max_size: 2GiB
`)
	eff := p.Resolve(ClassFiles, "x")
	if eff.MaxSize.Bytes != 2<<30 {
		t.Errorf("tightest max_size = %d, want 2GiB", eff.MaxSize.Bytes)
	}
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	p, err := Load(filepath.Join(t.TempDir(), "missing-policy.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !p.Resolve(ClassFiles, "x").Enabled {
		t.Error("missing policy.yaml should yield the enabled default")
	}
}
