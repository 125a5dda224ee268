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
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/offspot/image-creator/internal/cachepolicy"
)

func mustParse(t *testing.T, doc string) *cachepolicy.Policy {
	t.Helper()
	var p cachepolicy.Policy
	if err := yaml.Unmarshal([]byte(doc), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return &p
}

func writeTmpBlob(t *testing.T, dir string, content []byte) string {
	t.Helper()
	p := filepath.Join(dir, "tmp-blob")
	if err := os.WriteFile(p, content, 0600); err != nil {
		t.Fatal(err)
	}
	return p
}

func openTestStore(t *testing.T, policy *cachepolicy.Policy) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir, policy, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestAdmitThenLookupHit covers invariant 1 from spec §8.
func TestAdmitThenLookupHit(t *testing.T) {
	s := openTestStore(t, cachepolicy.Default())
	tmp := writeTmpBlob(t, t.TempDir(), []byte("hello"))

	res, err := s.Admit(cachepolicy.ClassFiles, "https://example.com/a.txt", tmp, 5, nil, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Admitted {
		t.Fatalf("Admit outcome = %v, want Admitted", res.Outcome)
	}

	status, entry, err := s.Lookup(cachepolicy.ClassFiles, "https://example.com/a.txt")
	if err != nil {
		t.Fatal(err)
	}
	if status != Hit {
		t.Fatalf("Lookup status = %v, want Hit", status)
	}
	if entry.SizeBytes != 5 {
		t.Errorf("entry size = %d, want 5", entry.SizeBytes)
	}

	full := filepath.Join(s.dir, entry.BlobPath)
	if _, err := os.Stat(full); err != nil {
		t.Errorf("blob not on disk: %v", err)
	}
}

func TestLookupMissThenIgnored(t *testing.T) {
	s := openTestStore(t, cachepolicy.Default())
	status, _, err := s.Lookup(cachepolicy.ClassFiles, "https://example.com/nope.txt")
	if err != nil {
		t.Fatal(err)
	}
	if status != Miss {
		t.Fatalf("status = %v, want Miss", status)
	}

	ign := openTestStore(t, mustParse(t, "\nfiles:\n  enabled: false\n"))
	status, _, err = ign.Lookup(cachepolicy.ClassFiles, "https://example.com/nope.txt")
	if err != nil {
		t.Fatal(err)
	}
	if status != Ignored {
		t.Fatalf("status = %v, want Ignored", status)
	}
}

func TestAdmitRejectedNoRoomWithoutEviction(t *testing.T) {
	t.Helper()
	p := mustParse(t, `
files:
  max_size: 10
`)
	s := openTestStore(t, p)
	tmp := writeTmpBlob(t, t.TempDir(), make([]byte, 20))

	res, err := s.Admit(cachepolicy.ClassFiles, "https://example.com/big.bin", tmp, 20, nil, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Rejected || res.Reason != ReasonNoRoom {
		t.Fatalf("Admit = %+v, want Rejected(NoRoom)", res)
	}
	if len(s.entries) != 0 {
		t.Errorf("nothing should have been evicted/admitted, got %d entries", len(s.entries))
	}
}

func TestMaxSizeZeroDisablesClass(t *testing.T) {
	p := mustParse(t, `
files:
  max_size: 0
`)
	s := openTestStore(t, p)
	tmp := writeTmpBlob(t, t.TempDir(), []byte("x"))
	res, err := s.Admit(cachepolicy.ClassFiles, "https://example.com/x", tmp, 1, nil, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Rejected || res.Reason != ReasonDisabled {
		t.Fatalf("Admit = %+v, want Rejected(Disabled)", res)
	}
}

// TestKeepIdentifiedVersions covers spec §8 scenario 4.
func TestKeepIdentifiedVersions(t *testing.T) {
	p := mustParse(t, `
files:
  keep_identified_versions: true
`)
	s := openTestStore(t, p)

	tmpDir := t.TempDir()
	blob1 := writeTmpBlob(t, tmpDir, []byte("v1"))
	res1, err := s.Admit(cachepolicy.ClassFiles, "https://mirror.example/kiwix_wp_en_2024-01.zim", blob1, 2, nil, "kiwix_wp_en", "2024-01")
	if err != nil {
		t.Fatal(err)
	}
	if res1.Outcome != Admitted {
		t.Fatalf("first admit: %+v", res1)
	}

	os.WriteFile(filepath.Join(tmpDir, "tmp-blob2"), []byte("v2"), 0600)
	blob2 := filepath.Join(tmpDir, "tmp-blob2")
	res2, err := s.Admit(cachepolicy.ClassFiles, "https://mirror.example/kiwix_wp_en_2024-02.zim", blob2, 2, nil, "kiwix_wp_en", "2024-02")
	if err != nil {
		t.Fatal(err)
	}
	if res2.Outcome != Admitted {
		t.Fatalf("second admit: %+v", res2)
	}

	status, _, err := s.Lookup(cachepolicy.ClassFiles, "https://mirror.example/kiwix_wp_en_2024-01.zim")
	if err != nil {
		t.Fatal(err)
	}
	if status != Miss {
		t.Errorf("older version should have been evicted, got status=%v", status)
	}

	// A third file with the same identifier but a different source host
	// must NOT be evicted.
	os.WriteFile(filepath.Join(tmpDir, "tmp-blob3"), []byte("v1-other"), 0600)
	blob3 := filepath.Join(tmpDir, "tmp-blob3")
	res3, err := s.Admit(cachepolicy.ClassFiles, "https://other-mirror.example/kiwix_wp_en_2024-01.zim", blob3, 8, nil, "kiwix_wp_en", "2024-01")
	if err != nil {
		t.Fatal(err)
	}
	if res3.Outcome != Admitted {
		t.Fatalf("third admit: %+v", res3)
	}
	status3, _, err := s.Lookup(cachepolicy.ClassFiles, "https://other-mirror.example/kiwix_wp_en_2024-01.zim")
	if err != nil {
		t.Fatal(err)
	}
	if status3 != Hit {
		t.Errorf("different-source same-identifier entry should not be evicted, got status=%v", status3)
	}
}

func TestEvictionFreesRoomForLargerAdmission(t *testing.T) {
	p := mustParse(t, `
files:
  max_size: 10
  eviction: lru
`)
	s := openTestStore(t, p)
	tmpDir := t.TempDir()

	b1 := writeTmpBlob(t, tmpDir, make([]byte, 5))
	if res, err := s.Admit(cachepolicy.ClassFiles, "https://example.com/a", b1, 5, nil, "", ""); err != nil || res.Outcome != Admitted {
		t.Fatalf("admit a: %+v %v", res, err)
	}

	os.WriteFile(filepath.Join(tmpDir, "b2"), make([]byte, 8), 0600)
	res, err := s.Admit(cachepolicy.ClassFiles, "https://example.com/b", filepath.Join(tmpDir, "b2"), 8, nil, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != Admitted {
		t.Fatalf("admit b should evict a to fit: %+v", res)
	}
	if status, _, _ := s.Lookup(cachepolicy.ClassFiles, "https://example.com/a"); status != Miss {
		t.Errorf("a should have been evicted to make room, status=%v", status)
	}
}

func TestInvalidate(t *testing.T) {
	s := openTestStore(t, cachepolicy.Default())
	tmp := writeTmpBlob(t, t.TempDir(), []byte("x"))
	res, err := s.Admit(cachepolicy.ClassFiles, "https://example.com/x", tmp, 1, nil, "", "")
	if err != nil || res.Outcome != Admitted {
		t.Fatalf("admit: %+v %v", res, err)
	}
	key, _ := Key(cachepolicy.ClassFiles, "https://example.com/x")
	if err := s.Invalidate(key); err != nil {
		t.Fatal(err)
	}
	if status, _, _ := s.Lookup(cachepolicy.ClassFiles, "https://example.com/x"); status != Miss {
		t.Errorf("status after invalidate = %v, want Miss", status)
	}
}
