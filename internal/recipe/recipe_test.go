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

package recipe

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func parse(t *testing.T, doc string) (*Recipe, error) {
	t.Helper()
	var r Recipe
	if err := yaml.Unmarshal([]byte(doc), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return &r, r.Validate()
}

func TestValidRecipe(t *testing.T) {
	_, err := parse(t, `
base:
  source: https://example.com/base.img.xz
  root_size: 4GiB
output:
  path: /out/image.img
  size: auto
files:
  - to: /data/zims/wiki.zim
    url: https://mirror.example/wiki.zim
  - to: /data/config/app.json
    content: '{"a":1}'
`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestMissingBaseSource(t *testing.T) {
	_, err := parse(t, `
base:
  source: ""
output:
  path: /out/image.img
`)
	if err == nil {
		t.Fatal("expected error for empty base.source")
	}
}

func TestFileBothURLAndContent(t *testing.T) {
	_, err := parse(t, `
base:
  source: v1
files:
  - to: /data/x
    url: https://example.com/x
    content: "also here"
`)
	if err == nil {
		t.Fatal("expected error when both url and content are set")
	}
}

func TestFileNeitherURLNorContent(t *testing.T) {
	_, err := parse(t, `
base:
  source: v1
files:
  - to: /data/x
`)
	if err == nil {
		t.Fatal("expected error when neither url nor content is set")
	}
}

func TestFileMustBeUnderData(t *testing.T) {
	_, err := parse(t, `
base:
  source: v1
files:
  - to: /etc/passwd
    content: "x"
`)
	if err == nil {
		t.Fatal("expected error for a file outside /data")
	}
}

func TestArchiveFileRequiresSize(t *testing.T) {
	_, err := parse(t, `
base:
  source: v1
files:
  - to: /data/x
    url: https://example.com/x.tar.gz
    via: gztar
`)
	if err == nil {
		t.Fatal("expected error when an archive file declares no size")
	}
}

func TestBase64ContentDetection(t *testing.T) {
	f := File{Content: "base64:aGVsbG8="}
	if !f.IsBase64Content() {
		t.Fatal("expected base64 tag to be detected")
	}
	if f.Base64Payload() != "aGVsbG8=" {
		t.Fatalf("payload = %q", f.Base64Payload())
	}

	plain := File{Content: "hello"}
	if plain.IsBase64Content() {
		t.Fatal("plain text must not be treated as base64")
	}
}
