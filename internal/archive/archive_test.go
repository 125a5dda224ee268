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

package archive

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func writeTarGz(t *testing.T, files map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	tw.Close()
	gz.Close()

	p := filepath.Join(t.TempDir(), "archive.tar.gz")
	if err := os.WriteFile(p, buf.Bytes(), 0600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestExpandGZTar(t *testing.T) {
	src := writeTarGz(t, map[string]string{
		"a.txt":       "hello",
		"sub/b.txt":   "world",
	})
	dest := t.TempDir()

	n, err := Expand(context.Background(), GZTar, src, dest, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Errorf("expanded bytes = %d, want 10", n)
	}

	b, err := os.ReadFile(filepath.Join(dest, "a.txt"))
	if err != nil || string(b) != "hello" {
		t.Errorf("a.txt = %q, %v", b, err)
	}
	b, err = os.ReadFile(filepath.Join(dest, "sub", "b.txt"))
	if err != nil || string(b) != "world" {
		t.Errorf("sub/b.txt = %q, %v", b, err)
	}
}

func TestExpandGZTarTooLarge(t *testing.T) {
	src := writeTarGz(t, map[string]string{"a.txt": "0123456789"})
	dest := t.TempDir()

	_, err := Expand(context.Background(), GZTar, src, dest, 3)
	if !errors.Is(err, ErrTooLarge) {
		t.Fatalf("err = %v, want ErrTooLarge", err)
	}
}

func TestExpandZip(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("hello.txt")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("hi")); err != nil {
		t.Fatal(err)
	}
	zw.Close()

	src := filepath.Join(t.TempDir(), "archive.zip")
	if err := os.WriteFile(src, buf.Bytes(), 0600); err != nil {
		t.Fatal(err)
	}
	dest := t.TempDir()

	n, err := Expand(context.Background(), Zip, src, dest, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expanded bytes = %d, want 2", n)
	}
}

func TestExpandDirect(t *testing.T) {
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "payload.bin")
	if err := os.WriteFile(src, []byte("0123456789"), 0600); err != nil {
		t.Fatal(err)
	}
	dest := t.TempDir()

	n, err := Expand(context.Background(), Direct, src, dest, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Errorf("n = %d, want 10", n)
	}
	if _, err := os.Stat(filepath.Join(dest, "payload.bin")); err != nil {
		t.Errorf("payload not copied: %v", err)
	}
}

func TestDecompressBaseZstd(t *testing.T) {
	payload := []byte("raw disk image bytes")
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "base.img.zst")

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := enc.Write(payload); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(src, buf.Bytes(), 0600); err != nil {
		t.Fatal(err)
	}

	dst, err := DecompressBase(context.Background(), src, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(dst) != "base.img" {
		t.Errorf("decompressed name = %q, want base.img", filepath.Base(dst))
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("decompressed content = %q, want %q", got, payload)
	}
}

func TestDecompressBaseGzip(t *testing.T) {
	payload := []byte("another raw disk image")
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "base.img.gz")

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(payload); err != nil {
		t.Fatal(err)
	}
	gz.Close()
	if err := os.WriteFile(src, buf.Bytes(), 0600); err != nil {
		t.Fatal(err)
	}

	dst, err := DecompressBase(context.Background(), src, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("decompressed content = %q, want %q", got, payload)
	}
}

func TestDecompressBaseUnrecognizedSuffixPassesThrough(t *testing.T) {
	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "base.img")
	if err := os.WriteFile(src, []byte("already raw"), 0600); err != nil {
		t.Fatal(err)
	}

	dst, err := DecompressBase(context.Background(), src, t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if dst != src {
		t.Errorf("dst = %q, want unchanged %q", dst, src)
	}
}

func TestSafeJoinConfinesTraversalAndAbsolutePaths(t *testing.T) {
	for _, name := range []string{"../../etc/passwd", "/etc/passwd", "a/../../b"} {
		target, err := safeJoin("/tmp/dest", name)
		if err != nil {
			t.Fatalf("safeJoin(%q) = %v, want it confined under dest without error", name, err)
		}
		want := "/tmp/dest"
		if len(target) < len(want) || target[:len(want)] != want {
			t.Errorf("safeJoin(%q) = %q, want it to stay under %q", name, target, want)
		}
	}
}
