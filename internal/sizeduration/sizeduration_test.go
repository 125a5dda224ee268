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

package sizeduration

import "testing"

func TestParseSizeBinary(t *testing.T) {
	cases := map[string]int64{
		"1G":     1 << 30,
		"2GiB":   2 << 30,
		"1K":     1 << 10,
		"1KiB":   1 << 10,
		"0":      0,
		"512B":   512,
		"1.5GiB": int64(1.5 * (1 << 30)),
	}
	for in, want := range cases {
		got, err := ParseSize(in)
		if err != nil {
			t.Fatalf("ParseSize(%q): %v", in, err)
		}
		if !got.Specified || got.Bytes != want {
			t.Errorf("ParseSize(%q) = %+v, want %d", in, got, want)
		}
	}
}

func TestParseSizeDecimal(t *testing.T) {
	got, err := ParseSize("1GB")
	if err != nil {
		t.Fatal(err)
	}
	if got.Bytes != 1_000_000_000 {
		t.Errorf("ParseSize(1GB) = %d, want 1e9", got.Bytes)
	}
}

func TestParseSizeUnspecified(t *testing.T) {
	got, err := ParseSize("")
	if err != nil {
		t.Fatal(err)
	}
	if got.Specified {
		t.Errorf("empty string should be unspecified, got %+v", got)
	}
}

func TestParseSizeInvalid(t *testing.T) {
	for _, in := range []string{"abc", "1XB", "-5G", "G"} {
		if _, err := ParseSize(in); err == nil {
			t.Errorf("ParseSize(%q) expected error", in)
		}
	}
}

func TestSizeRoundTrip(t *testing.T) {
	for _, x := range []int64{0, 1024, 10 * 1024 * 1024 * 1024} {
		s := FormatSize(x)
		got, err := ParseSize(s)
		if err != nil {
			t.Fatalf("ParseSize(FormatSize(%d)=%q): %v", x, s, err)
		}
		if got.Bytes != x {
			t.Errorf("round trip %d -> %q -> %d", x, s, got.Bytes)
		}
	}
}

func TestParseDuration(t *testing.T) {
	a, err := ParseDuration("30d")
	if err != nil {
		t.Fatal(err)
	}
	b, err := ParseDuration("4w2d")
	if err != nil {
		t.Fatal(err)
	}
	if a.D != b.D {
		t.Errorf("30d (%v) != 4w2d (%v)", a.D, b.D)
	}
}

func TestParseDurationZeroAndUnspecified(t *testing.T) {
	z, err := ParseDuration("0")
	if err != nil {
		t.Fatal(err)
	}
	if !z.Specified || z.D != 0 {
		t.Errorf("ParseDuration(0) = %+v", z)
	}
	u, err := ParseDuration("")
	if err != nil {
		t.Fatal(err)
	}
	if u.Specified {
		t.Errorf("ParseDuration(\"\") should be unspecified")
	}
}

func TestParseDurationInvalid(t *testing.T) {
	for _, in := range []string{"abc", "30x", "30dx"} {
		if _, err := ParseDuration(in); err == nil {
			t.Errorf("ParseDuration(%q) expected error", in)
		}
	}
}
