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

// Package sizeduration parses the human-readable size and duration strings
// used throughout recipe and cache-policy YAML (1G, 2.4GiB, 30d, 4w, 0, "").
package sizeduration

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// Size is a parsed byte count. Specified is false for an empty/missing
// input, distinguishing "unspecified" from an explicit zero.
type Size struct {
	Bytes     int64
	Specified bool
}

// Duration is a parsed time span, with the same unspecified/zero distinction.
type Duration struct {
	D         time.Duration
	Specified bool
}

var sizeRe = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)\s*([A-Za-z]*)$`)

var binaryUnits = map[string]int64{
	"B":   1,
	"K":   1 << 10,
	"KB":  1 << 10,
	"KIB": 1 << 10,
	"M":   1 << 20,
	"MB":  1 << 20,
	"MIB": 1 << 20,
	"G":   1 << 30,
	"GB":  1 << 30,
	"GIB": 1 << 30,
	"T":   1 << 40,
	"TB":  1 << 40,
	"TIB": 1 << 40,
}

var decimalUnits = map[string]int64{
	"KB": 1_000,
	"MB": 1_000_000,
	"GB": 1_000_000_000,
	"TB": 1_000_000_000_000,
}

// unitMultiplier picks binary powers-of-1024 for bare/"iB"-suffixed units and
// decimal powers-of-1000 for explicit "B"-suffixed units (1G/1GiB are binary,
// 1GB is decimal), matching the documented unit set in spec §4.A.
func unitMultiplier(unit string) (int64, bool) {
	if unit == "" {
		return 1, true
	}
	u := normalizeUnit(unit)
	switch u {
	case "KB", "MB", "GB", "TB":
		return decimalUnits[u], true
	default:
		m, ok := binaryUnits[u]
		return m, ok
	}
}

func normalizeUnit(unit string) string {
	out := make([]byte, 0, len(unit))
	for i := 0; i < len(unit); i++ {
		c := unit[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

// ErrInvalidFormat is wrapped by ParseSize/ParseDuration on malformed input.
var ErrInvalidFormat = fmt.Errorf("invalid format")

// ParseSize parses a human size such as "1G", "2.4GiB", "0", or "" (unspecified).
func ParseSize(s string) (Size, error) {
	if s == "" {
		return Size{}, nil
	}
	if s == "0" {
		return Size{Bytes: 0, Specified: true}, nil
	}
	m := sizeRe.FindStringSubmatch(s)
	if m == nil {
		return Size{}, fmt.Errorf("%q: %w", s, ErrInvalidFormat)
	}
	num, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Size{}, fmt.Errorf("%q: %w", s, ErrInvalidFormat)
	}
	mult, ok := unitMultiplier(m[2])
	if !ok {
		return Size{}, fmt.Errorf("%q: unknown unit %q: %w", s, m[2], ErrInvalidFormat)
	}
	return Size{Bytes: int64(num * float64(mult)), Specified: true}, nil
}

// FormatSize renders bytes using binary units, the inverse of ParseSize's
// binary path (used by the round-trip property in spec §8).
func FormatSize(bytes int64) string {
	const unit = 1024
	if bytes == 0 {
		return "0"
	}
	if bytes < unit {
		return fmt.Sprintf("%dB", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	units := []string{"KiB", "MiB", "GiB", "TiB"}
	return fmt.Sprintf("%.4g%s", float64(bytes)/float64(div), units[exp])
}

var durationRe = regexp.MustCompile(`(?i)([0-9]+)(s|m|h|d|w|y)`)

var durationUnits = map[string]time.Duration{
	"S": time.Second,
	"M": time.Minute,
	"H": time.Hour,
	"D": 24 * time.Hour,
	"W": 7 * 24 * time.Hour,
	"Y": 365 * 24 * time.Hour,
}

// ParseDuration parses a human duration such as "30d", "4w2d", "1y", "0", or
// "" (unspecified). Multiple unit segments sum, so "4w2d" == "30d".
func ParseDuration(s string) (Duration, error) {
	if s == "" {
		return Duration{}, nil
	}
	if s == "0" {
		return Duration{D: 0, Specified: true}, nil
	}
	matches := durationRe.FindAllStringSubmatch(s, -1)
	if matches == nil {
		return Duration{}, fmt.Errorf("%q: %w", s, ErrInvalidFormat)
	}
	// Verify the whole string is consumed by matched segments, so trailing
	// garbage like "30dx" is rejected rather than silently truncated.
	var rebuilt string
	for _, m := range matches {
		rebuilt += m[0]
	}
	if rebuilt != s {
		return Duration{}, fmt.Errorf("%q: %w", s, ErrInvalidFormat)
	}
	var total time.Duration
	for _, m := range matches {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return Duration{}, fmt.Errorf("%q: %w", s, ErrInvalidFormat)
		}
		unit, ok := durationUnits[normalizeUnit(m[2])]
		if !ok {
			return Duration{}, fmt.Errorf("%q: unknown unit %q: %w", s, m[2], ErrInvalidFormat)
		}
		total += time.Duration(n) * unit
	}
	return Duration{D: total, Specified: true}, nil
}
