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
	"regexp"
	"strconv"

	"github.com/Masterminds/semver/v3"
)

// compareVersions returns -1, 0, or 1 comparing a against b, the "natural
// sort" comparison spec §4.C's keep_identified_versions calls for. Version
// tokens here are things like "2024-01", "1.2.3", or "v7" — not always
// strict semver — so a real semver.Version comparison (Masterminds/semver,
// already in the teacher's go.mod) is used when both tokens parse as
// semver, and a numeric-chunk natural comparison is used otherwise, so that
// "2024-02" sorts after "2024-01" and "v9" sorts before "v10".
func compareVersions(a, b string) int {
	if a == b {
		return 0
	}
	if va, err := semver.NewVersion(a); err == nil {
		if vb, err := semver.NewVersion(b); err == nil {
			return va.Compare(vb)
		}
	}
	return naturalCompare(a, b)
}

var chunkRe = regexp.MustCompile(`[0-9]+|[^0-9]+`)

func naturalCompare(a, b string) int {
	ac := chunkRe.FindAllString(a, -1)
	bc := chunkRe.FindAllString(b, -1)
	for i := 0; i < len(ac) && i < len(bc); i++ {
		if ac[i] == bc[i] {
			continue
		}
		an, aerr := strconv.Atoi(ac[i])
		bn, berr := strconv.Atoi(bc[i])
		if aerr == nil && berr == nil {
			if an != bn {
				if an < bn {
					return -1
				}
				return 1
			}
			continue
		}
		if ac[i] < bc[i] {
			return -1
		}
		return 1
	}
	switch {
	case len(ac) < len(bc):
		return -1
	case len(ac) > len(bc):
		return 1
	default:
		return 0
	}
}
