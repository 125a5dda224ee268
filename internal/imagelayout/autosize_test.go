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

package imagelayout

import "testing"

func TestAutoSizeRoundsUpToClusterPlusMinExtent(t *testing.T) {
	got := AutoSize(4097) // one byte past a cluster boundary
	want := int64(2*autoSizeClusterBytes) + minPartition3Extent
	if got != want {
		t.Errorf("AutoSize(4097) = %d, want %d", got, want)
	}
}

func TestAutoSizeAlreadyAlignedAddsOnlyMinExtent(t *testing.T) {
	got := AutoSize(autoSizeClusterBytes * 10)
	want := autoSizeClusterBytes*10 + minPartition3Extent
	if got != want {
		t.Errorf("AutoSize(aligned) = %d, want %d", got, want)
	}
}
