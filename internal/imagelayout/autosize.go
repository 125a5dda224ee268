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

// autoSizeClusterBytes is the ext4 block size resize2fs assumes absent a
// -b flag, and the unit output.size: auto rounds up to (spec §4.F "create:
// decompressed base size").
const autoSizeClusterBytes = 4096

// minPartition3Extent is the smallest amount of room AutoSize adds on top
// of the cluster-aligned base size, so ExtendPartition3/resize2fs always
// has some growable slack even for a base image that's already
// cluster-aligned.
const minPartition3Extent = 64 * 1024 * 1024

// AutoSize implements output.size: auto (spec §9 Open Question 3): round
// decompressedBaseSize up to the next multiple of autoSizeClusterBytes,
// then add minPartition3Extent. Power-of-2 rounding was rejected as the
// default because it frequently doubles the image size for no benefit;
// cluster alignment is the smallest change that keeps resize2fs -f happy.
func AutoSize(decompressedBaseSize int64) int64 {
	aligned := ((decompressedBaseSize + autoSizeClusterBytes - 1) / autoSizeClusterBytes) * autoSizeClusterBytes
	return aligned + minPartition3Extent
}
