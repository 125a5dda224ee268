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

import (
	"strconv"
	"strings"
)

// parseDumpe2fs extracts block size, block count, and free block count from
// `dumpe2fs -h` output, e.g.:
//
//	Block size:               4096
//	Block count:              524288
//	Free blocks:              128000
func parseDumpe2fs(out string) (blockSize, blockCount, freeBlocks int64) {
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			continue
		}
		switch key {
		case "Block size":
			blockSize = n
		case "Block count":
			blockCount = n
		case "Free blocks":
			freeBlocks = n
		}
	}
	return blockSize, blockCount, freeBlocks
}
