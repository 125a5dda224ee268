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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/docker/distribution/reference"

	"github.com/offspot/image-creator/internal/cachepolicy"
)

// Key computes the deterministic fingerprint for a (class, source) pair, per
// spec §4.C: for files, a canonicalised URL (scheme+host+path+query,
// lowercase scheme/host); for OCI images, the full reference including
// tag/digest.
func Key(class cachepolicy.Class, source string) (string, error) {
	if class == cachepolicy.ClassOCIImages {
		return canonicalizeOCI(source)
	}
	return canonicalizeURL(source)
}

func canonicalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parsing url %q: %w", raw, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.User = nil
	return u.String(), nil
}

func canonicalizeOCI(ref string) (string, error) {
	named, err := reference.ParseAnyReference(ref)
	if err != nil {
		// Not every OCI source string round-trips through the docker
		// reference grammar (e.g. bare "name@sha256:..." without a
		// registry); fall back to the raw string rather than failing
		// the whole lookup/admit path.
		return ref, nil
	}
	return named.String(), nil
}

// shardPath returns the blob's shard directories plus its filename, all
// derived from the sha256 fingerprint of key, matching spec §6's
// blobs/<aa>/<bb>/<hash> layout. The key itself (a URL or OCI reference)
// is never used as a path component: it can carry "/" segments or a
// surviving ".." that would otherwise scatter blobs into unintended
// subdirectories or escape blobsDir.
func shardPath(key string) (aa, bb, filename string) {
	sum := sha256.Sum256([]byte(key))
	h := hex.EncodeToString(sum[:])
	return h[0:2], h[2:4], h
}
