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

// Package cachestore implements the on-disk content-addressed download
// cache: metadata journal, blob tree, admission and eviction (spec §4.C).
package cachestore

import (
	"time"

	"github.com/offspot/image-creator/internal/cachepolicy"
)

// Checksum identifies the hash algorithm and hex digest of a cached payload.
type Checksum struct {
	Algo string `json:"algo"`
	Hex  string `json:"hex"`
}

// Entry is one cached artifact, persisted in the metadata journal.
type Entry struct {
	Key        string               `json:"key"`
	Class      cachepolicy.Class    `json:"class"`
	Source     string               `json:"source"`
	Identifier string               `json:"identifier,omitempty"`
	Version    string               `json:"version,omitempty"`
	SizeBytes  int64                `json:"size_bytes"`
	Checksum   *Checksum            `json:"checksum,omitempty"`
	AddedOn    time.Time            `json:"added_on"`
	LastUsedOn time.Time            `json:"last_used_on"`
	CheckedOn  time.Time            `json:"checked_on"`
	BlobPath   string               `json:"blob_path"`
	Tombstone  bool                 `json:"tombstone,omitempty"`
}

func (e *Entry) clone() *Entry {
	c := *e
	if e.Checksum != nil {
		ck := *e.Checksum
		c.Checksum = &ck
	}
	return &c
}
