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
	"net/url"
	"sort"
	"time"

	"github.com/offspot/image-creator/internal/cachepolicy"
)

// ErrNoRoom is returned by evictToFit (and surfaces as Rejected(NoRoom) from
// Admit) when even evicting every eligible candidate wouldn't free enough
// space, per spec §4.C point 3 and the boundary test in spec §8.
type noRoomError struct{}

func (noRoomError) Error() string { return "no room: evicting every candidate would not free enough space" }

// ErrNoRoom is the sentinel compared against with errors.Is.
var ErrNoRoom error = noRoomError{}

func sourceOrigin(source string) string {
	if u, err := url.Parse(source); err == nil && u.Host != "" {
		return u.Host
	}
	// OCI references: take everything before the first "/" as the origin
	// (registry host or docker.io implied root).
	for i, c := range source {
		if c == '/' {
			return source[:i]
		}
	}
	return source
}

// candidatesForScope returns the live entries that share the admitted
// entry's class and filter bucket (spec §4.C point 1: "candidates from the
// matching class (or filter bucket) only").
func (s *Store) candidatesForScope(class cachepolicy.Class, source string) []*Entry {
	_, bucketIdx := s.matchedFilterIndex(class, source)
	var out []*Entry
	for _, e := range s.entries {
		if e.Class != class {
			continue
		}
		_, eb := s.matchedFilterIndex(e.Class, e.Source)
		if eb == bucketIdx {
			out = append(out, e)
		}
	}
	return out
}

// matchedFilterIndex returns the index of the first filter that matches
// source (or -1 if none), used both to resolve the effective policy and to
// group eviction candidates by "bucket".
func (s *Store) matchedFilterIndex(class cachepolicy.Class, source string) (cachepolicy.EffectivePolicy, int) {
	eff := s.policy.Resolve(class, source)
	cp := s.policy.OCIImagesFilters()
	if class == cachepolicy.ClassFiles {
		cp = s.policy.FilesFilters()
	}
	for i, pat := range cp {
		if pat.MatchString(source) {
			return eff, i
		}
	}
	return eff, -1
}

// evictToFit evicts among the given candidates until currentTotal plus
// `need` fits under max_size, applying hard caps first and then the
// configured eviction strategy,
// per spec §4.C's Eviction algorithm. It returns the keys evicted.
func evictToFit(candidates []*Entry, need int64, currentTotal int64, eff cachepolicy.EffectivePolicy, now time.Time) ([]string, error) {
	remaining := append([]*Entry(nil), candidates...)
	var evicted []string

	// Step 2: hard caps, unconditional.
	if eff.MaxAge.Specified {
		var kept []*Entry
		for _, e := range remaining {
			if now.Sub(e.AddedOn) > eff.MaxAge.D {
				evicted = append(evicted, e.Key)
				currentTotal -= e.SizeBytes
			} else {
				kept = append(kept, e)
			}
		}
		remaining = kept
	}
	if eff.HasMaxNum && len(remaining) > eff.MaxNum {
		sort.Slice(remaining, func(i, j int) bool { return remaining[i].AddedOn.Before(remaining[j].AddedOn) })
		over := len(remaining) - eff.MaxNum
		for i := 0; i < over; i++ {
			evicted = append(evicted, remaining[i].Key)
			currentTotal -= remaining[i].SizeBytes
		}
		remaining = remaining[over:]
	}

	freeTarget := currentTotal + need
	var budget int64 = -1
	if eff.MaxSize.Specified {
		budget = eff.MaxSize.Bytes
	}
	if budget < 0 || freeTarget <= budget {
		return evicted, nil
	}

	// Step 3: sort by eviction strategy and evict until it fits.
	sortByStrategy(remaining, eff.Eviction)
	for _, e := range remaining {
		if freeTarget <= budget {
			break
		}
		evicted = append(evicted, e.Key)
		freeTarget -= e.SizeBytes
	}
	if freeTarget > budget {
		return nil, ErrNoRoom
	}
	return evicted, nil
}

func sortByStrategy(entries []*Entry, strategy cachepolicy.Eviction) {
	switch strategy {
	case cachepolicy.Oldest:
		sort.Slice(entries, func(i, j int) bool { return entries[i].AddedOn.Before(entries[j].AddedOn) })
	case cachepolicy.Newest:
		sort.Slice(entries, func(i, j int) bool { return entries[i].AddedOn.After(entries[j].AddedOn) })
	case cachepolicy.Largest:
		sort.Slice(entries, func(i, j int) bool { return entries[i].SizeBytes > entries[j].SizeBytes })
	case cachepolicy.Smallest:
		sort.Slice(entries, func(i, j int) bool { return entries[i].SizeBytes < entries[j].SizeBytes })
	default: // LRU
		sort.Slice(entries, func(i, j int) bool { return entries[i].LastUsedOn.Before(entries[j].LastUsedOn) })
	}
}

// keepIdentifiedVersionsVictims returns the keys of existing entries that
// must be evicted because a new entry with the same identifier and a higher
// version was just admitted (spec §4.C point 4). Only entries sharing the
// same source origin (host) are eligible — this is the rule that "prevents
// cross-source eviction of identically named files" (spec §8 scenario 4).
func (s *Store) keepIdentifiedVersionsVictims(newEntry *Entry) []string {
	if newEntry.Identifier == "" {
		return nil
	}
	origin := sourceOrigin(newEntry.Source)
	var victims []string
	for _, e := range s.entries {
		if e.Key == newEntry.Key {
			continue
		}
		if e.Identifier != newEntry.Identifier {
			continue
		}
		if sourceOrigin(e.Source) != origin {
			continue
		}
		if e.Version == "" || newEntry.Version == "" {
			continue
		}
		if compareVersions(e.Version, newEntry.Version) < 0 {
			victims = append(victims, e.Key)
		}
	}
	return victims
}
