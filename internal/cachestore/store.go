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
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/offspot/image-creator/internal/cachepolicy"
	"github.com/offspot/image-creator/internal/metrics"
)

// LookupStatus is the outcome of Lookup (spec §4.C).
type LookupStatus int

const (
	Miss LookupStatus = iota
	Hit
	StaleHit
	Ignored
)

// AdmitOutcome is the outcome of Admit.
type AdmitOutcome int

const (
	Admitted AdmitOutcome = iota
	Rejected
)

// RejectReason explains a Rejected outcome.
type RejectReason string

const (
	ReasonDisabled RejectReason = "disabled"
	ReasonNoRoom   RejectReason = "no_room"
)

// AdmitResult is returned by Admit.
type AdmitResult struct {
	Outcome AdmitOutcome
	Reason  RejectReason
	Entry   *Entry
}

// Store is the on-disk content-addressed cache (spec §4.C).
type Store struct {
	dir      string
	blobsDir string
	policy   *cachepolicy.Policy
	journal  *journal
	lockFile *os.File
	metrics  *metrics.Cache

	mu      sync.Mutex
	entries map[string]*Entry

	now func() time.Time
}

// Dir returns the cache's root directory, for callers (e.g. the
// orchestrator) that need to resolve an Entry's BlobPath to a full path.
func (s *Store) Dir() string { return s.dir }

// Open acquires the cache directory's exclusive lock, validates its format
// version, replays the metadata journal, and reconciles it against the blob
// tree (reaping orphan blobs, dropping metadata with no backing blob), per
// spec §4.C's crash-safety contract.
func Open(dir string, policy *cachepolicy.Policy, m *metrics.Cache) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	lockFile, err := acquireLock(dir)
	if err != nil {
		return nil, err
	}
	if err := checkOrWriteVersion(dir); err != nil {
		releaseLock(lockFile)
		return nil, err
	}
	blobsDir := filepath.Join(dir, "blobs")
	if err := os.MkdirAll(blobsDir, 0700); err != nil {
		releaseLock(lockFile)
		return nil, fmt.Errorf("creating blobs dir: %w", err)
	}
	j, err := openJournal(dir)
	if err != nil {
		releaseLock(lockFile)
		return nil, err
	}
	entries, err := j.load()
	if err != nil {
		releaseLock(lockFile)
		return nil, err
	}

	s := &Store{
		dir:      dir,
		blobsDir: blobsDir,
		policy:   policy,
		journal:  j,
		lockFile: lockFile,
		metrics:  m,
		entries:  entries,
		now:      time.Now,
	}
	if err := s.reconcile(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// reconcile drops metadata entries whose blob is missing, and deletes blob
// files with no live metadata entry pointing at them.
func (s *Store) reconcile() error {
	known := map[string]bool{}
	for key, e := range s.entries {
		full := filepath.Join(s.dir, e.BlobPath)
		if _, err := os.Stat(full); err != nil {
			delete(s.entries, key)
			continue
		}
		known[e.BlobPath] = true
	}

	return filepath.WalkDir(s.blobsDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, rerr := filepath.Rel(s.dir, path)
		if rerr != nil {
			return nil
		}
		if !known[rel] {
			_ = os.Remove(path)
		}
		return nil
	})
}

// Close releases the cache's exclusive lock and flushes the journal.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if err := s.journal.close(); err != nil {
		errs = append(errs, err)
	}
	if err := releaseLock(s.lockFile); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Lookup implements spec §4.C's lookup contract.
func (s *Store) Lookup(class cachepolicy.Class, source string) (LookupStatus, *Entry, error) {
	key, err := Key(class, source)
	if err != nil {
		return Miss, nil, err
	}
	eff := s.policy.Resolve(class, source)
	if !eff.Enabled || eff.Ignore {
		return Ignored, nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		s.metrics.IncMiss(string(class))
		return Miss, nil, nil
	}

	now := s.now()
	fresh := true
	if eff.MaxAge.Specified && now.Sub(e.AddedOn) > eff.MaxAge.D {
		fresh = false
	}
	if eff.CheckAfter.Specified && now.Sub(e.CheckedOn) > eff.CheckAfter.D {
		fresh = false
	}

	e.LastUsedOn = now
	if err := s.journal.append(e); err != nil {
		return Miss, nil, err
	}

	if fresh {
		s.metrics.IncHit(string(class))
		return Hit, e.clone(), nil
	}
	s.metrics.IncStaleHit(string(class))
	return StaleHit, e.clone(), nil
}

// Revalidate updates checked_on after a successful upstream conditional
// request (e.g. HTTP 304), without re-downloading the payload.
func (s *Store) Revalidate(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return fmt.Errorf("revalidate: no such entry %q", key)
	}
	e.CheckedOn = s.now()
	return s.journal.append(e)
}

// Admit implements spec §4.C's admit contract: run evict_to_fit, then move
// the blob into place and persist its metadata.
func (s *Store) Admit(class cachepolicy.Class, source, tmpBlobPath string, size int64, checksum *Checksum, identifier, version string) (AdmitResult, error) {
	key, err := Key(class, source)
	if err != nil {
		return AdmitResult{}, err
	}
	eff := s.policy.Resolve(class, source)
	if !eff.Enabled || eff.Ignore {
		return AdmitResult{Outcome: Rejected, Reason: ReasonDisabled}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := s.candidatesForScope(class, source)
	var currentTotal int64
	for _, c := range candidates {
		currentTotal += c.SizeBytes
	}

	now := s.now()
	victimKeys, err := evictToFit(candidates, size, currentTotal, eff, now)
	if err != nil {
		if errors.Is(err, ErrNoRoom) {
			s.metrics.IncAdmitRejected(string(class), string(ReasonNoRoom))
			return AdmitResult{Outcome: Rejected, Reason: ReasonNoRoom}, nil
		}
		return AdmitResult{}, err
	}
	for _, k := range victimKeys {
		evictedSize := int64(0)
		if victim, ok := s.entries[k]; ok {
			evictedSize = victim.SizeBytes
		}
		if err := s.removeEntryLocked(k); err != nil {
			return AdmitResult{}, err
		}
		s.metrics.IncEviction(string(class), "capacity")
		s.metrics.AddBytesEvicted(string(class), evictedSize)
	}

	aa, bb, filename := shardPath(key)
	relPath := filepath.Join("blobs", aa, bb, filename)
	fullPath := filepath.Join(s.dir, relPath)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0700); err != nil {
		return AdmitResult{}, fmt.Errorf("creating blob shard dir: %w", err)
	}
	if err := moveFile(tmpBlobPath, fullPath); err != nil {
		return AdmitResult{}, fmt.Errorf("moving blob into cache: %w", err)
	}

	entry := &Entry{
		Key: key, Class: class, Source: source, Identifier: identifier,
		Version: version, SizeBytes: size, Checksum: checksum,
		AddedOn: now, LastUsedOn: now, CheckedOn: now, BlobPath: relPath,
	}
	if err := s.journal.append(entry); err != nil {
		_ = os.Remove(fullPath)
		return AdmitResult{}, err
	}
	s.entries[key] = entry

	if eff.KeepIdentifiedVers {
		for _, k := range s.keepIdentifiedVersionsVictims(entry) {
			evictedSize := int64(0)
			if victim, ok := s.entries[k]; ok {
				evictedSize = victim.SizeBytes
			}
			if err := s.removeEntryLocked(k); err != nil {
				return AdmitResult{}, err
			}
			s.metrics.IncEviction(string(class), "superseded_version")
			s.metrics.AddBytesEvicted(string(class), evictedSize)
		}
	}

	if err := s.journal.compactIfNeeded(s.entries); err != nil {
		return AdmitResult{}, err
	}

	s.metrics.AddBytesAdmitted(string(class), size)

	return AdmitResult{Outcome: Admitted, Entry: entry.clone()}, nil
}

// Invalidate force-removes an entry by key, regardless of policy.
func (s *Store) Invalidate(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeEntryLocked(key)
}

// Purge honours max_age/max_num/max_size without admission pressure (spec
// §4.C). It walks each (class, filter-bucket) scope independently.
func (s *Store) Purge() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	buckets := map[string][]*Entry{}
	for _, e := range s.entries {
		_, idx := s.matchedFilterIndex(e.Class, e.Source)
		bk := fmt.Sprintf("%s#%d", e.Class, idx)
		buckets[bk] = append(buckets[bk], e)
	}

	for _, es := range buckets {
		if len(es) == 0 {
			continue
		}
		eff := s.policy.Resolve(es[0].Class, es[0].Source)
		var total int64
		for _, e := range es {
			total += e.SizeBytes
		}
		victims, err := evictToFit(es, 0, total, eff, now)
		if err != nil && !errors.Is(err, ErrNoRoom) {
			return err
		}
		for _, k := range victims {
			evictedSize := int64(0)
			if victim, ok := s.entries[k]; ok {
				evictedSize = victim.SizeBytes
			}
			if err := s.removeEntryLocked(k); err != nil {
				return err
			}
			s.metrics.IncEviction(string(es[0].Class), "purge")
			s.metrics.AddBytesEvicted(string(es[0].Class), evictedSize)
		}
	}
	return s.journal.compactIfNeeded(s.entries)
}

func (s *Store) removeEntryLocked(key string) error {
	e, ok := s.entries[key]
	if !ok {
		return nil
	}
	full := filepath.Join(s.dir, e.BlobPath)
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing blob %s: %w", full, err)
	}
	if err := s.journal.tombstone(key); err != nil {
		return err
	}
	delete(s.entries, key)
	return nil
}

func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Remove(src)
}
