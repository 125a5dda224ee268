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
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const journalName = "index.journal"

// compactThreshold is the number of journal records (including tombstones
// and superseded updates) at or above which the next Admit or Purge rewrites
// the journal down to one record per live entry.
const compactThreshold = 2000

// journal is an append-only record log. A blob is only visible once its
// metadata record has been fsynced (spec §4.C crash-safety), so readers
// that only see a partial last line simply ignore it.
type journal struct {
	path string
	f    *os.File
	n    int
}

func openJournal(dir string) (*journal, error) {
	p := filepath.Join(dir, journalName)
	f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	return &journal{path: p, f: f}, nil
}

// load replays the journal, returning the live entry set keyed by Key.
// Records are applied in file order so later writes (including tombstones)
// supersede earlier ones for the same key; a truncated final line is
// dropped rather than failing the whole load.
func (j *journal) load() (map[string]*Entry, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Entry{}, nil
		}
		return nil, fmt.Errorf("opening journal for read: %w", err)
	}
	defer f.Close()

	out := map[string]*Entry{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	count := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn/partial last line is expected after a crash; earlier
			// corruption would be a real bug, but we still prefer to keep
			// building over failing a whole cache open.
			continue
		}
		count++
		if e.Tombstone {
			delete(out, e.Key)
			continue
		}
		out[e.Key] = &e
	}
	j.n = count
	return out, scanner.Err()
}

// append writes one record and fsyncs before returning, so the record is
// durable before any blob move that depends on it is considered complete.
func (j *journal) append(e *Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshalling entry: %w", err)
	}
	b = append(b, '\n')
	if _, err := j.f.Write(b); err != nil {
		return fmt.Errorf("writing journal: %w", err)
	}
	if err := j.f.Sync(); err != nil {
		return fmt.Errorf("fsyncing journal: %w", err)
	}
	j.n++
	return nil
}

// tombstone appends a deletion record for key.
func (j *journal) tombstone(key string) error {
	return j.append(&Entry{Key: key, Tombstone: true})
}

// compactIfNeeded rewrites the journal to hold exactly one record per live
// entry when it has accumulated compactThreshold records or more,
// bounding its growth over a long-lived cache directory's lifetime.
func (j *journal) compactIfNeeded(live map[string]*Entry) error {
	if j.n < compactThreshold {
		return nil
	}
	tmp := j.path + ".compact"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating compacted journal: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, e := range live {
		b, err := json.Marshal(e)
		if err != nil {
			f.Close()
			return fmt.Errorf("marshalling entry during compaction: %w", err)
		}
		if _, err := w.Write(append(b, '\n')); err != nil {
			f.Close()
			return fmt.Errorf("writing compacted journal: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, j.path); err != nil {
		return fmt.Errorf("renaming compacted journal: %w", err)
	}
	if err := j.f.Close(); err != nil {
		return err
	}
	nf, err := os.OpenFile(j.path, os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("reopening journal after compaction: %w", err)
	}
	j.f = nf
	j.n = len(live)
	return nil
}

func (j *journal) close() error {
	return j.f.Close()
}
