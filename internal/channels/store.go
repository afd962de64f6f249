package channels

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var ErrNotJSON = errors.New("channel file must have a .json extension (e.g. channels.json)")

// Store is the ordered channel list backed by one JSON file.
//
// Every mutation rewrites the whole file. Records are addressed by a store
// key so that removing during iteration of a Snapshot is safe and idempotent.
// Store is safe for concurrent use.
type Store struct {
	path string

	mu       sync.Mutex
	records  []Record
	nextKey  uint64
	lastHash uint64 // hash of the last content read from or written to disk
}

// Open loads the channel file at path.
func Open(path string) (*Store, error) {
	if !strings.EqualFold(filepath.Ext(path), ".json") {
		return nil, ErrNotJSON
	}
	s := &Store{path: path}
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("file %s not found: %w", path, err)
		}
		return nil, err
	}
	recs, err := decode(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.mu.Lock()
	s.replaceLocked(recs, hashBytes(b))
	s.mu.Unlock()
	return s, nil
}

func (s *Store) Path() string { return s.path }

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Snapshot returns a copy of the records in file order.
func (s *Store) Snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

// Append validates r, adds it at the end and persists the whole list.
// Changes other writers made to the file are merged in first.
func (s *Store) Append(r Record) (Record, error) {
	if err := r.Validate(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.syncLocked(); err != nil {
		return Record{}, err
	}
	s.nextKey++
	r.key = s.nextKey
	next := append(append([]Record(nil), s.records...), r)
	if err := s.writeLocked(next); err != nil {
		return Record{}, err
	}
	s.records = next
	return r, nil
}

// Remove drops the record with the given key and persists the list.
// It reports false (and writes nothing) if the key is not present.
// The removal applies to the current file content, so records appended by
// another process since the last read survive.
func (s *Store) Remove(key uint64) (bool, error) {
	if key == 0 {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.syncLocked(); err != nil {
		return false, err
	}
	idx := -1
	for i := range s.records {
		if s.records[i].key == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	next := make([]Record, 0, len(s.records)-1)
	next = append(next, s.records[:idx]...)
	next = append(next, s.records[idx+1:]...)
	if err := s.writeLocked(next); err != nil {
		return false, err
	}
	s.records = next
	return true, nil
}

// Reload re-reads the file when its content differs from what this store
// last read or wrote. Records still present keep their keys.
// It reports whether anything changed.
func (s *Store) Reload() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.lastHash
	if err := s.syncLocked(); err != nil {
		return false, err
	}
	return s.lastHash != before, nil
}

// syncLocked folds on-disk changes made by other writers into s.records.
// A missing file is left for the next write to recreate.
func (s *Store) syncLocked() error {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	h := hashBytes(b)
	if h == s.lastHash {
		return nil
	}
	recs, err := decode(b)
	if err != nil {
		return fmt.Errorf("%s: %w", s.path, err)
	}
	s.mergeLocked(recs, h)
	return nil
}

// mergeLocked adopts recs as the record list. A fresh record inherits the
// key of the first unclaimed in-memory record with the same target, so
// keys held by an in-flight snapshot stay valid.
func (s *Store) mergeLocked(recs []Record, h uint64) {
	claimed := make([]bool, len(s.records))
	for i := range recs {
		recs[i].key = 0
		for j, old := range s.records {
			if !claimed[j] && sameTarget(old, recs[i]) {
				claimed[j] = true
				recs[i].key = old.key
				break
			}
		}
		if recs[i].key == 0 {
			s.nextKey++
			recs[i].key = s.nextKey
		}
	}
	s.records = recs
	s.lastHash = h
}

func sameTarget(a, b Record) bool {
	return a.ChannelID == b.ChannelID && a.Endpoint == b.Endpoint
}

func (s *Store) replaceLocked(recs []Record, h uint64) {
	for i := range recs {
		s.nextKey++
		recs[i].key = s.nextKey
	}
	s.records = recs
	s.lastHash = h
}

// writeLocked replaces the file atomically and keeps its permission bits.
func (s *Store) writeLocked(recs []Record) error {
	b, err := Encode(recs)
	if err != nil {
		return err
	}
	mode := os.FileMode(0o644)
	if fi, err := os.Stat(s.path); err == nil {
		mode = fi.Mode().Perm()
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, mode); err != nil {
		return err
	}
	// WriteFile is subject to the umask.
	if err := os.Chmod(tmp, mode); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	s.lastHash = hashBytes(b)
	return nil
}

// Encode renders records the way the channel file stores them:
// a 4-space indented array with non-ASCII and HTML characters left unescaped.
func Encode(recs []Record) ([]byte, error) {
	if recs == nil {
		recs = []Record{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(recs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(b []byte) ([]Record, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	var recs []Record
	if err := json.Unmarshal(b, &recs); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
	for i := range recs {
		if err := recs[i].Validate(); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
	}
	return recs, nil
}

// hashBytes returns a stable 64-bit hash of bytes. Empty input returns 0.
func hashBytes(b []byte) uint64 {
	if len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
