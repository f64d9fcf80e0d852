package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/hpungsan/gather/internal/errors"
)

const (
	lockWaitMax    = 5 * time.Second
	lockRetryEvery = 50 * time.Millisecond

	// lockStaleAfter is when a leftover lock file from a crashed run gets
	// broken. Long enough that a live run holding the lock across a full
	// read-modify-write cycle is never preempted.
	lockStaleAfter = 30 * time.Second
)

// JSONStore is the flat-file ledger backend: one JSON document guarded by an
// advisory lock file for the duration of every read-modify-write cycle, saved
// with a temp-file-and-rename so readers never observe a partial ledger.
type JSONStore struct {
	path     string
	lockPath string
}

// ledgerDoc is the on-disk shape. Records are nested type → name → itemID so
// item IDs (often URLs) never need escaping into a composite map key.
type ledgerDoc struct {
	Records map[string]map[string]map[string]ledgerRecord `json:"records"`
	Leases  map[string]map[string]map[string]ledgerLease  `json:"leases,omitempty"`
}

type ledgerRecord struct {
	ProcessedAt time.Time       `json:"processed_at"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

type ledgerLease struct {
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// OpenJSON opens (creating if needed) the flat-file ledger at path.
func OpenJSON(path string) (*JSONStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, errors.NewInternal(fmt.Errorf("failed to create state directory: %w", err))
	}
	return &JSONStore{path: path, lockPath: path + ".lock"}, nil
}

// acquireLock takes the advisory lock, breaking it if its holder looks dead.
func (s *JSONStore) acquireLock(ctx context.Context) error {
	deadline := time.Now().Add(lockWaitMax)
	for {
		f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return nil
		}
		if !os.IsExist(err) {
			return errors.NewInternal(fmt.Errorf("failed to create lock file: %w", err))
		}

		if info, statErr := os.Stat(s.lockPath); statErr == nil {
			if time.Since(info.ModTime()) > lockStaleAfter {
				_ = os.Remove(s.lockPath)
				continue
			}
		}

		if time.Now().After(deadline) {
			return errors.NewInternal(fmt.Errorf("timed out waiting for ledger lock %s", s.lockPath))
		}
		select {
		case <-ctx.Done():
			return errors.NewInternal(ctx.Err())
		case <-time.After(lockRetryEvery):
		}
	}
}

func (s *JSONStore) releaseLock() {
	_ = os.Remove(s.lockPath)
}

// withLock runs fn against the loaded ledger under the advisory lock,
// saving atomically if fn reports a mutation.
func (s *JSONStore) withLock(ctx context.Context, fn func(doc *ledgerDoc) (dirty bool, err error)) error {
	if err := s.acquireLock(ctx); err != nil {
		return err
	}
	defer s.releaseLock()

	doc, err := s.load()
	if err != nil {
		return err
	}

	dirty, err := fn(doc)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	return s.save(doc)
}

func (s *JSONStore) load() (*ledgerDoc, error) {
	doc := &ledgerDoc{
		Records: map[string]map[string]map[string]ledgerRecord{},
		Leases:  map[string]map[string]map[string]ledgerLease{},
	}

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return doc, nil
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}

	if err := json.Unmarshal(data, doc); err != nil {
		return nil, errors.NewStateCorruption(
			fmt.Sprintf("ledger %s is not valid JSON", s.path), err)
	}
	if doc.Records == nil {
		doc.Records = map[string]map[string]map[string]ledgerRecord{}
	}
	if doc.Leases == nil {
		doc.Leases = map[string]map[string]map[string]ledgerLease{}
	}
	return doc, nil
}

// save writes the ledger atomically: temp file in the same directory, fsync,
// rename into place.
func (s *JSONStore) save(doc *ledgerDoc) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".ledger-*")
	if err != nil {
		return errors.NewInternal(err)
	}
	tmpPath := tmp.Name()

	// No SetIndent: the encoder would reformat embedded json.RawMessage
	// metadata, breaking the opaque byte-for-byte round-trip the Store
	// contract promises.
	enc := json.NewEncoder(tmp)
	if err := enc.Encode(doc); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.NewInternal(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.NewInternal(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.NewInternal(err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return errors.NewInternal(err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return errors.NewInternal(err)
	}
	return nil
}

func recordAt(doc *ledgerDoc, key Key) (ledgerRecord, bool) {
	byName, ok := doc.Records[key.SourceType]
	if !ok {
		return ledgerRecord{}, false
	}
	byID, ok := byName[key.SourceName]
	if !ok {
		return ledgerRecord{}, false
	}
	rec, ok := byID[key.ItemID]
	return rec, ok
}

func setRecord(doc *ledgerDoc, key Key, rec ledgerRecord) {
	if doc.Records[key.SourceType] == nil {
		doc.Records[key.SourceType] = map[string]map[string]ledgerRecord{}
	}
	if doc.Records[key.SourceType][key.SourceName] == nil {
		doc.Records[key.SourceType][key.SourceName] = map[string]ledgerRecord{}
	}
	doc.Records[key.SourceType][key.SourceName][key.ItemID] = rec
}

func leaseAt(doc *ledgerDoc, key Key) (ledgerLease, bool) {
	byName, ok := doc.Leases[key.SourceType]
	if !ok {
		return ledgerLease{}, false
	}
	byID, ok := byName[key.SourceName]
	if !ok {
		return ledgerLease{}, false
	}
	l, ok := byID[key.ItemID]
	return l, ok
}

func setLease(doc *ledgerDoc, key Key, l ledgerLease) {
	if doc.Leases[key.SourceType] == nil {
		doc.Leases[key.SourceType] = map[string]map[string]ledgerLease{}
	}
	if doc.Leases[key.SourceType][key.SourceName] == nil {
		doc.Leases[key.SourceType][key.SourceName] = map[string]ledgerLease{}
	}
	doc.Leases[key.SourceType][key.SourceName][key.ItemID] = l
}

func deleteLease(doc *ledgerDoc, key Key) {
	if byName, ok := doc.Leases[key.SourceType]; ok {
		if byID, ok := byName[key.SourceName]; ok {
			delete(byID, key.ItemID)
		}
	}
}

func (s *JSONStore) IsProcessed(ctx context.Context, key Key) (bool, error) {
	found := false
	err := s.withLock(ctx, func(doc *ledgerDoc) (bool, error) {
		_, found = recordAt(doc, key)
		return false, nil
	})
	return found, err
}

func (s *JSONStore) Begin(ctx context.Context, key Key) (*Lease, error) {
	token, err := newLeaseToken()
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	now := time.Now().UTC()

	var lease *Lease
	err = s.withLock(ctx, func(doc *ledgerDoc) (bool, error) {
		if existing, ok := leaseAt(doc, key); ok {
			if time.Since(existing.AcquiredAt) < LeaseTTL {
				return false, errors.NewLeaseHeld(key.String())
			}
			// Stale holder: take the key over.
		}
		setLease(doc, key, ledgerLease{Token: token, AcquiredAt: now})
		lease = &Lease{Key: key, Token: token, AcquiredAt: now}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

func (s *JSONStore) Commit(ctx context.Context, lease *Lease, metadata json.RawMessage) error {
	return s.withLock(ctx, func(doc *ledgerDoc) (bool, error) {
		existing, ok := leaseAt(doc, lease.Key)
		if !ok || existing.Token != lease.Token {
			return false, errors.NewLeaseHeld(lease.Key.String())
		}
		setRecord(doc, lease.Key, ledgerRecord{ProcessedAt: time.Now().UTC(), Metadata: metadata})
		deleteLease(doc, lease.Key)
		return true, nil
	})
}

func (s *JSONStore) Release(ctx context.Context, lease *Lease) error {
	return s.withLock(ctx, func(doc *ledgerDoc) (bool, error) {
		existing, ok := leaseAt(doc, lease.Key)
		if !ok || existing.Token != lease.Token {
			return false, nil
		}
		deleteLease(doc, lease.Key)
		return true, nil
	})
}

func (s *JSONStore) Get(ctx context.Context, key Key) (*Record, error) {
	var out *Record
	err := s.withLock(ctx, func(doc *ledgerDoc) (bool, error) {
		if rec, ok := recordAt(doc, key); ok {
			out = &Record{Key: key, ProcessedAt: rec.ProcessedAt, Metadata: rec.Metadata}
		}
		return false, nil
	})
	return out, err
}

func (s *JSONStore) InsertRecovered(ctx context.Context, key Key, processedAt time.Time, metadata json.RawMessage) error {
	return s.withLock(ctx, func(doc *ledgerDoc) (bool, error) {
		if _, ok := recordAt(doc, key); ok {
			// A real commit wins over recovery.
			return false, nil
		}
		setRecord(doc, key, ledgerRecord{ProcessedAt: processedAt.UTC(), Metadata: metadata})
		return true, nil
	})
}

func (s *JSONStore) Keys(ctx context.Context, sourceType, sourceName string) ([]Key, error) {
	var keys []Key
	err := s.withLock(ctx, func(doc *ledgerDoc) (bool, error) {
		byID := doc.Records[sourceType][sourceName]
		entries := make([]struct {
			id string
			at time.Time
		}, 0, len(byID))
		for id, rec := range byID {
			entries = append(entries, struct {
				id string
				at time.Time
			}{id, rec.ProcessedAt})
		}
		sort.Slice(entries, func(i, j int) bool {
			if !entries[i].at.Equal(entries[j].at) {
				return entries[i].at.Before(entries[j].at)
			}
			return entries[i].id < entries[j].id
		})
		for _, e := range entries {
			keys = append(keys, Key{SourceType: sourceType, SourceName: sourceName, ItemID: e.id})
		}
		return false, nil
	})
	return keys, err
}

func (s *JSONStore) Evict(ctx context.Context, policy EvictionPolicy) (int, error) {
	total := 0
	err := s.withLock(ctx, func(doc *ledgerDoc) (bool, error) {
		dirty := false

		if policy.RetentionDays > 0 {
			cutoff := time.Now().AddDate(0, 0, -policy.RetentionDays)
			for _, byName := range doc.Records {
				for _, byID := range byName {
					for id, rec := range byID {
						if rec.ProcessedAt.Before(cutoff) {
							delete(byID, id)
							total++
							dirty = true
						}
					}
				}
			}
		}

		if policy.MaxEntriesPerSource > 0 {
			for _, byName := range doc.Records {
				for _, byID := range byName {
					if len(byID) <= policy.MaxEntriesPerSource {
						continue
					}
					ids := make([]string, 0, len(byID))
					for id := range byID {
						ids = append(ids, id)
					}
					// Oldest first, stable on ties.
					sort.Slice(ids, func(i, j int) bool {
						a, b := byID[ids[i]].ProcessedAt, byID[ids[j]].ProcessedAt
						if !a.Equal(b) {
							return a.Before(b)
						}
						return ids[i] < ids[j]
					})
					for _, id := range ids[:len(ids)-policy.MaxEntriesPerSource] {
						delete(byID, id)
						total++
						dirty = true
					}
				}
			}
		}

		return dirty, nil
	})
	return total, err
}

// Verify loads and fully parses the ledger. Parse failure is corruption and
// halts the run.
func (s *JSONStore) Verify(ctx context.Context) error {
	if err := s.acquireLock(ctx); err != nil {
		return err
	}
	defer s.releaseLock()
	_, err := s.load()
	return err
}

func (s *JSONStore) Close() error {
	return nil
}
