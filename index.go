package meridian

import (
	"encoding/binary"
	"fmt"

	"github.com/meridiandb/meridian/meridian_errors"
)

// IndexState is the persisted lifecycle state of an index.
type IndexState byte

const (
	IndexDisabled  IndexState = 'D'
	IndexWriteOnly IndexState = 'W'
	IndexReadable  IndexState = 'R'
	IndexCorrupt   IndexState = 'C'
)

func (st IndexState) String() string {
	switch st {
	case IndexDisabled:
		return "disabled"
	case IndexWriteOnly:
		return "write-only"
	case IndexReadable:
		return "readable"
	case IndexCorrupt:
		return "corrupt"
	}
	return fmt.Sprintf("unknown(%c)", byte(st))
}

// IndexEntry is one derived (key, value) pair for a record. The stored
// entry key gets the record's primary key appended, and the stored
// value gets it prepended, so entries are unique per record and an
// index scan can always recover the record.
type IndexEntry struct {
	Key   Tuple
	Value []byte
}

// Index describes a secondary index. Immutable once registered.
type Index struct {
	Name        string
	RecordTypes []string
	// Idempotent indexes tolerate re-applying the same record; every
	// key-value style index here is, but aggregate-style ones are not.
	Idempotent bool
	// Synthetic indexes cover a synthetic record type; the builder
	// scans the constituent base types instead.
	Synthetic bool
	// Entries derives the index entries for one record.
	Entries func(rec *Record) []IndexEntry
}

func (s *Store) RegisterIndex(idx *Index) {
	s.indexes[idx.Name] = idx
	s.typeIndexCache.Purge()
}

func (s *Store) IndexByName(name string) (*Index, error) {
	idx, ok := s.indexes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", meridian_errors.ErrIndexUnknown, name)
	}
	return idx, nil
}

func (idx *Index) covers(s *Store, storedType string) bool {
	for _, n := range idx.RecordTypes {
		if n == storedType {
			return true
		}
		if rt, ok := s.types[n]; ok && rt.Synthetic {
			for _, c := range rt.Constituents {
				if c == storedType {
					return true
				}
			}
		}
	}
	return false
}

// StoredEntryKey is the full packed entry key for one derived entry of
// one record: tuple(entry elements..., pk elements...).
func StoredEntryKey(entry IndexEntry, pk Tuple) []byte {
	full := make(Tuple, 0, len(entry.Key)+len(pk))
	full = append(full, entry.Key...)
	full = append(full, pk...)
	return full.Pack()
}

func storedEntryValue(entry IndexEntry, pk Tuple) []byte {
	packed := pk.Pack()
	out := make([]byte, 0, 4+len(packed)+len(entry.Value))
	out = binary.BigEndian.AppendUint32(out, uint32(len(packed)))
	out = append(out, packed...)
	return append(out, entry.Value...)
}

// ParseEntryValue splits a stored entry value into the packed primary
// key and the user value.
func ParseEntryValue(v []byte) (pk []byte, value []byte, err error) {
	if len(v) < 4 {
		return nil, nil, ErrBadTuple
	}
	n := binary.BigEndian.Uint32(v)
	if len(v) < 4+int(n) {
		return nil, nil, ErrBadTuple
	}
	return v[4 : 4+n], v[4+int(n):], nil
}

func (t *Transaction) writeIndexEntries(idx *Index, rec *Record) error {
	for _, e := range idx.Entries(rec) {
		key := indexEntryKey(idx.Name, StoredEntryKey(e, rec.PrimaryKey))
		if err := t.Set(key, storedEntryValue(e, rec.PrimaryKey)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transaction) clearIndexEntries(idx *Index, rec *Record) error {
	for _, e := range idx.Entries(rec) {
		key := indexEntryKey(idx.Name, StoredEntryKey(e, rec.PrimaryKey))
		if err := t.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// SaveIndexEntry writes one derived entry directly. The builder uses
// this while walking records, bypassing full record maintenance.
func (t *Transaction) SaveIndexEntry(idx *Index, entry IndexEntry, pk Tuple) error {
	key := indexEntryKey(idx.Name, StoredEntryKey(entry, pk))
	return t.Set(key, storedEntryValue(entry, pk))
}

// GetIndexState reads the persisted lifecycle state. An index with no
// persisted state is Disabled.
func (t *Transaction) GetIndexState(name string) (IndexState, error) {
	v, err := t.Get(indexStateKey(name))
	if err != nil {
		return 0, err
	}
	if len(v) == 0 {
		return IndexDisabled, nil
	}
	return IndexState(v[0]), nil
}

// SetIndexState persists a lifecycle transition and returns the state
// it replaced.
func (t *Transaction) SetIndexState(name string, st IndexState) (IndexState, error) {
	prev, err := t.GetIndexState(name)
	if err != nil {
		return 0, err
	}
	if err := t.Set(indexStateKey(name), []byte{byte(st)}); err != nil {
		return 0, err
	}
	return prev, nil
}

// ClearIndexData deletes the index's entries, built-range set, scanned
// counter and build type marker. The build lease is left alone.
func (t *Transaction) ClearIndexData(name string) error {
	from, to := indexEntryRange(name, nil, nil)
	if err := t.ClearRange(from, to); err != nil {
		return err
	}
	if err := t.ClearRange(rangeSetKey(name, nil), rangeSetKey(name, []byte{0xFF, 0xFF})); err != nil {
		return err
	}
	if err := t.Delete(scannedKey(name)); err != nil {
		return err
	}
	return t.Delete(buildTypeKey(name))
}

// IndexEntryKV is one stored index entry.
type IndexEntryKV struct {
	Key   []byte // packed entry key within the index subspace
	Value []byte // length-prefixed pk + user value
}

// ScanIndexEntries reads entries with packed keys in [lo, hi) in key
// order, up to limit. Nil endpoints are the open ends.
func (t *Transaction) ScanIndexEntries(name string, lo, hi []byte, limit int) ([]IndexEntryKV, bool, error) {
	from, to := indexEntryRange(name, lo, hi)
	it, err := t.newIter(from, to)
	if err != nil {
		return nil, false, err
	}
	defer it.Close()
	skip := len(indexEntryKey(name, nil))
	var out []IndexEntryKV
	for valid := it.First(); valid; valid = it.Next() {
		if limit > 0 && len(out) >= limit {
			return out, true, nil
		}
		out = append(out, IndexEntryKV{
			Key:   append([]byte(nil), it.Key()[skip:]...),
			Value: append([]byte(nil), it.Value()...),
		})
	}
	return out, false, nil
}

func (t *Transaction) readCounter(key []byte) (uint64, error) {
	v, err := t.Get(key)
	if err != nil {
		return 0, err
	}
	if len(v) < 8 {
		return 0, nil
	}
	return binary.LittleEndian.Uint64(v), nil
}

// AddScanned bumps the index's durable scanned-record counter. Merge
// semantics keep it commutative with probes and administrative resets.
func (t *Transaction) AddScanned(name string, delta int64) error {
	return t.MergeAdd(scannedKey(name), delta)
}

func (t *Transaction) GetScanned(name string) (uint64, error) {
	return t.readCounter(scannedKey(name))
}

// GetBuildType reads the build type marker ("" when absent).
func (t *Transaction) GetBuildType(name string) (string, error) {
	v, err := t.Get(buildTypeKey(name))
	return string(v), err
}

func (t *Transaction) SetBuildType(name, marker string) error {
	return t.Set(buildTypeKey(name), []byte(marker))
}

// Lease is the persisted build-lease record for an index: who holds
// the build and until which version.
type Lease struct {
	SessionID     [16]byte
	ExpiryVersion uint64
}

// GetLease reads the build lease record, nil when absent.
func (t *Transaction) GetLease(name string) (*Lease, error) {
	v, err := t.Get(leaseKey(name))
	if err != nil {
		return nil, err
	}
	if len(v) < 24 {
		return nil, nil
	}
	var l Lease
	copy(l.SessionID[:], v[:16])
	l.ExpiryVersion = binary.BigEndian.Uint64(v[16:24])
	return &l, nil
}

func (t *Transaction) SetLease(name string, l Lease) error {
	v := make([]byte, 24)
	copy(v, l.SessionID[:])
	binary.BigEndian.PutUint64(v[16:], l.ExpiryVersion)
	return t.Set(leaseKey(name), v)
}

// ClearLease deletes the lease record unconditionally.
func (t *Transaction) ClearLease(name string) error {
	return t.Delete(leaseKey(name))
}
