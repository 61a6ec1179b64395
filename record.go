package meridian

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/s2"
	"github.com/meridiandb/meridian/meridian_errors"
)

// RecordType names a kind of record. Synthetic types are assembled at
// query time from stored base records; their storage footprint is the
// constituent types, which is what an index builder has to scan.
type RecordType struct {
	Name         string
	Synthetic    bool
	Constituents []string
}

type Record struct {
	Type       string         `json:"type"`
	PrimaryKey Tuple          `json:"-"`
	Fields     map[string]any `json:"fields"`
}

// recordEnvelope is the stored form. The primary key is kept in the
// envelope too so index-driven lookups can decode without the key.
type recordEnvelope struct {
	Type   string         `json:"type"`
	PK     []any          `json:"pk"`
	Fields map[string]any `json:"fields"`
}

func encodeRecord(rec *Record) ([]byte, error) {
	raw, err := json.Marshal(recordEnvelope{
		Type:   rec.Type,
		PK:     rec.PrimaryKey,
		Fields: rec.Fields,
	})
	if err != nil {
		return nil, err
	}
	return s2.Encode(nil, raw), nil
}

func decodeRecord(data []byte) (*Record, error) {
	raw, err := s2.Decode(nil, data)
	if err != nil {
		return nil, err
	}
	var env recordEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	pk := make(Tuple, len(env.PK))
	for i, el := range env.PK {
		// JSON round-trips integers as float64
		if f, ok := el.(float64); ok && f == float64(int64(f)) {
			pk[i] = int64(f)
		} else {
			pk[i] = el
		}
	}
	return &Record{Type: env.Type, PrimaryKey: pk, Fields: env.Fields}, nil
}

func (s *Store) RegisterRecordType(rt RecordType) {
	s.types[rt.Name] = rt
	s.typeIndexCache.Purge()
}

// StoredTypes expands a set of type names to the stored base types,
// flattening synthetic types onto their constituents.
func (s *Store) StoredTypes(names []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, n := range names {
		rt, ok := s.types[n]
		if !ok {
			return nil, fmt.Errorf("%w: %s", meridian_errors.ErrTypeUnknown, n)
		}
		if rt.Synthetic {
			for _, c := range rt.Constituents {
				if !seen[c] {
					seen[c] = true
					out = append(out, c)
				}
			}
		} else if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out, nil
}

// indexesFor resolves the indexes maintained for a stored record type.
func (s *Store) indexesFor(typeName string) []*Index {
	if cached, ok := s.typeIndexCache.Get(typeName); ok {
		return cached
	}
	var out []*Index
	for _, idx := range s.indexes {
		if idx.covers(s, typeName) {
			out = append(out, idx)
		}
	}
	s.typeIndexCache.Add(typeName, out)
	return out
}

// SaveRecord writes a record and maintains every index that is past
// Disabled. Old entries for a replaced record are cleared first, so
// builder and foreground maintenance commute.
func (t *Transaction) SaveRecord(rec *Record) error {
	if _, ok := t.s.types[rec.Type]; !ok {
		return fmt.Errorf("%w: %s", meridian_errors.ErrTypeUnknown, rec.Type)
	}
	pk := rec.PrimaryKey.Pack()
	key := recordKey(pk)
	old, err := t.Get(key)
	if err != nil {
		return err
	}
	var oldRec *Record
	if old != nil {
		if oldRec, err = decodeRecord(old); err != nil {
			return err
		}
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	if err := t.Set(key, data); err != nil {
		return err
	}
	if old == nil {
		if err := t.MergeAdd(recordCountKey, 1); err != nil {
			return err
		}
	}
	for _, idx := range t.s.indexesFor(rec.Type) {
		state, err := t.GetIndexState(idx.Name)
		if err != nil {
			return err
		}
		if state == IndexDisabled {
			continue
		}
		if oldRec != nil {
			if err := t.clearIndexEntries(idx, oldRec); err != nil {
				return err
			}
		}
		if err := t.writeIndexEntries(idx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transaction) DeleteRecord(pk Tuple) error {
	packed := pk.Pack()
	key := recordKey(packed)
	old, err := t.Get(key)
	if err != nil {
		return err
	}
	if old == nil {
		return meridian_errors.ErrRecordNotFound
	}
	oldRec, err := decodeRecord(old)
	if err != nil {
		return err
	}
	if err := t.Delete(key); err != nil {
		return err
	}
	if err := t.MergeAdd(recordCountKey, -1); err != nil {
		return err
	}
	for _, idx := range t.s.indexesFor(oldRec.Type) {
		state, err := t.GetIndexState(idx.Name)
		if err != nil {
			return err
		}
		if state == IndexDisabled {
			continue
		}
		if err := t.clearIndexEntries(idx, oldRec); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transaction) LoadRecord(pk Tuple) (*Record, error) {
	return t.loadRecordByKey(pk.Pack())
}

func (t *Transaction) loadRecordByKey(packed []byte) (*Record, error) {
	data, err := t.Get(recordKey(packed))
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return decodeRecord(data)
}

// ScannedRecord is one scan hit with its packed primary key.
type ScannedRecord struct {
	Key    []byte
	Record *Record
}

// ScanRecords reads records with packed primary keys in [lo, hi) in
// key order, up to limit records. Nil endpoints are the open ends of
// the domain. Returns the records, and more=true when the scan was cut
// by the limit with range still remaining.
func (t *Transaction) ScanRecords(lo, hi []byte, limit int) (out []ScannedRecord, more bool, err error) {
	from, to := recordKeyRange(lo, hi)
	it, err := t.newIter(from, to)
	if err != nil {
		return nil, false, err
	}
	defer it.Close()
	for valid := it.First(); valid; valid = it.Next() {
		if limit > 0 && len(out) >= limit {
			return out, true, nil
		}
		rec, err := decodeRecord(it.Value())
		if err != nil {
			return nil, false, err
		}
		out = append(out, ScannedRecord{
			Key:    append([]byte(nil), it.Key()[1:]...),
			Record: rec,
		})
	}
	return out, false, nil
}

// FirstRecordKey returns the smallest packed primary key in the store,
// nil when the store is empty.
func (t *Transaction) FirstRecordKey() ([]byte, error) {
	from, to := recordKeyRange(nil, nil)
	it, err := t.newIter(from, to)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	if !it.First() {
		return nil, nil
	}
	return append([]byte(nil), it.Key()[1:]...), nil
}

// LastRecordKey returns the largest packed primary key in the store,
// nil when the store is empty.
func (t *Transaction) LastRecordKey() ([]byte, error) {
	from, to := recordKeyRange(nil, nil)
	it, err := t.newIter(from, to)
	if err != nil {
		return nil, err
	}
	defer it.Close()
	if !it.Last() {
		return nil, nil
	}
	return append([]byte(nil), it.Key()[1:]...), nil
}

// LoadRecordByPackedKey loads a record by its packed primary key, nil
// when absent.
func (t *Transaction) LoadRecordByPackedKey(packed []byte) (*Record, error) {
	return t.loadRecordByKey(packed)
}

// RecordCount reads the store-wide record counter.
func (t *Transaction) RecordCount() (uint64, error) {
	return t.readCounter(recordCountKey)
}
