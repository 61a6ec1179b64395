package meridian

// Key-space layout. Single-letter prefixes, index subspaces are keyed
// by index name (names must not contain 0x00).
//
//	R <pk>                record payload
//	N                     record count, u64 little-endian, merge-add
//	I <name> 00 <entry>   index entry
//	M <name> 00 S         index lifecycle state, one byte
//	X <name> 00 R <key>   built-range entry: begin key -> end key
//	X <name> 00 C         scanned-record counter, u64 LE, merge-add
//	X <name> 00 L         build lease: uuid (16) + expiry version (8 BE)
//	X <name> 00 T         build type marker
const (
	prefRecord = 'R'
	prefIndex  = 'I'
	prefMeta   = 'M'
	prefCtl    = 'X'
)

var recordCountKey = []byte{'N'}

func recordKey(pk []byte) []byte {
	return append([]byte{prefRecord}, pk...)
}

// recordKeyRange bounds the record subspace, clipped to [lo, hi) in
// primary-key terms. Nil endpoints mean the open ends of the domain.
func recordKeyRange(lo, hi []byte) (from, to []byte) {
	from = recordKey(lo)
	if hi == nil {
		to = []byte{prefRecord + 1}
	} else {
		to = recordKey(hi)
	}
	return
}

func indexSub(name string, kind byte) []byte {
	key := append([]byte{prefCtl}, name...)
	return append(key, 0x00, kind)
}

func indexEntryKey(name string, entry []byte) []byte {
	key := append([]byte{prefIndex}, name...)
	key = append(key, 0x00)
	return append(key, entry...)
}

// indexEntryRange bounds an index's entry subspace, clipped to [lo, hi)
// in entry-key terms.
func indexEntryRange(name string, lo, hi []byte) (from, to []byte) {
	from = indexEntryKey(name, lo)
	if hi == nil {
		to = append([]byte{prefIndex}, name...)
		to = append(to, 0x01)
	} else {
		to = indexEntryKey(name, hi)
	}
	return
}

func indexStateKey(name string) []byte {
	key := append([]byte{prefMeta}, name...)
	return append(key, 0x00, 'S')
}

func rangeSetKey(name string, begin []byte) []byte {
	return append(indexSub(name, 'R'), begin...)
}

func scannedKey(name string) []byte {
	return indexSub(name, 'C')
}

func leaseKey(name string) []byte {
	return indexSub(name, 'L')
}

func buildTypeKey(name string) []byte {
	return indexSub(name, 'T')
}

// Sentinels for the open ends of a key domain inside a range subspace.
// Packed tuples start at 0x01, so these never collide with real keys.
var (
	domainLo = []byte{0x00}
	domainHi = []byte{0xFF}
)

// DomainLo and DomainHi expose the sentinels to the indexer package.
func DomainLo() []byte { return domainLo }
func DomainHi() []byte { return domainHi }
