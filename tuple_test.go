package meridian

import (
	"bytes"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTupleRoundTrip(t *testing.T) {
	cases := []Tuple{
		{},
		{nil},
		{int64(0)},
		{int64(1), int64(255), int64(256), int64(1 << 40)},
		{int64(-1), int64(-255), int64(-256), int64(-(1 << 40))},
		{"hello", "", "with\x00zero"},
		{[]byte{0x00, 0xFF, 0x01}, []byte{}},
		{"user", int64(42), nil},
	}
	for _, tc := range cases {
		packed := tc.Pack()
		got, err := Unpack(packed)
		assert.NoError(t, err)
		assert.Equal(t, len(tc), len(got))
		for i := range tc {
			switch v := tc[i].(type) {
			case []byte:
				assert.Equal(t, []byte(v), got[i])
			default:
				assert.Equal(t, tc[i], got[i])
			}
		}
	}
}

func TestTupleOrdering(t *testing.T) {
	// Strings carry a smaller tag than ints, so they order first.
	tuples := []Tuple{
		{"a"},
		{"a", int64(1)},
		{"a\x00b"},
		{"ab"},
		{"b"},
		{int64(-300)},
		{int64(-2)},
		{int64(0)},
		{int64(1)},
		{int64(2)},
		{int64(255)},
		{int64(256)},
		{int64(70000)},
	}
	packed := make([][]byte, len(tuples))
	for i, tu := range tuples {
		packed[i] = tu.Pack()
	}
	sorted := append([][]byte(nil), packed...)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })
	assert.Equal(t, packed, sorted, "packed order must match element order")
}

func TestTupleTagOrder(t *testing.T) {
	// Not a requirement in itself, but the tag layout must be stable:
	// byte strings sort before ints for the builder's sentinels to work.
	assert.True(t, bytes.Compare(Tuple{[]byte{0xFF}}.Pack(), Tuple{int64(0)}.Pack()) < 0)
}

func TestKeySuccessor(t *testing.T) {
	k := Tuple{"user", int64(7)}.Pack()
	succ := KeySuccessor(k)
	assert.True(t, bytes.Compare(k, succ) < 0)
	// Nothing orders between a key and its successor.
	assert.Equal(t, append(append([]byte(nil), k...), 0x00), succ)
}

func TestUnpackRejectsGarbage(t *testing.T) {
	_, err := Unpack([]byte{0xEE})
	assert.Error(t, err)
	_, err = Unpack([]byte{tagString, 'a'}) // unterminated
	assert.Error(t, err)
}
