package storage

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeNumberOrderPreserving(t *testing.T) {
	values := []float64{-1e300, -100.5, -1, -0.0001, 0, 0.0001, 1, 100.5, 1e300}
	encoded := make([][]byte, len(values))
	for i, v := range values {
		encoded[i] = EncodeNumber(v)
	}

	sorted := append([][]byte(nil), encoded...)
	sort.Slice(sorted, func(i, j int) bool { return compareBytes(sorted[i], sorted[j]) < 0 })
	require.Equal(t, encoded, sorted, "encoded numbers must already be in ascending byte order")

	for i, v := range values {
		got, err := DecodeNumber(encoded[i])
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestEncodeStringOrderPreserving(t *testing.T) {
	values := []string{"", "a", "aa", "ab", "b", "ba"}
	encoded := make([][]byte, len(values))
	for i, v := range values {
		encoded[i] = EncodeString(v)
	}

	for i := 1; i < len(encoded); i++ {
		require.Less(t, compareBytes(encoded[i-1], encoded[i]), 0, "%q should sort before %q", values[i-1], values[i])
	}

	for i, v := range values {
		got, err := DecodeString(encoded[i])
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestEncodeStringEmbeddedNull(t *testing.T) {
	s := "a\x00b"
	encoded := EncodeString(s)
	decoded, err := DecodeString(encoded)
	require.NoError(t, err)
	require.Equal(t, s, decoded)

	// A string that is a strict prefix of another must sort before it.
	shorter := EncodeString("a")
	longer := EncodeString("a\x00b")
	require.Less(t, compareBytes(shorter, longer), 0)
}

func TestEncodeObjectIDRoundTrip(t *testing.T) {
	id := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	encoded, err := EncodeObjectID(id)
	require.NoError(t, err)

	decoded, err := DecodeObjectID(encoded)
	require.NoError(t, err)
	require.Equal(t, id, decoded)

	_, err = EncodeObjectID([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestEncodeIntCollidesWithEquivalentFloat(t *testing.T) {
	require.Equal(t, EncodeNumber(42), EncodeInt64(42))
	require.Equal(t, EncodeNumber(-7), EncodeInt32(-7))

	ints := []int64{-1 << 40, -1000, -1, 0, 1, 1000, 1 << 40}
	encoded := make([][]byte, len(ints))
	for i, v := range ints {
		encoded[i] = EncodeInt64(v)
	}
	for i := 1; i < len(encoded); i++ {
		require.Less(t, compareBytes(encoded[i-1], encoded[i]), 0)
	}
}

func TestTagOrderingAcrossTypes(t *testing.T) {
	keys := [][]byte{
		EncodeMinKey(),
		EncodeNull(),
		EncodeNumber(-1),
		EncodeNumber(1),
		EncodeString("x"),
		EncodeBool(false),
		EncodeBool(true),
		EncodeMaxKey(),
	}
	for i := 1; i < len(keys); i++ {
		require.Less(t, compareBytes(keys[i-1], keys[i]), 0)
	}
}
