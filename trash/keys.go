// Package trash implements the fragmented-value trash and its undo
// coupling (spec.md §4.5): before a transaction replaces a large value,
// the old bytes are copied into a hidden trash index and an undo record
// is appended, so rollback always finds a live copy of the pre-mutation
// value even if the real mutation has already landed.
package trash

import "encoding/binary"

// suffixForSeq encodes the 0-based per-transaction trash entry sequence
// number as the reverse-varint suffix of spec.md §6: the first entry is
// the single byte 0xFF, each later entry within the same transaction
// compares strictly less than the one before it. Byte 0x00 is reserved
// as a carry marker: a run of g leading 0x00 bytes followed by a
// non-zero byte b encodes seq = g*255 + (0xFF - b).
func suffixForSeq(seq uint64) []byte {
	g := seq / 255
	r := seq % 255
	out := make([]byte, g+1)
	out[g] = byte(0xFF - r)
	return out
}

// decrementSuffix computes the suffix for one more trash entry in the
// same transaction as prev, matching spec.md §4.5's "decrement the most
// recent key" allocation rule without needing to re-derive seq.
func decrementSuffix(prev []byte) []byte {
	last := len(prev) - 1
	if prev[last] > 0x01 {
		out := append([]byte(nil), prev...)
		out[last]--
		return out
	}
	out := make([]byte, len(prev)+1)
	copy(out, prev[:last])
	out[len(out)-1] = 0xFF
	return out
}

// trashKeyFor builds the full persisted trash-index key: the owning
// transaction id as an 8-byte big-endian prefix, followed by suffix
// (spec.md §6's trash key format).
func trashKeyFor(txnID uint64, suffix []byte) []byte {
	key := make([]byte, 8, 8+len(suffix))
	binary.BigEndian.PutUint64(key, txnID)
	return append(key, suffix...)
}
