package trash

import (
	"github.com/pkg/errors"

	"github.com/coredb/tupl/kv"
)

// maxShortKey is the largest original-key length the short-form header
// can carry (spec.md §6: "short form: len = (b0 & 0x3f) + 1").
const maxShortKey = 0x40

// maxLongKey is the largest original-key length the long-form header can
// carry (spec.md §6: "long form: len = ((b0 & 0x3f)<<8) | b1").
const maxLongKey = 0x3fff

// UndoLink is the decoded form of an undo "reclaim fragmented" record
// (spec.md §6): enough to find the trash entry for Index/Suffix and
// know where to reinsert it. Index is carried by the caller alongside
// the payload, not inside it, matching spec.md §6's note that "index-id
// is carried in the undo header, not in the payload".
type UndoLink struct {
	Index       kv.IndexID
	OriginalKey []byte
	Suffix      []byte
}

// EncodePayload builds the undo "reclaim fragmented" payload bytes for
// originalKey/suffix (spec.md §6).
func EncodePayload(originalKey, suffix []byte) ([]byte, error) {
	n := len(originalKey)
	if n < 1 || n > maxLongKey {
		return nil, errors.Errorf("trash: original key length %d out of range", n)
	}
	var header []byte
	if n <= maxShortKey {
		header = []byte{byte(n - 1)}
	} else {
		header = []byte{0x80 | byte((n>>8)&0x3f), byte(n)}
	}
	buf := make([]byte, 0, len(header)+n+len(suffix))
	buf = append(buf, header...)
	buf = append(buf, originalKey...)
	buf = append(buf, suffix...)
	return buf, nil
}

// DecodePayload reverses EncodePayload, splitting the original index key
// back out from the trailing trash-key suffix.
func DecodePayload(payload []byte) (originalKey, suffix []byte, err error) {
	if len(payload) == 0 {
		return nil, nil, errors.New("trash: empty undo payload")
	}
	b0 := payload[0]
	var n, hdrLen int
	if b0&0x80 == 0 {
		n = int(b0&0x3f) + 1
		hdrLen = 1
	} else {
		if len(payload) < 2 {
			return nil, nil, errors.New("trash: truncated undo payload header")
		}
		n = (int(b0&0x3f) << 8) | int(payload[1])
		hdrLen = 2
	}
	if len(payload) < hdrLen+n {
		return nil, nil, errors.New("trash: truncated undo payload key")
	}
	originalKey = append([]byte(nil), payload[hdrLen:hdrLen+n]...)
	suffix = append([]byte(nil), payload[hdrLen+n:]...)
	return originalKey, suffix, nil
}
