package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/textgrain/taskcore/internal/task"
)

// timeKey encodes a timestamp as big-endian nanoseconds-since-epoch so that
// lexicographic byte order matches chronological order, per spec §6.3.
func timeKey(t time.Time) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(t.UnixNano()))
	return buf
}

func timeKeyDecode(b []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(b)))
}

// uidKey encodes a dense uid as a fixed-width big-endian key so bucket
// iteration order equals numeric order.
func uidKey(uid uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uid)
	return buf
}

func uidKeyDecode(b []byte) uint32 {
	return binary.BigEndian.Uint32(b)
}

// encodeBitmap serializes a roaring bitmap using its compressed binary
// format, matching spec §6.3's "compressed roaring" bitmap codec.
func encodeBitmap(bm *roaring.Bitmap) ([]byte, error) {
	return bm.ToBytes()
}

func decodeBitmap(b []byte) (*roaring.Bitmap, error) {
	bm := roaring.New()
	if len(b) == 0 {
		return bm, nil
	}
	if _, err := bm.FromBuffer(b); err != nil {
		return nil, fmt.Errorf("decode bitmap: %w", err)
	}
	return bm, nil
}

func encodeTask(t *task.Task) ([]byte, error) {
	return json.Marshal(t)
}

func decodeTask(b []byte) (*task.Task, error) {
	var t task.Task
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &t, nil
}

func encodeBatch(b *task.Batch) ([]byte, error) {
	return json.Marshal(b)
}

func decodeBatch(b []byte) (*task.Batch, error) {
	var batch task.Batch
	if err := json.Unmarshal(b, &batch); err != nil {
		return nil, fmt.Errorf("decode batch: %w", err)
	}
	return &batch, nil
}
