package store

import (
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	bolt "go.etcd.io/bbolt"
)

// bitmapAdd reads the bitmap stored at key inside bucket, adds uid, and
// writes it back. The bucket is created if absent.
func bitmapAdd(tx *bolt.Tx, bucketName, key []byte, uid uint32) error {
	b, err := tx.CreateBucketIfNotExists(bucketName)
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", bucketName, err)
	}
	bm, err := decodeBitmap(b.Get(key))
	if err != nil {
		return err
	}
	bm.Add(uid)
	enc, err := encodeBitmap(bm)
	if err != nil {
		return err
	}
	return b.Put(key, enc)
}

// bitmapRemove removes uid from the bitmap at key; it tolerates a missing
// bucket or key (no-op), matching the idempotent-delete posture used
// throughout the store.
func bitmapRemove(tx *bolt.Tx, bucketName, key []byte, uid uint32) error {
	b := tx.Bucket(bucketName)
	if b == nil {
		return nil
	}
	raw := b.Get(key)
	if raw == nil {
		return nil
	}
	bm, err := decodeBitmap(raw)
	if err != nil {
		return err
	}
	bm.Remove(uid)
	if bm.IsEmpty() {
		return b.Delete(key)
	}
	enc, err := encodeBitmap(bm)
	if err != nil {
		return err
	}
	return b.Put(key, enc)
}

func bitmapGet(tx *bolt.Tx, bucketName, key []byte) (*roaring.Bitmap, error) {
	b := tx.Bucket(bucketName)
	if b == nil {
		return roaring.New(), nil
	}
	return decodeBitmap(b.Get(key))
}

// bitmapUnionAll ORs together every value stored in bucketName, giving the
// union across every key of a dimension (e.g. "any status").
func bitmapUnionAll(tx *bolt.Tx, bucketName []byte) (*roaring.Bitmap, error) {
	out := roaring.New()
	b := tx.Bucket(bucketName)
	if b == nil {
		return out, nil
	}
	err := b.ForEach(func(_, v []byte) error {
		bm, err := decodeBitmap(v)
		if err != nil {
			return err
		}
		out.Or(bm)
		return nil
	})
	return out, err
}

// nextCounter atomically reads-and-increments the dense id counter stored
// in bucketName under counterKey, per invariant 7 (next id = max_existing+1,
// 0 if none).
func nextCounter(tx *bolt.Tx, bucketName []byte) (uint32, error) {
	b, err := tx.CreateBucketIfNotExists(bucketName)
	if err != nil {
		return 0, err
	}
	raw := b.Get([]byte(counterKey))
	var next uint32
	if raw != nil {
		next = uidKeyDecode(raw)
	}
	if err := b.Put([]byte(counterKey), uidKey(next+1)); err != nil {
		return 0, err
	}
	return next, nil
}
