package processor

import (
	"encoding/json"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"
	bolt "go.etcd.io/bbolt"
)

// Buckets inside one index's bbolt environment. documents maps doc id
// (uidKey-style big-endian uint32) to its raw JSON; postings maps term
// bytes to a compressed roaring bitmap of doc ids; settings holds the
// index's current settings snapshot and primary key.
var (
	bucketDocuments = []byte("documents")
	bucketPostings  = []byte("postings")
	bucketSettings  = []byte("settings")
)

func ensureIndexBuckets(tx *bolt.Tx) error {
	for _, name := range [][]byte{bucketDocuments, bucketPostings, bucketSettings} {
		if _, err := tx.CreateBucketIfNotExists(name); err != nil {
			return fmt.Errorf("create index bucket %s: %w", name, err)
		}
	}
	return nil
}

func docKey(id uint32) []byte {
	b := make([]byte, 4)
	b[0] = byte(id >> 24)
	b[1] = byte(id >> 16)
	b[2] = byte(id >> 8)
	b[3] = byte(id)
	return b
}

func putDocument(tx *bolt.Tx, id uint32, raw json.RawMessage) error {
	return tx.Bucket(bucketDocuments).Put(docKey(id), raw)
}

func deleteDocument(tx *bolt.Tx, id uint32) error {
	return tx.Bucket(bucketDocuments).Delete(docKey(id))
}

func clearDocuments(tx *bolt.Tx) error {
	if err := tx.DeleteBucket(bucketDocuments); err != nil && err != bolt.ErrBucketNotFound {
		return err
	}
	_, err := tx.CreateBucket(bucketDocuments)
	return err
}

func clearPostings(tx *bolt.Tx) error {
	if err := tx.DeleteBucket(bucketPostings); err != nil && err != bolt.ErrBucketNotFound {
		return err
	}
	_, err := tx.CreateBucket(bucketPostings)
	return err
}

func documentCount(tx *bolt.Tx) int {
	return tx.Bucket(bucketDocuments).Stats().KeyN
}

// applyPostingDelta applies del-then-add to the term's stored posting list,
// per spec §4.5 delta semantics: D ← (D \ del) ∪ add.
func applyPostingDelta(tx *bolt.Tx, term []byte, del, add *roaring.Bitmap) error {
	b := tx.Bucket(bucketPostings)
	cur := roaring.New()
	if raw := b.Get(term); raw != nil {
		if _, err := cur.FromBuffer(raw); err != nil {
			return fmt.Errorf("decode postings for term %q: %w", term, err)
		}
	}
	cur.AndNot(del)
	cur.Or(add)
	if cur.IsEmpty() {
		return b.Delete(term)
	}
	enc, err := cur.ToBytes()
	if err != nil {
		return err
	}
	return b.Put(term, enc)
}

func putSettings(tx *bolt.Tx, key string, value []byte) error {
	return tx.Bucket(bucketSettings).Put([]byte(key), value)
}
