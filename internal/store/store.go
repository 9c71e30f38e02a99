// Package store implements the content-addressed object store
// (spec §4.2): a bbolt-backed index of object metadata and bytes, with
// idempotent put, lazy (partial) completeness, and the per-object
// bookkeeping (complete, count, depth, weight) the rest of the system
// relies on.
//
// Storage is modeled the way the teacher's internal/store package
// layers bbolt buckets under a single *bbolt.DB, and the way
// internal/cas verifies the hash of every write before accepting it.
package store

import (
	"encoding/json"

	"go.etcd.io/bbolt"

	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/object"
	"github.com/tangramd/tangram/internal/tgerror"
)

var (
	bucketObjects  = []byte("objects")  // id -> record (metadata + inline bytes)
	bucketLeafLoc  = []byte("leaflocs") // leaf id -> packed blob location
)

// Metadata tracks the per-object bookkeeping spec §3 requires.
type Metadata struct {
	Complete bool  `json:"complete"`
	Count    int64 `json:"count"`
	Depth    int64 `json:"depth"`
	Weight   int64 `json:"weight"`
}

// PutOutput reports the result of a Put: whether the object (and all
// its transitive children) is now known complete, and which direct
// children are still missing if not.
type PutOutput struct {
	Complete bool
	Missing  []id.ID
}

// LeafLocation locates a leaf's bytes inside a packed ingest blob file
// (spec §4.3), used when the object row carries no inline bytes.
type LeafLocation struct {
	EntryBlobID string `json:"entryBlobId"`
	Position    int64  `json:"position"`
	Length      int64  `json:"length"`
}

type record struct {
	Kind     id.Kind        `json:"kind"`
	Bytes    []byte         `json:"bytes,omitempty"`
	Metadata Metadata       `json:"metadata"`
}

// Store is the object store.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if absent) the bbolt-backed object store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o666, nil)
	if err != nil {
		return nil, tgerror.IOErr(err, "open object store %q", path)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, e := tx.CreateBucketIfNotExists(bucketObjects); e != nil {
			return e
		}
		if _, e := tx.CreateBucketIfNotExists(bucketLeafLoc); e != nil {
			return e
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, tgerror.IOErr(err, "initialize object store buckets")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Put idempotently stores bytes under id, verifying the hash, and
// recomputes completeness from already-stored children. It never
// fails because a child is missing: missing children are reported in
// PutOutput.Missing so the caller (typically export/import, or
// check-in) can fetch them, and completeness heals lazily on a later
// Put of the missing child.
func (s *Store) Put(objID id.ID, data []byte) (PutOutput, error) {
	computed := id.New(objID.Kind, data)
	if computed.Digest != objID.Digest {
		return PutOutput{}, tgerror.Invalidf("hash mismatch: expected %s, computed %s", objID, computed)
	}

	var out PutOutput
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketObjects)
		key := []byte(objID.String())

		if existing := bucket.Get(key); existing != nil {
			var rec record
			if err := json.Unmarshal(existing, &rec); err == nil {
				out.Complete = rec.Metadata.Complete
				if out.Complete {
					return nil
				}
			}
		}

		childIDs, err := childrenOf(objID.Kind, data)
		if err != nil {
			return err
		}

		complete := true
		var count, depth, weight int64 = 1, 0, int64(len(data))
		var missing []id.ID
		for _, c := range childIDs {
			childBytes := bucket.Get([]byte(c.String()))
			if childBytes == nil {
				complete = false
				missing = append(missing, c)
				continue
			}
			var childRec record
			if err := json.Unmarshal(childBytes, &childRec); err != nil {
				return tgerror.Internalf("corrupt child record for %s: %v", c, err)
			}
			if !childRec.Metadata.Complete {
				complete = false
			}
			count += childRec.Metadata.Count
			weight += childRec.Metadata.Weight
			if childRec.Metadata.Depth+1 > depth {
				depth = childRec.Metadata.Depth + 1
			}
		}

		rec := record{
			Kind:  objID.Kind,
			Bytes: data,
			Metadata: Metadata{
				Complete: complete,
				Count:    count,
				Depth:    depth,
				Weight:   weight,
			},
		}
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := bucket.Put(key, encoded); err != nil {
			return err
		}

		out.Complete = complete
		out.Missing = missing
		return nil
	})
	if err != nil {
		return PutOutput{}, err
	}

	if out.Complete {
		if err := s.healParents(objID); err != nil {
			return out, err
		}
	}
	return out, nil
}

// healParents is a placeholder hook for callers (e.g. import) that
// re-Put a parent once a previously-missing child completes; the
// store itself does not track reverse edges, so completeness healing
// happens by the caller re-issuing Put on the parent.
func (s *Store) healParents(id.ID) error { return nil }

func childrenOf(kind id.Kind, data []byte) ([]id.ID, error) {
	if kind == id.KindLeaf {
		return nil, nil
	}
	v, err := object.Decode(kind, data)
	if err != nil {
		return nil, tgerror.Invalidf("decode %s object: %v", kind, err)
	}
	return object.Children(kind, v), nil
}

// TryGet returns an object's bytes and metadata, or ok=false if the
// store has no row for id at all (distinct from an incomplete row,
// which is still returned).
func (s *Store) TryGet(objID id.ID) (data []byte, meta Metadata, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketObjects).Get([]byte(objID.String()))
		if raw == nil {
			return nil
		}
		var rec record
		if e := json.Unmarshal(raw, &rec); e != nil {
			return tgerror.Internalf("corrupt record for %s: %v", objID, e)
		}
		data = append([]byte(nil), rec.Bytes...)
		meta = rec.Metadata
		ok = true
		return nil
	})
	return data, meta, ok, err
}

// Has reports whether a row (complete or not) exists for id.
func (s *Store) Has(objID id.ID) (bool, error) {
	_, _, ok, err := s.TryGet(objID)
	return ok, err
}

// SetLeafLocation records where a leaf's bytes live inside a packed
// ingest blob file, for leaves stored without inline bytes.
func (s *Store) SetLeafLocation(leafID id.ID, loc LeafLocation) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		encoded, err := json.Marshal(loc)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketLeafLoc).Put([]byte(leafID.String()), encoded)
	})
}

// LeafLocation returns the packed location of a leaf stored without
// inline bytes, or ok=false if the leaf carries its bytes inline (or
// is unknown).
func (s *Store) LeafLocation(leafID id.ID) (loc LeafLocation, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketLeafLoc).Get([]byte(leafID.String()))
		if raw == nil {
			return nil
		}
		ok = true
		return json.Unmarshal(raw, &loc)
	})
	return loc, ok, err
}

// PutWithoutInlineBytes stores a leaf's metadata only, recording that
// its content lives in a packed blob file at loc. Used by the blob
// builder for large leaves it does not want duplicated inline.
func (s *Store) PutWithoutInlineBytes(leafID id.ID, size int64, loc LeafLocation) error {
	if err := s.SetLeafLocation(leafID, loc); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketObjects)
		key := []byte(leafID.String())
		if bucket.Get(key) != nil {
			return nil
		}
		rec := record{
			Kind: leafID.Kind,
			Metadata: Metadata{
				Complete: true,
				Count:    1,
				Depth:    0,
				Weight:   size,
			},
		}
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return bucket.Put(key, encoded)
	})
}

// Count returns the number of rows in the store, for diagnostics and
// clean (GC) reporting.
func (s *Store) Count() (int64, error) {
	var n int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		stats := tx.Bucket(bucketObjects).Stats()
		n = int64(stats.KeyN)
		return nil
	})
	return n, err
}

// ForEach iterates every stored object ID, for garbage collection
// reachability scans.
func (s *Store) ForEach(fn func(id.ID, Metadata) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketObjects).ForEach(func(k, v []byte) error {
			parsed, err := id.Parse(string(k))
			if err != nil {
				return nil
			}
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			return fn(parsed, rec.Metadata)
		})
	})
}

// Delete removes an object row outright; used only by clean (GC).
func (s *Store) Delete(objID id.ID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketObjects).Delete([]byte(objID.String())); err != nil {
			return err
		}
		return tx.Bucket(bucketLeafLoc).Delete([]byte(objID.String()))
	})
}
