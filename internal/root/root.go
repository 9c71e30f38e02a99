// Package root implements Tangram's named roots (spec §6, GLOSSARY
// "Root"): persistent name -> object ID entries that anchor reachable
// objects against garbage collection. Backed by bbolt the same way
// internal/store and internal/process persist their own state.
package root

import (
	"encoding/json"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/tgerror"
)

var bucketRoots = []byte("roots")

// Store persists named roots.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if necessary) a root store at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, tgerror.IOErr(err, "open root store %s", path)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRoots)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, tgerror.IOErr(err, "init root store")
	}
	return &Store{db: db}, nil
}

// Close closes the store.
func (s *Store) Close() error { return s.db.Close() }

// Set creates or replaces the root named name, pointing it at target.
func (s *Store) Set(name string, target id.ID) error {
	if name == "" {
		return tgerror.Invalidf("root: name must not be empty")
	}
	encoded, err := json.Marshal(target)
	if err != nil {
		return tgerror.Internalf("root: marshal %s: %v", target, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRoots).Put([]byte(name), encoded)
	})
}

// Get returns the object a root currently points at.
func (s *Store) Get(name string) (id.ID, bool, error) {
	var target id.ID
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRoots).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &target)
	})
	if err != nil {
		return id.ID{}, false, tgerror.IOErr(err, "root: get %s", name)
	}
	return target, found, nil
}

// Delete removes a root. Deleting a name that does not exist is a
// no-op, matching the idempotent-delete idiom used elsewhere (spec
// §7: "local recovery occurs only for idempotent operations").
func (s *Store) Delete(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRoots).Delete([]byte(name))
	})
}

// List returns every root as an unordered name -> ID map, for
// GET /roots; Names returns the names sorted.
func (s *Store) List() (map[string]id.ID, error) {
	out := make(map[string]id.ID)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRoots).ForEach(func(k, v []byte) error {
			var target id.ID
			if err := json.Unmarshal(v, &target); err != nil {
				return err
			}
			out[string(k)] = target
			return nil
		})
	})
	if err != nil {
		return nil, tgerror.IOErr(err, "root: list")
	}
	return out, nil
}

// Names returns every root name, sorted.
func (s *Store) Names() ([]string, error) {
	all, err := s.List()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
