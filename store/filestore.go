// Package store provides a reference on-disk implementation of
// node.Store: one JSON sidecar file per (object type, id) pair, written
// to a temp file and then renamed into place so a crash mid-write cannot
// leave a corrupt file behind. Adapted from the JSON-on-disk cache
// pattern used for consensus/microdescriptor/key-cert caching: a flat
// directory of small marshaled records, loaded on demand and written back
// whole rather than patched in place.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/0-8-15/beaver/node"
)

// FileStore persists objects as JSON under Dir, one file per object.
// Hosts that want the host-supplied node.Store hook without building
// their own persistence layer can use this directly; it is a reference
// implementation, not a requirement of the interface.
type FileStore struct {
	Dir string
}

// New creates a FileStore rooted at dir, creating the directory if it
// does not already exist.
func New(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

type record struct {
	Data []byte `json:"data"`
}

func (s *FileStore) path(objType node.ObjectType, id [2]uint64) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%d-%x-%x.json", objType, id[0], id[1]))
}

// Get reads back a previously stored object. Returns false if no object
// is stored under this (objType, id), matching node.Store's semantics.
func (s *FileStore) Get(objType node.ObjectType, id [2]uint64) ([]byte, bool) {
	raw, err := os.ReadFile(s.path(objType, id))
	if err != nil {
		return nil, false
	}
	var r record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, false
	}
	return r.Data, true
}

// Put writes data under (objType, id), replacing any prior value. The
// write lands via a temp file plus rename so a concurrent Get never
// observes a partially written file.
func (s *FileStore) Put(objType node.ObjectType, id [2]uint64, data []byte) error {
	raw, err := json.Marshal(record{Data: data})
	if err != nil {
		return fmt.Errorf("store: marshal: %w", err)
	}
	target := s.path(objType, id)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("store: write temp: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("store: rename: %w", err)
	}
	return nil
}
