// Package transport implements push/pull (spec §4.9, §9): replicating
// a set of process/object roots between two peers, driven entirely by
// internal/export's Exporter and Importer over whichever Handle each
// peer happens to be.
package transport

import (
	"github.com/tangramd/tangram/internal/export"
	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/process"
	"github.com/tangramd/tangram/internal/store"
)

// Handle is spec §9's "polymorphism over capability sets": anything
// implementing try_get_object/put_object/try_get_build/put_build. The
// local server (LocalHandle) and a remote peer (RemoteHandle) both
// conform, so Push and Pull are defined once, generically, over two
// Handles.
type Handle interface {
	export.ObjectReader
	export.ObjectWriter
	export.ProcessReader
	export.ProcessWriter
}

// LocalHandle adapts a local object store and process queue to Handle.
type LocalHandle struct {
	Store     *store.Store
	Processes *process.Queue
}

// NewLocalHandle creates a LocalHandle.
func NewLocalHandle(st *store.Store, processes *process.Queue) *LocalHandle {
	return &LocalHandle{Store: st, Processes: processes}
}

func (h *LocalHandle) TryGet(target id.ID) ([]byte, store.Metadata, bool, error) {
	return h.Store.TryGet(target)
}

func (h *LocalHandle) Put(target id.ID, data []byte) (store.PutOutput, error) {
	return h.Store.Put(target, data)
}

func (h *LocalHandle) Get(target id.ID) (*process.Record, error) {
	return h.Processes.Get(target)
}

func (h *LocalHandle) Import(rec *process.Record) error {
	return h.Processes.Import(rec)
}
