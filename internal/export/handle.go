package export

import (
	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/process"
	"github.com/tangramd/tangram/internal/store"
)

// These narrow capability interfaces are spec §9's "polymorphism over
// capability sets": Exporter only needs to read objects and processes,
// Importer only needs to write them, so either side can be satisfied
// by a local store/queue pair or by a remote peer (internal/transport)
// without Exporter/Importer ever depending on which.

// ObjectReader reads an object by ID, exactly as *store.Store does.
type ObjectReader interface {
	TryGet(target id.ID) (data []byte, meta store.Metadata, ok bool, err error)
}

// ObjectWriter stores an object, exactly as *store.Store does.
type ObjectWriter interface {
	Put(target id.ID, data []byte) (store.PutOutput, error)
}

// ProcessReader reads a process record by ID, exactly as
// *process.Queue does.
type ProcessReader interface {
	Get(target id.ID) (*process.Record, error)
}

// ProcessWriter persists a replicated process record, exactly as
// *process.Queue's Import does.
type ProcessWriter interface {
	Import(rec *process.Record) error
}
