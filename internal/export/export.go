package export

import (
	"context"
	"encoding/json"
	"io"

	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/object"
	"github.com/tangramd/tangram/internal/tgerror"
)

// Exporter is the producer side of export (spec §4.9): it streams a
// set of process and object roots to a consumer, writing each ID before
// it walks that ID's children, so a parent precedes its children on the
// wire; the stream is not in children-before-parents order. It applies
// the consumer's back-channel
// of Complete events to stop walking subtrees already present there.
// Store and Processes need only read, so this runs unchanged whether
// they're a local store/queue pair or a remote peer handle.
type Exporter struct {
	Store     ObjectReader
	Processes ProcessReader
}

// NewExporter creates an Exporter.
func NewExporter(st ObjectReader, processes ProcessReader) *Exporter {
	return &Exporter{Store: st, Processes: processes}
}

// Export walks roots and writes one Item event per emitted ID to w,
// followed by a terminal End event. incoming delivers the consumer's
// Complete events; Export stops listening to it once it returns (the
// caller closes incoming or lets it become unreachable).
func (e *Exporter) Export(ctx context.Context, w io.Writer, roots []id.ID, incoming <-chan Complete) error {
	frontier := NewFrontier()
	frontier.Seed(roots)

	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		for {
			select {
			case c, ok := <-incoming:
				if !ok {
					return
				}
				frontier.Complete(c.ID)
			case <-listenCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		target, ok := frontier.Next()
		if !ok {
			break
		}
		if frontier.IsComplete(target) {
			continue
		}

		children, err := e.emit(w, target)
		if err != nil {
			return err
		}
		frontier.Enqueue(target, children)
	}

	return WriteEvent(w, Event{Kind: KindEnd})
}

func (e *Exporter) emit(w io.Writer, target id.ID) ([]id.ID, error) {
	if target.Kind == id.KindProcess {
		return e.emitProcess(w, target)
	}
	return e.emitObject(w, target)
}

func (e *Exporter) emitProcess(w io.Writer, target id.ID) ([]id.ID, error) {
	rec, err := e.Processes.Get(target)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, tgerror.Internalf("export: marshal process %s: %v", target, err)
	}
	if err := WriteEvent(w, Event{Kind: KindItem, Item: Item{ID: target, Data: data}}); err != nil {
		return nil, err
	}
	children := make([]id.ID, 0, len(rec.Children)+1)
	children = append(children, rec.CommandID)
	children = append(children, rec.Children...)
	return children, nil
}

func (e *Exporter) emitObject(w io.Writer, target id.ID) ([]id.ID, error) {
	data, _, ok, err := e.Store.TryGet(target)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, tgerror.NotFoundf("export: object %s not found", target)
	}
	if err := WriteEvent(w, Event{Kind: KindItem, Item: Item{ID: target, Data: data}}); err != nil {
		return nil, err
	}
	v, err := object.Decode(target.Kind, data)
	if err != nil {
		return nil, err
	}
	return object.Children(target.Kind, v), nil
}
