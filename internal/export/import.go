package export

import (
	"bufio"
	"context"
	"encoding/json"

	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/process"
	"github.com/tangramd/tangram/internal/tgerror"
)

// ObjectStore is the read+write capability Importer needs: it must
// both store an incoming object and re-check an earlier one's
// completeness once a child arrives.
type ObjectStore interface {
	ObjectReader
	ObjectWriter
}

// Importer is the consumer side of export/import (spec §4.9): for
// each Item it verifies the hash, stores it, and reports every subtree
// that becomes complete back upstream through its own Complete events.
//
// A subtree completes the moment all of its children do. The Exporter
// writes a parent ahead of its children, so a parent is usually stored
// before its children arrive; the parents/processChildren bookkeeping
// below records what each parent still waits for and re-checks it as
// each child completes.
type Importer struct {
	Store     ObjectStore
	Processes ProcessWriter

	parents         map[id.ID][]id.ID
	processChildren map[id.ID]map[id.ID]bool
	complete        map[id.ID]bool
}

// NewImporter creates an Importer.
func NewImporter(st ObjectStore, processes ProcessWriter) *Importer {
	return &Importer{
		Store:           st,
		Processes:       processes,
		parents:         make(map[id.ID][]id.ID),
		processChildren: make(map[id.ID]map[id.ID]bool),
		complete:        make(map[id.ID]bool),
	}
}

// Import drains r until the terminal End event, applying each Item
// and sending a Complete event on out for every subtree that becomes
// fully present. The caller is expected to forward out to the
// producer's back-channel promptly; Import blocks sending to it.
func (im *Importer) Import(ctx context.Context, r *bufio.Reader, out chan<- Complete) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ev, err := ReadEvent(r)
		if err != nil {
			return err
		}
		switch ev.Kind {
		case KindEnd:
			return nil
		case KindItem:
			if err := im.applyItem(ctx, ev.Item, out); err != nil {
				return err
			}
		case KindComplete:
			// A producer's own stream never carries Complete frames;
			// those flow back over the reverse channel instead.
		}
	}
}

func (im *Importer) applyItem(ctx context.Context, item Item, out chan<- Complete) error {
	if item.ID.Kind == id.KindProcess {
		return im.applyProcess(ctx, item, out)
	}
	computed := id.New(item.ID.Kind, item.Data)
	if computed.Digest != item.ID.Digest {
		return tgerror.Invalidf("import: hash mismatch for %s", item.ID)
	}
	return im.applyObject(ctx, item, out)
}

func (im *Importer) applyObject(ctx context.Context, item Item, out chan<- Complete) error {
	putOut, err := im.Store.Put(item.ID, item.Data)
	if err != nil {
		return err
	}
	if putOut.Complete {
		return im.markComplete(ctx, item.ID, out)
	}
	for _, missing := range putOut.Missing {
		im.parents[missing] = append(im.parents[missing], item.ID)
	}
	return nil
}

func (im *Importer) applyProcess(ctx context.Context, item Item, out chan<- Complete) error {
	var rec process.Record
	if err := json.Unmarshal(item.Data, &rec); err != nil {
		return tgerror.Invalidf("import: decode process %s: %v", item.ID, err)
	}
	if err := im.Processes.Import(&rec); err != nil {
		return err
	}

	pending := make(map[id.ID]bool, len(rec.Children)+1)
	track := func(childID id.ID) {
		if im.complete[childID] {
			return
		}
		pending[childID] = true
		im.parents[childID] = append(im.parents[childID], item.ID)
	}
	track(rec.CommandID)
	for _, c := range rec.Children {
		track(c)
	}
	if len(pending) == 0 {
		return im.markComplete(ctx, item.ID, out)
	}
	im.processChildren[item.ID] = pending
	return nil
}

func (im *Importer) markComplete(ctx context.Context, target id.ID, out chan<- Complete) error {
	if im.complete[target] {
		return nil
	}
	im.complete[target] = true

	c := Complete{Kind: "object", ID: target}
	if target.Kind == id.KindProcess {
		c.Kind = "process"
	} else if _, meta, ok, err := im.Store.TryGet(target); err == nil && ok {
		count, weight := meta.Count, meta.Weight
		c.Count = &count
		c.Weight = &weight
	}
	select {
	case out <- c:
	case <-ctx.Done():
		return ctx.Err()
	}

	waiting := im.parents[target]
	delete(im.parents, target)
	for _, parent := range waiting {
		if err := im.retryParent(ctx, parent, out); err != nil {
			return err
		}
	}
	return nil
}

func (im *Importer) retryParent(ctx context.Context, parent id.ID, out chan<- Complete) error {
	if parent.Kind == id.KindProcess {
		return im.retryProcess(ctx, parent, out)
	}
	data, _, ok, err := im.Store.TryGet(parent)
	if err != nil {
		return err
	}
	if !ok {
		return nil // parent not yet received; nothing to retry
	}
	putOut, err := im.Store.Put(parent, data)
	if err != nil {
		return err
	}
	if putOut.Complete {
		return im.markComplete(ctx, parent, out)
	}
	for _, missing := range putOut.Missing {
		im.parents[missing] = append(im.parents[missing], parent)
	}
	return nil
}

func (im *Importer) retryProcess(ctx context.Context, target id.ID, out chan<- Complete) error {
	pending, ok := im.processChildren[target]
	if !ok {
		return nil
	}
	for child := range pending {
		if im.complete[child] {
			delete(pending, child)
		}
	}
	if len(pending) == 0 {
		delete(im.processChildren, target)
		return im.markComplete(ctx, target, out)
	}
	return nil
}
