// Package export implements Tangram's framed export/import wire
// protocol (spec §4.9, §6): a producer streams objects and processes
// to a consumer, each parent ahead of the children it references, while
// a back-channel of Complete events lets the consumer tell the
// producer to stop walking subtrees it already has.
package export

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/tangramd/tangram/internal/id"
	"github.com/tangramd/tangram/internal/tgerror"
)

// ContentType is the media type for the framed export/import body.
const ContentType = "application/vnd.tangram.export"

// Kind tags the wire frames: frame := tag:uvarint payload.
type Kind uint8

const (
	KindComplete Kind = 0
	KindItem     Kind = 1
	KindEnd      Kind = 2
)

// Complete announces that the subtree rooted at ID is fully present on
// the sender's side. Kind distinguishes a process subtree (which also
// counts commands and outputs) from a plain object subtree.
type Complete struct {
	Kind           string `json:"kind"`
	ID             id.ID  `json:"id"`
	Count          *int64 `json:"count,omitempty"`
	Weight         *int64 `json:"weight,omitempty"`
	CommandsCount  *int64 `json:"commandsCount,omitempty"`
	CommandsWeight *int64 `json:"commandsWeight,omitempty"`
	OutputsCount   *int64 `json:"outputsCount,omitempty"`
	OutputsWeight  *int64 `json:"outputsWeight,omitempty"`
}

// Item is one unit of transfer: a process record or an object, keyed
// by ID.Kind (KindProcess vs everything else). Data is the raw JSON
// process record for a process item, or the raw object bytes
// (verifiable via id.New(ID.Kind, Data) == ID) for an object item.
type Item struct {
	ID   id.ID
	Data []byte
}

// Event is one frame of the export stream.
type Event struct {
	Kind     Kind
	Complete Complete
	Item     Item
}

// WriteEvent writes one frame to w.
func WriteEvent(w io.Writer, ev Event) error {
	switch ev.Kind {
	case KindComplete:
		if err := writeUvarint(w, uint64(KindComplete)); err != nil {
			return err
		}
		data, err := json.Marshal(ev.Complete)
		if err != nil {
			return tgerror.Internalf("export: marshal complete event: %v", err)
		}
		return writeLenPrefixed(w, data)
	case KindItem:
		if err := writeUvarint(w, uint64(KindItem)); err != nil {
			return err
		}
		if err := writeLenPrefixed(w, idBytes(ev.Item.ID)); err != nil {
			return err
		}
		return writeLenPrefixed(w, ev.Item.Data)
	case KindEnd:
		return writeUvarint(w, uint64(KindEnd))
	default:
		return tgerror.Invalidf("export: unknown event kind %d", ev.Kind)
	}
}

// ReadEvent reads one frame from r. It returns io.EOF only when the
// stream ends before any frame starts; a clean close is always an
// explicit KindEnd event.
func ReadEvent(r *bufio.Reader) (Event, error) {
	tag, err := binary.ReadUvarint(r)
	if err != nil {
		return Event{}, err
	}

	switch Kind(tag) {
	case KindComplete:
		data, err := readLenPrefixed(r)
		if err != nil {
			return Event{}, err
		}
		var c Complete
		if err := json.Unmarshal(data, &c); err != nil {
			return Event{}, tgerror.Invalidf("export: decode complete event: %v", err)
		}
		return Event{Kind: KindComplete, Complete: c}, nil
	case KindItem:
		rawID, err := readLenPrefixed(r)
		if err != nil {
			return Event{}, err
		}
		itemID, err := idFromBytes(rawID)
		if err != nil {
			return Event{}, err
		}
		data, err := readLenPrefixed(r)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: KindItem, Item: Item{ID: itemID, Data: data}}, nil
	case KindEnd:
		return Event{Kind: KindEnd}, nil
	default:
		return Event{}, tgerror.Invalidf("export: invalid frame tag %d", tag)
	}
}

func writeUvarint(w io.Writer, v uint64) error {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, v)
	_, err := w.Write(buf[:n])
	if err != nil {
		return tgerror.IOErr(err, "export: write frame tag")
	}
	return nil
}

func writeLenPrefixed(w io.Writer, data []byte) error {
	if err := writeUvarint(w, uint64(len(data))); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return tgerror.IOErr(err, "export: write frame payload")
	}
	return nil
}

func readLenPrefixed(r *bufio.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, tgerror.IOErr(err, "export: read frame length")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, tgerror.IOErr(err, "export: read frame payload")
	}
	return buf, nil
}

// idBytes is the wire form of an ID: a one-byte kind tag followed by
// its 32-byte digest, matching the id_len:uvarint id:bytes framing
// (distinct from the printable "kind_base32" text form).
func idBytes(i id.ID) []byte {
	out := make([]byte, 33)
	out[0] = byte(i.Kind)
	copy(out[1:], i.Digest[:])
	return out
}

func idFromBytes(b []byte) (id.ID, error) {
	if len(b) != 33 {
		return id.ID{}, tgerror.Invalidf("export: malformed id on the wire (%d bytes)", len(b))
	}
	var digest [32]byte
	copy(digest[:], b[1:])
	return id.ID{Kind: id.Kind(b[0]), Digest: digest}, nil
}
