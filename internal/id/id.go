// Package id implements Tangram's typed content identifiers: a one-byte
// kind prefix over a 32-byte BLAKE3 digest, with a printable
// "kind_base32" form.
//
// An ID is derived exactly once, at object-construction time, from the
// canonical bytes of the object it names (package object). Two objects
// with identical canonical bytes always produce identical IDs.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"lukechampine.com/blake3"
)

// Kind identifies the type of object an ID refers to.
type Kind uint8

const (
	KindBlob Kind = iota + 1
	KindLeaf
	KindBranch
	KindDirectory
	KindFile
	KindSymlink
	KindGraph
	KindCommand
	KindProcess
)

var kindNames = map[Kind]string{
	KindBlob:      "blb",
	KindLeaf:      "lef",
	KindBranch:    "brn",
	KindDirectory: "dir",
	KindFile:      "fil",
	KindSymlink:   "sym",
	KindGraph:     "grp",
	KindCommand:   "cmd",
	KindProcess:   "prc",
}

var namesToKind = func() map[string]Kind {
	m := make(map[string]Kind, len(kindNames))
	for k, v := range kindNames {
		m[v] = k
	}
	return m
}()

// String returns the short name used in the printable form, e.g. "fil".
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(k))
}

// ID is a typed, content-addressed identifier: a kind tag plus the
// BLAKE3-256 digest of the tagged canonical bytes of the object it
// names.
type ID struct {
	Kind   Kind
	Digest [32]byte
}

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// New derives the ID for an object of the given kind from its
// canonical bytes: id = BLAKE3(kind_tag || canonical_bytes).
func New(kind Kind, canonicalBytes []byte) ID {
	h := blake3.New(32, nil)
	h.Write([]byte{byte(kind)})
	h.Write(canonicalBytes)
	var digest [32]byte
	copy(digest[:], h.Sum(nil))
	return ID{Kind: kind, Digest: digest}
}

// String returns the printable form "kind_base32(digest)": the kind's
// short name, "_", and the 52-character lower-case, unpadded base32
// encoding of the digest, e.g. "fil_" followed by those 52 characters.
func (i ID) String() string {
	return i.Kind.String() + "_" + strings.ToLower(encoding.EncodeToString(i.Digest[:]))
}

// IsZero reports whether i is the zero value (no kind, no digest).
func (i ID) IsZero() bool {
	return i.Kind == 0 && i.Digest == [32]byte{}
}

// Parse decodes a printable ID of the form "kind_base32digest".
func Parse(s string) (ID, error) {
	parts := strings.SplitN(s, "_", 2)
	if len(parts) != 2 {
		return ID{}, fmt.Errorf("id: malformed identifier %q", s)
	}
	kind, ok := namesToKind[parts[0]]
	if !ok {
		return ID{}, fmt.Errorf("id: unknown kind tag %q", parts[0])
	}
	raw, err := encoding.DecodeString(strings.ToUpper(parts[1]))
	if err != nil {
		return ID{}, fmt.Errorf("id: decode digest: %w", err)
	}
	if len(raw) != 32 {
		return ID{}, fmt.Errorf("id: digest must be 32 bytes, got %d", len(raw))
	}
	var digest [32]byte
	copy(digest[:], raw)
	return ID{Kind: kind, Digest: digest}, nil
}

// MarshalText implements encoding.TextMarshaler so IDs serialize as
// their printable form inside JSON objects.
func (i ID) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}
