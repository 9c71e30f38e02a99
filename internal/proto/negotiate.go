// Package proto negotiates wire-level compression between a Tangram
// server and a peer talking the push/pull protocol (spec §9's "local
// server and remote client both conform" and the object-body transfer
// described in §6). A client advertises its accepted encodings in an
// Accept-Encoding header; a server picks one encoding from that list
// according to its own preference and reports the choice back via
// Content-Encoding.
package proto

import (
	"bytes"
	"compress/zlib"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// EncodingZstd and EncodingZlib are the two encodings this server
// negotiates; EncodingIdentity means "send the bytes as they are".
const (
	EncodingZstd     = "zstd"
	EncodingZlib     = "zlib"
	EncodingIdentity = "identity"
)

// NegotiateEncoding parses a comma-separated Accept-Encoding header
// value and returns the encoding the server should use, preferring
// zstd when preferZstd is set and the peer accepts it, falling back
// to zlib, then to identity if the peer advertises neither.
func NegotiateEncoding(acceptEncoding string, preferZstd bool) string {
	hasZstd, hasZlib := false, false
	for _, tok := range strings.Split(acceptEncoding, ",") {
		switch strings.TrimSpace(tok) {
		case EncodingZstd:
			hasZstd = true
		case EncodingZlib, "deflate":
			hasZlib = true
		}
	}
	switch {
	case preferZstd && hasZstd:
		return EncodingZstd
	case hasZlib:
		return EncodingZlib
	case hasZstd:
		return EncodingZstd
	default:
		return EncodingIdentity
	}
}

// EncodeBody compresses data per encoding (one of the Encoding*
// constants), reporting the encoding actually applied. Codec setup
// failures degrade gracefully: zstd falls back to zlib, zlib falls
// back to sending data uncompressed.
func EncodeBody(data []byte, encoding string) (string, []byte) {
	switch encoding {
	case EncodingZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return EncodeBody(data, EncodingZlib)
		}
		return EncodingZstd, enc.EncodeAll(data, nil)
	case EncodingZlib:
		buf := &bytes.Buffer{}
		w := zlib.NewWriter(buf)
		if _, err := w.Write(data); err != nil {
			return EncodingIdentity, data
		}
		if err := w.Close(); err != nil {
			return EncodingIdentity, data
		}
		return EncodingZlib, buf.Bytes()
	default:
		return EncodingIdentity, data
	}
}

// DecodeBody reverses EncodeBody given the Content-Encoding a peer
// reported.
func DecodeBody(r io.Reader, encoding string) ([]byte, error) {
	switch encoding {
	case EncodingZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return io.ReadAll(dec)
	case EncodingZlib:
		zr, err := zlib.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return io.ReadAll(r)
	}
}
