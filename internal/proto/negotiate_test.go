package proto

import "testing"

func TestNegotiateEncoding(t *testing.T) {
	cases := []struct {
		name       string
		accept     string
		preferZstd bool
		want       string
	}{
		{"prefers zstd when offered and preferred", "zstd, zlib", true, EncodingZstd},
		{"falls back to zlib when zstd not preferred", "zstd, zlib", false, EncodingZlib},
		{"falls back to zlib when zstd absent", "zlib", true, EncodingZlib},
		{"falls back to zstd when only zstd offered", "zstd", false, EncodingZstd},
		{"deflate counts as zlib", "deflate", true, EncodingZlib},
		{"identity when nothing recognized", "gzip, br", true, EncodingIdentity},
		{"identity on empty header", "", true, EncodingIdentity},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := NegotiateEncoding(c.accept, c.preferZstd)
			if got != c.want {
				t.Fatalf("NegotiateEncoding(%q, %v) = %q, want %q", c.accept, c.preferZstd, got, c.want)
			}
		})
	}
}
