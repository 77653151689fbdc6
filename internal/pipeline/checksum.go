package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"

	"github.com/zeebo/blake3"

	"dbkp/internal/fault"
)

const (
	ChecksumSHA256 = "sha256"
	ChecksumBLAKE3 = "blake3"
)

// Checksum accumulates a hash of every byte that passes through it. It is a
// pass-through stage: Writer and Reader never alter content.
type Checksum struct {
	algorithm string
	h         hash.Hash
	n         int64
}

func NewChecksum(algorithm string) (*Checksum, error) {
	switch algorithm {
	case ChecksumSHA256, "":
		return &Checksum{algorithm: ChecksumSHA256, h: sha256.New()}, nil
	case ChecksumBLAKE3:
		return &Checksum{algorithm: ChecksumBLAKE3, h: blake3.New()}, nil
	default:
		return nil, fault.Newf(fault.KindConfiguration, "pipeline", "unsupported checksum algorithm %q", algorithm)
	}
}

func (c *Checksum) Name() string      { return "checksum" }
func (c *Checksum) Algorithm() string { return c.algorithm }

func (c *Checksum) Write(p []byte) (int, error) {
	n, _ := c.h.Write(p)
	c.n += int64(n)
	return n, nil
}

func (c *Checksum) Writer(dst io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{io.MultiWriter(dst, c)}, nil
}

func (c *Checksum) Reader(src io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(io.TeeReader(src, c)), nil
}

// Sum returns the lowercase hex digest of the bytes seen so far.
func (c *Checksum) Sum() string {
	return hex.EncodeToString(c.h.Sum(nil))
}

func (c *Checksum) Bytes() int64 { return c.n }

// Verify compares the accumulated digest and length against the expected ones.
func (c *Checksum) Verify(wantSum string, wantSize int64) error {
	if c.n != wantSize {
		return fault.Newf(fault.KindChecksumMismatch, "verify", "size mismatch: got %d bytes, want %d", c.n, wantSize)
	}
	if got := c.Sum(); got != wantSum {
		return fault.Newf(fault.KindChecksumMismatch, "verify", "%s mismatch: got %s, want %s", c.algorithm, got, wantSum)
	}
	return nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
