// Package pipeline implements the streaming transforms a backup passes through
// on its way to storage (compress, then encrypt, then checksum) and their
// exact reverse on the way back.
package pipeline

import (
	"encoding/json"
	"fmt"
	"io"

	"dbkp/internal/config"
	"dbkp/internal/fault"
)

// Stage is one reversible byte-stream transform.
type Stage interface {
	Name() string
	// Writer returns a writer that transforms bytes written to it into dst.
	// Closing it flushes the stage but does not close dst.
	Writer(dst io.Writer) (io.WriteCloser, error)
	// Reader returns a reader that undoes the transform on src.
	Reader(src io.Reader) (io.ReadCloser, error)
}

type StageKind string

const (
	KindCompress StageKind = "compress"
	KindEncrypt  StageKind = "encrypt"
)

// StageSpec describes one stage in a persisted Config.
type StageSpec struct {
	Kind      StageKind `json:"kind"`
	Algorithm string    `json:"algorithm"`
	Level     int       `json:"level,omitempty"`
	KeyRef    string    `json:"key_ref,omitempty"`
}

// Config is the ordered stage list stored with every backup record so a
// restore can rebuild the exact chain that produced the artifact.
type Config struct {
	Stages   []StageSpec `json:"stages"`
	Checksum string      `json:"checksum"`
}

// FromSettings converts the user facing pipeline settings into a Config.
func FromSettings(p config.PipelineConfig) Config {
	var c Config
	if alg := p.Compression.Algorithm; alg != "" && alg != CompressionNone {
		c.Stages = append(c.Stages, StageSpec{Kind: KindCompress, Algorithm: alg, Level: p.Compression.Level})
	}
	if p.Encryption.Enabled {
		c.Stages = append(c.Stages, StageSpec{Kind: KindEncrypt, Algorithm: CipherAESGCMStream, KeyRef: keyRef(p.Encryption)})
	}
	c.Checksum = p.Checksum.Algorithm
	if c.Checksum == "" {
		c.Checksum = ChecksumSHA256
	}
	return c
}

// Encrypted reports whether the chain contains an encryption stage.
func (c Config) Encrypted() bool {
	for _, s := range c.Stages {
		if s.Kind == KindEncrypt {
			return true
		}
	}
	return false
}

// KeyRef names the key source of the encryption stage, or "".
func (c Config) KeyRef() string {
	for _, s := range c.Stages {
		if s.Kind == KindEncrypt {
			return s.KeyRef
		}
	}
	return ""
}

// Extension is the file suffix for artifacts produced by c, e.g. ".zst.enc".
func (c Config) Extension() string {
	ext := ""
	for _, s := range c.Stages {
		switch s.Kind {
		case KindCompress:
			ext += compressionExt(s.Algorithm)
		case KindEncrypt:
			ext += ".enc"
		}
	}
	return ext
}

// Validate checks that c is buildable and that encryption, if present, is the
// last stage applied.
func (c Config) Validate() error {
	for i, s := range c.Stages {
		switch s.Kind {
		case KindCompress:
			if _, err := newCompression(s.Algorithm, s.Level); err != nil {
				return err
			}
		case KindEncrypt:
			if s.Algorithm != CipherAESGCMStream {
				return fault.Newf(fault.KindConfiguration, "pipeline", "unknown cipher %q", s.Algorithm)
			}
			if i != len(c.Stages)-1 {
				return fault.Newf(fault.KindConfiguration, "pipeline", "encryption must be the last stage")
			}
		default:
			return fault.Newf(fault.KindConfiguration, "pipeline", "unknown stage kind %q", s.Kind)
		}
	}
	if _, err := NewChecksum(c.Checksum); err != nil {
		return err
	}
	return nil
}

func (c Config) Marshal() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func ParseConfig(s string) (Config, error) {
	var c Config
	if err := json.Unmarshal([]byte(s), &c); err != nil {
		return Config{}, fmt.Errorf("parse pipeline config: %w", err)
	}
	return c, nil
}

// Pipeline is a built, single-use chain of stages plus the checksum over the
// post-pipeline bytes.
type Pipeline struct {
	stages   []Stage
	checksum *Checksum
	rawIn    countingWriter
}

// Build instantiates the stages described by cfg. key may be nil when cfg has
// no encryption stage.
func Build(cfg Config, key *Key) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sum, err := NewChecksum(cfg.Checksum)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{checksum: sum}
	for _, s := range cfg.Stages {
		switch s.Kind {
		case KindCompress:
			st, err := newCompression(s.Algorithm, s.Level)
			if err != nil {
				return nil, err
			}
			p.stages = append(p.stages, st)
		case KindEncrypt:
			if key == nil {
				return nil, fault.Newf(fault.KindConfiguration, "pipeline", "encryption key %q not available", s.KeyRef)
			}
			p.stages = append(p.stages, newEncryption(key))
		}
	}
	return p, nil
}

// Encode returns a writer that feeds raw bytes through every stage into dst.
// The checksum covers exactly the bytes that reach dst.
func (p *Pipeline) Encode(dst io.Writer) (io.WriteCloser, error) {
	var w io.Writer = io.MultiWriter(dst, p.checksum)
	closers := make([]io.Closer, 0, len(p.stages))
	for i := len(p.stages) - 1; i >= 0; i-- {
		sw, err := p.stages[i].Writer(w)
		if err != nil {
			return nil, fault.New(fault.KindInternal, "pipeline "+p.stages[i].Name(), err)
		}
		closers = append(closers, sw)
		w = sw
	}
	p.rawIn.w = w
	// Outermost stage first so each flush lands in the next one down.
	for i, j := 0, len(closers)-1; i < j; i, j = i+1, j-1 {
		closers[i], closers[j] = closers[j], closers[i]
	}
	return &chainWriter{Writer: &p.rawIn, closers: closers}, nil
}

// Decode returns a reader producing the original raw bytes from src. The
// checksum covers the bytes read from src.
func (p *Pipeline) Decode(src io.Reader) (io.ReadCloser, error) {
	var r io.Reader = io.TeeReader(src, p.checksum)
	closers := make([]io.Closer, 0, len(p.stages))
	for i := len(p.stages) - 1; i >= 0; i-- {
		sr, err := p.stages[i].Reader(r)
		if err != nil {
			closeAll(closers)
			return nil, err
		}
		closers = append(closers, sr)
		r = sr
	}
	return &chainReader{Reader: r, closers: closers}, nil
}

// Sum is the hex checksum of the post-pipeline bytes seen so far.
func (p *Pipeline) Sum() string { return p.checksum.Sum() }

// Bytes is the number of post-pipeline bytes seen so far.
func (p *Pipeline) Bytes() int64 { return p.checksum.Bytes() }

// RawBytes is the number of bytes written into Encode.
func (p *Pipeline) RawBytes() int64 { return p.rawIn.n }

func (p *Pipeline) ChecksumAlgorithm() string { return p.checksum.Algorithm() }

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(b []byte) (int, error) {
	n, err := c.w.Write(b)
	c.n += int64(n)
	return n, err
}

type chainWriter struct {
	io.Writer
	closers []io.Closer
	closed  bool
}

func (c *chainWriter) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil {
			return err
		}
	}
	return nil
}

type chainReader struct {
	io.Reader
	closers []io.Closer
}

func (c *chainReader) Close() error {
	return closeAll(c.closers)
}

func closeAll(closers []io.Closer) error {
	var first error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
