package pipeline

import (
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"dbkp/internal/fault"
)

const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

type compression struct {
	algorithm string
	level     int
}

func newCompression(algorithm string, level int) (*compression, error) {
	switch algorithm {
	case CompressionGzip, CompressionZstd, CompressionLZ4:
		return &compression{algorithm: algorithm, level: level}, nil
	default:
		return nil, fault.Newf(fault.KindConfiguration, "pipeline", "unsupported compression algorithm %q", algorithm)
	}
}

func (c *compression) Name() string { return c.algorithm }

func (c *compression) Writer(dst io.Writer) (io.WriteCloser, error) {
	switch c.algorithm {
	case CompressionGzip:
		level := c.level
		if level < gzip.BestSpeed || level > gzip.BestCompression {
			level = gzip.DefaultCompression
		}
		return gzip.NewWriterLevel(dst, level)
	case CompressionZstd:
		return zstd.NewWriter(dst, zstd.WithEncoderLevel(zstdLevel(c.level)))
	default:
		w := lz4.NewWriter(dst)
		if err := w.Apply(lz4.CompressionLevelOption(lz4Level(c.level))); err != nil {
			return nil, err
		}
		return w, nil
	}
}

func (c *compression) Reader(src io.Reader) (io.ReadCloser, error) {
	switch c.algorithm {
	case CompressionGzip:
		r, err := gzip.NewReader(src)
		if err != nil {
			return nil, classify("gzip", err)
		}
		return &checkedReader{r: r, stage: "gzip", close: r.Close}, nil
	case CompressionZstd:
		d, err := zstd.NewReader(src)
		if err != nil {
			return nil, classify("zstd", err)
		}
		return &checkedReader{r: d, stage: "zstd", close: func() error { d.Close(); return nil }}, nil
	default:
		return &checkedReader{r: lz4.NewReader(src), stage: "lz4"}, nil
	}
}

// zstdLevel maps 1-22 onto the encoder's four speed presets.
func zstdLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 0:
		return zstd.SpeedDefault
	case level <= 1:
		return zstd.SpeedFastest
	case level <= 3:
		return zstd.SpeedDefault
	case level <= 6:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

var lz4Levels = [...]lz4.CompressionLevel{
	lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4, lz4.Level5,
	lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
}

func lz4Level(level int) lz4.CompressionLevel {
	if level <= 0 {
		return lz4.Fast
	}
	if level > len(lz4Levels) {
		level = len(lz4Levels)
	}
	return lz4Levels[level-1]
}

func compressionExt(algorithm string) string {
	switch algorithm {
	case CompressionGzip:
		return ".gz"
	case CompressionZstd:
		return ".zst"
	case CompressionLZ4:
		return ".lz4"
	default:
		return ""
	}
}

// checkedReader reports decoder failures as integrity errors: a stream that
// passed decryption but fails to decompress is corrupt.
type checkedReader struct {
	r     io.Reader
	stage string
	close func() error
}

func (c *checkedReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if err != nil && err != io.EOF {
		return n, classify(c.stage, err)
	}
	return n, err
}

func (c *checkedReader) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}

// classify passes through errors that already carry a kind (an upstream
// authentication failure, a cancellation) and marks the rest as corruption.
func classify(stage string, err error) error {
	if fault.KindOf(err) != fault.KindInternal {
		return err
	}
	return fault.New(fault.KindChecksumMismatch, "decode "+stage, err)
}
