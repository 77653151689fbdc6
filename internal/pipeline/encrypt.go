package pipeline

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"

	"dbkp/internal/fault"
)

// CipherAESGCMStream is AES-256-GCM applied to fixed-size segments. Each
// segment nonce is prefix || counter || last-flag and every segment
// authenticates the stream header, so truncation, reordering and bit flips
// all fail to open.
const CipherAESGCMStream = "aes-256-gcm-stream"

const (
	streamMagic    = "DBKP"
	streamVersion  = 1
	saltSize       = 16
	noncePrefixLen = 7
	headerSize     = len(streamMagic) + 1 + 1 + saltSize + noncePrefixLen
	segmentSize    = 64 << 10
	tagSize        = 16
	encSegmentSize = segmentSize + tagSize
)

type encryption struct {
	key *Key
}

func newEncryption(key *Key) *encryption {
	return &encryption{key: key}
}

func (e *encryption) Name() string { return "encrypt" }

func (e *encryption) Writer(dst io.Writer) (io.WriteCloser, error) {
	header := make([]byte, headerSize)
	copy(header, streamMagic)
	header[4] = streamVersion
	header[5] = e.key.kdf()
	if _, err := rand.Read(header[6:]); err != nil {
		return nil, err
	}
	salt := header[6 : 6+saltSize]
	k, err := e.key.derive(header[5], salt)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(k)
	if err != nil {
		return nil, err
	}
	w := &encWriter{dst: dst, aead: aead, header: header, buf: make([]byte, 0, segmentSize)}
	copy(w.prefix[:], header[6+saltSize:])
	return w, nil
}

func (e *encryption) Reader(src io.Reader) (io.ReadCloser, error) {
	return &decReader{src: src, key: e.key}, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func segmentNonce(prefix [noncePrefixLen]byte, counter uint32, last bool) []byte {
	nonce := make([]byte, 12)
	copy(nonce, prefix[:])
	binary.BigEndian.PutUint32(nonce[noncePrefixLen:], counter)
	if last {
		nonce[11] = 1
	}
	return nonce
}

var errTooManySegments = errors.New("stream exceeds maximum segment count")

type encWriter struct {
	dst         io.Writer
	aead        cipher.AEAD
	header      []byte
	prefix      [noncePrefixLen]byte
	counter     uint32
	buf         []byte
	out         []byte
	wroteHeader bool
	closed      bool
	err         error
}

func (w *encWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	if w.closed {
		return 0, errors.New("write to closed encryption stream")
	}
	n := 0
	for len(p) > 0 {
		// A full segment is only sealed once more data arrives, so the final
		// segment is always the one sealed by Close.
		if len(w.buf) == segmentSize {
			if err := w.seal(false); err != nil {
				return n, err
			}
		}
		k := copy(w.buf[len(w.buf):segmentSize], p)
		w.buf = w.buf[:len(w.buf)+k]
		p = p[k:]
		n += k
	}
	return n, nil
}

func (w *encWriter) seal(last bool) error {
	if !w.wroteHeader {
		if _, err := w.dst.Write(w.header); err != nil {
			w.err = err
			return err
		}
		w.wroteHeader = true
	}
	if !last && w.counter == ^uint32(0) {
		w.err = errTooManySegments
		return w.err
	}
	w.out = w.aead.Seal(w.out[:0], segmentNonce(w.prefix, w.counter, last), w.buf, w.header)
	if _, err := w.dst.Write(w.out); err != nil {
		w.err = err
		return err
	}
	w.counter++
	w.buf = w.buf[:0]
	return nil
}

func (w *encWriter) Close() error {
	if w.closed {
		return w.err
	}
	w.closed = true
	if w.err != nil {
		return w.err
	}
	return w.seal(true)
}

type decReader struct {
	src     io.Reader
	key     *Key
	aead    cipher.AEAD
	header  []byte
	prefix  [noncePrefixLen]byte
	counter uint32
	enc     []byte
	extra   []byte
	plain   []byte
	pos     int
	done    bool
	err     error
}

func (r *decReader) Read(p []byte) (int, error) {
	for r.pos == len(r.plain) {
		if r.err != nil {
			return 0, r.err
		}
		if r.done {
			return 0, io.EOF
		}
		if err := r.next(); err != nil {
			r.err = err
			return 0, err
		}
	}
	n := copy(p, r.plain[r.pos:])
	r.pos += n
	return n, nil
}

func (r *decReader) init() error {
	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r.src, header); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return fault.Auth("decrypt", errors.New("stream header truncated"))
		}
		return err
	}
	if !bytes.Equal(header[:4], []byte(streamMagic)) {
		return fault.Auth("decrypt", errors.New("not an encrypted dbkp stream"))
	}
	if header[4] != streamVersion {
		return fault.Auth("decrypt", errors.New("unsupported stream version"))
	}
	k, err := r.key.derive(header[5], header[6:6+saltSize])
	if err != nil {
		return err
	}
	aead, err := newAEAD(k)
	if err != nil {
		return err
	}
	r.aead = aead
	r.header = header
	copy(r.prefix[:], header[6+saltSize:])
	r.enc = make([]byte, encSegmentSize+1)
	r.extra = make([]byte, 0, 1)
	return nil
}

func (r *decReader) next() error {
	if r.aead == nil {
		if err := r.init(); err != nil {
			return err
		}
	}
	// Read one byte past a full segment: if it exists this segment is not
	// the last one.
	n := copy(r.enc, r.extra)
	m, err := io.ReadFull(r.src, r.enc[n:])
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return err
	}
	total := n + m
	last := total <= encSegmentSize
	seg := r.enc[:total]
	r.extra = r.extra[:0]
	if !last {
		seg = r.enc[:encSegmentSize]
		r.extra = append(r.extra, r.enc[encSegmentSize])
	}
	if len(seg) < tagSize {
		return fault.Auth("decrypt", errors.New("stream truncated"))
	}
	plain, err := r.aead.Open(r.plain[:0], segmentNonce(r.prefix, r.counter, last), seg, r.header)
	if err != nil {
		return fault.Auth("decrypt", errors.New("segment authentication failed"))
	}
	r.plain = plain
	r.pos = 0
	r.counter++
	r.done = last
	return nil
}

func (r *decReader) Close() error { return nil }
