package pipeline

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	mrand "math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbkp/internal/config"
	"dbkp/internal/fault"
)

func testKey(t *testing.T) *Key {
	t.Helper()
	b := make([]byte, KeySize)
	_, err := rand.Read(b)
	require.NoError(t, err)
	k, err := RawKey(b)
	require.NoError(t, err)
	return k
}

// dumpLike returns compressible but non-trivial content.
func dumpLike(n int) []byte {
	r := mrand.New(mrand.NewSource(42))
	var buf bytes.Buffer
	for buf.Len() < n {
		buf.WriteString("INSERT INTO orders VALUES (")
		buf.WriteString(hex.EncodeToString([]byte{byte(r.Intn(256)), byte(r.Intn(256))}))
		buf.WriteString(");\n")
	}
	return buf.Bytes()[:n]
}

func encode(t *testing.T, cfg Config, key *Key, raw []byte) ([]byte, *Pipeline) {
	t.Helper()
	p, err := Build(cfg, key)
	require.NoError(t, err)
	var out bytes.Buffer
	w, err := p.Encode(&out)
	require.NoError(t, err)
	_, err = io.Copy(w, bytes.NewReader(raw))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return out.Bytes(), p
}

func decode(cfg Config, key *Key, enc []byte) ([]byte, *Pipeline, error) {
	p, err := Build(cfg, key)
	if err != nil {
		return nil, nil, err
	}
	r, err := p.Decode(bytes.NewReader(enc))
	if err != nil {
		return nil, p, err
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	return out, p, err
}

func TestRoundTrip(t *testing.T) {
	key := testKey(t)
	raw := dumpLike(3*segmentSize + 1234)

	for _, comp := range []string{CompressionNone, CompressionGzip, CompressionZstd, CompressionLZ4} {
		for _, enc := range []bool{false, true} {
			for _, sum := range []string{ChecksumSHA256, ChecksumBLAKE3} {
				name := comp + "/" + sum
				if enc {
					name += "/encrypted"
				}
				t.Run(name, func(t *testing.T) {
					cfg := FromSettings(config.PipelineConfig{
						Compression: config.CompressionConfig{Algorithm: comp, Level: 3},
						Encryption:  config.EncryptionConfig{Enabled: enc, KeySource: config.KeySourceEnv, KeyEnv: "K"},
						Checksum:    config.ChecksumConfig{Algorithm: sum},
					})
					out, bp := encode(t, cfg, key, raw)
					assert.Equal(t, int64(len(raw)), bp.RawBytes())
					assert.Equal(t, int64(len(out)), bp.Bytes())

					got, rp, err := decode(cfg, key, out)
					require.NoError(t, err)
					assert.True(t, bytes.Equal(raw, got), "round trip must be byte-identical")
					assert.Equal(t, bp.Sum(), rp.Sum())
				})
			}
		}
	}
}

func TestRoundTrip_EmptyAndSegmentBoundaries(t *testing.T) {
	key := testKey(t)
	cfg := Config{Stages: []StageSpec{{Kind: KindEncrypt, Algorithm: CipherAESGCMStream}}, Checksum: ChecksumSHA256}
	for _, n := range []int{0, 1, segmentSize - 1, segmentSize, segmentSize + 1, 2 * segmentSize} {
		raw := dumpLike(n)
		out, _ := encode(t, cfg, key, raw)
		got, _, err := decode(cfg, key, out)
		require.NoError(t, err, "size %d", n)
		assert.Equal(t, len(raw), len(got), "size %d", n)
		assert.True(t, bytes.Equal(raw, got), "size %d", n)
	}
}

func TestChecksumCoversCiphertext(t *testing.T) {
	key := testKey(t)
	cfg := Config{
		Stages:   []StageSpec{{Kind: KindCompress, Algorithm: CompressionZstd}, {Kind: KindEncrypt, Algorithm: CipherAESGCMStream}},
		Checksum: ChecksumSHA256,
	}
	out, p := encode(t, cfg, key, dumpLike(10_000))
	want := sha256.Sum256(out)
	assert.Equal(t, hex.EncodeToString(want[:]), p.Sum())
}

func TestTamperingFailsClosed(t *testing.T) {
	key := testKey(t)
	cfg := Config{
		Stages:   []StageSpec{{Kind: KindCompress, Algorithm: CompressionGzip}, {Kind: KindEncrypt, Algorithm: CipherAESGCMStream}},
		Checksum: ChecksumSHA256,
	}
	out, _ := encode(t, cfg, key, dumpLike(5*segmentSize))

	cases := map[string]func([]byte) []byte{
		"flipped byte in body": func(b []byte) []byte {
			c := append([]byte(nil), b...)
			c[len(c)/2] ^= 0x01
			return c
		},
		"flipped byte in header": func(b []byte) []byte {
			c := append([]byte(nil), b...)
			c[10] ^= 0x80
			return c
		},
		"truncated at segment boundary": func(b []byte) []byte {
			return append([]byte(nil), b[:headerSize+encSegmentSize]...)
		},
		"truncated mid segment": func(b []byte) []byte {
			return append([]byte(nil), b[:len(b)-5]...)
		},
		"key derivation byte flipped": func(b []byte) []byte {
			c := append([]byte(nil), b...)
			c[5] ^= 0x01
			return c
		},
		"unknown key derivation": func(b []byte) []byte {
			c := append([]byte(nil), b...)
			c[5] = 0x7f
			return c
		},
		"salt byte flipped": func(b []byte) []byte {
			c := append([]byte(nil), b...)
			c[6] ^= 0x01
			return c
		},
		"bad magic": func(b []byte) []byte {
			c := append([]byte(nil), b...)
			c[0] = 'X'
			return c
		},
		"header only": func(b []byte) []byte {
			return append([]byte(nil), b[:headerSize]...)
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := decode(cfg, key, mutate(out))
			require.Error(t, err)
			assert.Equal(t, fault.KindAuthenticationFailure, fault.KindOf(err))
		})
	}
}

func TestSegmentReorderDetected(t *testing.T) {
	key := testKey(t)
	cfg := Config{Stages: []StageSpec{{Kind: KindEncrypt, Algorithm: CipherAESGCMStream}}, Checksum: ChecksumSHA256}
	raw := make([]byte, 3*segmentSize)
	_, _ = rand.Read(raw)
	out, _ := encode(t, cfg, key, raw)

	swapped := append([]byte(nil), out...)
	a := swapped[headerSize : headerSize+encSegmentSize]
	b := append([]byte(nil), swapped[headerSize+encSegmentSize:headerSize+2*encSegmentSize]...)
	copy(swapped[headerSize+encSegmentSize:], a)
	copy(swapped[headerSize:], b)

	_, _, err := decode(cfg, key, swapped)
	assert.Equal(t, fault.KindAuthenticationFailure, fault.KindOf(err))
}

func TestWrongKeyFails(t *testing.T) {
	cfg := Config{Stages: []StageSpec{{Kind: KindEncrypt, Algorithm: CipherAESGCMStream}}, Checksum: ChecksumSHA256}
	out, _ := encode(t, cfg, testKey(t), []byte("secret dump"))
	_, _, err := decode(cfg, testKey(t), out)
	assert.Equal(t, fault.KindAuthenticationFailure, fault.KindOf(err))
}

func TestPassphraseKey(t *testing.T) {
	cfg := Config{Stages: []StageSpec{{Kind: KindEncrypt, Algorithm: CipherAESGCMStream}}, Checksum: ChecksumBLAKE3}
	k1, err := PassphraseKey("correct horse battery staple")
	require.NoError(t, err)
	out, _ := encode(t, cfg, k1, []byte("payload"))

	got, _, err := decode(cfg, k1, out)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))

	k2, _ := PassphraseKey("wrong")
	_, _, err = decode(cfg, k2, out)
	assert.Equal(t, fault.KindAuthenticationFailure, fault.KindOf(err))

	_, _, err = decode(cfg, testKey(t), out)
	assert.Equal(t, fault.KindAuthenticationFailure, fault.KindOf(err), "raw key cannot open a passphrase stream")
}

func TestRawKeyDerivesPerStreamKey(t *testing.T) {
	key := testKey(t)
	saltA := bytes.Repeat([]byte{0x01}, saltSize)
	saltB := bytes.Repeat([]byte{0x02}, saltSize)

	a, err := key.derive(kdfRaw, saltA)
	require.NoError(t, err)
	require.Len(t, a, KeySize)
	again, err := key.derive(kdfRaw, saltA)
	require.NoError(t, err)
	b, err := key.derive(kdfRaw, saltB)
	require.NoError(t, err)

	assert.Equal(t, a, again)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, key.raw, a, "the configured key is never used directly")
}

func TestRawKeyStreamsDiffer(t *testing.T) {
	key := testKey(t)
	cfg := Config{Stages: []StageSpec{{Kind: KindEncrypt, Algorithm: CipherAESGCMStream}}, Checksum: ChecksumSHA256}
	raw := []byte("same dump twice")

	first, _ := encode(t, cfg, key, raw)
	second, _ := encode(t, cfg, key, raw)
	assert.NotEqual(t, first[headerSize:], second[headerSize:])

	got, _, err := decode(cfg, key, second)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestCorruptCompressedStream(t *testing.T) {
	cfg := Config{Stages: []StageSpec{{Kind: KindCompress, Algorithm: CompressionZstd}}, Checksum: ChecksumSHA256}
	out, _ := encode(t, cfg, nil, dumpLike(200_000))
	bad := append([]byte(nil), out...)
	for i := len(bad) / 3; i < len(bad)/3+64; i++ {
		bad[i] ^= 0xff
	}
	_, _, err := decode(cfg, nil, bad)
	require.Error(t, err)
	assert.Equal(t, fault.KindChecksumMismatch, fault.KindOf(err))
}

func TestConfigValidate(t *testing.T) {
	bad := Config{
		Stages:   []StageSpec{{Kind: KindEncrypt, Algorithm: CipherAESGCMStream}, {Kind: KindCompress, Algorithm: CompressionGzip}},
		Checksum: ChecksumSHA256,
	}
	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "encryption must be the last stage")

	assert.Error(t, Config{Stages: []StageSpec{{Kind: KindCompress, Algorithm: "brotli"}}}.Validate())
	assert.Error(t, Config{Checksum: "md5"}.Validate())

	_, err = Build(Config{Stages: []StageSpec{{Kind: KindEncrypt, Algorithm: CipherAESGCMStream, KeyRef: "env:K"}}}, nil)
	assert.Equal(t, fault.KindConfiguration, fault.KindOf(err))
}

func TestConfigMarshalAndExtension(t *testing.T) {
	cfg := FromSettings(config.PipelineConfig{
		Compression: config.CompressionConfig{Algorithm: "zstd", Level: 6},
		Encryption:  config.EncryptionConfig{Enabled: true, KeySource: config.KeySourceFile, KeyFile: "/k"},
	})
	assert.Equal(t, ".zst.enc", cfg.Extension())
	assert.True(t, cfg.Encrypted())
	assert.Equal(t, ChecksumSHA256, cfg.Checksum)

	s, err := cfg.Marshal()
	require.NoError(t, err)
	back, err := ParseConfig(s)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
	assert.Equal(t, "file:/k", back.Stages[1].KeyRef)

	assert.Equal(t, "", FromSettings(config.PipelineConfig{Compression: config.CompressionConfig{Algorithm: "none"}}).Extension())
}

func TestLoadKey(t *testing.T) {
	hexKey := hex.EncodeToString(bytes.Repeat([]byte{7}, KeySize))
	t.Setenv("DBKP_TEST_KEY", hexKey)

	k, err := LoadKey(config.EncryptionConfig{Enabled: true, KeySource: config.KeySourceEnv, KeyEnv: "DBKP_TEST_KEY"})
	require.NoError(t, err)
	require.NotNil(t, k)

	k, err = LoadKey(config.EncryptionConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, k)

	_, err = LoadKey(config.EncryptionConfig{Enabled: true, KeySource: config.KeySourceEnv, KeyEnv: "DBKP_TEST_MISSING"})
	assert.Equal(t, fault.KindConfiguration, fault.KindOf(err))

	t.Setenv("DBKP_TEST_SHORT", "abcd")
	_, err = LoadKey(config.EncryptionConfig{Enabled: true, KeySource: config.KeySourceEnv, KeyEnv: "DBKP_TEST_SHORT"})
	assert.Equal(t, fault.KindConfiguration, fault.KindOf(err))
}

func TestKeyForRef(t *testing.T) {
	hexKey := hex.EncodeToString(bytes.Repeat([]byte{9}, KeySize))
	t.Setenv("DBKP_TEST_REF_KEY", hexKey)

	cfg := FromSettings(config.PipelineConfig{
		Compression: config.CompressionConfig{Algorithm: CompressionZstd},
		Encryption:  config.EncryptionConfig{Enabled: true, KeySource: config.KeySourceEnv, KeyEnv: "DBKP_TEST_REF_KEY"},
	})
	assert.Equal(t, "env:DBKP_TEST_REF_KEY", cfg.KeyRef())

	k, err := KeyForRef(cfg.KeyRef())
	require.NoError(t, err)
	require.NotNil(t, k)

	_, err = KeyForRef("env")
	assert.Equal(t, fault.KindConfiguration, fault.KindOf(err))
	_, err = KeyForRef("vault:secret/x")
	assert.Equal(t, fault.KindConfiguration, fault.KindOf(err))
	assert.Equal(t, "", Config{}.KeyRef())
}

func TestChecksumVerify(t *testing.T) {
	c, err := NewChecksum(ChecksumSHA256)
	require.NoError(t, err)
	_, _ = c.Write([]byte("abc"))
	sum := c.Sum()

	assert.NoError(t, c.Verify(sum, 3))
	assert.NoError(t, c.Verify(sum, 3), "verification is repeatable")
	assert.Equal(t, fault.KindChecksumMismatch, fault.KindOf(c.Verify(sum, 4)))
	assert.Equal(t, fault.KindChecksumMismatch, fault.KindOf(c.Verify("00", 3)))
}

func TestChannel_DeliversInOrder(t *testing.T) {
	ch := NewChannel(context.Background(), 2)
	want := dumpLike(100_000)

	go func() {
		for i := 0; i < len(want); i += 777 {
			end := i + 777
			if end > len(want) {
				end = len(want)
			}
			if _, err := ch.Write(want[i:end]); err != nil {
				return
			}
		}
		ch.Close()
	}()

	got, err := io.ReadAll(ch)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(want, got))
}

func TestChannel_Backpressure(t *testing.T) {
	ch := NewChannel(context.Background(), 2)
	_, err := ch.Write([]byte("a"))
	require.NoError(t, err)
	_, err = ch.Write([]byte("b"))
	require.NoError(t, err)

	blocked := make(chan struct{})
	go func() {
		_, _ = ch.Write([]byte("c"))
		close(blocked)
	}()

	select {
	case <-blocked:
		t.Fatal("third write should block until the reader consumes")
	case <-time.After(50 * time.Millisecond):
	}

	buf := make([]byte, 1)
	_, err = ch.Read(buf)
	require.NoError(t, err)

	select {
	case <-blocked:
	case <-time.After(time.Second):
		t.Fatal("write did not unblock after read")
	}
}

func TestChannel_AbortPropagatesBothWays(t *testing.T) {
	boom := errors.New("upload failed")

	ch := NewChannel(context.Background(), 1)
	_, _ = ch.Write([]byte("queued"))
	ch.CloseWithError(boom)

	_, err := ch.Read(make([]byte, 10))
	assert.ErrorIs(t, err, boom, "buffered chunks are discarded after abort")
	_, err = ch.Write([]byte("more"))
	assert.ErrorIs(t, err, boom)
}

func TestChannel_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := NewChannel(ctx, 1)
	_, _ = ch.Write([]byte("fill"))

	done := make(chan error, 1)
	go func() {
		_, err := ch.Write([]byte("blocked"))
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("write did not observe cancellation")
	}
}

func TestChannel_WriteAfterClose(t *testing.T) {
	ch := NewChannel(context.Background(), 1)
	ch.Close()
	_, err := ch.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrChannelClosed)
	_, err = ch.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err)
}
