package ridtree

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// KeySerializer is C3's key half: encode/decode keys to bytes, probe
// their size, and normalize them (collation, type coercion) before the
// tree ever compares two of them. A tree is configured with exactly one
// KeySerializer at create/load time.
type KeySerializer interface {
	// ID identifies the serializer in WAL component-operation records.
	ID() string
	// Preprocess applies collation/type coercion ahead of serialization
	// and comparison (§4.5 step 3).
	Preprocess(k Key) (Key, error)
	// Serialize encodes a (preprocessed) key to its canonical byte form.
	Serialize(k Key) ([]byte, error)
	// Deserialize is Serialize's inverse.
	Deserialize(buf []byte) (Key, error)
	// ObjectSize reports the serialized size of k in bytes.
	ObjectSize(k Key) int
}

// Encryptor is C3's optional encryption half. When configured, a leaf's
// key bytes are prefixed with a 4-byte plaintext length and the
// ciphertext follows (§3 "Key"). nil means encryption is disabled.
type Encryptor interface {
	Name() string
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(data []byte, offset, length int) ([]byte, error)
}

// ───────────────────────────────────────────────────────────────────────────
// Default tagged-item serializer
// ───────────────────────────────────────────────────────────────────────────

const (
	tagInt64  byte = 1
	tagFloat  byte = 2
	tagString byte = 3
	tagBytes  byte = 4
	tagBool   byte = 5
)

// DefaultKeySerializer encodes composite keys item-by-item with a type
// tag, supporting int64, float64, string, []byte and bool items. It
// performs no collation; string items are compared byte-for-byte.
type DefaultKeySerializer struct{}

func (DefaultKeySerializer) ID() string { return "default/tagged-v1" }

func (DefaultKeySerializer) Preprocess(k Key) (Key, error) { return k, nil }

func (DefaultKeySerializer) Serialize(k Key) ([]byte, error) {
	var buf []byte
	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(len(k)))
	buf = append(buf, hdr[:]...)
	for _, item := range k {
		b, err := encodeItem(item)
		if err != nil {
			return nil, err
		}
		buf = append(buf, b...)
	}
	return buf, nil
}

func encodeItem(item any) ([]byte, error) {
	switch v := item.(type) {
	case int64:
		b := make([]byte, 9)
		b[0] = tagInt64
		binary.BigEndian.PutUint64(b[1:], uint64(v)^(1<<63))
		return b, nil
	case int:
		return encodeItem(int64(v))
	case float64:
		b := make([]byte, 9)
		b[0] = tagFloat
		binary.BigEndian.PutUint64(b[1:], math.Float64bits(v))
		return b, nil
	case string:
		sb := []byte(v)
		b := make([]byte, 3+len(sb))
		b[0] = tagString
		binary.LittleEndian.PutUint16(b[1:3], uint16(len(sb)))
		copy(b[3:], sb)
		return b, nil
	case []byte:
		b := make([]byte, 3+len(v))
		b[0] = tagBytes
		binary.LittleEndian.PutUint16(b[1:3], uint16(len(v)))
		copy(b[3:], v)
		return b, nil
	case bool:
		b := make([]byte, 2)
		b[0] = tagBool
		if v {
			b[1] = 1
		}
		return b, nil
	default:
		return nil, fmt.Errorf("ridtree: unsupported key item type %T", item)
	}
}

func (DefaultKeySerializer) Deserialize(buf []byte) (Key, error) {
	if len(buf) < 2 {
		return nil, fmt.Errorf("ridtree: truncated key header")
	}
	n := int(binary.LittleEndian.Uint16(buf[0:2]))
	off := 2
	k := make(Key, 0, n)
	for i := 0; i < n; i++ {
		if off >= len(buf) {
			return nil, fmt.Errorf("ridtree: truncated key item %d", i)
		}
		tag := buf[off]
		switch tag {
		case tagInt64:
			v := int64(binary.BigEndian.Uint64(buf[off+1:off+9]) ^ (1 << 63))
			k = append(k, v)
			off += 9
		case tagFloat:
			v := math.Float64frombits(binary.BigEndian.Uint64(buf[off+1 : off+9]))
			k = append(k, v)
			off += 9
		case tagString:
			l := int(binary.LittleEndian.Uint16(buf[off+1 : off+3]))
			k = append(k, string(buf[off+3:off+3+l]))
			off += 3 + l
		case tagBytes:
			l := int(binary.LittleEndian.Uint16(buf[off+1 : off+3]))
			raw := make([]byte, l)
			copy(raw, buf[off+3:off+3+l])
			k = append(k, raw)
			off += 3 + l
		case tagBool:
			k = append(k, buf[off+1] != 0)
			off += 2
		default:
			return nil, fmt.Errorf("ridtree: unknown key item tag %d", tag)
		}
	}
	return k, nil
}

func (s DefaultKeySerializer) ObjectSize(k Key) int {
	b, err := s.Serialize(k)
	if err != nil {
		return 0
	}
	return len(b)
}

// ───────────────────────────────────────────────────────────────────────────
// Collation-aware string serializer
// ───────────────────────────────────────────────────────────────────────────

// CollatedKeySerializer preprocesses string key items through a
// golang.org/x/text/collate collation key so that comparison (and hence
// tree ordering) follows locale rules instead of raw byte order. All
// other item types pass through DefaultKeySerializer unchanged.
type CollatedKeySerializer struct {
	collator *collate.Collator
	inner    DefaultKeySerializer
}

// NewCollatedKeySerializer builds a serializer collating strings under tag.
func NewCollatedKeySerializer(tag language.Tag) *CollatedKeySerializer {
	return &CollatedKeySerializer{collator: collate.New(tag)}
}

func (s *CollatedKeySerializer) ID() string { return "collated/" + s.collator.String() }

// Preprocess replaces every string item with its collation sort key so
// later byte-order comparisons (and the default serializer's encoding)
// respect locale collation rather than UTF-8 code-point order.
func (s *CollatedKeySerializer) Preprocess(k Key) (Key, error) {
	out := make(Key, len(k))
	var buf collate.Buffer
	for i, item := range k {
		if str, ok := item.(string); ok {
			out[i] = string(s.collator.KeyFromString(&buf, str))
			buf.Reset()
			continue
		}
		out[i] = item
	}
	return out, nil
}

func (s *CollatedKeySerializer) Serialize(k Key) ([]byte, error)   { return s.inner.Serialize(k) }
func (s *CollatedKeySerializer) Deserialize(b []byte) (Key, error) { return s.inner.Deserialize(b) }
func (s *CollatedKeySerializer) ObjectSize(k Key) int              { return s.inner.ObjectSize(k) }

// ───────────────────────────────────────────────────────────────────────────
// AEAD encryption collaborator
// ───────────────────────────────────────────────────────────────────────────

// AEADEncryption implements Encryptor with XChaCha20-Poly1305. The cipher
// key is derived from a passphrase via HKDF-SHA256 so callers configure
// the tree with a human passphrase (from YAML config, §10) rather than a
// raw key. Ciphertext is nonce(24) || seal(plaintext).
type AEADEncryption struct {
	aead   interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

// NewAEADEncryption derives a 256-bit key from passphrase+salt and
// constructs an XChaCha20-Poly1305 AEAD.
func NewAEADEncryption(passphrase, salt []byte) (*AEADEncryption, error) {
	var key [chacha20poly1305.KeySize]byte
	kdf := hkdf.New(sha256.New, passphrase, salt, []byte("ridtree-key-encryption"))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &AEADEncryption{aead: aead}, nil
}

func (e *AEADEncryption) Name() string { return "xchacha20poly1305/hkdf-sha256" }

func (e *AEADEncryption) Encrypt(plain []byte) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plain)+chacha20poly1305.Overhead)
	out = append(out, nonce...)
	return e.aead.Seal(out, nonce, plain, nil), nil
}

func (e *AEADEncryption) Decrypt(data []byte, offset, length int) ([]byte, error) {
	region := data[offset : offset+length]
	ns := e.aead.NonceSize()
	if len(region) < ns {
		return nil, fmt.Errorf("ridtree: ciphertext shorter than nonce")
	}
	return e.aead.Open(nil, region[:ns], region[ns:], nil)
}
