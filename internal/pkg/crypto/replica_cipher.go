// Package crypto provides at-rest encryption for replica bytes held by
// storage nodes.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// chunkSize is the plaintext chunk size for streaming encryption (1MB).
	chunkSize = 1 << 20

	// KeySize is the master key size for ChaCha20-Poly1305 (32 bytes).
	KeySize = chacha20poly1305.KeySize

	nonceSize = chacha20poly1305.NonceSize

	// headerSize is the per-chunk header: 4 bytes ciphertext length plus the
	// 12-byte nonce.
	headerSize = 4 + nonceSize

	maxCiphertext = chunkSize + chacha20poly1305.Overhead
)

var (
	// ErrInvalidChunk indicates a truncated or oversized chunk.
	ErrInvalidChunk = errors.New("invalid or corrupted chunk")

	// ErrDecryptionFailed indicates chunk authentication failed.
	ErrDecryptionFailed = errors.New("decryption failed: authentication error")
)

// ReplicaCipher derives a per-replica key from a node master key and wraps
// replica streams in authenticated ChaCha20-Poly1305 chunks. Each chunk is
// independently sealed so replicas stream through without buffering whole
// objects.
type ReplicaCipher struct {
	masterKey []byte
}

// NewReplicaCipher creates a cipher from a 32-byte master key.
func NewReplicaCipher(masterKey []byte) (*ReplicaCipher, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey))
	}
	return &ReplicaCipher{masterKey: masterKey}, nil
}

// deriveKey derives a replica-specific key via HKDF. The salt must be unique
// per replica; nodes use object_id:version.
func (c *ReplicaCipher) deriveKey(salt []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, c.masterKey, salt, []byte("bluetap-replica-stream"))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// EncryptReader wraps source so reads produce the encrypted chunk stream:
// [4-byte size][12-byte nonce][ciphertext+tag] per chunk.
func (c *ReplicaCipher) EncryptReader(source io.Reader, salt []byte) (io.Reader, error) {
	aead, err := c.aead(salt)
	if err != nil {
		return nil, err
	}

	baseNonce := make([]byte, nonceSize)
	if _, err := rand.Read(baseNonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return &encryptReader{
		source:    source,
		aead:      aead,
		buffer:    make([]byte, chunkSize),
		baseNonce: baseNonce,
	}, nil
}

// DecryptReader wraps source so reads produce the original plaintext.
func (c *ReplicaCipher) DecryptReader(source io.Reader, salt []byte) (io.Reader, error) {
	aead, err := c.aead(salt)
	if err != nil {
		return nil, err
	}
	return &decryptReader{source: source, aead: aead}, nil
}

func (c *ReplicaCipher) aead(salt []byte) (cipher.AEAD, error) {
	key, err := c.deriveKey(salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD: %w", err)
	}
	return aead, nil
}

type encryptReader struct {
	source    io.Reader
	aead      cipher.AEAD
	buffer    []byte
	baseNonce []byte
	chunkNum  uint64
	pending   []byte
	done      bool
}

// chunkNonce derives a unique per-chunk nonce by XORing the base nonce with
// the chunk counter.
func chunkNonce(base []byte, num uint64) []byte {
	nonce := make([]byte, nonceSize)
	copy(nonce, base)
	var counter [8]byte
	binary.BigEndian.PutUint64(counter[:], num)
	for i := 0; i < 8; i++ {
		nonce[nonceSize-8+i] ^= counter[i]
	}
	return nonce
}

func (r *encryptReader) Read(p []byte) (int, error) {
	if len(r.pending) > 0 {
		n := copy(p, r.pending)
		r.pending = r.pending[n:]
		return n, nil
	}
	if r.done {
		return 0, io.EOF
	}

	n, err := io.ReadFull(r.source, r.buffer)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return 0, fmt.Errorf("failed to read source: %w", err)
	}
	if n == 0 {
		r.done = true
		return 0, io.EOF
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		r.done = true
	}

	nonce := chunkNonce(r.baseNonce, r.chunkNum)
	r.chunkNum++

	ciphertext := r.aead.Seal(nil, nonce, r.buffer[:n], nil)

	packet := make([]byte, headerSize+len(ciphertext))
	binary.BigEndian.PutUint32(packet[0:4], uint32(len(ciphertext)))
	copy(packet[4:headerSize], nonce)
	copy(packet[headerSize:], ciphertext)

	copied := copy(p, packet)
	if copied < len(packet) {
		r.pending = packet[copied:]
	}
	return copied, nil
}

type decryptReader struct {
	source  io.Reader
	aead    cipher.AEAD
	pending []byte
	done    bool
}

func (r *decryptReader) Read(p []byte) (int, error) {
	if len(r.pending) > 0 {
		n := copy(p, r.pending)
		r.pending = r.pending[n:]
		return n, nil
	}
	if r.done {
		return 0, io.EOF
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(r.source, header); err != nil {
		if err == io.EOF {
			r.done = true
			return 0, io.EOF
		}
		return 0, fmt.Errorf("failed to read chunk header: %w", err)
	}

	size := binary.BigEndian.Uint32(header[0:4])
	if size > maxCiphertext {
		return 0, ErrInvalidChunk
	}
	nonce := header[4:headerSize]

	ciphertext := make([]byte, size)
	if _, err := io.ReadFull(r.source, ciphertext); err != nil {
		return 0, ErrInvalidChunk
	}

	plaintext, err := r.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return 0, ErrDecryptionFailed
	}

	copied := copy(p, plaintext)
	if copied < len(plaintext) {
		r.pending = plaintext[copied:]
	}
	return copied, nil
}
