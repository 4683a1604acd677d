package transport

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"

	"github.com/dd0wney/cluso-mail/pkg/cluster"
)

const (
	// sealSalt is fixed so every node derives the same key from the cluster key
	sealSalt = "cluso-cluster"

	// PBKDF2Iterations for deriving the frame key
	PBKDF2Iterations = 100000
)

var (
	ErrSealedFrame = errors.New("frame failed authentication")
	ErrShortFrame  = errors.New("sealed frame too short")
)

// Sealer authenticates and encrypts frames with a key derived from the
// shared cluster key. Frames are nonce || ciphertext || tag.
type Sealer struct {
	key []byte
}

// NewSealer derives the frame key from clusterKey
func NewSealer(clusterKey string) (*Sealer, error) {
	if clusterKey == "" {
		return nil, errors.New("cluster key cannot be empty")
	}
	key := pbkdf2.Key([]byte(clusterKey), []byte(sealSalt), PBKDF2Iterations, chacha20poly1305.KeySize, sha256.New)
	return &Sealer{key: key}, nil
}

// Seal encrypts frame under a fresh random nonce
func (s *Sealer) Seal(frame []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	out := make([]byte, aead.NonceSize(), aead.NonceSize()+len(frame)+aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(out, out, frame, nil), nil
}

// Open verifies and decrypts a sealed frame
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrShortFrame
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrSealedFrame
	}
	return plain, nil
}

// wire combines a codec with an optional sealer. It is shared by the
// transports so every path encodes the same way.
type wire struct {
	codec  Codec
	sealer *Sealer
}

func newWire(codecName, clusterKey string) (wire, error) {
	c, err := GetCodec(codecName)
	if err != nil {
		return wire{}, err
	}
	w := wire{codec: c}
	if clusterKey != "" {
		if w.sealer, err = NewSealer(clusterKey); err != nil {
			return wire{}, err
		}
	}
	return w, nil
}

func (w wire) encode(env *cluster.Envelope) ([]byte, error) {
	data, err := EncodeEnvelope(w.codec, env)
	if err != nil {
		return nil, err
	}
	if w.sealer != nil {
		return w.sealer.Seal(data)
	}
	return data, nil
}

// decode returns the envelope and, on failure, the reason label for the
// dropped-frame metric
func (w wire) decode(data []byte) (*cluster.Envelope, string, error) {
	if w.sealer != nil {
		plain, err := w.sealer.Open(data)
		if err != nil {
			return nil, "auth", err
		}
		data = plain
	}
	env, err := DecodeEnvelope(w.codec, data)
	if err != nil {
		return nil, "decode", err
	}
	return env, "", nil
}
