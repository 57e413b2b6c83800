package imagemap

import (
	"errors"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// Decrypt opens a sealed image: a chacha20poly1305 nonce followed by the
// ciphertext, keyed with blake2b-256 of password.
func Decrypt(blob []byte, password string) ([]byte, error) {
	if len(blob) < chacha20poly1305.NonceSize {
		return nil, errors.New("cipher text is too small")
	}

	nonce, ciphertext := blob[:chacha20poly1305.NonceSize], blob[chacha20poly1305.NonceSize:]

	kd := blake2b.Sum256([]byte(password))
	aead, err := chacha20poly1305.New(kd[:])
	if err != nil {
		return nil, err
	}

	// Open also checks the image wasn't tampered with.
	return aead.Open(nil, nonce, ciphertext, nil)
}

// Encrypt seals plaintext in the format Decrypt reads, drawing the nonce
// from rand.
func Encrypt(plaintext []byte, password string, rand io.Reader) ([]byte, error) {
	kd := blake2b.Sum256([]byte(password))
	aead, err := chacha20poly1305.New(kd[:])
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize, chacha20poly1305.NonceSize+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}
