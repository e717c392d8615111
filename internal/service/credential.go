package service

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// KeyNamespace tags every secret this gateway issues. It is stable so
	// secret scanners and support tooling can recognize the credential shape.
	KeyNamespace = "tc_"

	// KeyRandomLength is the number of random alphanumeric characters in a
	// secret, after the namespace tag.
	KeyRandomLength = 32

	// PrefixLength is how many leading characters of the secret are stored
	// in plaintext for indexed lookup. The prefix is not secret.
	PrefixLength = 8

	// hashCost is the bcrypt work factor. The default lands verification in
	// the low tens of milliseconds, which is the brute-force resistance the
	// key scheme depends on.
	hashCost = bcrypt.DefaultCost
)

const keyAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// IssuedKey is the result of generating a new API key. Secret is shown to the
// caller exactly once; only Hash and Prefix are ever persisted.
type IssuedKey struct {
	Secret string
	Hash   string
	Prefix string
}

// GenerateKey creates a fresh API key: a "tc_"-tagged secret with 32
// characters drawn uniformly from a 62-symbol alphabet via crypto/rand, its
// bcrypt verifier, and the 8-character lookup prefix. Persisting the result
// is the caller's responsibility.
//
// A failing random source is fatal by contract: the error must abort whatever
// operation needed the key, never fall back to weaker entropy.
func GenerateKey() (*IssuedKey, error) {
	body := make([]byte, KeyRandomLength)
	// Rejection sampling keeps the distribution uniform over the alphabet.
	// 248 is the largest multiple of 62 below 256.
	const limit = byte(248)
	var buf [1]byte
	for i := 0; i < KeyRandomLength; {
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, fmt.Errorf("read random source: %w", err)
		}
		if buf[0] >= limit {
			continue
		}
		body[i] = keyAlphabet[int(buf[0])%len(keyAlphabet)]
		i++
	}

	secret := KeyNamespace + string(body)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), hashCost)
	if err != nil {
		return nil, fmt.Errorf("hash key: %w", err)
	}

	return &IssuedKey{
		Secret: secret,
		Hash:   string(hash),
		Prefix: secret[:PrefixLength],
	}, nil
}
