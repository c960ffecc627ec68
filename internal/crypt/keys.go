package crypt

import (
	"bytes"
	"fmt"
	"io"

	"github.com/neicnordic/crypt4gh/keys"
)

// KeySize is the length of an X25519 key.
const KeySize = 32

// ParsePublicKey accepts a raw 32-byte key or a crypt4gh/OpenSSH armoured
// public key.
func ParsePublicKey(b []byte) ([KeySize]byte, error) {
	var k [KeySize]byte
	if len(b) == KeySize {
		copy(k[:], b)
		return k, nil
	}
	k, err := keys.ReadPublicKey(bytes.NewReader(b))
	if err != nil {
		return k, fmt.Errorf("parse public key: %w", err)
	}
	return k, nil
}

// ParsePrivateKey accepts a raw 32-byte key or an armoured private key,
// unlocked with passphrase when it is protected.
func ParsePrivateKey(b, passphrase []byte) ([KeySize]byte, error) {
	var k [KeySize]byte
	if len(b) == KeySize {
		copy(k[:], b)
		return k, nil
	}
	k, err := keys.ReadPrivateKey(bytes.NewReader(b), passphrase)
	if err != nil {
		return k, fmt.Errorf("parse private key: %w", err)
	}
	return k, nil
}

// GenerateKeyPair creates a new X25519 key pair.
func GenerateKeyPair() (public, private [KeySize]byte, err error) {
	return keys.GenerateKeyPair()
}

// WriteKeyPair armours a key pair in the crypt4gh format. A non-empty
// passphrase encrypts the private key.
func WriteKeyPair(pubOut, secOut io.Writer, public, private [KeySize]byte, passphrase []byte) error {
	if err := keys.WriteCrypt4GHX25519PublicKey(pubOut, public); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	if err := keys.WriteCrypt4GHX25519PrivateKey(secOut, private, passphrase); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	return nil
}
