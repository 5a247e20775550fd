package ratchet

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const keySize = 32

var kdfInfo = []byte("securelink channel v1")

type keyPair struct {
	priv [keySize]byte
	pub  [keySize]byte
}

func generateKeyPair(r io.Reader) (keyPair, error) {
	var kp keyPair
	if _, err := io.ReadFull(r, kp.priv[:]); err != nil {
		return keyPair{}, fmt.Errorf("failed to read key material: %w", err)
	}
	pub, err := curve25519.X25519(kp.priv[:], curve25519.Basepoint)
	if err != nil {
		return keyPair{}, err
	}
	copy(kp.pub[:], pub)
	return kp, nil
}

func keyPairFromPrivate(priv []byte) (keyPair, error) {
	if len(priv) != keySize {
		return keyPair{}, fmt.Errorf("private key is %d bytes, want %d", len(priv), keySize)
	}
	var kp keyPair
	copy(kp.priv[:], priv)
	pub, err := curve25519.X25519(kp.priv[:], curve25519.Basepoint)
	if err != nil {
		return keyPair{}, err
	}
	copy(kp.pub[:], pub)
	return kp, nil
}

func (kp *keyPair) wipe() {
	clear(kp.priv[:])
}

func dh(priv, pub [keySize]byte) ([]byte, error) {
	return curve25519.X25519(priv[:], pub[:])
}

// deriveChains expands the agreed secret into the client-to-server and
// server-to-client chain keys. The connection id salts the expansion.
func deriveChains(secret []byte, connID uint32) (c2s, s2c [keySize]byte, err error) {
	salt := binary.BigEndian.AppendUint32(nil, connID)
	r := hkdf.New(sha256.New, secret, salt, kdfInfo)
	if _, err = io.ReadFull(r, c2s[:]); err != nil {
		return
	}
	_, err = io.ReadFull(r, s2c[:])
	return
}

// chain is one direction of the symmetric ratchet. index is the number of
// message keys already taken.
type chain struct {
	key   [keySize]byte
	index uint32
}

func (c *chain) step() [keySize]byte {
	mk := hmacSum(c.key, 0x01)
	c.key = hmacSum(c.key, 0x02)
	c.index++
	return mk
}

// advance steps the chain until index reaches target.
func (c *chain) advance(target uint32) error {
	if target <= c.index {
		return nil
	}
	if target-c.index > MaxSkip {
		return fmt.Errorf("%w: %d is %d past %d", ErrChainIndex, target, target-c.index, c.index)
	}
	for c.index < target {
		mk := c.step()
		clear(mk[:])
	}
	return nil
}

func (c *chain) wipe() {
	clear(c.key[:])
}

func hmacSum(key [keySize]byte, label byte) [keySize]byte {
	h := hmac.New(sha256.New, key[:])
	h.Write([]byte{label})
	var out [keySize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// associatedData binds a ciphertext to its connection and chain position.
func associatedData(connID, index uint32) []byte {
	ad := binary.BigEndian.AppendUint32(nil, connID)
	return binary.BigEndian.AppendUint32(ad, index)
}

// Every message key is used exactly once, so the nonce is fixed.
var zeroNonce = make([]byte, chacha20poly1305.NonceSize)

func seal(mk [keySize]byte, ad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, zeroNonce, plaintext, ad), nil
}

func open(mk [keySize]byte, ad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(mk[:])
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, zeroNonce, ciphertext, ad)
}
