// Package crypto bundles the primitives the discovery protocol is built on:
// Keccak-256 hashing and recoverable secp256k1 signatures in the 65-byte
// r ‖ s ‖ v layout.
package crypto

import (
	"encoding/hex"
	"errors"
	"io/ioutil"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcec"
	"golang.org/x/crypto/sha3"
)

const (
	// DigestLength is the length of a Keccak-256 digest.
	DigestLength = 32
	// SignatureLength is the length of a recoverable signature: r ‖ s ‖ v.
	SignatureLength = 65
)

var (
	errInvalidDigest    = errors.New("digest must be 32 bytes")
	errInvalidSignature = errors.New("signature must be 65 bytes")
)

// Keccak256 computes the legacy Keccak-256 digest of the concatenation of
// the given byte slices.
func Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// GenerateKey creates a new secp256k1 key pair.
func GenerateKey() (*btcec.PrivateKey, error) {
	return btcec.NewPrivateKey(btcec.S256())
}

// Sign produces a recoverable signature over a 32-byte digest.
func Sign(digest []byte, priv *btcec.PrivateKey) ([]byte, error) {
	if len(digest) != DigestLength {
		return nil, errInvalidDigest
	}
	// btcec puts the recovery header byte first; the wire layout wants it
	// last, with the 27 offset stripped.
	compact, err := btcec.SignCompact(btcec.S256(), priv, digest, false)
	if err != nil {
		return nil, err
	}
	sig := make([]byte, SignatureLength)
	copy(sig, compact[1:])
	sig[64] = compact[0] - 27
	return sig, nil
}

// RecoverPubkey returns the uncompressed public key (with the 0x04 prefix)
// of the signer of digest.
func RecoverPubkey(digest, sig []byte) ([]byte, error) {
	if len(digest) != DigestLength {
		return nil, errInvalidDigest
	}
	if len(sig) != SignatureLength {
		return nil, errInvalidSignature
	}
	compact := make([]byte, SignatureLength)
	compact[0] = sig[64] + 27
	copy(compact[1:], sig)
	pub, _, err := btcec.RecoverCompact(btcec.S256(), compact, digest)
	if err != nil {
		return nil, err
	}
	return pub.SerializeUncompressed(), nil
}

// HexToKey parses a hex-encoded secp256k1 private key.
func HexToKey(hexkey string) (*btcec.PrivateKey, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(hexkey, "0x"))
	if err != nil {
		return nil, err
	}
	if len(b) != 32 {
		return nil, errors.New("private key must be 32 bytes")
	}
	priv, _ := btcec.PrivKeyFromBytes(btcec.S256(), b)
	return priv, nil
}

// LoadKeyFile reads a hex-encoded private key from file.
func LoadKeyFile(file string) (*btcec.PrivateKey, error) {
	buf, err := ioutil.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return HexToKey(strings.TrimSpace(string(buf)))
}

// SaveKeyFile writes a private key to file as hex, readable by LoadKeyFile.
func SaveKeyFile(file string, priv *btcec.PrivateKey) error {
	k := hex.EncodeToString(priv.Serialize())
	return ioutil.WriteFile(file, []byte(k), os.FileMode(0600))
}
