package crypto

import (
	"bytes"
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeccak256KnownVectors(t *testing.T) {
	// Legacy Keccak, not standard SHA3.
	empty := hex.EncodeToString(Keccak256())
	assert.Equal(t, "c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", empty)

	abc := hex.EncodeToString(Keccak256([]byte("abc")))
	assert.Equal(t, "4e03657aea45a94fc7d47ba826c8d667c0d1e6e33a64a036ec44f58fa12d6c45", abc)

	// Concatenation of slices hashes like the joined input.
	assert.Equal(t, Keccak256([]byte("ab"), []byte("c")), Keccak256([]byte("abc")))
}

func TestSignRecover(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	digest := Keccak256([]byte("some signed payload"))

	sig, err := Sign(digest, key)
	require.NoError(t, err)
	require.Len(t, sig, SignatureLength)
	assert.True(t, sig[64] <= 1, "recovery id must be normalized to 0/1")

	pub, err := RecoverPubkey(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, key.PubKey().SerializeUncompressed(), pub)
}

func TestRecoverRejectsBadInput(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	digest := Keccak256([]byte("payload"))
	sig, err := Sign(digest, key)
	require.NoError(t, err)

	_, err = Sign(digest[:31], key)
	assert.Error(t, err)
	_, err = RecoverPubkey(digest[:31], sig)
	assert.Error(t, err)
	_, err = RecoverPubkey(digest, sig[:64])
	assert.Error(t, err)

	// A different digest must not recover the signer.
	other, err := RecoverPubkey(Keccak256([]byte("other")), sig)
	if err == nil {
		assert.False(t, bytes.Equal(other, key.PubKey().SerializeUncompressed()))
	}

	// An invalid recovery id fails outright.
	bad := append([]byte{}, sig...)
	bad[64] = 0x0a
	_, err = RecoverPubkey(digest, bad)
	assert.Error(t, err)
}

func TestKeyFileRoundtrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "nodekey")
	require.NoError(t, SaveKeyFile(file, key))

	loaded, err := LoadKeyFile(file)
	require.NoError(t, err)
	assert.Equal(t, key.Serialize(), loaded.Serialize())
}

func TestHexToKey(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	round, err := HexToKey(hex.EncodeToString(key.Serialize()))
	require.NoError(t, err)
	assert.Equal(t, key.Serialize(), round.Serialize())

	_, err = HexToKey("nothex")
	assert.Error(t, err)
	_, err = HexToKey("abcd")
	assert.Error(t, err)
}
