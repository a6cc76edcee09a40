package signer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftSigner_CreateSignVerify(t *testing.T) {
	s := NewSoftSigner()

	id, err := s.CreateKey()
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	info, err := s.PublicKeyInfo(id)
	require.NoError(t, err)
	assert.Equal(t, id, info.KeyIdentifier)
	assert.NotEmpty(t, info.SPKI)

	sig, err := s.Sign(id, []byte("manifest bytes"))
	require.NoError(t, err)
	assert.NotEmpty(t, sig)
}

func TestSoftSigner_DestroyedKeyCannotSign(t *testing.T) {
	s := NewSoftSigner()
	id, err := s.CreateKey()
	require.NoError(t, err)

	require.NoError(t, s.DestroyKey(id))

	_, err = s.Sign(id, []byte("data"))
	assert.Error(t, err)
}

func TestSoftSigner_UnknownKey(t *testing.T) {
	s := NewSoftSigner()
	_, err := s.PublicKeyInfo("deadbeef")
	assert.Error(t, err)
}

func TestSoftSigner_DistinctKeysHaveDistinctIdentifiers(t *testing.T) {
	s := NewSoftSigner()
	id1, err := s.CreateKey()
	require.NoError(t, err)
	id2, err := s.CreateKey()
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)
}

func TestSoftSigner_RandomBytes(t *testing.T) {
	s := NewSoftSigner()
	b1, err := s.RandomBytes(16)
	require.NoError(t, err)
	b2, err := s.RandomBytes(16)
	require.NoError(t, err)
	assert.Len(t, b1, 16)
	assert.NotEqual(t, b1, b2)
}
