package encoding

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStub_DeterministicHash(t *testing.T) {
	enc := NewStub()

	req := ManifestRequest{
		IssuerKey: "abc123",
		Serial:    7,
		FileList:  []FileAndHash{{URI: "rsync://x/a.cer", Hash: "deadbeef"}},
	}

	a, err := enc.EncodeManifest(req)
	require.NoError(t, err)
	b, err := enc.EncodeManifest(req)
	require.NoError(t, err)

	assert.Equal(t, a.Hash, b.Hash)
	assert.Equal(t, a.Content, b.Content)
}

func TestStub_DifferentRequestsDifferentHash(t *testing.T) {
	enc := NewStub()

	a, err := enc.EncodeROA(ROARequest{SubjectKey: "k1", ASN: 64496, Prefixes: []string{"10.0.0.0/8"}, MaxLength: 24})
	require.NoError(t, err)
	b, err := enc.EncodeROA(ROARequest{SubjectKey: "k1", ASN: 64497, Prefixes: []string{"10.0.0.0/8"}, MaxLength: 24})
	require.NoError(t, err)

	assert.NotEqual(t, a.Hash, b.Hash)
}

func TestStub_DifferentKindsDifferentHash(t *testing.T) {
	enc := NewStub()

	cert, err := enc.EncodeCertificate(CertificateRequest{SubjectKey: "k1", IssuerKey: "k0", Serial: 1})
	require.NoError(t, err)
	crl, err := enc.EncodeCRL(CRLRequest{IssuerKey: "k0", Serial: 1})
	require.NoError(t, err)

	assert.NotEqual(t, cert.Hash, crl.Hash)
}
