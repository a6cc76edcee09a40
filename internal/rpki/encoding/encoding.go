// Package encoding defines the narrow boundary between the CA/Publication
// Server aggregates and the ASN.1/CMS object encoders that turn certified
// resources into RPKI certificates, CRLs, manifests and ROAs. Producing
// byte-correct DER is explicitly out of scope for this system; Encoder is
// the seam a real encoder would plug into, and stub is a deterministic,
// content-addressable stand-in that lets the aggregates, the publication
// pipeline and the RRDP timeline be built and tested against a stable
// object model without depending on one.
package encoding

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/rpki-io/krillgo/internal/signer"
)

// CertificateRequest describes the inputs to issuing an RPKI resource
// certificate.
type CertificateRequest struct {
	SubjectKey signer.KeyIdentifier
	IssuerKey  signer.KeyIdentifier
	Serial     uint64
	Resources  json.RawMessage // canonical resources.Set JSON
	NotAfter   int64           // unix seconds
}

// ManifestRequest describes the inputs to issuing a manifest.
type ManifestRequest struct {
	IssuerKey signer.KeyIdentifier
	Serial    uint64
	FileList  []FileAndHash
}

// FileAndHash names a published object and the hash of its current
// content, the unit a manifest or RFC 8181 delta operates over.
type FileAndHash struct {
	URI  string
	Hash string
}

// CRLRequest describes the inputs to issuing a certificate revocation
// list.
type CRLRequest struct {
	IssuerKey        signer.KeyIdentifier
	Serial           uint64
	RevokedKeyHashes []string
}

// ROARequest describes the inputs to issuing a Route Origin Authorization.
type ROARequest struct {
	SubjectKey signer.KeyIdentifier
	ASN        uint32
	Prefixes   []string
	MaxLength  int
}

// Object is an encoded RPKI object: its content bytes and the hash other
// objects (manifests, RFC 8181 deltas) reference it by.
type Object struct {
	Content []byte
	Hash    string // hex SHA-256 of Content
}

// Encoder produces the RPKI wire objects the publication pipeline
// publishes. The only implementation here is a deterministic stub;
// producing RFC-conformant DER is left to a dedicated ASN.1/CMS library.
type Encoder interface {
	EncodeCertificate(req CertificateRequest) (Object, error)
	EncodeCRL(req CRLRequest) (Object, error)
	EncodeManifest(req ManifestRequest) (Object, error)
	EncodeROA(req ROARequest) (Object, error)
}

type stub struct{}

// NewStub returns a deterministic Encoder: each object's content is its
// kind, a colon, and the JSON encoding of its request, so two calls with equal
// requests always produce byte-identical output and identical hashes.
// This keeps the publication pipeline's content-addressing logic
// (spec.md §4.3's publish/update/withdraw delta computation) exercised
// and testable without a real certificate encoder.
func NewStub() Encoder {
	return stub{}
}

func (stub) EncodeCertificate(req CertificateRequest) (Object, error) {
	return encodeJSON("certificate", req)
}

func (stub) EncodeCRL(req CRLRequest) (Object, error) {
	return encodeJSON("crl", req)
}

func (stub) EncodeManifest(req ManifestRequest) (Object, error) {
	return encodeJSON("manifest", req)
}

func (stub) EncodeROA(req ROARequest) (Object, error) {
	return encodeJSON("roa", req)
}

func encodeJSON(kind string, req any) (Object, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Object{}, fmt.Errorf("encoding: marshal %s: %w", kind, err)
	}
	envelope := append([]byte(kind+":"), body...)
	sum := sha256.Sum256(envelope)
	return Object{Content: envelope, Hash: hex.EncodeToString(sum[:])}, nil
}
