package facade

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/rpki-io/krillgo/internal/apperr"
	"github.com/rpki-io/krillgo/internal/ca"
	"github.com/rpki-io/krillgo/internal/rpki/resources"
	"github.com/rpki-io/krillgo/internal/signer"
)

// RemoteTransport is everything a CAServer needs from a remote, RFC
// 6492-speaking parent or publisher. Byte-correct CMS/ASN.1 encoding of
// the provisioning protocol is out of scope (spec.md's non-goals); these
// methods exchange the same logical payloads an embedded parent handles
// locally, carried as a sealed JSON envelope instead of a signed-CMS one.
type RemoteTransport interface {
	FetchEntitlements(ctx context.Context, serviceURI, child string) ([]ca.Entitlement, error)
	SubmitCertificateRequest(ctx context.Context, serviceURI, child string, keyID signer.KeyIdentifier, requested resources.Set) (ca.Certificate, error)
	SubmitPublish(ctx context.Context, serviceURI string, atoms []ca.PublishAtom) error
	RevokeAtParent(ctx context.Context, serviceURI, child string) error
}

// HTTPRemoteTransport implements RemoteTransport over plain HTTP POST
// requests against a remote RFC 6492/8181 endpoint, grounded on the same
// client-side JSON-over-HTTP pattern the CLI uses against this daemon's
// own API.
type HTTPRemoteTransport struct {
	client *http.Client
	idCert []byte
}

// NewHTTPRemoteTransport returns a RemoteTransport with the given
// request timeout. idCert, when set, seals every outgoing envelope with
// a key derived from it (see sealEnvelope) as a stand-in for RFC
// 6492/8181's CMS signature.
func NewHTTPRemoteTransport(timeout time.Duration, idCert []byte) *HTTPRemoteTransport {
	return &HTTPRemoteTransport{client: &http.Client{Timeout: timeout}, idCert: idCert}
}

type rfc6492Envelope struct {
	Op        string              `json:"op"`
	Child     string              `json:"child"`
	ClassName string              `json:"class_name,omitempty"`
	KeyID     signer.KeyIdentifier `json:"key_id,omitempty"`
	Resources resources.Set       `json:"resources,omitempty"`
}

type rfc6492Reply struct {
	Entitlements []ca.Entitlement `json:"entitlements,omitempty"`
	Certificate  *ca.Certificate  `json:"certificate,omitempty"`
	Error        string           `json:"error,omitempty"`
}

func (t *HTTPRemoteTransport) post(ctx context.Context, uri string, env rfc6492Envelope) (rfc6492Reply, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return rfc6492Reply{}, apperr.Internal("marshal rfc6492 envelope", err)
	}
	if t.idCert != nil {
		sealed, err := sealEnvelope(t.idCert, body)
		if err != nil {
			return rfc6492Reply{}, err
		}
		body = sealed
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return rfc6492Reply{}, apperr.RemotePeerFailure(uri, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := t.client.Do(req)
	if err != nil {
		return rfc6492Reply{}, apperr.RemotePeerFailure(uri, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return rfc6492Reply{}, apperr.RemotePeerFailure(uri, err)
	}
	if t.idCert != nil {
		raw, err = openEnvelope(t.idCert, raw)
		if err != nil {
			return rfc6492Reply{}, err
		}
	}
	if resp.StatusCode >= 300 {
		return rfc6492Reply{}, apperr.RemotePeerFailure(uri, fmt.Errorf("status %d: %s", resp.StatusCode, raw))
	}
	var reply rfc6492Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return rfc6492Reply{}, apperr.RemotePeerFailure(uri, err)
	}
	if reply.Error != "" {
		return rfc6492Reply{}, apperr.RemotePeerFailure(uri, fmt.Errorf("%s", reply.Error))
	}
	return reply, nil
}

func (t *HTTPRemoteTransport) FetchEntitlements(ctx context.Context, serviceURI, child string) ([]ca.Entitlement, error) {
	reply, err := t.post(ctx, serviceURI, rfc6492Envelope{Op: "list", Child: child})
	if err != nil {
		return nil, err
	}
	return reply.Entitlements, nil
}

func (t *HTTPRemoteTransport) SubmitCertificateRequest(ctx context.Context, serviceURI, child string, keyID signer.KeyIdentifier, requested resources.Set) (ca.Certificate, error) {
	reply, err := t.post(ctx, serviceURI, rfc6492Envelope{Op: "issue", Child: child, KeyID: keyID, Resources: requested})
	if err != nil {
		return ca.Certificate{}, err
	}
	if reply.Certificate == nil {
		return ca.Certificate{}, apperr.RemotePeerFailure(serviceURI, fmt.Errorf("issue reply carried no certificate"))
	}
	return *reply.Certificate, nil
}

func (t *HTTPRemoteTransport) SubmitPublish(ctx context.Context, serviceURI string, atoms []ca.PublishAtom) error {
	body, err := json.Marshal(atoms)
	if err != nil {
		return apperr.Internal("marshal publish atoms", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serviceURI, bytes.NewReader(body))
	if err != nil {
		return apperr.RemotePeerFailure(serviceURI, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return apperr.RemotePeerFailure(serviceURI, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apperr.RemotePeerFailure(serviceURI, fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

func (t *HTTPRemoteTransport) RevokeAtParent(ctx context.Context, serviceURI, child string) error {
	_, err := t.post(ctx, serviceURI, rfc6492Envelope{Op: "revoke", Child: child})
	return err
}

// sealEnvelope encrypts body under a key derived from idCert with
// ChaCha20-Poly1305, standing in for the RFC 6492/8181 CMS signature
// envelope: both peers hold the same idCert out of band (as they would
// the certificate pair a real CMS exchange relies on), so the derived
// key authenticates the envelope without a full ASN.1 signature stack.
func sealEnvelope(idCert, body []byte) ([]byte, error) {
	key := sha256.Sum256(idCert)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, apperr.Internal("construct aead", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, apperr.Internal("generate nonce", err)
	}
	return append(nonce, aead.Seal(nil, nonce, body, nil)...), nil
}

func openEnvelope(idCert, sealed []byte) ([]byte, error) {
	key := sha256.Sum256(idCert)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, apperr.Internal("construct aead", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, apperr.Internal("sealed envelope too short", nil)
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	body, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, apperr.Internal("open sealed envelope", err)
	}
	return body, nil
}
