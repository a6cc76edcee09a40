package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpki-io/krillgo/internal/ca"
	"github.com/rpki-io/krillgo/internal/eventsourcing"
	"github.com/rpki-io/krillgo/internal/facade"
	"github.com/rpki-io/krillgo/internal/logging"
	"github.com/rpki-io/krillgo/internal/mq"
	"github.com/rpki-io/krillgo/internal/pubserver"
	"github.com/rpki-io/krillgo/internal/rpki"
	"github.com/rpki-io/krillgo/internal/rpki/resources"
	"github.com/rpki-io/krillgo/internal/signer"
)

type stubTransport struct{}

func (stubTransport) FetchEntitlements(ctx context.Context, serviceURI, child string) ([]ca.Entitlement, error) {
	return nil, nil
}
func (stubTransport) SubmitCertificateRequest(ctx context.Context, serviceURI, child string, keyID signer.KeyIdentifier, requested resources.Set) (ca.Certificate, error) {
	return ca.Certificate{}, nil
}
func (stubTransport) SubmitPublish(ctx context.Context, serviceURI string, atoms []ca.PublishAtom) error {
	return nil
}
func (stubTransport) RevokeAtParent(ctx context.Context, serviceURI, child string) error { return nil }

const testPubHandle = "pubd"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	log := logging.NewDefault("httpapi_test")

	caStore := eventsourcing.NewMemStore[*ca.CA, ca.Command, ca.Event, ca.Init]("ca", ca.New)
	caFacade := facade.NewCAServer(caStore, signer.NewSoftSigner(), stubTransport{}, facade.NewNoopLeases(), mq.New(16), "rsync://localhost/repo/", log)

	pubStore := eventsourcing.NewMemStore[*pubserver.Server, pubserver.Command, pubserver.Event, pubserver.Init]("pubd", pubserver.New)
	pubFacade := facade.NewPubServer(pubStore, facade.NewNoopLeases())
	_, err := pubFacade.InitServer(context.Background(), rpki.MustHandle(testPubHandle), "rsync://localhost/repo/")
	require.NoError(t, err)

	return New(caFacade, pubFacade, caStore, pubStore, testPubHandle, Config{RateLimitRPS: 0}, log)
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func TestHealthz_PublicNoAuth(t *testing.T) {
	s := newTestServer(t)
	rec := doJSON(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCAs_CreateOrdinaryAndTrustAnchor(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/cas/", createCARequest{Handle: "ta", TrustAnchor: true, Prefixes: []string{"10.0.0.0/8"}, AIA: "rsync://localhost/repo/ta/", TALURI: "rsync://localhost/ta.tal"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var taView caView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &taView))
	assert.True(t, taView.TrustAnchor)

	rec = doJSON(t, s, http.MethodPost, "/cas/", createCARequest{Handle: "child"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/cas/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var handles []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &handles))
	assert.ElementsMatch(t, []string{"ta", "child"}, handles)
}

func TestCAs_EmbeddedProvisioningEndToEnd(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/cas/", createCARequest{Handle: "ta", TrustAnchor: true, Prefixes: []string{"10.0.0.0/8"}, AIA: "rsync://localhost/repo/ta/", TALURI: "rsync://localhost/ta.tal"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/cas/", createCARequest{Handle: "child"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/cas/ta/children", addChildRequest{Child: "child", Prefixes: []string{"10.0.0.0/16"}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/cas/child/parents", addParentRequest{ParentHandle: "ta", Embedded: "ta"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/cas/child/entitlements/refresh", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/cas/child", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var childView caView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &childView))
	assert.NotEmpty(t, childView.Classes)
}

func TestPublishers_CreateAndGet(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/publishers/", createPublisherRequest{Handle: "pub1", BaseURI: "rsync://localhost/repo/pub1/"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/publishers/pub1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var view publisherView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.True(t, view.Active)
}

func TestRFC6492_UnknownOpRejected(t *testing.T) {
	s := newTestServer(t)

	rec := doJSON(t, s, http.MethodPost, "/cas/", createCARequest{Handle: "ta", TrustAnchor: true, Prefixes: []string{"10.0.0.0/8"}, AIA: "rsync://localhost/repo/ta/", TALURI: "rsync://localhost/ta.tal"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/rfc6492/ta", rfc6492Request{Op: "bogus", Child: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthMiddleware_RejectsMissingToken(t *testing.T) {
	log := logging.NewDefault("httpapi_auth_test")
	caStore := eventsourcing.NewMemStore[*ca.CA, ca.Command, ca.Event, ca.Init]("ca", ca.New)
	caFacade := facade.NewCAServer(caStore, signer.NewSoftSigner(), stubTransport{}, facade.NewNoopLeases(), mq.New(16), "rsync://localhost/repo/", log)
	pubStore := eventsourcing.NewMemStore[*pubserver.Server, pubserver.Command, pubserver.Event, pubserver.Init]("pubd", pubserver.New)
	pubFacade := facade.NewPubServer(pubStore, facade.NewNoopLeases())
	_, err := pubFacade.InitServer(context.Background(), rpki.MustHandle(testPubHandle), "rsync://localhost/repo/")
	require.NoError(t, err)

	s := New(caFacade, pubFacade, caStore, pubStore, testPubHandle, Config{JWTSecret: "top-secret"}, log)

	rec := doJSON(t, s, http.MethodGet, "/cas/", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRRDP_Notification(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/rrdp/notification.xml", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<notification")
}
