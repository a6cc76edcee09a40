package scheduler

import (
	"context"
	"testing"
	"time"

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

type noTransport struct{}

func (noTransport) FetchEntitlements(ctx context.Context, serviceURI, child string) ([]ca.Entitlement, error) {
	return nil, nil
}
func (noTransport) SubmitCertificateRequest(ctx context.Context, serviceURI, child string, keyID signer.KeyIdentifier, requested resources.Set) (ca.Certificate, error) {
	return ca.Certificate{}, nil
}
func (noTransport) SubmitPublish(ctx context.Context, serviceURI string, atoms []ca.PublishAtom) error {
	return nil
}
func (noTransport) RevokeAtParent(ctx context.Context, serviceURI, child string) error { return nil }

func TestNew_DefaultsAndRuns(t *testing.T) {
	caStore := eventsourcing.NewMemStore[*ca.CA, ca.Command, ca.Event, ca.Init]("ca", ca.New)
	pubStore := eventsourcing.NewMemStore[*pubserver.Server, pubserver.Command, pubserver.Event, pubserver.Init]("pubd", pubserver.New)
	q := mq.New(16)
	log := logging.NewDefault("scheduler_test")

	caServer := facade.NewCAServer(caStore, signer.NewSoftSigner(), noTransport{}, facade.NewNoopLeases(), q, "rsync://localhost/repo/", log)
	pubServer := facade.NewPubServer(pubStore, facade.NewNoopLeases())
	dispatcher := &facade.Dispatcher{CA: caServer, Pub: pubServer, Queue: q, PubHandle: rpki.MustHandle("pubd"), Log: log}

	s, err := New(Config{DrainInterval: "100ms"}, dispatcher, caServer, log)
	require.NoError(t, err)

	s.Start()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	}()

	time.Sleep(50 * time.Millisecond)
}

func TestNonEmpty(t *testing.T) {
	assert.Equal(t, "1s", nonEmpty("", "1s"))
	assert.Equal(t, "5s", nonEmpty("5s", "1s"))
}

func TestRefreshAndRepublishAll_NoCAs(t *testing.T) {
	caStore := eventsourcing.NewMemStore[*ca.CA, ca.Command, ca.Event, ca.Init]("ca", ca.New)
	q := mq.New(16)
	log := logging.NewDefault("scheduler_test")
	caServer := facade.NewCAServer(caStore, signer.NewSoftSigner(), noTransport{}, facade.NewNoopLeases(), q, "rsync://localhost/repo/", log)

	s := &Scheduler{ca: caServer, log: log}
	s.refreshAll()
	s.republishAll()
}
