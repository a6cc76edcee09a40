package facade

import (
	"context"

	"github.com/google/uuid"

	"github.com/rpki-io/krillgo/internal/eventsourcing"
	"github.com/rpki-io/krillgo/internal/pubserver"
	"github.com/rpki-io/krillgo/internal/rpki"
)

// PubStore is the Aggregate Store PubServer commits through.
type PubStore = eventsourcing.Store[*pubserver.Server, pubserver.Command, pubserver.Event, pubserver.Init]

// PubServer orchestrates Publication Server aggregate commands: it is the
// one place that computes the next RRDP serial (keeping
// pubserver.Command.Process a pure function of its inputs) and pulls a
// CA's pending publish deltas to forward as one publisher's RFC 8181
// request.
type PubServer struct {
	store  PubStore
	leases LeaseCoordinator
}

// NewPubServer wires a PubServer over store.
func NewPubServer(store PubStore, leases LeaseCoordinator) *PubServer {
	return &PubServer{store: store, leases: leases}
}

// InitServer creates the single Publication Server instance under
// handle, minting a fresh RRDP session UUID via google/uuid: a server
// restart (or a session reused from a decommissioned instance) always
// gets a new session ID, per RFC 8182's requirement that serial numbers
// only be meaningful within one session.
func (p *PubServer) InitServer(ctx context.Context, handle rpki.Handle, rsyncBase string) (*pubserver.Server, error) {
	return p.store.Add(handle, pubserver.Init{Handle: handle, RsyncBase: rsyncBase, SessionID: uuid.New().String()})
}

// GetServer returns the current state of the Publication Server instance
// under handle.
func (p *PubServer) GetServer(handle rpki.Handle) (*pubserver.Server, error) {
	return p.store.GetLatest(handle)
}

// AddPublisher registers a new RFC 8181 client of the Publication Server
// under server, with its own rsync jail.
func (p *PubServer) AddPublisher(ctx context.Context, server rpki.Handle, publisher rpki.Handle, baseURI string, idCert []byte) (*pubserver.Server, error) {
	state, _, err := commitWithRetry[*pubserver.Server, pubserver.Command, pubserver.Event, pubserver.Init](
		ctx, p.store, p.leases, "pubd", server,
		func(current *pubserver.Server) (pubserver.Command, error) {
			return pubserver.Command{Kind: pubserver.CmdAddPublisher, AddPublisher: &pubserver.AddPublisherCmd{
				Handle: publisher, BaseURI: baseURI, IDCert: idCert,
			}}, nil
		},
	)
	return state, err
}

// DeactivatePublisher withdraws every object publisher owns and marks it
// inactive.
func (p *PubServer) DeactivatePublisher(ctx context.Context, server rpki.Handle, publisher rpki.Handle) (*pubserver.Server, error) {
	state, _, err := commitWithRetry[*pubserver.Server, pubserver.Command, pubserver.Event, pubserver.Init](
		ctx, p.store, p.leases, "pubd", server,
		func(current *pubserver.Server) (pubserver.Command, error) {
			return pubserver.Command{Kind: pubserver.CmdDeactivatePublisher, DeactivatePublisher: &pubserver.DeactivatePublisherCmd{Handle: publisher}}, nil
		},
	)
	return state, err
}

// Publish commits an RFC 8181 delta for publisher, computing the next
// RRDP serial from the aggregate's own current serial inside the retry
// loop's build closure so a retried attempt always targets the serial
// actually in effect at commit time.
func (p *PubServer) Publish(ctx context.Context, server rpki.Handle, publisher rpki.Handle, atoms []pubserver.DeltaAtom) (*pubserver.Server, error) {
	state, _, err := commitWithRetry[*pubserver.Server, pubserver.Command, pubserver.Event, pubserver.Init](
		ctx, p.store, p.leases, "pubd", server,
		func(current *pubserver.Server) (pubserver.Command, error) {
			return pubserver.Command{Kind: pubserver.CmdPublish, Publish: &pubserver.PublishCmd{
				Handle: publisher, Atoms: atoms, NextSerial: current.Serial() + 1,
			}}, nil
		},
	)
	return state, err
}

// ForwardCADelta converts caServer's pending Delta set for caHandle into
// one RFC 8181 Publish against server, using caHandle itself as the
// publisher identity: every CA hosted by this daemon is also registered
// as a publisher of its own publication point, under its own handle.
func (p *PubServer) ForwardCADelta(ctx context.Context, server rpki.Handle, caServer *CAServer, caHandle rpki.Handle) error {
	deltas := caServer.TakePendingDeltas(caHandle)
	if len(deltas) == 0 {
		return nil
	}
	var atoms []pubserver.DeltaAtom
	for _, d := range deltas {
		for _, a := range d.Atoms {
			atoms = append(atoms, pubserver.DeltaAtom{
				Kind:    pubserver.DeltaAtomKind(a.Kind),
				URI:     a.URI,
				Content: a.Content,
				OldHash: a.OldHash,
			})
		}
	}
	if len(atoms) == 0 {
		return nil
	}
	_, err := p.Publish(ctx, server, caHandle, atoms)
	return err
}

// EnsurePublisherFor registers caHandle as a publisher of server under
// its own conventional jail if it is not already one, so a freshly
// created CA can publish the first time ForwardCADelta runs for it.
func (p *PubServer) EnsurePublisherFor(ctx context.Context, server rpki.Handle, caHandle rpki.Handle, rsyncBase string) error {
	state, err := p.store.GetLatest(server)
	if err != nil {
		return err
	}
	if _, exists := state.Publishers()[caHandle]; exists {
		return nil
	}
	_, err = p.AddPublisher(ctx, server, caHandle, rsyncBase+caHandle.String()+"/", nil)
	return err
}
