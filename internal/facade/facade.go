// Package facade orchestrates the CA and Publication Server aggregates
// into the operations spec.md §4.4 describes as a single unit of work:
// loading the current aggregate, asking a Signer for any key material the
// command needs, committing through the Aggregate Store with bounded
// retry on concurrent modification, and forwarding the resulting publish
// deltas to the Publication Server. Neither aggregate package knows the
// other exists; CAServer and PubServer are the only things that do.
package facade

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/rpki-io/krillgo/internal/apperr"
	"github.com/rpki-io/krillgo/internal/ca"
	"github.com/rpki-io/krillgo/internal/eventsourcing"
	"github.com/rpki-io/krillgo/internal/logging"
	"github.com/rpki-io/krillgo/internal/metrics"
	"github.com/rpki-io/krillgo/internal/mq"
	"github.com/rpki-io/krillgo/internal/rpki"
	"github.com/rpki-io/krillgo/internal/rpki/resources"
	"github.com/rpki-io/krillgo/internal/signer"
)

// defaultResourceClassName is the single resource class name an embedded
// parent grants its children under, matching the common case of one
// parent certifying one flat pool of resources per child rather than
// running its own per-child class negotiation.
const defaultResourceClassName = "default"

// CAStore is the Aggregate Store CAServer commits through.
type CAStore = eventsourcing.Store[*ca.CA, ca.Command, ca.Event, ca.Init]

// CAServer orchestrates CA aggregate commands: it is the one place a
// Signer, a RemoteTransport and a LeaseCoordinator are called before an
// aggregate's pure Process method ever runs.
type CAServer struct {
	store     CAStore
	signer    signer.Signer
	transport RemoteTransport
	leases    LeaseCoordinator
	log       *logging.Logger
	rsyncBase string
	queue     *mq.Queue

	mu            sync.Mutex
	pendingDeltas map[rpki.Handle][]ca.Delta
}

// NewCAServer wires a CAServer over store, using signer for all key
// material, transport for remote-parent RFC 6492 traffic, leases for
// cross-process commit coordination (pass a noopLeases for a
// single-process MemStore deployment), and queue to hand off delta
// forwarding to the scheduler: after each commit whose events carry
// publication deltas, a KindDeltaProduced item is pushed onto queue.
func NewCAServer(store CAStore, sgn signer.Signer, transport RemoteTransport, leases LeaseCoordinator, queue *mq.Queue, rsyncBase string, log *logging.Logger) *CAServer {
	return &CAServer{
		store:         store,
		signer:        sgn,
		transport:     transport,
		leases:        leases,
		log:           log,
		rsyncBase:     rsyncBase,
		queue:         queue,
		pendingDeltas: make(map[rpki.Handle][]ca.Delta),
	}
}

const maxCommitRetries = 5

// backoffFor returns the delay before retry attempt n (1-based), doubling
// from 2ms and capped at 50ms, per spec.md §7's bound on the concurrent-
// modification retry loop.
func backoffFor(attempt int) time.Duration {
	d := time.Duration(2<<uint(attempt-1)) * time.Millisecond
	if d > 50*time.Millisecond {
		d = 50 * time.Millisecond
	}
	return d
}

// commitWithRetry loads handle's current state, asks build for the
// command a caller wants applied against that state, and commits the
// resulting events. If the commit loses a race to a concurrent writer
// (apperr.ConcurrentModification), it reloads and retries build against
// the fresh state, up to maxCommitRetries times. build must be free of
// side effects, since it runs once per attempt: callers that need a new
// Signer key (KeyRollInit, updateEntitlementsForParent) create it before
// calling, so every attempt reuses the same key identifier.
func commitWithRetry[A eventsourcing.Aggregate[C, E, I], C, E, I any](
	ctx context.Context,
	store eventsourcing.Store[A, C, E, I],
	leases LeaseCoordinator,
	namespace string,
	handle rpki.Handle,
	build func(current A) (C, error),
) (A, []E, error) {
	release, ok, err := leases.Acquire(ctx, namespace+"/"+handle.String(), 2*time.Second)
	if err != nil {
		release()
		var zero A
		return zero, nil, apperr.Internal("acquire lease", err)
	}
	if !ok {
		release()
		var zero A
		return zero, nil, apperr.Internal("lease held by another process", nil)
	}
	defer release()

	var lastErr error
	for attempt := 1; attempt <= maxCommitRetries; attempt++ {
		current, err := store.GetLatest(handle)
		if err != nil {
			var zero A
			return zero, nil, err
		}
		cmd, err := build(current)
		if err != nil {
			var zero A
			return zero, nil, err
		}
		events, err := current.Process(cmd)
		if err != nil {
			var zero A
			return zero, nil, err
		}
		if len(events) == 0 {
			return current, nil, nil
		}
		updated, err := store.Update(handle, current.Version(), events)
		if err == nil {
			return updated, events, nil
		}
		if !apperr.IsConcurrentModification(err) {
			var zero A
			return zero, nil, err
		}
		metrics.RecordRetry(namespace)
		lastErr = err
		select {
		case <-time.After(backoffFor(attempt)):
		case <-ctx.Done():
			var zero A
			return zero, nil, ctx.Err()
		}
	}
	var zero A
	return zero, nil, lastErr
}

func (f *CAServer) commitCA(ctx context.Context, handle rpki.Handle, build func(current *ca.CA) (ca.Command, error)) (*ca.CA, []ca.Event, error) {
	start := time.Now()
	state, events, err := commitWithRetry[*ca.CA, ca.Command, ca.Event, ca.Init](ctx, f.store, f.leases, "ca", handle, build)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	var kind string
	if len(events) > 0 {
		kind = string(events[0].Kind)
	}
	metrics.RecordCommand("ca", kind, outcome, time.Since(start))
	if err != nil {
		return nil, nil, err
	}
	f.stashDeltas(handle, events)
	return state, events, nil
}

// stashDeltas captures every Delta produced by a Published event so
// ForwardCADelta can later push them at the Publication Server.
func (f *CAServer) stashDeltas(handle rpki.Handle, events []ca.Event) {
	var deltas []ca.Delta
	for _, ev := range events {
		if ev.Kind == ca.EvPublished && ev.Published != nil {
			deltas = append(deltas, ev.Published.Deltas...)
		}
	}
	if len(deltas) == 0 {
		return
	}
	f.mu.Lock()
	f.pendingDeltas[handle] = append(f.pendingDeltas[handle], deltas...)
	f.mu.Unlock()
	if f.queue != nil {
		f.queue.Push(mq.WorkItem{Kind: mq.KindDeltaProduced, CA: handle})
	}
}

// TakePendingDeltas removes and returns every delta stashed for handle
// since the last call, for the Publication Server façade to forward.
func (f *CAServer) TakePendingDeltas(handle rpki.Handle) []ca.Delta {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.pendingDeltas[handle]
	delete(f.pendingDeltas, handle)
	return d
}

// InitTrustAnchor creates a self-certified Trust Anchor: it mints its own
// signing key up front and records it on the aggregate via Init.SigningKeyID
// (ca.CA.SelfSigningKeyID), since a TA has no parent to grant it a
// resource class and therefore no other place to keep an issuer key.
func (f *CAServer) InitTrustAnchor(ctx context.Context, handle rpki.Handle, res resources.Set, aia, talURI string) (*ca.CA, error) {
	keyID, err := f.signer.CreateKey()
	if err != nil {
		return nil, err
	}
	return f.store.Add(handle, ca.Init{
		Handle: handle, TrustAnchor: true, Resources: res, AIA: aia, TALURI: talURI, SigningKeyID: keyID,
	})
}

// InitCA creates an ordinary, as-yet-parentless CA.
func (f *CAServer) InitCA(ctx context.Context, handle rpki.Handle) (*ca.CA, error) {
	return f.store.Add(handle, ca.Init{Handle: handle})
}

// GetCA returns the current state of handle.
func (f *CAServer) GetCA(handle rpki.Handle) (*ca.CA, error) {
	return f.store.GetLatest(handle)
}

// ListCAs returns every known CA handle.
func (f *CAServer) ListCAs() []rpki.Handle {
	return f.store.List()
}

// AddParent records a new parent relationship for child under
// parentHandle. If contact is embedded (hosted by this same server), the
// caller is expected to follow up with UpdateEntitlements to complete
// spec.md §4.4's embedded provisioning handshake.
func (f *CAServer) AddParent(ctx context.Context, child rpki.Handle, parentHandle rpki.Handle, contact ca.ParentContact) (*ca.CA, error) {
	state, _, err := f.commitCA(ctx, child, func(current *ca.CA) (ca.Command, error) {
		return ca.Command{Kind: ca.CmdAddParent, AddParent: &ca.AddParentCmd{Handle: parentHandle, Contact: contact}}, nil
	})
	return state, err
}

// AddChild registers child as delegated under parent, with an initial
// resource envelope drawn from parent's certified resources.
func (f *CAServer) AddChild(ctx context.Context, parent rpki.Handle, child rpki.Handle, idCert []byte, res resources.Set) (*ca.CA, error) {
	state, _, err := f.commitCA(ctx, parent, func(current *ca.CA) (ca.Command, error) {
		return ca.Command{Kind: ca.CmdAddChild, AddChild: &ca.AddChildCmd{Handle: child, IDCert: idCert, Resources: res}}, nil
	})
	return state, err
}

// UpdateChild changes a child's granted resources and/or identity
// certificate.
func (f *CAServer) UpdateChild(ctx context.Context, parent rpki.Handle, child rpki.Handle, newResources *resources.Set, newIDCert []byte) (*ca.CA, error) {
	state, _, err := f.commitCA(ctx, parent, func(current *ca.CA) (ca.Command, error) {
		return ca.Command{Kind: ca.CmdUpdateChild, UpdateChild: &ca.UpdateChildCmd{Handle: child, NewResources: newResources, NewIDCert: newIDCert}}, nil
	})
	return state, err
}

// RevokeChildKey revokes one certificate this CA issued to child.
func (f *CAServer) RevokeChildKey(ctx context.Context, parent rpki.Handle, child rpki.Handle, keyID signer.KeyIdentifier) (*ca.CA, error) {
	state, _, err := f.commitCA(ctx, parent, func(current *ca.CA) (ca.Command, error) {
		return ca.Command{Kind: ca.CmdRevokeChildKey, RevokeChildKey: &ca.RevokeChildKeyCmd{Handle: child, KeyID: keyID}}, nil
	})
	return state, err
}

// RouteAuthorizationsUpdate adds/removes route authorization intents.
func (f *CAServer) RouteAuthorizationsUpdate(ctx context.Context, handle rpki.Handle, add, remove []ca.RouteAuthorizationKey) (*ca.CA, error) {
	state, _, err := f.commitCA(ctx, handle, func(current *ca.CA) (ca.Command, error) {
		return ca.Command{Kind: ca.CmdRouteAuthorizationsUpdate, RouteAuthorizationsUpdate: &ca.RouteAuthorizationsUpdateCmd{Add: add, Remove: remove}}, nil
	})
	return state, err
}

// Publish recomputes handle's publication delta against its current
// state. Any produced Delta is stashed for a later ForwardCADelta call.
func (f *CAServer) Publish(ctx context.Context, handle rpki.Handle, now int64) (*ca.CA, error) {
	state, _, err := f.commitCA(ctx, handle, func(current *ca.CA) (ca.Command, error) {
		return ca.Command{Kind: ca.CmdPublish, Publish: &ca.PublishCmd{Now: now}}, nil
	})
	return state, err
}

// KeyRollInit starts a key rollover for every resource class currently
// Active, minting one fresh Signer key per class up front so the build
// closure (which may run more than once under retry) only has to look
// its key up rather than create a new one on every attempt.
func (f *CAServer) KeyRollInit(ctx context.Context, handle rpki.Handle, stagingTime, now int64) (*ca.CA, error) {
	current, err := f.store.GetLatest(handle)
	if err != nil {
		return nil, err
	}
	newKeyIDs := make(map[string]signer.KeyIdentifier)
	for key, rc := range current.ResourceClassesSnapshot() {
		if rc.Keys.Status != ca.KeyActive {
			continue
		}
		keyID, err := f.signer.CreateKey()
		if err != nil {
			return nil, err
		}
		newKeyIDs[key] = keyID
	}
	state, _, err := f.commitCA(ctx, handle, func(current *ca.CA) (ca.Command, error) {
		return ca.Command{Kind: ca.CmdKeyRollInit, KeyRollInit: &ca.KeyRollInitCmd{StagingTime: stagingTime, Now: now, NewKeyIDs: newKeyIDs}}, nil
	})
	return state, err
}

// KeyRollActivate promotes every class's staged new key to Current once
// the staging period has elapsed.
func (f *CAServer) KeyRollActivate(ctx context.Context, handle rpki.Handle, stagingTime, now int64) (*ca.CA, error) {
	state, _, err := f.commitCA(ctx, handle, func(current *ca.CA) (ca.Command, error) {
		return ca.Command{Kind: ca.CmdKeyRollActivate, KeyRollActivate: &ca.KeyRollActivateCmd{StagingTime: stagingTime, Now: now}}, nil
	})
	return state, err
}

// issuerKeyFor returns the key parentState uses to sign certificates it
// issues: its own Trust Anchor key, or the Current key of its first
// steady-state (Active or mid-rollover) resource class.
func issuerKeyFor(parentState *ca.CA) (signer.KeyIdentifier, error) {
	if id, ok := parentState.SelfSigningKeyID(); ok {
		return id, nil
	}
	for _, rc := range parentState.ResourceClassesSnapshot() {
		if rc.Keys.Current != nil && (rc.Keys.Status == ca.KeyActive || rc.Keys.Status == ca.KeyRollOld) {
			return rc.Keys.Current.ID, nil
		}
	}
	return "", apperr.Internal("parent has no active issuer key", nil)
}

// IssueChildCertificate certifies child's key under parent's current
// issuer key for requested resources, building AIA/SIA from the daemon's
// rsync jail convention. It is shared by the embedded-provisioning flow
// (UpdateEntitlements below) and an RFC 6492 "issue" responder serving a
// remote child.
func (f *CAServer) IssueChildCertificate(ctx context.Context, parent rpki.Handle, child rpki.Handle, keyID signer.KeyIdentifier, requested resources.Set, notAfter int64) (*ca.CA, ca.Certificate, error) {
	parentState, err := f.store.GetLatest(parent)
	if err != nil {
		return nil, ca.Certificate{}, err
	}
	issuerKey, err := issuerKeyFor(parentState)
	if err != nil {
		return nil, ca.Certificate{}, err
	}
	aia := f.rsyncBase + parent.String() + "/"
	sia := f.rsyncBase + parent.String() + "/" + child.String() + "/"

	state, events, err := f.commitCA(ctx, parent, func(current *ca.CA) (ca.Command, error) {
		return ca.Command{Kind: ca.CmdCertifyChild, CertifyChild: &ca.CertifyChildCmd{
			Handle: child, KeyID: keyID, RequestedResources: requested,
			IssuerKeyID: issuerKey, AIA: aia, SIA: sia, NotAfter: notAfter,
		}}, nil
	})
	if err != nil {
		return nil, ca.Certificate{}, err
	}
	for _, ev := range events {
		if ev.Kind == ca.EvCertificateIssued && ev.CertificateIssued != nil && ev.CertificateIssued.Handle == child {
			return state, ev.CertificateIssued.Cert, nil
		}
	}
	return state, ca.Certificate{}, apperr.Internal("certify_child produced no certificate", nil)
}

// SendRevokeRequest notifies parent that handle no longer needs one of
// its resource classes. Embedded parents need no notification (the
// shared store already reflects the change via UpdateEntitlements); a
// remote parent is told over RemoteTransport.
func (f *CAServer) SendRevokeRequest(ctx context.Context, handle rpki.Handle, parent rpki.Handle) error {
	state, err := f.store.GetLatest(handle)
	if err != nil {
		return err
	}
	parents := state.ParentsSnapshot()
	p, ok := parents[parent]
	if !ok || p.Contact.ServiceURI == "" {
		return nil
	}
	return f.transport.RevokeAtParent(ctx, p.Contact.ServiceURI, handle.String())
}

// DrainOutgoing is the hook a future batching remote-transport queue
// would drain through; today every remote call is made synchronously
// inline, so this is a no-op kept so the scheduler's dispatch table has
// a stable target for mq.KindRequestsPending.
func (f *CAServer) DrainOutgoing(ctx context.Context, handle rpki.Handle) error {
	return nil
}

// UpdateEntitlements refreshes every one of handle's parent relationships:
// for an embedded parent it reads entitlements straight out of the
// shared store, for a remote one it calls out over RemoteTransport, then
// diffs and certifies as needed.
func (f *CAServer) UpdateEntitlements(ctx context.Context, handle rpki.Handle) error {
	state, err := f.store.GetLatest(handle)
	if err != nil {
		return err
	}
	var result *multierror.Error
	for parentHandle, parent := range state.ParentsSnapshot() {
		if err := f.updateEntitlementsForParent(ctx, handle, parentHandle, parent); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (f *CAServer) updateEntitlementsForParent(ctx context.Context, child rpki.Handle, parentHandle rpki.Handle, parent ca.Parent) error {
	var entitlements []ca.Entitlement
	if parent.Contact.Embedded != "" {
		res, ok := f.entitlementsFromEmbeddedParent(parent.Contact.Embedded, child)
		if !ok {
			return apperr.UnknownHandle("ca-child", child.String())
		}
		entitlements = []ca.Entitlement{{Name: defaultResourceClassName, Resources: res}}
	} else {
		remote, err := f.transport.FetchEntitlements(ctx, parent.Contact.ServiceURI, child.String())
		if err != nil {
			return err
		}
		entitlements = remote
	}

	childState, err := f.store.GetLatest(child)
	if err != nil {
		return err
	}
	newKeyIDs := make(map[string]signer.KeyIdentifier)
	for _, ent := range entitlements {
		rc, exists := childState.ResourceClass(parentHandle, ent.Name)
		needsKey := !exists
		if exists && rc.Keys.Status == ca.KeyActive && rc.Keys.Current != nil && rc.Keys.Current.Cert != nil {
			needsKey = !rc.Keys.Current.Cert.Resources.Equal(ent.Resources)
		}
		if needsKey {
			keyID, err := f.signer.CreateKey()
			if err != nil {
				return err
			}
			newKeyIDs[ent.Name] = keyID
		}
	}

	_, events, err := f.commitCA(ctx, child, func(current *ca.CA) (ca.Command, error) {
		return ca.Command{Kind: ca.CmdUpdateEntitlements, UpdateEntitlements: &ca.UpdateEntitlementsCmd{
			Parent: parentHandle, Entitlements: entitlements, NewKeyIDs: newKeyIDs,
		}}, nil
	})
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, ev := range events {
		if ev.Kind != ca.EvCertificateRequested || ev.CertificateRequested == nil {
			continue
		}
		req := ev.CertificateRequested
		if req.Parent != parentHandle {
			continue
		}
		requested := resources.Empty()
		for _, ent := range entitlements {
			if ent.Name == req.Name {
				requested = ent.Resources
			}
		}
		if parent.Contact.Embedded != "" {
			if err := f.certifyAndReceiveEmbedded(ctx, parent.Contact.Embedded, child, parentHandle, req.Name, req.KeyID, requested); err != nil {
				result = multierror.Append(result, err)
			}
		} else if err := f.certifyAndReceiveRemote(ctx, parent.Contact.ServiceURI, child, parentHandle, req.Name, req.KeyID, requested); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if result.ErrorOrNil() != nil {
		return result
	}

	if parent.Contact.Embedded != "" {
		if _, err := f.Publish(ctx, parent.Contact.Embedded, 0); err != nil {
			return err
		}
	}
	_, err = f.Publish(ctx, child, 0)
	return err
}

func (f *CAServer) entitlementsFromEmbeddedParent(parent, child rpki.Handle) (resources.Set, bool) {
	parentState, err := f.store.GetLatest(parent)
	if err != nil {
		return resources.Set{}, false
	}
	return parentState.ChildEntitlements(child)
}

func (f *CAServer) certifyAndReceiveEmbedded(ctx context.Context, parent, child, parentHandle rpki.Handle, className string, keyID signer.KeyIdentifier, requested resources.Set) error {
	_, cert, err := f.IssueChildCertificate(ctx, parent, child, keyID, requested, math.MaxInt32)
	if err != nil {
		return err
	}
	_, _, err = f.commitCA(ctx, child, func(current *ca.CA) (ca.Command, error) {
		return ca.Command{Kind: ca.CmdUpdateReceivedCert, UpdateReceivedCert: &ca.UpdateReceivedCertCmd{
			Parent: parentHandle, Name: className, KeyID: keyID, Cert: cert,
		}}, nil
	})
	return err
}

func (f *CAServer) certifyAndReceiveRemote(ctx context.Context, serviceURI string, child, parentHandle rpki.Handle, className string, keyID signer.KeyIdentifier, requested resources.Set) error {
	cert, err := f.transport.SubmitCertificateRequest(ctx, serviceURI, child.String(), keyID, requested)
	if err != nil {
		return err
	}
	_, _, err = f.commitCA(ctx, child, func(current *ca.CA) (ca.Command, error) {
		return ca.Command{Kind: ca.CmdUpdateReceivedCert, UpdateReceivedCert: &ca.UpdateReceivedCertCmd{
			Parent: parentHandle, Name: className, KeyID: keyID, Cert: cert,
		}}, nil
	})
	return err
}
