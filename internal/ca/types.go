// Package ca implements the CA aggregate: a deterministic state machine
// driven by commands and replayed from an append-only event log, managing
// one RPKI CA's parents, children, resource classes, keys (including key
// rollover), issued certificates, authorized routes, and produced ROAs.
package ca

import (
	"github.com/rpki-io/krillgo/internal/rpki"
	"github.com/rpki-io/krillgo/internal/rpki/encoding"
	"github.com/rpki-io/krillgo/internal/rpki/resources"
	"github.com/rpki-io/krillgo/internal/signer"
)

// KeyStatus names a point in the per-resource-class key rollover state
// machine (spec.md §4.2).
type KeyStatus string

const (
	KeyPending     KeyStatus = "pending"      // requested, no cert yet
	KeyActive      KeyStatus = "active"       // Current holds the signing key
	KeyRollPending KeyStatus = "roll_pending" // New requested, Current still signs
	KeyRollNew     KeyStatus = "roll_new"     // New has a cert, Current still signs
	KeyRollOld     KeyStatus = "roll_old"     // New promoted to Current, Old awaits revocation
)

// Key is one key pair tracked by a resource class, plus the certificate
// the parent issued for it, once received.
type Key struct {
	ID   signer.KeyIdentifier
	Cert *Certificate // nil until CertificateReceived
}

// Certificate is the locally cached record of a certificate issued to
// this CA by its parent for one key.
type Certificate struct {
	AIA       string
	SIA       string
	NotAfter  int64
	Resources resources.Set
}

// KeyState is the resource class's key-rollover bookkeeping: which keys
// are in play and what role each plays right now.
type KeyState struct {
	Status  KeyStatus
	Current *Key
	New     *Key
	Old     *Key
}

// ResourceClass is a logical grouping of resources received from one
// parent, identified by a parent-chosen class name.
type ResourceClass struct {
	Parent    rpki.Handle
	Name      string
	Resources resources.Set
	Keys      KeyState
}

// ChildKeyCert records a certificate this CA has issued to one of its
// children, keyed by the child's public key identifier.
type ChildKeyCert struct {
	KeyID     signer.KeyIdentifier
	Resources resources.Set
	Cert      *Certificate
	Revoked   bool
}

// Child is a delegated child CA, tracked from the parent's side.
type Child struct {
	Handle    rpki.Handle
	IDCert    []byte // RFC 6492 identity certificate, opaque here
	Resources resources.Set
	Certs     map[signer.KeyIdentifier]*ChildKeyCert
}

// ParentContact is how a CA reaches its parent: either another CA hosted
// in this same server (Embedded), or an RFC 6492 remote endpoint.
type ParentContact struct {
	Embedded  rpki.Handle // set when the parent is local
	ServiceURI string     // set when the parent is remote
	IDCert     []byte
}

// Parent is one parent relationship, tracked from the child's side.
type Parent struct {
	Handle  rpki.Handle
	Contact ParentContact
}

// RouteAuthorizationKey uniquely identifies a route authorization intent.
type RouteAuthorizationKey struct {
	ASN       uint32
	Prefix    string
	MaxLength int
}

// RoaInfo is a produced ROA's current object state.
type RoaInfo struct {
	Key        RouteAuthorizationKey
	ObjectURI  string
	Content    []byte
	Hash       string
	FirstSeen  int64
	Replaces   string // hash of the object this supersedes, empty if new
}

// PublishedObject is one object this CA currently has published, used to
// diff against the next Publish computation.
type PublishedObject struct {
	URI  string
	Hash string
}

// CA is the aggregate state. It is never mutated outside Apply.
type CA struct {
	handle      rpki.Handle
	trustAnchor bool
	version     int

	// present only for a Trust Anchor: the self-certified root resources
	// and the key it signs its children's certificates with. An ordinary
	// CA's issuer keys live on its resourceClasses instead; a TA has none
	// of those since it has no parent to grant it a class.
	resources     resources.Set
	aia           string
	talURI        string
	signingKeyID  signer.KeyIdentifier

	parents map[rpki.Handle]*Parent
	// resourceClasses is keyed by (parent, class name) joined for
	// simplicity; class names are chosen by the parent and only unique
	// per parent.
	resourceClasses map[string]*ResourceClass

	children map[rpki.Handle]*Child

	routeAuthorizations map[RouteAuthorizationKey]struct{}
	roas                map[RouteAuthorizationKey]*RoaInfo

	// published tracks, per resource class name, the object set this CA
	// last told the Publication Server about, used to compute the next
	// Publish delta.
	published map[string]map[string]PublishedObject

	// encoder renders the byte content of certificates, ROAs, manifests
	// and CRLs. It is a pure, deterministic collaborator (no real key
	// material, no I/O) so calling it from Process keeps command
	// processing CPU-only; actual private key operations belong to a
	// Signer, which the façade calls before a command is ever built.
	encoder encoding.Encoder
}

func rcKey(parent rpki.Handle, name string) string {
	return parent.String() + "/" + name
}

func newCA() *CA {
	return &CA{
		parents:             make(map[rpki.Handle]*Parent),
		resourceClasses:     make(map[string]*ResourceClass),
		children:            make(map[rpki.Handle]*Child),
		routeAuthorizations: make(map[RouteAuthorizationKey]struct{}),
		roas:                make(map[RouteAuthorizationKey]*RoaInfo),
		published:           make(map[string]map[string]PublishedObject),
		encoder:             encoding.NewStub(),
	}
}

// New returns a fresh, uninitialized CA aggregate instance using the
// default stub Encoder, the factory eventsourcing.Store implementations
// use to construct new instances before calling Init.
func New() *CA { return newCA() }

// NewFactory returns a CA constructor bound to enc, for wiring a
// non-default Encoder into an eventsourcing.Store.
func NewFactory(enc encoding.Encoder) func() *CA {
	return func() *CA {
		ca := newCA()
		ca.encoder = enc
		return ca
	}
}

func (c *CA) Version() int { return c.version }

// Handle returns the CA's own identifier.
func (c *CA) Handle() rpki.Handle { return c.handle }

// IsTrustAnchor reports whether this CA is self-certified.
func (c *CA) IsTrustAnchor() bool { return c.trustAnchor }

// CertifiedResources returns the union of resources certified by every
// current/active key, or the TA's self-certified resources.
func (c *CA) CertifiedResources() resources.Set {
	if c.trustAnchor {
		return c.resources
	}
	out := resources.Empty()
	for _, rc := range c.resourceClasses {
		if rc.Keys.Current != nil && rc.Keys.Current.Cert != nil {
			out = out.Union(rc.Keys.Current.Cert.Resources)
		}
	}
	return out
}

// ChildEntitlements returns the resources currently authorized for child,
// used by the façade's embedded-provisioning flow to compute
// UpdateEntitlements input without reaching into CA internals directly.
func (c *CA) ChildEntitlements(child rpki.Handle) (resources.Set, bool) {
	ch, ok := c.children[child]
	if !ok {
		return resources.Set{}, false
	}
	return ch.Resources, true
}

// ResourceClassesSnapshot returns a read-only copy of the resource class
// map, keyed by "parent/name", for façade orchestration and tests.
func (c *CA) ResourceClassesSnapshot() map[string]ResourceClass {
	out := make(map[string]ResourceClass, len(c.resourceClasses))
	for k, v := range c.resourceClasses {
		out[k] = *v
	}
	return out
}

// ResourceClass looks up one resource class by its owning parent and the
// parent-chosen class name, for façade orchestration that already knows
// which parent/name pair it wants rather than walking the full snapshot.
func (c *CA) ResourceClass(parent rpki.Handle, name string) (ResourceClass, bool) {
	rc, ok := c.resourceClasses[rcKey(parent, name)]
	if !ok {
		return ResourceClass{}, false
	}
	return *rc, true
}

// ParentsSnapshot returns a read-only copy of this CA's parent relationships,
// for the façade's embedded-provisioning flow to walk without reaching into
// aggregate internals.
func (c *CA) ParentsSnapshot() map[rpki.Handle]Parent {
	out := make(map[rpki.Handle]Parent, len(c.parents))
	for h, p := range c.parents {
		out[h] = *p
	}
	return out
}

// ChildrenSnapshot returns a read-only copy of this CA's delegated
// children, for the HTTP API's read endpoints to render without reaching
// into aggregate internals.
func (c *CA) ChildrenSnapshot() map[rpki.Handle]Child {
	out := make(map[rpki.Handle]Child, len(c.children))
	for h, ch := range c.children {
		out[h] = *ch
	}
	return out
}

// RoasSnapshot returns a read-only copy of the ROAs currently produced
// from this CA's authorized routes.
func (c *CA) RoasSnapshot() map[RouteAuthorizationKey]RoaInfo {
	out := make(map[RouteAuthorizationKey]RoaInfo, len(c.roas))
	for k, v := range c.roas {
		out[k] = *v
	}
	return out
}

// SelfSigningKeyID returns the key a Trust Anchor uses to certify its
// children. It is only set for a Trust Anchor (see Init); any other CA's
// issuer keys come from its resourceClasses instead.
func (c *CA) SelfSigningKeyID() (signer.KeyIdentifier, bool) {
	if !c.trustAnchor || c.signingKeyID == "" {
		return "", false
	}
	return c.signingKeyID, true
}
