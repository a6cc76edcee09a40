package ca

import (
	"github.com/rpki-io/krillgo/internal/rpki"
	"github.com/rpki-io/krillgo/internal/rpki/resources"
	"github.com/rpki-io/krillgo/internal/signer"
)

// Init is the version-0 event that creates a CA. A Trust Anchor carries
// its own self-certified resources; an ordinary CA starts empty and
// receives resources from its first parent.
type Init struct {
	Handle      rpki.Handle
	TrustAnchor bool
	Resources   resources.Set        `json:",omitempty"`
	AIA         string               `json:",omitempty"`
	TALURI      string               `json:",omitempty"`
	// SigningKeyID is the Trust Anchor's own certificate-issuing key,
	// created by the façade via Signer.CreateKey before this event is
	// built. Empty for a non-TA CA, which gets its issuer keys from its
	// resourceClasses once it has a parent.
	SigningKeyID signer.KeyIdentifier `json:",omitempty"`
}

// EventKind discriminates the payload carried by an Event.
type EventKind string

const (
	EvParentAdded              EventKind = "parent_added"
	EvResourceClassAdded       EventKind = "resource_class_added"
	EvResourceClassRemoved     EventKind = "resource_class_removed"
	EvCertificateRequested     EventKind = "certificate_requested"
	EvCertificateReceived      EventKind = "certificate_received"
	EvKeyActivated             EventKind = "key_activated"
	EvKeyRevocationRequested   EventKind = "key_revocation_requested"
	EvChildAdded               EventKind = "child_added"
	EvChildUpdatedResources    EventKind = "child_updated_resources"
	EvChildUpdatedIDCert       EventKind = "child_updated_id_cert"
	EvChildRemovedResourceClass EventKind = "child_removed_resource_class"
	EvCertificateIssued        EventKind = "certificate_issued"
	EvChildCertificateRevoked  EventKind = "child_certificate_revoked"
	EvRoaUpdated               EventKind = "roa_updated"
	EvRoaRemoved               EventKind = "roa_removed"
	EvPublished                EventKind = "published"
)

// Event is the tagged union of everything that can mutate a CA. Exactly
// one of the payload fields is set, matching Kind.
type Event struct {
	Kind EventKind

	ParentAdded               *ParentAddedPayload               `json:",omitempty"`
	ResourceClassAdded        *ResourceClassAddedPayload         `json:",omitempty"`
	ResourceClassRemoved      *ResourceClassRemovedPayload       `json:",omitempty"`
	CertificateRequested      *CertificateRequestedPayload       `json:",omitempty"`
	CertificateReceived       *CertificateReceivedPayload        `json:",omitempty"`
	KeyActivated              *KeyActivatedPayload               `json:",omitempty"`
	KeyRevocationRequested    *KeyRevocationRequestedPayload     `json:",omitempty"`
	ChildAdded                *ChildAddedPayload                 `json:",omitempty"`
	ChildUpdatedResources     *ChildUpdatedResourcesPayload      `json:",omitempty"`
	ChildUpdatedIDCert        *ChildUpdatedIDCertPayload         `json:",omitempty"`
	ChildRemovedResourceClass *ChildRemovedResourceClassPayload  `json:",omitempty"`
	CertificateIssued         *CertificateIssuedPayload          `json:",omitempty"`
	ChildCertificateRevoked   *ChildCertificateRevokedPayload    `json:",omitempty"`
	RoaUpdated                *RoaUpdatedPayload                 `json:",omitempty"`
	RoaRemoved                *RoaRemovedPayload                 `json:",omitempty"`
	Published                 *PublishedPayload                  `json:",omitempty"`
}

type ParentAddedPayload struct {
	Handle  rpki.Handle
	Contact ParentContact
}

type ResourceClassAddedPayload struct {
	Parent rpki.Handle
	Name   string
}

type ResourceClassRemovedPayload struct {
	Parent rpki.Handle
	Name   string
}

type CertificateRequestedPayload struct {
	Parent rpki.Handle
	Name   string
	KeyID  signer.KeyIdentifier
	// ForRoll is true when this request is for a key rollover's new key
	// rather than a class's first key.
	ForRoll bool
}

type CertificateReceivedPayload struct {
	Parent rpki.Handle
	Name   string
	KeyID  signer.KeyIdentifier
	Cert   Certificate
}

type KeyActivatedPayload struct {
	Parent rpki.Handle
	Name   string
	KeyID  signer.KeyIdentifier
}

type KeyRevocationRequestedPayload struct {
	Parent rpki.Handle
	Name   string
	KeyID  signer.KeyIdentifier
}

type ChildAddedPayload struct {
	Handle    rpki.Handle
	IDCert    []byte
	Resources resources.Set
}

type ChildUpdatedResourcesPayload struct {
	Handle    rpki.Handle
	Resources resources.Set
}

type ChildUpdatedIDCertPayload struct {
	Handle rpki.Handle
	IDCert []byte
}

type ChildRemovedResourceClassPayload struct {
	Handle        rpki.Handle
	RevokedKeyIDs []signer.KeyIdentifier
}

type CertificateIssuedPayload struct {
	Handle rpki.Handle
	KeyID  signer.KeyIdentifier
	Cert   Certificate
}

type ChildCertificateRevokedPayload struct {
	Handle rpki.Handle
	KeyID  signer.KeyIdentifier
}

type RoaUpdatedPayload struct {
	Info RoaInfo
}

type RoaRemovedPayload struct {
	Key RouteAuthorizationKey
}

// PublishAtomKind names the operation RFC 8181 performs on one URI.
type PublishAtomKind string

const (
	AtomPublish  PublishAtomKind = "publish"
	AtomUpdate   PublishAtomKind = "update"
	AtomWithdraw PublishAtomKind = "withdraw"
)

// PublishAtom is one URI-level operation in a publication delta.
type PublishAtom struct {
	Kind    PublishAtomKind
	URI     string
	Content []byte // empty for withdraw
	OldHash string // set for update/withdraw
}

// Delta is the set of atoms a committed Publish produces for one resource
// class's publication point.
type Delta struct {
	ClassName string
	Atoms     []PublishAtom
}

type PublishedPayload struct {
	Deltas []Delta
}

// Init sets the CA's initial state from its version-0 event.
func (c *CA) Init(init Init) {
	c.handle = init.Handle
	c.trustAnchor = init.TrustAnchor
	c.resources = init.Resources
	c.aia = init.AIA
	c.talURI = init.TALURI
	c.signingKeyID = init.SigningKeyID
	c.version = 0
}

// Apply mutates state for one already-committed event.
func (c *CA) Apply(ev Event) {
	switch ev.Kind {
	case EvParentAdded:
		p := ev.ParentAdded
		c.parents[p.Handle] = &Parent{Handle: p.Handle, Contact: p.Contact}

	case EvResourceClassAdded:
		p := ev.ResourceClassAdded
		c.resourceClasses[rcKey(p.Parent, p.Name)] = &ResourceClass{
			Parent: p.Parent,
			Name:   p.Name,
			Keys:   KeyState{Status: KeyPending},
		}

	case EvResourceClassRemoved:
		p := ev.ResourceClassRemoved
		delete(c.resourceClasses, rcKey(p.Parent, p.Name))
		delete(c.published, rcKey(p.Parent, p.Name))

	case EvCertificateRequested:
		p := ev.CertificateRequested
		rc := c.resourceClasses[rcKey(p.Parent, p.Name)]
		if rc == nil {
			return
		}
		if p.ForRoll {
			rc.Keys.Status = KeyRollPending
			rc.Keys.New = &Key{ID: p.KeyID}
		} else {
			rc.Keys.Status = KeyPending
			rc.Keys.Current = &Key{ID: p.KeyID}
		}

	case EvCertificateReceived:
		p := ev.CertificateReceived
		rc := c.resourceClasses[rcKey(p.Parent, p.Name)]
		if rc == nil {
			return
		}
		cert := p.Cert
		switch rc.Keys.Status {
		case KeyPending:
			if rc.Keys.Current != nil && rc.Keys.Current.ID == p.KeyID {
				rc.Keys.Current.Cert = &cert
				rc.Keys.Status = KeyActive
			}
		case KeyRollPending:
			if rc.Keys.New != nil && rc.Keys.New.ID == p.KeyID {
				rc.Keys.New.Cert = &cert
				rc.Keys.Status = KeyRollNew
			}
		}
		rc.Resources = cert.Resources

	case EvKeyActivated:
		p := ev.KeyActivated
		rc := c.resourceClasses[rcKey(p.Parent, p.Name)]
		if rc == nil || rc.Keys.New == nil {
			return
		}
		rc.Keys.Old = rc.Keys.Current
		rc.Keys.Current = rc.Keys.New
		rc.Keys.New = nil
		rc.Keys.Status = KeyRollOld

	case EvKeyRevocationRequested:
		p := ev.KeyRevocationRequested
		rc := c.resourceClasses[rcKey(p.Parent, p.Name)]
		if rc == nil {
			return
		}
		if rc.Keys.Old != nil && rc.Keys.Old.ID == p.KeyID {
			rc.Keys.Old = nil
			if rc.Keys.Status == KeyRollOld {
				rc.Keys.Status = KeyActive
			}
		}

	case EvChildAdded:
		p := ev.ChildAdded
		c.children[p.Handle] = &Child{
			Handle:    p.Handle,
			IDCert:    p.IDCert,
			Resources: p.Resources,
			Certs:     make(map[signer.KeyIdentifier]*ChildKeyCert),
		}

	case EvChildUpdatedResources:
		p := ev.ChildUpdatedResources
		if ch := c.children[p.Handle]; ch != nil {
			ch.Resources = p.Resources
		}

	case EvChildUpdatedIDCert:
		p := ev.ChildUpdatedIDCert
		if ch := c.children[p.Handle]; ch != nil {
			ch.IDCert = p.IDCert
		}

	case EvChildRemovedResourceClass:
		p := ev.ChildRemovedResourceClass
		if ch := c.children[p.Handle]; ch != nil {
			for _, kid := range p.RevokedKeyIDs {
				if cert, ok := ch.Certs[kid]; ok {
					cert.Revoked = true
				}
			}
		}

	case EvCertificateIssued:
		p := ev.CertificateIssued
		if ch := c.children[p.Handle]; ch != nil {
			cert := p.Cert
			ch.Certs[p.KeyID] = &ChildKeyCert{KeyID: p.KeyID, Resources: cert.Resources, Cert: &cert}
		}

	case EvChildCertificateRevoked:
		p := ev.ChildCertificateRevoked
		if ch := c.children[p.Handle]; ch != nil {
			if cert, ok := ch.Certs[p.KeyID]; ok {
				cert.Revoked = true
			}
		}

	case EvRoaUpdated:
		p := ev.RoaUpdated
		info := p.Info
		c.routeAuthorizations[info.Key] = struct{}{}
		c.roas[info.Key] = &info

	case EvRoaRemoved:
		p := ev.RoaRemoved
		delete(c.routeAuthorizations, p.Key)
		delete(c.roas, p.Key)

	case EvPublished:
		p := ev.Published
		for _, d := range p.Deltas {
			bucket := c.published[d.ClassName]
			if bucket == nil {
				bucket = make(map[string]PublishedObject)
				c.published[d.ClassName] = bucket
			}
			for _, atom := range d.Atoms {
				switch atom.Kind {
				case AtomPublish, AtomUpdate:
					bucket[atom.URI] = PublishedObject{URI: atom.URI, Hash: hashOf(atom.Content)}
				case AtomWithdraw:
					delete(bucket, atom.URI)
				}
			}
		}
	}

	c.version++
}
