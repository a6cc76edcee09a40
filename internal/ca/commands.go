package ca

import (
	"github.com/rpki-io/krillgo/internal/apperr"
	"github.com/rpki-io/krillgo/internal/rpki"
	"github.com/rpki-io/krillgo/internal/rpki/resources"
	"github.com/rpki-io/krillgo/internal/signer"
)

// CommandKind discriminates the payload carried by a Command.
type CommandKind string

const (
	CmdAddParent                 CommandKind = "add_parent"
	CmdUpdateEntitlements        CommandKind = "update_entitlements"
	CmdUpdateReceivedCert        CommandKind = "update_received_cert"
	CmdAddChild                  CommandKind = "add_child"
	CmdUpdateChild               CommandKind = "update_child"
	CmdCertifyChild              CommandKind = "certify_child"
	CmdRevokeChildKey            CommandKind = "revoke_child_key"
	CmdKeyRollInit               CommandKind = "key_roll_init"
	CmdKeyRollActivate           CommandKind = "key_roll_activate"
	CmdRouteAuthorizationsUpdate CommandKind = "route_authorizations_update"
	CmdPublish                   CommandKind = "publish"
)

// Command is the tagged union of every operation a CA processes. Exactly
// one payload field is set, matching Kind. Commands never carry I/O
// results the aggregate itself must fetch: any Signer or remote-parent
// call a command depends on is performed by the façade first and its
// result (a key identifier, a received certificate) is passed in here,
// keeping Process itself CPU-only.
type Command struct {
	Kind CommandKind

	AddParent                *AddParentCmd
	UpdateEntitlements       *UpdateEntitlementsCmd
	UpdateReceivedCert       *UpdateReceivedCertCmd
	AddChild                 *AddChildCmd
	UpdateChild              *UpdateChildCmd
	CertifyChild             *CertifyChildCmd
	RevokeChildKey           *RevokeChildKeyCmd
	KeyRollInit              *KeyRollInitCmd
	KeyRollActivate          *KeyRollActivateCmd
	RouteAuthorizationsUpdate *RouteAuthorizationsUpdateCmd
	Publish                  *PublishCmd
}

type AddParentCmd struct {
	Handle  rpki.Handle
	Contact ParentContact
}

// Entitlement is one resource class a parent currently grants this CA,
// as reported by the parent (locally, or via RFC 6492 list response).
type Entitlement struct {
	Name      string
	Resources resources.Set
}

type UpdateEntitlementsCmd struct {
	Parent       rpki.Handle
	Entitlements []Entitlement
	// NewKeyIDs supplies a freshly created Signer key identifier for
	// every entitlement that needs one: a brand new resource class, or
	// one whose resources changed and therefore needs re-certification.
	// The façade calls Signer.CreateKey before invoking this command.
	NewKeyIDs map[string]signer.KeyIdentifier
}

type UpdateReceivedCertCmd struct {
	Parent rpki.Handle
	Name   string
	KeyID  signer.KeyIdentifier
	Cert   Certificate
}

type AddChildCmd struct {
	Handle    rpki.Handle
	IDCert    []byte
	Resources resources.Set
}

type UpdateChildCmd struct {
	Handle        rpki.Handle
	NewResources  *resources.Set
	NewIDCert     []byte
	RevokedKeyIDs []signer.KeyIdentifier
}

type CertifyChildCmd struct {
	Handle            rpki.Handle
	KeyID             signer.KeyIdentifier
	RequestedResources resources.Set
	IssuerKeyID       signer.KeyIdentifier
	AIA               string
	SIA               string
	NotAfter          int64
}

type RevokeChildKeyCmd struct {
	Handle rpki.Handle
	KeyID  signer.KeyIdentifier
}

type KeyRollInitCmd struct {
	StagingTime int64
	Now         int64
	// NewKeyIDs supplies a freshly created key identifier per eligible
	// resource class, keyed by "parent/name".
	NewKeyIDs map[string]signer.KeyIdentifier
}

type KeyRollActivateCmd struct {
	StagingTime int64
	Now         int64
}

type RouteAuthorizationsUpdateCmd struct {
	Add    []RouteAuthorizationKey
	Remove []RouteAuthorizationKey
}

type PublishCmd struct {
	Now int64
}

// Process validates cmd against the current state and returns the events
// committing it would produce.
func (c *CA) Process(cmd Command) ([]Event, error) {
	switch cmd.Kind {
	case CmdAddParent:
		return c.processAddParent(cmd.AddParent)
	case CmdUpdateEntitlements:
		return c.processUpdateEntitlements(cmd.UpdateEntitlements)
	case CmdUpdateReceivedCert:
		return c.processUpdateReceivedCert(cmd.UpdateReceivedCert)
	case CmdAddChild:
		return c.processAddChild(cmd.AddChild)
	case CmdUpdateChild:
		return c.processUpdateChild(cmd.UpdateChild)
	case CmdCertifyChild:
		return c.processCertifyChild(cmd.CertifyChild)
	case CmdRevokeChildKey:
		return c.processRevokeChildKey(cmd.RevokeChildKey)
	case CmdKeyRollInit:
		return c.processKeyRollInit(cmd.KeyRollInit)
	case CmdKeyRollActivate:
		return c.processKeyRollActivate(cmd.KeyRollActivate)
	case CmdRouteAuthorizationsUpdate:
		return c.processRouteAuthorizationsUpdate(cmd.RouteAuthorizationsUpdate)
	case CmdPublish:
		return c.processPublish(cmd.Publish)
	default:
		return nil, apperr.InvalidRequest("unknown CA command")
	}
}

func (c *CA) processAddParent(cmd *AddParentCmd) ([]Event, error) {
	if c.trustAnchor {
		return nil, apperr.InvalidRequest("a trust anchor cannot have a parent")
	}
	if _, exists := c.parents[cmd.Handle]; exists {
		return nil, apperr.DuplicateHandle("ca-parent", cmd.Handle.String())
	}
	return []Event{{Kind: EvParentAdded, ParentAdded: &ParentAddedPayload{Handle: cmd.Handle, Contact: cmd.Contact}}}, nil
}

// processUpdateEntitlements diffs the parent's reported entitlements
// against this CA's current resource classes for that parent: new
// classes are added, dropped classes are removed (with their current key
// revoked), and classes whose resources changed get a fresh certificate
// request.
func (c *CA) processUpdateEntitlements(cmd *UpdateEntitlementsCmd) ([]Event, error) {
	if _, ok := c.parents[cmd.Parent]; !ok {
		return nil, apperr.UnknownHandle("ca-parent", cmd.Parent.String())
	}

	seen := make(map[string]bool, len(cmd.Entitlements))
	var events []Event

	for _, ent := range cmd.Entitlements {
		key := rcKey(cmd.Parent, ent.Name)
		seen[key] = true
		rc, exists := c.resourceClasses[key]

		if !exists {
			events = append(events, Event{Kind: EvResourceClassAdded, ResourceClassAdded: &ResourceClassAddedPayload{Parent: cmd.Parent, Name: ent.Name}})
			keyID := cmd.NewKeyIDs[ent.Name]
			events = append(events, Event{Kind: EvCertificateRequested, CertificateRequested: &CertificateRequestedPayload{Parent: cmd.Parent, Name: ent.Name, KeyID: keyID}})
			continue
		}

		currentResources := resources.Empty()
		if rc.Keys.Current != nil && rc.Keys.Current.Cert != nil {
			currentResources = rc.Keys.Current.Cert.Resources
		}
		if !currentResources.Equal(ent.Resources) && rc.Keys.Status == KeyActive {
			keyID, ok := cmd.NewKeyIDs[ent.Name]
			if !ok {
				continue
			}
			events = append(events, Event{Kind: EvCertificateRequested, CertificateRequested: &CertificateRequestedPayload{Parent: cmd.Parent, Name: ent.Name, KeyID: keyID, ForRoll: true}})
		}
	}

	for key, rc := range c.resourceClasses {
		if rc.Parent != cmd.Parent || seen[key] {
			continue
		}
		events = append(events, Event{Kind: EvResourceClassRemoved, ResourceClassRemoved: &ResourceClassRemovedPayload{Parent: cmd.Parent, Name: rc.Name}})
		if rc.Keys.Current != nil {
			events = append(events, Event{Kind: EvKeyRevocationRequested, KeyRevocationRequested: &KeyRevocationRequestedPayload{Parent: cmd.Parent, Name: rc.Name, KeyID: rc.Keys.Current.ID}})
		}
	}

	return events, nil
}

func (c *CA) processUpdateReceivedCert(cmd *UpdateReceivedCertCmd) ([]Event, error) {
	rc, ok := c.resourceClasses[rcKey(cmd.Parent, cmd.Name)]
	if !ok {
		return nil, apperr.UnknownHandle("ca-resource-class", cmd.Name)
	}

	var pendingKeyID signer.KeyIdentifier
	switch rc.Keys.Status {
	case KeyPending:
		if rc.Keys.Current == nil {
			return nil, apperr.InvalidRequest("no pending certificate request")
		}
		pendingKeyID = rc.Keys.Current.ID
	case KeyRollPending:
		if rc.Keys.New == nil {
			return nil, apperr.InvalidRequest("no pending rollover certificate request")
		}
		pendingKeyID = rc.Keys.New.ID
	default:
		return nil, apperr.InvalidRequest("no pending certificate request")
	}
	if pendingKeyID != cmd.KeyID {
		return nil, apperr.InvalidRequest("certificate does not match the pending request")
	}

	return []Event{{Kind: EvCertificateReceived, CertificateReceived: &CertificateReceivedPayload{
		Parent: cmd.Parent, Name: cmd.Name, KeyID: cmd.KeyID, Cert: cmd.Cert,
	}}}, nil
}

func (c *CA) processAddChild(cmd *AddChildCmd) ([]Event, error) {
	if _, exists := c.children[cmd.Handle]; exists {
		return nil, apperr.DuplicateHandle("ca-child", cmd.Handle.String())
	}
	held := c.CertifiedResources()
	if !held.Contains(cmd.Resources) {
		return nil, apperr.ResourcesNotHeld(cmd.Resources.String(), held.String())
	}
	return []Event{{Kind: EvChildAdded, ChildAdded: &ChildAddedPayload{Handle: cmd.Handle, IDCert: cmd.IDCert, Resources: cmd.Resources}}}, nil
}

func (c *CA) processUpdateChild(cmd *UpdateChildCmd) ([]Event, error) {
	ch, ok := c.children[cmd.Handle]
	if !ok {
		return nil, apperr.UnknownHandle("ca-child", cmd.Handle.String())
	}

	var events []Event
	if cmd.NewResources != nil {
		held := c.CertifiedResources()
		if !held.Contains(*cmd.NewResources) {
			return nil, apperr.ResourcesNotHeld(cmd.NewResources.String(), held.String())
		}
		events = append(events, Event{Kind: EvChildUpdatedResources, ChildUpdatedResources: &ChildUpdatedResourcesPayload{Handle: cmd.Handle, Resources: *cmd.NewResources}})

		var revoked []signer.KeyIdentifier
		for kid, cert := range ch.Certs {
			if cert.Revoked {
				continue
			}
			if !cmd.NewResources.Contains(cert.Resources) {
				revoked = append(revoked, kid)
			}
		}
		if len(revoked) > 0 {
			events = append(events, Event{Kind: EvChildRemovedResourceClass, ChildRemovedResourceClass: &ChildRemovedResourceClassPayload{Handle: cmd.Handle, RevokedKeyIDs: revoked}})
		}
	}
	if cmd.NewIDCert != nil {
		events = append(events, Event{Kind: EvChildUpdatedIDCert, ChildUpdatedIDCert: &ChildUpdatedIDCertPayload{Handle: cmd.Handle, IDCert: cmd.NewIDCert}})
	}
	return events, nil
}

func (c *CA) processCertifyChild(cmd *CertifyChildCmd) ([]Event, error) {
	ch, ok := c.children[cmd.Handle]
	if !ok {
		return nil, apperr.UnknownHandle("ca-child", cmd.Handle.String())
	}
	if !ch.Resources.Contains(cmd.RequestedResources) {
		return nil, apperr.ResourcesNotHeld(cmd.RequestedResources.String(), ch.Resources.String())
	}

	cert := Certificate{AIA: cmd.AIA, SIA: cmd.SIA, NotAfter: cmd.NotAfter, Resources: cmd.RequestedResources}
	return []Event{{Kind: EvCertificateIssued, CertificateIssued: &CertificateIssuedPayload{Handle: cmd.Handle, KeyID: cmd.KeyID, Cert: cert}}}, nil
}

func (c *CA) processRevokeChildKey(cmd *RevokeChildKeyCmd) ([]Event, error) {
	ch, ok := c.children[cmd.Handle]
	if !ok {
		return nil, apperr.UnknownHandle("ca-child", cmd.Handle.String())
	}
	if _, ok := ch.Certs[cmd.KeyID]; !ok {
		return nil, apperr.UnknownHandle("ca-child-key", string(cmd.KeyID))
	}
	return []Event{{Kind: EvChildCertificateRevoked, ChildCertificateRevoked: &ChildCertificateRevokedPayload{Handle: cmd.Handle, KeyID: cmd.KeyID}}}, nil
}

// processKeyRollInit starts a rollover for every resource class currently
// in the steady Active state. Classes already mid-rollover are left alone
// so repeated roll_init calls are idempotent rather than erroring.
func (c *CA) processKeyRollInit(cmd *KeyRollInitCmd) ([]Event, error) {
	if cmd.Now < cmd.StagingTime {
		return nil, apperr.InvalidRequest("staging time has not elapsed")
	}
	var events []Event
	for key, rc := range c.resourceClasses {
		if rc.Keys.Status != KeyActive {
			continue
		}
		keyID, ok := cmd.NewKeyIDs[key]
		if !ok {
			return nil, apperr.Internal("missing new key id for resource class "+rc.Name, nil)
		}
		events = append(events,
			Event{Kind: EvCertificateRequested, CertificateRequested: &CertificateRequestedPayload{Parent: rc.Parent, Name: rc.Name, KeyID: keyID, ForRoll: true}},
		)
	}
	return events, nil
}

func (c *CA) processKeyRollActivate(cmd *KeyRollActivateCmd) ([]Event, error) {
	if cmd.Now < cmd.StagingTime {
		return nil, apperr.InvalidRequest("staging time has not elapsed")
	}
	var events []Event
	for _, rc := range c.resourceClasses {
		if rc.Keys.Status != KeyRollNew {
			continue
		}
		events = append(events,
			Event{Kind: EvKeyActivated, KeyActivated: &KeyActivatedPayload{Parent: rc.Parent, Name: rc.Name, KeyID: rc.Keys.New.ID}},
			Event{Kind: EvKeyRevocationRequested, KeyRevocationRequested: &KeyRevocationRequestedPayload{Parent: rc.Parent, Name: rc.Name, KeyID: rc.Keys.Current.ID}},
		)
	}
	return events, nil
}

func (c *CA) processRouteAuthorizationsUpdate(cmd *RouteAuthorizationsUpdateCmd) ([]Event, error) {
	var events []Event
	held := c.CertifiedResources()

	for _, key := range cmd.Add {
		if _, exists := c.routeAuthorizations[key]; exists {
			continue
		}
		maxBits := 32
		prefix, err := parsePrefixForASNCheck(key.Prefix)
		if err != nil {
			return nil, apperr.InvalidRequest("invalid ROA prefix: " + key.Prefix)
		}
		if prefix.Addr().Is6() {
			maxBits = 128
		}
		if key.MaxLength < prefix.Bits() || key.MaxLength > maxBits {
			return nil, apperr.InvalidRequest("ROA max-length out of range")
		}
		reqSet, err := resources.Empty().AddPrefix(prefix)
		if err != nil {
			return nil, apperr.InvalidRequest("invalid ROA prefix: " + key.Prefix)
		}
		if !held.Contains(reqSet) {
			return nil, apperr.ResourcesNotHeld(key.Prefix, held.String())
		}
		events = append(events, Event{Kind: EvRoaUpdated, RoaUpdated: &RoaUpdatedPayload{Info: RoaInfo{Key: key}}})
	}

	for _, key := range cmd.Remove {
		if _, exists := c.routeAuthorizations[key]; !exists {
			continue
		}
		events = append(events, Event{Kind: EvRoaRemoved, RoaRemoved: &RoaRemovedPayload{Key: key}})
	}

	return events, nil
}
