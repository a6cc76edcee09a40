package ca

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpki-io/krillgo/internal/apperr"
	"github.com/rpki-io/krillgo/internal/rpki"
	"github.com/rpki-io/krillgo/internal/rpki/resources"
	"github.com/rpki-io/krillgo/internal/signer"
)

func mustPrefixSet(t *testing.T, cidrs ...string) resources.Set {
	t.Helper()
	set := resources.Empty()
	for _, cidr := range cidrs {
		p, err := netip.ParsePrefix(cidr)
		require.NoError(t, err)
		set, err = set.AddPrefix(p)
		require.NoError(t, err)
	}
	return set
}

func apply(c *CA, events []Event) {
	for _, ev := range events {
		c.Apply(ev)
	}
}

func newTrustAnchor(t *testing.T, res resources.Set) *CA {
	t.Helper()
	c := New()
	c.Init(Init{Handle: rpki.MustHandle("ta"), TrustAnchor: true, Resources: res, AIA: "rsync://ta/ta.cer", TALURI: "https://ta/ta.tal"})
	return c
}

// TestKeyRolloverStateMachine exercises the staged key rollover flow end
// to end: Active -> (roll init) RollPending -> (cert received) RollNew ->
// (roll activate) RollOld -> (old key revoked) Active, mirroring the
// explicit two-step activation a rollover requires.
func TestKeyRolloverStateMachine(t *testing.T) {
	c := New()
	c.Init(Init{Handle: rpki.MustHandle("child")})
	apply(c, []Event{{Kind: EvParentAdded, ParentAdded: &ParentAddedPayload{Handle: rpki.MustHandle("ta")}}})

	events, err := c.Process(Command{Kind: CmdUpdateEntitlements, UpdateEntitlements: &UpdateEntitlementsCmd{
		Parent:       rpki.MustHandle("ta"),
		Entitlements: []Entitlement{{Name: "default", Resources: mustPrefixSet(t, "10.0.0.0/8")}},
		NewKeyIDs:    map[string]signer.KeyIdentifier{"default": "k1"},
	}})
	require.NoError(t, err)
	apply(c, events)

	rc := c.resourceClasses[rcKey(rpki.MustHandle("ta"), "default")]
	require.Equal(t, KeyPending, rc.Keys.Status)

	events, err = c.Process(Command{Kind: CmdUpdateReceivedCert, UpdateReceivedCert: &UpdateReceivedCertCmd{
		Parent: rpki.MustHandle("ta"), Name: "default", KeyID: "k1",
		Cert: Certificate{Resources: mustPrefixSet(t, "10.0.0.0/8"), NotAfter: 1000},
	}})
	require.NoError(t, err)
	apply(c, events)
	assert.Equal(t, KeyActive, rc.Keys.Status)
	assert.Equal(t, signer.KeyIdentifier("k1"), rc.Keys.Current.ID)

	events, err = c.Process(Command{Kind: CmdKeyRollInit, KeyRollInit: &KeyRollInitCmd{
		Now: 10, StagingTime: 0,
		NewKeyIDs: map[string]signer.KeyIdentifier{rcKey(rpki.MustHandle("ta"), "default"): "k2"},
	}})
	require.NoError(t, err)
	apply(c, events)
	assert.Equal(t, KeyRollPending, rc.Keys.Status)
	require.NotNil(t, rc.Keys.New)
	assert.Equal(t, signer.KeyIdentifier("k2"), rc.Keys.New.ID)
	assert.Equal(t, signer.KeyIdentifier("k1"), rc.Keys.Current.ID, "current key still signs during staging")

	events, err = c.Process(Command{Kind: CmdUpdateReceivedCert, UpdateReceivedCert: &UpdateReceivedCertCmd{
		Parent: rpki.MustHandle("ta"), Name: "default", KeyID: "k2",
		Cert: Certificate{Resources: mustPrefixSet(t, "10.0.0.0/8"), NotAfter: 2000},
	}})
	require.NoError(t, err)
	apply(c, events)
	assert.Equal(t, KeyRollNew, rc.Keys.Status, "receiving the new key's cert must not auto-activate it")
	assert.Equal(t, signer.KeyIdentifier("k1"), rc.Keys.Current.ID)

	events, err = c.Process(Command{Kind: CmdKeyRollActivate, KeyRollActivate: &KeyRollActivateCmd{Now: 20, StagingTime: 15}})
	require.NoError(t, err)
	var sawActivation, sawRevocationRequest bool
	for _, ev := range events {
		switch ev.Kind {
		case EvKeyActivated:
			sawActivation = true
		case EvKeyRevocationRequested:
			sawRevocationRequest = true
		}
	}
	require.True(t, sawActivation, "activating a roll must promote the new key")
	require.True(t, sawRevocationRequest, "activating a roll must request revocation of the old key")

	apply(c, events)
	assert.Equal(t, KeyActive, rc.Keys.Status)
	assert.Equal(t, signer.KeyIdentifier("k2"), rc.Keys.Current.ID)
	assert.Nil(t, rc.Keys.Old)
	assert.Nil(t, rc.Keys.New)
}

func TestKeyRollActivateBeforeStagingTimeFails(t *testing.T) {
	c := New()
	c.Init(Init{Handle: rpki.MustHandle("child")})
	_, err := c.Process(Command{Kind: CmdKeyRollActivate, KeyRollActivate: &KeyRollActivateCmd{Now: 5, StagingTime: 10}})
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeInvalidRequest, ae.Code)
}

func TestAddChildRequiresHeldResources(t *testing.T) {
	c := newTrustAnchor(t, mustPrefixSet(t, "10.0.0.0/8"))
	_, err := c.Process(Command{Kind: CmdAddChild, AddChild: &AddChildCmd{
		Handle: rpki.MustHandle("child"), Resources: mustPrefixSet(t, "192.0.2.0/24"),
	}})
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeInvalidResources, ae.Code)
}

func TestTrustAnchorCanDelegateFullResourceSet(t *testing.T) {
	full := mustPrefixSet(t, "0.0.0.0/0", "::/0").AddASNRange(0, 4294967295)

	c := newTrustAnchor(t, full)
	events, err := c.Process(Command{Kind: CmdAddChild, AddChild: &AddChildCmd{
		Handle: rpki.MustHandle("child"), Resources: full,
	}})
	require.NoError(t, err)
	apply(c, events)
	assert.Contains(t, c.children, rpki.MustHandle("child"))
}

// TestChildResourceShrinkRevokesOutOfBoundsCertificates covers the
// cascade from a narrowed child entitlement to revocation of any
// certificate the child holds that the new entitlement no longer covers.
func TestChildResourceShrinkRevokesOutOfBoundsCertificates(t *testing.T) {
	c := newTrustAnchor(t, mustPrefixSet(t, "10.0.0.0/8"))
	apply(c, []Event{{Kind: EvChildAdded, ChildAdded: &ChildAddedPayload{
		Handle: rpki.MustHandle("child"), Resources: mustPrefixSet(t, "10.0.0.0/8"),
	}}})
	apply(c, []Event{{Kind: EvCertificateIssued, CertificateIssued: &CertificateIssuedPayload{
		Handle: rpki.MustHandle("child"), KeyID: "ck1",
		Cert: Certificate{Resources: mustPrefixSet(t, "10.1.0.0/16")},
	}}})

	narrower := mustPrefixSet(t, "10.2.0.0/16")
	events, err := c.Process(Command{Kind: CmdUpdateChild, UpdateChild: &UpdateChildCmd{
		Handle: rpki.MustHandle("child"), NewResources: &narrower,
	}})
	require.NoError(t, err)

	var revoked bool
	for _, ev := range events {
		if ev.Kind == EvChildRemovedResourceClass {
			revoked = true
			assert.Contains(t, ev.ChildRemovedResourceClass.RevokedKeyIDs, signer.KeyIdentifier("ck1"))
		}
	}
	assert.True(t, revoked, "shrinking below an issued cert's resources must revoke it")
}

func TestRouteAuthorizationRequiresHeldResources(t *testing.T) {
	c := newTrustAnchor(t, mustPrefixSet(t, "10.0.0.0/8"))
	_, err := c.Process(Command{Kind: CmdRouteAuthorizationsUpdate, RouteAuthorizationsUpdate: &RouteAuthorizationsUpdateCmd{
		Add: []RouteAuthorizationKey{{ASN: 65000, Prefix: "192.0.2.0/24", MaxLength: 24}},
	}})
	require.Error(t, err)
}

func TestRouteAuthorizationMaxLengthOutOfRange(t *testing.T) {
	c := newTrustAnchor(t, mustPrefixSet(t, "10.0.0.0/8"))
	_, err := c.Process(Command{Kind: CmdRouteAuthorizationsUpdate, RouteAuthorizationsUpdate: &RouteAuthorizationsUpdateCmd{
		Add: []RouteAuthorizationKey{{ASN: 65000, Prefix: "10.0.0.0/8", MaxLength: 7}},
	}})
	require.Error(t, err)
}

func TestPublishProducesManifestAndCRLForActiveKey(t *testing.T) {
	c := New()
	c.Init(Init{Handle: rpki.MustHandle("child"), AIA: "rsync://parent/"})
	apply(c, []Event{
		{Kind: EvParentAdded, ParentAdded: &ParentAddedPayload{Handle: rpki.MustHandle("ta")}},
		{Kind: EvResourceClassAdded, ResourceClassAdded: &ResourceClassAddedPayload{Parent: rpki.MustHandle("ta"), Name: "default"}},
		{Kind: EvCertificateRequested, CertificateRequested: &CertificateRequestedPayload{Parent: rpki.MustHandle("ta"), Name: "default", KeyID: "k1"}},
		{Kind: EvCertificateReceived, CertificateReceived: &CertificateReceivedPayload{
			Parent: rpki.MustHandle("ta"), Name: "default", KeyID: "k1",
			Cert: Certificate{SIA: "rsync://child/default/", Resources: mustPrefixSet(t, "10.0.0.0/8")},
		}},
	})

	events, err := c.Process(Command{Kind: CmdPublish, Publish: &PublishCmd{Now: 1}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, EvPublished, events[0].Kind)
	require.Len(t, events[0].Published.Deltas, 1)

	delta := events[0].Published.Deltas[0]
	assertURISuffixes(t, delta, ".mft", ".crl")

	apply(c, events)

	// Re-publishing with no state change must be a no-op (identical
	// content hashes mean no atoms at all).
	events, err = c.Process(Command{Kind: CmdPublish, Publish: &PublishCmd{Now: 2}})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestPublishDeltaNeverRepeatsAURI(t *testing.T) {
	c := New()
	c.Init(Init{Handle: rpki.MustHandle("child"), AIA: "rsync://parent/"})
	apply(c, []Event{
		{Kind: EvParentAdded, ParentAdded: &ParentAddedPayload{Handle: rpki.MustHandle("ta")}},
		{Kind: EvResourceClassAdded, ResourceClassAdded: &ResourceClassAddedPayload{Parent: rpki.MustHandle("ta"), Name: "default"}},
		{Kind: EvCertificateRequested, CertificateRequested: &CertificateRequestedPayload{Parent: rpki.MustHandle("ta"), Name: "default", KeyID: "k1"}},
		{Kind: EvCertificateReceived, CertificateReceived: &CertificateReceivedPayload{
			Parent: rpki.MustHandle("ta"), Name: "default", KeyID: "k1",
			Cert: Certificate{SIA: "rsync://child/default/", Resources: mustPrefixSet(t, "10.0.0.0/8")},
		}},
	})

	events, err := c.Process(Command{Kind: CmdPublish, Publish: &PublishCmd{Now: 1}})
	require.NoError(t, err)
	require.Len(t, events, 1)

	seen := make(map[string]bool)
	for _, atom := range events[0].Published.Deltas[0].Atoms {
		require.False(t, seen[atom.URI], "duplicate URI in one delta: %s", atom.URI)
		seen[atom.URI] = true
	}
}

func TestReplayIsDeterministic(t *testing.T) {
	events := []Event{
		{Kind: EvParentAdded, ParentAdded: &ParentAddedPayload{Handle: rpki.MustHandle("ta")}},
		{Kind: EvResourceClassAdded, ResourceClassAdded: &ResourceClassAddedPayload{Parent: rpki.MustHandle("ta"), Name: "default"}},
		{Kind: EvCertificateRequested, CertificateRequested: &CertificateRequestedPayload{Parent: rpki.MustHandle("ta"), Name: "default", KeyID: "k1"}},
	}

	c1 := New()
	c1.Init(Init{Handle: rpki.MustHandle("child")})
	apply(c1, events)

	c2 := New()
	c2.Init(Init{Handle: rpki.MustHandle("child")})
	apply(c2, events)

	assert.Equal(t, c1.Version(), c2.Version())
	assert.Equal(t, c1.ResourceClassesSnapshot(), c2.ResourceClassesSnapshot())
}

func assertURISuffixes(t *testing.T, delta Delta, suffixes ...string) {
	t.Helper()
	for _, suffix := range suffixes {
		found := false
		for _, atom := range delta.Atoms {
			if len(atom.URI) >= len(suffix) && atom.URI[len(atom.URI)-len(suffix):] == suffix {
				found = true
				break
			}
		}
		assert.True(t, found, "expected a published object ending in %s", suffix)
	}
}
