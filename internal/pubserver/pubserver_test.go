package pubserver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rpki-io/krillgo/internal/apperr"
	"github.com/rpki-io/krillgo/internal/rpki"
)

func apply(s *Server, events []Event) {
	for _, ev := range events {
		s.Apply(ev)
	}
}

func newServerForTest(t *testing.T) *Server {
	t.Helper()
	s := New()
	s.Init(Init{Handle: rpki.MustHandle("pubd"), RsyncBase: "rsync://localhost/repo/", SessionID: "11111111-1111-1111-1111-111111111111"})
	return s
}

func addPublisher(t *testing.T, s *Server, handle rpki.Handle, baseURI string) {
	t.Helper()
	events, err := s.Process(Command{Kind: CmdAddPublisher, AddPublisher: &AddPublisherCmd{Handle: handle, BaseURI: baseURI}})
	require.NoError(t, err)
	apply(s, events)
}

func TestAddPublisher_RejectsOutsideServerJail(t *testing.T) {
	s := newServerForTest(t)
	_, err := s.Process(Command{Kind: CmdAddPublisher, AddPublisher: &AddPublisherCmd{
		Handle: rpki.MustHandle("alice"), BaseURI: "rsync://elsewhere/repo/alice/",
	}})
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeUriOutsideJail, ae.Code)
}

func TestAddPublisher_RejectsOverlappingJail(t *testing.T) {
	s := newServerForTest(t)
	addPublisher(t, s, rpki.MustHandle("alice"), "rsync://localhost/repo/alice/")

	_, err := s.Process(Command{Kind: CmdAddPublisher, AddPublisher: &AddPublisherCmd{
		Handle: rpki.MustHandle("alice-sub"), BaseURI: "rsync://localhost/repo/alice/sub/",
	}})
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeJailOverlap, ae.Code)
}

func TestPublish_RejectsURIOutsideJail(t *testing.T) {
	s := newServerForTest(t)
	addPublisher(t, s, rpki.MustHandle("bob"), "rsync://localhost/repo/bob/")

	_, err := s.Process(Command{Kind: CmdPublish, Publish: &PublishCmd{
		Handle: rpki.MustHandle("bob"), NextSerial: 1,
		Atoms: []DeltaAtom{{Kind: AtomPublish, URI: "rsync://localhost/repo/alice/x.cer", Content: []byte("x")}},
	}})
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeUriOutsideJail, ae.Code)
}

func TestPublish_RejectsDuplicateURIInOneDelta(t *testing.T) {
	s := newServerForTest(t)
	addPublisher(t, s, rpki.MustHandle("bob"), "rsync://localhost/repo/bob/")

	_, err := s.Process(Command{Kind: CmdPublish, Publish: &PublishCmd{
		Handle: rpki.MustHandle("bob"), NextSerial: 1,
		Atoms: []DeltaAtom{
			{Kind: AtomPublish, URI: "rsync://localhost/repo/bob/x.cer", Content: []byte("x")},
			{Kind: AtomPublish, URI: "rsync://localhost/repo/bob/x.cer", Content: []byte("y")},
		},
	}})
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeDuplicateURI, ae.Code)
}

func TestPublish_RejectsRepublishOfExistingURI(t *testing.T) {
	s := newServerForTest(t)
	addPublisher(t, s, rpki.MustHandle("bob"), "rsync://localhost/repo/bob/")

	events, err := s.Process(Command{Kind: CmdPublish, Publish: &PublishCmd{
		Handle: rpki.MustHandle("bob"), NextSerial: 1,
		Atoms: []DeltaAtom{{Kind: AtomPublish, URI: "rsync://localhost/repo/bob/x.cer", Content: []byte("x")}},
	}})
	require.NoError(t, err)
	apply(s, events)

	_, err = s.Process(Command{Kind: CmdPublish, Publish: &PublishCmd{
		Handle: rpki.MustHandle("bob"), NextSerial: 2,
		Atoms: []DeltaAtom{{Kind: AtomPublish, URI: "rsync://localhost/repo/bob/x.cer", Content: []byte("z")}},
	}})
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeObjectAlreadyExist, ae.Code)
}

func TestPublish_UpdateRequiresMatchingHash(t *testing.T) {
	s := newServerForTest(t)
	addPublisher(t, s, rpki.MustHandle("bob"), "rsync://localhost/repo/bob/")

	events, err := s.Process(Command{Kind: CmdPublish, Publish: &PublishCmd{
		Handle: rpki.MustHandle("bob"), NextSerial: 1,
		Atoms: []DeltaAtom{{Kind: AtomPublish, URI: "rsync://localhost/repo/bob/x.cer", Content: []byte("x")}},
	}})
	require.NoError(t, err)
	apply(s, events)

	_, err = s.Process(Command{Kind: CmdPublish, Publish: &PublishCmd{
		Handle: rpki.MustHandle("bob"), NextSerial: 2,
		Atoms: []DeltaAtom{{Kind: AtomUpdate, URI: "rsync://localhost/repo/bob/x.cer", Content: []byte("z"), OldHash: "not-the-real-hash"}},
	}})
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeNoObjectForHash, ae.Code)
}

func TestPublish_AdvancesSnapshotAndSerial(t *testing.T) {
	s := newServerForTest(t)
	addPublisher(t, s, rpki.MustHandle("bob"), "rsync://localhost/repo/bob/")

	events, err := s.Process(Command{Kind: CmdPublish, Publish: &PublishCmd{
		Handle: rpki.MustHandle("bob"), NextSerial: 1,
		Atoms: []DeltaAtom{{Kind: AtomPublish, URI: "rsync://localhost/repo/bob/x.cer", Content: []byte("x")}},
	}})
	require.NoError(t, err)
	apply(s, events)

	assert.EqualValues(t, 1, s.Serial())
	snap := s.Snapshot()
	require.Contains(t, snap, "rsync://localhost/repo/bob/x.cer")
	require.Len(t, s.Deltas(), 1)
}

func TestDeactivatePublisher_WithdrawsAllObjects(t *testing.T) {
	s := newServerForTest(t)
	addPublisher(t, s, rpki.MustHandle("bob"), "rsync://localhost/repo/bob/")

	events, err := s.Process(Command{Kind: CmdPublish, Publish: &PublishCmd{
		Handle: rpki.MustHandle("bob"), NextSerial: 1,
		Atoms: []DeltaAtom{{Kind: AtomPublish, URI: "rsync://localhost/repo/bob/x.cer", Content: []byte("x")}},
	}})
	require.NoError(t, err)
	apply(s, events)

	events, err = s.Process(Command{Kind: CmdDeactivatePublisher, DeactivatePublisher: &DeactivatePublisherCmd{Handle: rpki.MustHandle("bob")}})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, EvPublisherDeactivated, events[0].Kind)
	assert.Equal(t, EvPublished, events[1].Kind)
	assert.Equal(t, AtomWithdraw, events[1].Published.Atoms[0].Kind)

	apply(s, events)
	pubs := s.Publishers()
	assert.False(t, pubs[rpki.MustHandle("bob")].Active)
	assert.Empty(t, pubs[rpki.MustHandle("bob")].Objects)
}

func TestPublish_ToDeactivatedPublisherFails(t *testing.T) {
	s := newServerForTest(t)
	addPublisher(t, s, rpki.MustHandle("bob"), "rsync://localhost/repo/bob/")
	events, err := s.Process(Command{Kind: CmdDeactivatePublisher, DeactivatePublisher: &DeactivatePublisherCmd{Handle: rpki.MustHandle("bob")}})
	require.NoError(t, err)
	apply(s, events)

	_, err = s.Process(Command{Kind: CmdPublish, Publish: &PublishCmd{
		Handle: rpki.MustHandle("bob"), NextSerial: 1,
		Atoms: []DeltaAtom{{Kind: AtomPublish, URI: "rsync://localhost/repo/bob/x.cer", Content: []byte("x")}},
	}})
	require.Error(t, err)
}

// TestConcurrentDisjointPublishesBothSucceedWhenSerialized mirrors the
// scenario of two independently-loaded Publish commands against the same
// publisher: applied as two separate commits, both succeed because their
// atom sets are disjoint.
func TestConcurrentDisjointPublishesBothSucceedWhenSerialized(t *testing.T) {
	s := newServerForTest(t)
	addPublisher(t, s, rpki.MustHandle("bob"), "rsync://localhost/repo/bob/")

	events1, err := s.Process(Command{Kind: CmdPublish, Publish: &PublishCmd{
		Handle: rpki.MustHandle("bob"), NextSerial: 1,
		Atoms: []DeltaAtom{{Kind: AtomPublish, URI: "rsync://localhost/repo/bob/a.cer", Content: []byte("a")}},
	}})
	require.NoError(t, err)
	apply(s, events1)

	events2, err := s.Process(Command{Kind: CmdPublish, Publish: &PublishCmd{
		Handle: rpki.MustHandle("bob"), NextSerial: 2,
		Atoms: []DeltaAtom{{Kind: AtomPublish, URI: "rsync://localhost/repo/bob/b.cer", Content: []byte("b")}},
	}})
	require.NoError(t, err)
	apply(s, events2)

	snap := s.Snapshot()
	assert.Contains(t, snap, "rsync://localhost/repo/bob/a.cer")
	assert.Contains(t, snap, "rsync://localhost/repo/bob/b.cer")
	assert.EqualValues(t, 2, s.Serial())
}

func TestReplayIsDeterministic(t *testing.T) {
	build := func() *Server {
		s := newServerForTest(t)
		addPublisher(t, s, rpki.MustHandle("bob"), "rsync://localhost/repo/bob/")
		events, err := s.Process(Command{Kind: CmdPublish, Publish: &PublishCmd{
			Handle: rpki.MustHandle("bob"), NextSerial: 1,
			Atoms: []DeltaAtom{{Kind: AtomPublish, URI: "rsync://localhost/repo/bob/x.cer", Content: []byte("x")}},
		}})
		require.NoError(t, err)
		apply(s, events)
		return s
	}
	s1, s2 := build(), build()
	assert.Equal(t, s1.Version(), s2.Version())
	assert.Equal(t, s1.Snapshot(), s2.Snapshot())
	assert.Equal(t, s1.Serial(), s2.Serial())
}
