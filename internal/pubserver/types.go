// Package pubserver implements the Publication Server aggregate: one
// event-sourced state machine per repository instance tracking
// publishers, their rsync jails, the current object each owns, and the
// RRDP session/serial/snapshot/delta timeline that exposes those objects
// to relying parties.
package pubserver

import (
	"strings"

	"github.com/rpki-io/krillgo/internal/rpki"
)

// PublishedObject is one object a publisher currently owns.
type PublishedObject struct {
	URI     string
	Hash    string
	Content []byte
}

// Publisher is one RFC 8181 client of this Publication Server.
type Publisher struct {
	Handle   rpki.Handle
	BaseURI  string // the jail: every object URI must be a descendant of this
	IDCert   []byte // optional RFC 8181 identity certificate
	Active   bool
	Objects  map[string]PublishedObject
}

// DeltaAtomKind names the operation an RRDP delta atom performs.
type DeltaAtomKind string

const (
	AtomPublish  DeltaAtomKind = "publish"
	AtomUpdate   DeltaAtomKind = "update"
	AtomWithdraw DeltaAtomKind = "withdraw"
)

// DeltaAtom is one URI-level operation, as committed to this publisher's
// object set and echoed into the RRDP timeline.
type DeltaAtom struct {
	Kind    DeltaAtomKind
	URI     string
	Content []byte // empty for withdraw
	OldHash string // required for update/withdraw
}

// RRDPDelta is one committed delta in the RRDP timeline.
type RRDPDelta struct {
	Serial int64
	Atoms  []DeltaAtom
	Size   int // approximate encoded size, used for the deque pruning rule
}

// Server is the Publication Server aggregate state: every publisher and
// the single shared RRDP timeline they publish into.
type Server struct {
	handle  rpki.Handle
	version int

	rsyncBase string

	publishers map[rpki.Handle]*Publisher

	sessionID    string
	serial       int64
	snapshot     map[string]PublishedObject // URI -> object, across all active publishers
	snapshotSize int
	deltas       []RRDPDelta // oldest first
}

// Init is the version-0 event creating a Publication Server.
type Init struct {
	Handle    rpki.Handle
	RsyncBase string
	SessionID string
}

func newServer() *Server {
	return &Server{
		publishers: make(map[rpki.Handle]*Publisher),
		snapshot:   make(map[string]PublishedObject),
	}
}

// New returns a fresh, uninitialized Server aggregate instance, the
// factory eventsourcing.Store implementations use before calling Init.
func New() *Server { return newServer() }

func (s *Server) Version() int { return s.version }

// Handle returns this Publication Server's own identifier.
func (s *Server) Handle() rpki.Handle { return s.handle }

// SessionID returns the current RRDP session UUID.
func (s *Server) SessionID() string { return s.sessionID }

// Serial returns the current RRDP serial number.
func (s *Server) Serial() int64 { return s.serial }

// Publishers returns a read-only copy of the publisher map, keyed by
// handle, for API/test use.
func (s *Server) Publishers() map[rpki.Handle]Publisher {
	out := make(map[rpki.Handle]Publisher, len(s.publishers))
	for h, p := range s.publishers {
		objs := make(map[string]PublishedObject, len(p.Objects))
		for k, v := range p.Objects {
			objs[k] = v
		}
		out[h] = Publisher{Handle: p.Handle, BaseURI: p.BaseURI, IDCert: p.IDCert, Active: p.Active, Objects: objs}
	}
	return out
}

// Deltas returns the current bounded RRDP delta deque, oldest first.
func (s *Server) Deltas() []RRDPDelta {
	out := make([]RRDPDelta, len(s.deltas))
	copy(out, s.deltas)
	return out
}

// Snapshot returns a read-only copy of the current RRDP snapshot object
// set.
func (s *Server) Snapshot() map[string]PublishedObject {
	out := make(map[string]PublishedObject, len(s.snapshot))
	for k, v := range s.snapshot {
		out[k] = v
	}
	return out
}

// underJail reports whether uri is base or a descendant of base.
func underJail(uri, base string) bool {
	if uri == base {
		return true
	}
	return strings.HasPrefix(uri, base)
}

// jailsOverlap reports whether one of a, b is a prefix of the other.
func jailsOverlap(a, b string) bool {
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}
