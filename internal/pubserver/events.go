package pubserver

import "github.com/rpki-io/krillgo/internal/rpki"

// EventKind discriminates the payload carried by an Event.
type EventKind string

const (
	EvPublisherAdded       EventKind = "publisher_added"
	EvPublisherDeactivated EventKind = "publisher_deactivated"
	EvPublished            EventKind = "published"
	EvRRDPAdvanced         EventKind = "rrdp_advanced"
)

// Event is the tagged union of everything that can mutate a Server.
// Exactly one payload field is set, matching Kind.
type Event struct {
	Kind EventKind

	PublisherAdded       *PublisherAddedPayload
	PublisherDeactivated *PublisherDeactivatedPayload
	Published            *PublishedPayload
	RRDPAdvanced         *RRDPAdvancedPayload
}

type PublisherAddedPayload struct {
	Handle  rpki.Handle
	BaseURI string
	IDCert  []byte
}

type PublisherDeactivatedPayload struct {
	Handle rpki.Handle
}

// PublishedPayload is the per-publisher object-set mutation a successful
// Publish command produces.
type PublishedPayload struct {
	Handle rpki.Handle
	Atoms  []DeltaAtom
}

// RRDPAdvancedPayload advances the shared RRDP timeline by one delta. It
// always accompanies a Published event (or a PublisherDeactivated event's
// implicit withdraw-everything delta).
type RRDPAdvancedPayload struct {
	Delta RRDPDelta
}

// Init sets the Server's initial state from its version-0 event.
func (s *Server) Init(init Init) {
	s.handle = init.Handle
	s.rsyncBase = init.RsyncBase
	s.sessionID = init.SessionID
	s.serial = 0
	s.version = 0
}

// Apply mutates state for one already-committed event.
func (s *Server) Apply(ev Event) {
	switch ev.Kind {
	case EvPublisherAdded:
		p := ev.PublisherAdded
		s.publishers[p.Handle] = &Publisher{
			Handle:  p.Handle,
			BaseURI: p.BaseURI,
			IDCert:  p.IDCert,
			Active:  true,
			Objects: make(map[string]PublishedObject),
		}

	case EvPublisherDeactivated:
		p := ev.PublisherDeactivated
		if pub := s.publishers[p.Handle]; pub != nil {
			pub.Active = false
		}

	case EvPublished:
		p := ev.Published
		pub := s.publishers[p.Handle]
		if pub == nil {
			return
		}
		for _, atom := range p.Atoms {
			switch atom.Kind {
			case AtomPublish, AtomUpdate:
				pub.Objects[atom.URI] = PublishedObject{URI: atom.URI, Hash: hashOf(atom.Content), Content: atom.Content}
			case AtomWithdraw:
				delete(pub.Objects, atom.URI)
			}
		}

	case EvRRDPAdvanced:
		p := ev.RRDPAdvanced
		s.serial = p.Delta.Serial
		for _, atom := range p.Delta.Atoms {
			switch atom.Kind {
			case AtomPublish, AtomUpdate:
				obj := PublishedObject{URI: atom.URI, Hash: hashOf(atom.Content), Content: atom.Content}
				s.snapshot[atom.URI] = obj
			case AtomWithdraw:
				delete(s.snapshot, atom.URI)
			}
		}
		s.snapshotSize = snapshotSize(s.snapshot)
		s.deltas = append(s.deltas, p.Delta)
		s.deltas = pruneDeltas(s.deltas, s.snapshotSize)
	}

	s.version++
}

func snapshotSize(snap map[string]PublishedObject) int {
	total := 0
	for _, obj := range snap {
		total += len(obj.Content)
	}
	return total
}

// maxDeltaCount bounds the RRDP delta deque independent of size, so a
// long run of tiny deltas still eventually forces a snapshot-only
// notification.xml.
const maxDeltaCount = 50

// pruneDeltas drops deltas from the tail (oldest first) while their
// combined size exceeds the current snapshot size or the deque is larger
// than maxDeltaCount, per spec.md §4.3's RRDP timeline pruning rule.
func pruneDeltas(deltas []RRDPDelta, snapshotSize int) []RRDPDelta {
	total := 0
	for _, d := range deltas {
		total += d.Size
	}
	for len(deltas) > 0 && (total > snapshotSize || len(deltas) > maxDeltaCount) {
		total -= deltas[0].Size
		deltas = deltas[1:]
	}
	return deltas
}
