package pubserver

import (
	"github.com/rpki-io/krillgo/internal/apperr"
	"github.com/rpki-io/krillgo/internal/rpki"
)

// CommandKind discriminates the payload carried by a Command.
type CommandKind string

const (
	CmdAddPublisher        CommandKind = "add_publisher"
	CmdDeactivatePublisher CommandKind = "deactivate_publisher"
	CmdPublish             CommandKind = "publish"
)

// Command is the tagged union of every operation a Server processes.
type Command struct {
	Kind CommandKind

	AddPublisher        *AddPublisherCmd
	DeactivatePublisher *DeactivatePublisherCmd
	Publish             *PublishCmd
}

type AddPublisherCmd struct {
	Handle  rpki.Handle
	BaseURI string
	IDCert  []byte
}

type DeactivatePublisherCmd struct {
	Handle rpki.Handle
}

type PublishCmd struct {
	Handle rpki.Handle
	Atoms  []DeltaAtom
	// NextSerial is the RRDP serial this Publish will advance to; the
	// façade increments the aggregate's last-seen serial before building
	// the command so Process itself stays a pure function of its inputs.
	NextSerial int64
}

// Process validates cmd against the current state and returns the events
// committing it would produce.
func (s *Server) Process(cmd Command) ([]Event, error) {
	switch cmd.Kind {
	case CmdAddPublisher:
		return s.processAddPublisher(cmd.AddPublisher)
	case CmdDeactivatePublisher:
		return s.processDeactivatePublisher(cmd.DeactivatePublisher)
	case CmdPublish:
		return s.processPublish(cmd.Publish)
	default:
		return nil, apperr.InvalidRequest("unknown publication server command")
	}
}

func (s *Server) processAddPublisher(cmd *AddPublisherCmd) ([]Event, error) {
	if _, exists := s.publishers[cmd.Handle]; exists {
		return nil, apperr.DuplicateHandle("publisher", cmd.Handle.String())
	}
	if !underJail(cmd.BaseURI, s.rsyncBase) {
		return nil, apperr.UriOutsideJail(cmd.BaseURI, s.rsyncBase)
	}
	for other, pub := range s.publishers {
		if !pub.Active {
			continue
		}
		if jailsOverlap(cmd.BaseURI, pub.BaseURI) {
			return nil, apperr.JailOverlap(cmd.Handle.String(), other.String())
		}
	}
	return []Event{{Kind: EvPublisherAdded, PublisherAdded: &PublisherAddedPayload{
		Handle: cmd.Handle, BaseURI: cmd.BaseURI, IDCert: cmd.IDCert,
	}}}, nil
}

func (s *Server) processDeactivatePublisher(cmd *DeactivatePublisherCmd) ([]Event, error) {
	pub, ok := s.publishers[cmd.Handle]
	if !ok {
		return nil, apperr.UnknownHandle("publisher", cmd.Handle.String())
	}
	if !pub.Active {
		return nil, apperr.InvalidRequest("publisher already deactivated")
	}

	events := []Event{{Kind: EvPublisherDeactivated, PublisherDeactivated: &PublisherDeactivatedPayload{Handle: cmd.Handle}}}

	var atoms []DeltaAtom
	for uri, obj := range pub.Objects {
		atoms = append(atoms, DeltaAtom{Kind: AtomWithdraw, URI: uri, OldHash: obj.Hash})
	}
	if len(atoms) > 0 {
		events = append(events, Event{Kind: EvPublished, Published: &PublishedPayload{Handle: cmd.Handle, Atoms: atoms}})
	}
	return events, nil
}

// processPublish validates an RFC 8181 delta against this publisher's
// jail and current object set, then advances the shared RRDP timeline.
func (s *Server) processPublish(cmd *PublishCmd) ([]Event, error) {
	pub, ok := s.publishers[cmd.Handle]
	if !ok {
		return nil, apperr.UnknownHandle("publisher", cmd.Handle.String())
	}
	if !pub.Active {
		return nil, apperr.InvalidRequest("publisher is deactivated")
	}
	if len(cmd.Atoms) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(cmd.Atoms))
	size := 0
	for _, atom := range cmd.Atoms {
		if seen[atom.URI] {
			return nil, apperr.DuplicateURIInDelta(atom.URI)
		}
		seen[atom.URI] = true

		if !underJail(atom.URI, pub.BaseURI) {
			return nil, apperr.UriOutsideJail(atom.URI, pub.BaseURI)
		}

		existing, exists := pub.Objects[atom.URI]
		switch atom.Kind {
		case AtomPublish:
			if exists {
				return nil, apperr.ObjectAlreadyPresent(atom.URI)
			}
		case AtomUpdate, AtomWithdraw:
			if !exists {
				return nil, apperr.NoObjectForHashAndOrUri(atom.URI)
			}
			if existing.Hash != atom.OldHash {
				return nil, apperr.NoObjectForHashAndOrUri(atom.URI)
			}
		default:
			return nil, apperr.InvalidRequest("unknown delta atom kind")
		}
		size += len(atom.Content)
	}

	events := []Event{
		{Kind: EvPublished, Published: &PublishedPayload{Handle: cmd.Handle, Atoms: cmd.Atoms}},
		{Kind: EvRRDPAdvanced, RRDPAdvanced: &RRDPAdvancedPayload{Delta: RRDPDelta{Serial: cmd.NextSerial, Atoms: cmd.Atoms, Size: size}}},
	}
	return events, nil
}
