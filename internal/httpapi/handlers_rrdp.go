package httpapi

import (
	"encoding/base64"
	"encoding/xml"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/rpki-io/krillgo/internal/facade"
	"github.com/rpki-io/krillgo/internal/pubserver"
	"github.com/rpki-io/krillgo/internal/rpki"
)

// rrdpHandlers serves the RFC 8182 RRDP read surface: an unauthenticated
// notification file pointing relying parties at the current snapshot and
// the deltas since whatever serial they last fetched.
type rrdpHandlers struct {
	pub       *facade.PubServer
	pubHandle rpki.Handle
}

type notificationXML struct {
	XMLName xml.Name       `xml:"notification"`
	Xmlns   string         `xml:"xmlns,attr"`
	Version int            `xml:"version,attr"`
	Session string         `xml:"session_id,attr"`
	Serial  int64          `xml:"serial,attr"`
	Snapshot snapshotRefXML `xml:"snapshot"`
	Deltas  []deltaRefXML  `xml:"delta"`
}

type snapshotRefXML struct {
	URI  string `xml:"uri,attr"`
	Hash string `xml:"hash,attr"`
}

type deltaRefXML struct {
	Serial int64  `xml:"serial,attr"`
	URI    string `xml:"uri,attr"`
	Hash   string `xml:"hash,attr"`
}

type snapshotXML struct {
	XMLName xml.Name        `xml:"snapshot"`
	Xmlns   string          `xml:"xmlns,attr"`
	Version int             `xml:"version,attr"`
	Session string          `xml:"session_id,attr"`
	Serial  int64           `xml:"serial,attr"`
	Objects []publishXML    `xml:"publish"`
}

type publishXML struct {
	URI     string `xml:"uri,attr"`
	Content string `xml:",chardata"`
}

type deltaXML struct {
	XMLName  xml.Name     `xml:"delta"`
	Xmlns    string       `xml:"xmlns,attr"`
	Version  int          `xml:"version,attr"`
	Session  string       `xml:"session_id,attr"`
	Serial   int64        `xml:"serial,attr"`
	Publish  []publishXML `xml:"publish"`
	Withdraw []withdrawXML `xml:"withdraw"`
}

type withdrawXML struct {
	URI  string `xml:"uri,attr"`
	Hash string `xml:"hash,attr"`
}

const rrdpXmlns = "http://www.ripe.net/rpki/rrdp"

func (h *rrdpHandlers) notification(w http.ResponseWriter, r *http.Request) {
	server, err := h.pub.GetServer(h.pubHandle)
	if err != nil {
		writeError(w, err)
		return
	}
	doc := notificationXML{
		Xmlns:   rrdpXmlns,
		Version: 1,
		Session: server.SessionID(),
		Serial:  server.Serial(),
		Snapshot: snapshotRefXML{
			URI: snapshotURI(server),
		},
	}
	for _, d := range server.Deltas() {
		doc.Deltas = append(doc.Deltas, deltaRefXML{Serial: d.Serial, URI: deltaURI(server, d.Serial)})
	}
	writeXML(w, doc)
}

func snapshotURI(server *pubserver.Server) string {
	return "/rrdp/" + server.SessionID() + "/" + strconv.FormatInt(server.Serial(), 10) + "/snapshot.xml"
}

func deltaURI(server *pubserver.Server, serial int64) string {
	return "/rrdp/" + server.SessionID() + "/" + strconv.FormatInt(serial-1, 10) + "-" + strconv.FormatInt(serial, 10) + "/delta.xml"
}

func (h *rrdpHandlers) snapshot(w http.ResponseWriter, r *http.Request) {
	server, err := h.pub.GetServer(h.pubHandle)
	if err != nil {
		writeError(w, err)
		return
	}
	doc := snapshotXML{Xmlns: rrdpXmlns, Version: 1, Session: server.SessionID(), Serial: server.Serial()}
	for uri, obj := range server.Snapshot() {
		doc.Objects = append(doc.Objects, publishXML{URI: uri, Content: base64.StdEncoding.EncodeToString(obj.Content)})
	}
	writeXML(w, doc)
}

func (h *rrdpHandlers) delta(w http.ResponseWriter, r *http.Request) {
	to, err := strconv.ParseInt(chi.URLParam(r, "to"), 10, 64)
	if err != nil {
		writeError(w, err)
		return
	}
	server, err := h.pub.GetServer(h.pubHandle)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, d := range server.Deltas() {
		if d.Serial != to {
			continue
		}
		doc := deltaXML{Xmlns: rrdpXmlns, Version: 1, Session: server.SessionID(), Serial: d.Serial}
		for _, atom := range d.Atoms {
			switch atom.Kind {
			case pubserver.AtomPublish, pubserver.AtomUpdate:
				doc.Publish = append(doc.Publish, publishXML{URI: atom.URI, Content: base64.StdEncoding.EncodeToString(atom.Content)})
			case pubserver.AtomWithdraw:
				doc.Withdraw = append(doc.Withdraw, withdrawXML{URI: atom.URI, Hash: atom.OldHash})
			}
		}
		writeXML(w, doc)
		return
	}
	http.NotFound(w, r)
}

func writeXML(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/rpki-snapshot+xml")
	w.WriteHeader(http.StatusOK)
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	_ = enc.Encode(v)
}
