package httpapi

import (
	"net/http"

	"github.com/rpki-io/krillgo/internal/apperr"
	"github.com/rpki-io/krillgo/internal/facade"
	"github.com/rpki-io/krillgo/internal/pubserver"
	"github.com/rpki-io/krillgo/internal/rpki"
)

type pubHandlers struct {
	pub       *facade.PubServer
	pubHandle rpki.Handle
}

type createPublisherRequest struct {
	Handle  string `json:"handle"`
	BaseURI string `json:"baseUri"`
	IDCert  []byte `json:"idCert,omitempty"`
}

func (p *pubHandlers) create(w http.ResponseWriter, r *http.Request) {
	var req createPublisherRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	handle, err := rpki.NewHandle(req.Handle)
	if err != nil {
		writeError(w, apperr.InvalidRequest(err.Error()))
		return
	}
	// the Publication Server singleton is addressed by a fixed handle
	// configured at daemon startup; the request names the publisher
	// being registered under it.
	server, err := p.pub.GetServer(p.pubHandle)
	if err != nil {
		writeError(w, err)
		return
	}
	state, err := p.pub.AddPublisher(r.Context(), server.Handle(), handle, req.BaseURI, req.IDCert)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, renderPublisher(state, handle))
}

func (p *pubHandlers) get(w http.ResponseWriter, r *http.Request) {
	handle, err := pathHandle(r)
	if err != nil {
		writeError(w, apperr.InvalidRequest(err.Error()))
		return
	}
	server, err := p.pub.GetServer(p.pubHandle)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderPublisher(server, handle))
}

func (p *pubHandlers) deactivate(w http.ResponseWriter, r *http.Request) {
	handle, err := pathHandle(r)
	if err != nil {
		writeError(w, apperr.InvalidRequest(err.Error()))
		return
	}
	state, err := p.pub.DeactivatePublisher(r.Context(), p.pubHandle, handle)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderPublisher(state, handle))
}

type publisherView struct {
	Handle  string   `json:"handle"`
	Active  bool     `json:"active"`
	Objects []string `json:"objects,omitempty"`
}

func renderPublisher(server *pubserver.Server, handle rpki.Handle) publisherView {
	publishers := server.Publishers()
	pubInfo, ok := publishers[handle]
	if !ok {
		return publisherView{Handle: handle.String()}
	}
	view := publisherView{Handle: handle.String(), Active: pubInfo.Active}
	for uri := range pubInfo.Objects {
		view.Objects = append(view.Objects, uri)
	}
	return view
}
