package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/rpki-io/krillgo/internal/apperr"
	"github.com/rpki-io/krillgo/internal/ca"
	"github.com/rpki-io/krillgo/internal/facade"
	"github.com/rpki-io/krillgo/internal/rpki"
	"github.com/rpki-io/krillgo/internal/rpki/resources"
	"github.com/rpki-io/krillgo/internal/signer"
)

// rfc6492Handlers responds to the up-down requests a remote child sends
// this CA as its parent. The wire shape mirrors facade.HTTPRemoteTransport's
// outgoing envelope/reply, so two daemons of this kind can be pointed at
// each other; it carries the same logical payload RFC 6492's CMS-signed
// XML does, JSON-encoded instead (spec.md's non-goals exclude byte-correct
// CMS/ASN.1 encoding).
type rfc6492Handlers struct {
	ca *facade.CAServer
}

type rfc6492Request struct {
	Op        string               `json:"op"`
	Child     string               `json:"child"`
	ClassName string               `json:"class_name,omitempty"`
	KeyID     signer.KeyIdentifier `json:"key_id,omitempty"`
	Resources resources.Set        `json:"resources,omitempty"`
}

type rfc6492Response struct {
	Entitlements []ca.Entitlement `json:"entitlements,omitempty"`
	Certificate  *ca.Certificate  `json:"certificate,omitempty"`
	Error        string           `json:"error,omitempty"`
}

func (h *rfc6492Handlers) handle(w http.ResponseWriter, r *http.Request) {
	parent, err := rpki.NewHandle(chi.URLParam(r, "parent"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, rfc6492Response{Error: err.Error()})
		return
	}
	var req rfc6492Request
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, rfc6492Response{Error: err.Error()})
		return
	}
	child, err := rpki.NewHandle(req.Child)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, rfc6492Response{Error: err.Error()})
		return
	}

	switch req.Op {
	case "list":
		parentState, err := h.ca.GetCA(parent)
		if err != nil {
			writeJSON(w, apperr.HTTPStatus(err), rfc6492Response{Error: err.Error()})
			return
		}
		res, ok := parentState.ChildEntitlements(child)
		if !ok {
			writeJSON(w, http.StatusNotFound, rfc6492Response{Error: "unknown child"})
			return
		}
		writeJSON(w, http.StatusOK, rfc6492Response{Entitlements: []ca.Entitlement{{Name: "default", Resources: res}}})
	case "issue":
		_, cert, err := h.ca.IssueChildCertificate(r.Context(), parent, child, req.KeyID, req.Resources, 0)
		if err != nil {
			writeJSON(w, apperr.HTTPStatus(err), rfc6492Response{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, rfc6492Response{Certificate: &cert})
	case "revoke":
		if _, err := h.ca.RevokeChildKey(r.Context(), parent, child, req.KeyID); err != nil {
			writeJSON(w, apperr.HTTPStatus(err), rfc6492Response{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, rfc6492Response{})
	default:
		writeJSON(w, http.StatusBadRequest, rfc6492Response{Error: "unknown op " + req.Op})
	}
}
