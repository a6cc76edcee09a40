package httpapi

import (
	"net/http"
	"net/netip"

	"github.com/go-chi/chi/v5"

	"github.com/rpki-io/krillgo/internal/apperr"
	"github.com/rpki-io/krillgo/internal/ca"
	"github.com/rpki-io/krillgo/internal/facade"
	"github.com/rpki-io/krillgo/internal/rpki"
	"github.com/rpki-io/krillgo/internal/rpki/resources"
)

func parsePrefix(s string) (netip.Prefix, error) {
	return netip.ParsePrefix(s)
}

type caHandlers struct {
	ca        *facade.CAServer
	pub       *facade.PubServer
	pubHandle string
}

func pathHandle(r *http.Request) (rpki.Handle, error) {
	return rpki.NewHandle(chi.URLParam(r, "handle"))
}

type createCARequest struct {
	Handle      string `json:"handle"`
	TrustAnchor bool   `json:"trustAnchor"`
	Prefixes    []string `json:"prefixes,omitempty"`
	AIA         string `json:"aia,omitempty"`
	TALURI      string `json:"talUri,omitempty"`
}

func (h *caHandlers) create(w http.ResponseWriter, r *http.Request) {
	var req createCARequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	handle, err := rpki.NewHandle(req.Handle)
	if err != nil {
		writeError(w, apperr.InvalidRequest(err.Error()))
		return
	}

	if !req.TrustAnchor {
		state, err := h.ca.InitCA(r.Context(), handle)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, renderCA(state))
		return
	}

	res, err := parsePrefixes(req.Prefixes)
	if err != nil {
		writeError(w, apperr.InvalidRequest(err.Error()))
		return
	}
	state, err := h.ca.InitTrustAnchor(r.Context(), handle, res, req.AIA, req.TALURI)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.pub.EnsurePublisherFor(r.Context(), rpki.MustHandle(h.pubHandle), handle, req.AIA); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, renderCA(state))
}

func parsePrefixes(in []string) (resources.Set, error) {
	set := resources.Empty()
	for _, p := range in {
		prefix, err := parsePrefix(p)
		if err != nil {
			return resources.Set{}, err
		}
		set, err = set.AddPrefix(prefix)
		if err != nil {
			return resources.Set{}, err
		}
	}
	return set, nil
}

func (h *caHandlers) list(w http.ResponseWriter, r *http.Request) {
	handles := h.ca.ListCAs()
	out := make([]string, 0, len(handles))
	for _, hh := range handles {
		out = append(out, hh.String())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *caHandlers) get(w http.ResponseWriter, r *http.Request) {
	handle, err := pathHandle(r)
	if err != nil {
		writeError(w, apperr.InvalidRequest(err.Error()))
		return
	}
	state, err := h.ca.GetCA(handle)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderCA(state))
}

type addParentRequest struct {
	ParentHandle string `json:"parentHandle"`
	Embedded     string `json:"embedded,omitempty"`
	ServiceURI   string `json:"serviceUri,omitempty"`
}

func (h *caHandlers) addParent(w http.ResponseWriter, r *http.Request) {
	child, err := pathHandle(r)
	if err != nil {
		writeError(w, apperr.InvalidRequest(err.Error()))
		return
	}
	var req addParentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	parentHandle, err := rpki.NewHandle(req.ParentHandle)
	if err != nil {
		writeError(w, apperr.InvalidRequest(err.Error()))
		return
	}
	contact := ca.ParentContact{ServiceURI: req.ServiceURI}
	if req.Embedded != "" {
		contact.Embedded = rpki.MustHandle(req.Embedded)
	}
	state, err := h.ca.AddParent(r.Context(), child, parentHandle, contact)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderCA(state))
}

type addChildRequest struct {
	Child    string   `json:"child"`
	Prefixes []string `json:"prefixes"`
}

func (h *caHandlers) addChild(w http.ResponseWriter, r *http.Request) {
	parent, err := pathHandle(r)
	if err != nil {
		writeError(w, apperr.InvalidRequest(err.Error()))
		return
	}
	var req addChildRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	child, err := rpki.NewHandle(req.Child)
	if err != nil {
		writeError(w, apperr.InvalidRequest(err.Error()))
		return
	}
	res, err := parsePrefixes(req.Prefixes)
	if err != nil {
		writeError(w, apperr.InvalidRequest(err.Error()))
		return
	}
	state, err := h.ca.AddChild(r.Context(), parent, child, nil, res)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderCA(state))
}

func (h *caHandlers) refreshEntitlements(w http.ResponseWriter, r *http.Request) {
	handle, err := pathHandle(r)
	if err != nil {
		writeError(w, apperr.InvalidRequest(err.Error()))
		return
	}
	if err := h.ca.UpdateEntitlements(r.Context(), handle); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, nil)
}

func (h *caHandlers) publish(w http.ResponseWriter, r *http.Request) {
	handle, err := pathHandle(r)
	if err != nil {
		writeError(w, apperr.InvalidRequest(err.Error()))
		return
	}
	state, err := h.ca.Publish(r.Context(), handle, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.pub.ForwardCADelta(r.Context(), rpki.MustHandle(h.pubHandle), h.ca, handle); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderCA(state))
}

type keyRollRequest struct {
	StagingTimeSeconds int64 `json:"stagingTimeSeconds"`
	NowSeconds         int64 `json:"nowSeconds"`
}

func (h *caHandlers) keyRollInit(w http.ResponseWriter, r *http.Request) {
	handle, err := pathHandle(r)
	if err != nil {
		writeError(w, apperr.InvalidRequest(err.Error()))
		return
	}
	var req keyRollRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	state, err := h.ca.KeyRollInit(r.Context(), handle, req.StagingTimeSeconds, req.NowSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderCA(state))
}

func (h *caHandlers) keyRollActivate(w http.ResponseWriter, r *http.Request) {
	handle, err := pathHandle(r)
	if err != nil {
		writeError(w, apperr.InvalidRequest(err.Error()))
		return
	}
	var req keyRollRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	state, err := h.ca.KeyRollActivate(r.Context(), handle, req.StagingTimeSeconds, req.NowSeconds)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderCA(state))
}

type routeAuthorizationRequest struct {
	ASN       uint32 `json:"asn"`
	Prefix    string `json:"prefix"`
	MaxLength int    `json:"maxLength"`
}

type updateRoutesRequest struct {
	Add    []routeAuthorizationRequest `json:"add"`
	Remove []routeAuthorizationRequest `json:"remove"`
}

func toRouteKeys(in []routeAuthorizationRequest) []ca.RouteAuthorizationKey {
	out := make([]ca.RouteAuthorizationKey, 0, len(in))
	for _, r := range in {
		out = append(out, ca.RouteAuthorizationKey{ASN: r.ASN, Prefix: r.Prefix, MaxLength: r.MaxLength})
	}
	return out
}

func (h *caHandlers) updateRoutes(w http.ResponseWriter, r *http.Request) {
	handle, err := pathHandle(r)
	if err != nil {
		writeError(w, apperr.InvalidRequest(err.Error()))
		return
	}
	var req updateRoutesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	state, err := h.ca.RouteAuthorizationsUpdate(r.Context(), handle, toRouteKeys(req.Add), toRouteKeys(req.Remove))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderCA(state))
}

type caView struct {
	Handle      string          `json:"handle"`
	TrustAnchor bool            `json:"trustAnchor"`
	Version     int             `json:"version"`
	Resources   string          `json:"certifiedResources"`
	Parents     []string        `json:"parents"`
	Children    []string        `json:"children"`
	Classes     []classView     `json:"resourceClasses"`
}

type classView struct {
	Parent    string `json:"parent"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Resources string `json:"resources"`
}

func renderCA(c *ca.CA) caView {
	view := caView{
		Handle:      c.Handle().String(),
		TrustAnchor: c.IsTrustAnchor(),
		Version:     c.Version(),
		Resources:   c.CertifiedResources().String(),
	}
	for h := range c.ParentsSnapshot() {
		view.Parents = append(view.Parents, h.String())
	}
	for h := range c.ChildrenSnapshot() {
		view.Children = append(view.Children, h.String())
	}
	for _, rc := range c.ResourceClassesSnapshot() {
		view.Classes = append(view.Classes, classView{
			Parent: rc.Parent.String(), Name: rc.Name,
			Status: string(rc.Keys.Status), Resources: rc.Resources.String(),
		})
	}
	return view
}
