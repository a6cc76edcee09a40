package ca

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/rpki-io/krillgo/internal/apperr"
	"github.com/rpki-io/krillgo/internal/rpki/encoding"
)

// processPublish recomputes every resource class's publication point and
// produces the publish/update/withdraw atoms needed to bring the
// Publication Server's view in line with the CA's current state: the
// class's manifest and CRL, every certificate issued to a child under
// that class's key, and every current ROA. A Trust Anchor, which holds
// no resource classes, publishes the same set under its own signing key
// at <aia><handle>/.
//
// The manifest and CRL for a class are only refreshed if they don't exist
// yet or the underlying object set changed; republish-on-schedule purely
// to roll EE certificates is the scheduler's job, triggered by passing
// the same Now repeatedly as the object set ages past its half-life,
// which is approximated here by always recomputing (the stub encoder is
// cheap and content-addressed, so an unchanged object set yields no
// atoms at all).
func (c *CA) processPublish(cmd *PublishCmd) ([]Event, error) {
	var deltas []Delta

	for key, rc := range c.resourceClasses {
		if rc.Keys.Current == nil {
			continue
		}
		delta, err := c.buildClassDelta(key, rc)
		if err != nil {
			return nil, err
		}
		if len(delta.Atoms) > 0 {
			deltas = append(deltas, delta)
		}
	}

	if c.trustAnchor && c.signingKeyID != "" {
		taCert := &Certificate{SIA: c.aia + c.handle.String() + "/", Resources: c.resources}
		ta := &ResourceClass{Keys: KeyState{Status: KeyActive, Current: &Key{ID: c.signingKeyID, Cert: taCert}}}
		delta, err := c.buildClassDelta(c.handle.String(), ta)
		if err != nil {
			return nil, err
		}
		if len(delta.Atoms) > 0 {
			deltas = append(deltas, delta)
		}
	}

	if len(deltas) == 0 {
		return nil, nil
	}
	return []Event{{Kind: EvPublished, Published: &PublishedPayload{Deltas: deltas}}}, nil
}

func (c *CA) buildClassDelta(className string, rc *ResourceClass) (Delta, error) {
	issuerKey := rc.Keys.Current.ID
	base := rc.Keys.Current.Cert
	var aia string
	if base != nil {
		aia = base.SIA
	}

	wanted := make(map[string]encoding.Object)
	var fileList []encoding.FileAndHash

	for _, ch := range c.children {
		for kid, cert := range ch.Certs {
			if cert.Revoked || cert.Cert == nil {
				continue
			}
			res, err := json.Marshal(cert.Resources)
			if err != nil {
				return Delta{}, apperr.Internal("marshal child resources", err)
			}
			obj, err := c.encoder.EncodeCertificate(encoding.CertificateRequest{
				SubjectKey: kid,
				IssuerKey:  issuerKey,
				Resources:  res,
				NotAfter:   cert.Cert.NotAfter,
			})
			if err != nil {
				return Delta{}, apperr.Internal("encode child certificate", err)
			}
			uri := aia + string(kid) + ".cer"
			wanted[uri] = obj
			fileList = append(fileList, encoding.FileAndHash{URI: uri, Hash: obj.Hash})
		}
	}

	var revokedHashes []string
	for _, ch := range c.children {
		for kid, cert := range ch.Certs {
			if cert.Revoked {
				revokedHashes = append(revokedHashes, string(kid))
			}
		}
	}
	sort.Strings(revokedHashes)

	for _, roa := range c.roas {
		obj, err := c.encoder.EncodeROA(encoding.ROARequest{
			SubjectKey: issuerKey,
			ASN:        roa.Key.ASN,
			Prefixes:   []string{roa.Key.Prefix},
			MaxLength:  roa.Key.MaxLength,
		})
		if err != nil {
			return Delta{}, apperr.Internal("encode roa", err)
		}
		uri := aia + roaFileName(roa.Key) + ".roa"
		wanted[uri] = obj
		fileList = append(fileList, encoding.FileAndHash{URI: uri, Hash: obj.Hash})
	}

	crlObj, err := c.encoder.EncodeCRL(encoding.CRLRequest{IssuerKey: issuerKey, RevokedKeyHashes: revokedHashes})
	if err != nil {
		return Delta{}, apperr.Internal("encode crl", err)
	}
	crlURI := aia + string(issuerKey) + ".crl"
	wanted[crlURI] = crlObj
	fileList = append(fileList, encoding.FileAndHash{URI: crlURI, Hash: crlObj.Hash})

	sort.Slice(fileList, func(i, j int) bool { return fileList[i].URI < fileList[j].URI })
	mftObj, err := c.encoder.EncodeManifest(encoding.ManifestRequest{IssuerKey: issuerKey, FileList: fileList})
	if err != nil {
		return Delta{}, apperr.Internal("encode manifest", err)
	}
	mftURI := aia + string(issuerKey) + ".mft"
	wanted[mftURI] = mftObj

	current := c.published[className]
	delta := Delta{ClassName: className}
	seen := make(map[string]bool, len(wanted))

	for uri, obj := range wanted {
		seen[uri] = true
		if prev, ok := current[uri]; ok {
			if prev.Hash == obj.Hash {
				continue
			}
			delta.Atoms = append(delta.Atoms, PublishAtom{Kind: AtomUpdate, URI: uri, Content: obj.Content, OldHash: prev.Hash})
		} else {
			delta.Atoms = append(delta.Atoms, PublishAtom{Kind: AtomPublish, URI: uri, Content: obj.Content})
		}
	}
	for uri, prev := range current {
		if !seen[uri] {
			delta.Atoms = append(delta.Atoms, PublishAtom{Kind: AtomWithdraw, URI: uri, OldHash: prev.Hash})
		}
	}

	sort.Slice(delta.Atoms, func(i, j int) bool { return delta.Atoms[i].URI < delta.Atoms[j].URI })
	return delta, nil
}

func roaFileName(key RouteAuthorizationKey) string {
	return "AS" + strconv.FormatUint(uint64(key.ASN), 10) + "-" + key.Prefix
}
