// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package sso

import (
	"bytes"
	"compress/flate"
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/google/uuid"
	dsig "github.com/russellhaering/goxmldsig"

	"axonflow/hadrian/auth"
	"axonflow/hadrian/session"
)

// Signature algorithm URIs for the redirect binding.
const (
	sigAlgRSASHA256   = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	sigAlgECDSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#ecdsa-sha256"
)

// SAMLAuthenticator runs the SP-initiated SAML 2.0 flow for one org.
type SAMLAuthenticator struct {
	cfg       SAMLConfig
	store     session.Store
	idpCert   *x509.Certificate
	certStore *dsig.MemoryX509CertificateStore
	spKey     crypto.Signer

	now func() time.Time
}

// NewSAMLAuthenticator parses the IdP certificate (and SP key when
// request signing is on) up front so a bad config fails at registration,
// not mid-login.
func NewSAMLAuthenticator(cfg SAMLConfig, store session.Store) (*SAMLAuthenticator, error) {
	cfg.withDefaults()

	cert, err := parseCertificate(cfg.IdPCertificate)
	if err != nil {
		return nil, fmt.Errorf("bad idp_certificate: %w", err)
	}

	a := &SAMLAuthenticator{
		cfg:       cfg,
		store:     store,
		idpCert:   cert,
		certStore: &dsig.MemoryX509CertificateStore{Roots: []*x509.Certificate{cert}},
		now:       time.Now,
	}

	if cfg.SignRequests {
		key, err := parsePrivateKey(cfg.SPPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("bad sp_private_key: %w", err)
		}
		a.spKey = key
	}
	return a, nil
}

// OrgID returns the org this authenticator serves.
func (s *SAMLAuthenticator) OrgID() string { return s.cfg.OrgID }

// AuthorizationURL builds the IdP redirect for a new login and stores the
// pending state under a fresh RelayState. The AuthnRequest id rides in
// the state's CodeVerifier slot for the InResponseTo check.
func (s *SAMLAuthenticator) AuthorizationURL(ctx context.Context, returnTo string) (string, error) {
	relayState := uuid.New().String()
	requestID := "_" + uuid.New().String()

	request := s.buildAuthnRequest(requestID)
	encoded, err := deflateBase64(request)
	if err != nil {
		return "", auth.WrapInternal("failed to encode AuthnRequest", err)
	}

	redirect, err := s.redirectURL(s.cfg.IdPSSOURL, "SAMLRequest", encoded, relayState)
	if err != nil {
		return "", err
	}

	st := &session.AuthState{
		State:        relayState,
		CodeVerifier: requestID,
		ReturnTo:     returnTo,
		OrgID:        s.cfg.OrgID,
		CreatedAt:    s.now(),
	}
	if err := s.store.StoreAuthState(ctx, st); err != nil {
		return "", auth.WrapInternal("failed to store auth state", err)
	}
	return redirect, nil
}

func (s *SAMLAuthenticator) buildAuthnRequest(requestID string) string {
	var sb strings.Builder
	sb.WriteString(`<samlp:AuthnRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol"`)
	sb.WriteString(` xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion"`)
	fmt.Fprintf(&sb, ` ID=%q Version="2.0" IssueInstant=%q`,
		requestID, s.now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, ` Destination=%q`, s.cfg.IdPSSOURL)
	fmt.Fprintf(&sb, ` AssertionConsumerServiceURL=%q`, s.cfg.SPACSURL)
	sb.WriteString(` ProtocolBinding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"`)
	if s.cfg.ForceAuthn {
		sb.WriteString(` ForceAuthn="true"`)
	}
	sb.WriteString(`>`)
	fmt.Fprintf(&sb, `<saml:Issuer>%s</saml:Issuer>`, xmlEscape(s.cfg.SPEntityID))
	fmt.Fprintf(&sb, `<samlp:NameIDPolicy Format=%q AllowCreate="true"/>`, s.cfg.NameIDFormat)
	if s.cfg.AuthnContextClass != "" {
		sb.WriteString(`<samlp:RequestedAuthnContext Comparison="exact">`)
		fmt.Fprintf(&sb, `<saml:AuthnContextClassRef>%s</saml:AuthnContextClassRef>`,
			xmlEscape(s.cfg.AuthnContextClass))
		sb.WriteString(`</samlp:RequestedAuthnContext>`)
	}
	sb.WriteString(`</samlp:AuthnRequest>`)
	return sb.String()
}

// redirectURL composes the redirect-binding URL, signing the query string
// when configured. The signature covers the already-URL-encoded
// "SAMLRequest=…&RelayState=…&SigAlg=…" string exactly as sent.
func (s *SAMLAuthenticator) redirectURL(endpoint, param, encoded, relayState string) (string, error) {
	query := param + "=" + url.QueryEscape(encoded) +
		"&RelayState=" + url.QueryEscape(relayState)

	if s.cfg.SignRequests {
		sigAlg := sigAlgRSASHA256
		if _, ok := s.spKey.(*ecdsa.PrivateKey); ok {
			sigAlg = sigAlgECDSASHA256
		}
		query += "&SigAlg=" + url.QueryEscape(sigAlg)

		digest := sha256.Sum256([]byte(query))
		var sig []byte
		var err error
		switch key := s.spKey.(type) {
		case *rsa.PrivateKey:
			sig, err = rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
		case *ecdsa.PrivateKey:
			sig, err = ecdsa.SignASN1(rand.Reader, key, digest[:])
		default:
			err = fmt.Errorf("unsupported key type %T", s.spKey)
		}
		if err != nil {
			return "", auth.WrapInternal("failed to sign redirect query", err)
		}
		query += "&Signature=" + url.QueryEscape(base64.StdEncoding.EncodeToString(sig))
	}

	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + query, nil
}

// samlResponse is the decoded shape of a POSTed response, filled from the
// signature-validated XML.
type samlResponse struct {
	XMLName      xml.Name
	Destination  string         `xml:"Destination,attr"`
	InResponseTo string         `xml:"InResponseTo,attr"`
	Status       samlStatus     `xml:"Status"`
	Assertion    *samlAssertion `xml:"Assertion"`
}

type samlStatus struct {
	StatusCode struct {
		Value string `xml:"Value,attr"`
	} `xml:"StatusCode"`
}

type samlAssertion struct {
	Subject struct {
		NameID struct {
			Value  string `xml:",chardata"`
			Format string `xml:"Format,attr"`
		} `xml:"NameID"`
	} `xml:"Subject"`
	Conditions struct {
		NotBefore           string `xml:"NotBefore,attr"`
		NotOnOrAfter        string `xml:"NotOnOrAfter,attr"`
		AudienceRestriction struct {
			Audience string `xml:"Audience"`
		} `xml:"AudienceRestriction"`
	} `xml:"Conditions"`
	AuthnStatement struct {
		SessionIndex string `xml:"SessionIndex,attr"`
	} `xml:"AuthnStatement"`
	AttributeStatement struct {
		Attributes []samlAttribute `xml:"Attribute"`
	} `xml:"AttributeStatement"`
}

type samlAttribute struct {
	Name         string   `xml:"Name,attr"`
	FriendlyName string   `xml:"FriendlyName,attr"`
	Values       []string `xml:"AttributeValue"`
}

const statusSuccess = "urn:oasis:names:tc:SAML:2.0:status:Success"

// ExchangeResponse consumes a POSTed SAMLResponse: one-time RelayState
// take, signature verification against the IdP certificate, destination
// and InResponseTo checks, condition checks, then session creation.
func (s *SAMLAuthenticator) ExchangeResponse(ctx context.Context, samlResponseB64, relayState string, device *session.DeviceInfo) (*session.Session, string, error) {
	st, err := s.store.TakeAuthState(ctx, relayState)
	if err != nil {
		return nil, "", auth.NewError(auth.KindInvalidToken, "unknown or already used RelayState")
	}
	if st.IsExpired(s.now()) {
		return nil, "", auth.NewError(auth.KindExpiredToken, "login attempt expired, please retry")
	}

	raw, err := base64.StdEncoding.DecodeString(samlResponseB64)
	if err != nil {
		return nil, "", auth.NewError(auth.KindInvalidToken, "SAMLResponse is not valid base64")
	}

	resp, verr := s.verifyAndDecode(raw)
	if verr != nil {
		return nil, "", verr
	}

	if resp.Status.StatusCode.Value != statusSuccess {
		return nil, "", auth.NewError(auth.KindInvalidToken, "IdP reported a non-success status")
	}
	if resp.Destination != "" && resp.Destination != s.cfg.SPACSURL {
		return nil, "", auth.NewError(auth.KindInvalidToken, "SAML response destination mismatch")
	}
	if resp.InResponseTo != "" && resp.InResponseTo != st.CodeVerifier {
		return nil, "", auth.NewError(auth.KindInvalidToken, "SAML response does not match the pending request")
	}
	if resp.Assertion == nil {
		return nil, "", auth.NewError(auth.KindInvalidToken, "SAML response carried no assertion")
	}
	if cerr := s.checkConditions(resp.Assertion); cerr != nil {
		return nil, "", cerr
	}

	externalID := resp.Assertion.Subject.NameID.Value
	if s.cfg.IdentityAttribute != "" {
		if v := attributeValue(resp.Assertion, s.cfg.IdentityAttribute); v != "" {
			externalID = v
		}
	}
	if externalID == "" {
		return nil, "", auth.NewError(auth.KindInvalidToken, "assertion carried no subject identifier")
	}

	now := s.now()
	sess := &session.Session{
		ID:           uuid.New().String(),
		ExternalID:   externalID,
		Email:        attributeValue(resp.Assertion, s.cfg.EmailAttribute),
		Name:         attributeValue(resp.Assertion, s.cfg.NameAttribute),
		Groups:       attributeValues(resp.Assertion, s.cfg.GroupsAttribute),
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.Session.Duration),
		SSOOrgID:     s.cfg.OrgID,
		SessionIndex: resp.Assertion.AuthnStatement.SessionIndex,
	}
	if device != nil {
		d := device.Truncated()
		sess.Device = &d
	}
	if s.store.Enhanced() && s.cfg.Session.InactivityTimeout > 0 {
		sess.LastActivity = &now
	}

	if _, err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, "", auth.WrapInternal("failed to create session", err)
	}
	session.EnforceConcurrentLimit(ctx, s.store, sess.ExternalID, s.cfg.Session.MaxConcurrentSessions)

	return sess, st.ReturnTo, nil
}

// verifyAndDecode checks the XML signature (response-level first, then
// assertion-level; at least one must verify) and unmarshals the validated
// tree.
func (s *SAMLAuthenticator) verifyAndDecode(raw []byte) (*samlResponse, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, auth.NewError(auth.KindInvalidToken, "SAMLResponse is not valid XML")
	}
	root := doc.Root()
	if root == nil {
		return nil, auth.NewError(auth.KindInvalidToken, "SAMLResponse is empty")
	}

	vctx := dsig.NewDefaultValidationContext(s.certStore)

	if validated, err := vctx.Validate(root); err == nil {
		return decodeResponseElement(validated)
	}

	// No valid response-level signature: require a signed assertion.
	for _, child := range root.ChildElements() {
		if child.Tag != "Assertion" {
			continue
		}
		validated, err := vctx.Validate(child)
		if err != nil {
			continue
		}
		resp, derr := decodeResponseElement(root)
		if derr != nil {
			return nil, derr
		}
		// Replace the assertion with the signature-validated copy so
		// extraction reads only verified content.
		verified, derr := decodeAssertionElement(validated)
		if derr != nil {
			return nil, derr
		}
		resp.Assertion = verified
		return resp, nil
	}

	return nil, auth.NewError(auth.KindInvalidToken, "SAML response signature verification failed")
}

func decodeResponseElement(el *etree.Element) (*samlResponse, error) {
	doc := etree.NewDocument()
	doc.SetRoot(el.Copy())
	data, err := doc.WriteToBytes()
	if err != nil {
		return nil, auth.WrapInternal("failed to serialize SAML response", err)
	}
	var resp samlResponse
	if err := xml.Unmarshal(data, &resp); err != nil {
		return nil, auth.NewError(auth.KindInvalidToken, "SAML response has an unexpected shape")
	}
	return &resp, nil
}

func decodeAssertionElement(el *etree.Element) (*samlAssertion, error) {
	doc := etree.NewDocument()
	doc.SetRoot(el.Copy())
	data, err := doc.WriteToBytes()
	if err != nil {
		return nil, auth.WrapInternal("failed to serialize SAML assertion", err)
	}
	var assertion samlAssertion
	if err := xml.Unmarshal(data, &assertion); err != nil {
		return nil, auth.NewError(auth.KindInvalidToken, "SAML assertion has an unexpected shape")
	}
	return &assertion, nil
}

// checkConditions enforces the assertion validity window and audience.
func (s *SAMLAuthenticator) checkConditions(a *samlAssertion) error {
	now := s.now()
	if nb := a.Conditions.NotBefore; nb != "" {
		t, err := time.Parse(time.RFC3339, nb)
		if err != nil || now.Before(t) {
			return auth.NewError(auth.KindInvalidToken, "assertion is not yet valid")
		}
	}
	if noa := a.Conditions.NotOnOrAfter; noa != "" {
		t, err := time.Parse(time.RFC3339, noa)
		if err != nil || !now.Before(t) {
			return auth.NewError(auth.KindExpiredToken, "assertion has expired")
		}
	}
	if aud := a.Conditions.AudienceRestriction.Audience; aud != "" && aud != s.cfg.SPEntityID {
		return auth.NewError(auth.KindInvalidToken, "assertion audience mismatch")
	}
	return nil
}

// attributeValue returns the first value of the attribute matched by Name
// first, then FriendlyName.
func attributeValue(a *samlAssertion, name string) string {
	values := attributeValues(a, name)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

func attributeValues(a *samlAssertion, name string) []string {
	if name == "" {
		return nil
	}
	for _, attr := range a.AttributeStatement.Attributes {
		if attr.Name == name {
			return attr.Values
		}
	}
	for _, attr := range a.AttributeStatement.Attributes {
		if attr.FriendlyName == name {
			return attr.Values
		}
	}
	return nil
}

// SPMetadata renders the SP metadata document for IdP configuration.
func (s *SAMLAuthenticator) SPMetadata() string {
	var sb strings.Builder
	sb.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	fmt.Fprintf(&sb, `<md:EntityDescriptor xmlns:md="urn:oasis:names:tc:SAML:2.0:metadata" entityID=%q>`,
		s.cfg.SPEntityID)
	sb.WriteString(`<md:SPSSODescriptor protocolSupportEnumeration="urn:oasis:names:tc:SAML:2.0:protocol">`)
	if s.cfg.SPCertificate != "" {
		sb.WriteString(`<md:KeyDescriptor use="signing"><ds:KeyInfo xmlns:ds="http://www.w3.org/2000/09/xmldsig#">`)
		fmt.Fprintf(&sb, `<ds:X509Data><ds:X509Certificate>%s</ds:X509Certificate></ds:X509Data>`,
			stripPEM(s.cfg.SPCertificate))
		sb.WriteString(`</ds:KeyInfo></md:KeyDescriptor>`)
	}
	fmt.Fprintf(&sb, `<md:NameIDFormat>%s</md:NameIDFormat>`, xmlEscape(s.cfg.NameIDFormat))
	fmt.Fprintf(&sb, `<md:AssertionConsumerService Binding="urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST" Location=%q index="0"/>`,
		s.cfg.SPACSURL)
	sb.WriteString(`</md:SPSSODescriptor></md:EntityDescriptor>`)
	return sb.String()
}

// LogoutURL builds the SP-initiated SLO redirect for a session. Empty
// when the IdP has no SLO endpoint.
func (s *SAMLAuthenticator) LogoutURL(ctx context.Context, sess *session.Session) (string, error) {
	if s.cfg.IdPSLOURL == "" {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString(`<samlp:LogoutRequest xmlns:samlp="urn:oasis:names:tc:SAML:2.0:protocol"`)
	sb.WriteString(` xmlns:saml="urn:oasis:names:tc:SAML:2.0:assertion"`)
	fmt.Fprintf(&sb, ` ID=%q Version="2.0" IssueInstant=%q Destination=%q>`,
		"_"+uuid.New().String(), s.now().UTC().Format(time.RFC3339), s.cfg.IdPSLOURL)
	fmt.Fprintf(&sb, `<saml:Issuer>%s</saml:Issuer>`, xmlEscape(s.cfg.SPEntityID))
	fmt.Fprintf(&sb, `<saml:NameID Format=%q>%s</saml:NameID>`,
		s.cfg.NameIDFormat, xmlEscape(sess.ExternalID))
	if sess.SessionIndex != "" {
		fmt.Fprintf(&sb, `<samlp:SessionIndex>%s</samlp:SessionIndex>`, xmlEscape(sess.SessionIndex))
	}
	sb.WriteString(`</samlp:LogoutRequest>`)

	encoded, err := deflateBase64(sb.String())
	if err != nil {
		return "", auth.WrapInternal("failed to encode LogoutRequest", err)
	}
	return s.redirectURL(s.cfg.IdPSLOURL, "SAMLRequest", encoded, "")
}

// ValidateSession runs the shared session validation for this
// authenticator's policy.
func (s *SAMLAuthenticator) ValidateSession(ctx context.Context, id string) (*session.Session, error) {
	sess, err := session.Validate(ctx, s.store, s.cfg.Session, id)
	if err != nil {
		return nil, mapSessionErr(err)
	}
	return sess, nil
}

// deflateBase64 applies the redirect-binding encoding: raw DEFLATE then
// standard base64.
func deflateBase64(s string) (string, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return "", err
	}
	if _, err := io.WriteString(w, s); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func parseCertificate(s string) (*x509.Certificate, error) {
	if block, _ := pem.Decode([]byte(s)); block != nil {
		return x509.ParseCertificate(block.Bytes)
	}
	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(s), ""))
	if err != nil {
		return nil, fmt.Errorf("certificate is neither PEM nor base64 DER: %w", err)
	}
	return x509.ParseCertificate(der)
}

func parsePrivateKey(s string) (crypto.Signer, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("private key is not PEM")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported PKCS8 key type %T", key)
		}
		return signer, nil
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	return nil, fmt.Errorf("unsupported private key format")
}

func stripPEM(cert string) string {
	s := strings.ReplaceAll(cert, "-----BEGIN CERTIFICATE-----", "")
	s = strings.ReplaceAll(s, "-----END CERTIFICATE-----", "")
	return strings.Join(strings.Fields(s), "")
}

func xmlEscape(s string) string {
	var buf bytes.Buffer
	_ = xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
