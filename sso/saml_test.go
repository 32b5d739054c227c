// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

package sso

import (
	"bytes"
	"compress/flate"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"encoding/xml"
	"errors"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"axonflow/hadrian/auth"
	"axonflow/hadrian/session"
)

const (
	testSPEntityID = "https://gw.example.com/saml"
	testACSURL     = "https://gw.example.com/auth/saml/acs"
	testSSOURL     = "https://idp.example.com/sso"
)

// testSAML builds an authenticator whose trusted IdP certificate comes
// from the given signing keystore.
func testSAML(t *testing.T, ks dsig.X509KeyStore, mutate func(*SAMLConfig)) (*SAMLAuthenticator, *session.MemoryStore) {
	t.Helper()
	_, certDER, err := ks.GetKeyPair()
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}
	cfg := SAMLConfig{
		SPEntityID:     testSPEntityID,
		SPACSURL:       testACSURL,
		IdPSSOURL:      testSSOURL,
		IdPCertificate: base64.StdEncoding.EncodeToString(certDER),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	store := session.NewMemoryStore()
	a, err := NewSAMLAuthenticator(cfg, store)
	if err != nil {
		t.Fatalf("authenticator: %v", err)
	}
	return a, store
}

// inflateB64 reverses the redirect-binding encoding.
func inflateB64(t *testing.T, encoded string) string {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		t.Fatalf("base64: %v", err)
	}
	data, err := io.ReadAll(flate.NewReader(bytes.NewReader(raw)))
	if err != nil {
		t.Fatalf("inflate: %v", err)
	}
	return string(data)
}

func TestDeflateBase64RoundTrip(t *testing.T) {
	in := strings.Repeat("<samlp:AuthnRequest/>", 50)
	encoded, err := deflateBase64(in)
	if err != nil {
		t.Fatalf("deflate: %v", err)
	}
	if got := inflateB64(t, encoded); got != in {
		t.Fatalf("round trip lost data: %d vs %d bytes", len(got), len(in))
	}
}

func TestAuthorizationURLRedirectBinding(t *testing.T) {
	a, store := testSAML(t, dsig.RandomKeyStoreForTest(), nil)

	raw, err := a.AuthorizationURL(context.Background(), "/console")
	if err != nil {
		t.Fatalf("authorization url: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !strings.HasPrefix(raw, testSSOURL+"?") {
		t.Fatalf("redirect does not target the IdP SSO URL: %s", raw)
	}

	request := inflateB64(t, u.Query().Get("SAMLRequest"))
	if !strings.Contains(request, testSPEntityID) {
		t.Fatalf("issuer missing from AuthnRequest: %s", request)
	}
	if !strings.Contains(request, `AssertionConsumerServiceURL="`+testACSURL+`"`) {
		t.Fatalf("ACS URL missing: %s", request)
	}

	relayState := u.Query().Get("RelayState")
	st, err := store.PeekAuthState(context.Background(), relayState)
	if err != nil {
		t.Fatalf("relay state not stored: %v", err)
	}
	// The pending state pins the AuthnRequest id for InResponseTo.
	if !strings.Contains(request, `ID="`+st.CodeVerifier+`"`) {
		t.Fatalf("request id %q not in AuthnRequest", st.CodeVerifier)
	}
}

func TestAuthorizationURLSignedRedirect(t *testing.T) {
	spKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa key: %v", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(spKey)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPEM := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}))

	a, _ := testSAML(t, dsig.RandomKeyStoreForTest(), func(cfg *SAMLConfig) {
		cfg.SignRequests = true
		cfg.SPPrivateKey = keyPEM
	})

	raw, err := a.AuthorizationURL(context.Background(), "/")
	if err != nil {
		t.Fatalf("authorization url: %v", err)
	}
	u, _ := url.Parse(raw)

	if u.Query().Get("SigAlg") != sigAlgRSASHA256 {
		t.Fatalf("SigAlg = %q", u.Query().Get("SigAlg"))
	}

	// The signature covers the encoded query exactly as sent, up to the
	// Signature parameter.
	idx := strings.Index(u.RawQuery, "&Signature=")
	if idx < 0 {
		t.Fatalf("no signature in query: %s", u.RawQuery)
	}
	signed := u.RawQuery[:idx]
	sig, err := base64.StdEncoding.DecodeString(u.Query().Get("Signature"))
	if err != nil {
		t.Fatalf("signature base64: %v", err)
	}
	digest := sha256.Sum256([]byte(signed))
	if err := rsa.VerifyPKCS1v15(&spKey.PublicKey, crypto.SHA256, digest[:], sig); err != nil {
		t.Fatalf("signature does not verify: %v", err)
	}
}

// buildSignedResponse assembles a minimal successful SAML response signed
// at the response level by ks.
func buildSignedResponse(t *testing.T, ks dsig.X509KeyStore, inResponseTo string, mutate func(*etree.Element)) string {
	t.Helper()
	now := time.Now().UTC()

	doc := etree.NewDocument()
	resp := doc.CreateElement("samlp:Response")
	resp.CreateAttr("xmlns:samlp", "urn:oasis:names:tc:SAML:2.0:protocol")
	resp.CreateAttr("xmlns:saml", "urn:oasis:names:tc:SAML:2.0:assertion")
	resp.CreateAttr("ID", "_resp-1")
	resp.CreateAttr("Version", "2.0")
	resp.CreateAttr("Destination", testACSURL)
	resp.CreateAttr("InResponseTo", inResponseTo)

	status := resp.CreateElement("samlp:Status")
	status.CreateElement("samlp:StatusCode").CreateAttr("Value", statusSuccess)

	assertion := resp.CreateElement("saml:Assertion")
	assertion.CreateAttr("ID", "_assert-1")
	nameID := assertion.CreateElement("saml:Subject").CreateElement("saml:NameID")
	nameID.CreateAttr("Format", nameIDFormatEmail)
	nameID.SetText("user@example.com")

	cond := assertion.CreateElement("saml:Conditions")
	cond.CreateAttr("NotBefore", now.Add(-time.Minute).Format(time.RFC3339))
	cond.CreateAttr("NotOnOrAfter", now.Add(5*time.Minute).Format(time.RFC3339))
	cond.CreateElement("saml:AudienceRestriction").
		CreateElement("saml:Audience").SetText(testSPEntityID)

	assertion.CreateElement("saml:AuthnStatement").CreateAttr("SessionIndex", "idx-42")

	attrs := assertion.CreateElement("saml:AttributeStatement")
	email := attrs.CreateElement("saml:Attribute")
	email.CreateAttr("Name", "email")
	email.CreateElement("saml:AttributeValue").SetText("user@example.com")
	groups := attrs.CreateElement("saml:Attribute")
	groups.CreateAttr("Name", "groups")
	groups.CreateElement("saml:AttributeValue").SetText("engineering")
	groups.CreateElement("saml:AttributeValue").SetText("oncall")

	if mutate != nil {
		mutate(resp)
	}

	sctx := dsig.NewDefaultSigningContext(ks)
	signed, err := sctx.SignEnveloped(resp)
	if err != nil {
		t.Fatalf("sign response: %v", err)
	}
	out := etree.NewDocument()
	out.SetRoot(signed)
	data, err := out.WriteToBytes()
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return base64.StdEncoding.EncodeToString(data)
}

// startSAMLLogin runs AuthorizationURL and returns the RelayState and the
// pending AuthnRequest id.
func startSAMLLogin(t *testing.T, a *SAMLAuthenticator, store *session.MemoryStore) (string, string) {
	t.Helper()
	raw, err := a.AuthorizationURL(context.Background(), "/console")
	if err != nil {
		t.Fatalf("authorization url: %v", err)
	}
	u, _ := url.Parse(raw)
	relayState := u.Query().Get("RelayState")
	st, err := store.PeekAuthState(context.Background(), relayState)
	if err != nil {
		t.Fatalf("peek state: %v", err)
	}
	return relayState, st.CodeVerifier
}

func TestExchangeResponseHappyPath(t *testing.T) {
	ks := dsig.RandomKeyStoreForTest()
	a, store := testSAML(t, ks, nil)

	relayState, requestID := startSAMLLogin(t, a, store)
	encoded := buildSignedResponse(t, ks, requestID, nil)

	sess, returnTo, err := a.ExchangeResponse(context.Background(), encoded, relayState,
		&session.DeviceInfo{UserAgent: "test-agent", IPAddress: "203.0.113.9"})
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if sess.ExternalID != "user@example.com" || sess.Email != "user@example.com" {
		t.Fatalf("identity not mapped: %+v", sess)
	}
	if len(sess.Groups) != 2 || sess.Groups[0] != "engineering" {
		t.Fatalf("groups not mapped: %v", sess.Groups)
	}
	if sess.SessionIndex != "idx-42" {
		t.Fatalf("session index lost: %q", sess.SessionIndex)
	}
	if returnTo != "/console" {
		t.Fatalf("return_to = %q", returnTo)
	}
	if _, err := store.GetSession(context.Background(), sess.ID); err != nil {
		t.Fatalf("session not persisted: %v", err)
	}
}

func TestExchangeResponseRelayStateIsSingleUse(t *testing.T) {
	ks := dsig.RandomKeyStoreForTest()
	a, store := testSAML(t, ks, nil)

	relayState, requestID := startSAMLLogin(t, a, store)
	encoded := buildSignedResponse(t, ks, requestID, nil)

	if _, _, err := a.ExchangeResponse(context.Background(), encoded, relayState, nil); err != nil {
		t.Fatalf("first exchange: %v", err)
	}
	_, _, err := a.ExchangeResponse(context.Background(), encoded, relayState, nil)
	var ae *auth.Error
	if !errors.As(err, &ae) || ae.Kind != auth.KindInvalidToken {
		t.Fatalf("replayed RelayState should be invalid-token, got %v", err)
	}
}

func TestExchangeResponseRejectsUnsigned(t *testing.T) {
	ks := dsig.RandomKeyStoreForTest()
	a, store := testSAML(t, ks, nil)

	relayState, requestID := startSAMLLogin(t, a, store)

	// Same shape, no signature anywhere.
	doc := etree.NewDocument()
	resp := doc.CreateElement("samlp:Response")
	resp.CreateAttr("xmlns:samlp", "urn:oasis:names:tc:SAML:2.0:protocol")
	resp.CreateAttr("ID", "_resp-1")
	resp.CreateAttr("InResponseTo", requestID)
	resp.CreateElement("samlp:Status").
		CreateElement("samlp:StatusCode").CreateAttr("Value", statusSuccess)
	data, _ := doc.WriteToBytes()

	_, _, err := a.ExchangeResponse(context.Background(),
		base64.StdEncoding.EncodeToString(data), relayState, nil)
	var ae *auth.Error
	if !errors.As(err, &ae) || ae.Kind != auth.KindInvalidToken {
		t.Fatalf("unsigned response accepted: %v", err)
	}
}

func TestExchangeResponseRejectsForeignSigner(t *testing.T) {
	ks := dsig.RandomKeyStoreForTest()
	a, store := testSAML(t, ks, nil)

	relayState, requestID := startSAMLLogin(t, a, store)
	// Signed by a key the authenticator does not trust.
	encoded := buildSignedResponse(t, dsig.RandomKeyStoreForTest(), requestID, nil)

	_, _, err := a.ExchangeResponse(context.Background(), encoded, relayState, nil)
	var ae *auth.Error
	if !errors.As(err, &ae) || ae.Kind != auth.KindInvalidToken {
		t.Fatalf("foreign signature accepted: %v", err)
	}
}

func TestExchangeResponseWrongInResponseTo(t *testing.T) {
	ks := dsig.RandomKeyStoreForTest()
	a, store := testSAML(t, ks, nil)

	relayState, _ := startSAMLLogin(t, a, store)
	encoded := buildSignedResponse(t, ks, "_some-other-request", nil)

	_, _, err := a.ExchangeResponse(context.Background(), encoded, relayState, nil)
	var ae *auth.Error
	if !errors.As(err, &ae) || ae.Kind != auth.KindInvalidToken {
		t.Fatalf("mismatched InResponseTo accepted: %v", err)
	}
}

func TestExchangeResponseExpiredRelayState(t *testing.T) {
	ks := dsig.RandomKeyStoreForTest()
	a, store := testSAML(t, ks, nil)

	relayState, requestID := startSAMLLogin(t, a, store)
	st, err := store.PeekAuthState(context.Background(), relayState)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	// Backdate the pending flow past its TTL.
	st.CreatedAt = time.Now().Add(-session.AuthStateTTL - time.Second)
	if err := store.StoreAuthState(context.Background(), st); err != nil {
		t.Fatalf("restore state: %v", err)
	}

	encoded := buildSignedResponse(t, ks, requestID, nil)
	_, _, err = a.ExchangeResponse(context.Background(), encoded, relayState, nil)
	var ae *auth.Error
	if !errors.As(err, &ae) || ae.Kind != auth.KindExpiredToken {
		t.Fatalf("stale RelayState should be expired-token, got %v", err)
	}

	// The stale state was consumed by the take; a retry reads as unknown.
	_, _, err = a.ExchangeResponse(context.Background(), encoded, relayState, nil)
	if !errors.As(err, &ae) || ae.Kind != auth.KindInvalidToken {
		t.Fatalf("second attempt should be invalid-token, got %v", err)
	}
}

func TestExchangeResponseExpiredAssertion(t *testing.T) {
	ks := dsig.RandomKeyStoreForTest()
	a, store := testSAML(t, ks, nil)

	relayState, requestID := startSAMLLogin(t, a, store)
	encoded := buildSignedResponse(t, ks, requestID, func(resp *etree.Element) {
		cond := resp.FindElement("saml:Assertion/saml:Conditions")
		cond.RemoveAttr("NotOnOrAfter")
		cond.CreateAttr("NotOnOrAfter", time.Now().Add(-time.Minute).UTC().Format(time.RFC3339))
	})

	_, _, err := a.ExchangeResponse(context.Background(), encoded, relayState, nil)
	var ae *auth.Error
	if !errors.As(err, &ae) || ae.Kind != auth.KindExpiredToken {
		t.Fatalf("expired assertion accepted: %v", err)
	}
}

func TestExchangeResponseBadBase64(t *testing.T) {
	ks := dsig.RandomKeyStoreForTest()
	a, store := testSAML(t, ks, nil)
	relayState, _ := startSAMLLogin(t, a, store)

	_, _, err := a.ExchangeResponse(context.Background(), "%%%not-base64%%%", relayState, nil)
	var ae *auth.Error
	if !errors.As(err, &ae) || ae.Kind != auth.KindInvalidToken {
		t.Fatalf("bad base64 accepted: %v", err)
	}
}

func TestSPMetadataShape(t *testing.T) {
	a, _ := testSAML(t, dsig.RandomKeyStoreForTest(), nil)

	var md struct {
		EntityID string `xml:"entityID,attr"`
		SPSSO    struct {
			NameIDFormat string `xml:"NameIDFormat"`
			ACS          struct {
				Binding  string `xml:"Binding,attr"`
				Location string `xml:"Location,attr"`
			} `xml:"AssertionConsumerService"`
		} `xml:"SPSSODescriptor"`
	}
	if err := xml.Unmarshal([]byte(a.SPMetadata()), &md); err != nil {
		t.Fatalf("metadata is not valid XML: %v", err)
	}
	if md.EntityID != testSPEntityID {
		t.Fatalf("entityID = %q", md.EntityID)
	}
	if md.SPSSO.ACS.Location != testACSURL || !strings.Contains(md.SPSSO.ACS.Binding, "HTTP-POST") {
		t.Fatalf("wrong ACS endpoint: %+v", md.SPSSO.ACS)
	}
	if md.SPSSO.NameIDFormat != nameIDFormatEmail {
		t.Fatalf("NameIDFormat = %q", md.SPSSO.NameIDFormat)
	}
}

func TestLogoutURL(t *testing.T) {
	// No SLO endpoint configured: nothing to redirect to.
	a, _ := testSAML(t, dsig.RandomKeyStoreForTest(), nil)
	if u, err := a.LogoutURL(context.Background(), &session.Session{ExternalID: "u"}); err != nil || u != "" {
		t.Fatalf("want empty SLO URL, got %q, %v", u, err)
	}

	a, _ = testSAML(t, dsig.RandomKeyStoreForTest(), func(cfg *SAMLConfig) {
		cfg.IdPSLOURL = "https://idp.example.com/slo"
	})
	raw, err := a.LogoutURL(context.Background(), &session.Session{
		ExternalID:   "user@example.com",
		SessionIndex: "idx-42",
	})
	if err != nil {
		t.Fatalf("logout url: %v", err)
	}
	u, _ := url.Parse(raw)
	request := inflateB64(t, u.Query().Get("SAMLRequest"))
	if !strings.Contains(request, "user@example.com") || !strings.Contains(request, "idx-42") {
		t.Fatalf("LogoutRequest missing identity: %s", request)
	}
}
