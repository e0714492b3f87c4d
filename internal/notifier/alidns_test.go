package notifier

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/hlandau/nat2/internal/config"
	"github.com/hlandau/nat2/internal/mapping"
)

func TestSubdomainRR(t *testing.T) {
	if got := subdomainRR(""); got != "@" {
		t.Errorf("subdomainRR(\"\") = %q, want @", got)
	}
	if got := subdomainRR("www"); got != "www" {
		t.Errorf("subdomainRR(\"www\") = %q, want www", got)
	}
}

func TestAliDNSSignFormat(t *testing.T) {
	a, err := NewAliDNS("test", config.AliDNS{SecretID: "id123", SecretKey: "key456"})
	if err != nil {
		t.Fatalf("NewAliDNS: %v", err)
	}

	query := url.Values{"DomainName": {"example.com"}, "RR": {"www"}, "Type": {"A"}, "Value": {"1.2.3.4"}}
	headers := http.Header{}
	headers.Set("x-acs-action", "AddDomainRecord")
	headers.Set("x-acs-version", "2015-01-09")
	headers.Set("x-acs-date", "2026-07-31T00:00:00Z")
	headers.Set("x-acs-content-sha256", strings.Repeat("0", 64))

	auth := a.sign("AddDomainRecord", query, headers)
	if !strings.HasPrefix(auth, "ACS3-HMAC-SHA256 Credential=id123, SignedHeaders=") {
		t.Fatalf("unexpected Authorization prefix: %q", auth)
	}
	if !strings.Contains(auth, "Signature=") {
		t.Fatalf("expected Signature in Authorization header: %q", auth)
	}
}

func TestAliDNSDefaultURL(t *testing.T) {
	a, err := NewAliDNS("test", config.AliDNS{SecretID: "id", SecretKey: "key"})
	if err != nil {
		t.Fatalf("NewAliDNS: %v", err)
	}
	if a.baseURL != aliDNSDefaultURL {
		t.Errorf("baseURL = %q, want default %q", a.baseURL, aliDNSDefaultURL)
	}
}

func TestAliDNSCustomURLRejectsInvalid(t *testing.T) {
	if _, err := NewAliDNS("test", config.AliDNS{URL: "://bad"}); err == nil {
		t.Error("expected error for invalid url")
	}
	if _, err := NewAliDNS("test", config.AliDNS{URL: "/just-a-path"}); err == nil {
		t.Error("expected error for url with no host")
	}
}

// TestAliDNSPublishCreatesRecordWhenNotFound drives a full Publish
// call against a fake server answering DescribeSubDomainRecords (no
// record found) followed by AddDomainRecord, asserting the query
// AliDNS actually sends.
func TestAliDNSPublishCreatesRecordWhenNotFound(t *testing.T) {
	var gotAction string
	var gotQuery url.Values

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		action := r.Header.Get("X-Acs-Action")
		switch action {
		case "DescribeSubDomainRecords":
			json.NewEncoder(w).Encode(aliDNSDescribeResponse{
				aliDNSBaseResponse: aliDNSBaseResponse{RequestID: "req1"},
				DomainRecords:      &aliDNSDomainRecords{Record: nil},
			})
		case "AddDomainRecord":
			gotAction = action
			gotQuery = r.URL.Query()
			id := "rec1"
			json.NewEncoder(w).Encode(aliDNSRecordResponse{
				aliDNSBaseResponse: aliDNSBaseResponse{RequestID: "req2"},
				RecordID:           &id,
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	a, err := NewAliDNS("test", config.AliDNS{URL: srv.URL, SecretID: "id", SecretKey: "key"})
	if err != nil {
		t.Fatalf("NewAliDNS: %v", err)
	}

	addr := mapping.MappedAddress{IP: net.ParseIP("203.0.113.9"), Port: 1234}
	md := config.Metadata{Domain: strPtr("www.example.com"), Kind: strPtr("A"), Value: "{ip}"}
	if err := a.Publish(addr, md); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if gotAction != "AddDomainRecord" {
		t.Fatalf("expected an AddDomainRecord call, got %q", gotAction)
	}
	if gotQuery.Get("DomainName") != "example.com" || gotQuery.Get("RR") != "www" {
		t.Errorf("DomainName/RR = %q/%q, want example.com/www", gotQuery.Get("DomainName"), gotQuery.Get("RR"))
	}
	if gotQuery.Get("Value") != "203.0.113.9" {
		t.Errorf("Value = %q, want 203.0.113.9", gotQuery.Get("Value"))
	}
}

func TestAliDNSValidateDelegatesToDNSMetadata(t *testing.T) {
	a, err := NewAliDNS("test", config.AliDNS{})
	if err != nil {
		t.Fatalf("NewAliDNS: %v", err)
	}
	if err := a.Validate(config.Metadata{}); err == nil {
		t.Error("expected error for empty metadata")
	}
}
