package notifier

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/hlandau/nat2/internal/config"
	"github.com/hlandau/nat2/internal/mapping"
)

func TestHttpPublishSubstitutesAndSucceeds(t *testing.T) {
	var gotQuery url.Values
	var gotBody string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	body := "address-is-{ip}:{port}"
	h, err := NewHttp("test", config.Http{
		URL:    srv.URL + "?addr={ip}&port={port}",
		Method: "post",
		Body:   &body,
	})
	if err != nil {
		t.Fatalf("NewHttp: %v", err)
	}

	addr := mapping.MappedAddress{IP: []byte{203, 0, 113, 5}, Port: 8080}
	addr.IP = addr.IP.To16() // ensure String() below matches net.IP formatting used by FormatValue
	if err := h.Publish(addr, config.Metadata{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if gotQuery.Get("addr") != addr.IP.String() {
		t.Errorf("query addr = %q, want %q", gotQuery.Get("addr"), addr.IP.String())
	}
	if gotQuery.Get("port") != "8080" {
		t.Errorf("query port = %q, want 8080", gotQuery.Get("port"))
	}
	if want := "address-is-" + addr.IP.String() + ":8080"; gotBody != want {
		t.Errorf("body = %q, want %q", gotBody, want)
	}
}

func TestHttpPublishUsesMetadataValueOverConfiguredBody(t *testing.T) {
	var gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	defaultBody := "default-body"
	h, err := NewHttp("test", config.Http{URL: srv.URL, Method: "POST", Body: &defaultBody})
	if err != nil {
		t.Fatalf("NewHttp: %v", err)
	}

	addr := mapping.MappedAddress{IP: []byte{10, 0, 0, 1}, Port: 1}
	if err := h.Publish(addr, config.Metadata{Value: "override-{port}"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if gotBody != "override-1" {
		t.Errorf("body = %q, want override-1", gotBody)
	}
}

func TestHttpPublishFailsOnNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h, err := NewHttp("test", config.Http{URL: srv.URL})
	if err != nil {
		t.Fatalf("NewHttp: %v", err)
	}

	if err := h.Publish(mapping.MappedAddress{IP: []byte{1, 2, 3, 4}, Port: 1}, config.Metadata{}); err == nil {
		t.Error("expected error for non-2xx response")
	}
}

func TestHttpValidateIsNoOp(t *testing.T) {
	h, err := NewHttp("test", config.Http{URL: "http://example.com"})
	if err != nil {
		t.Fatalf("NewHttp: %v", err)
	}
	if err := h.Validate(config.Metadata{}); err != nil {
		t.Errorf("expected Validate to be a no-op, got %v", err)
	}
}
