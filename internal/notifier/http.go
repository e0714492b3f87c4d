package notifier

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hlandau/nat2/internal/config"
	"github.com/hlandau/nat2/internal/mapping"
)

// Http is a generic webhook notifier: it substitutes {ip}/{port}
// tokens into the configured URL's query string and body, then sends
// one request and treats any non-2xx status as failure.
type Http struct {
	name    string
	url     *url.URL
	method  string
	body    string
	headers map[string]string
	client  *http.Client
}

var _ Notifier = (*Http)(nil)

// NewHttp constructs an HTTP notifier instance.
func NewHttp(name string, cfg config.Http) (*Http, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("http %s: invalid url: %w", name, err)
	}
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}
	body := ""
	if cfg.Body != nil {
		body = *cfg.Body
	}
	return &Http{
		name:    name,
		url:     u,
		method:  method,
		body:    body,
		headers: cfg.Headers,
		client:  &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (h *Http) Kind() string { return "http" }
func (h *Http) Name() string { return h.name }

func (h *Http) Validate(md config.Metadata) error { return nil }

func (h *Http) Publish(addr mapping.MappedAddress, md config.Metadata) error {
	u := *h.url
	if u.RawQuery != "" {
		u.RawQuery = FormatValue(u.RawQuery, addr)
	}

	body := md.Value
	if body == "" {
		body = h.body
	}
	body = FormatValue(body, addr)

	req, err := http.NewRequest(h.method, u.String(), strings.NewReader(body))
	if err != nil {
		return err
	}
	for k, v := range h.headers {
		req.Header.Set(k, v)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("http: request to %s returned status %d", u.String(), resp.StatusCode)
	}
	return nil
}
