package notifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hlandau/nat2/internal/config"
	"github.com/hlandau/nat2/internal/mapping"
)

const cloudflareDefaultURL = "https://api.cloudflare.com/client/v4/zones"

// cloudflareTypes is the whitelist of record types the Cloudflare API
// accepts from this notifier.
var cloudflareTypes = map[string]bool{
	"A": true, "AAAA": true, "CNAME": true, "HTTPS": true, "MX": true,
	"SRV": true, "SVCB": true, "TXT": true, "URI": true,
}

// Cloudflare publishes address changes as Cloudflare DNS records via
// the Bearer-token REST API.
type Cloudflare struct {
	name    string
	token   string
	baseURL string
	client  *http.Client
}

var _ Notifier = (*Cloudflare)(nil)

// NewCloudflare constructs a Cloudflare notifier instance.
func NewCloudflare(name string, cfg config.Cloudflare) *Cloudflare {
	return &Cloudflare{name: name, token: cfg.Token, baseURL: cloudflareDefaultURL, client: &http.Client{Timeout: 15 * time.Second}}
}

func (c *Cloudflare) Kind() string { return "cf" }
func (c *Cloudflare) Name() string { return c.name }

type cloudflareError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

type cloudflareResponse[T any] struct {
	Errors  []cloudflareError `json:"errors"`
	Success bool              `json:"success"`
	Result  *T                `json:"result,omitempty"`
}

func (r cloudflareResponse[T]) checkSuccess() error {
	if r.Success {
		return nil
	}
	if len(r.Errors) > 0 {
		return fmt.Errorf("cloudflare: error %d: %s", r.Errors[0].Code, r.Errors[0].Message)
	}
	return fmt.Errorf("cloudflare: unknown error")
}

type cloudflareID struct {
	ID string `json:"id"`
}

type cloudflareRecord struct {
	Name       string  `json:"name"`
	Proxied    bool    `json:"proxied"`
	RecordType string  `json:"type"`
	Priority   *uint16 `json:"priority,omitempty"`
	TTL        *uint32 `json:"ttl,omitempty"`
}

type cloudflarePlainRecord struct {
	cloudflareRecord
	Content string `json:"content"`
}

type cloudflareSVCB struct {
	Priority uint16 `json:"priority"`
	Target   string `json:"target"`
	Value    string `json:"value"`
}

type cloudflareSRVData struct {
	Port     uint16 `json:"port"`
	Priority uint16 `json:"priority"`
	Target   string `json:"target"`
	Weight   uint16 `json:"weight"`
}

type cloudflareURIData struct {
	Target string `json:"target"`
	Weight uint16 `json:"weight"`
}

type cloudflareCustomRecord[T any] struct {
	cloudflareRecord
	Data T `json:"data"`
}

func (c *Cloudflare) headers(withJSON bool) http.Header {
	h := http.Header{}
	if withJSON {
		h.Set("Content-Type", "application/json; charset=utf-8")
	}
	h.Set("Authorization", "Bearer "+c.token)
	return h
}

func (c *Cloudflare) getZoneID(domain string) (string, error) {
	u := c.baseURL + "?" + url.Values{"name": {domain}}.Encode()
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header = c.headers(false)
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body cloudflareResponse[[]cloudflareID]
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if err := body.checkSuccess(); err != nil {
		return "", err
	}
	if body.Result == nil || len(*body.Result) == 0 {
		return "", fmt.Errorf("cloudflare: %s is not found in your account", domain)
	}
	return (*body.Result)[0].ID, nil
}

func (c *Cloudflare) getRecordID(zoneID, domain, recordType string) (string, error) {
	u := fmt.Sprintf("%s/%s/dns_records?%s", c.baseURL, zoneID, url.Values{"name": {domain}, "type": {recordType}}.Encode())
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	req.Header = c.headers(false)
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body cloudflareResponse[[]cloudflareID]
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if err := body.checkSuccess(); err != nil {
		return "", err
	}
	if body.Result == nil || len(*body.Result) == 0 {
		return "", nil
	}
	return (*body.Result)[0].ID, nil
}

func (c *Cloudflare) createRecord(zoneID string, record any) (string, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/%s/dns_records", c.baseURL, zoneID), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header = c.headers(true)
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body cloudflareResponse[cloudflareID]
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if err := body.checkSuccess(); err != nil {
		return "", err
	}
	if body.Result == nil {
		return "", fmt.Errorf("cloudflare: record id not found in response")
	}
	return body.Result.ID, nil
}

func (c *Cloudflare) updateRecord(zoneID, recordID string, record any) (string, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequest(http.MethodPatch, fmt.Sprintf("%s/%s/dns_records/%s", c.baseURL, zoneID, recordID), bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header = c.headers(true)
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var body cloudflareResponse[cloudflareID]
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if err := body.checkSuccess(); err != nil {
		return "", err
	}
	if body.Result == nil {
		return "", fmt.Errorf("cloudflare: record id not found in response")
	}
	return body.Result.ID, nil
}

// parseSRV parses the `priority weight port target` value format.
func parseSRV(value string) (cloudflareSRVData, error) {
	fields := strings.Fields(value)
	if len(fields) != 4 {
		return cloudflareSRVData{}, fmt.Errorf("cloudflare: invalid value format (e.g. `priority weight port target`)")
	}
	priority, err := strconv.ParseUint(fields[0], 10, 16)
	if err != nil {
		return cloudflareSRVData{}, err
	}
	weight, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return cloudflareSRVData{}, err
	}
	port, err := strconv.ParseUint(fields[2], 10, 16)
	if err != nil {
		return cloudflareSRVData{}, err
	}
	return cloudflareSRVData{Port: uint16(port), Priority: uint16(priority), Target: fields[3], Weight: uint16(weight)}, nil
}

// parseSVCB parses the `target key=value key=value...` value format.
func parseSVCB(priority uint16, value string) (cloudflareSVCB, error) {
	value = strings.TrimSpace(value)
	target, pairs, ok := strings.Cut(value, " ")
	if !ok {
		return cloudflareSVCB{}, fmt.Errorf("cloudflare: invalid value format (e.g. `target key-value-pairs`)")
	}
	return cloudflareSVCB{Priority: priority, Target: target, Value: strings.TrimSpace(pairs)}, nil
}

func (c *Cloudflare) Validate(md config.Metadata) error {
	if err := ValidateDNSMetadata(md); err != nil {
		return err
	}
	recordType := strings.ToUpper(*md.Kind)
	if !cloudflareTypes[recordType] {
		return fmt.Errorf("cloudflare: unsupported record type `%s`", recordType)
	}
	if recordType == "URI" && md.Priority == nil {
		return fmt.Errorf("cloudflare: missing field `priority`")
	}

	exampleAddr := mapping.MappedAddress{IP: net.ParseIP("1.1.1.1"), Port: 1111}
	exampleValue := FormatValue(md.Value, exampleAddr)
	switch recordType {
	case "SRV":
		if _, err := parseSRV(exampleValue); err != nil {
			return err
		}
	case "HTTPS", "SVCB":
		if _, err := parseSVCB(0, exampleValue); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cloudflare) Publish(addr mapping.MappedAddress, md config.Metadata) error {
	domainName, subdomain, ok := SplitDomain(*md.Domain)
	if !ok {
		return fmt.Errorf("cloudflare: invalid domain %q", *md.Domain)
	}
	recordType := strings.ToUpper(*md.Kind)

	zoneID, err := c.getZoneID(domainName)
	if err != nil {
		return err
	}

	var recordID string
	if md.RID != nil {
		recordID = *md.RID
	} else {
		recordID, err = c.getRecordID(zoneID, *md.Domain, recordType)
		if err != nil {
			return err
		}
	}

	fqdn := domainName
	if subdomain != "" {
		fqdn = subdomain + "." + domainName
	}
	base := cloudflareRecord{
		Name:       fqdn,
		Proxied:    md.Proxied != nil && *md.Proxied,
		RecordType: recordType,
		Priority:   md.Priority,
		TTL:        md.TTL,
	}
	value := FormatValue(md.Value, addr)

	var record any
	switch recordType {
	case "HTTPS", "SVCB":
		svcb, err := parseSVCB(*md.Priority, value)
		if err != nil {
			return err
		}
		record = cloudflareCustomRecord[cloudflareSVCB]{cloudflareRecord: base, Data: svcb}
	case "SRV":
		srv, err := parseSRV(value)
		if err != nil {
			return err
		}
		record = cloudflareCustomRecord[cloudflareSRVData]{cloudflareRecord: base, Data: srv}
	case "URI":
		record = cloudflareCustomRecord[cloudflareURIData]{cloudflareRecord: base, Data: cloudflareURIData{Target: value, Weight: 0}}
	default:
		record = cloudflarePlainRecord{cloudflareRecord: base, Content: value}
	}

	if recordID != "" {
		traceRequest("cloudflare %s: updating record %s in zone %s", c.name, recordID, zoneID)
		_, err = c.updateRecord(zoneID, recordID, record)
	} else {
		traceRequest("cloudflare %s: creating record in zone %s", c.name, zoneID)
		_, err = c.createRecord(zoneID, record)
	}
	return err
}
