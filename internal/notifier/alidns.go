package notifier

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hlandau/nat2/internal/config"
	"github.com/hlandau/nat2/internal/mapping"
)

const aliDNSDefaultURL = "https://dns.aliyuncs.com"

// AliDNS publishes address changes as AliDNS records via the
// Alibaba Cloud ACS3-HMAC-SHA256 signed API.
type AliDNS struct {
	name      string
	baseURL   string
	host      string
	secretID  string
	secretKey string
	client    *http.Client
}

var _ Notifier = (*AliDNS)(nil)

// NewAliDNS constructs an AliDNS notifier instance.
func NewAliDNS(name string, cfg config.AliDNS) (*AliDNS, error) {
	base := cfg.URL
	if base == "" {
		base = aliDNSDefaultURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("alidns %s: invalid url: %w", name, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("alidns %s: url has no host", name)
	}
	return &AliDNS{
		name:      name,
		baseURL:   base,
		host:      u.Host,
		secretID:  cfg.SecretID,
		secretKey: cfg.SecretKey,
		client:    &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (a *AliDNS) Kind() string { return "alidns" }
func (a *AliDNS) Name() string { return a.name }

func (a *AliDNS) Validate(md config.Metadata) error {
	return ValidateDNSMetadata(md)
}

type aliDNSBaseResponse struct {
	RequestID string  `json:"RequestId"`
	Code      *string `json:"Code,omitempty"`
	Message   *string `json:"Message,omitempty"`
}

func (r aliDNSBaseResponse) success() error {
	if r.Code != nil {
		msg := "Please refer to the API documentation."
		if r.Message != nil {
			msg = *r.Message
		}
		return fmt.Errorf("alidns: %s: %s", *r.Code, msg)
	}
	return nil
}

type aliDNSRecordID struct {
	RecordID string `json:"RecordId"`
}

type aliDNSDomainRecords struct {
	Record []aliDNSRecordID `json:"Record"`
}

type aliDNSDescribeResponse struct {
	aliDNSBaseResponse
	DomainRecords *aliDNSDomainRecords `json:"DomainRecords,omitempty"`
}

type aliDNSRecordResponse struct {
	aliDNSBaseResponse
	RecordID *string `json:"RecordId,omitempty"`
}

func (a *AliDNS) sign(action string, query url.Values, headers http.Header) string {
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	sortedQuery := url.Values{}
	for _, k := range keys {
		sortedQuery[k] = query[k]
	}
	canonicalQuery := strings.ReplaceAll(sortedQuery.Encode(), "+", "%20")

	var acsNames []string
	acsValues := map[string]string{}
	for k := range headers {
		lk := strings.ToLower(k)
		if strings.HasPrefix(lk, "x-acs-") {
			vals := append([]string{}, headers.Values(k)...)
			for i := range vals {
				vals[i] = strings.TrimSpace(vals[i])
			}
			sort.Strings(vals)
			acsValues[lk] = strings.Join(vals, ",")
			acsNames = append(acsNames, lk)
		}
	}
	sort.Strings(acsNames)
	signedHeaders := strings.Join(acsNames, ";")
	var canonicalHeaderLines []string
	for _, n := range acsNames {
		canonicalHeaderLines = append(canonicalHeaderLines, fmt.Sprintf("%s:%s", n, acsValues[n]))
	}

	canonicalRequest := fmt.Sprintf("POST\n/\n%s\nhost:%s\n%s\n\nhost;%s\n%s",
		canonicalQuery, a.host, strings.Join(canonicalHeaderLines, "\n"), signedHeaders, acsValues["x-acs-content-sha256"])

	crHash := sha256.Sum256([]byte(canonicalRequest))
	stringToSign := fmt.Sprintf("ACS3-HMAC-SHA256\n%s", hex.EncodeToString(crHash[:]))

	mac := hmac.New(sha256.New, []byte(a.secretKey))
	mac.Write([]byte(stringToSign))
	signature := hex.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("ACS3-HMAC-SHA256 Credential=%s, SignedHeaders=host;%s, Signature=%s",
		a.secretID, signedHeaders, signature)
}

func (a *AliDNS) do(action string, query url.Values, out any) error {
	emptyHash := sha256.Sum256(nil)
	headers := http.Header{}
	headers.Set("x-acs-action", action)
	headers.Set("x-acs-version", "2015-01-09")
	headers.Set("x-acs-date", time.Now().UTC().Format("2006-01-02T15:04:05Z"))
	headers.Set("x-acs-content-sha256", hex.EncodeToString(emptyHash[:]))

	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	headers.Set("x-acs-signature-nonce", hex.EncodeToString(nonce))
	headers.Set("Authorization", a.sign(action, query, headers))

	reqURL := a.baseURL + "?" + query.Encode()
	req, err := http.NewRequest(http.MethodPost, reqURL, nil)
	if err != nil {
		return err
	}
	req.Header = headers

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func (a *AliDNS) getRecordID(domain, recordType string) (*string, error) {
	q := url.Values{"SubDomain": {domain}, "Type": {recordType}}
	var resp aliDNSDescribeResponse
	if err := a.do("DescribeSubDomainRecords", q, &resp); err != nil {
		return nil, err
	}
	if err := resp.success(); err != nil {
		return nil, err
	}
	if resp.DomainRecords == nil || len(resp.DomainRecords.Record) == 0 {
		return nil, nil
	}
	id := resp.DomainRecords.Record[0].RecordID
	return &id, nil
}

func aliDNSRecordQuery(domainName, rr, recordType, value string, priority *uint16, ttl *uint32) url.Values {
	q := url.Values{
		"DomainName": {domainName},
		"RR":         {rr},
		"Type":       {recordType},
		"Value":      {value},
	}
	if priority != nil {
		q.Set("Priority", fmt.Sprintf("%d", *priority))
	}
	if ttl != nil {
		q.Set("TTL", fmt.Sprintf("%d", *ttl))
	}
	return q
}

func (a *AliDNS) createRecord(domainName, rr, recordType, value string, priority *uint16, ttl *uint32) (string, error) {
	q := aliDNSRecordQuery(domainName, rr, recordType, value, priority, ttl)
	var resp aliDNSRecordResponse
	if err := a.do("AddDomainRecord", q, &resp); err != nil {
		return "", err
	}
	if err := resp.success(); err != nil {
		return "", err
	}
	if resp.RecordID == nil {
		return "", fmt.Errorf("alidns: record id not found in response")
	}
	return *resp.RecordID, nil
}

func (a *AliDNS) updateRecord(recordID, domainName, rr, recordType, value string, priority *uint16, ttl *uint32) (string, error) {
	q := aliDNSRecordQuery(domainName, rr, recordType, value, priority, ttl)
	q.Set("RecordId", recordID)
	var resp aliDNSRecordResponse
	if err := a.do("UpdateDomainRecord", q, &resp); err != nil {
		return "", err
	}
	if err := resp.success(); err != nil {
		return "", err
	}
	if resp.RecordID == nil {
		return "", fmt.Errorf("alidns: record id not found in response")
	}
	return *resp.RecordID, nil
}

// subdomainRR renders an empty subdomain as "@", matching the
// convention AliDNS and DNSPod share for apex records.
func subdomainRR(subdomain string) string {
	if subdomain == "" {
		return "@"
	}
	return subdomain
}

func (a *AliDNS) Publish(addr mapping.MappedAddress, md config.Metadata) error {
	domainName, subdomain, ok := SplitDomain(*md.Domain)
	if !ok {
		return fmt.Errorf("alidns: invalid domain %q", *md.Domain)
	}

	var recordID *string
	if md.RID != nil {
		recordID = md.RID
	}
	if recordID == nil {
		found, err := a.getRecordID(*md.Domain, *md.Kind)
		if err != nil {
			return err
		}
		recordID = found
	}

	value := FormatValue(md.Value, addr)
	rr := subdomainRR(subdomain)

	var err error
	if recordID != nil {
		traceRequest("alidns %s: updating record %s %s.%s", a.name, *recordID, rr, domainName)
		_, err = a.updateRecord(*recordID, domainName, rr, *md.Kind, value, md.Priority, md.TTL)
	} else {
		traceRequest("alidns %s: creating record %s.%s", a.name, rr, domainName)
		_, err = a.createRecord(domainName, rr, *md.Kind, value, md.Priority, md.TTL)
	}
	return err
}
