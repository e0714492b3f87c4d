package notifier

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hlandau/nat2/internal/config"
	"github.com/hlandau/nat2/internal/mapping"
)

const dnspodHost = "dnspod.tencentcloudapi.com"

// DnsPod publishes address changes as DNSPod records via the
// Tencent Cloud TC3-HMAC-SHA256 signed API.
type DnsPod struct {
	name      string
	url       string
	secretID  string
	secretKey string
	client    *http.Client
}

var _ Notifier = (*DnsPod)(nil)

// NewDnsPod constructs a DNSPod notifier instance.
func NewDnsPod(name string, cfg config.DnsPod) *DnsPod {
	return &DnsPod{
		name:      name,
		url:       "https://" + dnspodHost,
		secretID:  cfg.SecretID,
		secretKey: cfg.SecretKey,
		client:    &http.Client{Timeout: 15 * time.Second},
	}
}

func (d *DnsPod) Kind() string { return "dnspod" }
func (d *DnsPod) Name() string { return d.name }

func (d *DnsPod) Validate(md config.Metadata) error {
	return ValidateDNSMetadata(md)
}

type dnspodRecord struct {
	Domain     string `json:"Domain"`
	SubDomain  string `json:"SubDomain"`
	RecordType string `json:"RecordType"`
	Value      string `json:"Value"`
	RecordLine string `json:"RecordLine"`
	MX         *uint16 `json:"MX,omitempty"`
	TTL        *uint32 `json:"TTL,omitempty"`
}

type dnspodUpdateRecordRequest struct {
	RecordID string `json:"RecordId"`
	dnspodRecord
}

type dnspodDescribeRequest struct {
	Domain     string `json:"Domain"`
	Subdomain  string `json:"Subdomain"`
	RecordType string `json:"RecordType"`
}

type dnspodError struct {
	Code    string `json:"Code"`
	Message string `json:"Message"`
}

type dnspodBaseResponse struct {
	Error *dnspodError `json:"Error,omitempty"`
}

type dnspodRecordResponseBody struct {
	dnspodBaseResponse
	RecordID *uint64 `json:"RecordId,omitempty"`
}

type dnspodDescribeResponseItem struct {
	RecordID uint64 `json:"RecordId"`
}

type dnspodDescribeResponseBody struct {
	dnspodBaseResponse
	RecordList *[]dnspodDescribeResponseItem `json:"RecordList,omitempty"`
}

type dnspodEnvelope[T any] struct {
	Response T `json:"Response"`
}

func (d *DnsPod) sign(action string, payload []byte) string {
	payloadHash := sha256.Sum256(payload)
	canonicalRequest := fmt.Sprintf(
		"POST\n/\n\ncontent-type:application/json; charset=utf-8\nhost:%s\nx-tc-action:%s\n\ncontent-type;host;x-tc-action\n%s",
		dnspodHost, toLowerAction(action), hex.EncodeToString(payloadHash[:]))

	now := time.Now().UTC()
	date := now.Format("2006-01-02")
	crHash := sha256.Sum256([]byte(canonicalRequest))
	stringToSign := fmt.Sprintf("TC3-HMAC-SHA256\n%d\n%s/dnspod/tc3_request\n%s",
		now.Unix(), date, hex.EncodeToString(crHash[:]))

	secretDate := hmacSHA256([]byte("TC3"+d.secretKey), date)
	secretService := hmacSHA256(secretDate, "dnspod")
	secretSigning := hmacSHA256(secretService, "tc3_request")
	signature := hex.EncodeToString(hmacSHA256(secretSigning, stringToSign))

	return fmt.Sprintf("TC3-HMAC-SHA256 Credential=%s/%s/dnspod/tc3_request, SignedHeaders=content-type;host;x-tc-action, Signature=%s",
		d.secretID, date, signature)
}

func hmacSHA256(key []byte, data string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}

func toLowerAction(action string) string {
	out := make([]byte, len(action))
	for i := 0; i < len(action); i++ {
		c := action[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

func (d *DnsPod) do(action string, payload []byte, out any) error {
	req, err := http.NewRequest(http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("X-TC-Version", "2021-03-23")
	req.Header.Set("X-TC-Action", action)
	req.Header.Set("X-TC-Timestamp", fmt.Sprintf("%d", time.Now().UTC().Unix()))
	req.Header.Set("Authorization", d.sign(action, payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (d *DnsPod) getRecordID(domain, subdomain, recordType string) (*uint64, error) {
	if subdomain == "" {
		subdomain = "@"
	}
	payload, err := json.Marshal(dnspodDescribeRequest{Domain: domain, Subdomain: subdomain, RecordType: recordType})
	if err != nil {
		return nil, err
	}
	var resp dnspodEnvelope[dnspodDescribeResponseBody]
	if err := d.do("DescribeRecordList", payload, &resp); err != nil {
		return nil, err
	}
	if resp.Response.Error != nil {
		if resp.Response.Error.Code == "ResourceNotFound.NoDataOfRecord" {
			return nil, nil
		}
		return nil, fmt.Errorf("dnspod: %s: %s", resp.Response.Error.Code, resp.Response.Error.Message)
	}
	if resp.Response.RecordList == nil || len(*resp.Response.RecordList) == 0 {
		return nil, nil
	}
	id := (*resp.Response.RecordList)[0].RecordID
	return &id, nil
}

func (d *DnsPod) createRecord(rec dnspodRecord) (uint64, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	var resp dnspodEnvelope[dnspodRecordResponseBody]
	if err := d.do("CreateRecord", payload, &resp); err != nil {
		return 0, err
	}
	if resp.Response.Error != nil {
		return 0, fmt.Errorf("dnspod: %s: %s", resp.Response.Error.Code, resp.Response.Error.Message)
	}
	if resp.Response.RecordID == nil {
		return 0, fmt.Errorf("dnspod: record id not found in response")
	}
	return *resp.Response.RecordID, nil
}

func (d *DnsPod) updateRecord(recordID uint64, rec dnspodRecord) (uint64, error) {
	payload, err := json.Marshal(dnspodUpdateRecordRequest{RecordID: fmt.Sprintf("%d", recordID), dnspodRecord: rec})
	if err != nil {
		return 0, err
	}
	var resp dnspodEnvelope[dnspodRecordResponseBody]
	if err := d.do("ModifyRecord", payload, &resp); err != nil {
		return 0, err
	}
	if resp.Response.Error != nil {
		return 0, fmt.Errorf("dnspod: %s: %s", resp.Response.Error.Code, resp.Response.Error.Message)
	}
	if resp.Response.RecordID == nil {
		return 0, fmt.Errorf("dnspod: record id not found in response")
	}
	return *resp.Response.RecordID, nil
}

func (d *DnsPod) Publish(addr mapping.MappedAddress, md config.Metadata) error {
	domain, subdomain, ok := SplitDomain(*md.Domain)
	if !ok {
		return fmt.Errorf("dnspod: invalid domain %q", *md.Domain)
	}

	var recordID *uint64
	if md.RID != nil {
		var id uint64
		if _, err := fmt.Sscanf(*md.RID, "%d", &id); err == nil {
			recordID = &id
		}
	}
	if recordID == nil {
		found, err := d.getRecordID(domain, subdomain, *md.Kind)
		if err != nil {
			return err
		}
		recordID = found
	}

	if subdomain == "" {
		subdomain = "@"
	}
	rec := dnspodRecord{
		Domain:     domain,
		SubDomain:  subdomain,
		RecordType: *md.Kind,
		Value:      FormatValue(md.Value, addr),
		RecordLine: "默认",
		MX:         md.Priority,
		TTL:        md.TTL,
	}

	var err error
	if recordID != nil {
		traceRequest("dnspod %s: updating record %d: %+v", d.name, *recordID, rec)
		_, err = d.updateRecord(*recordID, rec)
	} else {
		traceRequest("dnspod %s: creating record: %+v", d.name, rec)
		_, err = d.createRecord(rec)
	}
	return err
}
