package huobi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// HmacSigner implements the gateway.Signer capability with the venue's
// HMAC-SHA256 scheme. It is a collaborator of the client, not part of the
// trading core.
type HmacSigner struct {
	AccessKey string
	SecretKey string
}

// Sign adds the authentication parameters and signature for one request.
// The input map is not modified.
func (s *HmacSigner) Sign(method, host, path string, params map[string]string) map[string]string {
	signed := make(map[string]string, len(params)+5)
	for k, v := range params {
		signed[k] = v
	}
	signed["AccessKeyId"] = s.AccessKey
	signed["SignatureMethod"] = "HmacSHA256"
	signed["SignatureVersion"] = "2"
	signed["Timestamp"] = time.Now().UTC().Format("2006-01-02T15:04:05")

	keys := make([]string, 0, len(signed))
	for k := range signed {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%s", url.QueryEscape(k), url.QueryEscape(signed[k])))
	}

	payload := strings.Join([]string{
		strings.ToUpper(method),
		strings.ToLower(host),
		path,
		strings.Join(pairs, "&"),
	}, "\n")

	mac := hmac.New(sha256.New, []byte(s.SecretKey))
	mac.Write([]byte(payload))
	signed["Signature"] = base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return signed
}
