package bos

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	authVersion     = "bce-auth-v1"
	timestampLayout = "2006-01-02T15:04:05Z"
)

// Headers signed even without the x-bce- prefix.
var defaultSignedHeaders = map[string]bool{
	"host":           true,
	"content-length": true,
	"content-type":   true,
	"content-md5":    true,
}

// Signer derives bce-auth-v1 authorization values.
type Signer struct {
	credentials Credentials
	expiration  time.Duration
}

// NewSigner ...
func NewSigner(credentials Credentials, expiration time.Duration) *Signer {
	if expiration <= 0 {
		expiration = DefaultExpiration
	}
	return &Signer{credentials: credentials, expiration: expiration}
}

// Sign returns the Authorization value for a request. now must come from the
// corrected clock, the service rejects timestamps too far from its own.
func (s *Signer) Sign(method, path string, params url.Values, headers http.Header, now time.Time) string {
	prefix := fmt.Sprintf("%s/%s/%s/%d", authVersion, s.credentials.AccessKeyID, now.UTC().Format(timestampLayout), int64(s.expiration.Seconds()))
	signingKey := hex.EncodeToString(hmacSHA256([]byte(s.credentials.SecretAccessKey), prefix))

	canonicalHdrs, signedHeaders := canonicalHeaders(headers)
	canonicalRequest := strings.Join([]string{
		method,
		uriEncode(path, false),
		canonicalQueryString(params),
		canonicalHdrs,
	}, "\n")

	signature := hex.EncodeToString(hmacSHA256([]byte(signingKey), canonicalRequest))
	return prefix + "/" + strings.Join(signedHeaders, ";") + "/" + signature
}

func uriEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		if c == '/' && !encodeSlash {
			b.WriteByte(c)
			continue
		}
		b.WriteString("%")
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return b.String()
}

func canonicalQueryString(params url.Values) string {
	var parts []string
	for k, vs := range params {
		if strings.EqualFold(k, "authorization") {
			continue
		}
		if len(vs) == 0 {
			parts = append(parts, uriEncode(k, true)+"=")
			continue
		}
		for _, v := range vs {
			parts = append(parts, uriEncode(k, true)+"="+uriEncode(v, true))
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, "&")
}

func canonicalHeaders(headers http.Header) (string, []string) {
	var entries, names []string
	for k, vs := range headers {
		name := strings.ToLower(strings.TrimSpace(k))
		if !defaultSignedHeaders[name] && !strings.HasPrefix(name, bcePrefix) {
			continue
		}
		if len(vs) == 0 {
			continue
		}
		value := strings.TrimSpace(vs[0])
		if value == "" {
			continue
		}
		entries = append(entries, uriEncode(name, true)+":"+uriEncode(value, true))
		names = append(names, name)
	}
	sort.Strings(entries)
	sort.Strings(names)
	return strings.Join(entries, "\n"), names
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}
