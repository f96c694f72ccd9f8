package bos

import (
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSigner_Sign(t *testing.T) {
	signer := NewSigner(Credentials{AccessKeyID: "ak", SecretAccessKey: "sk"}, 0)
	now := time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)

	headers := http.Header{}
	headers.Set("Host", "bj.bcebos.com")
	headers.Set("Content-Type", "application/octet-stream")
	headers.Set("Content-Length", "5")
	headers.Set("x-bce-date", "2024-03-01T12:30:45Z")
	headers.Set("User-Agent", "not-signed")

	auth := signer.Sign(http.MethodPut, "/v1/bucket/dir/file name.bin", url.Values{
		"partNumber": {"1"},
		"uploadId":   {"abc"},
	}, headers, now)

	fields := strings.Split(auth, "/")
	require.Len(t, fields, 6)
	assert.Equal(t, "bce-auth-v1", fields[0])
	assert.Equal(t, "ak", fields[1])
	assert.Equal(t, "2024-03-01T12:30:45Z", fields[2])
	assert.Equal(t, "1800", fields[3])
	assert.Equal(t, "content-length;content-type;host;x-bce-date", fields[4])
	assert.Len(t, fields[5], 64)

	again := signer.Sign(http.MethodPut, "/v1/bucket/dir/file name.bin", url.Values{
		"uploadId":   {"abc"},
		"partNumber": {"1"},
	}, headers, now)
	assert.Equal(t, auth, again)
}

func TestSigner_KnownSignatures(t *testing.T) {
	tests := []struct {
		name        string
		credentials Credentials
		method      string
		path        string
		params      url.Values
		headers     map[string]string
		now         time.Time
		want        string
	}{
		{
			name:        "upload part",
			credentials: Credentials{AccessKeyID: "ak", SecretAccessKey: "sk"},
			method:      http.MethodPut,
			path:        "/v1/bucket/dir/file name.bin",
			params:      url.Values{"partNumber": {"1"}, "uploadId": {"abc"}},
			headers: map[string]string{
				"Host":           "bj.bcebos.com",
				"Content-Type":   "application/octet-stream",
				"Content-Length": "5",
				"x-bce-date":     "2024-03-01T12:30:45Z",
				"User-Agent":     "not-signed",
			},
			now:  time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC),
			want: "bce-auth-v1/ak/2024-03-01T12:30:45Z/1800/content-length;content-type;host;x-bce-date/4de38e84055fcf9e28d8213db07d8aa0855273dea10552012f9430335d2eb5f8",
		},
		{
			name:        "list parts with escaped key and query",
			credentials: Credentials{AccessKeyID: "test-ak", SecretAccessKey: "test-sk"},
			method:      http.MethodGet,
			path:        "/v1/my-bucket/中/a~b.txt",
			params:      url.Values{"uploadId": {"a/b"}, "maxParts": {"2"}, "partNumberMarker": {"1"}},
			headers: map[string]string{
				"Host":             "localhost:8080",
				"x-bce-date":       "2015-04-27T08:23:49Z",
				"X-Bce-Meta-Owner": "team a",
			},
			now:  time.Date(2015, 4, 27, 8, 23, 49, 0, time.UTC),
			want: "bce-auth-v1/test-ak/2015-04-27T08:23:49Z/1800/host;x-bce-date;x-bce-meta-owner/369dd943629e49934a62737f7927cc5df806f044b03602f2f151a108bb579d31",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := http.Header{}
			for k, v := range tt.headers {
				headers.Set(k, v)
			}
			got := NewSigner(tt.credentials, 0).Sign(tt.method, tt.path, tt.params, headers, tt.now)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSigner_SignatureDependsOnTime(t *testing.T) {
	signer := NewSigner(Credentials{AccessKeyID: "ak", SecretAccessKey: "sk"}, time.Minute)
	now := time.Date(2024, 3, 1, 12, 30, 45, 0, time.UTC)

	first := signer.Sign(http.MethodGet, "/v1/b/o", nil, http.Header{}, now)
	second := signer.Sign(http.MethodGet, "/v1/b/o", nil, http.Header{}, now.Add(time.Second))

	assert.NotEqual(t, first, second)
	assert.Contains(t, first, "/60/")
}

func TestUriEncode(t *testing.T) {
	assert.Equal(t, "/v1/b/a%20b/c", uriEncode("/v1/b/a b/c", false))
	assert.Equal(t, "%2Fv1%2Fb", uriEncode("/v1/b", true))
	assert.Equal(t, "AZaz09-_.~", uriEncode("AZaz09-_.~", true))
	assert.Equal(t, "%E4%B8%AD", uriEncode("中", true))
}

func TestCanonicalQueryString(t *testing.T) {
	got := canonicalQueryString(url.Values{
		"uploads":       {""},
		"partNumber":    {"2"},
		"authorization": {"skip"},
		"marker":        {"a/b"},
	})
	assert.Equal(t, "marker=a%2Fb&partNumber=2&uploads=", got)
}

func TestCanonicalHeaders(t *testing.T) {
	headers := http.Header{}
	headers.Set("Host", "example.com")
	headers.Set("X-Bce-Meta-Owner", " team a ")
	headers.Set("X-Bce-Empty", "")
	headers.Set("Accept", "*/*")

	canonical, names := canonicalHeaders(headers)
	assert.Equal(t, "host:example.com\nx-bce-meta-owner:team%20a", canonical)
	assert.Equal(t, []string{"host", "x-bce-meta-owner"}, names)
}
