package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// mockS3 answers the path-style subset of the S3 API the sink uses:
// HeadObject, GetObject, PutObject, DeleteObject and ListObjectsV2 with
// one key per page to exercise continuation.
type mockS3 struct {
	mu    sync.Mutex
	state map[string][]byte
}

func (m *mockS3) RoundTrip(req *http.Request) (*http.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		return m.list(req), nil
	}
	switch req.Method {
	case http.MethodHead:
		if body, ok := m.state[key]; ok {
			return respond(http.StatusOK, nil, http.Header{"Content-Length": {strconv.Itoa(len(body))}}), nil
		}
		return respond(http.StatusNotFound, nil, nil), nil
	case http.MethodPut:
		body, _ := io.ReadAll(req.Body)
		if dec, ok := decodeChunked(body); ok {
			body = dec
		}
		m.state[key] = body
		return respond(http.StatusOK, nil, http.Header{"ETag": {`"etag"`}}), nil
	case http.MethodGet:
		if body, ok := m.state[key]; ok {
			return respond(http.StatusOK, body, http.Header{
				"Content-Length": {strconv.Itoa(len(body))},
				"Content-Type":   {"application/json"},
			}), nil
		}
		return respond(http.StatusNotFound, nil, nil), nil
	case http.MethodDelete:
		delete(m.state, key)
		return respond(http.StatusNoContent, nil, nil), nil
	}
	return respond(http.StatusNotImplemented, nil, nil), nil
}

func (m *mockS3) list(req *http.Request) *http.Response {
	q := req.URL.Query()
	prefix := q.Get("prefix")
	var keys []string
	for k := range m.state {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	start := 0
	if tok := q.Get("continuation-token"); tok != "" {
		start, _ = strconv.Atoi(tok)
	}
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult>`)
	if start+1 < len(keys) {
		fmt.Fprintf(&b, "<IsTruncated>true</IsTruncated><NextContinuationToken>%d</NextContinuationToken>", start+1)
	} else {
		b.WriteString("<IsTruncated>false</IsTruncated>")
	}
	if start < len(keys) {
		k := keys[start]
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size><LastModified>2026-01-01T00:00:00Z</LastModified></Contents>", k, len(m.state[k]))
	}
	b.WriteString("</ListBucketResult>")
	return respond(http.StatusOK, []byte(b.String()), http.Header{"Content-Type": {"application/xml"}})
}

func respond(status int, body []byte, h http.Header) *http.Response {
	if h == nil {
		h = http.Header{}
	}
	return &http.Response{StatusCode: status, Body: io.NopCloser(bytes.NewReader(body)), Header: h}
}

// decodeChunked unwraps an aws-chunked body: <hex>[;ext]\r\n<data>\r\n ...
// 0\r\n<trailers>.
func decodeChunked(b []byte) ([]byte, bool) {
	var out []byte
	rest := b
	for {
		i := bytes.Index(rest, []byte("\r\n"))
		if i < 0 {
			return nil, false
		}
		head := string(rest[:i])
		if j := strings.IndexByte(head, ';'); j >= 0 {
			head = head[:j]
		}
		n, err := strconv.ParseInt(head, 16, 64)
		if err != nil {
			return nil, false
		}
		rest = rest[i+2:]
		if n == 0 {
			return out, true
		}
		if int64(len(rest)) < n+2 {
			return nil, false
		}
		out = append(out, rest[:n]...)
		rest = rest[n+2:]
	}
}

func newMockS3(t *testing.T, prefix string) (*S3, *mockS3) {
	t.Helper()
	m := &mockS3{state: map[string][]byte{}}
	s, err := NewS3(context.Background(), S3Config{
		Bucket:          "attic-test",
		Prefix:          prefix,
		Region:          "us-east-1",
		Endpoint:        "https://mock.s3.local",
		PathStyle:       true,
		AccessKeyID:     "AKIA",
		SecretAccessKey: "SECRET",
		HTTPClient:      &http.Client{Transport: m},
	})
	require.NoError(t, err)
	return s, m
}
