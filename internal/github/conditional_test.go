package github

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubTransport は受け取ったリクエストを記録し、固定レスポンスを返す
type stubTransport struct {
	requests []*http.Request
	respond  func(req *http.Request) *http.Response
}

func (s *stubTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.requests = append(s.requests, req)
	return s.respond(req), nil
}

func getRequest(t *testing.T, rawURL string) *http.Request {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return &http.Request{Method: http.MethodGet, URL: u, Header: make(http.Header)}
}

func TestConditionalTransport(t *testing.T) {
	const etag = `W/"abc123"`

	stub := &stubTransport{
		respond: func(req *http.Request) *http.Response {
			if req.Header.Get("If-None-Match") == etag {
				return &http.Response{StatusCode: http.StatusNotModified, Header: make(http.Header)}
			}
			header := make(http.Header)
			header.Set("ETag", etag)
			return &http.Response{StatusCode: http.StatusOK, Header: header}
		},
	}
	transport := newConditionalTransport(stub)

	// 初回: If-None-Matchなしで200、ETagが記憶される
	resp, err := transport.RoundTrip(getRequest(t, "https://api.github.com/repos/o/r/issues"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, stub.requests[0].Header.Get("If-None-Match"))

	// 2回目: 記憶したETagが付与され、304が返る
	resp, err = transport.RoundTrip(getRequest(t, "https://api.github.com/repos/o/r/issues"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
	assert.Equal(t, etag, stub.requests[1].Header.Get("If-None-Match"))

	// 別URLにはETagを付けない
	_, err = transport.RoundTrip(getRequest(t, "https://api.github.com/repos/o/r/issues/comments"))
	require.NoError(t, err)
	assert.Empty(t, stub.requests[2].Header.Get("If-None-Match"))
}

func TestConditionalTransport_NonGET(t *testing.T) {
	stub := &stubTransport{
		respond: func(req *http.Request) *http.Response {
			header := make(http.Header)
			header.Set("ETag", `"xyz"`)
			return &http.Response{StatusCode: http.StatusOK, Header: header}
		},
	}
	transport := newConditionalTransport(stub)

	u, err := url.Parse("https://api.github.com/repos/o/r/issues/1/comments")
	require.NoError(t, err)
	post := &http.Request{Method: http.MethodPost, URL: u, Header: make(http.Header)}

	_, err = transport.RoundTrip(post)
	require.NoError(t, err)

	// POSTではETagを記憶しないため、続くGETにも付かない
	_, err = transport.RoundTrip(getRequest(t, "https://api.github.com/repos/o/r/issues/1/comments"))
	require.NoError(t, err)
	assert.Empty(t, stub.requests[1].Header.Get("If-None-Match"))
}

func TestNewClient_Validation(t *testing.T) {
	tests := []struct {
		name  string
		token string
		owner string
		repo  string
	}{
		{"異常系: トークンなし", "", "okudaira", "banken"},
		{"異常系: ownerなし", "token", "", "banken"},
		{"異常系: repoなし", "token", "okudaira", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewClient(tt.token, tt.owner, tt.repo)
			assert.Error(t, err)
			assert.Nil(t, c)
		})
	}
}
