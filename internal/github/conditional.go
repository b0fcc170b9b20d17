package github

import (
	"net/http"
	"sync"
)

// conditionalTransport はGETリクエストにIf-None-Matchヘッダを付与する
// RoundTripper。レスポンスのETagをURLごとに記憶し、次回の同一リクエストで
// 条件付きフェッチを行う。304応答は呼び出し側で「変更なし」として扱う。
type conditionalTransport struct {
	base  http.RoundTripper
	mu    sync.Mutex
	etags map[string]string
}

func newConditionalTransport(base http.RoundTripper) *conditionalTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &conditionalTransport{
		base:  base,
		etags: make(map[string]string),
	}
}

func (t *conditionalTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet {
		return t.base.RoundTrip(req)
	}

	key := req.URL.String()

	t.mu.Lock()
	if etag, ok := t.etags[key]; ok {
		req.Header.Set("If-None-Match", etag)
	}
	t.mu.Unlock()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}

	if resp.StatusCode == http.StatusOK {
		if etag := resp.Header.Get("ETag"); etag != "" {
			t.mu.Lock()
			t.etags[key] = etag
			t.mu.Unlock()
		}
	}

	return resp, nil
}
