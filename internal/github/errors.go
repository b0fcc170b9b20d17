package github

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	gh "github.com/google/go-github/v50/github"
)

// ErrorKind はGitHub APIエラーの分類
type ErrorKind int

const (
	// KindUnknown は分類不能なエラー
	KindUnknown ErrorKind = iota
	// KindRateLimit はレート制限超過
	KindRateLimit
	// KindTimeout はネットワークタイムアウト
	KindTimeout
	// KindAuth は認証エラー（401/403）
	KindAuth
	// KindNotFound はリソース未存在
	KindNotFound
	// KindServer はサーバーエラー（5xx）
	KindServer
)

// String はエラー種別の文字列表現を返す
func (k ErrorKind) String() string {
	switch k {
	case KindRateLimit:
		return "RateLimit"
	case KindTimeout:
		return "Timeout"
	case KindAuth:
		return "Auth"
	case KindNotFound:
		return "NotFound"
	case KindServer:
		return "Server"
	default:
		return "Unknown"
	}
}

// APIError はGitHub APIエラーの構造化表現
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	ResetAt    time.Time // レート制限のリセット時刻（KindRateLimitのみ）
	Err        error
}

// Error はerrorインターフェースを実装する
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("GitHub API error [%s]: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("GitHub API error [%s]: %s", e.Kind, e.Message)
}

// Unwrap は元のエラーを返す
func (e *APIError) Unwrap() error {
	return e.Err
}

// IsRetryable はリトライ可能なエラーかを返す
func (e *APIError) IsRetryable() bool {
	switch e.Kind {
	case KindRateLimit, KindTimeout, KindServer:
		return true
	default:
		return false
	}
}

// IsRetryableError はリトライ可能なエラーかを判定する
func IsRetryableError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRetryable()
	}
	return false
}

// IsAuthError は認証エラーかを判定する。認証エラーは致命的であり、
// 監視ループはオペレーターの介入なしに再開してはならない。
func IsAuthError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind == KindAuth
	}
	return false
}

// RateLimitResetWait はレート制限エラーのリセット待ち時間を返す
func RateLimitResetWait(err error) (time.Duration, bool) {
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Kind != KindRateLimit {
		return 0, false
	}
	if apiErr.ResetAt.IsZero() {
		return 0, false
	}
	wait := time.Until(apiErr.ResetAt)
	if wait <= 0 {
		return 0, false
	}
	// リセット直後の揺らぎを吸収するため1秒追加する
	return wait + time.Second, true
}

// classifyError はgo-githubのエラーをAPIErrorに変換する
func classifyError(err error) error {
	if err == nil {
		return nil
	}

	var rateLimitErr *gh.RateLimitError
	if errors.As(err, &rateLimitErr) {
		return &APIError{
			Kind:       KindRateLimit,
			StatusCode: http.StatusForbidden,
			Message:    "rate limit exceeded",
			ResetAt:    rateLimitErr.Rate.Reset.Time,
			Err:        err,
		}
	}

	var abuseErr *gh.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		resetAt := time.Time{}
		if abuseErr.RetryAfter != nil {
			resetAt = time.Now().Add(*abuseErr.RetryAfter)
		}
		return &APIError{
			Kind:       KindRateLimit,
			StatusCode: http.StatusForbidden,
			Message:    "secondary rate limit exceeded",
			ResetAt:    resetAt,
			Err:        err,
		}
	}

	var errResp *gh.ErrorResponse
	if errors.As(err, &errResp) && errResp.Response != nil {
		switch code := errResp.Response.StatusCode; {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return &APIError{Kind: KindAuth, StatusCode: code, Message: errResp.Message, Err: err}
		case code == http.StatusNotFound:
			return &APIError{Kind: KindNotFound, StatusCode: code, Message: errResp.Message, Err: err}
		case code >= 500:
			return &APIError{Kind: KindServer, StatusCode: code, Message: errResp.Message, Err: err}
		default:
			return &APIError{Kind: KindUnknown, StatusCode: code, Message: errResp.Message, Err: err}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &APIError{Kind: KindTimeout, Message: "network timeout", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &APIError{Kind: KindTimeout, Message: "request deadline exceeded", Err: err}
	}

	return &APIError{Kind: KindUnknown, Message: err.Error(), Err: err}
}
