package watcher

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/okudaira/banken/internal/github"
	"github.com/okudaira/banken/internal/logger"
)

// retryWithBackoff は指数バックオフでリトライを実行する。
// リトライ不能なエラー（認証エラーなど）は即座に返す。
func retryWithBackoff(ctx context.Context, log logger.Logger, maxRetries int, baseDelay time.Duration, operation func() error) error {
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled: %w", ctx.Err())
		default:
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !github.IsRetryableError(err) {
			return err
		}
		if attempt == maxRetries-1 {
			break
		}

		backoff := calculateBackoff(attempt+1, baseDelay)

		// レート制限の場合はリセット時刻まで待つ
		if wait, ok := github.RateLimitResetWait(err); ok {
			backoff = wait
			log.Warn("Rate limit hit, waiting until reset", "wait", backoff.String())
		} else {
			log.Warn("Retrying after backoff",
				"backoff", backoff.String(),
				"attempt", attempt+1,
				"maxRetries", maxRetries,
				"error", err.Error())
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled during backoff: %w", ctx.Err())
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", maxRetries, lastErr)
}

// calculateBackoff は指数バックオフの遅延時間を計算する（ジッター±20%付き）
func calculateBackoff(attempt int, baseDelay time.Duration) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	delay := float64(baseDelay) * math.Pow(2, float64(attempt-1))
	jitter := delay * 0.2 * (rand.Float64()*2 - 1)
	delay += jitter

	maxDelay := float64(60 * time.Second)
	if delay > maxDelay {
		delay = maxDelay
	}

	return time.Duration(delay)
}
