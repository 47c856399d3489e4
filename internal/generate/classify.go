package generate

import (
	"context"
	"errors"
	"math"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/seanblong/studyqa/internal/ai"
)

// Failure is a classified provider error.
type Failure struct {
	Kind Kind
	// RetryAfter is the delay the provider asked for, zero if none.
	RetryAfter time.Duration
}

var retryDelayPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)retry\s+in\s+(\d+(?:\.\d+)?)\s*s`),
	regexp.MustCompile(`(?i)retry\s+in\s+(\d+(?:\.\d+)?)`),
	regexp.MustCompile(`(?i)retry_?delay\W*(?:seconds\W*)?(\d+(?:\.\d+)?)`),
	regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*seconds`),
}

// ParseRetryDelay extracts a server suggested delay such as "Please retry in
// 33.19s." or "retry_delay { seconds: 33 }" from an error message.
func ParseRetryDelay(msg string) (time.Duration, bool) {
	for _, re := range retryDelayPatterns {
		m := re.FindStringSubmatch(msg)
		if m == nil {
			continue
		}
		secs, err := strconv.ParseFloat(m[1], 64)
		if err != nil || secs <= 0 {
			continue
		}
		return time.Duration(math.Round(secs*1000)) * time.Millisecond, true
	}
	return 0, false
}

var (
	timeoutMarkers   = []string{"timeout", "timed out", "deadline exceeded"}
	rateLimitMarkers = []string{"429", "quota", "rate limit", "rate_limit", "resource_exhausted", "resource exhausted", "too many requests"}
	safetyMarkers    = []string{"safety", "recitation", "blocked", "content_filter", "content policy", "prohibited_content"}
	fatalMarkers     = []string{"api key", "api_key", "permission denied", "permission_denied", "unauthenticated", "invalid argument", "invalid_argument", "not found"}
)

// Classify maps a raw provider or transport error onto the failure taxonomy.
// This is the only place that inspects error text.
func Classify(err error) Failure {
	if err == nil {
		return Failure{}
	}
	if errors.Is(err, context.Canceled) {
		return Failure{Kind: KindFatal}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Failure{Kind: KindTimeout}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Failure{Kind: KindTimeout}
	}

	msg := strings.ToLower(err.Error())
	hint, _ := ParseRetryDelay(err.Error())

	var pe *ai.ProviderError
	if errors.As(err, &pe) {
		if pe.RetryAfter > 0 {
			hint = pe.RetryAfter
		}
		switch {
		case pe.StatusCode == http.StatusTooManyRequests:
			return Failure{Kind: KindRateLimit, RetryAfter: hint}
		case pe.StatusCode == http.StatusRequestTimeout || pe.StatusCode == http.StatusGatewayTimeout:
			return Failure{Kind: KindTimeout}
		case pe.StatusCode >= 500:
			if containsAny(msg, rateLimitMarkers) {
				return Failure{Kind: KindRateLimit, RetryAfter: hint}
			}
			return Failure{Kind: KindTransient}
		case pe.StatusCode >= 400:
			if containsAny(msg, rateLimitMarkers) {
				return Failure{Kind: KindRateLimit, RetryAfter: hint}
			}
			if containsAny(msg, safetyMarkers) {
				return Failure{Kind: KindSafetyBlock}
			}
			return Failure{Kind: KindFatal}
		}
	}

	switch {
	case containsAny(msg, rateLimitMarkers):
		return Failure{Kind: KindRateLimit, RetryAfter: hint}
	case containsAny(msg, timeoutMarkers):
		return Failure{Kind: KindTimeout}
	case containsAny(msg, safetyMarkers):
		return Failure{Kind: KindSafetyBlock}
	case containsAny(msg, fatalMarkers):
		return Failure{Kind: KindFatal}
	}
	return Failure{Kind: KindTransient}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
