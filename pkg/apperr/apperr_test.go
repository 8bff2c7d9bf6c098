package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		text   string
		want   Kind
	}{
		{0, "Rate limit reached for model", KindRateLimited},
		{0, "upstream returned 429", KindRateLimited},
		{0, "context deadline exceeded (Client.Timeout exceeded)", KindTimeout},
		{0, "Invalid API key provided", KindUnauthorized},
		{0, "401 from provider", KindUnauthorized},
		{0, "monthly quota reached", KindQuotaExceeded},
		{0, "token limit exceeded", KindQuotaExceeded},
		{0, "model exploded", KindAI},
		{http.StatusTooManyRequests, "", KindRateLimited},
		{http.StatusUnauthorized, "", KindUnauthorized},
		{http.StatusPaymentRequired, "", KindQuotaExceeded},
		{http.StatusInternalServerError, "boom", KindAI},
	}
	for _, tt := range tests {
		if got := Classify(tt.status, tt.text); got != tt.want {
			t.Errorf("Classify(%d, %q) = %s, want %s", tt.status, tt.text, got, tt.want)
		}
	}
}

func TestKindOfWrapped(t *testing.T) {
	err := fmt.Errorf("finder step: %w", New(KindTimeout, "slow"))
	if KindOf(err) != KindTimeout {
		t.Errorf("expected TIMEOUT, got %s", KindOf(err))
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Error("expected unclassified errors to be INTERNAL_ERROR")
	}
}

func TestHTTPStatus(t *testing.T) {
	if KindValidation.HTTPStatus() != http.StatusBadRequest {
		t.Error("expected 400 for validation")
	}
	if KindRateLimited.HTTPStatus() != http.StatusTooManyRequests {
		t.Error("expected 429 for rate limited")
	}
	if KindTimeout.HTTPStatus() < 500 || KindAI.HTTPStatus() < 500 {
		t.Error("expected 5xx for backend failures")
	}
}

func TestRateLimitedDetails(t *testing.T) {
	err := RateLimited("slow down", 90*time.Second)
	if err.Details["retryAfter"] != 90 {
		t.Errorf("expected retryAfter 90, got %v", err.Details["retryAfter"])
	}
}
