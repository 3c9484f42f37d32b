package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mklatt/bastion/internal/auth"
	"github.com/mklatt/bastion/internal/models"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func requestAs(principalID string) *http.Request {
	req := httptest.NewRequest("GET", "/test", nil)
	claims := &models.TokenClaims{PrincipalID: principalID, Type: models.TokenTypeAccess}
	return req.WithContext(context.WithValue(req.Context(), auth.PrincipalContextKey, claims))
}

func TestRateLimitByPrincipal_EnforcesReadLimit(t *testing.T) {
	config := AuthenticatedRateLimitConfig{ReadOperationsPerMinute: 10}
	handler := RateLimitByPrincipal(config, "read")(okHandler())

	for i := 0; i < 10; i++ {
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, requestAs("principal-read-test"))
		if recorder.Code != http.StatusOK {
			t.Errorf("request %d failed with status %d, expected 200", i+1, recorder.Code)
		}
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, requestAs("principal-read-test"))
	if recorder.Code != http.StatusTooManyRequests {
		t.Errorf("expected status %d, got %d", http.StatusTooManyRequests, recorder.Code)
	}
}

func TestRateLimitByPrincipal_EnforcesWriteLimit(t *testing.T) {
	config := AuthenticatedRateLimitConfig{WriteOperationsPerMinute: 3}
	handler := RateLimitByPrincipal(config, "write")(okHandler())

	for i := 0; i < 3; i++ {
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, requestAs("principal-write-test"))
		if recorder.Code != http.StatusOK {
			t.Errorf("request %d failed with status %d, expected 200", i+1, recorder.Code)
		}
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, requestAs("principal-write-test"))
	if recorder.Code != http.StatusTooManyRequests {
		t.Errorf("expected status %d, got %d", http.StatusTooManyRequests, recorder.Code)
	}
}

func TestRateLimitByPrincipal_Returns429JSON(t *testing.T) {
	config := AuthenticatedRateLimitConfig{WriteOperationsPerMinute: 1}
	handler := RateLimitByPrincipal(config, "write")(okHandler())

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, requestAs("principal-429-test"))
	if recorder.Code != http.StatusOK {
		t.Errorf("first request failed with status %d", recorder.Code)
	}

	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, requestAs("principal-429-test"))
	if recorder.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", recorder.Code)
	}

	if ct := recorder.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}
	if body := recorder.Body.String(); body != `{"error":"rate_limit_exceeded","message":"Too many requests"}` {
		t.Errorf("unexpected response body: %s", body)
	}
}

func TestRateLimitByPrincipal_IsolatesPrincipalBuckets(t *testing.T) {
	config := AuthenticatedRateLimitConfig{ReadOperationsPerMinute: 5}
	handler := RateLimitByPrincipal(config, "read")(okHandler())

	// Principal A hits the limit
	for i := 0; i < 5; i++ {
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, requestAs("principal-a-isolation"))
		if recorder.Code != http.StatusOK {
			t.Errorf("principal A request %d failed", i+1)
		}
	}

	// Principal B still has an untouched bucket
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, requestAs("principal-b-isolation"))
	if recorder.Code != http.StatusOK {
		t.Errorf("principal B should have an independent rate limit, got status %d", recorder.Code)
	}
}

func TestRateLimitByPrincipal_FallsBackToIPWithoutClaims(t *testing.T) {
	config := AuthenticatedRateLimitConfig{ReadOperationsPerMinute: 100}
	handler := RateLimitByPrincipal(config, "read")(okHandler())

	req := httptest.NewRequest("GET", "/test", nil)
	req.RemoteAddr = "192.168.1.1:8080"
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", recorder.Code)
	}
}

func TestRateLimitByIP_EnforcesLimit(t *testing.T) {
	handler := RateLimitByIP(RateLimitConfig{RequestsPerMinute: 2})(okHandler())

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/auth/login", nil)
		req.RemoteAddr = "198.51.100.9:4000"
		recorder := httptest.NewRecorder()
		handler.ServeHTTP(recorder, req)
		if recorder.Code != http.StatusOK {
			t.Errorf("request %d failed with status %d", i+1, recorder.Code)
		}
	}

	req := httptest.NewRequest("POST", "/auth/login", nil)
	req.RemoteAddr = "198.51.100.9:4000"
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", recorder.Code)
	}
}
