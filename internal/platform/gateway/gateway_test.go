package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"outreach/internal/platform"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{URL: srv.URL, Token: "secret", Timeout: 2 * time.Second}, zerolog.Nop())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestSendAuthCode_Success(t *testing.T) {
	var got map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/auth/send-code" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusOK, map[string]any{"phone_code_hash": "h-1"})
	})

	res, err := c.SendAuthCode(context.Background(), platform.Credentials{Phone: "+12025550123", APIID: "42", APIHash: "abc"})
	if err != nil {
		t.Fatalf("SendAuthCode() error: %v", err)
	}
	if res.Handle != "h-1" || res.Authorized {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got["phone"] != "+12025550123" || got["api_id"] != "42" || got["api_hash"] != "abc" {
		t.Fatalf("unexpected request body: %v", got)
	}
}

func TestSendAuthCode_FloodWait(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"code": "FLOOD_WAIT", "retry_after": 120})
	})

	_, err := c.SendAuthCode(context.Background(), platform.Credentials{Phone: "+12025550123"})
	rl, ok := platform.AsRateLimit(err)
	if !ok {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rl.Seconds() != 120 {
		t.Fatalf("expected 120s, got %d", rl.Seconds())
	}
}

func TestRateLimit_RetryAfterHeader(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"code": "PEER_FLOOD"})
	})

	_, err := c.SendMessage(context.Background(), "s", "+12025550123", "hi")
	rl, ok := platform.AsRateLimit(err)
	if !ok || rl.Seconds() != 7 {
		t.Fatalf("expected 7s rate limit, got %v", err)
	}
}

func TestSubmitAuthCode_PasswordNeeded(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"code": "SESSION_PASSWORD_NEEDED"})
	})

	res, err := c.SubmitAuthCode(context.Background(), platform.Credentials{}, "h-1", "12345")
	if err != nil {
		t.Fatalf("SubmitAuthCode() error: %v", err)
	}
	if !res.NeedsPassword {
		t.Fatalf("expected NeedsPassword")
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		code   string
		want   error
	}{
		{http.StatusBadRequest, "PHONE_CODE_EXPIRED", platform.ErrInvalidCode},
		{http.StatusBadRequest, "PASSWORD_HASH_INVALID", platform.ErrInvalidPassword},
		{http.StatusBadRequest, "PHONE_NUMBER_INVALID", platform.ErrInvalidPhone},
		{http.StatusBadRequest, "API_ID_INVALID", platform.ErrInvalidCredentials},
		{http.StatusUnauthorized, "AUTH_KEY_UNREGISTERED", platform.ErrSessionExpired},
		{http.StatusForbidden, "USER_DEACTIVATED_BAN", platform.ErrAccountBlocked},
		{http.StatusServiceUnavailable, "", platform.ErrDisconnected},
		{http.StatusInternalServerError, "", platform.ErrTransient},
	}

	for _, tc := range cases {
		t.Run(tc.code+http.StatusText(tc.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tc.status, map[string]any{"code": tc.code})
			})
			_, err := c.SubmitAuthCode(context.Background(), platform.Credentials{}, "h", "12345")
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestSendMessage_RecipientError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"code": "USER_PRIVACY_RESTRICTED", "message": "privacy"})
	})

	_, err := c.SendMessage(context.Background(), "s", "+12025550123", "hi")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %T %v", err, err)
	}
	if platform.AccountLevel(err) {
		t.Fatalf("privacy restriction must not be account-level")
	}
}

func TestSendMessage_DeliveredFlag(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["peer"] != "+12025550123" || body["text"] != "hello" || body["session"] != "sess" {
			t.Errorf("unexpected body %v", body)
		}
		writeJSON(w, http.StatusOK, map[string]any{"message_id": "m-9", "delivered": false})
	})

	res, err := c.SendMessage(context.Background(), "sess", "+12025550123", "hello")
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	if res.MessageID != "m-9" || res.Delivered {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(500 * time.Millisecond):
		case <-r.Context().Done():
		}
		writeJSON(w, http.StatusOK, map[string]any{"registered": true})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.LookupContact(ctx, "s", "+12025550123")
	if !errors.Is(err, platform.ErrTransient) {
		t.Fatalf("expected transient error on timeout, got %v", err)
	}
}

func TestConnectionRefusedIsDisconnected(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(Config{URL: url, Timeout: time.Second}, zerolog.Nop())
	_, err := c.LookupContact(context.Background(), "s", "+12025550123")
	if !errors.Is(err, platform.ErrDisconnected) {
		t.Fatalf("expected disconnected, got %v", err)
	}
}
