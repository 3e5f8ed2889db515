// Package gateway talks to an HTTP bridge that fronts the messaging
// platform's native protocol and keeps no login state of its own: every call
// carries the handle or session it needs.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"outreach/internal/platform"
)

const defaultRateLimitWait = 60 * time.Second

type Config struct {
	URL     string
	Token   string
	Timeout time.Duration
}

type Client struct {
	http *resty.Client
	log  zerolog.Logger
}

var _ platform.Client = (*Client)(nil)

func New(cfg Config, log zerolog.Logger) *Client {
	// No automatic retries: callers decide when a transient failure is retried.
	hc := resty.New().
		SetBaseURL(strings.TrimRight(cfg.URL, "/")).
		SetTimeout(cfg.Timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		hc.SetAuthToken(cfg.Token)
	}
	return &Client{http: hc, log: log}
}

// APIError is a bridge error that maps to no platform sentinel, typically a
// per-recipient refusal such as a privacy restriction.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway: %s (status %d)", e.Code, e.Status)
	}
	return fmt.Sprintf("gateway: %s: %s (status %d)", e.Code, e.Message, e.Status)
}

type errorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after"`
}

type credsBody struct {
	Phone   string `json:"phone"`
	APIID   string `json:"api_id"`
	APIHash string `json:"api_hash"`
}

func toCreds(c platform.Credentials) credsBody {
	return credsBody{Phone: c.Phone, APIID: c.APIID, APIHash: c.APIHash}
}

type sendCodeResp struct {
	PhoneCodeHash string `json:"phone_code_hash"`
	Authorized    bool   `json:"authorized"`
	Session       string `json:"session"`
}

func (c *Client) SendAuthCode(ctx context.Context, creds platform.Credentials) (platform.CodeResult, error) {
	var out sendCodeResp
	if err := c.post(ctx, "/v1/auth/send-code", toCreds(creds), &out); err != nil {
		return platform.CodeResult{}, err
	}
	if !out.Authorized && out.PhoneCodeHash == "" {
		return platform.CodeResult{}, fmt.Errorf("%w: bridge returned no code hash", platform.ErrTransient)
	}
	return platform.CodeResult{Handle: out.PhoneCodeHash, Authorized: out.Authorized, Session: out.Session}, nil
}

type signInReq struct {
	credsBody
	PhoneCodeHash string `json:"phone_code_hash"`
	Code          string `json:"code"`
}

type signInResp struct {
	Session          string `json:"session"`
	PasswordRequired bool   `json:"password_required"`
}

func (c *Client) SubmitAuthCode(ctx context.Context, creds platform.Credentials, handle, code string) (platform.SignInResult, error) {
	var out signInResp
	err := c.post(ctx, "/v1/auth/sign-in", signInReq{credsBody: toCreds(creds), PhoneCodeHash: handle, Code: code}, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == "SESSION_PASSWORD_NEEDED" {
		return platform.SignInResult{NeedsPassword: true}, nil
	}
	if err != nil {
		return platform.SignInResult{}, err
	}
	return platform.SignInResult{Session: out.Session, NeedsPassword: out.PasswordRequired}, nil
}

type passwordReq struct {
	credsBody
	PhoneCodeHash string `json:"phone_code_hash"`
	Code          string `json:"code"`
	Password      string `json:"password"`
}

type passwordResp struct {
	Session string `json:"session"`
}

func (c *Client) SubmitPassword(ctx context.Context, creds platform.Credentials, handle, code, password string) (string, error) {
	var out passwordResp
	req := passwordReq{credsBody: toCreds(creds), PhoneCodeHash: handle, Code: code, Password: password}
	if err := c.post(ctx, "/v1/auth/check-password", req, &out); err != nil {
		return "", err
	}
	return out.Session, nil
}

type resolveReq struct {
	Session string `json:"session"`
	Phone   string `json:"phone"`
}

type resolveResp struct {
	Registered bool `json:"registered"`
}

func (c *Client) LookupContact(ctx context.Context, session, phone string) (platform.LookupResult, error) {
	var out resolveResp
	if err := c.post(ctx, "/v1/contacts/resolve", resolveReq{Session: session, Phone: phone}, &out); err != nil {
		return platform.LookupResult{}, err
	}
	return platform.LookupResult{Registered: out.Registered}, nil
}

type sendReq struct {
	Session string `json:"session"`
	Peer    string `json:"peer"`
	Text    string `json:"text"`
}

type sendResp struct {
	MessageID string `json:"message_id"`
	Delivered *bool  `json:"delivered"`
}

func (c *Client) SendMessage(ctx context.Context, session, recipient, text string) (platform.SendResult, error) {
	var out sendResp
	if err := c.post(ctx, "/v1/messages/send", sendReq{Session: session, Peer: recipient, Text: text}, &out); err != nil {
		return platform.SendResult{}, err
	}
	delivered := true
	if out.Delivered != nil {
		delivered = *out.Delivered
	}
	return platform.SendResult{MessageID: out.MessageID, Delivered: delivered}, nil
}

func (c *Client) post(ctx context.Context, path string, body, result any) error {
	var apiErr errorBody
	start := time.Now()

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(result).
		SetError(&apiErr).
		Post(path)
	if err != nil {
		return transportError(ctx, err)
	}

	c.log.Debug().
		Str("path", path).
		Int("status", resp.StatusCode()).
		Dur("took", time.Since(start)).
		Msg("gateway call")

	if !resp.IsError() {
		return nil
	}
	return mapError(resp.StatusCode(), resp.Header().Get("Retry-After"), apiErr)
}

func transportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if platform.IsTransient(err) {
		return fmt.Errorf("%w: %v", platform.ErrTransient, err)
	}
	return fmt.Errorf("%w: %v", platform.ErrDisconnected, err)
}

func mapError(status int, retryHeader string, body errorBody) error {
	code := strings.ToUpper(body.Code)

	if status == http.StatusTooManyRequests || strings.HasPrefix(code, "FLOOD_WAIT") || code == "PEER_FLOOD" {
		wait := time.Duration(body.RetryAfter) * time.Second
		if wait <= 0 {
			if s, err := strconv.Atoi(retryHeader); err == nil && s > 0 {
				wait = time.Duration(s) * time.Second
			}
		}
		if wait <= 0 {
			wait = defaultRateLimitWait
		}
		return platform.RateLimited(wait)
	}

	switch code {
	case "SESSION_PASSWORD_NEEDED":
		return &APIError{Status: status, Code: code, Message: body.Message}
	case "PHONE_NUMBER_INVALID":
		return platform.ErrInvalidPhone
	case "PHONE_CODE_INVALID", "PHONE_CODE_EXPIRED", "PHONE_CODE_EMPTY", "PHONE_CODE_HASH_EMPTY":
		return platform.ErrInvalidCode
	case "PASSWORD_HASH_INVALID":
		return platform.ErrInvalidPassword
	case "API_ID_INVALID", "API_ID_PUBLISHED_FLOOD":
		return platform.ErrInvalidCredentials
	case "AUTH_KEY_UNREGISTERED", "AUTH_KEY_INVALID", "SESSION_REVOKED", "SESSION_EXPIRED":
		return platform.ErrSessionExpired
	case "USER_DEACTIVATED", "USER_DEACTIVATED_BAN", "PHONE_NUMBER_BANNED":
		return platform.ErrAccountBlocked
	}

	switch {
	case status == http.StatusUnauthorized:
		return platform.ErrSessionExpired
	case status == http.StatusBadGateway || status == http.StatusServiceUnavailable:
		return fmt.Errorf("%w: bridge status %d", platform.ErrDisconnected, status)
	case status >= 500:
		return fmt.Errorf("%w: bridge status %d", platform.ErrTransient, status)
	}
	return &APIError{Status: status, Code: code, Message: body.Message}
}
