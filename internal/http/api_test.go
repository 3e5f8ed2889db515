package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"outreach/internal/accounts"
	"outreach/internal/auth"
	"outreach/internal/campaign"
	"outreach/internal/config"
	"outreach/internal/dispatch"
	"outreach/internal/inbox"
	"outreach/internal/lock"
	"outreach/internal/model"
	"outreach/internal/platform"
	"outreach/internal/platform/platformtest"
	"outreach/internal/storage"
	"outreach/internal/storage/storagetest"
	"outreach/internal/verifier"
)

const bridgeToken = "bridge-secret"

type fixture struct {
	api      *API
	router   *chi.Mux
	cancel   context.CancelFunc
	store    *storage.Store
	fake     *platformtest.Fake
	registry *accounts.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storagetest.New(t)
	fake := platformtest.New()
	locks := lock.NewLocal()
	log := zerolog.Nop()

	v := verifier.New(store, fake, locks, config.VerifierConfig{BatchSize: 5, CallTimeout: time.Second}, log)
	e := dispatch.New(store, fake, locks, config.DispatchConfig{BatchSize: 10, MaxLanes: 2, CallTimeout: time.Second}, log)
	registry := accounts.NewRegistry(store, log)

	bg, cancel := context.WithCancel(context.Background())

	api := New(Deps{
		Accounts:       registry,
		Auth:           auth.New(store, fake, locks, config.AuthConfig{CallTimeout: time.Second}, log),
		Campaigns:      campaign.New(store, v, e, log),
		Inbox:          inbox.New(store, log),
		Log:            log,
		InboundToken:   bridgeToken,
		Background:     bg,
		StreamInterval: 10 * time.Millisecond,
	})
	t.Cleanup(func() {
		cancel()
		api.Wait()
	})
	return &fixture{api: api, router: api.Router, cancel: cancel, store: store, fake: fake, registry: registry}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// ingest posts an incoming message the way the bridge does.
func (f *fixture) ingest(t *testing.T, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("encode body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/incoming", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rec.Code, rec.Body.String())
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/health", nil)
	expectStatus(t, rec, http.StatusOK)
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected CORS header")
	}
}

func TestCreateAccount_ValidationDetails(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/accounts", map[string]any{"phone": "12345", "daily_limit": -1})
	expectStatus(t, rec, http.StatusUnprocessableEntity)
	body := decodeBody[struct {
		Error   string            `json:"error"`
		Details map[string]string `json:"details"`
	}](t, rec)
	for _, field := range []string{"phone", "api_id", "api_hash", "daily_limit"} {
		if _, ok := body.Details[field]; !ok {
			t.Fatalf("expected a detail for %s, got %v", field, body.Details)
		}
	}

	rec = f.do(t, http.MethodPost, "/api/accounts", "not an object")
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestCreateAccount_AndConflict(t *testing.T) {
	f := newFixture(t)
	in := map[string]any{"phone": "+1 (202) 555-0100", "api_id": "1", "api_hash": "h"}

	rec := f.do(t, http.MethodPost, "/api/accounts", in)
	expectStatus(t, rec, http.StatusCreated)
	acc := decodeBody[model.Account](t, rec)
	if acc.Phone != "+12025550100" || acc.DailyLimit != model.DefaultDailyLimit || acc.Status != model.AccountUnauthenticated {
		t.Fatalf("unexpected account: %+v", acc)
	}
	if strings.Contains(rec.Body.String(), `"h"`) {
		t.Fatalf("credentials must not be serialized: %s", rec.Body.String())
	}

	expectStatus(t, f.do(t, http.MethodPost, "/api/accounts", in), http.StatusConflict)

	rec = f.do(t, http.MethodPut, "/api/accounts/"+acc.ID, map[string]any{"daily_limit": 0})
	expectStatus(t, rec, http.StatusUnprocessableEntity)
	rec = f.do(t, http.MethodPut, "/api/accounts/"+acc.ID, map[string]any{"daily_limit": 80})
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[model.Account](t, rec); got.DailyLimit != 80 {
		t.Fatalf("expected daily_limit 80, got %d", got.DailyLimit)
	}

	expectStatus(t, f.do(t, http.MethodDelete, "/api/accounts/"+acc.ID, nil), http.StatusNoContent)
	expectStatus(t, f.do(t, http.MethodGet, "/api/accounts/"+acc.ID, nil), http.StatusNotFound)
}

func TestLoginFlow(t *testing.T) {
	f := newFixture(t)
	a := storagetest.AddAccount(t, f.store, "+12025550101", 10)
	base := "/api/accounts/" + a.ID + "/auth/"

	expectStatus(t, f.do(t, http.MethodPost, base+"verify", map[string]string{"code": "12"}), http.StatusBadRequest)

	rec := f.do(t, http.MethodPost, base+"code", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[model.Account](t, rec); got.Status != model.AccountCodeSent {
		t.Fatalf("expected code_sent, got %s", got.Status)
	}

	expectStatus(t, f.do(t, http.MethodPost, base+"verify", map[string]string{"code": "99999"}), http.StatusUnprocessableEntity)
	expectStatus(t, f.do(t, http.MethodPost, base+"verify", map[string]string{"code": "12345"}), http.StatusConflict)

	expectStatus(t, f.do(t, http.MethodPost, base+"code", nil), http.StatusOK)
	rec = f.do(t, http.MethodPost, base+"verify", map[string]string{"code": "12345"})
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[model.Account](t, rec); got.Status != model.AccountAuthorized {
		t.Fatalf("expected authorized, got %s", got.Status)
	}

	rec = f.do(t, http.MethodPost, base+"test", nil)
	expectStatus(t, rec, http.StatusOK)
	if len(f.fake.Sent()) != 1 {
		t.Fatalf("expected one diagnostic message, got %d", len(f.fake.Sent()))
	}
}

func TestRequestCode_RateLimitSetsRetryAfter(t *testing.T) {
	f := newFixture(t)
	f.fake.OnSendAuthCode = func(platform.Credentials) (platform.CodeResult, error) {
		return platform.CodeResult{}, platform.RateLimited(90 * time.Second)
	}
	a := storagetest.AddAccount(t, f.store, "+12025550102", 10)

	rec := f.do(t, http.MethodPost, "/api/accounts/"+a.ID+"/auth/code", nil)
	expectStatus(t, rec, http.StatusTooManyRequests)
	if got := rec.Header().Get("Retry-After"); got != "90" {
		t.Fatalf("expected Retry-After 90, got %q", got)
	}
	body := decodeBody[map[string]any](t, rec)
	if body["retry_after_seconds"] != float64(90) {
		t.Fatalf("expected retry_after_seconds 90, got %v", body["retry_after_seconds"])
	}
}

func TestUploadList_JSONAndMultipart(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/lists", map[string]any{"name": "json", "numbers": []string{"+12025550100", "+12025550100", "+12025550101"}})
	expectStatus(t, rec, http.StatusCreated)
	if l := decodeBody[model.ContactList](t, rec); l.TotalNumbers != 2 || l.Status != model.ListProcessing {
		t.Fatalf("unexpected list: %+v", l)
	}

	expectStatus(t, f.do(t, http.MethodPost, "/api/lists", map[string]any{"name": "empty", "numbers": []string{}}), http.StatusUnprocessableEntity)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "leads.csv")
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	_, _ = fw.Write([]byte("+12025550100,+12025550101;+12025550102\n+12025550103\n"))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/lists", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusCreated)
	l := decodeBody[model.ContactList](t, rec)
	if l.Name != "leads.csv" || l.TotalNumbers != 4 {
		t.Fatalf("unexpected list: %+v", l)
	}

	rec = f.do(t, http.MethodGet, "/api/lists/"+l.ID+"/contacts?limit=2", nil)
	expectStatus(t, rec, http.StatusOK)
	if contacts := decodeBody[[]model.Contact](t, rec); len(contacts) != 2 {
		t.Fatalf("expected 2 contacts, got %d", len(contacts))
	}
}

func TestVerifyList_RunsInBackground(t *testing.T) {
	f := newFixture(t)
	phones := storagetest.Phones(0, 7)
	f.fake.Register(phones[:4]...)

	expectStatus(t, f.do(t, http.MethodPost, "/api/lists/missing/verify", nil), http.StatusNotFound)

	rec := f.do(t, http.MethodPost, "/api/lists", map[string]any{"name": "leads", "numbers": phones})
	expectStatus(t, rec, http.StatusCreated)
	l := decodeBody[model.ContactList](t, rec)

	expectStatus(t, f.do(t, http.MethodPost, "/api/lists/"+l.ID+"/verify", nil), http.StatusConflict)

	storagetest.AddAuthorized(t, f.store, "+12025559999", 10, 0)
	expectStatus(t, f.do(t, http.MethodPost, "/api/lists/"+l.ID+"/verify", nil), http.StatusAccepted)

	deadline := time.Now().Add(3 * time.Second)
	for {
		got := decodeBody[model.ContactList](t, f.do(t, http.MethodGet, "/api/lists/"+l.ID, nil))
		if got.Status == model.ListCompleted {
			if got.VerifiedNumbers != 7 || got.ReachableNumbers != 4 {
				t.Fatalf("unexpected counts: %+v", got)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("verification did not finish, list is %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWait_CoversBackgroundVerification(t *testing.T) {
	f := newFixture(t)
	started, release := make(chan struct{}), make(chan struct{})
	var once sync.Once
	f.fake.OnLookup = func(string) (platform.LookupResult, error) {
		once.Do(func() { close(started) })
		<-release
		return platform.LookupResult{Registered: true}, nil
	}
	storagetest.AddAuthorized(t, f.store, "+12025559997", 10, 0)
	l, err := f.store.CreateContactList(context.Background(), "leads", storagetest.Phones(0, 4))
	if err != nil {
		t.Fatalf("CreateContactList() error: %v", err)
	}

	expectStatus(t, f.do(t, http.MethodPost, "/api/lists/"+l.ID+"/verify", nil), http.StatusAccepted)
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("verification never reached the platform")
	}

	f.cancel()
	done := make(chan struct{})
	go func() {
		f.api.Wait()
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("Wait returned while a verification was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after the verification stopped")
	}

	got, err := f.store.GetContactList(context.Background(), l.ID)
	if err != nil {
		t.Fatalf("GetContactList() error: %v", err)
	}
	if got.Status != model.ListError || got.LastError == "" {
		t.Fatalf("expected the interrupted list to be marked, got %+v", got)
	}
}

func TestCampaignLifecycle(t *testing.T) {
	f := newFixture(t)
	storagetest.AddAuthorized(t, f.store, "+12025559998", 2, 0)
	l := storagetest.AddVerifiedList(t, f.store, storagetest.Phones(0, 3)...)

	expectStatus(t, f.do(t, http.MethodPost, "/api/campaigns", map[string]any{"name": "promo", "list_id": l.ID}), http.StatusUnprocessableEntity)

	rec := f.do(t, http.MethodPost, "/api/campaigns", map[string]any{"name": "promo", "list_id": l.ID, "message": "hello"})
	expectStatus(t, rec, http.StatusCreated)
	c := decodeBody[model.Campaign](t, rec)
	base := "/api/campaigns/" + c.ID

	expectStatus(t, f.do(t, http.MethodPost, base+"/advance", nil), http.StatusConflict)
	expectStatus(t, f.do(t, http.MethodPost, base+"/start", nil), http.StatusOK)
	expectStatus(t, f.do(t, http.MethodPost, base+"/start", nil), http.StatusConflict)

	rec = f.do(t, http.MethodPost, base+"/advance", map[string]int{"batch_size": 10})
	expectStatus(t, rec, http.StatusOK)
	rep := decodeBody[dispatch.Report](t, rec)
	if rep.Attempted != 2 || !rep.QuotaExhausted || rep.Completed {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After once quota is exhausted")
	}

	rec = f.do(t, http.MethodGet, base+"/attempts", nil)
	expectStatus(t, rec, http.StatusOK)
	if attempts := decodeBody[[]model.SendAttempt](t, rec); len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}

	rec = f.do(t, http.MethodGet, "/api/stats", nil)
	expectStatus(t, rec, http.StatusOK)
	if st := decodeBody[model.Stats](t, rec); st.AttemptsToday != 2 || st.DailyCapacity != 2 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	expectStatus(t, f.do(t, http.MethodDelete, base, nil), http.StatusConflict)
	expectStatus(t, f.do(t, http.MethodPost, base+"/pause", nil), http.StatusOK)
	expectStatus(t, f.do(t, http.MethodPost, base+"/send", nil), http.StatusConflict)
	expectStatus(t, f.do(t, http.MethodPost, base+"/stop", nil), http.StatusOK)
	expectStatus(t, f.do(t, http.MethodDelete, base, nil), http.StatusNoContent)
	expectStatus(t, f.do(t, http.MethodGet, base, nil), http.StatusNotFound)
}

func TestActivities_FeedAndStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/activities/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	if _, err := f.registry.Add(context.Background(), accounts.NewAccount{Phone: "+12025550150", APIID: "1", APIHash: "h"}); err != nil {
		t.Fatalf("Add() error: %v", err)
	}

	sc := bufio.NewScanner(resp.Body)
	var got model.Activity
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &got); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		break
	}
	if got.Type != model.ActivityAccountAdded {
		t.Fatalf("expected an account_added event, got %+v (scan err %v)", got, sc.Err())
	}

	rec := f.do(t, http.MethodGet, "/api/activities?limit=5", nil)
	expectStatus(t, rec, http.StatusOK)
	if list := decodeBody[[]model.Activity](t, rec); len(list) != 1 || list[0].ID != got.ID {
		t.Fatalf("unexpected feed: %+v", list)
	}
}

func TestIncomingMessages(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/activities/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	acc := storagetest.AddAuthorized(t, f.store, "+12025550160", 50, 0)
	body := map[string]any{
		"account_id":      acc.ID,
		"from_phone":      "12025550161",
		"from_first_name": "Sam",
		"message_text":    "stop",
		"chat_id":         9001,
		"message_id":      1,
	}

	expectStatus(t, f.ingest(t, "", body), http.StatusUnauthorized)
	expectStatus(t, f.ingest(t, "wrong", body), http.StatusUnauthorized)
	expectStatus(t, f.ingest(t, bridgeToken, map[string]any{"account_id": acc.ID, "message_id": 1}), http.StatusUnprocessableEntity)
	expectStatus(t, f.ingest(t, bridgeToken, map[string]any{"account_id": "missing", "from_username": "sam", "chat_id": 1, "message_id": 1}), http.StatusNotFound)

	rec := f.ingest(t, bridgeToken, body)
	expectStatus(t, rec, http.StatusCreated)
	m := decodeBody[model.IncomingMessage](t, rec)
	if m.FromPhone != "+12025550161" || m.MessageType != model.MessageText {
		t.Fatalf("unexpected message: %+v", m)
	}
	rec = f.ingest(t, bridgeToken, body)
	expectStatus(t, rec, http.StatusOK)
	if again := decodeBody[model.IncomingMessage](t, rec); again.ID != m.ID {
		t.Fatalf("expected redelivery to return %s, got %s", m.ID, again.ID)
	}

	sc := bufio.NewScanner(resp.Body)
	var ev model.Activity
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		if ev.Type == model.ActivityMessageReceived {
			break
		}
	}
	if ev.Type != model.ActivityMessageReceived || ev.EntityID != m.ID {
		t.Fatalf("expected a message_received event for %s, got %+v (scan err %v)", m.ID, ev, sc.Err())
	}

	rec = f.do(t, http.MethodGet, "/api/incoming", nil)
	expectStatus(t, rec, http.StatusOK)
	if list := decodeBody[[]model.IncomingMessage](t, rec); len(list) != 1 || list[0].ID != m.ID {
		t.Fatalf("unexpected inbox: %+v", list)
	}
	rec = f.do(t, http.MethodGet, "/api/incoming?account_id=other", nil)
	if list := decodeBody[[]model.IncomingMessage](t, rec); len(list) != 0 {
		t.Fatalf("expected no messages for another account, got %+v", list)
	}

	expectStatus(t, f.do(t, http.MethodGet, "/api/incoming/"+m.ID, nil), http.StatusOK)
	expectStatus(t, f.do(t, http.MethodDelete, "/api/incoming/"+m.ID, nil), http.StatusNoContent)
	expectStatus(t, f.do(t, http.MethodGet, "/api/incoming/"+m.ID, nil), http.StatusNotFound)
}

func TestWriteDomainErr(t *testing.T) {
	a := &API{log: zerolog.Nop()}
	cases := []struct {
		err  error
		want int
	}{
		{model.Invalid("name", "is required"), http.StatusBadRequest},
		{fmt.Errorf("campaign x: %w", model.ErrNotFound), http.StatusNotFound},
		{model.StateError("campaign", "paused", "running"), http.StatusConflict},
		{model.ErrBusy, http.StatusConflict},
		{model.ErrConflict, http.StatusConflict},
		{platform.RateLimited(1500 * time.Millisecond), http.StatusTooManyRequests},
		{platform.ErrInvalidPassword, http.StatusUnprocessableEntity},
		{platform.ErrInvalidPhone, http.StatusUnprocessableEntity},
		{platform.ErrInvalidCredentials, http.StatusUnprocessableEntity},
		{platform.ErrSessionExpired, http.StatusUnauthorized},
		{platform.ErrAccountBlocked, http.StatusForbidden},
		{platform.ErrDisconnected, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		a.writeDomainErr(rec, httptest.NewRequest(http.MethodGet, "/", nil), tc.err)
		if rec.Code != tc.want {
			t.Errorf("%v: expected %d, got %d", tc.err, tc.want, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	a.writeDomainErr(rec, httptest.NewRequest(http.MethodGet, "/", nil), platform.RateLimited(1500*time.Millisecond))
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After rounded up to 2, got %q", got)
	}
	rec = httptest.NewRecorder()
	a.writeDomainErr(rec, httptest.NewRequest(http.MethodGet, "/", nil), errors.New("disk on fire"))
	if strings.Contains(rec.Body.String(), "disk") {
		t.Fatalf("internal errors must not leak: %s", rec.Body.String())
	}
}
