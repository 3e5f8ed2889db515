package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"outreach/internal/accounts"
	"outreach/internal/auth"
	"outreach/internal/campaign"
	"outreach/internal/dispatch"
	"outreach/internal/inbox"
	"outreach/internal/logging"
	"outreach/internal/model"
	"outreach/internal/platform"
)

// Deps are the services the API exposes.
type Deps struct {
	Accounts  *accounts.Registry
	Auth      *auth.Manager
	Campaigns *campaign.Controller
	Inbox     *inbox.Inbox
	Log       zerolog.Logger

	// InboundToken guards message ingestion from the bridge. Empty leaves
	// it open.
	InboundToken string
	// Background bounds verification jobs started by the API. It should be
	// cancelled on shutdown. Defaults to context.Background.
	Background context.Context
	// StreamInterval is how often the activity stream polls. Defaults to 2s.
	StreamInterval time.Duration
}

type API struct {
	accounts  *accounts.Registry
	auth      *auth.Manager
	campaigns *campaign.Controller
	inbox     *inbox.Inbox
	inbound   string
	log       zerolog.Logger
	validator *requestValidator
	bg        context.Context
	interval  time.Duration
	jobs      sync.WaitGroup
	Router    *chi.Mux
}

// New builds the API and its router. Call Wait after the server has shut
// down and Background is cancelled, before closing the store.
func New(d Deps) *API {
	api := &API{
		accounts:  d.Accounts,
		auth:      d.Auth,
		campaigns: d.Campaigns,
		inbox:     d.Inbox,
		inbound:   d.InboundToken,
		log:       logging.Component(d.Log, "http"),
		validator: newValidator(),
		bg:        d.Background,
		interval:  d.StreamInterval,
		Router:    chi.NewRouter(),
	}
	if api.bg == nil {
		api.bg = context.Background()
	}
	if api.interval <= 0 {
		api.interval = 2 * time.Second
	}

	r := api.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(api.log))
	r.Use(middleware.Recoverer)
	r.Use(cors)

	api.routes()
	return api
}

// Wait blocks until every background job started by the API has returned.
func (a *API) Wait() {
	a.jobs.Wait()
}

func (a *API) routes() {
	r := a.Router

	// The activity stream is long-lived and stays outside the request timeout.
	r.Get("/api/activities/stream", a.handleActivityStream)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(120 * time.Second))

		r.Get("/api/health", a.handleHealth)
		r.Get("/api/stats", a.handleStats)
		r.Get("/api/activities", a.handleActivities)

		r.Route("/api/accounts", func(r chi.Router) {
			r.Get("/", a.handleListAccounts)
			r.Post("/", a.handleCreateAccount)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleGetAccount)
				r.Put("/", a.handleUpdateAccount)
				r.Delete("/", a.handleDeleteAccount)

				r.Post("/auth/code", a.handleRequestCode)
				r.Post("/auth/verify", a.handleSubmitCode)
				r.Post("/auth/password", a.handleSubmitPassword)
				r.Post("/auth/test", a.handleTestConnection)
			})
		})

		r.Route("/api/lists", func(r chi.Router) {
			r.Get("/", a.handleListLists)
			r.Post("/", a.handleUploadList)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleGetList)
				r.Delete("/", a.handleDeleteList)
				r.Get("/contacts", a.handleListContacts)
				r.Post("/verify", a.handleVerifyList)
			})
		})

		r.Route("/api/campaigns", func(r chi.Router) {
			r.Get("/", a.handleListCampaigns)
			r.Post("/", a.handleCreateCampaign)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleGetCampaign)
				r.Delete("/", a.handleDeleteCampaign)
				r.Post("/start", a.transition(a.campaigns.Start))
				r.Post("/pause", a.transition(a.campaigns.Pause))
				r.Post("/resume", a.transition(a.campaigns.Resume))
				r.Post("/stop", a.transition(a.campaigns.Stop))
				r.Post("/advance", a.handleAdvance)
				r.Post("/send", a.handleSend)
				r.Get("/attempts", a.handleAttempts)
			})
		})

		r.Route("/api/incoming", func(r chi.Router) {
			r.Get("/", a.handleListIncoming)
			r.With(a.requireInboundToken).Post("/", a.handleReceiveIncoming)
			r.Get("/{id}", a.handleGetIncoming)
			r.Delete("/{id}", a.handleDeleteIncoming)
		})
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := a.campaigns.Stats(r.Context())
	if err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleActivities(w http.ResponseWriter, r *http.Request) {
	list, err := a.campaigns.Activities(r.Context(), queryInt(r, "limit", 50, 500))
	if err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleActivityStream pushes new activities as server-sent events. A client
// may resume with ?after=<id>.
func (a *API) handleActivityStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErr(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastID, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	_, _ = w.Write([]byte(":ok\n\n"))
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-a.bg.Done():
			return
		case <-ticker.C:
			list, err := a.campaigns.ActivitiesSince(r.Context(), lastID, 100)
			if err != nil {
				// keep trying
				a.log.Debug().Err(err).Msg("activity stream poll failed")
				continue
			}
			for _, act := range list {
				b, err := json.Marshal(act)
				if err != nil {
					continue
				}
				lastID = act.ID
				_, _ = w.Write([]byte("id: " + strconv.FormatInt(act.ID, 10) + "\ndata: "))
				_, _ = w.Write(b)
				_, _ = w.Write([]byte("\n\n"))
			}
			if len(list) > 0 {
				flusher.Flush()
			}
		}
	}
}

type createAccountReq struct {
	Label      string `json:"label" validate:"max=100"`
	Phone      string `json:"phone" validate:"required,intl_phone"`
	APIID      string `json:"api_id" validate:"required"`
	APIHash    string `json:"api_hash" validate:"required"`
	DailyLimit int    `json:"daily_limit" validate:"gte=0"`
}

func (a *API) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountReq
	if !a.decode(w, r, &req, false) {
		return
	}
	acc, err := a.accounts.Add(r.Context(), accounts.NewAccount{
		Label:      strings.TrimSpace(req.Label),
		Phone:      req.Phone,
		APIID:      req.APIID,
		APIHash:    req.APIHash,
		DailyLimit: req.DailyLimit,
	})
	if err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acc)
}

func (a *API) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := a.accounts.List(r.Context())
	if err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	acc, err := a.accounts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

type updateAccountReq struct {
	Label      *string `json:"label" validate:"omitempty,min=1,max=100"`
	DailyLimit *int    `json:"daily_limit" validate:"omitempty,gt=0"`
}

func (a *API) handleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	var req updateAccountReq
	if !a.decode(w, r, &req, false) {
		return
	}
	acc, err := a.accounts.Update(r.Context(), chi.URLParam(r, "id"), req.Label, req.DailyLimit)
	if err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	if err := a.accounts.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRequestCode(w http.ResponseWriter, r *http.Request) {
	acc, err := a.auth.RequestCode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

type submitCodeReq struct {
	Code string `json:"code" validate:"required"`
}

func (a *API) handleSubmitCode(w http.ResponseWriter, r *http.Request) {
	var req submitCodeReq
	if !a.decode(w, r, &req, false) {
		return
	}
	acc, err := a.auth.SubmitCode(r.Context(), chi.URLParam(r, "id"), strings.TrimSpace(req.Code))
	if err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

type submitPasswordReq struct {
	Password string `json:"password" validate:"required"`
}

func (a *API) handleSubmitPassword(w http.ResponseWriter, r *http.Request) {
	var req submitPasswordReq
	if !a.decode(w, r, &req, false) {
		return
	}
	acc, err := a.auth.SubmitSecondFactor(r.Context(), chi.URLParam(r, "id"), req.Password)
	if err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	res, err := a.auth.TestConnection(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"message_id": res.MessageID,
		"delivered":  res.Delivered,
	})
}

type uploadListReq struct {
	Name    string   `json:"name" validate:"required,max=200"`
	Numbers []string `json:"numbers" validate:"required,min=1"`
}

// handleUploadList accepts either a JSON body or a multipart form with a
// "file" of numbers and an optional "name".
func (a *API) handleUploadList(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid multipart form")
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeErr(w, http.StatusBadRequest, "file required")
			return
		}
		defer file.Close()

		name := strings.TrimSpace(r.FormValue("name"))
		if name == "" {
			name = header.Filename
		}
		l, err := a.campaigns.UploadList(r.Context(), name, file)
		if err != nil {
			a.writeDomainErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, l)
		return
	}

	var req uploadListReq
	if !a.decode(w, r, &req, false) {
		return
	}
	l, err := a.campaigns.UploadList(r.Context(), req.Name, strings.NewReader(strings.Join(req.Numbers, "\n")))
	if err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (a *API) handleListLists(w http.ResponseWriter, r *http.Request) {
	list, err := a.campaigns.Lists(r.Context())
	if err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleGetList(w http.ResponseWriter, r *http.Request) {
	l, err := a.campaigns.GetList(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

func (a *API) handleDeleteList(w http.ResponseWriter, r *http.Request) {
	if err := a.campaigns.DeleteList(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleListContacts(w http.ResponseWriter, r *http.Request) {
	list, err := a.campaigns.Contacts(r.Context(), chi.URLParam(r, "id"),
		queryInt(r, "limit", 100, 1000), queryInt(r, "offset", 0, -1))
	if err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type verifyListReq struct {
	AccountID string `json:"account_id"`
}

// handleVerifyList checks that verification can start, then runs it in the
// background and answers 202. Progress shows on the list itself.
func (a *API) handleVerifyList(w http.ResponseWriter, r *http.Request) {
	var req verifyListReq
	if !a.decode(w, r, &req, true) {
		return
	}
	listID := chi.URLParam(r, "id")
	if err := a.campaigns.PreflightVerify(r.Context(), listID, req.AccountID); err != nil {
		a.writeDomainErr(w, r, err)
		return
	}

	a.jobs.Go(func() {
		rep, err := a.campaigns.VerifyList(a.bg, listID, req.AccountID)
		if err != nil {
			a.log.Warn().Err(err).Str("list", listID).Msg("background verification stopped")
			return
		}
		a.log.Info().Str("list", listID).Int("checked", rep.Checked).Int("reachable", rep.Reachable).Msg("background verification finished")
	})

	writeJSON(w, http.StatusAccepted, map[string]any{
		"list_id": listID,
		"status":  model.ListProcessing,
	})
}

type createCampaignReq struct {
	Name         string     `json:"name" validate:"required,max=200"`
	ListID       string     `json:"list_id" validate:"required"`
	Message      string     `json:"message" validate:"required"`
	ScheduledFor *time.Time `json:"scheduled_for"`
}

func (a *API) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignReq
	if !a.decode(w, r, &req, false) {
		return
	}
	c, err := a.campaigns.Create(r.Context(), campaign.NewCampaign{
		Name:         req.Name,
		ListID:       req.ListID,
		Message:      req.Message,
		ScheduledFor: req.ScheduledFor,
	})
	if err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	list, err := a.campaigns.List(r.Context())
	if err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := a.campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (a *API) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := a.campaigns.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) transition(fn func(context.Context, string) (model.Campaign, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := fn(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			a.writeDomainErr(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	}
}

type batchReq struct {
	BatchSize int `json:"batch_size" validate:"gte=0,lte=1000"`
}

func (a *API) handleAdvance(w http.ResponseWriter, r *http.Request) {
	var req batchReq
	if !a.decode(w, r, &req, true) {
		return
	}
	rep, err := a.campaigns.Advance(r.Context(), chi.URLParam(r, "id"), req.BatchSize)
	if err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	writeReport(w, rep)
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	var req batchReq
	if !a.decode(w, r, &req, true) {
		return
	}
	rep, err := a.campaigns.Dispatch(r.Context(), chi.URLParam(r, "id"), req.BatchSize)
	if err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	writeReport(w, rep)
}

// writeReport answers 200 with a batch report. When quota ran out the
// Retry-After header tells callers when capacity returns.
func writeReport(w http.ResponseWriter, rep dispatch.Report) {
	if rep.RetrySeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(rep.RetrySeconds))
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *API) handleAttempts(w http.ResponseWriter, r *http.Request) {
	list, err := a.campaigns.Attempts(r.Context(), chi.URLParam(r, "id"),
		queryInt(r, "limit", 100, 1000), queryInt(r, "offset", 0, -1))
	if err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type incomingReq struct {
	AccountID     string     `json:"account_id" validate:"required"`
	FromPhone     string     `json:"from_phone" validate:"required_without=FromUsername,max=32"`
	FromUsername  string     `json:"from_username" validate:"max=64"`
	FromFirstName string     `json:"from_first_name" validate:"max=128"`
	FromLastName  string     `json:"from_last_name" validate:"max=128"`
	MessageText   string     `json:"message_text" validate:"max=8192"`
	MessageType   string     `json:"message_type" validate:"max=32"`
	ChatID        int64      `json:"chat_id" validate:"required"`
	MessageID     int64      `json:"message_id" validate:"required,gt=0"`
	ReceivedAt    *time.Time `json:"received_at"`
}

// handleReceiveIncoming takes a message pushed by the bridge. Redelivery of
// a stored message answers 200 with the stored copy.
func (a *API) handleReceiveIncoming(w http.ResponseWriter, r *http.Request) {
	var req incomingReq
	if !a.decode(w, r, &req, false) {
		return
	}
	msg := inbox.Message{
		AccountID:     req.AccountID,
		FromPhone:     req.FromPhone,
		FromUsername:  req.FromUsername,
		FromFirstName: req.FromFirstName,
		FromLastName:  req.FromLastName,
		Text:          req.MessageText,
		Type:          req.MessageType,
		ChatID:        req.ChatID,
		MessageID:     req.MessageID,
	}
	if req.ReceivedAt != nil {
		msg.ReceivedAt = *req.ReceivedAt
	}
	m, created, err := a.inbox.Receive(r.Context(), msg)
	if err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, m)
}

func (a *API) handleListIncoming(w http.ResponseWriter, r *http.Request) {
	list, err := a.inbox.List(r.Context(), r.URL.Query().Get("account_id"),
		queryInt(r, "limit", inbox.DefaultLimit, 500))
	if err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleGetIncoming(w http.ResponseWriter, r *http.Request) {
	m, err := a.inbox.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (a *API) handleDeleteIncoming(w http.ResponseWriter, r *http.Request) {
	if err := a.inbox.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeDomainErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// queryInt reads a non-negative integer query parameter. A negative ceiling
// means unbounded.
func queryInt(r *http.Request, key string, def, ceiling int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	if ceiling >= 0 && v > ceiling {
		return ceiling
	}
	return v
}

// requireInboundToken rejects ingestion calls that do not carry the bridge's
// bearer token.
func (a *API) requireInboundToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.inbound != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(a.inbound)) != 1 {
				writeErr(w, http.StatusUnauthorized, "invalid inbound token")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// writeDomainErr maps service errors to status codes.
func (a *API) writeDomainErr(w http.ResponseWriter, r *http.Request, err error) {
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": ve.Error(),
			"field": ve.Field,
		})
		return
	}
	if rl, ok := platform.AsRateLimit(err); ok {
		w.Header().Set("Retry-After", strconv.Itoa(rl.Seconds()))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":               err.Error(),
			"retry_after_seconds": rl.Seconds(),
		})
		return
	}

	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, model.ErrInvalidState),
		errors.Is(err, model.ErrBusy),
		errors.Is(err, model.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, platform.ErrInvalidCode),
		errors.Is(err, platform.ErrInvalidPassword),
		errors.Is(err, platform.ErrInvalidPhone),
		errors.Is(err, platform.ErrInvalidCredentials):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, platform.ErrSessionExpired):
		code = http.StatusUnauthorized
	case errors.Is(err, platform.ErrAccountBlocked):
		code = http.StatusForbidden
	case errors.Is(err, platform.ErrDisconnected), platform.IsTransient(err):
		code = http.StatusServiceUnavailable
	}

	if code == http.StatusInternalServerError {
		a.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeErr(w, code, "internal error")
		return
	}
	writeErr(w, code, err.Error())
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(v); err != nil {
		zlog.Warn().Err(err).Msg("writeJSON failed")
	}
}
