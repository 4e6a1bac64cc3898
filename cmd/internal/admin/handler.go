package admin

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/admission"
	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/redeem"
	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/internal/session"
	"github.com/demo-zexuan/kaoyan-408-qq-robot/cmd/security/token"
)

const maxBodyBytes = 64 << 10

// BotCounter reports how many bot connections are live. The gateway
// registry satisfies it.
type BotCounter interface {
	Count() int
}

// Handler serves the /admin/* routes.
type Handler struct {
	log      *slog.Logger
	accounts *admission.Controller
	sessions *session.Manager
	bots     BotCounter
	codes    *redeem.Service

	tokenHash string
}

// NewHandler constructs the admin handler. bots may be nil, in which
// case stats report zero connections; codes may be nil, in which case
// code creation reports unavailable.
func NewHandler(log *slog.Logger, accounts *admission.Controller, sessions *session.Manager, bots BotCounter, codes *redeem.Service, adminToken string) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		log:      log,
		accounts: accounts,
		sessions: sessions,
		bots:     bots,
		codes:    codes,
	}
	if t := strings.TrimSpace(adminToken); t != "" {
		h.tokenHash = token.HashAccessTokenHex(t)
	}
	return h
}

// Register wires the admin routes onto the mux. Without an admin token
// nothing is mounted; an unguarded admin surface must not exist.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil || h.tokenHash == "" {
		return
	}
	mux.HandleFunc("/admin/ban", h.handleBan)
	mux.HandleFunc("/admin/unban", h.handleUnban)
	mux.HandleFunc("/admin/usage", h.handleUsage)
	mux.HandleFunc("/admin/quota", h.handleQuota)
	mux.HandleFunc("/admin/bans", h.handleBans)
	mux.HandleFunc("/admin/codes", h.handleCodes)
	mux.HandleFunc("/admin/sessions", h.handleSessions)
	mux.HandleFunc("/admin/stats", h.handleStats)
}

func (h *Handler) authorized(w http.ResponseWriter, r *http.Request) bool {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	got := ""
	if strings.HasPrefix(raw, "Bearer ") {
		got = strings.TrimSpace(strings.TrimPrefix(raw, "Bearer "))
	}
	if got == "" || h.tokenHash == "" || !token.EqualHex64(token.HashAccessTokenHex(got), h.tokenHash) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid admin token")
		return false
	}
	return true
}

// ---- bans ----

type banRequest struct {
	UserID        string `json:"user_id"`
	Reason        string `json:"reason,omitempty"`
	Type          string `json:"type,omitempty"`
	DurationHours int    `json:"duration_hours,omitempty"`
	Details       string `json:"details,omitempty"`
}

type banResponse struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Reason    string     `json:"reason"`
	Type      string     `json:"type"`
	StartedAt time.Time  `json:"started_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Details   string     `json:"details,omitempty"`
}

func toBanResponse(rec admission.BanRecord) banResponse {
	return banResponse{
		ID:        rec.ID,
		UserID:    rec.UserID,
		Reason:    string(rec.Reason),
		Type:      string(rec.Type),
		StartedAt: rec.StartedAt,
		ExpiresAt: rec.ExpiresAt,
		Details:   rec.Details,
	}
}

func parseBanReason(s string) (admission.BanReason, bool) {
	switch admission.BanReason(strings.TrimSpace(s)) {
	case admission.ReasonRateLimitExceeded:
		return admission.ReasonRateLimitExceeded, true
	case admission.ReasonTokenAbuse:
		return admission.ReasonTokenAbuse, true
	case admission.ReasonMaliciousBehavior:
		return admission.ReasonMaliciousBehavior, true
	case admission.ReasonSpamming:
		return admission.ReasonSpamming, true
	case admission.ReasonManual, "":
		return admission.ReasonManual, true
	default:
		return "", false
	}
}

func (h *Handler) handleBan(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(w, r) {
		return
	}

	var req banRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	reason, ok := parseBanReason(req.Reason)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown ban reason")
		return
	}

	rec, err := h.accounts.Ban(r.Context(), admission.BanInput{
		UserID:        req.UserID,
		Reason:        reason,
		Type:          admission.BanType(req.Type),
		DurationHours: req.DurationHours,
		Details:       req.Details,
	})
	if err != nil {
		h.writeAdmissionError(w, err)
		return
	}

	h.log.Info("admin.ban", "user_id", rec.UserID, "reason", rec.Reason, "type", rec.Type)
	writeJSON(w, http.StatusOK, toBanResponse(*rec))
}

type unbanRequest struct {
	UserID string `json:"user_id"`
}

type unbanResponse struct {
	UserID  string `json:"user_id"`
	Removed bool   `json:"removed"`
}

func (h *Handler) handleUnban(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(w, r) {
		return
	}

	var req unbanRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	removed, err := h.accounts.Unban(r.Context(), req.UserID)
	if err != nil {
		h.writeAdmissionError(w, err)
		return
	}

	h.log.Info("admin.unban", "user_id", req.UserID, "removed", removed)
	writeJSON(w, http.StatusOK, unbanResponse{UserID: req.UserID, Removed: removed})
}

type bansResponse struct {
	Bans []banResponse `json:"bans"`
}

func (h *Handler) handleBans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(w, r) {
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	limit := queryInt(r, "limit", 50)

	var (
		recs []admission.BanRecord
		err  error
	)
	if userID == "" {
		recs, err = h.accounts.ListActiveBans(r.Context())
	} else {
		recs, err = h.accounts.ListBans(r.Context(), userID, limit)
	}
	if err != nil {
		h.writeAdmissionError(w, err)
		return
	}

	out := bansResponse{Bans: make([]banResponse, 0, len(recs))}
	for _, rec := range recs {
		out.Bans = append(out.Bans, toBanResponse(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

// ---- quota and usage ----

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(w, r) {
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	usage, err := h.accounts.GetUsage(r.Context(), userID)
	if err != nil {
		h.writeAdmissionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

type quotaRequest struct {
	UserID string `json:"user_id"`
	Amount int64  `json:"amount"`
}

func (h *Handler) handleQuota(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(w, r) {
		return
	}

	var req quotaRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "amount must be positive")
		return
	}

	if err := h.accounts.AddQuota(r.Context(), req.UserID, req.Amount); err != nil {
		h.writeAdmissionError(w, err)
		return
	}

	usage, err := h.accounts.GetUsage(r.Context(), req.UserID)
	if err != nil {
		h.writeAdmissionError(w, err)
		return
	}

	h.log.Info("admin.quota_added", "user_id", req.UserID, "amount", req.Amount)
	writeJSON(w, http.StatusOK, usage)
}

// ---- redeem codes ----

type codeRequest struct {
	Amount   int64  `json:"amount"`
	TTLHours int    `json:"ttl_hours,omitempty"`
	MaxUses  int    `json:"max_uses,omitempty"`
	Note     string `json:"note,omitempty"`
}

type codeResponse struct {
	ID        string    `json:"id"`
	Code      string    `json:"code"`
	Amount    int64     `json:"amount"`
	MaxUses   int       `json:"max_uses"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *Handler) handleCodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(w, r) {
		return
	}
	if h.codes == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "redeem codes are not configured")
		return
	}

	var req codeRequest
	if err := decodeJSON(w, r, maxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "amount must be positive")
		return
	}

	in := redeem.CreateInput{
		Amount:  req.Amount,
		TTL:     time.Duration(req.TTLHours) * time.Hour,
		MaxUses: req.MaxUses,
	}
	if note := strings.TrimSpace(req.Note); note != "" {
		in.Note = &note
	}

	c, plain, err := h.codes.CreateCode(r.Context(), in)
	if err != nil {
		if errors.Is(err, redeem.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		h.log.Error("admin.request_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.log.Info("admin.code_created", "code_id", c.ID, "amount", c.Amount, "max_uses", c.MaxUses)
	// The plain code appears only in this response.
	writeJSON(w, http.StatusOK, codeResponse{
		ID:        c.ID,
		Code:      plain,
		Amount:    c.Amount,
		MaxUses:   c.MaxUses,
		ExpiresAt: c.ExpiresAt,
	})
}

// ---- sessions and stats ----

type sessionSummary struct {
	ID           string     `json:"context_id"`
	Type         string     `json:"type"`
	Name         string     `json:"name"`
	Status       string     `json:"status"`
	Participants []string   `json:"participants"`
	MessageCount int        `json:"message_count"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

type sessionsResponse struct {
	Sessions []sessionSummary `json:"sessions"`
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(w, r) {
		return
	}

	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "user_id is required")
		return
	}

	active := h.sessions.ListActive(r.Context(), userID)
	out := sessionsResponse{Sessions: make([]sessionSummary, 0, len(active))}
	for _, s := range active {
		out.Sessions = append(out.Sessions, sessionSummary{
			ID:           s.ID,
			Type:         string(s.Type),
			Name:         s.Name,
			Status:       string(s.Status),
			Participants: s.Participants,
			MessageCount: len(s.Messages),
			CreatedAt:    s.CreatedAt,
			ExpiresAt:    s.ExpiresAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type statsResponse struct {
	ConnectedBots int `json:"connected_bots"`
	ActiveBans    int `json:"active_bans"`
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(w, r) {
		return
	}

	stats := statsResponse{}
	if h.bots != nil {
		stats.ConnectedBots = h.bots.Count()
	}
	if recs, err := h.accounts.ListActiveBans(r.Context()); err == nil {
		stats.ActiveBans = len(recs)
	}
	writeJSON(w, http.StatusOK, stats)
}

// ---- helpers ----

func (h *Handler) writeAdmissionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, admission.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, admission.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		h.log.Error("admin.request_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func queryInt(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
