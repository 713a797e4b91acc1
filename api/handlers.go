package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"heartledger/models"
	"heartledger/service"

	json "github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
)

type errorResponse struct {
	Error string `json:"error"`
}

type historyResponse struct {
	Entries    []*models.LedgerEntry `json:"entries"`
	NextCursor string                `json:"nextCursor,omitempty"`
}

type balanceResponse struct {
	UserID  string `json:"userId"`
	Balance int64  `json:"balance"`
}

type leaderboardResponse struct {
	Period models.Period            `json:"period"`
	Rows   []*models.LeaderboardRow `json:"rows"`
}

type healthResponse struct {
	Status        string            `json:"status"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks,omitempty"`
	Error         string            `json:"error,omitempty"`
}

func (s *Server) getClaimStatus(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	status, err := s.query.GetClaimStatus(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	result, err := s.query.Claim(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) getLeaderboard(w http.ResponseWriter, r *http.Request) {
	period, err := models.ParsePeriod(r.PathValue("period"))
	if err != nil {
		writeError(w, service.ErrInvalidPeriod)
		return
	}

	limit, err := parseLimit(r, defaultLeaderboardLimit, 0)
	if err != nil {
		writeError(w, err)
		return
	}

	rows, err := s.query.GetLeaderboard(r.Context(), period, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if rows == nil {
		rows = []*models.LeaderboardRow{}
	}
	writeJSON(w, http.StatusOK, leaderboardResponse{Period: period, Rows: rows})
}

// getHistory reads one page from the lazy history sequence. One extra entry
// is pulled to decide whether a next cursor exists.
func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	limit, err := parseLimit(r, defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeError(w, err)
		return
	}

	var after *models.HistoryCursor
	if token := r.URL.Query().Get("cursor"); token != "" {
		cursor, err := models.DecodeHistoryCursor(token)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		after = &cursor
	}

	resp := historyResponse{Entries: make([]*models.LedgerEntry, 0, limit)}
	hasMore := false
	for entry, err := range s.query.GetUserPointHistory(r.Context(), userID, after) {
		if err != nil {
			writeError(w, err)
			return
		}
		if len(resp.Entries) == limit {
			hasMore = true
			break
		}
		resp.Entries = append(resp.Entries, entry)
	}

	if hasMore {
		resp.NextCursor = models.CursorOf(resp.Entries[len(resp.Entries)-1]).Encode()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	balance, err := s.query.GetUserBalance(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceResponse{UserID: userID, Balance: balance})
}

// appendEntry answers 201 for a new entry and 200 with the stored entry
// when the idempotency key was already used for the same payload
func (s *Server) appendEntry(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var draft models.LedgerEntryDraft
	if err := json.NewDecoder(r.Body).Decode(&draft); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed ledger entry"})
		return
	}

	entry, err := s.query.AppendEntry(r.Context(), &draft)
	switch {
	case errors.Is(err, service.ErrDuplicateIdempotencyKey):
		writeJSON(w, http.StatusOK, entry)
	case err != nil:
		writeError(w, err)
	default:
		writeJSON(w, http.StatusCreated, entry)
	}
}

func (s *Server) getHealth(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startTime)
	resp := healthResponse{
		Status:        "ok",
		Uptime:        uptime.Truncate(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
		Checks:        map[string]string{},
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.healthTimeout)
	defer cancel()

	checks := []struct {
		name    string
		checker HealthChecker
	}{
		{"database", s.health},
		{"messaging", s.messaging},
	}
	for _, check := range checks {
		if check.checker == nil {
			continue
		}
		if err := check.checker.Healthy(ctx); err != nil {
			resp.Checks[check.name] = "unavailable"
			if resp.Error == "" {
				resp.Error = fmt.Sprintf("%s: %v", check.name, err)
			}
			continue
		}
		resp.Checks[check.name] = "ok"
	}

	if resp.Error != "" {
		resp.Status = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(userIDHeader))
	if userID == "" {
		writeError(w, service.ErrMissingUser)
		return "", false
	}
	return userID, true
}

// parseLimit reads ?limit=, defaulting to fallback. A positive ceiling caps
// the value.
func parseLimit(r *http.Request, fallback, ceiling int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return fallback, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil {
		return 0, service.ErrInvalidLimit
	}
	if limit < 1 {
		return 0, service.ErrInvalidLimit
	}
	if ceiling > 0 && limit > ceiling {
		limit = ceiling
	}
	return limit, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidLimit),
		errors.Is(err, service.ErrInvalidPeriod),
		errors.Is(err, service.ErrInvalidDraft):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrMissingUser):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrIdempotencyKeyReused):
		return http.StatusConflict
	case errors.Is(err, service.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)

	message := err.Error()
	switch status {
	case http.StatusServiceUnavailable:
		w.Header().Set("Retry-After", "1")
		message = "store unavailable, try again"
	case http.StatusInternalServerError:
		log.WithError(err).Error("Unhandled request error")
		message = "internal server error"
	}

	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	gson, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(gson)
}
