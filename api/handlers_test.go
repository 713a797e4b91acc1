package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"heartledger/models"
	"heartledger/service"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type stubHealth struct {
	err error
}

func (h stubHealth) Healthy(context.Context) error {
	return h.err
}

type observation struct {
	route  string
	method string
	status int
}

type recordingRequestMetrics struct {
	mu  sync.Mutex
	obs []observation
}

func (m *recordingRequestMetrics) ObserveRequest(route, method string, status int, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.obs = append(m.obs, observation{route: route, method: method, status: status})
}

func do(t *testing.T, h http.Handler, method, target, userID string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, target, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if userID != "" {
		req.Header.Set(userIDHeader, userID)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

func entryAt(id int64, at time.Time) *models.LedgerEntry {
	return &models.LedgerEntry{
		ID:             id,
		UserID:         "u1",
		Amount:         10,
		Kind:           models.EntryKindDailyGrant,
		CreatedAt:      at,
		IdempotencyKey: fmt.Sprintf("k-%d", id),
	}
}

func TestClaimEndpoints(t *testing.T) {
	t.Run("claim grants", func(t *testing.T) {
		query := new(service.MockQueryService)
		query.On("Claim", mock.Anything, "u1").Return(&models.ClaimResult{Granted: true, Amount: 10}, nil)

		rr := do(t, NewServer(query, Options{}), http.MethodPost, "/v1/claims", "u1", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

		result := decode[models.ClaimResult](t, rr)
		assert.Equal(t, models.ClaimResult{Granted: true, Amount: 10}, result)
	})

	t.Run("already claimed is not an error", func(t *testing.T) {
		query := new(service.MockQueryService)
		query.On("Claim", mock.Anything, "u1").Return(&models.ClaimResult{AlreadyClaimedToday: true}, nil)

		rr := do(t, NewServer(query, Options{}), http.MethodPost, "/v1/claims", "u1", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.True(t, decode[models.ClaimResult](t, rr).AlreadyClaimedToday)
	})

	t.Run("store unavailable asks the caller to retry", func(t *testing.T) {
		query := new(service.MockQueryService)
		query.On("Claim", mock.Anything, "u1").Return(nil, fmt.Errorf("claim for u1: %w", service.ErrStoreUnavailable))

		rr := do(t, NewServer(query, Options{}), http.MethodPost, "/v1/claims", "u1", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Equal(t, "1", rr.Header().Get("Retry-After"))
		assert.Equal(t, "store unavailable, try again", decode[errorResponse](t, rr).Error)
	})

	t.Run("missing user header", func(t *testing.T) {
		query := new(service.MockQueryService)

		rr := do(t, NewServer(query, Options{}), http.MethodPost, "/v1/claims", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
		query.AssertNotCalled(t, "Claim", mock.Anything, mock.Anything)
	})

	t.Run("status", func(t *testing.T) {
		amount := int64(10)
		query := new(service.MockQueryService)
		query.On("GetClaimStatus", mock.Anything, "u1").Return(&models.ClaimStatus{ClaimedToday: true, Amount: &amount}, nil)

		rr := do(t, NewServer(query, Options{}), http.MethodGet, "/v1/claims/today", "u1", nil)
		assert.Equal(t, http.StatusOK, rr.Code)

		status := decode[models.ClaimStatus](t, rr)
		assert.True(t, status.ClaimedToday)
		require.NotNil(t, status.Amount)
		assert.Equal(t, int64(10), *status.Amount)
	})

	t.Run("wrong method", func(t *testing.T) {
		rr := do(t, NewServer(new(service.MockQueryService), Options{}), http.MethodGet, "/v1/claims", "u1", nil)
		assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	})
}

func TestLeaderboardEndpoint(t *testing.T) {
	rows := []*models.LeaderboardRow{
		{StreamerID: 1, TotalPoints: 150, Rank: 1},
		{StreamerID: 2, TotalPoints: 120, Rank: 2},
	}

	tests := []struct {
		name       string
		target     string
		setup      func(q *service.MockQueryService)
		wantStatus int
	}{
		{
			name:   "default limit",
			target: "/v1/leaderboards/week",
			setup: func(q *service.MockQueryService) {
				q.On("GetLeaderboard", mock.Anything, models.PeriodWeek, defaultLeaderboardLimit).Return(rows, nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name:   "explicit limit",
			target: "/v1/leaderboards/ALL_TIME?limit=2",
			setup: func(q *service.MockQueryService) {
				q.On("GetLeaderboard", mock.Anything, models.PeriodAllTime, 2).Return(rows, nil)
			},
			wantStatus: http.StatusOK,
		},
		{
			name:       "zero limit",
			target:     "/v1/leaderboards/week?limit=0",
			setup:      func(*service.MockQueryService) {},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "non numeric limit",
			target:     "/v1/leaderboards/week?limit=ten",
			setup:      func(*service.MockQueryService) {},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown period",
			target:     "/v1/leaderboards/decade",
			setup:      func(*service.MockQueryService) {},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:   "service failure",
			target: "/v1/leaderboards/month",
			setup: func(q *service.MockQueryService) {
				q.On("GetLeaderboard", mock.Anything, models.PeriodMonth, defaultLeaderboardLimit).Return(nil, errors.New("boom"))
			},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query := new(service.MockQueryService)
			tt.setup(query)

			rr := do(t, NewServer(query, Options{}), http.MethodGet, tt.target, "", nil)
			assert.Equal(t, tt.wantStatus, rr.Code)

			if tt.wantStatus == http.StatusOK {
				resp := decode[leaderboardResponse](t, rr)
				assert.Equal(t, rows, resp.Rows)
			}
			query.AssertExpectations(t)
		})
	}

	t.Run("empty board renders an empty list", func(t *testing.T) {
		query := new(service.MockQueryService)
		query.On("GetLeaderboard", mock.Anything, models.PeriodWeek, defaultLeaderboardLimit).Return(nil, nil)

		rr := do(t, NewServer(query, Options{}), http.MethodGet, "/v1/leaderboards/WEEK", "", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"period":"WEEK","rows":[]}`, rr.Body.String())
	})
}

func TestHistoryEndpoint(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	entries := []*models.LedgerEntry{
		entryAt(3, base.Add(3*time.Hour)),
		entryAt(2, base.Add(2*time.Hour)),
		entryAt(1, base.Add(1*time.Hour)),
	}

	t.Run("first page carries a cursor", func(t *testing.T) {
		query := new(service.MockQueryService)
		query.On("GetUserPointHistory", mock.Anything, "u1", (*models.HistoryCursor)(nil)).Return(service.SeqOf(entries, nil))

		rr := do(t, NewServer(query, Options{}), http.MethodGet, "/v1/me/history?limit=2", "u1", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		resp := decode[historyResponse](t, rr)
		require.Len(t, resp.Entries, 2)
		assert.Equal(t, int64(3), resp.Entries[0].ID)
		assert.Equal(t, int64(2), resp.Entries[1].ID)

		cursor, err := models.DecodeHistoryCursor(resp.NextCursor)
		require.NoError(t, err)
		assert.Equal(t, int64(2), cursor.ID)
		assert.True(t, cursor.CreatedAt.Equal(entries[1].CreatedAt))
	})

	t.Run("cursor continues the sequence", func(t *testing.T) {
		after := models.CursorOf(entries[1])
		query := new(service.MockQueryService)
		query.On("GetUserPointHistory", mock.Anything, "u1", mock.MatchedBy(func(c *models.HistoryCursor) bool {
			return c != nil && c.ID == after.ID && c.CreatedAt.Equal(after.CreatedAt)
		})).Return(service.SeqOf(entries[2:], nil))

		rr := do(t, NewServer(query, Options{}), http.MethodGet, "/v1/me/history?limit=2&cursor="+after.Encode(), "u1", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		resp := decode[historyResponse](t, rr)
		require.Len(t, resp.Entries, 1)
		assert.Empty(t, resp.NextCursor)
	})

	t.Run("exact page has no cursor", func(t *testing.T) {
		query := new(service.MockQueryService)
		query.On("GetUserPointHistory", mock.Anything, "u1", (*models.HistoryCursor)(nil)).Return(service.SeqOf(entries, nil))

		rr := do(t, NewServer(query, Options{}), http.MethodGet, "/v1/me/history?limit=3", "u1", nil)
		require.Equal(t, http.StatusOK, rr.Code)
		resp := decode[historyResponse](t, rr)
		assert.Len(t, resp.Entries, 3)
		assert.Empty(t, resp.NextCursor)
	})

	t.Run("malformed cursor", func(t *testing.T) {
		query := new(service.MockQueryService)
		rr := do(t, NewServer(query, Options{}), http.MethodGet, "/v1/me/history?cursor=%21%21", "u1", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("error mid sequence", func(t *testing.T) {
		query := new(service.MockQueryService)
		query.On("GetUserPointHistory", mock.Anything, "u1", (*models.HistoryCursor)(nil)).
			Return(service.SeqOf(entries[:1], service.ErrStoreUnavailable))

		rr := do(t, NewServer(query, Options{}), http.MethodGet, "/v1/me/history", "u1", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}

func TestBalanceEndpoint(t *testing.T) {
	query := new(service.MockQueryService)
	query.On("GetUserBalance", mock.Anything, "u1").Return(int64(-30), nil)

	rr := do(t, NewServer(query, Options{}), http.MethodGet, "/v1/me/balance", "u1", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"userId":"u1","balance":-30}`, rr.Body.String())
}

func TestAppendEndpoint(t *testing.T) {
	streamer := int64(7)
	draft := models.LedgerEntryDraft{
		UserID:         "fan-1",
		StreamerID:     &streamer,
		Amount:         25,
		Kind:           models.EntryKindGiftReceive,
		IdempotencyKey: "gift:1:receive",
	}
	body, err := json.Marshal(draft)
	require.NoError(t, err)

	stored := &models.LedgerEntry{ID: 42, UserID: "fan-1", StreamerID: &streamer, Amount: 25, Kind: models.EntryKindGiftReceive, IdempotencyKey: "gift:1:receive"}

	matchesDraft := mock.MatchedBy(func(d *models.LedgerEntryDraft) bool {
		return d.IdempotencyKey == draft.IdempotencyKey && d.Amount == draft.Amount && *d.StreamerID == streamer
	})

	tests := []struct {
		name       string
		entry      *models.LedgerEntry
		err        error
		wantStatus int
	}{
		{name: "created", entry: stored, wantStatus: http.StatusCreated},
		{name: "duplicate returns stored entry", entry: stored, err: service.ErrDuplicateIdempotencyKey, wantStatus: http.StatusOK},
		{name: "key reused", err: service.ErrIdempotencyKeyReused, wantStatus: http.StatusConflict},
		{name: "invalid", err: fmt.Errorf("%w: amount must be positive", service.ErrInvalidDraft), wantStatus: http.StatusBadRequest},
		{name: "corrected entry missing", err: service.ErrEntryNotFound, wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query := new(service.MockQueryService)
			query.On("AppendEntry", mock.Anything, matchesDraft).Return(tt.entry, tt.err)

			rr := do(t, NewServer(query, Options{}), http.MethodPost, "/internal/ledger/entries", "", body)
			assert.Equal(t, tt.wantStatus, rr.Code)
			if tt.entry != nil {
				assert.Equal(t, int64(42), decode[models.LedgerEntry](t, rr).ID)
			}
		})
	}

	t.Run("malformed body", func(t *testing.T) {
		query := new(service.MockQueryService)
		rr := do(t, NewServer(query, Options{}), http.MethodPost, "/internal/ledger/entries", "", []byte("{"))
		assert.Equal(t, http.StatusBadRequest, rr.Code)
		query.AssertNotCalled(t, "AppendEntry", mock.Anything, mock.Anything)
	})
}

func TestHealthEndpoint(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		rr := do(t, NewServer(new(service.MockQueryService), Options{Health: stubHealth{}}), http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, rr.Code)

		resp := decode[map[string]any](t, rr)
		assert.Equal(t, "ok", resp["status"])
		assert.Contains(t, resp, "uptime_seconds")
	})

	t.Run("store down", func(t *testing.T) {
		rr := do(t, NewServer(new(service.MockQueryService), Options{Health: stubHealth{err: errors.New("database ping failed")}}), http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
		assert.Equal(t, "unavailable", decode[healthResponse](t, rr).Status)
	})

	t.Run("messaging down", func(t *testing.T) {
		server := NewServer(new(service.MockQueryService), Options{
			Health:    stubHealth{},
			Messaging: stubHealth{err: errors.New("NATS connection is not established")},
		})
		rr := do(t, server, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

		resp := decode[healthResponse](t, rr)
		assert.Equal(t, "unavailable", resp.Status)
		assert.Equal(t, map[string]string{"database": "ok", "messaging": "unavailable"}, resp.Checks)
		assert.Contains(t, resp.Error, "messaging")
	})

	t.Run("messaging up", func(t *testing.T) {
		server := NewServer(new(service.MockQueryService), Options{Health: stubHealth{}, Messaging: stubHealth{}})
		rr := do(t, server, http.MethodGet, "/health", "", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, map[string]string{"database": "ok", "messaging": "ok"}, decode[healthResponse](t, rr).Checks)
	})
}

func TestMetricsWiring(t *testing.T) {
	metrics := &recordingRequestMetrics{}
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})

	query := new(service.MockQueryService)
	query.On("GetLeaderboard", mock.Anything, models.PeriodWeek, 5).Return([]*models.LeaderboardRow{}, nil)

	srv := NewServer(query, Options{Metrics: metrics, MetricsHandler: metricsHandler})

	do(t, srv, http.MethodGet, "/v1/leaderboards/week?limit=5", "", nil)
	do(t, srv, http.MethodGet, "/v1/leaderboards/week?limit=0", "", nil)

	assert.Equal(t, []observation{
		{route: "/v1/leaderboards/{period}", method: http.MethodGet, status: http.StatusOK},
		{route: "/v1/leaderboards/{period}", method: http.MethodGet, status: http.StatusBadRequest},
	}, metrics.obs)

	rr := do(t, srv, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "# metrics", rr.Body.String())
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		query   string
		want    int
		wantErr bool
	}{
		{query: "", want: 20},
		{query: "limit=5", want: 5},
		{query: "limit=500", want: 100},
		{query: "limit=0", wantErr: true},
		{query: "limit=-3", wantErr: true},
		{query: "limit=x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/me/history?"+tt.query, nil)
			got, err := parseLimit(req, defaultHistoryLimit, maxHistoryLimit)
			if tt.wantErr {
				assert.ErrorIs(t, err, service.ErrInvalidLimit)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
