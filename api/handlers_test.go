/*
handlers_test.go - HTTP tests for the ledger API

Tests for:
- Ingestion (object, tuple, batch)
- Current cycle reads, filtered lookups and removal
- Error status mapping
- Clock advance, cycle history and snapshots
- Health and metrics endpoints
*/
package api_test

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/warp/cdr-ledger/api"
	"github.com/warp/cdr-ledger/billing"
	"github.com/warp/cdr-ledger/billing/store"
)

const (
	t0     = 1727971507
	period = 7862400
	alice  = "0x8ba1f109551bd432803012645ac136dd"
)

type testServer struct {
	router http.Handler
	engine *billing.Engine
	clock  *billing.ManualClock
}

func newTestServer(t *testing.T, manual bool) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()

	var (
		clock    *billing.ManualClock
		engClock billing.Clock = billing.SystemClock{}
	)
	if manual {
		clock = billing.NewManualClock(t0)
		engClock = clock
	}

	engine, err := billing.New(store.NewMemory(), period,
		billing.WithClock(engClock),
		billing.WithLogger(logger),
		billing.WithMetrics(billing.NewMetrics(reg)))
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	h := api.NewHandler(engine, clock, logger)
	return &testServer{router: api.NewRouter(h, reg), engine: engine, clock: clock}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func userPath(suffix string) string {
	return "/api/users/" + alice + suffix
}

// =============================================================================
// INGESTION
// =============================================================================

func TestAddCDR_ObjectAndReadBack(t *testing.T) {
	s := newTestServer(t, true)

	// GIVEN: One CDR posted as an object
	rec := s.do(t, http.MethodPost, userPath("/cdrs"),
		`{"service_type":1,"timestamp":1727971507,"cost":"25","balance":"1000"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[api.RecordDTO](t, rec)
	assert.Equal(t, uint64(1), created.Seq)
	require.NotNil(t, created.Cycle)
	assert.Equal(t, uint64(0), *created.Cycle)

	// THEN: The current cycle holds it
	size := decode[api.SizeDTO](t, s.do(t, http.MethodGet, userPath("/cdrs/size"), ""))
	assert.Equal(t, api.SizeDTO{Cycle: 0, Size: 1}, size)

	got := s.do(t, http.MethodGet, userPath("/cdrs/0"), "")
	require.Equal(t, http.StatusOK, got.Code)
	assert.JSONEq(t,
		`{"position":0,"cdr":{"service_type":1,"timestamp":1727971507,"cost":"25","balance":"1000"}}`,
		got.Body.String())

	cycle := decode[api.CycleDTO](t, s.do(t, http.MethodGet, userPath("/cycle"), ""))
	assert.Equal(t, api.CycleDTO{Index: 0, Start: t0, End: t0 + period}, cycle)

	acc := decode[api.AccountDTO](t, s.do(t, http.MethodGet, userPath(""), ""))
	assert.Equal(t, alice, acc.UserID)
	assert.Equal(t, uint64(t0), acc.FirstRecordTime)
}

func TestAddBatch(t *testing.T) {
	s := newTestServer(t, true)
	bob := billing.NewUserID()

	// GIVEN: A batch spanning two users in tuple and object form
	body := fmt.Sprintf(`[
		{"user_id": %q, "cdr": [1, 1, 10, 100]},
		{"user_id": %q, "cdr": {"service_type": 2, "timestamp": 2, "cost": 20, "balance": 80}},
		{"user_id": %q, "cdr": [3, 3, 30, 50]}
	]`, alice, bob, alice)

	// WHEN: Posting it
	rec := s.do(t, http.MethodPost, "/api/cdrs/batch", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// THEN: Every entry is accepted, in input order per user
	resp := decode[api.BatchResponse](t, rec)
	assert.Equal(t, 3, resp.Accepted)
	assert.Equal(t, 0, resp.Rejected)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, uint64(1), resp.Results[0].Seq)
	assert.Equal(t, uint64(1), resp.Results[1].Seq)
	assert.Equal(t, uint64(2), resp.Results[2].Seq)

	records := decode[[]api.RecordDTO](t, s.do(t, http.MethodGet, userPath("/cdrs"), ""))
	require.Len(t, records, 2)
	assert.Equal(t, "30", records[1].CDR.Cost.String())

	// A malformed entry rejects the whole request
	rec = s.do(t, http.MethodPost, "/api/cdrs/batch", fmt.Sprintf(`[{"user_id": %q, "cdr": [1, 1, -1, 1]}]`, alice))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// =============================================================================
// CURRENT CYCLE
// =============================================================================

func TestServiceTypeFilter(t *testing.T) {
	s := newTestServer(t, true)

	// GIVEN: Records of service types 1, 2, 1
	for i, st := range []int{1, 2, 1} {
		rec := s.do(t, http.MethodPost, userPath("/cdrs"), fmt.Sprintf(`[%d, %d, %d, 0]`, st, t0+i, i+1))
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	// THEN: Positions index the filtered sequence
	records := decode[[]api.RecordDTO](t, s.do(t, http.MethodGet, userPath("/cdrs?service_type=1"), ""))
	require.Len(t, records, 2)
	assert.Equal(t, "3", records[1].CDR.Cost.String())

	got := decode[api.RecordDTO](t, s.do(t, http.MethodGet, userPath("/cdrs/1?service_type=1"), ""))
	assert.Equal(t, "3", got.CDR.Cost.String())

	rec := s.do(t, http.MethodGet, userPath("/cdrs/1?service_type=2"), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRemoveCDR(t *testing.T) {
	s := newTestServer(t, true)
	for i := range 3 {
		s.do(t, http.MethodPost, userPath("/cdrs"), fmt.Sprintf(`[1, %d, %d, 0]`, t0, i+1))
	}

	// WHEN: Removing the middle record
	rec := s.do(t, http.MethodDelete, userPath("/cdrs/1"), "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	// THEN: Later records shift down
	size := decode[api.SizeDTO](t, s.do(t, http.MethodGet, userPath("/cdrs/size"), ""))
	assert.Equal(t, 2, size.Size)
	got := decode[api.RecordDTO](t, s.do(t, http.MethodGet, userPath("/cdrs/1"), ""))
	assert.Equal(t, "3", got.CDR.Cost.String())

	rec = s.do(t, http.MethodDelete, userPath("/cdrs/2"), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetBalance(t *testing.T) {
	s := newTestServer(t, true)
	s.do(t, http.MethodPost, userPath("/cdrs"), `[1, 1, 5, 100]`)
	s.do(t, http.MethodPost, userPath("/cdrs"), `[1, 2, 5, 95]`)

	bal := decode[api.BalanceDTO](t, s.do(t, http.MethodGet, userPath("/balance"), ""))
	assert.Equal(t, "95", bal.Balance.String())
	assert.Equal(t, billing.BalanceRuleLatest, bal.Rule)
}

func TestUnknownUserDefaults(t *testing.T) {
	s := newTestServer(t, true)

	size := decode[api.SizeDTO](t, s.do(t, http.MethodGet, userPath("/cdrs/size"), ""))
	assert.Equal(t, 0, size.Size)

	bal := decode[api.BalanceDTO](t, s.do(t, http.MethodGet, userPath("/balance"), ""))
	assert.True(t, bal.Balance.IsZero())

	records := decode[[]api.RecordDTO](t, s.do(t, http.MethodGet, userPath("/cdrs"), ""))
	assert.Empty(t, records)

	rec := s.do(t, http.MethodGet, userPath(""), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

func TestErrorStatus(t *testing.T) {
	s := newTestServer(t, true)
	s.do(t, http.MethodPost, userPath("/cdrs"), `[1, 1, 1, 1]`)

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"bad user id", http.MethodGet, "/api/users/alice/cdrs/size", "", http.StatusBadRequest},
		{"bad index", http.MethodGet, userPath("/cdrs/first"), "", http.StatusBadRequest},
		{"bad service type", http.MethodGet, userPath("/cdrs/0?service_type=256"), "", http.StatusBadRequest},
		{"bad cycle", http.MethodGet, userPath("/cycles/-1/cdrs"), "", http.StatusBadRequest},
		{"negative index", http.MethodGet, userPath("/cdrs/-1"), "", http.StatusNotFound},
		{"index past end", http.MethodGet, userPath("/cdrs/1"), "", http.StatusNotFound},
		{"negative cost", http.MethodPost, userPath("/cdrs"), `[1, 1, -1, 1]`, http.StatusBadRequest},
		{"fractional balance", http.MethodPost, userPath("/cdrs"), `{"cost": 1, "balance": "1.5"}`, http.StatusBadRequest},
		{"exponent cost", http.MethodPost, userPath("/cdrs"), `[1, 1, "1e200000000", 1]`, http.StatusBadRequest},
		{"not a cdr", http.MethodPost, userPath("/cdrs"), `"hello"`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := s.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())

			resp := decode[api.ErrorResponse](t, rec)
			assert.NotEmpty(t, resp.Error)
			assert.NotEmpty(t, resp.Details)
		})
	}
}

// =============================================================================
// CLOCK, HISTORY AND SNAPSHOTS
// =============================================================================

func TestAdvanceClock_RollsCycle(t *testing.T) {
	s := newTestServer(t, true)
	s.do(t, http.MethodPost, userPath("/cdrs"), `[1, 1, 7, 100]`)

	// WHEN: One full period passes
	rec := s.do(t, http.MethodPost, "/api/clock/advance", fmt.Sprintf(`{"seconds": %d}`, period))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, api.ClockDTO{Now: t0 + period, Manual: true}, decode[api.ClockDTO](t, rec))

	// THEN: The current cycle is empty and the old one is still addressable
	size := decode[api.SizeDTO](t, s.do(t, http.MethodGet, userPath("/cdrs/size"), ""))
	assert.Equal(t, api.SizeDTO{Cycle: 1, Size: 0}, size)

	cycles := decode[[]api.CycleSummaryDTO](t, s.do(t, http.MethodGet, userPath("/cycles"), ""))
	require.Len(t, cycles, 2)
	assert.Equal(t, 1, cycles[0].Size)
	assert.Equal(t, "7", cycles[0].TotalCost.String())
	assert.False(t, cycles[0].Current)
	assert.True(t, cycles[1].Current)

	past := decode[api.RecordDTO](t, s.do(t, http.MethodGet, userPath("/cycles/0/cdrs/0"), ""))
	assert.Equal(t, "7", past.CDR.Cost.String())
	require.NotNil(t, past.Cycle)
	assert.Equal(t, uint64(0), *past.Cycle)

	// AND: Closing cycles snapshots cycle 0 once
	closed := decode[api.CloseCyclesResponse](t, s.do(t, http.MethodPost, "/api/admin/close-cycles", ""))
	assert.Equal(t, 1, closed.Closed)
	closed = decode[api.CloseCyclesResponse](t, s.do(t, http.MethodPost, "/api/admin/close-cycles", ""))
	assert.Equal(t, 0, closed.Closed)

	snaps := decode[[]api.SnapshotDTO](t, s.do(t, http.MethodGet, userPath("/snapshots"), ""))
	require.Len(t, snaps, 1)
	assert.Equal(t, uint64(0), snaps[0].Index)
	assert.Equal(t, "100", snaps[0].ClosingBalance.String())

	// AND: Removing from the past cycle works through the qualified route
	rec = s.do(t, http.MethodDelete, userPath("/cycles/0/cdrs/0"), "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	records := decode[[]api.RecordDTO](t, s.do(t, http.MethodGet, userPath("/cycles/0/cdrs"), ""))
	assert.Empty(t, records)
}

func TestAdvanceClock_SystemClockConflict(t *testing.T) {
	s := newTestServer(t, false)

	rec := s.do(t, http.MethodPost, "/api/clock/advance", `{"seconds": 1}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	clock := decode[api.ClockDTO](t, s.do(t, http.MethodGet, "/api/clock", ""))
	assert.False(t, clock.Manual)
	assert.NotZero(t, clock.Now)
}

func TestAdvanceClock_SaturatesAtEndOfTime(t *testing.T) {
	s := newTestServer(t, true)
	s.do(t, http.MethodPost, userPath("/cdrs"), `[1, 1, 7, 100]`)
	want := uint64((math.MaxUint64 - t0) / period)

	// WHEN: The clock is pushed past the end of uint64 twice
	for range 2 {
		rec := s.do(t, http.MethodPost, "/api/clock/advance", fmt.Sprintf(`{"seconds": %d}`, uint64(math.MaxUint64)))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, api.ClockDTO{Now: math.MaxUint64, Manual: true}, decode[api.ClockDTO](t, rec))

		// THEN: The cycle index stays at the last window instead of wrapping to 0
		size := decode[api.SizeDTO](t, s.do(t, http.MethodGet, userPath("/cdrs/size"), ""))
		assert.Equal(t, api.SizeDTO{Cycle: want, Size: 0}, size)
	}

	cycle := decode[api.CycleDTO](t, s.do(t, http.MethodGet, userPath("/cycle"), ""))
	assert.Equal(t, want, cycle.Index)
	assert.GreaterOrEqual(t, cycle.End, cycle.Start)
}

func TestAdvanceClock_BodyTooLarge(t *testing.T) {
	s := newTestServer(t, true)

	// GIVEN: A well-formed request padded past the body limit
	body := strings.Repeat(" ", 4<<20) + `{"seconds": 1}`

	// WHEN: It is posted
	rec := s.do(t, http.MethodPost, "/api/clock/advance", body)

	// THEN: It is rejected and the clock did not move
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	clock := decode[api.ClockDTO](t, s.do(t, http.MethodGet, "/api/clock", ""))
	assert.Equal(t, uint64(t0), clock.Now)
}

// =============================================================================
// HEALTH AND METRICS
// =============================================================================

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, true)
	s.do(t, http.MethodPost, userPath("/cdrs"), `[1, 1, 1, 1]`)

	rec := s.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `cdrledger_cdrs_appended_total{service_type="voice"} 1`)
	assert.Contains(t, rec.Body.String(), "cdrledger_accounts 1")
}
