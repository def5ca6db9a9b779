package budget

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func testHandler(budgets ...Budget) (http.Handler, *memStore) {
	ledger, store := testLedger(budgets...)
	h := NewHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), ledger, NewAvailabilityCache(nil, time.Minute))
	r := chi.NewRouter()
	h.MountRoutes(r)
	return r, store
}

// Quarter 0 addresses the annual budget and must pass the query and
// payload validation like any other period.
func TestAvailabilityAnnualBudget(t *testing.T) {
	annual := Key{Department: "ENGINEERING", Year: 2026}
	handler, _ := testHandler(Budget{Key: annual, Total: 40_000_000})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/budgets/availability?department=ENGINEERING&year=2026&quarter=0", nil)
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Quarter   int   `json:"quarter"`
		Available int64 `json:"available"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Zero(t, body.Quarter)
	require.Equal(t, int64(40_000_000), body.Available)
}

func TestAvailabilityRejectsBadQuarter(t *testing.T) {
	handler, _ := testHandler(Budget{Key: engQ1, Total: 10_000_000})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/budgets/availability?department=ENGINEERING&year=2026&quarter=5", nil)
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReallocateFromAnnualBudget(t *testing.T) {
	annual := Key{Department: "ENGINEERING", Year: 2026}
	handler, store := testHandler(
		Budget{Key: annual, Total: 40_000_000},
		Budget{Key: engQ1, Total: 10_000_000},
	)

	payload := `{"from_department":"ENGINEERING","from_year":2026,"from_quarter":0,` +
		`"to_department":"ENGINEERING","to_year":2026,"to_quarter":1,"amount":5000000}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/budgets/reallocate", strings.NewReader(payload))
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, int64(35_000_000), store.budgets[annual].Total)
	require.Equal(t, int64(15_000_000), store.budgets[engQ1].Total)
}
