package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/procura-erp/procura/internal/approval"
	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/platform/httpx"
	"github.com/procura-erp/procura/internal/procurement"
	"github.com/procura-erp/procura/internal/rfq"
	"github.com/procura-erp/procura/internal/vendors"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	Pool               *pgxpool.Pool
	ProcurementHandler *procurement.Handler
	VendorHandler      *vendors.Handler
	RFQHandler         *rfq.Handler
	BudgetHandler      *budget.Handler
	ApprovalHandler    *approval.Handler
}

// NewRouter constructs the chi.Router with Procura defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger: params.Logger,
		Config: params.Config,
	}) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if params.Pool != nil {
			if err := params.Pool.Ping(req.Context()); err != nil {
				httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "database unreachable")
				return
			}
		}
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		params.ProcurementHandler.MountRoutes(r)
		params.VendorHandler.MountRoutes(r)
		params.RFQHandler.MountRoutes(r)
		params.BudgetHandler.MountRoutes(r)
		params.ApprovalHandler.MountRoutes(r)
	})

	return r
}
