package handlers

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"soundswap/internal/config"
	"soundswap/internal/db"
	"soundswap/internal/logging"
	"soundswap/internal/middleware"
	"soundswap/internal/store"
	"soundswap/internal/websocket"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	gorilla "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handler struct {
	cfg      config.Config
	txRunner db.TxRunner
	ledger   Ledger
	products ProductCatalog
	events   EventQueue
	admin    AdminStore
	audit    AuditStore
	hub      *websocket.Hub
	upgrader gorilla.Upgrader
	limiter  *middleware.RateLimiter
	logger   *slog.Logger
}

func New(cfg config.Config, txRunner db.TxRunner, ledger Ledger, products ProductCatalog, events EventQueue, admin AdminStore, audit AuditStore, hub *websocket.Hub, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Handler{
		cfg:      cfg,
		txRunner: txRunner,
		ledger:   ledger,
		products: products,
		events:   events,
		admin:    admin,
		audit:    audit,
		hub:      hub,
		upgrader: websocket.NewUpgrader(allowedOrigins(cfg.AllowedOrigins)),
		limiter:  middleware.NewRateLimiter(cfg.DeductRatePerSec, cfg.DeductBurst, 10*time.Minute),
		logger:   logger,
	}
}

func (h *Handler) Routes() http.Handler {
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.Recoverer)
	router.Use(middleware.RequestLogger(h.logger))
	router.Use(middleware.Metrics)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(h.cfg.AllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Signature"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	authenticated := middleware.Auth(h.cfg.JWTSecret, false)
	router.Get("/products", h.ListProducts)
	router.Route("/credits", func(r chi.Router) {
		r.Use(authenticated)
		r.Get("/balance", h.GetBalance)
		r.With(middleware.RateLimit(h.limiter)).Post("/deduct", h.Deduct)
		r.Get("/transactions", h.ListTransactions)
	})
	router.Post("/payments/events", h.PaymentEvent)
	router.With(middleware.Auth(h.cfg.JWTSecret, true)).Get("/ws/balances", h.WSBalances)

	router.Route("/admin", func(r chi.Router) {
		r.Use(authenticated)
		r.With(middleware.RequireAdmin(h.admin, store.RoleProvision)).Post("/accounts", h.ProvisionAccount)
		r.With(middleware.RequireAdmin(h.admin, store.RoleCreditGrant)).Post("/credits", h.GrantCredits)
		r.With(middleware.RequireAdmin(h.admin, store.RoleAuditRead)).Get("/accounts/{id}/transactions", h.AdminListTransactions)
		r.With(middleware.RequireAdmin(h.admin, store.RoleReconcile)).Get("/reconcile", h.Reconcile)
		r.With(middleware.RequireAdmin(h.admin, store.RoleAuditRead)).Get("/audit", h.ListAuditLogs)
		r.With(middleware.RequireSuperAdmin(h.admin)).Post("/promote", h.PromoteAdmin)
		r.With(middleware.RequireSuperAdmin(h.admin)).Post("/roles/grant", h.GrantRole)
	})

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	router.Handle("/metrics", promhttp.Handler())
	return router
}

func allowedOrigins(raw string) []string {
	var origins []string
	for _, origin := range strings.Split(raw, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
