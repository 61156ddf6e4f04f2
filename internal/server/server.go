package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"GuildLedger/internal/asset"
	"GuildLedger/internal/ledger"
	"GuildLedger/internal/nft"
	"GuildLedger/internal/observability"
	"GuildLedger/internal/query"
	"GuildLedger/internal/reservation"
)

// Server is the read-only HTTP/JSON surface over the ledger. Balance writes
// go through the command side (ingestion, settlement, bot commands), never
// through HTTP.
type Server struct {
	ledger       *ledger.Service
	nft          *nft.Service
	reservations *reservation.Service
	queries      *query.Service
	health       *observability.HealthChecker
	log          zerolog.Logger
}

func New(l *ledger.Service, n *nft.Service, r *reservation.Service, q *query.Service,
	health *observability.HealthChecker, log zerolog.Logger) *Server {
	return &Server{ledger: l, nft: n, reservations: r, queries: q, health: health, log: log}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.health.LivenessHandler)
	r.Get("/readyz", s.health.ReadinessHandler)

	r.Route("/v1/{scope}", func(r chi.Router) {
		r.Get("/summary", s.handleScopeSummary)
		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/balances", s.handleBalances)
			r.Get("/history", s.handleHistory)
			r.Get("/holdings", s.handleHoldings)
			r.Get("/reservations", s.handleReservations)
			r.Get("/audit", s.handleAudit)
		})
	})

	return r
}

func (s *Server) handleScopeSummary(w http.ResponseWriter, r *http.Request) {
	totals, err := s.queries.ScopeSummary(r.Context(), chi.URLParam(r, "scope"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if totals == nil {
		totals = []query.AssetTotal{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"totals": totals})
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	userID := chi.URLParam(r, "userID")

	// ?asset= narrows to a single balance; otherwise the full overview.
	if assetID := r.URL.Query().Get("asset"); assetID != "" {
		balance, err := s.ledger.GetBalance(r.Context(), scope, userID, assetID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]string{"asset": assetID, "balance": balance})
		return
	}

	positions, err := s.queries.UserOverview(r.Context(), scope, userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if positions == nil {
		positions = []query.AssetPosition{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"positions": positions})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	assetID := r.URL.Query().Get("asset")
	if assetID == "" {
		// An empty asset would silently match no records; make the missing
		// parameter visible instead.
		s.writeJSON(w, http.StatusBadRequest, errorJSON{Error: "asset query parameter required"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	records, err := s.ledger.History(r.Context(),
		chi.URLParam(r, "scope"), chi.URLParam(r, "userID"), assetID, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]transactionJSON, 0, len(records))
	for _, rec := range records {
		out = append(out, toTransactionJSON(rec))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": out})
}

func (s *Server) handleHoldings(w http.ResponseWriter, r *http.Request) {
	holdings, err := s.nft.List(r.Context(),
		chi.URLParam(r, "scope"), chi.URLParam(r, "userID"), r.URL.Query().Get("collection"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]holdingJSON, 0, len(holdings))
	for _, h := range holdings {
		out = append(out, toHoldingJSON(h))
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"holdings": out})
}

func (s *Server) handleReservations(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	userID := chi.URLParam(r, "userID")
	assetID := r.URL.Query().Get("asset")
	if assetID == "" {
		s.writeJSON(w, http.StatusBadRequest, errorJSON{Error: "asset query parameter required"})
		return
	}

	total, err := s.reservations.TotalReserved(r.Context(), scope, userID, assetID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"asset": assetID, "reserved": total})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	assetID := r.URL.Query().Get("asset")
	if err := asset.Validate(assetID); err != nil {
		s.writeError(w, r, err)
		return
	}

	result, err := s.queries.ReplayBalance(r.Context(),
		chi.URLParam(r, "scope"), chi.URLParam(r, "userID"), assetID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

// --- response shaping ---

type errorJSON struct {
	Error string `json:"error"`
}

type transactionJSON struct {
	ID            string    `json:"id"`
	Asset         string    `json:"asset"`
	Amount        string    `json:"amount"`
	BalanceBefore string    `json:"balance_before"`
	BalanceAfter  string    `json:"balance_after"`
	Kind          string    `json:"kind"`
	ExternalRef   string    `json:"external_ref,omitempty"`
	Description   string    `json:"description,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func toTransactionJSON(r ledger.TransactionRecord) transactionJSON {
	return transactionJSON{
		ID:            r.ID,
		Asset:         r.Asset,
		Amount:        r.Amount,
		BalanceBefore: r.BalanceBefore,
		BalanceAfter:  r.BalanceAfter,
		Kind:          string(r.Kind),
		ExternalRef:   r.ExternalRef,
		Description:   r.Description,
		CreatedAt:     r.CreatedAt,
	}
}

type holdingJSON struct {
	Collection      string `json:"collection"`
	TokenIdentifier string `json:"token_identifier"`
	Nonce           int64  `json:"nonce"`
	Quantity        int64  `json:"quantity"`
	Staked          bool   `json:"staked"`
	DisplayName     string `json:"display_name,omitempty"`
}

func toHoldingJSON(h nft.Holding) holdingJSON {
	return holdingJSON{
		Collection:      h.Collection,
		TokenIdentifier: h.TokenIdentifier,
		Nonce:           h.Nonce,
		Quantity:        h.Quantity,
		Staked:          h.Staked,
		DisplayName:     h.DisplayName,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn().Err(err).Msg("writing response failed")
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, asset.ErrInvalidAssetIdentifier):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}

	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	s.writeJSON(w, status, errorJSON{Error: err.Error()})
}
