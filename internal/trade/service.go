// Package trade provides the HTTP handlers for listing markets, placing
// entries, administering the market lifecycle and querying portfolios.
//
// All monetary values use shopspring/decimal, never float64 for money.
package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/poolmarket/market-engine/internal/access"
	"github.com/poolmarket/market-engine/internal/ledger"
	"github.com/poolmarket/market-engine/internal/limits"
	"github.com/poolmarket/market-engine/internal/listing"
	"github.com/poolmarket/market-engine/internal/metrics"
	"github.com/poolmarket/market-engine/internal/model"
	"github.com/poolmarket/market-engine/internal/pricing"
	"github.com/poolmarket/market-engine/internal/settlement"
	"github.com/poolmarket/market-engine/internal/store"
)

// ActorHeader carries the caller's identity, established by the gateway
// in front of this service.
const ActorHeader = "X-Actor-ID"

// Deps are the collaborators a Service routes requests to.
type Deps struct {
	Store      store.Store
	Pricing    *pricing.Engine
	Listing    *listing.Builder
	Ledger     *ledger.Ledger
	Settlement *settlement.Engine
	Policy     *access.Policy
	Hub        *WSHub // optional; nil disables broadcasts
}

// Service handles market operations over HTTP.
type Service struct {
	store      store.Store
	pricing    *pricing.Engine
	listing    *listing.Builder
	ledger     *ledger.Ledger
	settlement *settlement.Engine
	policy     *access.Policy
	wsHub      *WSHub
}

// NewService creates a new trade service.
func NewService(deps Deps) *Service {
	return &Service{
		store:      deps.Store,
		pricing:    deps.Pricing,
		listing:    deps.Listing,
		ledger:     deps.Ledger,
		settlement: deps.Settlement,
		policy:     deps.Policy,
		wsHub:      deps.Hub,
	}
}

// Register mounts the service's routes on r.
func (s *Service) Register(r chi.Router) {
	// Market lifecycle.
	r.Get("/markets", s.ListMarkets)
	r.Post("/markets", s.CreateMarket)
	r.Get("/markets/{marketID}", s.GetMarket)
	r.Get("/markets/{marketID}/price", s.GetPrice)
	r.Get("/markets/{marketID}/entries", s.ListMarketEntries)
	r.Post("/markets/{marketID}/close", s.CloseMarket)
	r.Post("/markets/{marketID}/resolve", s.ResolveMarket)
	r.Post("/markets/{marketID}/settle", s.SettleMarket)
	r.Post("/markets/{marketID}/archive", s.ArchiveMarket)

	// Purchase path.
	r.Post("/entries", s.PlaceEntry)

	// Accounts.
	r.Get("/portfolio/{userID}", s.GetPortfolio)
	r.Post("/balances/{userID}/credit", s.CreditBalance)
}

// --- Request types ---

// PlaceEntryRequest is the JSON body for POST /entries. An empty UserID
// falls back to the actor header.
type PlaceEntryRequest struct {
	UserID   string `json:"user_id"`
	MarketID string `json:"market_id"`
	OptionID string `json:"option_id"`
}

// ResolveRequest is the JSON body for POST /markets/{id}/resolve.
type ResolveRequest struct {
	WinningOptionID string `json:"winning_option_id"`
}

// CreditRequest is the JSON body for POST /balances/{userID}/credit.
type CreditRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference"`
}

// --- Market handlers ---

// ListMarkets handles GET /api/v1/markets
// Optional filters: ?status=<effective status>, ?category=<path prefix>.
func (s *Service) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.store.ListMarkets(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}

	status := model.MarketStatus(strings.ToLower(r.URL.Query().Get("status")))
	if status != "" && !status.Valid() {
		writeError(w, "unknown status filter: "+string(status), http.StatusBadRequest)
		return
	}
	category := limits.Normalize(r.URL.Query().Get("category"))

	out := make([]model.Market, 0, len(markets))
	for i := range markets {
		m := s.live(&markets[i])
		if status != "" && m.Status != status {
			continue
		}
		if category != "" && m.Category != category && !strings.HasPrefix(m.Category, category+"/") {
			continue
		}
		out = append(out, *m)
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateMarket handles POST /api/v1/markets
// Admins list platform markets; any other actor lists a creator market.
func (s *Service) CreateMarket(w http.ResponseWriter, r *http.Request) {
	actor := actorID(r)
	if actor == "" {
		writeErr(w, access.ErrUnauthorized)
		return
	}

	var def listing.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	role := model.RoleCreator
	if s.policy.IsAdmin(actor) {
		role = model.RolePlatform
	}
	market, err := s.listing.Build(def, actor, role)
	if err != nil {
		writeErr(w, err)
		return
	}
	if err := s.store.CreateMarket(r.Context(), market); err != nil {
		writeErr(w, err)
		return
	}

	metrics.ActiveMarkets.Inc()
	slog.Info("market created",
		"id", market.ID,
		"title", market.Title,
		"category", market.Category,
		"options", len(market.Options),
		"creator", actor,
		"role", string(role),
	)

	s.wsHub.Broadcast(WSMessage{
		Type:     EventMarketCreated,
		MarketID: market.ID,
		Status:   string(market.Status),
		Prices:   optionPrices(market.Options),
	})
	writeJSON(w, http.StatusCreated, market)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (s *Service) GetMarket(w http.ResponseWriter, r *http.Request) {
	market, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.live(market))
}

// GetPrice handles GET /api/v1/markets/{marketID}/price
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	market, err := s.store.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.pricing.Prices(market))
}

// ListMarketEntries handles GET /api/v1/markets/{marketID}/entries
func (s *Service) ListMarketEntries(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")
	ctx := r.Context()
	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		writeErr(w, err)
		return
	}
	entries, err := s.store.ListEntriesByMarket(ctx, marketID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if entries == nil {
		entries = []model.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// CloseMarket handles POST /api/v1/markets/{marketID}/close
func (s *Service) CloseMarket(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, model.StatusClosed, EventMarketClosed)
}

// ArchiveMarket handles POST /api/v1/markets/{marketID}/archive
func (s *Service) ArchiveMarket(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, model.StatusArchived, EventMarketArchived)
}

// transition moves a market to a non-settling status under the market
// lock. Resolution goes through the settlement engine instead.
func (s *Service) transition(w http.ResponseWriter, r *http.Request, to model.MarketStatus, event string) {
	ctx := r.Context()
	marketID := chi.URLParam(r, "marketID")
	actor := actorID(r)

	var (
		updated *model.Market
		wasOpen bool
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarketForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		if err := s.policy.CanResolve(ctx, actor, m); err != nil {
			return err
		}
		if err := model.CheckTransition(m.Status, to); err != nil {
			return err
		}
		wasOpen = m.Status == model.StatusOpen
		m.Status = to
		updated = m
		return tx.UpdateMarket(ctx, m)
	})
	if err != nil {
		writeErr(w, err)
		return
	}

	if wasOpen {
		metrics.ActiveMarkets.Dec()
	}
	slog.Info("market status changed", "market", marketID, "status", string(to), "actor", actor)
	s.wsHub.Broadcast(WSMessage{Type: event, MarketID: marketID, Status: string(to)})
	writeJSON(w, http.StatusOK, updated)
}

// ResolveMarket handles POST /api/v1/markets/{marketID}/resolve
func (s *Service) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.WinningOptionID == "" {
		writeError(w, "winning_option_id is required", http.StatusBadRequest)
		return
	}

	marketID := chi.URLParam(r, "marketID")
	res, err := s.settlement.Resolve(r.Context(), marketID, req.WinningOptionID, actorID(r))
	if res != nil {
		// The status flip committed even if a later batch failed.
		s.broadcastResolution(res)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SettleMarket handles POST /api/v1/markets/{marketID}/settle
// It finishes a batched settlement that was interrupted.
func (s *Service) SettleMarket(w http.ResponseWriter, r *http.Request) {
	res, err := s.settlement.Resume(r.Context(), chi.URLParam(r, "marketID"), actorID(r))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Service) broadcastResolution(res *settlement.Result) {
	pool := res.TotalPool
	s.wsHub.Broadcast(WSMessage{
		Type:            EventMarketResolved,
		MarketID:        res.MarketID,
		Status:          string(model.StatusResolved),
		WinningOptionID: res.WinningOptionID,
		TotalPool:       &pool,
		Winners:         res.Winners,
	})
}

// --- Entry handlers ---

// PlaceEntry handles POST /api/v1/entries
// The price is never taken from the client; the ledger quotes it. Entries
// are placed for the actor; only admins may name another user_id.
func (s *Service) PlaceEntry(w http.ResponseWriter, r *http.Request) {
	var req PlaceEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	actor := actorID(r)
	if actor == "" {
		writeError(w, "missing "+ActorHeader+" header", http.StatusForbidden)
		return
	}
	switch {
	case req.UserID == "":
		req.UserID = actor
	case req.UserID != actor && !s.policy.IsAdmin(actor):
		writeErr(w, access.ErrUnauthorized)
		return
	}
	if req.MarketID == "" || req.OptionID == "" {
		writeError(w, "market_id and option_id are required", http.StatusBadRequest)
		return
	}

	receipt, err := s.ledger.Place(r.Context(), req.UserID, req.MarketID, req.OptionID)
	if err != nil {
		writeErr(w, err)
		return
	}

	s.wsHub.Broadcast(WSMessage{
		Type:     EventPriceUpdate,
		MarketID: req.MarketID,
		OptionID: req.OptionID,
		Prices:   optionPrices(receipt.Market.Options),
	})
	writeJSON(w, http.StatusCreated, receipt)
}

// --- Account handlers ---

// GetPortfolio handles GET /api/v1/portfolio/{userID}
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	ctx := r.Context()

	entries, err := s.store.ListEntriesByUser(ctx, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	bal, err := s.store.GetBalance(ctx, userID)
	if err != nil {
		writeErr(w, err)
		return
	}
	txns, err := s.store.ListTransactionsByUser(ctx, userID)
	if err != nil {
		writeErr(w, err)
		return
	}

	p := model.Portfolio{
		UserID:        userID,
		Balance:       bal,
		Entries:       entries,
		Transactions:  txns,
		ActiveStake:   decimal.Zero,
		TotalWinnings: decimal.Zero,
	}
	if p.Entries == nil {
		p.Entries = []model.Entry{}
	}
	if p.Transactions == nil {
		p.Transactions = []model.Transaction{}
	}
	for _, e := range entries {
		switch e.Status {
		case model.EntryActive:
			p.ActiveStake = p.ActiveStake.Add(e.Amount)
		case model.EntryWon:
			p.TotalWinnings = p.TotalWinnings.Add(e.PotentialPayout)
		}
	}
	writeJSON(w, http.StatusOK, p)
}

// CreditBalance handles POST /api/v1/balances/{userID}/credit
// Admin-only top-up; the reference makes retries safe.
func (s *Service) CreditBalance(w http.ResponseWriter, r *http.Request) {
	if !s.policy.IsAdmin(actorID(r)) {
		writeErr(w, access.ErrUnauthorized)
		return
	}
	var req CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	bal, err := s.ledger.Deposit(r.Context(), chi.URLParam(r, "userID"), req.Amount, req.Reference)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

// --- Helpers ---

// live returns m with freshly quoted prices and its effective status.
func (s *Service) live(m *model.Market) *model.Market {
	m.Options = s.pricing.QuoteMarket(m)
	m.Status = m.EffectiveStatus(s.pricing.Now())
	return m
}

func optionPrices(options []model.Option) map[string]decimal.Decimal {
	prices := make(map[string]decimal.Decimal, len(options))
	for _, o := range options {
		prices[o.ID] = o.Price
	}
	return prices
}

func actorID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(ActorHeader))
}

// statusGroups maps sentinel errors onto HTTP status codes.
var statusGroups = []struct {
	status int
	errs   []error
}{
	{http.StatusBadRequest, []error{
		listing.ErrEmptyTitle, listing.ErrInvalidType, listing.ErrTooFewOptions,
		listing.ErrBinaryOptions, listing.ErrInvalidOptionID, listing.ErrDuplicateOption,
		listing.ErrInvalidWindow, listing.ErrInvalidMultiplier, listing.ErrInvalidCategory,
		ledger.ErrMissingUser, ledger.ErrInvalidAmount, model.ErrUnknownOption,
	}},
	{http.StatusForbidden, []error{access.ErrUnauthorized}},
	{http.StatusNotFound, []error{store.ErrNotFound}},
	{http.StatusConflict, []error{
		model.ErrAlreadyResolved, model.ErrInvalidTransition, model.ErrMarketNotOpen,
		model.ErrDuplicateEntry, store.ErrInsufficientFunds, store.ErrAlreadyExists,
		store.ErrEntrySettled, limits.ErrCategoryLimitExceeded, limits.ErrCorrelatedLimitExceeded,
		settlement.ErrNotResolved,
	}},
	{http.StatusServiceUnavailable, []error{settlement.ErrSettlementIncomplete, store.ErrTxConflict}},
}

// statusFor returns the HTTP status for err, 500 when unmapped.
func statusFor(err error) int {
	for _, g := range statusGroups {
		for _, target := range g.errs {
			if errors.Is(err, target) {
				return g.status
			}
		}
	}
	return http.StatusInternalServerError
}

// writeErr maps err to a status and writes it. Internal errors are logged
// and not echoed to the client.
func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
