package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/numeric"
	"github.com/alanyoungcy/predictarena/internal/round"
	"github.com/alanyoungcy/predictarena/internal/settlement"
)

// RoundService is what the round endpoints need from the lifecycle manager.
type RoundService interface {
	StartRound(ctx context.Context, p round.StartParams) (domain.Round, error)
	LockRound(ctx context.Context, id string) (round.LockResult, error)
	GetActiveRounds(ctx context.Context) ([]domain.Round, error)
	GetRound(ctx context.Context, id string) (domain.Round, error)
	ListRounds(ctx context.Context, filter domain.RoundFilter) ([]domain.Round, error)
	ListStakes(ctx context.Context, roundID string) ([]domain.Stake, error)
}

// SettlementService resolves and cancels rounds.
type SettlementService interface {
	ResolveRound(ctx context.Context, roundID string, finalPrice numeric.Decimal) (settlement.Resolution, error)
	CancelRound(ctx context.Context, roundID string) (settlement.Resolution, error)
}

// RoundHandler serves round endpoints.
type RoundHandler struct {
	rounds      RoundService
	settlement  SettlementService
	price       domain.PriceReference
	maxDuration time.Duration
	logger      *slog.Logger
}

// NewRoundHandler creates a RoundHandler. The reference price is used for
// new rounds and for resolutions that do not name a final price.
func NewRoundHandler(rounds RoundService, settle SettlementService, price domain.PriceReference, maxDuration time.Duration, logger *slog.Logger) *RoundHandler {
	return &RoundHandler{
		rounds:      rounds,
		settlement:  settle,
		price:       price,
		maxDuration: maxDuration,
		logger:      logger.With(slog.String("handler", "rounds")),
	}
}

type roundsResponse struct {
	Rounds []domain.Round `json:"rounds"`
}

type stakesResponse struct {
	Stakes []domain.Stake `json:"stakes"`
}

// ListRounds returns rounds, newest first.
// GET /api/rounds?status=RESOLVED&mode=BINARY&limit=50&offset=0
func (h *RoundHandler) ListRounds(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := domain.RoundFilter{ListOpts: opts}
	q := r.URL.Query()
	for _, s := range q["status"] {
		filter.Statuses = append(filter.Statuses, domain.RoundStatus(s))
	}
	if v := q.Get("mode"); v != "" {
		mode, err := domain.ParseMode(v)
		if err != nil {
			writeDomainError(w, r, h.logger, "list rounds", err)
			return
		}
		filter.Mode = mode
	}

	rounds, err := h.rounds.ListRounds(r.Context(), filter)
	if err != nil {
		writeDomainError(w, r, h.logger, "list rounds", err)
		return
	}
	if rounds == nil {
		rounds = []domain.Round{}
	}
	writeJSON(w, http.StatusOK, roundsResponse{Rounds: rounds})
}

// ActiveRounds returns the rounds currently accepting stakes.
// GET /api/rounds/active
func (h *RoundHandler) ActiveRounds(w http.ResponseWriter, r *http.Request) {
	rounds, err := h.rounds.GetActiveRounds(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "active rounds", err)
		return
	}
	if rounds == nil {
		rounds = []domain.Round{}
	}
	writeJSON(w, http.StatusOK, roundsResponse{Rounds: rounds})
}

// GetRound returns one round.
// GET /api/rounds/{id}
func (h *RoundHandler) GetRound(w http.ResponseWriter, r *http.Request) {
	rd, err := h.rounds.GetRound(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get round", err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

// RoundStakes lists the stakes on a round.
// GET /api/rounds/{id}/stakes
func (h *RoundHandler) RoundStakes(w http.ResponseWriter, r *http.Request) {
	stakes, err := h.rounds.ListStakes(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "round stakes", err)
		return
	}
	if stakes == nil {
		stakes = []domain.Stake{}
	}
	writeJSON(w, http.StatusOK, stakesResponse{Stakes: stakes})
}

type startRoundRequest struct {
	Mode       string              `json:"mode"`
	Duration   string              `json:"duration"`
	StartPrice *numeric.Decimal    `json:"start_price,omitempty"`
	Ranges     []domain.PriceRange `json:"ranges,omitempty"`
}

// StartRound opens a round. The start price defaults to the reference price.
// POST /api/rounds
func (h *RoundHandler) StartRound(w http.ResponseWriter, r *http.Request) {
	var req startRoundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	mode, err := domain.ParseMode(req.Mode)
	if err != nil {
		writeDomainError(w, r, h.logger, "start round", err)
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid duration: "+err.Error())
		return
	}
	if h.maxDuration > 0 && d > h.maxDuration {
		writeError(w, http.StatusBadRequest, "duration exceeds "+h.maxDuration.String())
		return
	}

	var start numeric.Decimal
	if req.StartPrice != nil {
		start = *req.StartPrice
	} else if start, err = domain.UsablePrice(h.price); err != nil {
		writeDomainError(w, r, h.logger, "start round", err)
		return
	}

	rd, err := h.rounds.StartRound(r.Context(), round.StartParams{
		Mode:       mode,
		StartPrice: start,
		Duration:   d,
		Ranges:     req.Ranges,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "start round", err)
		return
	}
	writeJSON(w, http.StatusCreated, rd)
}

// LockRound stops a round accepting stakes.
// POST /api/rounds/{id}/lock
func (h *RoundHandler) LockRound(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := h.rounds.LockRound(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "lock round", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"round_id": id, "result": string(res)})
}

type resolveRequest struct {
	FinalPrice *numeric.Decimal `json:"final_price,omitempty"`
}

type resolutionResponse struct {
	Round       domain.Round            `json:"round"`
	Allocations []settlement.Allocation `json:"allocations"`
	TotalPayout numeric.Decimal         `json:"total_payout"`
}

func newResolutionResponse(res settlement.Resolution) resolutionResponse {
	allocs := res.Plan.Allocations
	if allocs == nil {
		allocs = []settlement.Allocation{}
	}
	return resolutionResponse{Round: res.Round, Allocations: allocs, TotalPayout: res.Plan.TotalPayout()}
}

// ResolveRound settles a round at the given final price, or at the
// reference price when the body is empty.
// POST /api/rounds/{id}/resolve
func (h *RoundHandler) ResolveRound(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeDecodeError(w, err)
			return
		}
	}

	var final numeric.Decimal
	if req.FinalPrice != nil {
		final = *req.FinalPrice
	} else {
		var err error
		if final, err = domain.UsablePrice(h.price); err != nil {
			writeDomainError(w, r, h.logger, "resolve round", err)
			return
		}
	}

	res, err := h.settlement.ResolveRound(r.Context(), r.PathValue("id"), final)
	if err != nil {
		writeDomainError(w, r, h.logger, "resolve round", err)
		return
	}
	writeJSON(w, http.StatusOK, newResolutionResponse(res))
}

// CancelRound refunds every stake and closes the round.
// POST /api/rounds/{id}/cancel
func (h *RoundHandler) CancelRound(w http.ResponseWriter, r *http.Request) {
	res, err := h.settlement.CancelRound(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "cancel round", err)
		return
	}
	writeJSON(w, http.StatusOK, newResolutionResponse(res))
}
