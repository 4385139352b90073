package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/numeric"
)

// AccountService manages participants.
type AccountService interface {
	Register(ctx context.Context, address string, opening numeric.Decimal) (domain.Participant, error)
	Get(ctx context.Context, id string) (domain.Participant, error)
	Stakes(ctx context.Context, id string, opts domain.ListOpts) ([]domain.Stake, error)
}

// ParticipantHandler serves participant endpoints.
type ParticipantHandler struct {
	accounts AccountService
	logger   *slog.Logger
}

// NewParticipantHandler creates a ParticipantHandler.
func NewParticipantHandler(accounts AccountService, logger *slog.Logger) *ParticipantHandler {
	return &ParticipantHandler{accounts: accounts, logger: logger.With(slog.String("handler", "participants"))}
}

type registerRequest struct {
	Address string          `json:"address"`
	Balance numeric.Decimal `json:"balance"`
}

// Register creates a participant with an opening balance.
// POST /api/participants
func (h *ParticipantHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDecodeError(w, err)
		return
	}
	if strings.TrimSpace(req.Address) == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	p, err := h.accounts.Register(r.Context(), req.Address, req.Balance)
	if err != nil {
		writeDomainError(w, r, h.logger, "register participant", err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GetParticipant returns a participant and their balance.
// GET /api/participants/{id}
func (h *ParticipantHandler) GetParticipant(w http.ResponseWriter, r *http.Request) {
	p, err := h.accounts.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get participant", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ParticipantStakes lists a participant's stakes, newest first.
// GET /api/participants/{id}/stakes?limit=50&offset=0
func (h *ParticipantHandler) ParticipantStakes(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stakes, err := h.accounts.Stakes(r.Context(), r.PathValue("id"), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, "participant stakes", err)
		return
	}
	if stakes == nil {
		stakes = []domain.Stake{}
	}
	writeJSON(w, http.StatusOK, stakesResponse{Stakes: stakes})
}
