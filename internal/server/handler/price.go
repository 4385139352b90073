package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/predictarena/internal/domain"
	"github.com/alanyoungcy/predictarena/internal/numeric"
)

// PriceHandler exposes the reference price.
type PriceHandler struct {
	ref    domain.PriceReference
	symbol string
}

// NewPriceHandler creates a PriceHandler.
func NewPriceHandler(ref domain.PriceReference, symbol string) *PriceHandler {
	return &PriceHandler{ref: ref, symbol: symbol}
}

type priceResponse struct {
	Symbol    string           `json:"symbol"`
	Price     *numeric.Decimal `json:"price"`
	UpdatedAt *time.Time       `json:"updated_at,omitempty"`
	Stale     bool             `json:"stale"`
}

// GetPrice returns the last observed price and whether it is stale.
// GET /api/price
func (h *PriceHandler) GetPrice(w http.ResponseWriter, r *http.Request) {
	resp := priceResponse{Symbol: h.symbol, Stale: h.ref.IsStale()}
	if p, ok := h.ref.Price(); ok {
		at := h.ref.UpdatedAt().UTC()
		resp.Price = &p
		resp.UpdatedAt = &at
	}
	writeJSON(w, http.StatusOK, resp)
}
