package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/predictarena/internal/domain"
)

// AuditReader lists audit log entries.
type AuditReader interface {
	List(ctx context.Context, filter domain.AuditFilter) ([]domain.AuditEntry, error)
}

// AuditHandler serves the audit trail.
type AuditHandler struct {
	audit  AuditReader
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(audit AuditReader, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logger.With(slog.String("handler", "audit"))}
}

// ListAudit returns entries, newest first, filtered by event and round_id.
// GET /api/audit
func (h *AuditHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	entries, err := h.audit.List(r.Context(), domain.AuditFilter{
		ListOpts: opts,
		Event:    q.Get("event"),
		RoundID:  q.Get("round_id"),
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "list audit", err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
