package inventory

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stockroom-erp/stockroom/internal/invoice"
	"github.com/stockroom-erp/stockroom/internal/platform/httpx"
	"github.com/stockroom-erp/stockroom/internal/shared"
	"github.com/stockroom-erp/stockroom/internal/txkind"
)

const dateLayout = "2006-01-02"

// IdempotencyHeader lets clients retry transaction creation safely.
const IdempotencyHeader = "Idempotency-Key"

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/transactions", h.listTransactions)
	r.Get("/transactions/{id}", h.getTransaction)
	r.Get("/products/{id}/stock", h.stockLevel)

	r.Group(func(r chi.Router) {
		r.Use(shared.RequireActor)
		r.Post("/transactions", h.createTransaction)
		r.Delete("/transactions/{id}", h.deleteTransaction)
		r.Post("/transactions/{id}/status", h.setStatus)
		r.Post("/transactions/{id}/items", h.addItem)
		r.Patch("/transactions/{id}/items/{itemID}", h.updateItem)
		r.Delete("/transactions/{id}/items/{itemID}", h.deleteItem)
		r.Post("/stock/integrity", h.verifyIntegrity)
	})
}

type createTransactionRequest struct {
	Type   string      `json:"type"`
	Status string      `json:"status,omitempty"`
	Party  *PartyRef   `json:"party,omitempty"`
	Date   string      `json:"date,omitempty"`
	Notes  string      `json:"notes,omitempty"`
	Items  []ItemInput `json:"items,omitempty"`
}

type setStatusRequest struct {
	Status  string              `json:"status"`
	Serials map[string][]string `json:"serials,omitempty"`
}

func (h *Handler) createTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	typ, err := txkind.ParseType(req.Type)
	if err != nil {
		h.respondError(w, r, fmt.Errorf("%w: %w", ErrValidation, err))
		return
	}
	draft := TransactionDraft{
		Type:           typ,
		Party:          req.Party,
		Notes:          req.Notes,
		Items:          req.Items,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(IdempotencyHeader)),
	}
	if req.Status != "" {
		if draft.Status, err = txkind.ParseStatus(req.Status); err != nil {
			h.respondError(w, r, fmt.Errorf("%w: %w", ErrValidation, err))
			return
		}
	}
	if req.Date != "" {
		if draft.Date, err = time.Parse(dateLayout, req.Date); err != nil {
			h.respondError(w, r, fmt.Errorf("%w: date must be YYYY-MM-DD", ErrValidation))
			return
		}
	}

	actorID, _ := shared.ActorFromContext(r.Context())
	tx, err := h.service.CreateTransaction(r.Context(), actorID, draft)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, tx)
}

func (h *Handler) listTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		filter ListFilter
		err    error
	)
	if raw := q.Get("type"); raw != "" {
		if filter.Type, err = txkind.ParseType(raw); err != nil {
			h.respondError(w, r, fmt.Errorf("%w: %w", ErrValidation, err))
			return
		}
	}
	if raw := q.Get("status"); raw != "" {
		if filter.Status, err = txkind.ParseStatus(raw); err != nil {
			h.respondError(w, r, fmt.Errorf("%w: %w", ErrValidation, err))
			return
		}
	}
	for key, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		if raw := q.Get(key); raw != "" {
			if *dst, err = time.Parse(dateLayout, raw); err != nil {
				h.respondError(w, r, fmt.Errorf("%w: %s must be YYYY-MM-DD", ErrValidation, key))
				return
			}
		}
	}
	for key, dst := range map[string]*int{"page": &filter.Page, "per_page": &filter.PerPage} {
		if raw := q.Get(key); raw != "" {
			if *dst, err = strconv.Atoi(raw); err != nil || *dst < 1 {
				h.respondError(w, r, fmt.Errorf("%w: %s must be a positive integer", ErrValidation, key))
				return
			}
		}
	}

	page, err := h.service.ListTransactions(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, page)
}

func (h *Handler) getTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	tx, err := h.service.GetTransaction(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tx)
}

func (h *Handler) deleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	if err := h.service.DeleteTransaction(r.Context(), actorID, id); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req setStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	status, err := txkind.ParseStatus(req.Status)
	if err != nil {
		h.respondError(w, r, fmt.Errorf("%w: %w", ErrValidation, err))
		return
	}
	var serials map[int64][]string
	if len(req.Serials) > 0 {
		serials = make(map[int64][]string, len(req.Serials))
		for key, set := range req.Serials {
			itemID, err := strconv.ParseInt(key, 10, 64)
			if err != nil || itemID <= 0 {
				h.respondError(w, r, fmt.Errorf("%w: serials key %q is not an item id", ErrValidation, key))
				return
			}
			serials[itemID] = set
		}
	}

	actorID, _ := shared.ActorFromContext(r.Context())
	tx, err := h.service.SetStatus(r.Context(), actorID, id, status, serials)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, tx)
}

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	txID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var in ItemInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	item, err := h.service.AddItem(r.Context(), actorID, txID, in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, item)
}

func (h *Handler) updateItem(w http.ResponseWriter, r *http.Request) {
	txID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	itemID, ok := h.pathID(w, r, "itemID")
	if !ok {
		return
	}
	var upd ItemUpdate
	if err := httpx.DecodeJSON(r, &upd); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	item, err := h.service.UpdateItem(r.Context(), actorID, txID, itemID, upd)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, item)
}

func (h *Handler) deleteItem(w http.ResponseWriter, r *http.Request) {
	txID, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	itemID, ok := h.pathID(w, r, "itemID")
	if !ok {
		return
	}
	actorID, _ := shared.ActorFromContext(r.Context())
	if err := h.service.DeleteItem(r.Context(), actorID, txID, itemID); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) stockLevel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	level, err := h.service.StockLevel(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, level)
}

func (h *Handler) verifyIntegrity(w http.ResponseWriter, r *http.Request) {
	var req IntegrityRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
			return
		}
	}
	report, err := h.service.VerifyStockIntegrity(r.Context(), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", fmt.Sprintf("%s must be a positive integer", name))
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var report *ValidationReport
	if errors.As(err, &report) {
		httpx.ProblemWith(w, httpx.ProblemDetail{
			Title:  "Serial Validation Failed",
			Status: http.StatusUnprocessableEntity,
			Detail: "one or more items failed serial validation",
			Errors: report.Issues(),
		})
		return
	}
	mapped := err
	switch {
	case errors.Is(err, invoice.ErrNumberGenerationExhausted):
		mapped = fmt.Errorf("%w: %s", httpx.ErrUnavailable, err.Error())
	case errors.Is(err, ErrValidation), errors.Is(err, invoice.ErrUnknownType):
		mapped = fmt.Errorf("%w: %s", httpx.ErrValidation, err.Error())
	case errors.Is(err, ErrNotFound):
		mapped = fmt.Errorf("%w: %s", httpx.ErrNotFound, err.Error())
	case errors.Is(err, ErrTransactionCompleted),
		errors.Is(err, ErrItemsLocked),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrDuplicateProductLine),
		errors.Is(err, ErrInvalidSerialState),
		errors.Is(err, ErrConstraintViolation),
		errors.Is(err, ErrNegativeStock),
		errors.Is(err, ErrRepairInProgress),
		errors.Is(err, shared.ErrIdempotencyConflict):
		mapped = fmt.Errorf("%w: %s", httpx.ErrConflict, err.Error())
	default:
		h.logger.Error("inventory request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Any("error", err))
	}
	httpx.RespondError(w, mapped)
}
