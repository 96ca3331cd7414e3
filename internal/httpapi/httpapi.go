package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"lanzo/backend/internal/domain"
	"lanzo/backend/internal/inventory"
	"lanzo/backend/internal/service"
	"lanzo/backend/internal/store"
)

type API struct {
	service       *service.Service
	logger        *zap.Logger
	allowedOrigin string
}

func New(svc *service.Service, logger *zap.Logger, allowedOrigin string) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{
		service:       svc,
		logger:        logger.Named("http"),
		allowedOrigin: allowedOrigin,
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{a.allowedOrigin},
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(a.withMiddleware)

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/products", func(r chi.Router) {
			r.Get("/", a.handleListProducts)
			r.Post("/", a.handleCreateProduct)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.handleGetProduct)
				r.Patch("/", a.handleUpdateProduct)
				r.Get("/price", a.handlePrice)
				r.Get("/wholesale-check", a.handleWholesaleCheck)
				r.Get("/batches", a.handleListBatches)
				r.Post("/stock", a.handleCorrectStock)
			})
		})
		r.Post("/batches", a.handleReceiveBatch)
		r.Patch("/batches/{id}", a.handleUpdateBatch)

		r.Post("/sales", a.handleCompleteSale)
		r.Post("/sales/{timestamp}/cancel", a.handleCancelSale)

		r.Get("/waste", a.handleListWaste)
		r.Post("/waste", a.handleRecordWaste)

		r.Get("/stats", a.handleStats)
		r.Get("/stats/daily", a.handleDailyStats)

		r.Get("/inventory/value", a.handleInventoryValue)
		r.Post("/inventory/recalculate", a.handleRecalculate)
	})
	return r
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := a.service.ListProducts(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (a *API) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	product, err := a.service.CreateProduct(r.Context(), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, product)
}

func (a *API) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	product, err := a.service.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	var req domain.ProductUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	product, err := a.service.UpdateProduct(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handlePrice(w http.ResponseWriter, r *http.Request) {
	qty, err := parseQuantity(r.URL.Query().Get("qty"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	quote, err := a.service.Quote(r.Context(), chi.URLParam(r, "id"), qty, r.URL.Query().Get("batch_id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (a *API) handleWholesaleCheck(w http.ResponseWriter, r *http.Request) {
	qty, err := parseQuantity(r.URL.Query().Get("qty"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	check, err := a.service.CheckWholesale(r.Context(), chi.URLParam(r, "id"), qty)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (a *API) handleListBatches(w http.ResponseWriter, r *http.Request) {
	includeInactive, _ := strconv.ParseBool(r.URL.Query().Get("include_inactive"))
	batches, err := a.service.ListBatches(r.Context(), chi.URLParam(r, "id"), includeInactive)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": batches})
}

func (a *API) handleCorrectStock(w http.ResponseWriter, r *http.Request) {
	var req domain.StockCorrectionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	product, err := a.service.CorrectStock(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, product)
}

func (a *API) handleReceiveBatch(w http.ResponseWriter, r *http.Request) {
	var req domain.BatchReceiveRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	batch, err := a.service.ReceiveBatch(r.Context(), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, batch)
}

type batchUpdateRequest struct {
	SKU        string            `json:"sku"`
	Stock      decimal.Decimal   `json:"stock"`
	CostCents  int64             `json:"cost_cents"`
	PriceCents int64             `json:"price_cents"`
	ExpiryDate *time.Time        `json:"expiry_date,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (a *API) handleUpdateBatch(w http.ResponseWriter, r *http.Request) {
	var req batchUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	batch, err := a.service.UpdateBatch(r.Context(), domain.Batch{
		ID:         chi.URLParam(r, "id"),
		SKU:        req.SKU,
		Stock:      req.Stock,
		CostCents:  req.CostCents,
		PriceCents: req.PriceCents,
		ExpiryDate: req.ExpiryDate,
		Attributes: req.Attributes,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

func (a *API) handleCompleteSale(w http.ResponseWriter, r *http.Request) {
	var req domain.SaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	sale, err := a.service.CompleteSale(r.Context(), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sale)
}

func (a *API) handleCancelSale(w http.ResponseWriter, r *http.Request) {
	timestamp, err := time.Parse(time.RFC3339Nano, chi.URLParam(r, "timestamp"))
	if err != nil {
		writeBadRequest(w, fmt.Errorf("timestamp must be RFC 3339: %w", err))
		return
	}
	sale, err := a.service.CancelSale(r.Context(), timestamp)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sale)
}

func (a *API) handleRecordWaste(w http.ResponseWriter, r *http.Request) {
	var req domain.WasteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	record, err := a.service.RecordWaste(r.Context(), req)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (a *API) handleListWaste(w http.ResponseWriter, r *http.Request) {
	loc := a.service.Location()
	from, err := parseDate(r.URL.Query().Get("from"), loc)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	to, err := parseDate(r.URL.Query().Get("to"), loc)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if !to.IsZero() {
		// "to" names a whole day.
		to = to.AddDate(0, 0, 1)
	}
	records, err := a.service.ListWaste(r.Context(), from, to)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	rebuild, _ := strconv.ParseBool(r.URL.Query().Get("rebuild"))
	totals, err := a.service.LoadTotals(r.Context(), rebuild)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, totals)
}

func (a *API) handleDailyStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.service.ListDailyStats(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": stats})
}

func (a *API) handleInventoryValue(w http.ResponseWriter, r *http.Request) {
	value, err := a.service.InventoryValue(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inventory_value_cents": value})
}

func (a *API) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	value, err := a.service.Recalculate(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inventory_value_cents": value})
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		startedAt := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(startedAt)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func statusFor(err error) int {
	var cascade *inventory.CascadeError
	switch {
	case errors.As(err, &cascade):
		return http.StatusConflict
	case errors.Is(err, store.ErrInvalidTransaction):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInsufficientStock):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status >= 500 {
		a.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
		msg = "internal server error"
	}
	body := map[string]any{"error": msg}
	var cascade *inventory.CascadeError
	if errors.As(err, &cascade) {
		body["ingredient_id"] = cascade.IngredientID
		body["applied"] = cascade.Applied
	}
	writeJSON(w, status, body)
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parseQuantity(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.NewFromInt(1), nil
	}
	qty, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("qty must be a number")
	}
	return qty, nil
}

// parseDate reads a calendar day in the zone that bounds stats days.
func parseDate(raw string, loc *time.Location) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	day, err := time.ParseInLocation(domain.DateLayout, raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("date must be YYYY-MM-DD")
	}
	return day, nil
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
