package iap

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/code-payments/iap-server/model"
)

type Server struct {
	log          *zap.Logger
	orchestrator *Orchestrator
	catalog      *model.Catalog
	clock        func() time.Time
}

func NewServer(log *zap.Logger, orchestrator *Orchestrator, catalog *model.Catalog) *Server {
	return &Server{
		log:          log,
		orchestrator: orchestrator,
		catalog:      catalog,
		clock:        time.Now,
	}
}

// Routes mounts the API on r.
func (s *Server) Routes(r chi.Router) {
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
	)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/products/{productID}", s.GetProduct)
		r.Post("/purchases", s.Purchase)
		r.Post("/transactions/{transactionID}/finish", s.FinishTransaction)
		r.Post("/restore", s.Restore)
		r.Post("/receipt/verify", s.VerifyReceipt)
		r.Get("/entitlements/{name}", s.GetEntitlement)
	})
}

// Handler returns a router serving the API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	s.Routes(r)
	return r
}

type ProductResponse struct {
	ID             string          `json:"id"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	Price          decimal.Decimal `json:"price"`
	CurrencyCode   string          `json:"currency_code"`
	LocalizedPrice string          `json:"localized_price"`
}

type ProductInfoResponse struct {
	Outcome   string           `json:"outcome"`
	Product   *ProductResponse `json:"product,omitempty"`
	InvalidID string           `json:"invalid_id,omitempty"`
	Feedback  Feedback         `json:"feedback"`
}

type PurchaseRequest struct {
	ProductID  string `json:"product_id"`
	Atomically bool   `json:"atomically"`
}

type PurchaseResponse struct {
	ProductID              string    `json:"product_id"`
	Quantity               int       `json:"quantity"`
	TransactionID          string    `json:"transaction_id"`
	OriginalTransactionID  string    `json:"original_transaction_id,omitempty"`
	NeedsFinishTransaction bool      `json:"needs_finish_transaction"`
	PurchasedAt            time.Time `json:"purchased_at"`
}

type PurchaseResultResponse struct {
	Outcome  string            `json:"outcome"`
	Purchase *PurchaseResponse `json:"purchase,omitempty"`
	Error    string            `json:"error,omitempty"`
	Feedback *Feedback         `json:"feedback,omitempty"`
}

type RestoreRequest struct {
	Atomically bool `json:"atomically"`
}

type RestoreFailureResponse struct {
	ProductID string `json:"product_id,omitempty"`
	Error     string `json:"error"`
}

type RestoreResponse struct {
	Restored []*PurchaseResponse     `json:"restored"`
	Failed   []RestoreFailureResponse `json:"failed"`
	Feedback Feedback                 `json:"feedback"`
}

type ReceiptEntryResponse struct {
	ProductID             string     `json:"product_id"`
	TransactionID         string     `json:"transaction_id"`
	OriginalTransactionID string     `json:"original_transaction_id,omitempty"`
	Quantity              int        `json:"quantity"`
	PurchasedAt           time.Time  `json:"purchased_at"`
	ExpiresAt             *time.Time `json:"expires_at,omitempty"`
	CancelledAt           *time.Time `json:"cancelled_at,omitempty"`
}

type ReceiptResponse struct {
	BundleID string                 `json:"bundle_id,omitempty"`
	Entries  []ReceiptEntryResponse `json:"entries,omitempty"`
	Error    *ReceiptErrorResponse  `json:"error,omitempty"`
	Feedback Feedback               `json:"feedback"`
}

type ReceiptErrorResponse struct {
	Kind   string `json:"kind"`
	Status int    `json:"status,omitempty"`
}

type EntitlementResponse struct {
	Name      string                `json:"name"`
	ProductID string                `json:"product_id"`
	State     string                `json:"state,omitempty"`
	Purchased bool                  `json:"purchased"`
	ExpiresAt *time.Time            `json:"expires_at,omitempty"`
	Error     *ReceiptErrorResponse `json:"error,omitempty"`
	Feedback  Feedback              `json:"feedback"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) GetProduct(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "productID")

	res := s.orchestrator.RequestProductInfo(r.Context(), productID)
	resp := &ProductInfoResponse{
		Outcome:  res.Outcome.String(),
		Feedback: ProductInfoFeedback(res),
	}

	switch res.Outcome {
	case ProductInfoRetrieved:
		resp.Product = toProductResponse(res.Product)
	case ProductInfoInvalidIdentifier:
		resp.InvalidID = res.InvalidID
		render.Status(r, http.StatusNotFound)
	default:
		render.Status(r, http.StatusBadGateway)
	}
	render.JSON(w, r, resp)
}

func (s *Server) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil || req.ProductID == "" {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, &ErrorResponse{Error: "invalid request body"})
		return
	}

	res := s.orchestrator.Purchase(r.Context(), req.ProductID, req.Atomically)
	resp := &PurchaseResultResponse{
		Outcome:  res.Outcome.String(),
		Purchase: toPurchaseResponse(res.Purchase),
	}
	if res.Err != nil {
		resp.Error = res.Err.Code.String()
	}
	if feedback, ok := PurchaseFeedback(res); ok {
		resp.Feedback = &feedback
	}

	if res.Outcome == PurchaseFailed {
		render.Status(r, http.StatusUnprocessableEntity)
	}
	render.JSON(w, r, resp)
}

func (s *Server) FinishTransaction(w http.ResponseWriter, r *http.Request) {
	ref := TransactionRef(chi.URLParam(r, "transactionID"))

	err := s.orchestrator.Finish(r.Context(), ref)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
		return
	case errors.Is(err, ErrNotFound):
		render.Status(r, http.StatusNotFound)
	case errors.Is(err, ErrAlreadyFinished):
		render.Status(r, http.StatusConflict)
	default:
		render.Status(r, http.StatusInternalServerError)
	}
	render.JSON(w, r, &ErrorResponse{Error: err.Error()})
}

func (s *Server) Restore(w http.ResponseWriter, r *http.Request) {
	var req RestoreRequest
	if r.ContentLength != 0 {
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, &ErrorResponse{Error: "invalid request body"})
			return
		}
	}

	res := s.orchestrator.Restore(r.Context(), req.Atomically)
	resp := &RestoreResponse{
		Restored: make([]*PurchaseResponse, 0, len(res.Restored)),
		Failed:   make([]RestoreFailureResponse, 0, len(res.Failed)),
		Feedback: RestoreFeedback(res),
	}
	for _, p := range res.Restored {
		resp.Restored = append(resp.Restored, toPurchaseResponse(p))
	}
	for _, f := range res.Failed {
		failure := RestoreFailureResponse{ProductID: f.ProductID, Error: "unknown error"}
		if f.Err != nil {
			failure.Error = f.Err.Error()
		}
		resp.Failed = append(resp.Failed, failure)
	}
	render.JSON(w, r, resp)
}

func (s *Server) VerifyReceipt(w http.ResponseWriter, r *http.Request) {
	res := s.orchestrator.VerifyReceipt(r.Context())
	resp := &ReceiptResponse{Feedback: ReceiptFeedback(res)}

	if res.Err != nil {
		resp.Error = toReceiptErrorResponse(res.Err)
		render.Status(r, receiptErrorStatus(res.Err))
		render.JSON(w, r, resp)
		return
	}

	resp.BundleID = res.Receipt.BundleID
	for _, e := range res.Receipt.Entries {
		resp.Entries = append(resp.Entries, toReceiptEntryResponse(e))
	}
	render.JSON(w, r, resp)
}

func (s *Server) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	purchase, productID, err := s.catalog.Lookup(name)
	if err != nil {
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, &ErrorResponse{Error: err.Error()})
		return
	}

	at := s.clock()
	if v := r.URL.Query().Get("at"); v != "" {
		at, err = time.Parse(time.RFC3339, v)
		if err != nil {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, &ErrorResponse{Error: "at must be an RFC 3339 timestamp"})
			return
		}
	}

	log := s.log.With(
		zap.String("name", name),
		zap.String("product_id", productID),
		zap.Time("at", at),
	)

	res := s.orchestrator.VerifyEntitlement(r.Context(), purchase.Kind, productID, at)
	resp := &EntitlementResponse{
		Name:      name,
		ProductID: productID,
		Feedback:  EntitlementFeedback(res),
	}

	if res.Err != nil {
		resp.Error = toReceiptErrorResponse(res.Err)
		render.Status(r, receiptErrorStatus(res.Err))
		render.JSON(w, r, resp)
		return
	}

	resp.Purchased = res.Status.Purchased()
	switch status := res.Status.(type) {
	case SubscriptionStatus:
		resp.State = status.State.String()
		resp.ExpiresAt = optionalTime(status.ExpiresAt)
	case PurchaseStatus:
		resp.State = status.String()
	}

	log.Debug("Verified entitlement", zap.Stringer("status", res.Status))
	render.JSON(w, r, resp)
}

func receiptErrorStatus(err *ReceiptError) int {
	switch err.Kind {
	case ReceiptErrorNoReceiptData:
		return http.StatusNotFound
	case ReceiptErrorNetwork:
		return http.StatusServiceUnavailable
	case ReceiptErrorReceiptInvalid:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func toProductResponse(p *Product) *ProductResponse {
	if p == nil {
		return nil
	}
	return &ProductResponse{
		ID:             p.ID,
		Title:          p.Title,
		Description:    p.Description,
		Price:          p.Price,
		CurrencyCode:   p.CurrencyCode,
		LocalizedPrice: p.LocalizedPrice(),
	}
}

func toPurchaseResponse(p *Purchase) *PurchaseResponse {
	if p == nil {
		return nil
	}
	return &PurchaseResponse{
		ProductID:              p.ProductID,
		Quantity:               p.Quantity,
		TransactionID:          p.Transaction.String(),
		OriginalTransactionID:  p.OriginalTransaction.String(),
		NeedsFinishTransaction: p.NeedsFinishTransaction,
		PurchasedAt:            p.PurchasedAt,
	}
}

func toReceiptEntryResponse(e ReceiptEntry) ReceiptEntryResponse {
	return ReceiptEntryResponse{
		ProductID:             e.ProductID,
		TransactionID:         e.TransactionID,
		OriginalTransactionID: e.OriginalTransactionID,
		Quantity:              e.Quantity,
		PurchasedAt:           e.PurchasedAt,
		ExpiresAt:             optionalTime(e.ExpiresAt),
		CancelledAt:           optionalTime(e.CancelledAt),
	}
}

func toReceiptErrorResponse(err *ReceiptError) *ReceiptErrorResponse {
	return &ReceiptErrorResponse{Kind: err.Kind.String(), Status: err.Status}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
