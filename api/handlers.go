/*
handlers.go - HTTP API handlers for the dispensary hub

PURPOSE:
  Exposes the inventory ledger and dispense engine via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to
  domain logic.

ENDPOINTS:
  Members:
    GET    /api/members                    List all members
    POST   /api/members                    Create member
    GET    /api/members/{id}               Get member details
    PUT    /api/members/{id}               Update member profile
    DELETE /api/members/{id}               Delete member master data
    POST   /api/members/{id}/verify        Append a verification event
    GET    /api/members/{id}/verifications Verification history
    GET    /api/members/{id}/status        Status + eligibility
    GET    /api/members/{id}/orders        Order history
    GET    /api/members/{id}/contributions Contribution ledger + balance

  Catalog:
    CRUD   /api/suppliers, /api/products
    GET    /api/products/{id}/batches      List batches
    POST   /api/products/{id}/batches      Create batch
    GET    /api/products/{id}/stock        Projected on-hand stock

  Inventory:
    POST   /api/inventory/receive|adjust|waste|transfer
    GET    /api/inventory/movements        Movement history

  Dispense:
    POST   /api/dispense                   Run a dispense transaction
    GET    /api/orders/{id}                Order lookup

  Audit:
    GET    /api/audit                      Query the audit trail

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input
  3. Call domain logic (ledger, gate, coordinator)
  4. Serialize response
  5. Handle errors

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input
  - 404: Resource not found
  - 409: Business rejection, idempotency conflict
  - 503: Transient storage fault, retry with the same key
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - staff.go: Staff attribution
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/verdant/dispensary-hub/audit"
	"github.com/verdant/dispensary-hub/contrib"
	"github.com/verdant/dispensary-hub/dispense"
	"github.com/verdant/dispensary-hub/ledger"
	"github.com/verdant/dispensary-hub/member"
	"github.com/verdant/dispensary-hub/store/sqlite"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       *sqlite.Store
	Projector   *ledger.StockProjector
	Gate        *member.Gate
	Coordinator *dispense.Coordinator
	Recorder    *audit.Recorder

	clock func() time.Time
	newID func() string
}

// NewHandler creates a handler with all dependencies.
func NewHandler(
	store *sqlite.Store,
	projector *ledger.StockProjector,
	gate *member.Gate,
	coordinator *dispense.Coordinator,
	recorder *audit.Recorder,
) *Handler {
	return &Handler{
		Store:       store,
		Projector:   projector,
		Gate:        gate,
		Coordinator: coordinator,
		Recorder:    recorder,
		clock:       func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

// ListMembers returns all members.
// GET /api/members
func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.Store.ListMembers(r.Context())
	if err != nil {
		h.handleError(w, err)
		return
	}
	dtos := make([]MemberDTO, 0, len(members))
	for _, m := range members {
		dtos = append(dtos, toMemberDTO(m))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateMember registers a new member. Status always starts PENDING;
// there is no way to create a pre-verified member.
// POST /api/members
func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	var req SaveMemberRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MemberNumber == "" || req.FirstName == "" || req.LastName == "" {
		writeError(w, http.StatusBadRequest, "member_number, first_name and last_name are required")
		return
	}

	now := h.clock()
	m := member.Member{
		ID:           member.MemberID(h.newID()),
		MemberNumber: req.MemberNumber,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		DateOfBirth:  req.DateOfBirth,
		Phone:        req.Phone,
		Email:        req.Email,
		Status:       member.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := h.Store.SaveMember(r.Context(), m); err != nil {
		h.handleError(w, err)
		return
	}
	h.audit(r, audit.KindMemberCreated, "member", string(m.ID), map[string]any{
		"member_number": m.MemberNumber,
	})
	writeJSON(w, http.StatusCreated, toMemberDTO(m))
}

// GetMember returns one member.
// GET /api/members/{id}
func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	m, err := h.Store.GetMember(r.Context(), member.MemberID(chi.URLParam(r, "id")))
	if err != nil {
		h.handleError(w, err)
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "member not found")
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(*m))
}

// UpdateMember updates a member's profile fields. Status cannot be set
// here: it only moves through verification events.
// PUT /api/members/{id}
func (h *Handler) UpdateMember(w http.ResponseWriter, r *http.Request) {
	id := member.MemberID(chi.URLParam(r, "id"))
	existing, err := h.Store.GetMember(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "member not found")
		return
	}

	var req SaveMemberRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.MemberNumber != "" {
		existing.MemberNumber = req.MemberNumber
	}
	if req.FirstName != "" {
		existing.FirstName = req.FirstName
	}
	if req.LastName != "" {
		existing.LastName = req.LastName
	}
	if req.DateOfBirth != "" {
		existing.DateOfBirth = req.DateOfBirth
	}
	if req.Phone != "" {
		existing.Phone = req.Phone
	}
	if req.Email != "" {
		existing.Email = req.Email
	}
	existing.UpdatedAt = h.clock()

	if err := h.Store.SaveMember(r.Context(), *existing); err != nil {
		h.handleError(w, err)
		return
	}
	h.audit(r, audit.KindMemberUpdated, "member", string(id), nil)
	writeJSON(w, http.StatusOK, toMemberDTO(*existing))
}

// DeleteMember removes member master data. The verification history
// and every ledger entry referencing the member survive.
// DELETE /api/members/{id}
func (h *Handler) DeleteMember(w http.ResponseWriter, r *http.Request) {
	id := member.MemberID(chi.URLParam(r, "id"))
	existing, err := h.Store.GetMember(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "member not found")
		return
	}
	if err := h.Store.DeleteMember(r.Context(), id); err != nil {
		h.handleError(w, err)
		return
	}
	h.audit(r, audit.KindMemberDeleted, "member", string(id), nil)
	w.WriteHeader(http.StatusNoContent)
}

// VerifyMember appends one verification event and returns it. The
// member's cached status is refreshed from the updated history by the
// storage layer.
// POST /api/members/{id}/verify
func (h *Handler) VerifyMember(w http.ResponseWriter, r *http.Request) {
	id := member.MemberID(chi.URLParam(r, "id"))
	existing, err := h.Store.GetMember(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "member not found")
		return
	}

	var req VerifyMemberRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	outcome := member.Outcome(req.Outcome)
	if !member.KnownOutcome(outcome) {
		writeError(w, http.StatusBadRequest, "outcome must be VERIFIED or REJECTED")
		return
	}

	event := member.VerificationEvent{
		ID:          member.VerificationID(h.newID()),
		MemberID:    id,
		Outcome:     outcome,
		VerifiedBy:  StaffFrom(r.Context()),
		Notes:       req.Notes,
		DocumentRef: req.DocumentRef,
		OccurredAt:  h.clock(),
	}
	if err := h.Store.AppendVerification(r.Context(), event); err != nil {
		h.handleError(w, err)
		return
	}
	h.audit(r, audit.KindMemberVerified, "member", string(id), map[string]any{
		"outcome": string(outcome),
	})
	writeJSON(w, http.StatusCreated, VerificationDTO{
		ID:          string(event.ID),
		Outcome:     string(event.Outcome),
		VerifiedBy:  string(event.VerifiedBy),
		Notes:       event.Notes,
		DocumentRef: event.DocumentRef,
		OccurredAt:  event.OccurredAt.Format(time.RFC3339),
	})
}

// ListVerifications returns a member's verification history.
// GET /api/members/{id}/verifications
func (h *Handler) ListVerifications(w http.ResponseWriter, r *http.Request) {
	events, err := h.Store.VerificationsByMember(r.Context(), member.MemberID(chi.URLParam(r, "id")))
	if err != nil {
		h.handleError(w, err)
		return
	}
	dtos := make([]VerificationDTO, 0, len(events))
	for _, e := range events {
		dtos = append(dtos, VerificationDTO{
			ID:          string(e.ID),
			Outcome:     string(e.Outcome),
			VerifiedBy:  string(e.VerifiedBy),
			Notes:       e.Notes,
			DocumentRef: e.DocumentRef,
			OccurredAt:  e.OccurredAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetMemberStatus returns the projected status plus the eligibility
// gate's answer.
// GET /api/members/{id}/status
func (h *Handler) GetMemberStatus(w http.ResponseWriter, r *http.Request) {
	id := member.MemberID(chi.URLParam(r, "id"))
	m, err := h.Store.GetMember(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "member not found")
		return
	}
	eligible, err := h.Gate.EligibleToTransact(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, EligibilityDTO{
		MemberID: string(id),
		Status:   string(m.Status),
		Eligible: eligible,
	})
}

// ListMemberOrders returns a member's orders, newest first.
// GET /api/members/{id}/orders
func (h *Handler) ListMemberOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.Store.ListOrdersByMember(r.Context(), member.MemberID(chi.URLParam(r, "id")))
	if err != nil {
		h.handleError(w, err)
		return
	}
	dtos := make([]OrderDTO, 0, len(orders))
	for _, o := range orders {
		dtos = append(dtos, toOrderDTO(o, nil))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetMemberContributions returns the member's contribution entries and
// folded balance.
// GET /api/members/{id}/contributions
func (h *Handler) GetMemberContributions(w http.ResponseWriter, r *http.Request) {
	id := member.MemberID(chi.URLParam(r, "id"))
	entries, err := h.Store.ContributionsByMember(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	dtos := make([]ContributionDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toContributionDTO(e))
	}
	writeJSON(w, http.StatusOK, ContributionSummaryDTO{
		MemberID: string(id),
		Balance:  contrib.Balance(entries).String(),
		Entries:  dtos,
	})
}

// =============================================================================
// SUPPLIER HANDLERS
// =============================================================================

// ListSuppliers returns all suppliers.
// GET /api/suppliers
func (h *Handler) ListSuppliers(w http.ResponseWriter, r *http.Request) {
	suppliers, err := h.Store.ListSuppliers(r.Context())
	if err != nil {
		h.handleError(w, err)
		return
	}
	dtos := make([]SupplierDTO, 0, len(suppliers))
	for _, s := range suppliers {
		dtos = append(dtos, toSupplierDTO(s))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateSupplier creates a supplier.
// POST /api/suppliers
func (h *Handler) CreateSupplier(w http.ResponseWriter, r *http.Request) {
	var req SaveSupplierRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Code == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "code and name are required")
		return
	}

	now := h.clock()
	sup := sqlite.Supplier{
		ID:        h.newID(),
		Code:      req.Code,
		Name:      req.Name,
		Contact:   req.Contact,
		Phone:     req.Phone,
		Email:     req.Email,
		Active:    req.Active == nil || *req.Active,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.Store.SaveSupplier(r.Context(), sup); err != nil {
		h.handleError(w, err)
		return
	}
	h.audit(r, audit.KindMasterDataChanged, "supplier", sup.ID, map[string]any{"action": "created"})
	writeJSON(w, http.StatusCreated, toSupplierDTO(sup))
}

// GetSupplier returns one supplier.
// GET /api/suppliers/{id}
func (h *Handler) GetSupplier(w http.ResponseWriter, r *http.Request) {
	sup, err := h.Store.GetSupplier(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.handleError(w, err)
		return
	}
	if sup == nil {
		writeError(w, http.StatusNotFound, "supplier not found")
		return
	}
	writeJSON(w, http.StatusOK, toSupplierDTO(*sup))
}

// UpdateSupplier updates supplier master data.
// PUT /api/suppliers/{id}
func (h *Handler) UpdateSupplier(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := h.Store.GetSupplier(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "supplier not found")
		return
	}

	var req SaveSupplierRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Code != "" {
		existing.Code = req.Code
	}
	if req.Name != "" {
		existing.Name = req.Name
	}
	if req.Contact != "" {
		existing.Contact = req.Contact
	}
	if req.Phone != "" {
		existing.Phone = req.Phone
	}
	if req.Email != "" {
		existing.Email = req.Email
	}
	if req.Active != nil {
		existing.Active = *req.Active
	}
	existing.UpdatedAt = h.clock()

	if err := h.Store.SaveSupplier(r.Context(), *existing); err != nil {
		h.handleError(w, err)
		return
	}
	h.audit(r, audit.KindMasterDataChanged, "supplier", id, map[string]any{"action": "updated"})
	writeJSON(w, http.StatusOK, toSupplierDTO(*existing))
}

// DeleteSupplier removes a supplier.
// DELETE /api/suppliers/{id}
func (h *Handler) DeleteSupplier(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Store.DeleteSupplier(r.Context(), id); err != nil {
		h.handleError(w, err)
		return
	}
	h.audit(r, audit.KindMasterDataChanged, "supplier", id, map[string]any{"action": "deleted"})
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// PRODUCT / BATCH HANDLERS
// =============================================================================

// ListProducts returns all products.
// GET /api/products
func (h *Handler) ListProducts(w http.ResponseWriter, r *http.Request) {
	products, err := h.Store.ListProducts(r.Context())
	if err != nil {
		h.handleError(w, err)
		return
	}
	dtos := make([]ProductDTO, 0, len(products))
	for _, p := range products {
		dtos = append(dtos, toProductDTO(p))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateProduct creates a product. The unit price recorded here is the
// current list price; order lines freeze their own copy at dispense.
// POST /api/products
func (h *Handler) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req SaveProductRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SKU == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "sku and name are required")
		return
	}
	price := ledger.ZeroMoney()
	if req.UnitPrice != "" {
		var err error
		price, err = ledger.NewMoneyFromString(req.UnitPrice)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unit_price must be a decimal number")
			return
		}
	}
	if price.IsNegative() {
		writeError(w, http.StatusBadRequest, "unit_price cannot be negative")
		return
	}

	now := h.clock()
	p := sqlite.Product{
		ID:         ledger.ProductID(h.newID()),
		SKU:        req.SKU,
		Name:       req.Name,
		Category:   req.Category,
		Unit:       req.Unit,
		UnitPrice:  price,
		SupplierID: req.SupplierID,
		Active:     req.Active == nil || *req.Active,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if p.Unit == "" {
		p.Unit = "g"
	}
	if err := h.Store.SaveProduct(r.Context(), p); err != nil {
		h.handleError(w, err)
		return
	}
	h.audit(r, audit.KindMasterDataChanged, "product", string(p.ID), map[string]any{"action": "created"})
	writeJSON(w, http.StatusCreated, toProductDTO(p))
}

// GetProduct returns one product.
// GET /api/products/{id}
func (h *Handler) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetProduct(r.Context(), ledger.ProductID(chi.URLParam(r, "id")))
	if err != nil {
		h.handleError(w, err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "product not found")
		return
	}
	writeJSON(w, http.StatusOK, toProductDTO(*p))
}

// UpdateProduct updates product master data. Historical movements and
// frozen order lines are unaffected.
// PUT /api/products/{id}
func (h *Handler) UpdateProduct(w http.ResponseWriter, r *http.Request) {
	id := ledger.ProductID(chi.URLParam(r, "id"))
	existing, err := h.Store.GetProduct(r.Context(), id)
	if err != nil {
		h.handleError(w, err)
		return
	}
	if existing == nil {
		writeError(w, http.StatusNotFound, "product not found")
		return
	}

	var req SaveProductRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.SKU != "" {
		existing.SKU = req.SKU
	}
	if req.Name != "" {
		existing.Name = req.Name
	}
	if req.Category != "" {
		existing.Category = req.Category
	}
	if req.Unit != "" {
		existing.Unit = req.Unit
	}
	if req.UnitPrice != "" {
		price, err := ledger.NewMoneyFromString(req.UnitPrice)
		if err != nil {
			writeError(w, http.StatusBadRequest, "unit_price must be a decimal number")
			return
		}
		if price.IsNegative() {
			writeError(w, http.StatusBadRequest, "unit_price cannot be negative")
			return
		}
		existing.UnitPrice = price
	}
	if req.SupplierID != "" {
		existing.SupplierID = req.SupplierID
	}
	if req.Active != nil {
		existing.Active = *req.Active
	}
	existing.UpdatedAt = h.clock()

	if err := h.Store.SaveProduct(r.Context(), *existing); err != nil {
		h.handleError(w, err)
		return
	}
	h.audit(r, audit.KindMasterDataChanged, "product", string(id), map[string]any{"action": "updated"})
	writeJSON(w, http.StatusOK, toProductDTO(*existing))
}

// DeleteProduct removes product master data. The movement history
// referencing the product is append-only and survives.
// DELETE /api/products/{id}
func (h *Handler) DeleteProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.Store.DeleteProduct(r.Context(), ledger.ProductID(id)); err != nil {
		h.handleError(w, err)
		return
	}
	h.audit(r, audit.KindMasterDataChanged, "product", id, map[string]any{"action": "deleted"})
	w.WriteHeader(http.StatusNoContent)
}

// ListBatches returns a product's batches.
// GET /api/products/{id}/batches
func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	batches, err := h.Store.ListBatchesByProduct(r.Context(), ledger.ProductID(chi.URLParam(r, "id")))
	if err != nil {
		h.handleError(w, err)
		return
	}
	dtos := make([]BatchDTO, 0, len(batches))
	for _, b := range batches {
		dtos = append(dtos, toBatchDTO(b))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateBatch creates a batch under a product.
// POST /api/products/{id}/batches
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	productID := ledger.ProductID(chi.URLParam(r, "id"))
	p, err := h.Store.GetProduct(r.Context(), productID)
	if err != nil {
		h.handleError(w, err)
		return
	}
	if p == nil {
		writeError(w, http.StatusNotFound, "product not found")
		return
	}

	var req SaveBatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.LotCode == "" {
		writeError(w, http.StatusBadRequest, "lot_code is required")
		return
	}

	b := sqlite.Batch{
		ID:        ledger.BatchID(h.newID()),
		ProductID: productID,
		LotCode:   req.LotCode,
		CreatedAt: h.clock(),
	}
	if req.ExpiresAt != "" {
		expires, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "expires_at must be RFC3339")
			return
		}
		b.ExpiresAt = &expires
	}
	if err := h.Store.SaveBatch(r.Context(), b); err != nil {
		h.handleError(w, err)
		return
	}
	h.audit(r, audit.KindMasterDataChanged, "batch", string(b.ID), map[string]any{"action": "created"})
	writeJSON(w, http.StatusCreated, toBatchDTO(b))
}

func toBatchDTO(b sqlite.Batch) BatchDTO {
	dto := BatchDTO{
		ID:        string(b.ID),
		ProductID: string(b.ProductID),
		LotCode:   b.LotCode,
	}
	if b.ExpiresAt != nil {
		dto.ExpiresAt = b.ExpiresAt.Format(time.RFC3339)
	}
	return dto
}

// GetStock returns projected on-hand stock for a product, optionally
// narrowed to a batch or to a historical instant.
// GET /api/products/{id}/stock?batch=&as_of=
func (h *Handler) GetStock(w http.ResponseWriter, r *http.Request) {
	key := ledger.StockKey{
		ProductID: ledger.ProductID(chi.URLParam(r, "id")),
		BatchID:   ledger.BatchID(r.URL.Query().Get("batch")),
	}

	dto := StockDTO{ProductID: string(key.ProductID), BatchID: string(key.BatchID)}
	if asOfParam := r.URL.Query().Get("as_of"); asOfParam != "" {
		asOf, err := time.Parse(time.RFC3339, asOfParam)
		if err != nil {
			writeError(w, http.StatusBadRequest, "as_of must be RFC3339")
			return
		}
		available, err := h.Projector.AvailableAt(r.Context(), key, asOf)
		if err != nil {
			h.handleError(w, err)
			return
		}
		dto.Available = available.String()
		dto.AsOf = asOf.Format(time.RFC3339)
	} else {
		available, err := h.Projector.Available(r.Context(), key)
		if err != nil {
			h.handleError(w, err)
			return
		}
		dto.Available = available.String()
	}
	writeJSON(w, http.StatusOK, dto)
}

// =============================================================================
// INVENTORY LEDGER HANDLERS
// =============================================================================

// ReceiveStock records stock in from a supplier.
// POST /api/inventory/receive
func (h *Handler) ReceiveStock(w http.ResponseWriter, r *http.Request) {
	h.recordMovement(w, r, ledger.MovementReceive)
}

// AdjustStock records a manual correction, either sign.
// POST /api/inventory/adjust
func (h *Handler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	h.recordMovement(w, r, ledger.MovementAdjust)
}

// RecordWaste records destruction or spoilage. Guarded: rejected if it
// would drive stock negative.
// POST /api/inventory/waste
func (h *Handler) RecordWaste(w http.ResponseWriter, r *http.Request) {
	h.recordMovement(w, r, ledger.MovementWaste)
}

// TransferStock records a movement between locations.
// POST /api/inventory/transfer
func (h *Handler) TransferStock(w http.ResponseWriter, r *http.Request) {
	h.recordMovement(w, r, ledger.MovementTransfer)
}

// recordMovement appends one movement and its audit event in a single
// unit of work, then drops the projector's cache entry for the key.
func (h *Handler) recordMovement(w http.ResponseWriter, r *http.Request, mvType ledger.MovementType) {
	var req MovementRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ProductID == "" {
		writeError(w, http.StatusBadRequest, "product_id is required")
		return
	}
	qty, err := ledger.NewQuantityFromString(req.Quantity)
	if err != nil {
		writeError(w, http.StatusBadRequest, "quantity must be a decimal number")
		return
	}

	mv := ledger.Movement{
		ID:             ledger.MovementID(h.newID()),
		ProductID:      ledger.ProductID(req.ProductID),
		BatchID:        ledger.BatchID(req.BatchID),
		Type:           mvType,
		Quantity:       qty,
		FromLocation:   req.FromLocation,
		ToLocation:     req.ToLocation,
		Reason:         req.Reason,
		RecordedBy:     StaffFrom(r.Context()),
		OccurredAt:     h.clock(),
		IdempotencyKey: req.IdempotencyKey,
	}
	normalized, err := ledger.Normalize(mv)
	if err != nil {
		h.handleError(w, err)
		return
	}

	err = h.Store.WithTx(r.Context(), func(uow dispense.UnitOfWork) error {
		movements := ledger.NewMovementLedger(uow.MovementStore())
		if err := movements.Append(r.Context(), normalized); err != nil {
			return err
		}
		return uow.AppendAudit(r.Context(), audit.Event{
			ID:         audit.EventID(h.newID()),
			ActorType:  audit.ActorStaff,
			ActorID:    string(normalized.RecordedBy),
			Kind:       audit.KindMovementRecorded,
			EntityType: "movement",
			EntityID:   string(normalized.ID),
			Payload: map[string]any{
				"type":       string(normalized.Type),
				"product_id": string(normalized.ProductID),
				"quantity":   normalized.Quantity.String(),
			},
			OccurredAt: normalized.OccurredAt,
		})
	})
	if err != nil {
		h.handleError(w, err)
		return
	}

	// Per-request ledgers have no observers; invalidate explicitly.
	h.Projector.Invalidate(normalized.Key())
	writeJSON(w, http.StatusCreated, toMovementDTO(normalized))
}

// ListMovements returns the movement history for a product, optionally
// narrowed to a batch.
// GET /api/inventory/movements?product_id=&batch=
func (h *Handler) ListMovements(w http.ResponseWriter, r *http.Request) {
	productID := r.URL.Query().Get("product_id")
	if productID == "" {
		writeError(w, http.StatusBadRequest, "product_id is required")
		return
	}

	var (
		movements []ledger.Movement
		err       error
	)
	if batch := r.URL.Query().Get("batch"); batch != "" {
		movements, err = h.Store.Load(r.Context(), ledger.StockKey{
			ProductID: ledger.ProductID(productID),
			BatchID:   ledger.BatchID(batch),
		})
	} else {
		movements, err = h.Store.LoadByProduct(r.Context(), ledger.ProductID(productID))
	}
	if err != nil {
		h.handleError(w, err)
		return
	}

	dtos := make([]MovementDTO, 0, len(movements))
	for _, m := range movements {
		dtos = append(dtos, toMovementDTO(m))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// DISPENSE HANDLERS
// =============================================================================

// Dispense runs one dispense transaction end to end.
// POST /api/dispense
func (h *Handler) Dispense(w http.ResponseWriter, r *http.Request) {
	var req DispenseRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	lines := make([]dispense.RequestLine, 0, len(req.Lines))
	for _, l := range req.Lines {
		qty, err := ledger.NewQuantityFromString(l.Quantity)
		if err != nil {
			writeError(w, http.StatusBadRequest, "quantity must be a decimal number")
			return
		}
		line := dispense.RequestLine{
			ProductID: ledger.ProductID(l.ProductID),
			BatchID:   ledger.BatchID(l.BatchID),
			Quantity:  qty,
		}
		if l.UnitPrice != "" {
			price, err := ledger.NewMoneyFromString(l.UnitPrice)
			if err != nil {
				writeError(w, http.StatusBadRequest, "unit_price must be a decimal number")
				return
			}
			line.UnitPrice = price
		} else {
			// Default to the product's current list price.
			p, err := h.Store.GetProduct(r.Context(), line.ProductID)
			if err != nil {
				h.handleError(w, err)
				return
			}
			if p == nil {
				writeError(w, http.StatusBadRequest, "unknown product "+l.ProductID)
				return
			}
			line.UnitPrice = p.UnitPrice
		}
		lines = append(lines, line)
	}

	tendered := ledger.ZeroMoney()
	if req.PaymentAmount != "" {
		var err error
		tendered, err = ledger.NewMoneyFromString(req.PaymentAmount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "payment_amount must be a decimal number")
			return
		}
	}

	result, err := h.Coordinator.Dispense(r.Context(), dispense.Request{
		MemberID:       member.MemberID(req.MemberID),
		StaffID:        StaffFrom(r.Context()),
		Lines:          lines,
		PaymentMethod:  req.PaymentMethod,
		PaymentAmount:  tendered,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.handleError(w, err)
		return
	}

	// The coordinator's transaction-scoped ledger has no observers;
	// invalidate the dispensed keys explicitly.
	for _, line := range result.Lines {
		h.Projector.Invalidate(ledger.StockKey{ProductID: line.ProductID, BatchID: line.BatchID})
	}

	status := http.StatusCreated
	if result.AlreadyProcessed {
		status = http.StatusOK
	}
	writeJSON(w, status, DispenseResponse{
		Order:            toOrderDTO(result.Order, result.Lines),
		Payment:          toPaymentDTO(result.Payment),
		AlreadyProcessed: result.AlreadyProcessed,
	})
}

// GetOrder returns one order with its frozen lines.
// GET /api/orders/{id}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, lines, err := h.Store.GetOrder(r.Context(), dispense.OrderID(chi.URLParam(r, "id")))
	if err != nil {
		h.handleError(w, err)
		return
	}
	if order == nil {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	writeJSON(w, http.StatusOK, toOrderDTO(*order, lines))
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// QueryAudit returns committed audit events matching the filter.
// GET /api/audit?entity_type=&entity_id=&actor_id=&kind=&from=&to=
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
		ActorID:    q.Get("actor_id"),
	}
	if kinds := q.Get("kind"); kinds != "" {
		for _, k := range strings.Split(kinds, ",") {
			filter.Kinds = append(filter.Kinds, audit.Kind(strings.TrimSpace(k)))
		}
	}
	if from := q.Get("from"); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		filter.From = &t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		filter.To = &t
	}

	events, err := h.Recorder.Query(r.Context(), filter)
	if err != nil {
		h.handleError(w, err)
		return
	}
	dtos := make([]AuditEventDTO, 0, len(events))
	for _, e := range events {
		dtos = append(dtos, toAuditDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Health is the liveness probe.
// GET /api/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

// audit records a best-effort audit event for a committed master data
// change. Failure to audit never fails the request that succeeded.
func (h *Handler) audit(r *http.Request, kind audit.Kind, entityType, entityID string, payload map[string]any) {
	_, _ = h.Recorder.Record(r.Context(), audit.Event{
		ActorType:  audit.ActorStaff,
		ActorID:    string(StaffFrom(r.Context())),
		Kind:       kind,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
	})
}

// handleError maps domain errors onto HTTP statuses.
func (h *Handler) handleError(w http.ResponseWriter, err error) {
	var validation *dispense.ValidationError
	if errors.As(err, &validation) {
		resp := ErrorResponse{Error: validation.Error(), Code: string(validation.Code), Details: validation.Detail}
		if validation.Line >= 0 {
			line := validation.Line
			resp.Line = &line
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	var rejection *dispense.RejectionError
	if errors.As(err, &rejection) {
		resp := ErrorResponse{Error: rejection.Error(), Code: string(rejection.Code), Details: rejection.Detail}
		if rejection.Line >= 0 {
			line := rejection.Line
			resp.Line = &line
		}
		writeJSON(w, http.StatusConflict, resp)
		return
	}

	switch {
	case errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "DUPLICATE_IDEMPOTENCY_KEY"})
	case errors.Is(err, ledger.ErrInsufficientStock):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "INSUFFICIENT_STOCK"})
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case dispense.IsTransient(err):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case ledger.IsRetryable(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "CONFLICT"})
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeJSON decodes the request body into v, writing a 400 and
// returning false on malformed input.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
