/*
dto.go - Data Transfer Objects for API requests and responses

These types decouple the internal domain model from the external API
contract. Quantities and money travel as decimal strings so clients
never see binary floating point.

NAMING CONVENTION:
  - *DTO: response types returned to clients
  - *Request: request body types from clients

Validation is done in handlers and the domain layer; DTOs are pure
data carriers.
*/
package api

import (
	"time"

	"github.com/verdant/dispensary-hub/audit"
	"github.com/verdant/dispensary-hub/contrib"
	"github.com/verdant/dispensary-hub/dispense"
	"github.com/verdant/dispensary-hub/ledger"
	"github.com/verdant/dispensary-hub/member"
	"github.com/verdant/dispensary-hub/store/sqlite"
)

// =============================================================================
// MEMBERS
// =============================================================================

type MemberDTO struct {
	ID           string `json:"id"`
	MemberNumber string `json:"member_number"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	DateOfBirth  string `json:"date_of_birth,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Email        string `json:"email,omitempty"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
}

func toMemberDTO(m member.Member) MemberDTO {
	return MemberDTO{
		ID:           string(m.ID),
		MemberNumber: m.MemberNumber,
		FirstName:    m.FirstName,
		LastName:     m.LastName,
		DateOfBirth:  m.DateOfBirth,
		Phone:        m.Phone,
		Email:        m.Email,
		Status:       string(m.Status),
		CreatedAt:    m.CreatedAt.Format(time.RFC3339),
	}
}

type SaveMemberRequest struct {
	MemberNumber string `json:"member_number"`
	FirstName    string `json:"first_name"`
	LastName     string `json:"last_name"`
	DateOfBirth  string `json:"date_of_birth"`
	Phone        string `json:"phone"`
	Email        string `json:"email"`
}

type VerifyMemberRequest struct {
	Outcome     string `json:"outcome"` // VERIFIED or REJECTED
	Notes       string `json:"notes"`
	DocumentRef string `json:"document_ref"`
}

type VerificationDTO struct {
	ID          string `json:"id"`
	Outcome     string `json:"outcome"`
	VerifiedBy  string `json:"verified_by"`
	Notes       string `json:"notes,omitempty"`
	DocumentRef string `json:"document_ref,omitempty"`
	OccurredAt  string `json:"occurred_at"`
}

type EligibilityDTO struct {
	MemberID string `json:"member_id"`
	Status   string `json:"status"`
	Eligible bool   `json:"eligible"`
}

// =============================================================================
// CATALOG
// =============================================================================

type SupplierDTO struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Name    string `json:"name"`
	Contact string `json:"contact,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
	Active  bool   `json:"active"`
}

func toSupplierDTO(s sqlite.Supplier) SupplierDTO {
	return SupplierDTO{
		ID: s.ID, Code: s.Code, Name: s.Name,
		Contact: s.Contact, Phone: s.Phone, Email: s.Email, Active: s.Active,
	}
}

type SaveSupplierRequest struct {
	Code    string `json:"code"`
	Name    string `json:"name"`
	Contact string `json:"contact"`
	Phone   string `json:"phone"`
	Email   string `json:"email"`
	Active  *bool  `json:"active"`
}

type ProductDTO struct {
	ID         string `json:"id"`
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	Category   string `json:"category,omitempty"`
	Unit       string `json:"unit"`
	UnitPrice  string `json:"unit_price"`
	SupplierID string `json:"supplier_id,omitempty"`
	Active     bool   `json:"active"`
}

func toProductDTO(p sqlite.Product) ProductDTO {
	return ProductDTO{
		ID: string(p.ID), SKU: p.SKU, Name: p.Name, Category: p.Category,
		Unit: p.Unit, UnitPrice: p.UnitPrice.String(),
		SupplierID: p.SupplierID, Active: p.Active,
	}
}

type SaveProductRequest struct {
	SKU        string `json:"sku"`
	Name       string `json:"name"`
	Category   string `json:"category"`
	Unit       string `json:"unit"`
	UnitPrice  string `json:"unit_price"`
	SupplierID string `json:"supplier_id"`
	Active     *bool  `json:"active"`
}

type BatchDTO struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	LotCode   string `json:"lot_code"`
	ExpiresAt string `json:"expires_at,omitempty"`
}

type SaveBatchRequest struct {
	LotCode   string `json:"lot_code"`
	ExpiresAt string `json:"expires_at"` // RFC3339, optional
}

// =============================================================================
// INVENTORY
// =============================================================================

type MovementRequest struct {
	ProductID      string `json:"product_id"`
	BatchID        string `json:"batch_id"`
	Quantity       string `json:"quantity"` // decimal string; magnitude for receive/waste
	FromLocation   string `json:"from_location"`
	ToLocation     string `json:"to_location"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

type MovementDTO struct {
	ID           string `json:"id"`
	ProductID    string `json:"product_id"`
	BatchID      string `json:"batch_id,omitempty"`
	Type         string `json:"type"`
	Quantity     string `json:"quantity"`
	FromLocation string `json:"from_location,omitempty"`
	ToLocation   string `json:"to_location,omitempty"`
	OrderLineID  string `json:"order_line_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
	RecordedBy   string `json:"recorded_by"`
	OccurredAt   string `json:"occurred_at"`
}

func toMovementDTO(m ledger.Movement) MovementDTO {
	return MovementDTO{
		ID:           string(m.ID),
		ProductID:    string(m.ProductID),
		BatchID:      string(m.BatchID),
		Type:         string(m.Type),
		Quantity:     m.Quantity.String(),
		FromLocation: m.FromLocation,
		ToLocation:   m.ToLocation,
		OrderLineID:  string(m.OrderLineID),
		Reason:       m.Reason,
		RecordedBy:   string(m.RecordedBy),
		OccurredAt:   m.OccurredAt.Format(time.RFC3339Nano),
	}
}

type StockDTO struct {
	ProductID string `json:"product_id"`
	BatchID   string `json:"batch_id,omitempty"`
	Available string `json:"available"`
	AsOf      string `json:"as_of,omitempty"`
}

// =============================================================================
// DISPENSE
// =============================================================================

type DispenseLineRequest struct {
	ProductID string `json:"product_id"`
	BatchID   string `json:"batch_id"`
	Quantity  string `json:"quantity"`
	UnitPrice string `json:"unit_price"` // optional; defaults to the product's list price
}

type DispenseRequest struct {
	MemberID       string                `json:"member_id"`
	Lines          []DispenseLineRequest `json:"lines"`
	PaymentMethod  string                `json:"payment_method"`
	PaymentAmount  string                `json:"payment_amount"`
	IdempotencyKey string                `json:"idempotency_key"`
}

type OrderLineDTO struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	BatchID   string `json:"batch_id,omitempty"`
	Quantity  string `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	Total     string `json:"total"`
}

type OrderDTO struct {
	ID          string         `json:"id"`
	Number      string         `json:"number"`
	MemberID    string         `json:"member_id"`
	StaffID     string         `json:"staff_id"`
	Status      string         `json:"status"`
	Total       string         `json:"total"`
	Currency    string         `json:"currency"`
	Lines       []OrderLineDTO `json:"lines,omitempty"`
	CreatedAt   string         `json:"created_at"`
	CompletedAt string         `json:"completed_at,omitempty"`
}

type PaymentDTO struct {
	ID         string `json:"id"`
	Method     string `json:"method"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	Status     string `json:"status"`
	CapturedAt string `json:"captured_at"`
}

type DispenseResponse struct {
	Order            OrderDTO   `json:"order"`
	Payment          PaymentDTO `json:"payment"`
	AlreadyProcessed bool       `json:"already_processed"`
}

func toOrderDTO(o dispense.Order, lines []dispense.OrderLine) OrderDTO {
	dto := OrderDTO{
		ID:        string(o.ID),
		Number:    o.Number,
		MemberID:  string(o.MemberID),
		StaffID:   string(o.StaffID),
		Status:    string(o.Status),
		Total:     o.Total.String(),
		Currency:  o.Currency,
		CreatedAt: o.CreatedAt.Format(time.RFC3339),
	}
	if o.CompletedAt != nil {
		dto.CompletedAt = o.CompletedAt.Format(time.RFC3339)
	}
	for _, line := range lines {
		dto.Lines = append(dto.Lines, OrderLineDTO{
			ID:        string(line.ID),
			ProductID: string(line.ProductID),
			BatchID:   string(line.BatchID),
			Quantity:  line.Quantity.String(),
			UnitPrice: line.UnitPrice.String(),
			Total:     line.Total().String(),
		})
	}
	return dto
}

func toPaymentDTO(p dispense.Payment) PaymentDTO {
	return PaymentDTO{
		ID:         string(p.ID),
		Method:     p.Method,
		Amount:     p.Amount.String(),
		Currency:   p.Currency,
		Status:     string(p.Status),
		CapturedAt: p.CapturedAt.Format(time.RFC3339),
	}
}

// =============================================================================
// CONTRIBUTIONS / AUDIT
// =============================================================================

type ContributionDTO struct {
	ID         string `json:"id"`
	MemberID   string `json:"member_id"`
	OrderID    string `json:"order_id,omitempty"`
	PaymentID  string `json:"payment_id,omitempty"`
	Direction  string `json:"direction"`
	Amount     string `json:"amount"`
	Currency   string `json:"currency"`
	RecordedBy string `json:"recorded_by"`
	OccurredAt string `json:"occurred_at"`
}

func toContributionDTO(e contrib.Entry) ContributionDTO {
	return ContributionDTO{
		ID:         string(e.ID),
		MemberID:   string(e.MemberID),
		OrderID:    e.OrderID,
		PaymentID:  e.PaymentID,
		Direction:  string(e.Direction),
		Amount:     e.Amount.String(),
		Currency:   e.Currency,
		RecordedBy: string(e.RecordedBy),
		OccurredAt: e.OccurredAt.Format(time.RFC3339),
	}
}

type ContributionSummaryDTO struct {
	MemberID string            `json:"member_id"`
	Balance  string            `json:"balance"`
	Entries  []ContributionDTO `json:"entries"`
}

type AuditEventDTO struct {
	ID         string         `json:"id"`
	ActorType  string         `json:"actor_type"`
	ActorID    string         `json:"actor_id,omitempty"`
	Kind       string         `json:"kind"`
	EntityType string         `json:"entity_type,omitempty"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt string         `json:"occurred_at"`
	Hash       string         `json:"hash"`
}

func toAuditDTO(e audit.Event) AuditEventDTO {
	return AuditEventDTO{
		ID:         string(e.ID),
		ActorType:  string(e.ActorType),
		ActorID:    e.ActorID,
		Kind:       string(e.Kind),
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		Payload:    e.Payload,
		OccurredAt: e.OccurredAt.Format(time.RFC3339Nano),
		Hash:       e.Hash,
	}
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Line    *int   `json:"line,omitempty"`
	Details string `json:"details,omitempty"`
}
