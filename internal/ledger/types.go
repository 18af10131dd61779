package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/finportal/arledger/internal/ids"
)

// CustomerKind distinguishes company and individual customers.
type CustomerKind string

const (
	CustomerCompany    CustomerKind = "company"
	CustomerIndividual CustomerKind = "individual"
)

// Customer owns receipts and billings. Customer records are created by the
// surrounding portal; this core reads id and credit limit.
type Customer struct {
	ID          string       `json:"id"`
	Kind        CustomerKind `json:"kind"`
	Name        string       `json:"name"`
	CreditLimit Money        `json:"credit_limit"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ReceiptStatus is the lifecycle state of a receipt.
type ReceiptStatus string

const (
	ReceiptCompleted ReceiptStatus = "completed"
	ReceiptVoid      ReceiptStatus = "void"
)

// Receipt is a recorded advance payment. Immutable once completed except for
// corrective amount edits via AdjustReceiptAmount.
type Receipt struct {
	ID              string        `json:"id"`
	CustomerID      string        `json:"customer_id"`
	Amount          Money         `json:"amount"`
	Date            time.Time     `json:"date"`
	PaymentMethod   string        `json:"payment_method"`
	ReferenceNumber string        `json:"reference_number"`
	Status          ReceiptStatus `json:"status"`
}

// BillingStatus reports payment state. It is derived from applications and
// never authoritative; the paid amount is always recomputed.
type BillingStatus string

const (
	BillingPending BillingStatus = "pending"
	BillingPartial BillingStatus = "partial"
	BillingPaid    BillingStatus = "paid"
)

// Billing is an invoice for service work.
type Billing struct {
	ID          string        `json:"id"`
	CustomerID  string        `json:"customer_id"`
	TotalAmount Money         `json:"total_amount"`
	ServiceDate time.Time     `json:"service_date"`
	Status      BillingStatus `json:"status"`
}

// Application links part of a receipt's funds to part of a billing's debt.
// It is the single source of truth for paid amounts.
type Application struct {
	ID              string    `json:"id"`
	ReceiptID       string    `json:"receipt_id"`
	BillingID       string    `json:"billing_id"`
	AppliedAmount   Money     `json:"applied_amount"`
	ApplicationDate time.Time `json:"application_date"`
	CreatedBy       string    `json:"created_by"`
	Note            string    `json:"note,omitempty"`
}

// RescaleNote annotates applications rescaled by a receipt amount correction.
const RescaleNote = "rescaled due to receipt amount correction"

// BillingBalance is the computed payment state of one billing.
type BillingBalance struct {
	Billing     Billing `json:"billing"`
	TotalPaid   Money   `json:"total_paid"`
	Outstanding Money   `json:"outstanding"`
	IsFullyPaid bool    `json:"is_fully_paid"`
}

// ReceiptBalance is the computed utilization of one receipt.
type ReceiptBalance struct {
	ReceiptAmount    Money `json:"receipt_amount"`
	TotalApplied     Money `json:"total_applied"`
	AvailableBalance Money `json:"available_balance"`
	IsFullyUtilized  bool  `json:"is_fully_utilized"`
}

// CustomerFunds aggregates a customer's completed receipts.
type CustomerFunds struct {
	CustomerID       string `json:"customer_id"`
	TotalReceipts    Money  `json:"total_receipts"`
	TotalApplied     Money  `json:"total_applied"`
	AvailableBalance Money  `json:"available_balance"`
}

// AutoApplyResult is the outcome of a FIFO allocation sweep.
type AutoApplyResult struct {
	Applications     []Application `json:"applications"`
	RemainingBalance Money         `json:"remaining_balance"`
}

// AgingBucket classifies an unpaid billing by days outstanding.
type AgingBucket string

const (
	BucketCurrent AgingBucket = "current"
	BucketOver30  AgingBucket = "over_30"
	BucketOver60  AgingBucket = "over_60"
	BucketOver90  AgingBucket = "over_90"
)

// AgingEntry is one outstanding billing placed in its bucket.
type AgingEntry struct {
	BillingBalance
	DaysOutstanding int         `json:"days_outstanding"`
	Bucket          AgingBucket `json:"bucket"`
	IsOverdue       bool        `json:"is_overdue"`
}

// AgingReport groups a customer's outstanding billings into fixed 30/60/90
// day buckets.
type AgingReport struct {
	CustomerID       string       `json:"customer_id"`
	AsOf             time.Time    `json:"as_of"`
	Current          []AgingEntry `json:"current"`
	Over30           []AgingEntry `json:"over_30"`
	Over60           []AgingEntry `json:"over_60"`
	Over90           []AgingEntry `json:"over_90"`
	BucketTotals     BucketTotals `json:"bucket_totals"`
	TotalOutstanding Money        `json:"total_outstanding"`
}

// BucketTotals carries the outstanding sum per aging bucket.
type BucketTotals struct {
	Current Money `json:"current"`
	Over30  Money `json:"over_30"`
	Over60  Money `json:"over_60"`
	Over90  Money `json:"over_90"`
}

// CreditUtilization reports how much of a customer's credit limit is consumed
// by outstanding billings.
type CreditUtilization struct {
	CustomerID       string          `json:"customer_id"`
	CreditLimit      Money           `json:"credit_limit"`
	TotalOutstanding Money           `json:"total_outstanding"`
	AvailableCredit  Money           `json:"available_credit"`
	UtilizationRate  decimal.Decimal `json:"utilization_rate"`
}

// OverApplicationCheck is the result of a reconciliation scan over one
// receipt. IsInconsistent means applications exceed the receipt amount, a
// state that should be unreachable but can arrive with migrated data.
type OverApplicationCheck struct {
	ReceiptID        string `json:"receipt_id"`
	IsInconsistent   bool   `json:"is_inconsistent"`
	ReceiptAmount    Money  `json:"receipt_amount"`
	TotalApplied     Money  `json:"total_applied"`
	AffectedBillings int    `json:"affected_billings"`
}

var (
	ErrNotFound                       = errors.New("not found")
	ErrInvalidAmount                  = errors.New("invalid amount (must be > 0)")
	ErrInsufficientReceiptBalance     = errors.New("insufficient receipt balance")
	ErrInsufficientBillingOutstanding = errors.New("insufficient billing outstanding")
	ErrCustomerMismatch               = errors.New("receipt and billing belong to different customers")
	ErrBelowAppliedTotal              = errors.New("receipt amount below already applied total")
	ErrReceiptVoid                    = errors.New("receipt is void")
	ErrReceiptHasApplications         = errors.New("receipt has applications")
	ErrAlreadyExists                  = errors.New("already exists")
	ErrInvalidCustomer                = errors.New("invalid customer")
)

func newID() string {
	return ids.New()
}
