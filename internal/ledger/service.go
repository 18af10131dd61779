package ledger

import "context"

// Service defines the allocation ledger operations exposed to collaborators.
//
// Customers, receipts and billings are created by the surrounding portal's
// capture flows and registered here; applications are fully owned by this
// core and only ever created or destroyed through it.
type Service interface {
	// Registration of externally created records.
	RegisterCustomer(ctx context.Context, c Customer) (Customer, error)
	GetCustomer(ctx context.Context, id string) (Customer, error)
	RegisterReceipt(ctx context.Context, r Receipt) (Receipt, error)
	GetReceipt(ctx context.Context, id string) (Receipt, error)
	VoidReceipt(ctx context.Context, id string) (Receipt, error)
	RegisterBilling(ctx context.Context, b Billing) (Billing, error)
	GetBilling(ctx context.Context, id string) (Billing, error)

	// Allocation engine. These are the only paths that mutate paid totals.
	ApplyPayment(ctx context.Context, receiptID, billingID string, amount Money, actor string) (Application, error)
	UnapplyPayment(ctx context.Context, applicationID string) error
	AutoApplyPayment(ctx context.Context, receiptID, actor string) (AutoApplyResult, error)
	ListApplications(ctx context.Context, receiptID string) ([]Application, error)

	// Balance reads. Pure functions of stored state; never block writers.
	GetOutstanding(ctx context.Context, billingIDs []string) ([]BillingBalance, error)
	GetReceiptBalance(ctx context.Context, receiptID string) (ReceiptBalance, error)
	GetAvailableBalance(ctx context.Context, customerID string) (CustomerFunds, error)

	// Reporting.
	GetAgingReport(ctx context.Context, customerID string) (AgingReport, error)
	GetCreditUtilization(ctx context.Context, customerID string) (CreditUtilization, error)

	// Reconciliation and repair.
	DetectOverApplication(ctx context.Context, receiptID string) (OverApplicationCheck, error)
	AdjustReceiptAmount(ctx context.Context, receiptID string, newAmount Money, actor string) (Receipt, error)
}
