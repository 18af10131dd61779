package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemory implements Service with in-process concurrency safety. It backs
// tests and local development; production runs on the Postgres store.
type InMemory struct {
	mu        sync.RWMutex
	customers map[string]Customer
	receipts  map[string]Receipt
	billings  map[string]Billing
	apps      map[string]Application
	now       func() time.Time
}

var _ Service = (*InMemory)(nil)

// Option configures InMemory.
type Option func(*InMemory)

// WithNow overrides the clock used for dates and aging. Test hook.
func WithNow(now func() time.Time) Option {
	return func(s *InMemory) { s.now = now }
}

// NewInMemory creates an empty ledger.
func NewInMemory(opts ...Option) *InMemory {
	s := &InMemory{
		customers: make(map[string]Customer),
		receipts:  make(map[string]Receipt),
		billings:  make(map[string]Billing),
		apps:      make(map[string]Application),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemory) RegisterCustomer(ctx context.Context, c Customer) (Customer, error) {
	if strings.TrimSpace(c.Name) == "" {
		return Customer{}, ErrInvalidCustomer
	}
	if c.Kind != CustomerCompany && c.Kind != CustomerIndividual {
		return Customer{}, ErrInvalidCustomer
	}
	if c.CreditLimit.IsNegative() {
		return Customer{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = newID()
	} else if _, ok := s.customers[c.ID]; ok {
		return Customer{}, ErrAlreadyExists
	}
	c.CreatedAt = s.now()
	s.customers[c.ID] = c
	return c, nil
}

func (s *InMemory) GetCustomer(ctx context.Context, id string) (Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[id]
	if !ok {
		return Customer{}, ErrNotFound
	}
	return c, nil
}

func (s *InMemory) RegisterReceipt(ctx context.Context, r Receipt) (Receipt, error) {
	if !r.Amount.IsPositive() {
		return Receipt{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.customers[r.CustomerID]; !ok {
		return Receipt{}, ErrNotFound
	}
	if r.ID == "" {
		r.ID = newID()
	} else if _, ok := s.receipts[r.ID]; ok {
		return Receipt{}, ErrAlreadyExists
	}
	if r.Date.IsZero() {
		r.Date = s.now()
	}
	r.Status = ReceiptCompleted
	s.receipts[r.ID] = r
	return r, nil
}

func (s *InMemory) GetReceipt(ctx context.Context, id string) (Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[id]
	if !ok {
		return Receipt{}, ErrNotFound
	}
	return r, nil
}

// VoidReceipt marks an unused receipt void. Receipts with applications are
// never voided or deleted; unapply first.
func (s *InMemory) VoidReceipt(ctx context.Context, id string) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[id]
	if !ok {
		return Receipt{}, ErrNotFound
	}
	if len(s.appsForReceipt(id)) > 0 {
		return Receipt{}, ErrReceiptHasApplications
	}
	r.Status = ReceiptVoid
	s.receipts[id] = r
	return r, nil
}

func (s *InMemory) RegisterBilling(ctx context.Context, b Billing) (Billing, error) {
	if !b.TotalAmount.IsPositive() {
		return Billing{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.customers[b.CustomerID]; !ok {
		return Billing{}, ErrNotFound
	}
	if b.ID == "" {
		b.ID = newID()
	} else if _, ok := s.billings[b.ID]; ok {
		return Billing{}, ErrAlreadyExists
	}
	if b.ServiceDate.IsZero() {
		b.ServiceDate = s.now()
	}
	b.Status = BillingPending
	s.billings[b.ID] = b
	return b, nil
}

func (s *InMemory) GetBilling(ctx context.Context, id string) (Billing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.billings[id]
	if !ok {
		return Billing{}, ErrNotFound
	}
	return s.billingWithStatus(b), nil
}

func (s *InMemory) ApplyPayment(ctx context.Context, receiptID, billingID string, amount Money, actor string) (Application, error) {
	if !amount.IsPositive() {
		return Application{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(receiptID, billingID, amount, actor)
}

// applyLocked performs the precondition checks and inserts one application.
// Caller holds the write lock, so check-then-insert is atomic here the same
// way a serializable transaction makes it atomic in the Postgres store.
func (s *InMemory) applyLocked(receiptID, billingID string, amount Money, actor string) (Application, error) {
	r, ok := s.receipts[receiptID]
	if !ok {
		return Application{}, ErrNotFound
	}
	if r.Status == ReceiptVoid {
		return Application{}, ErrReceiptVoid
	}
	b, ok := s.billings[billingID]
	if !ok {
		return Application{}, ErrNotFound
	}
	if r.CustomerID != b.CustomerID {
		return Application{}, ErrCustomerMismatch
	}

	rb := ComputeReceiptBalance(r, s.appsForReceipt(receiptID))
	if amount.GreaterThan(rb.AvailableBalance) {
		return Application{}, ErrInsufficientReceiptBalance
	}
	bb := ComputeOutstanding([]Billing{b}, s.appsForBilling(billingID))[0]
	if amount.GreaterThan(bb.Outstanding) {
		return Application{}, ErrInsufficientBillingOutstanding
	}

	app := Application{
		ID:              newID(),
		ReceiptID:       receiptID,
		BillingID:       billingID,
		AppliedAmount:   amount,
		ApplicationDate: s.now(),
		CreatedBy:       actor,
	}
	s.apps[app.ID] = app
	return app, nil
}

func (s *InMemory) UnapplyPayment(ctx context.Context, applicationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.apps[applicationID]; !ok {
		return ErrNotFound
	}
	delete(s.apps, applicationID)
	return nil
}

// AutoApplyPayment sweeps the receipt's unconsumed balance across the
// customer's unpaid billings, oldest service date first. The whole sweep
// happens under one lock: it either completes or leaves nothing applied.
func (s *InMemory) AutoApplyPayment(ctx context.Context, receiptID, actor string) (AutoApplyResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.receipts[receiptID]
	if !ok {
		return AutoApplyResult{}, ErrNotFound
	}
	if r.Status == ReceiptVoid {
		return AutoApplyResult{}, ErrReceiptVoid
	}

	remaining := ComputeReceiptBalance(r, s.appsForReceipt(receiptID)).AvailableBalance
	result := AutoApplyResult{Applications: []Application{}, RemainingBalance: remaining.ClampZero()}
	if !remaining.IsPositive() {
		return result, nil
	}

	for _, bal := range s.unpaidBillingsLocked(r.CustomerID) {
		if !remaining.IsPositive() {
			break
		}
		amount := remaining.Min(bal.Outstanding)
		app, err := s.applyLocked(receiptID, bal.Billing.ID, amount, actor)
		if err != nil {
			// Roll the sweep back; a partial sweep must never survive.
			for _, created := range result.Applications {
				delete(s.apps, created.ID)
			}
			return AutoApplyResult{}, err
		}
		result.Applications = append(result.Applications, app)
		remaining = remaining.Sub(amount)
	}
	result.RemainingBalance = remaining
	return result, nil
}

func (s *InMemory) ListApplications(ctx context.Context, receiptID string) ([]Application, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.receipts[receiptID]; !ok {
		return nil, ErrNotFound
	}
	apps := s.appsForReceipt(receiptID)
	sortApplications(apps)
	return apps, nil
}

func (s *InMemory) GetOutstanding(ctx context.Context, billingIDs []string) ([]BillingBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	billings := make([]Billing, 0, len(billingIDs))
	var apps []Application
	seen := make(map[string]struct{}, len(billingIDs))
	for _, id := range billingIDs {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		b, ok := s.billings[id]
		if !ok {
			return nil, ErrNotFound
		}
		billings = append(billings, b)
		apps = append(apps, s.appsForBilling(id)...)
	}
	return ComputeOutstanding(billings, apps), nil
}

func (s *InMemory) GetReceiptBalance(ctx context.Context, receiptID string) (ReceiptBalance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[receiptID]
	if !ok {
		return ReceiptBalance{}, ErrNotFound
	}
	return ComputeReceiptBalance(r, s.appsForReceipt(receiptID)), nil
}

// GetAvailableBalance aggregates the customer's completed receipts. Void
// receipts never contribute funds.
func (s *InMemory) GetAvailableBalance(ctx context.Context, customerID string) (CustomerFunds, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.customers[customerID]; !ok {
		return CustomerFunds{}, ErrNotFound
	}
	funds := CustomerFunds{CustomerID: customerID}
	for _, r := range s.receipts {
		if r.CustomerID != customerID || r.Status != ReceiptCompleted {
			continue
		}
		rb := ComputeReceiptBalance(r, s.appsForReceipt(r.ID))
		funds.TotalReceipts = funds.TotalReceipts.Add(rb.ReceiptAmount)
		funds.TotalApplied = funds.TotalApplied.Add(rb.TotalApplied)
	}
	funds.AvailableBalance = funds.TotalReceipts.Sub(funds.TotalApplied)
	return funds, nil
}

func (s *InMemory) GetAgingReport(ctx context.Context, customerID string) (AgingReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.customers[customerID]; !ok {
		return AgingReport{}, ErrNotFound
	}
	return BuildAgingReport(customerID, s.customerBalancesLocked(customerID), s.now()), nil
}

func (s *InMemory) GetCreditUtilization(ctx context.Context, customerID string) (CreditUtilization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[customerID]
	if !ok {
		return CreditUtilization{}, ErrNotFound
	}
	var outstanding Money
	for _, bal := range s.customerBalancesLocked(customerID) {
		outstanding = outstanding.Add(bal.Outstanding)
	}
	return BuildCreditUtilization(c, outstanding), nil
}

func (s *InMemory) DetectOverApplication(ctx context.Context, receiptID string) (OverApplicationCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.receipts[receiptID]
	if !ok {
		return OverApplicationCheck{}, ErrNotFound
	}
	apps := s.appsForReceipt(receiptID)
	var applied Money
	billings := map[string]struct{}{}
	for _, app := range apps {
		applied = applied.Add(app.AppliedAmount)
		billings[app.BillingID] = struct{}{}
	}
	return OverApplicationCheck{
		ReceiptID:        receiptID,
		IsInconsistent:   applied.GreaterThan(r.Amount),
		ReceiptAmount:    r.Amount,
		TotalApplied:     applied,
		AffectedBillings: len(billings),
	}, nil
}

// AdjustReceiptAmount corrects a receipt's amount and rescales its existing
// applications proportionally so relative shares stay constant.
func (s *InMemory) AdjustReceiptAmount(ctx context.Context, receiptID string, newAmount Money, actor string) (Receipt, error) {
	if !newAmount.IsPositive() {
		return Receipt{}, ErrInvalidAmount
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.receipts[receiptID]
	if !ok {
		return Receipt{}, ErrNotFound
	}
	if r.Status == ReceiptVoid {
		return Receipt{}, ErrReceiptVoid
	}
	if newAmount.Equal(r.Amount) {
		return r, nil
	}

	apps := s.appsForReceipt(receiptID)
	var applied Money
	for _, app := range apps {
		applied = applied.Add(app.AppliedAmount)
	}
	if newAmount.LessThan(applied) {
		return Receipt{}, ErrBelowAppliedTotal
	}

	if len(apps) > 0 {
		sortApplications(apps)
		amounts := make([]Money, len(apps))
		for i, app := range apps {
			amounts[i] = app.AppliedAmount
		}
		rescaled := RescaleAmounts(amounts, newAmount.Ratio(r.Amount))

		// Grown applications must still fit each billing's total alongside
		// applications from other receipts; otherwise the rescale would
		// over-pay the billing.
		perBilling := make(map[string]Money)
		for i, app := range apps {
			perBilling[app.BillingID] = perBilling[app.BillingID].Add(rescaled[i])
		}
		for billingID, total := range perBilling {
			b := s.billings[billingID]
			var others Money
			for _, other := range s.appsForBilling(billingID) {
				if other.ReceiptID != receiptID {
					others = others.Add(other.AppliedAmount)
				}
			}
			if others.Add(total).GreaterThan(b.TotalAmount) {
				return Receipt{}, ErrInsufficientBillingOutstanding
			}
		}

		for i, app := range apps {
			app.AppliedAmount = rescaled[i]
			app.Note = RescaleNote
			s.apps[app.ID] = app
		}
	}

	r.Amount = newAmount
	s.receipts[receiptID] = r
	return r, nil
}

// --- helpers (callers hold at least a read lock) ---

func (s *InMemory) appsForReceipt(receiptID string) []Application {
	var out []Application
	for _, app := range s.apps {
		if app.ReceiptID == receiptID {
			out = append(out, app)
		}
	}
	return out
}

func (s *InMemory) appsForBilling(billingID string) []Application {
	var out []Application
	for _, app := range s.apps {
		if app.BillingID == billingID {
			out = append(out, app)
		}
	}
	return out
}

func (s *InMemory) customerBalancesLocked(customerID string) []BillingBalance {
	var billings []Billing
	var apps []Application
	for _, b := range s.billings {
		if b.CustomerID != customerID {
			continue
		}
		billings = append(billings, b)
		apps = append(apps, s.appsForBilling(b.ID)...)
	}
	return ComputeOutstanding(billings, apps)
}

// unpaidBillingsLocked returns the customer's billings with outstanding > 0
// ordered by service date ascending, oldest debt first, ties broken by ID so
// sweeps are deterministic.
func (s *InMemory) unpaidBillingsLocked(customerID string) []BillingBalance {
	var unpaid []BillingBalance
	for _, bal := range s.customerBalancesLocked(customerID) {
		if bal.Outstanding.IsPositive() {
			unpaid = append(unpaid, bal)
		}
	}
	sort.Slice(unpaid, func(i, j int) bool {
		if !unpaid[i].Billing.ServiceDate.Equal(unpaid[j].Billing.ServiceDate) {
			return unpaid[i].Billing.ServiceDate.Before(unpaid[j].Billing.ServiceDate)
		}
		return unpaid[i].Billing.ID < unpaid[j].Billing.ID
	})
	return unpaid
}

func (s *InMemory) billingWithStatus(b Billing) Billing {
	bal := ComputeOutstanding([]Billing{b}, s.appsForBilling(b.ID))[0]
	b.Status = DeriveBillingStatus(bal)
	return b
}

func sortApplications(apps []Application) {
	sort.Slice(apps, func(i, j int) bool {
		if !apps[i].ApplicationDate.Equal(apps[j].ApplicationDate) {
			return apps[i].ApplicationDate.Before(apps[j].ApplicationDate)
		}
		return apps[i].ID < apps[j].ID
	})
}
