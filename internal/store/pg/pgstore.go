package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/finportal/arledger/internal/ids"
	"github.com/finportal/arledger/internal/ledger"
)

// Store implements ledger.Service on PostgreSQL. All allocation mutations run
// inside serializable transactions with row locks on the receipts (and
// billings) being touched, so two concurrent callers cannot both pass a
// balance check and together over-apply a receipt.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ ledger.Service = (*Store)(nil)

// Open connects to Postgres via the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return NewWithDB(db), nil
}

// NewWithDB wraps an existing connection. Used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// --- transaction plumbing ---

const maxTxAttempts = 3

// withSerializableTx runs fn inside a serializable transaction, retrying a
// bounded number of times on serialization failures and deadlocks before
// surfacing the error to the caller.
func (s *Store) withSerializableTx(ctx context.Context, fn func(*sql.Tx) error) error {
	var err error
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(10+rand.Intn(40)) * time.Millisecond):
			}
		}
		err = s.runTx(ctx, fn)
		if err == nil || !isRetryable(err) {
			return err
		}
	}
	return err
}

func (s *Store) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// isRetryable reports serialization failures (40001) and deadlocks (40P01).
func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func mapConstraintErr(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return ledger.ErrAlreadyExists
		case "23503": // foreign_key_violation
			return ledger.ErrNotFound
		case "23514": // check_violation (applied_amount > 0, amount > 0)
			return ledger.ErrInvalidAmount
		}
	}
	return err
}

// --- registration ---

func (s *Store) RegisterCustomer(ctx context.Context, c ledger.Customer) (ledger.Customer, error) {
	if c.Name == "" || (c.Kind != ledger.CustomerCompany && c.Kind != ledger.CustomerIndividual) {
		return ledger.Customer{}, ledger.ErrInvalidCustomer
	}
	if c.CreditLimit.IsNegative() {
		return ledger.Customer{}, ledger.ErrInvalidAmount
	}
	if c.ID == "" {
		c.ID = ids.New()
	}
	c.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `
		insert into customers(id, kind, name, credit_limit, created_at)
		values ($1,$2,$3,$4,$5)
	`, c.ID, string(c.Kind), c.Name, c.CreditLimit, c.CreatedAt)
	if err != nil {
		return ledger.Customer{}, mapConstraintErr(err)
	}
	return c, nil
}

func (s *Store) GetCustomer(ctx context.Context, id string) (ledger.Customer, error) {
	var c ledger.Customer
	var kind string
	err := s.db.QueryRowContext(ctx, `
		select id, kind, name, credit_limit, created_at from customers where id=$1
	`, id).Scan(&c.ID, &kind, &c.Name, &c.CreditLimit, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Customer{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Customer{}, err
	}
	c.Kind = ledger.CustomerKind(kind)
	return c, nil
}

func (s *Store) RegisterReceipt(ctx context.Context, r ledger.Receipt) (ledger.Receipt, error) {
	if !r.Amount.IsPositive() {
		return ledger.Receipt{}, ledger.ErrInvalidAmount
	}
	if r.ID == "" {
		r.ID = ids.New()
	}
	if r.Date.IsZero() {
		r.Date = s.now()
	}
	r.Status = ledger.ReceiptCompleted
	_, err := s.db.ExecContext(ctx, `
		insert into receipts(id, customer_id, amount, receipt_date, payment_method, reference_number, status)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, r.ID, r.CustomerID, r.Amount, r.Date, r.PaymentMethod, r.ReferenceNumber, string(r.Status))
	if err != nil {
		return ledger.Receipt{}, mapConstraintErr(err)
	}
	return r, nil
}

func (s *Store) GetReceipt(ctx context.Context, id string) (ledger.Receipt, error) {
	return scanReceipt(s.db.QueryRowContext(ctx, `
		select id, customer_id, amount, receipt_date, payment_method, reference_number, status
		from receipts where id=$1
	`, id))
}

func (s *Store) VoidReceipt(ctx context.Context, id string) (ledger.Receipt, error) {
	var out ledger.Receipt
	err := s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		r, err := lockReceipt(ctx, tx, id)
		if err != nil {
			return err
		}
		var n int
		if err := tx.QueryRowContext(ctx, `
			select count(*) from applications where receipt_id=$1
		`, id).Scan(&n); err != nil {
			return err
		}
		if n > 0 {
			return ledger.ErrReceiptHasApplications
		}
		if _, err := tx.ExecContext(ctx, `
			update receipts set status=$2 where id=$1
		`, id, string(ledger.ReceiptVoid)); err != nil {
			return err
		}
		r.Status = ledger.ReceiptVoid
		out = r
		return nil
	})
	return out, err
}

func (s *Store) RegisterBilling(ctx context.Context, b ledger.Billing) (ledger.Billing, error) {
	if !b.TotalAmount.IsPositive() {
		return ledger.Billing{}, ledger.ErrInvalidAmount
	}
	if b.ID == "" {
		b.ID = ids.New()
	}
	if b.ServiceDate.IsZero() {
		b.ServiceDate = s.now()
	}
	b.Status = ledger.BillingPending
	_, err := s.db.ExecContext(ctx, `
		insert into billings(id, customer_id, total_amount, service_date, status)
		values ($1,$2,$3,$4,$5)
	`, b.ID, b.CustomerID, b.TotalAmount, b.ServiceDate, string(b.Status))
	if err != nil {
		return ledger.Billing{}, mapConstraintErr(err)
	}
	return b, nil
}

func (s *Store) GetBilling(ctx context.Context, id string) (ledger.Billing, error) {
	var b ledger.Billing
	var status string
	err := s.db.QueryRowContext(ctx, `
		select id, customer_id, total_amount, service_date, status
		from billings where id=$1
	`, id).Scan(&b.ID, &b.CustomerID, &b.TotalAmount, &b.ServiceDate, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Billing{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Billing{}, err
	}
	b.Status = ledger.BillingStatus(status)
	return b, nil
}

// --- allocation engine ---

func (s *Store) ApplyPayment(ctx context.Context, receiptID, billingID string, amount ledger.Money, actor string) (ledger.Application, error) {
	if !amount.IsPositive() {
		return ledger.Application{}, ledger.ErrInvalidAmount
	}
	var out ledger.Application
	err := s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		app, err := s.applyTx(ctx, tx, receiptID, billingID, amount, actor)
		if err != nil {
			return err
		}
		out = app
		return nil
	})
	return out, err
}

// applyTx performs the precondition checks and inserts one application inside
// the caller's transaction. Lock order is always receipt before billing.
func (s *Store) applyTx(ctx context.Context, tx *sql.Tx, receiptID, billingID string, amount ledger.Money, actor string) (ledger.Application, error) {
	r, err := lockReceipt(ctx, tx, receiptID)
	if err != nil {
		return ledger.Application{}, err
	}
	if r.Status == ledger.ReceiptVoid {
		return ledger.Application{}, ledger.ErrReceiptVoid
	}
	b, err := lockBilling(ctx, tx, billingID)
	if err != nil {
		return ledger.Application{}, err
	}
	if r.CustomerID != b.CustomerID {
		return ledger.Application{}, ledger.ErrCustomerMismatch
	}

	applied, err := sumApplied(ctx, tx, `select coalesce(sum(applied_amount),0) from applications where receipt_id=$1`, receiptID)
	if err != nil {
		return ledger.Application{}, err
	}
	if amount.GreaterThan(r.Amount.Sub(applied)) {
		return ledger.Application{}, ledger.ErrInsufficientReceiptBalance
	}
	paid, err := sumApplied(ctx, tx, `select coalesce(sum(applied_amount),0) from applications where billing_id=$1`, billingID)
	if err != nil {
		return ledger.Application{}, err
	}
	if amount.GreaterThan(b.TotalAmount.Sub(paid).ClampZero()) {
		return ledger.Application{}, ledger.ErrInsufficientBillingOutstanding
	}

	app := ledger.Application{
		ID:              ids.New(),
		ReceiptID:       receiptID,
		BillingID:       billingID,
		AppliedAmount:   amount,
		ApplicationDate: s.now(),
		CreatedBy:       actor,
	}
	if _, err := tx.ExecContext(ctx, `
		insert into applications(id, receipt_id, billing_id, applied_amount, application_date, created_by, note)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, app.ID, app.ReceiptID, app.BillingID, app.AppliedAmount, app.ApplicationDate, app.CreatedBy, app.Note); err != nil {
		return ledger.Application{}, mapConstraintErr(err)
	}
	if err := refreshBillingStatus(ctx, tx, b, paid.Add(amount)); err != nil {
		return ledger.Application{}, err
	}
	return app, nil
}

func (s *Store) UnapplyPayment(ctx context.Context, applicationID string) error {
	return s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		var billingID string
		err := tx.QueryRowContext(ctx, `
			delete from applications where id=$1 returning billing_id
		`, applicationID).Scan(&billingID)
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.ErrNotFound
		}
		if err != nil {
			return err
		}
		b, err := lockBilling(ctx, tx, billingID)
		if err != nil {
			return err
		}
		paid, err := sumApplied(ctx, tx, `select coalesce(sum(applied_amount),0) from applications where billing_id=$1`, billingID)
		if err != nil {
			return err
		}
		return refreshBillingStatus(ctx, tx, b, paid)
	})
}

// AutoApplyPayment sweeps the receipt's balance over the customer's unpaid
// billings oldest first, all inside one transaction: any failure rolls the
// whole sweep back.
func (s *Store) AutoApplyPayment(ctx context.Context, receiptID, actor string) (ledger.AutoApplyResult, error) {
	var out ledger.AutoApplyResult
	err := s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		r, err := lockReceipt(ctx, tx, receiptID)
		if err != nil {
			return err
		}
		if r.Status == ledger.ReceiptVoid {
			return ledger.ErrReceiptVoid
		}
		applied, err := sumApplied(ctx, tx, `select coalesce(sum(applied_amount),0) from applications where receipt_id=$1`, receiptID)
		if err != nil {
			return err
		}
		remaining := r.Amount.Sub(applied)
		out = ledger.AutoApplyResult{Applications: []ledger.Application{}, RemainingBalance: remaining.ClampZero()}
		if !remaining.IsPositive() {
			return nil
		}

		balances, err := lockUnpaidBillings(ctx, tx, r.CustomerID)
		if err != nil {
			return err
		}
		for _, bal := range balances {
			if !remaining.IsPositive() {
				break
			}
			amount := remaining.Min(bal.Outstanding)
			app, err := s.applyTx(ctx, tx, receiptID, bal.Billing.ID, amount, actor)
			if err != nil {
				return err
			}
			out.Applications = append(out.Applications, app)
			remaining = remaining.Sub(amount)
		}
		out.RemainingBalance = remaining
		return nil
	})
	if err != nil {
		return ledger.AutoApplyResult{}, err
	}
	return out, nil
}

func (s *Store) ListApplications(ctx context.Context, receiptID string) ([]ledger.Application, error) {
	if _, err := s.GetReceipt(ctx, receiptID); err != nil {
		return nil, err
	}
	return queryApplications(ctx, s.db, `
		select id, receipt_id, billing_id, applied_amount, application_date, created_by, coalesce(note,'')
		from applications where receipt_id=$1
		order by application_date asc, id asc
	`, receiptID)
}

// --- balance reads (lock-free) ---

func (s *Store) GetOutstanding(ctx context.Context, billingIDs []string) ([]ledger.BillingBalance, error) {
	billings, err := s.billingsByID(ctx, billingIDs)
	if err != nil {
		return nil, err
	}
	unique := make([]string, len(billings))
	for i, b := range billings {
		unique[i] = b.ID
	}
	apps, err := queryApplications(ctx, s.db, `
		select id, receipt_id, billing_id, applied_amount, application_date, created_by, coalesce(note,'')
		from applications where billing_id = any($1)
	`, unique)
	if err != nil {
		return nil, err
	}
	return ledger.ComputeOutstanding(billings, apps), nil
}

func (s *Store) GetReceiptBalance(ctx context.Context, receiptID string) (ledger.ReceiptBalance, error) {
	r, err := s.GetReceipt(ctx, receiptID)
	if err != nil {
		return ledger.ReceiptBalance{}, err
	}
	apps, err := queryApplications(ctx, s.db, `
		select id, receipt_id, billing_id, applied_amount, application_date, created_by, coalesce(note,'')
		from applications where receipt_id=$1
	`, receiptID)
	if err != nil {
		return ledger.ReceiptBalance{}, err
	}
	return ledger.ComputeReceiptBalance(r, apps), nil
}

func (s *Store) GetAvailableBalance(ctx context.Context, customerID string) (ledger.CustomerFunds, error) {
	if _, err := s.GetCustomer(ctx, customerID); err != nil {
		return ledger.CustomerFunds{}, err
	}
	funds := ledger.CustomerFunds{CustomerID: customerID}
	err := s.db.QueryRowContext(ctx, `
		select coalesce(sum(amount),0) from receipts where customer_id=$1 and status='completed'
	`, customerID).Scan(&funds.TotalReceipts)
	if err != nil {
		return ledger.CustomerFunds{}, err
	}
	err = s.db.QueryRowContext(ctx, `
		select coalesce(sum(a.applied_amount),0)
		from applications a
		join receipts r on r.id = a.receipt_id
		where r.customer_id=$1 and r.status='completed'
	`, customerID).Scan(&funds.TotalApplied)
	if err != nil {
		return ledger.CustomerFunds{}, err
	}
	funds.AvailableBalance = funds.TotalReceipts.Sub(funds.TotalApplied)
	return funds, nil
}

// --- reporting ---

func (s *Store) GetAgingReport(ctx context.Context, customerID string) (ledger.AgingReport, error) {
	if _, err := s.GetCustomer(ctx, customerID); err != nil {
		return ledger.AgingReport{}, err
	}
	balances, err := s.customerBalances(ctx, customerID)
	if err != nil {
		return ledger.AgingReport{}, err
	}
	return ledger.BuildAgingReport(customerID, balances, s.now()), nil
}

func (s *Store) GetCreditUtilization(ctx context.Context, customerID string) (ledger.CreditUtilization, error) {
	c, err := s.GetCustomer(ctx, customerID)
	if err != nil {
		return ledger.CreditUtilization{}, err
	}
	balances, err := s.customerBalances(ctx, customerID)
	if err != nil {
		return ledger.CreditUtilization{}, err
	}
	var outstanding ledger.Money
	for _, bal := range balances {
		outstanding = outstanding.Add(bal.Outstanding)
	}
	return ledger.BuildCreditUtilization(c, outstanding), nil
}

// --- reconciliation / repair ---

func (s *Store) DetectOverApplication(ctx context.Context, receiptID string) (ledger.OverApplicationCheck, error) {
	r, err := s.GetReceipt(ctx, receiptID)
	if err != nil {
		return ledger.OverApplicationCheck{}, err
	}
	check := ledger.OverApplicationCheck{ReceiptID: receiptID, ReceiptAmount: r.Amount}
	err = s.db.QueryRowContext(ctx, `
		select coalesce(sum(applied_amount),0), count(distinct billing_id)
		from applications where receipt_id=$1
	`, receiptID).Scan(&check.TotalApplied, &check.AffectedBillings)
	if err != nil {
		return ledger.OverApplicationCheck{}, err
	}
	check.IsInconsistent = check.TotalApplied.GreaterThan(check.ReceiptAmount)
	return check, nil
}

func (s *Store) AdjustReceiptAmount(ctx context.Context, receiptID string, newAmount ledger.Money, actor string) (ledger.Receipt, error) {
	if !newAmount.IsPositive() {
		return ledger.Receipt{}, ledger.ErrInvalidAmount
	}
	var out ledger.Receipt
	err := s.withSerializableTx(ctx, func(tx *sql.Tx) error {
		r, err := lockReceipt(ctx, tx, receiptID)
		if err != nil {
			return err
		}
		if r.Status == ledger.ReceiptVoid {
			return ledger.ErrReceiptVoid
		}
		if newAmount.Equal(r.Amount) {
			out = r
			return nil
		}

		apps, err := queryApplicationsTx(ctx, tx, `
			select id, receipt_id, billing_id, applied_amount, application_date, created_by, coalesce(note,'')
			from applications where receipt_id=$1
			order by application_date asc, id asc
			for update
		`, receiptID)
		if err != nil {
			return err
		}
		var applied ledger.Money
		for _, app := range apps {
			applied = applied.Add(app.AppliedAmount)
		}
		if newAmount.LessThan(applied) {
			return ledger.ErrBelowAppliedTotal
		}

		if len(apps) > 0 {
			amounts := make([]ledger.Money, len(apps))
			for i, app := range apps {
				amounts[i] = app.AppliedAmount
			}
			rescaled := ledger.RescaleAmounts(amounts, newAmount.Ratio(r.Amount))

			// Grown applications must still fit each billing's total
			// alongside applications from other receipts. Billings are
			// locked in sorted order, after the receipt, to keep the fixed
			// lock ordering.
			perBilling := make(map[string]ledger.Money)
			for i, app := range apps {
				perBilling[app.BillingID] = perBilling[app.BillingID].Add(rescaled[i])
			}
			billingIDs := make([]string, 0, len(perBilling))
			for id := range perBilling {
				billingIDs = append(billingIDs, id)
			}
			sort.Strings(billingIDs)
			for _, billingID := range billingIDs {
				b, err := lockBilling(ctx, tx, billingID)
				if err != nil {
					return err
				}
				var others ledger.Money
				if err := tx.QueryRowContext(ctx, `
					select coalesce(sum(applied_amount),0) from applications
					where billing_id=$1 and receipt_id<>$2
				`, billingID, receiptID).Scan(&others); err != nil {
					return err
				}
				if others.Add(perBilling[billingID]).GreaterThan(b.TotalAmount) {
					return ledger.ErrInsufficientBillingOutstanding
				}
			}

			for i, app := range apps {
				if _, err := tx.ExecContext(ctx, `
					update applications set applied_amount=$2, note=$3 where id=$1
				`, app.ID, rescaled[i], ledger.RescaleNote); err != nil {
					return err
				}
			}
		}
		if _, err := tx.ExecContext(ctx, `
			update receipts set amount=$2 where id=$1
		`, receiptID, newAmount); err != nil {
			return err
		}
		r.Amount = newAmount
		out = r
		return nil
	})
	return out, err
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (ledger.Receipt, error) {
	var r ledger.Receipt
	var status string
	err := row.Scan(&r.ID, &r.CustomerID, &r.Amount, &r.Date, &r.PaymentMethod, &r.ReferenceNumber, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Receipt{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Receipt{}, err
	}
	r.Status = ledger.ReceiptStatus(status)
	return r, nil
}

func lockReceipt(ctx context.Context, tx *sql.Tx, id string) (ledger.Receipt, error) {
	return scanReceipt(tx.QueryRowContext(ctx, `
		select id, customer_id, amount, receipt_date, payment_method, reference_number, status
		from receipts where id=$1 for update
	`, id))
}

func lockBilling(ctx context.Context, tx *sql.Tx, id string) (ledger.Billing, error) {
	var b ledger.Billing
	var status string
	err := tx.QueryRowContext(ctx, `
		select id, customer_id, total_amount, service_date, status
		from billings where id=$1 for update
	`, id).Scan(&b.ID, &b.CustomerID, &b.TotalAmount, &b.ServiceDate, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Billing{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Billing{}, err
	}
	b.Status = ledger.BillingStatus(status)
	return b, nil
}

// lockUnpaidBillings locks the customer's billing rows in FIFO order and
// returns those with outstanding > 0. Applications are fetched in one
// batched query, not per billing.
func lockUnpaidBillings(ctx context.Context, tx *sql.Tx, customerID string) ([]ledger.BillingBalance, error) {
	rows, err := tx.QueryContext(ctx, `
		select id, customer_id, total_amount, service_date, status
		from billings where customer_id=$1
		order by service_date asc, id asc
		for update
	`, customerID)
	if err != nil {
		return nil, err
	}
	billings, err := scanBillings(rows)
	if err != nil {
		return nil, err
	}
	if len(billings) == 0 {
		return nil, nil
	}
	billingIDs := make([]string, len(billings))
	for i, b := range billings {
		billingIDs[i] = b.ID
	}
	apps, err := queryApplicationsTx(ctx, tx, `
		select id, receipt_id, billing_id, applied_amount, application_date, created_by, coalesce(note,'')
		from applications where billing_id = any($1)
	`, billingIDs)
	if err != nil {
		return nil, err
	}
	var unpaid []ledger.BillingBalance
	for _, bal := range ledger.ComputeOutstanding(billings, apps) {
		if bal.Outstanding.IsPositive() {
			unpaid = append(unpaid, bal)
		}
	}
	return unpaid, nil
}

func refreshBillingStatus(ctx context.Context, tx *sql.Tx, b ledger.Billing, paid ledger.Money) error {
	status := ledger.BillingPending
	switch {
	case !paid.LessThan(b.TotalAmount):
		status = ledger.BillingPaid
	case paid.IsPositive():
		status = ledger.BillingPartial
	}
	_, err := tx.ExecContext(ctx, `update billings set status=$2 where id=$1`, b.ID, string(status))
	return err
}

func sumApplied(ctx context.Context, tx *sql.Tx, query, id string) (ledger.Money, error) {
	var m ledger.Money
	if err := tx.QueryRowContext(ctx, query, id).Scan(&m); err != nil {
		return ledger.Money{}, err
	}
	return m, nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func queryApplications(ctx context.Context, q querier, query string, args ...any) ([]ledger.Application, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ledger.Application
	for rows.Next() {
		var app ledger.Application
		if err := rows.Scan(&app.ID, &app.ReceiptID, &app.BillingID, &app.AppliedAmount,
			&app.ApplicationDate, &app.CreatedBy, &app.Note); err != nil {
			return nil, err
		}
		out = append(out, app)
	}
	return out, rows.Err()
}

func queryApplicationsTx(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]ledger.Application, error) {
	return queryApplications(ctx, tx, query, args...)
}

func (s *Store) billingsByID(ctx context.Context, ids []string) ([]ledger.Billing, error) {
	// Callers may repeat ids; dedupe so the row-count check stays honest.
	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, customer_id, total_amount, service_date, status
		from billings where id = any($1)
	`, unique)
	if err != nil {
		return nil, err
	}
	billings, err := scanBillings(rows)
	if err != nil {
		return nil, err
	}
	if len(billings) != len(unique) {
		return nil, fmt.Errorf("billings: %w", ledger.ErrNotFound)
	}
	return billings, nil
}

func (s *Store) customerBalances(ctx context.Context, customerID string) ([]ledger.BillingBalance, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, customer_id, total_amount, service_date, status
		from billings where customer_id=$1
	`, customerID)
	if err != nil {
		return nil, err
	}
	billings, err := scanBillings(rows)
	if err != nil {
		return nil, err
	}
	if len(billings) == 0 {
		return nil, nil
	}
	billingIDs := make([]string, len(billings))
	for i, b := range billings {
		billingIDs[i] = b.ID
	}
	apps, err := queryApplications(ctx, s.db, `
		select id, receipt_id, billing_id, applied_amount, application_date, created_by, coalesce(note,'')
		from applications where billing_id = any($1)
	`, billingIDs)
	if err != nil {
		return nil, err
	}
	return ledger.ComputeOutstanding(billings, apps), nil
}

func scanBillings(rows *sql.Rows) ([]ledger.Billing, error) {
	defer rows.Close()
	var out []ledger.Billing
	for rows.Next() {
		var b ledger.Billing
		var status string
		if err := rows.Scan(&b.ID, &b.CustomerID, &b.TotalAmount, &b.ServiceDate, &status); err != nil {
			return nil, err
		}
		b.Status = ledger.BillingStatus(status)
		out = append(out, b)
	}
	return out, rows.Err()
}
