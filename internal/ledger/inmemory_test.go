package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fixture struct {
	t   *testing.T
	ctx context.Context
	s   *InMemory
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return &fixture{t: t, ctx: context.Background(), s: NewInMemory(opts...)}
}

func (f *fixture) customer(name string) Customer {
	f.t.Helper()
	c, err := f.s.RegisterCustomer(f.ctx, Customer{Kind: CustomerCompany, Name: name, CreditLimit: MustMoney("100000.00")})
	if err != nil {
		f.t.Fatalf("register customer: %v", err)
	}
	return c
}

func (f *fixture) receipt(customerID, amount string) Receipt {
	f.t.Helper()
	r, err := f.s.RegisterReceipt(f.ctx, Receipt{CustomerID: customerID, Amount: MustMoney(amount), PaymentMethod: "bank_transfer"})
	if err != nil {
		f.t.Fatalf("register receipt: %v", err)
	}
	return r
}

func (f *fixture) billing(customerID, total, serviceDate string) Billing {
	f.t.Helper()
	b, err := f.s.RegisterBilling(f.ctx, Billing{CustomerID: customerID, TotalAmount: MustMoney(total), ServiceDate: mustDate(serviceDate)})
	if err != nil {
		f.t.Fatalf("register billing: %v", err)
	}
	return b
}

func TestApplyPaymentAndBalances(t *testing.T) {
	f := newFixture(t)
	c := f.customer("Acme Trading LLC")
	r := f.receipt(c.ID, "1000.00")
	b := f.billing(c.ID, "600.00", "2024-01-10")

	app, err := f.s.ApplyPayment(f.ctx, r.ID, b.ID, MustMoney("400.00"), "clerk-1")
	if err != nil {
		t.Fatal(err)
	}
	if app.CreatedBy != "clerk-1" {
		t.Fatalf("created_by = %q", app.CreatedBy)
	}

	rb, _ := f.s.GetReceiptBalance(f.ctx, r.ID)
	if !rb.AvailableBalance.Equal(MustMoney("600.00")) {
		t.Fatalf("receipt available = %s, want 600.00", rb.AvailableBalance)
	}
	out, _ := f.s.GetOutstanding(f.ctx, []string{b.ID})
	if !out[0].Outstanding.Equal(MustMoney("200.00")) {
		t.Fatalf("billing outstanding = %s, want 200.00", out[0].Outstanding)
	}

	got, _ := f.s.GetBilling(f.ctx, b.ID)
	if got.Status != BillingPartial {
		t.Fatalf("billing status = %s, want partial", got.Status)
	}
}

func TestApplyPaymentPreconditions(t *testing.T) {
	f := newFixture(t)
	c1 := f.customer("Acme")
	c2 := f.customer("Globex")
	r := f.receipt(c1.ID, "100.00")
	own := f.billing(c1.ID, "500.00", "2024-01-01")
	foreign := f.billing(c2.ID, "500.00", "2024-01-01")

	if _, err := f.s.ApplyPayment(f.ctx, r.ID, own.ID, ZeroMoney(), "x"); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero amount: got %v", err)
	}
	if _, err := f.s.ApplyPayment(f.ctx, r.ID, own.ID, MustMoney("100.01"), "x"); !errors.Is(err, ErrInsufficientReceiptBalance) {
		t.Fatalf("over receipt balance: got %v", err)
	}
	if _, err := f.s.ApplyPayment(f.ctx, r.ID, foreign.ID, MustMoney("50.00"), "x"); !errors.Is(err, ErrCustomerMismatch) {
		t.Fatalf("cross-customer: got %v", err)
	}
	small := f.billing(c1.ID, "10.00", "2024-01-02")
	if _, err := f.s.ApplyPayment(f.ctx, r.ID, small.ID, MustMoney("10.01"), "x"); !errors.Is(err, ErrInsufficientBillingOutstanding) {
		t.Fatalf("over billing outstanding: got %v", err)
	}
	if _, err := f.s.ApplyPayment(f.ctx, "missing", own.ID, MustMoney("1.00"), "x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing receipt: got %v", err)
	}
}

func TestFullyPaidBillingRejectsFurtherApplications(t *testing.T) {
	f := newFixture(t)
	c := f.customer("Acme")
	r := f.receipt(c.ID, "2000.00")
	b := f.billing(c.ID, "1000.00", "2024-01-01")

	if _, err := f.s.ApplyPayment(f.ctx, r.ID, b.ID, MustMoney("400.00"), "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.s.ApplyPayment(f.ctx, r.ID, b.ID, MustMoney("600.00"), "x"); err != nil {
		t.Fatal(err)
	}
	out, _ := f.s.GetOutstanding(f.ctx, []string{b.ID})
	if !out[0].IsFullyPaid {
		t.Fatalf("expected fully paid, got %+v", out[0])
	}
	if _, err := f.s.ApplyPayment(f.ctx, r.ID, b.ID, MustMoney("0.01"), "x"); !errors.Is(err, ErrInsufficientBillingOutstanding) {
		t.Fatalf("application against paid billing: got %v", err)
	}
}

func TestUnapplyReversibility(t *testing.T) {
	f := newFixture(t)
	c := f.customer("Acme")
	r := f.receipt(c.ID, "500.00")
	b := f.billing(c.ID, "300.00", "2024-01-01")

	before, _ := f.s.GetReceiptBalance(f.ctx, r.ID)
	outBefore, _ := f.s.GetOutstanding(f.ctx, []string{b.ID})

	app, err := f.s.ApplyPayment(f.ctx, r.ID, b.ID, MustMoney("100.00"), "x")
	if err != nil {
		t.Fatal(err)
	}
	if err := f.s.UnapplyPayment(f.ctx, app.ID); err != nil {
		t.Fatal(err)
	}

	after, _ := f.s.GetReceiptBalance(f.ctx, r.ID)
	outAfter, _ := f.s.GetOutstanding(f.ctx, []string{b.ID})
	if !after.AvailableBalance.Equal(before.AvailableBalance) {
		t.Fatalf("receipt balance not restored: %s != %s", after.AvailableBalance, before.AvailableBalance)
	}
	if !outAfter[0].Outstanding.Equal(outBefore[0].Outstanding) {
		t.Fatalf("billing outstanding not restored: %s != %s", outAfter[0].Outstanding, outBefore[0].Outstanding)
	}

	if err := f.s.UnapplyPayment(f.ctx, app.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double unapply: got %v", err)
	}
}

func TestAutoApplyFIFO(t *testing.T) {
	f := newFixture(t)
	c := f.customer("Acme")
	jan := f.billing(c.ID, "200.00", "2024-01-01")
	feb := f.billing(c.ID, "300.00", "2024-02-01")
	r := f.receipt(c.ID, "250.00")

	res, err := f.s.AutoApplyPayment(f.ctx, r.ID, "system")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Applications) != 2 {
		t.Fatalf("expected 2 applications, got %d", len(res.Applications))
	}
	if res.Applications[0].BillingID != jan.ID || !res.Applications[0].AppliedAmount.Equal(MustMoney("200.00")) {
		t.Fatalf("first application must clear January fully: %+v", res.Applications[0])
	}
	if res.Applications[1].BillingID != feb.ID || !res.Applications[1].AppliedAmount.Equal(MustMoney("50.00")) {
		t.Fatalf("second application must put 50.00 on February: %+v", res.Applications[1])
	}
	if !res.RemainingBalance.IsZero() {
		t.Fatalf("remaining = %s, want 0.00", res.RemainingBalance)
	}
}

func TestAutoApplyLeftoverStaysAvailable(t *testing.T) {
	f := newFixture(t)
	c := f.customer("Acme")
	f.billing(c.ID, "100.00", "2024-01-01")
	r := f.receipt(c.ID, "400.00")

	res, err := f.s.AutoApplyPayment(f.ctx, r.ID, "system")
	if err != nil {
		t.Fatal(err)
	}
	if !res.RemainingBalance.Equal(MustMoney("300.00")) {
		t.Fatalf("remaining = %s, want 300.00", res.RemainingBalance)
	}
	rb, _ := f.s.GetReceiptBalance(f.ctx, r.ID)
	if !rb.AvailableBalance.Equal(MustMoney("300.00")) {
		t.Fatalf("leftover must stay available: %s", rb.AvailableBalance)
	}

	// A later billing can consume the leftover.
	f.billing(c.ID, "1000.00", "2024-03-01")
	res, err = f.s.AutoApplyPayment(f.ctx, r.ID, "system")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Applications) != 1 || !res.Applications[0].AppliedAmount.Equal(MustMoney("300.00")) {
		t.Fatalf("second sweep must apply the leftover: %+v", res.Applications)
	}
}

func TestAutoApplySkipsPaidBillings(t *testing.T) {
	f := newFixture(t)
	c := f.customer("Acme")
	old := f.billing(c.ID, "100.00", "2023-12-01")
	next := f.billing(c.ID, "100.00", "2024-01-01")
	r := f.receipt(c.ID, "150.00")

	if _, err := f.s.ApplyPayment(f.ctx, r.ID, old.ID, MustMoney("100.00"), "x"); err != nil {
		t.Fatal(err)
	}
	res, err := f.s.AutoApplyPayment(f.ctx, r.ID, "system")
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Applications) != 1 || res.Applications[0].BillingID != next.ID {
		t.Fatalf("sweep must skip the paid billing: %+v", res.Applications)
	}
}

func TestInvariantUnderConcurrentApplications(t *testing.T) {
	f := newFixture(t)
	c := f.customer("Acme")
	r := f.receipt(c.ID, "1000.00")
	b := f.billing(c.ID, "100000.00", "2024-01-01")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.s.ApplyPayment(f.ctx, r.ID, b.ID, MustMoney("100.00"), "race")
		}()
	}
	wg.Wait()

	rb, _ := f.s.GetReceiptBalance(f.ctx, r.ID)
	if rb.TotalApplied.GreaterThan(rb.ReceiptAmount) {
		t.Fatalf("invariant violated: applied %s > receipt %s", rb.TotalApplied, rb.ReceiptAmount)
	}
	if !rb.TotalApplied.Equal(MustMoney("1000.00")) {
		t.Fatalf("exactly 10 applications should have succeeded, applied %s", rb.TotalApplied)
	}
}

func TestVoidReceipt(t *testing.T) {
	f := newFixture(t)
	c := f.customer("Acme")
	b := f.billing(c.ID, "100.00", "2024-01-01")

	used := f.receipt(c.ID, "100.00")
	if _, err := f.s.ApplyPayment(f.ctx, used.ID, b.ID, MustMoney("10.00"), "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.s.VoidReceipt(f.ctx, used.ID); !errors.Is(err, ErrReceiptHasApplications) {
		t.Fatalf("void with applications: got %v", err)
	}

	unused := f.receipt(c.ID, "100.00")
	voided, err := f.s.VoidReceipt(f.ctx, unused.ID)
	if err != nil {
		t.Fatal(err)
	}
	if voided.Status != ReceiptVoid {
		t.Fatalf("status = %s, want void", voided.Status)
	}
	if _, err := f.s.ApplyPayment(f.ctx, unused.ID, b.ID, MustMoney("1.00"), "x"); !errors.Is(err, ErrReceiptVoid) {
		t.Fatalf("apply on void receipt: got %v", err)
	}

	funds, _ := f.s.GetAvailableBalance(f.ctx, c.ID)
	if !funds.TotalReceipts.Equal(MustMoney("100.00")) {
		t.Fatalf("void receipt must not count as funds: %s", funds.TotalReceipts)
	}
}

func TestGetAvailableBalance(t *testing.T) {
	f := newFixture(t)
	c := f.customer("Acme")
	b := f.billing(c.ID, "500.00", "2024-01-01")
	f.receipt(c.ID, "300.00")
	r2 := f.receipt(c.ID, "700.00")

	if _, err := f.s.ApplyPayment(f.ctx, r2.ID, b.ID, MustMoney("450.00"), "x"); err != nil {
		t.Fatal(err)
	}
	funds, err := f.s.GetAvailableBalance(f.ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !funds.TotalReceipts.Equal(MustMoney("1000.00")) ||
		!funds.TotalApplied.Equal(MustMoney("450.00")) ||
		!funds.AvailableBalance.Equal(MustMoney("550.00")) {
		t.Fatalf("unexpected funds: %+v", funds)
	}
}

func TestIdempotentOutstandingReads(t *testing.T) {
	f := newFixture(t)
	c := f.customer("Acme")
	r := f.receipt(c.ID, "100.00")
	b := f.billing(c.ID, "80.00", "2024-01-01")
	if _, err := f.s.ApplyPayment(f.ctx, r.ID, b.ID, MustMoney("30.00"), "x"); err != nil {
		t.Fatal(err)
	}

	first, _ := f.s.GetOutstanding(f.ctx, []string{b.ID})
	second, _ := f.s.GetOutstanding(f.ctx, []string{b.ID})
	if !first[0].Outstanding.Equal(second[0].Outstanding) || !first[0].TotalPaid.Equal(second[0].TotalPaid) {
		t.Fatalf("reads diverged: %+v vs %+v", first[0], second[0])
	}
}

func TestAdjustReceiptAmountRescale(t *testing.T) {
	f := newFixture(t)
	c := f.customer("Acme")
	r := f.receipt(c.ID, "1000.00")
	b := f.billing(c.ID, "2500.00", "2024-01-01")
	if _, err := f.s.ApplyPayment(f.ctx, r.ID, b.ID, MustMoney("1000.00"), "x"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.s.AdjustReceiptAmount(f.ctx, r.ID, MustMoney("500.00"), "op"); !errors.Is(err, ErrBelowAppliedTotal) {
		t.Fatalf("shrink below applied: got %v", err)
	}

	adjusted, err := f.s.AdjustReceiptAmount(f.ctx, r.ID, MustMoney("2000.00"), "op")
	if err != nil {
		t.Fatal(err)
	}
	if !adjusted.Amount.Equal(MustMoney("2000.00")) {
		t.Fatalf("amount = %s, want 2000.00", adjusted.Amount)
	}
	apps, _ := f.s.ListApplications(f.ctx, r.ID)
	if len(apps) != 1 {
		t.Fatalf("expected 1 application, got %d", len(apps))
	}
	if !apps[0].AppliedAmount.Equal(MustMoney("2000.00")) {
		t.Fatalf("rescaled amount = %s, want 2000.00", apps[0].AppliedAmount)
	}
	if apps[0].Note != RescaleNote {
		t.Fatalf("rescaled application must carry the correction note, got %q", apps[0].Note)
	}

	// Equality with the receipt amount held before and must hold after.
	rb, _ := f.s.GetReceiptBalance(f.ctx, r.ID)
	if !rb.IsFullyUtilized || !rb.AvailableBalance.IsZero() {
		t.Fatalf("rescale must preserve full utilization: %+v", rb)
	}
}

func TestAdjustReceiptAmountMultipleApplications(t *testing.T) {
	f := newFixture(t)
	c := f.customer("Acme")
	r := f.receipt(c.ID, "300.00")
	b1 := f.billing(c.ID, "400.00", "2024-01-01")
	b2 := f.billing(c.ID, "400.00", "2024-02-01")
	if _, err := f.s.ApplyPayment(f.ctx, r.ID, b1.ID, MustMoney("100.00"), "x"); err != nil {
		t.Fatal(err)
	}
	if _, err := f.s.ApplyPayment(f.ctx, r.ID, b2.ID, MustMoney("200.00"), "x"); err != nil {
		t.Fatal(err)
	}

	if _, err := f.s.AdjustReceiptAmount(f.ctx, r.ID, MustMoney("150.00"), "op"); err != nil {
		t.Fatal(err)
	}
	apps, _ := f.s.ListApplications(f.ctx, r.ID)
	var sum Money
	for _, app := range apps {
		sum = sum.Add(app.AppliedAmount)
	}
	// Relative shares stay 1:2 and the sum halves with the receipt.
	if !sum.Equal(MustMoney("150.00")) {
		t.Fatalf("rescaled sum = %s, want 150.00", sum)
	}
	if !apps[0].AppliedAmount.Equal(MustMoney("50.00")) || !apps[1].AppliedAmount.Equal(MustMoney("100.00")) {
		t.Fatalf("shares not preserved: %s, %s", apps[0].AppliedAmount, apps[1].AppliedAmount)
	}
}

func TestAdjustReceiptAmountRespectsBillingTotal(t *testing.T) {
	f := newFixture(t)
	c := f.customer("Acme")
	r := f.receipt(c.ID, "1000.00")
	b := f.billing(c.ID, "1500.00", "2024-01-01")
	if _, err := f.s.ApplyPayment(f.ctx, r.ID, b.ID, MustMoney("1000.00"), "x"); err != nil {
		t.Fatal(err)
	}

	// Rescaling 1000 -> 2000 would apply 2000 against a 1500 billing.
	if _, err := f.s.AdjustReceiptAmount(f.ctx, r.ID, MustMoney("2000.00"), "op"); !errors.Is(err, ErrInsufficientBillingOutstanding) {
		t.Fatalf("expected ErrInsufficientBillingOutstanding, got %v", err)
	}

	// Rejected adjustments leave everything untouched.
	rec, _ := f.s.GetReceipt(f.ctx, r.ID)
	if !rec.Amount.Equal(MustMoney("1000.00")) {
		t.Fatalf("receipt amount changed: %s", rec.Amount)
	}
	apps, _ := f.s.ListApplications(f.ctx, r.ID)
	if len(apps) != 1 || !apps[0].AppliedAmount.Equal(MustMoney("1000.00")) || apps[0].Note != "" {
		t.Fatalf("application changed: %+v", apps)
	}

	// Growing within the billing's remaining headroom still works.
	if _, err := f.s.AdjustReceiptAmount(f.ctx, r.ID, MustMoney("1500.00"), "op"); err != nil {
		t.Fatal(err)
	}
	bal, _ := f.s.GetOutstanding(f.ctx, []string{b.ID})
	if !bal[0].Outstanding.IsZero() || !bal[0].IsFullyPaid {
		t.Fatalf("expected fully paid billing, got %+v", bal[0])
	}
}

func TestGetOutstandingDuplicateIDs(t *testing.T) {
	f := newFixture(t)
	c := f.customer("Acme")
	r := f.receipt(c.ID, "400.00")
	b := f.billing(c.ID, "600.00", "2024-01-01")
	if _, err := f.s.ApplyPayment(f.ctx, r.ID, b.ID, MustMoney("250.00"), "x"); err != nil {
		t.Fatal(err)
	}

	balances, err := f.s.GetOutstanding(f.ctx, []string{b.ID, b.ID})
	if err != nil {
		t.Fatalf("duplicate ids must not fail: %v", err)
	}
	if len(balances) != 1 {
		t.Fatalf("expected 1 balance, got %d", len(balances))
	}
	if !balances[0].Outstanding.Equal(MustMoney("350.00")) {
		t.Fatalf("outstanding = %s, want 350.00", balances[0].Outstanding)
	}
}

func TestDetectOverApplication(t *testing.T) {
	f := newFixture(t)
	c := f.customer("Acme")
	r := f.receipt(c.ID, "100.00")
	b := f.billing(c.ID, "500.00", "2024-01-01")
	if _, err := f.s.ApplyPayment(f.ctx, r.ID, b.ID, MustMoney("100.00"), "x"); err != nil {
		t.Fatal(err)
	}

	check, err := f.s.DetectOverApplication(f.ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if check.IsInconsistent {
		t.Fatalf("healthy receipt flagged: %+v", check)
	}

	// Simulate a migrated dataset that violates invariant 1: an application
	// written behind the engine's back.
	f.s.mu.Lock()
	f.s.apps["legacy"] = Application{
		ID: "legacy", ReceiptID: r.ID, BillingID: b.ID,
		AppliedAmount: MustMoney("75.00"), ApplicationDate: time.Now().UTC(),
	}
	f.s.mu.Unlock()

	check, err = f.s.DetectOverApplication(f.ctx, r.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !check.IsInconsistent {
		t.Fatal("over-application not detected")
	}
	if !check.TotalApplied.Equal(MustMoney("175.00")) || !check.ReceiptAmount.Equal(MustMoney("100.00")) {
		t.Fatalf("unexpected check detail: %+v", check)
	}
	if check.AffectedBillings != 1 {
		t.Fatalf("affected billings = %d, want 1", check.AffectedBillings)
	}
}

func TestAgingReportThroughService(t *testing.T) {
	today := mustDate("2024-05-01")
	f := newFixture(t, WithNow(func() time.Time { return today }))
	c := f.customer("Acme")
	f.billing(c.ID, "100.00", "2024-03-31") // exactly 31 days old

	report, err := f.s.GetAgingReport(f.ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Over30) != 1 || len(report.Current) != 0 {
		t.Fatalf("31-day billing must land in over_30: %+v", report)
	}
	if !report.Over30[0].IsOverdue {
		t.Fatal("expected overdue flag")
	}
}
