package ledger

import (
	"testing"

	"github.com/shopspring/decimal"
)

func agedBalance(id, serviceDate, outstanding string) BillingBalance {
	return BillingBalance{
		Billing:     Billing{ID: id, CustomerID: "c1", TotalAmount: MustMoney(outstanding), ServiceDate: mustDate(serviceDate)},
		Outstanding: MustMoney(outstanding),
	}
}

func TestBucketBoundaries(t *testing.T) {
	cases := map[int]AgingBucket{
		0:   BucketCurrent,
		30:  BucketCurrent,
		31:  BucketOver30,
		60:  BucketOver30,
		61:  BucketOver60,
		90:  BucketOver60,
		91:  BucketOver90,
		365: BucketOver90,
	}
	for days, want := range cases {
		if got := BucketFor(days); got != want {
			t.Fatalf("BucketFor(%d) = %s, want %s", days, got, want)
		}
	}
}

func TestBuildAgingReport(t *testing.T) {
	asOf := mustDate("2024-05-01")
	balances := []BillingBalance{
		agedBalance("b-current", "2024-04-15", "100.00"), // 16 days
		agedBalance("b-31", "2024-03-31", "200.00"),      // 31 days
		agedBalance("b-75", "2024-02-16", "300.00"),      // 75 days
		agedBalance("b-old", "2023-12-01", "400.00"),     // 152 days
	}
	// Paid billings never appear in the report.
	balances = append(balances, BillingBalance{
		Billing:     Billing{ID: "b-paid", ServiceDate: mustDate("2023-01-01"), TotalAmount: MustMoney("50.00")},
		TotalPaid:   MustMoney("50.00"),
		Outstanding: ZeroMoney(),
		IsFullyPaid: true,
	})

	report := BuildAgingReport("c1", balances, asOf)

	if len(report.Current) != 1 || report.Current[0].Billing.ID != "b-current" {
		t.Fatalf("unexpected current bucket: %+v", report.Current)
	}
	if len(report.Over30) != 1 || report.Over30[0].Billing.ID != "b-31" {
		t.Fatalf("31-day billing must land in over_30: %+v", report.Over30)
	}
	if !report.Over30[0].IsOverdue {
		t.Fatal("31-day billing must be overdue")
	}
	if report.Current[0].IsOverdue {
		t.Fatal("16-day billing must not be overdue")
	}
	if len(report.Over60) != 1 || report.Over60[0].Billing.ID != "b-75" {
		t.Fatalf("unexpected over_60 bucket: %+v", report.Over60)
	}
	if len(report.Over90) != 1 || report.Over90[0].Billing.ID != "b-old" {
		t.Fatalf("unexpected over_90 bucket: %+v", report.Over90)
	}
	if !report.TotalOutstanding.Equal(MustMoney("1000.00")) {
		t.Fatalf("total outstanding = %s, want 1000.00", report.TotalOutstanding)
	}
	if !report.BucketTotals.Over30.Equal(MustMoney("200.00")) {
		t.Fatalf("over_30 total = %s, want 200.00", report.BucketTotals.Over30)
	}
}

func TestBuildCreditUtilization(t *testing.T) {
	c := Customer{ID: "c1", Kind: CustomerCompany, CreditLimit: MustMoney("10000.00")}
	u := BuildCreditUtilization(c, MustMoney("2500.00"))
	if !u.AvailableCredit.Equal(MustMoney("7500.00")) {
		t.Fatalf("available credit = %s, want 7500.00", u.AvailableCredit)
	}
	if !u.UtilizationRate.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("utilization = %s, want 0.25", u.UtilizationRate)
	}
}

func TestCreditUtilizationZeroLimit(t *testing.T) {
	c := Customer{ID: "c1", Kind: CustomerIndividual}
	u := BuildCreditUtilization(c, MustMoney("300.00"))
	if !u.UtilizationRate.IsZero() {
		t.Fatalf("zero limit must yield zero rate, got %s", u.UtilizationRate)
	}
	if !u.AvailableCredit.IsZero() {
		t.Fatalf("available credit = %s, want 0.00", u.AvailableCredit)
	}
}

func TestCreditUtilizationOverLimit(t *testing.T) {
	c := Customer{ID: "c1", Kind: CustomerCompany, CreditLimit: MustMoney("1000.00")}
	u := BuildCreditUtilization(c, MustMoney("1500.00"))
	if !u.AvailableCredit.IsZero() {
		t.Fatalf("over-limit available credit must clamp to zero, got %s", u.AvailableCredit)
	}
	if !u.UtilizationRate.Equal(decimal.RequireFromString("1.5")) {
		t.Fatalf("utilization = %s, want 1.5", u.UtilizationRate)
	}
}
