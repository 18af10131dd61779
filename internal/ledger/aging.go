package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Aging thresholds in days. A billing older than overdueAfter days is
// overdue; the bucket boundaries are fixed at 30/60/90.
const (
	overdueAfter = 30
	bucket60     = 60
	bucket90     = 90
)

// BucketFor classifies an outstanding billing by whole days since its
// service date. Exactly 30 days is still current; 31 is over_30.
func BucketFor(days int) AgingBucket {
	switch {
	case days <= overdueAfter:
		return BucketCurrent
	case days <= bucket60:
		return BucketOver30
	case days <= bucket90:
		return BucketOver60
	default:
		return BucketOver90
	}
}

// BuildAgingReport buckets every billing with outstanding > 0 by age as of
// the given day. Pure aggregation over ComputeOutstanding output; never
// mutates state.
func BuildAgingReport(customerID string, balances []BillingBalance, asOf time.Time) AgingReport {
	report := AgingReport{CustomerID: customerID, AsOf: asOf}
	for _, bal := range balances {
		if !bal.Outstanding.IsPositive() {
			continue
		}
		days := daysBetween(bal.Billing.ServiceDate, asOf)
		entry := AgingEntry{
			BillingBalance:  bal,
			DaysOutstanding: days,
			Bucket:          BucketFor(days),
			IsOverdue:       days > overdueAfter,
		}
		switch entry.Bucket {
		case BucketCurrent:
			report.Current = append(report.Current, entry)
			report.BucketTotals.Current = report.BucketTotals.Current.Add(bal.Outstanding)
		case BucketOver30:
			report.Over30 = append(report.Over30, entry)
			report.BucketTotals.Over30 = report.BucketTotals.Over30.Add(bal.Outstanding)
		case BucketOver60:
			report.Over60 = append(report.Over60, entry)
			report.BucketTotals.Over60 = report.BucketTotals.Over60.Add(bal.Outstanding)
		case BucketOver90:
			report.Over90 = append(report.Over90, entry)
			report.BucketTotals.Over90 = report.BucketTotals.Over90.Add(bal.Outstanding)
		}
		report.TotalOutstanding = report.TotalOutstanding.Add(bal.Outstanding)
	}
	return report
}

// BuildCreditUtilization computes credit-limit consumption for a customer.
// A zero credit limit yields a zero rate rather than a division error.
func BuildCreditUtilization(customer Customer, totalOutstanding Money) CreditUtilization {
	rate := decimal.Zero
	if customer.CreditLimit.IsPositive() {
		rate = totalOutstanding.Decimal().DivRound(customer.CreditLimit.Decimal(), 4)
	}
	return CreditUtilization{
		CustomerID:       customer.ID,
		CreditLimit:      customer.CreditLimit,
		TotalOutstanding: totalOutstanding,
		AvailableCredit:  customer.CreditLimit.Sub(totalOutstanding).ClampZero(),
		UtilizationRate:  rate,
	}
}

// daysBetween counts whole days from the service date to asOf, ignoring the
// time-of-day component so a billing ages at UTC midnight boundaries.
func daysBetween(from, to time.Time) int {
	f := from.UTC().Truncate(24 * time.Hour)
	t := to.UTC().Truncate(24 * time.Hour)
	return int(t.Sub(f) / (24 * time.Hour))
}
