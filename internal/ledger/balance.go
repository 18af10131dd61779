package ledger

// ComputeOutstanding computes the payment state of a batch of billings from
// their applications in one pass. Pure, no I/O: callers fetch all relevant
// applications once and group here instead of issuing per-billing lookups.
//
// Outstanding is clipped at zero: applications exceeding a billing's total is
// a data-integrity condition handled by reconciliation, not a balance value.
func ComputeOutstanding(billings []Billing, applications []Application) []BillingBalance {
	paid := make(map[string]Money, len(billings))
	for _, app := range applications {
		paid[app.BillingID] = paid[app.BillingID].Add(app.AppliedAmount)
	}

	out := make([]BillingBalance, 0, len(billings))
	for _, b := range billings {
		totalPaid := paid[b.ID]
		outstanding := b.TotalAmount.Sub(totalPaid).ClampZero()
		out = append(out, BillingBalance{
			Billing:     b,
			TotalPaid:   totalPaid,
			Outstanding: outstanding,
			IsFullyPaid: outstanding.IsZero(),
		})
	}
	return out
}

// ComputeReceiptBalance computes how much of a receipt is still unconsumed.
// AvailableBalance is not clipped: a negative value means over-application
// and is what DetectOverApplication looks for.
func ComputeReceiptBalance(receipt Receipt, applications []Application) ReceiptBalance {
	var applied Money
	for _, app := range applications {
		if app.ReceiptID != receipt.ID {
			continue
		}
		applied = applied.Add(app.AppliedAmount)
	}
	available := receipt.Amount.Sub(applied)
	return ReceiptBalance{
		ReceiptAmount:    receipt.Amount,
		TotalApplied:     applied,
		AvailableBalance: available,
		IsFullyUtilized:  !available.IsPositive(),
	}
}

// DeriveBillingStatus maps a computed balance to the reported billing status.
func DeriveBillingStatus(bal BillingBalance) BillingStatus {
	switch {
	case bal.IsFullyPaid:
		return BillingPaid
	case bal.TotalPaid.IsPositive():
		return BillingPartial
	default:
		return BillingPending
	}
}
