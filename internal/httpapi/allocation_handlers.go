package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/finportal/arledger/internal/audit"
	"github.com/finportal/arledger/internal/ledger"
	"github.com/finportal/arledger/internal/obs"
	"github.com/finportal/arledger/internal/stream"
)

type applyPaymentRequest struct {
	ReceiptID string       `json:"receipt_id"`
	BillingID string       `json:"billing_id"`
	Amount    ledger.Money `json:"amount"`
	Actor     string       `json:"actor"`
}

type autoApplyRequest struct {
	Actor string `json:"actor"`
}

type adjustReceiptRequest struct {
	NewAmount ledger.Money `json:"new_amount"`
	Actor     string       `json:"actor"`
}

type listApplicationsResponse struct {
	Items []ledger.Application `json:"items"`
	AsOf  time.Time            `json:"as_of"`
}

type outstandingResponse struct {
	Items []ledger.BillingBalance `json:"items"`
	AsOf  time.Time               `json:"as_of"`
}

func (a *API) handleApplicationsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.applyPayment(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleApplicationResource(w http.ResponseWriter, r *http.Request) {
	id, sub, ok := splitResource(r.URL.Path, "/v1/applications/")
	if !ok || sub != "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodDelete:
		a.unapplyPayment(w, r, id)
	default:
		methodNotAllowed(w, r, http.MethodDelete)
	}
}

func (a *API) applyPayment(w http.ResponseWriter, r *http.Request) {
	var req applyPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	receiptID := strings.TrimSpace(req.ReceiptID)
	billingID := strings.TrimSpace(req.BillingID)
	if receiptID == "" || billingID == "" {
		writeError(w, r, http.StatusBadRequest, "receipt_id and billing_id are required")
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, r, http.StatusBadRequest, "amount must be > 0")
		return
	}
	actor := strings.TrimSpace(req.Actor)

	ctx := audit.WithActor(r.Context(), actor)
	app, err := a.ledger.ApplyPayment(ctx, receiptID, billingID, req.Amount, actor)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	obs.ApplicationsCreated.Inc()

	a.publish(stream.AllocationEvent{
		Kind:          stream.KindApplied,
		ReceiptID:     app.ReceiptID,
		BillingID:     app.BillingID,
		ApplicationID: app.ID,
		Amount:        app.AppliedAmount,
	})
	a.audit(ctx, "ledger.payment.apply", "application", app.ID, map[string]string{
		"receipt_id": app.ReceiptID,
		"billing_id": app.BillingID,
		"amount":     app.AppliedAmount.String(),
	})

	w.Header().Set("Location", "/v1/applications/"+app.ID)
	writeJSON(w, http.StatusCreated, app)
}

func (a *API) unapplyPayment(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.ledger.UnapplyPayment(r.Context(), id); err != nil {
		handleLedgerError(w, r, err)
		return
	}
	obs.ApplicationsUnapplied.Inc()

	a.publish(stream.AllocationEvent{
		Kind:          stream.KindUnapplied,
		ApplicationID: id,
	})
	a.audit(r.Context(), "ledger.payment.unapply", "application", id, nil)

	w.WriteHeader(http.StatusNoContent)
}

func (a *API) autoApply(w http.ResponseWriter, r *http.Request, receiptID string) {
	var req autoApplyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actor := strings.TrimSpace(req.Actor)

	ctx := audit.WithActor(r.Context(), actor)
	result, err := a.ledger.AutoApplyPayment(ctx, receiptID, actor)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	obs.AutoApplySweeps.Inc()
	for _, app := range result.Applications {
		obs.ApplicationsCreated.Inc()
		a.publish(stream.AllocationEvent{
			Kind:          stream.KindAutoApplied,
			ReceiptID:     app.ReceiptID,
			BillingID:     app.BillingID,
			ApplicationID: app.ID,
			Amount:        app.AppliedAmount,
		})
	}
	a.audit(ctx, "ledger.payment.auto_apply", "receipt", receiptID, map[string]string{
		"applications":      strconv.Itoa(len(result.Applications)),
		"remaining_balance": result.RemainingBalance.String(),
	})

	writeJSON(w, http.StatusOK, result)
}

func (a *API) adjustReceipt(w http.ResponseWriter, r *http.Request, receiptID string) {
	var req adjustReceiptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !req.NewAmount.IsPositive() {
		writeError(w, r, http.StatusBadRequest, "new_amount must be > 0")
		return
	}
	actor := strings.TrimSpace(req.Actor)

	ctx := audit.WithActor(r.Context(), actor)
	rec, err := a.ledger.AdjustReceiptAmount(ctx, receiptID, req.NewAmount, actor)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	a.publish(stream.AllocationEvent{
		Kind:      stream.KindRescaled,
		ReceiptID: rec.ID,
		Amount:    rec.Amount,
	})
	a.audit(ctx, "ledger.receipt.adjust", "receipt", rec.ID, map[string]string{
		"new_amount": rec.Amount.String(),
	})

	writeJSON(w, http.StatusOK, rec)
}

func (a *API) listApplications(w http.ResponseWriter, r *http.Request, receiptID string) {
	items, err := a.ledger.ListApplications(r.Context(), receiptID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listApplicationsResponse{
		Items: items,
		AsOf:  time.Now().UTC(),
	})
}

func (a *API) handleOutstanding(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	raw := strings.TrimSpace(r.URL.Query().Get("ids"))
	if raw == "" {
		writeError(w, r, http.StatusBadRequest, "ids query parameter is required")
		return
	}
	var ids []string
	for _, id := range strings.Split(raw, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 || len(ids) > 200 {
		writeError(w, r, http.StatusBadRequest, "ids must contain between 1 and 200 identifiers")
		return
	}

	items, err := a.ledger.GetOutstanding(r.Context(), ids)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, outstandingResponse{
		Items: items,
		AsOf:  time.Now().UTC(),
	})
}

func (a *API) getReceiptBalance(w http.ResponseWriter, r *http.Request, receiptID string) {
	bal, err := a.ledger.GetReceiptBalance(r.Context(), receiptID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, bal)
}

func (a *API) getCustomerFunds(w http.ResponseWriter, r *http.Request, customerID string) {
	funds, err := a.ledger.GetAvailableBalance(r.Context(), customerID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, funds)
}

func (a *API) getAgingReport(w http.ResponseWriter, r *http.Request, customerID string) {
	report, err := a.ledger.GetAgingReport(r.Context(), customerID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) getCreditUtilization(w http.ResponseWriter, r *http.Request, customerID string) {
	util, err := a.ledger.GetCreditUtilization(r.Context(), customerID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, util)
}

func (a *API) detectOverApplication(w http.ResponseWriter, r *http.Request, receiptID string) {
	check, err := a.ledger.DetectOverApplication(r.Context(), receiptID)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (a *API) publish(evt stream.AllocationEvent) {
	if a.stream == nil {
		return
	}
	a.stream.Publish(evt)
}
