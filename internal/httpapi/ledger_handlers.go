package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/finportal/arledger/internal/ledger"
)

type createCustomerRequest struct {
	Name        string       `json:"name"`
	Kind        string       `json:"kind"`
	CreditLimit ledger.Money `json:"credit_limit"`
}

type createReceiptRequest struct {
	CustomerID      string       `json:"customer_id"`
	Amount          ledger.Money `json:"amount"`
	Date            time.Time    `json:"date"`
	PaymentMethod   string       `json:"payment_method"`
	ReferenceNumber string       `json:"reference_number"`
}

type createBillingRequest struct {
	CustomerID  string       `json:"customer_id"`
	TotalAmount ledger.Money `json:"total_amount"`
	ServiceDate time.Time    `json:"service_date"`
}

func (a *API) handleCustomersCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createCustomer(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleCustomerResource(w http.ResponseWriter, r *http.Request) {
	id, sub, ok := splitResource(r.URL.Path, "/v1/customers/")
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	switch sub {
	case "":
		a.getCustomer(w, r, id)
	case "aging":
		a.getAgingReport(w, r, id)
	case "credit":
		a.getCreditUtilization(w, r, id)
	case "funds":
		a.getCustomerFunds(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleReceiptsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createReceipt(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleReceiptResource(w http.ResponseWriter, r *http.Request) {
	id, sub, ok := splitResource(r.URL.Path, "/v1/receipts/")
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch sub {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getReceipt(w, r, id)
	case "balance":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getReceiptBalance(w, r, id)
	case "applications":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listApplications(w, r, id)
	case "check":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.detectOverApplication(w, r, id)
	case "void":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.voidReceipt(w, r, id)
	case "auto-apply":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.autoApply(w, r, id)
	case "adjust":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.adjustReceipt(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleBillingsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createBilling(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleBillingResource(w http.ResponseWriter, r *http.Request) {
	id, sub, ok := splitResource(r.URL.Path, "/v1/billings/")
	if !ok || sub != "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	a.getBilling(w, r, id)
}

func (a *API) createCustomer(w http.ResponseWriter, r *http.Request) {
	var req createCustomerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, r, http.StatusBadRequest, "name is required")
		return
	}
	kind := ledger.CustomerKind(strings.TrimSpace(req.Kind))
	if kind != ledger.CustomerCompany && kind != ledger.CustomerIndividual {
		writeError(w, r, http.StatusBadRequest, "kind must be company or individual")
		return
	}
	if req.CreditLimit.IsNegative() {
		writeError(w, r, http.StatusBadRequest, "credit_limit must be >= 0")
		return
	}

	cust, err := a.ledger.RegisterCustomer(r.Context(), ledger.Customer{
		Name:        name,
		Kind:        kind,
		CreditLimit: req.CreditLimit,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	a.audit(r.Context(), "ledger.customer.register", "customer", cust.ID, map[string]string{
		"kind": string(kind),
	})

	w.Header().Set("Location", "/v1/customers/"+cust.ID)
	writeJSON(w, http.StatusCreated, cust)
}

func (a *API) getCustomer(w http.ResponseWriter, r *http.Request, id string) {
	cust, err := a.ledger.GetCustomer(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cust)
}

func (a *API) createReceipt(w http.ResponseWriter, r *http.Request) {
	var req createReceiptRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		writeError(w, r, http.StatusBadRequest, "customer_id is required")
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, r, http.StatusBadRequest, "amount must be > 0")
		return
	}
	date := req.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}

	rec, err := a.ledger.RegisterReceipt(r.Context(), ledger.Receipt{
		CustomerID:      customerID,
		Amount:          req.Amount,
		Date:            date,
		PaymentMethod:   strings.TrimSpace(req.PaymentMethod),
		ReferenceNumber: strings.TrimSpace(req.ReferenceNumber),
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	a.audit(r.Context(), "ledger.receipt.register", "receipt", rec.ID, map[string]string{
		"customer_id": customerID,
		"amount":      rec.Amount.String(),
	})

	w.Header().Set("Location", "/v1/receipts/"+rec.ID)
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) getReceipt(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := a.ledger.GetReceipt(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) voidReceipt(w http.ResponseWriter, r *http.Request, id string) {
	rec, err := a.ledger.VoidReceipt(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.receipt.void", "receipt", rec.ID, nil)
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) createBilling(w http.ResponseWriter, r *http.Request) {
	var req createBillingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	customerID := strings.TrimSpace(req.CustomerID)
	if customerID == "" {
		writeError(w, r, http.StatusBadRequest, "customer_id is required")
		return
	}
	if !req.TotalAmount.IsPositive() {
		writeError(w, r, http.StatusBadRequest, "total_amount must be > 0")
		return
	}
	serviceDate := req.ServiceDate
	if serviceDate.IsZero() {
		writeError(w, r, http.StatusBadRequest, "service_date is required")
		return
	}

	b, err := a.ledger.RegisterBilling(r.Context(), ledger.Billing{
		CustomerID:  customerID,
		TotalAmount: req.TotalAmount,
		ServiceDate: serviceDate,
	})
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}

	a.audit(r.Context(), "ledger.billing.register", "billing", b.ID, map[string]string{
		"customer_id":  customerID,
		"total_amount": b.TotalAmount.String(),
	})

	w.Header().Set("Location", "/v1/billings/"+b.ID)
	writeJSON(w, http.StatusCreated, b)
}

func (a *API) getBilling(w http.ResponseWriter, r *http.Request, id string) {
	b, err := a.ledger.GetBilling(r.Context(), id)
	if err != nil {
		handleLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

// splitResource extracts "<id>" and an optional single sub-resource from the
// path remainder after prefix. "/v1/receipts/r1/balance" yields ("r1",
// "balance", true).
func splitResource(path, prefix string) (id, sub string, ok bool) {
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" || rest == path {
		return "", "", false
	}
	rest = strings.TrimSuffix(rest, "/")
	parts := strings.Split(rest, "/")
	switch len(parts) {
	case 1:
		return parts[0], "", parts[0] != ""
	case 2:
		return parts[0], parts[1], parts[0] != "" && parts[1] != ""
	default:
		return "", "", false
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidCustomer):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientReceiptBalance),
		errors.Is(err, ledger.ErrInsufficientBillingOutstanding),
		errors.Is(err, ledger.ErrCustomerMismatch),
		errors.Is(err, ledger.ErrBelowAppliedTotal),
		errors.Is(err, ledger.ErrReceiptVoid),
		errors.Is(err, ledger.ErrReceiptHasApplications),
		errors.Is(err, ledger.ErrAlreadyExists):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
