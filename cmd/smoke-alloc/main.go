// Command smoke-alloc drives a running arledger-api instance end to end:
// it registers a customer with two billings, records an advance payment and
// verifies the FIFO auto-apply sweep splits it across both.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/finportal/arledger/internal/ledger"
)

func main() {
	base := os.Getenv("ARLEDGER_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 5 * time.Second}

	custID := postID(client, base+"/v1/customers", map[string]any{
		"name":         fmt.Sprintf("smoke-%d", time.Now().UnixNano()),
		"kind":         "company",
		"credit_limit": "1000.00",
	})

	oldBilling := postID(client, base+"/v1/billings", map[string]any{
		"customer_id":  custID,
		"total_amount": "200.00",
		"service_date": time.Now().UTC().AddDate(0, -2, 0).Format(time.RFC3339),
	})
	newBilling := postID(client, base+"/v1/billings", map[string]any{
		"customer_id":  custID,
		"total_amount": "300.00",
		"service_date": time.Now().UTC().AddDate(0, -1, 0).Format(time.RFC3339),
	})

	receiptID := postID(client, base+"/v1/receipts", map[string]any{
		"customer_id":    custID,
		"amount":         "250.00",
		"date":           time.Now().UTC().Format(time.RFC3339),
		"payment_method": "bank_transfer",
	})

	var result ledger.AutoApplyResult
	post(client, base+"/v1/receipts/"+receiptID+"/auto-apply", map[string]any{
		"actor": "smoke",
	}, &result)

	if len(result.Applications) != 2 {
		log.Fatalf("expected 2 applications, got %d", len(result.Applications))
	}
	if result.Applications[0].BillingID != oldBilling ||
		!result.Applications[0].AppliedAmount.Equal(ledger.MustMoney("200.00")) {
		log.Fatalf("oldest billing not paid first: %+v", result.Applications[0])
	}
	if result.Applications[1].BillingID != newBilling ||
		!result.Applications[1].AppliedAmount.Equal(ledger.MustMoney("50.00")) {
		log.Fatalf("unexpected second allocation: %+v", result.Applications[1])
	}
	if !result.RemainingBalance.IsZero() {
		log.Fatalf("expected fully utilized receipt, got %s remaining", result.RemainingBalance)
	}

	var bal ledger.ReceiptBalance
	get(client, base+"/v1/receipts/"+receiptID+"/balance", &bal)
	if !bal.IsFullyUtilized {
		log.Fatalf("receipt not fully utilized: %+v", bal)
	}

	var check ledger.OverApplicationCheck
	get(client, base+"/v1/receipts/"+receiptID+"/check", &check)
	if check.IsInconsistent {
		log.Fatalf("over-application detected: %+v", check)
	}

	fmt.Printf("✅ allocation smoke test passed: customer=%s receipt=%s\n", custID, receiptID)
}

func post(client *http.Client, url string, body any, out any) {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("marshal %s: %v", url, err)
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("post %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Fatalf("post %s: unexpected status %d", url, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("decode %s: %v", url, err)
		}
	}
}

func postID(client *http.Client, url string, body any) string {
	var created struct {
		ID string `json:"id"`
	}
	post(client, url, body, &created)
	if created.ID == "" {
		log.Fatalf("post %s: empty id in response", url)
	}
	return created.ID
}

func get(client *http.Client, url string, out any) {
	resp, err := client.Get(url)
	if err != nil {
		log.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("get %s: unexpected status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		log.Fatalf("decode %s: %v", url, err)
	}
}
