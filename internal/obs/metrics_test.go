package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                            "/",
		"/metrics":                    "/metrics",
		"/v1/receipts/abc":            "/v1/receipts/:id",
		"/v1/receipts/abc/balance":    "/v1/receipts/:id/balance",
		"/v1/receipts/abc/auto-apply": "/v1/receipts/:id/auto-apply",
		"/v1/customers/abc/aging":     "/v1/customers/:id/aging",
		"/v1/applications/xyz":        "/v1/applications/:id",
		"/v1/billings/b42":            "/v1/billings/:id",
		"/v1/outstanding":             "/v1/outstanding",
		"/v1/events":                  "/v1/events",
		"/v1/receipts/abc?verbose=1":  "/v1/receipts/:id",
		"/healthz":                    "/healthz",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
