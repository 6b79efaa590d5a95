package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/finsentry/finsentry/internal/config"
	"github.com/finsentry/finsentry/internal/geo"
	"github.com/finsentry/finsentry/internal/state"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		MaxSingleAmount:     5000,
		MaxDailyAmount:      10000,
		MaxDailyCount:       20,
		VelocityWindow:      5 * time.Minute,
		VelocityMaxTx:       3,
		SmallTxAmount:       100,
		SmallTxMaxCount:     3,
		DistanceThresholdKm: 500,
		DeviceChangeWindow:  24 * time.Hour,
		TrustThreshold:      0.7,
		DeviceTTL:           30 * 24 * time.Hour,
		RateLimitRPM:        100000,
		SuspiciousCountries: []string{"KP"},
	}
}

// newTestServer creates a server with in-memory dependencies
func newTestServer(t *testing.T) *Server {
	t.Helper()

	resolver := geo.NewStaticResolver().
		Add("198.51.100.10", geo.Location{Country: "US", City: "Portland"}).
		Add("203.0.113.66", geo.Location{Country: "KP"})

	s, err := New(testConfig(),
		WithStateStore(state.NewMemoryStore()),
		WithResolver(resolver),
	)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return s
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	s.router.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// Health endpoint tests
// ---------------------------------------------------------------------------

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", resp["status"])
	}
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/health/live", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestReadinessNotReadyAtBoot(t *testing.T) {
	s := newTestServer(t)

	// Run() has not been called, so the server never became ready
	w := doJSON(t, s, "GET", "/health/ready", nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Evaluation endpoint tests
// ---------------------------------------------------------------------------

func TestEvaluateEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/evaluate", gin.H{
		"userId": "alice",
		"amount": 6150,
		"type":   "payment",
		"ip":     "198.51.100.10",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		RiskScore            int      `json:"riskScore"`
		IsAllowed            bool     `json:"isAllowed"`
		RequiresVerification bool     `json:"requiresVerification"`
		Triggers             []string `json:"triggers"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	if resp.RiskScore != 30 {
		t.Errorf("riskScore = %d, want 30", resp.RiskScore)
	}
	if !resp.IsAllowed {
		t.Error("expected transaction to be allowed")
	}
	if len(resp.Triggers) != 1 || resp.Triggers[0] != "HIGH_SINGLE_TRANSACTION_AMOUNT" {
		t.Errorf("triggers = %v", resp.Triggers)
	}
}

func TestEvaluateValidationErrors(t *testing.T) {
	s := newTestServer(t)

	cases := []gin.H{
		{},                                     // empty
		{"amount": 10, "type": "payment"},      // missing userId
		{"userId": "a b", "type": "payment"},   // malformed userId
		{"userId": "alice", "amount": -5, "type": "payment"},
		{"userId": "alice", "type": "payment", "ip": "bogus"},
	}
	for i, body := range cases {
		w := doJSON(t, s, "POST", "/v1/evaluate", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("case %d: expected 400, got %d: %s", i, w.Code, w.Body.String())
		}
	}
}

func TestEvaluateSuspiciousCountryDenied(t *testing.T) {
	s := newTestServer(t)

	// Stack amount + country to push past the deny threshold
	for i := 0; i < 4; i++ {
		w := doJSON(t, s, "POST", "/v1/evaluate", gin.H{
			"userId": "mallory",
			"amount": 6000,
			"type":   "payment",
			"ip":     "203.0.113.66",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}
	}

	w := doJSON(t, s, "POST", "/v1/evaluate", gin.H{
		"userId": "mallory",
		"amount": 6000,
		"type":   "payment",
		"ip":     "203.0.113.66",
	})
	var resp struct {
		RiskScore int  `json:"riskScore"`
		IsAllowed bool `json:"isAllowed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.IsAllowed {
		t.Errorf("expected deny at score %d", resp.RiskScore)
	}
}

func TestRecordTransactionAndHistory(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/transactions", gin.H{
		"userId": "alice",
		"amount": 125.50,
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}

	// Evaluations land in the audit trail asynchronously
	doJSON(t, s, "POST", "/v1/evaluate", gin.H{
		"userId": "alice",
		"amount": 10,
		"type":   "payment",
		"ip":     "198.51.100.10",
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		w = doJSON(t, s, "GET", "/v1/users/alice/evaluations", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}
		var resp struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to parse response: %v", err)
		}
		if resp.Count == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("evaluation never reached the audit trail (count=%d)", resp.Count)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHistoryPagination(t *testing.T) {
	s := newTestServer(t)

	for i := 0; i < 5; i++ {
		w := doJSON(t, s, "POST", "/v1/evaluate", gin.H{
			"userId": "pager",
			"amount": 10,
			"type":   "payment",
			"ip":     "198.51.100.10",
		})
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d", w.Code)
		}
	}

	type historyResp struct {
		Count      int    `json:"count"`
		HasMore    bool   `json:"hasMore"`
		NextCursor string `json:"nextCursor"`
	}

	// Wait for the async audit writes to land.
	deadline := time.Now().Add(2 * time.Second)
	for {
		w := doJSON(t, s, "GET", "/v1/users/pager/evaluations", nil)
		var resp historyResp
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to parse response: %v", err)
		}
		if resp.Count == 5 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected 5 audited evaluations, got %d", resp.Count)
		}
		time.Sleep(10 * time.Millisecond)
	}

	var seen int
	cursor := ""
	for page := 0; page < 5; page++ {
		url := "/v1/users/pager/evaluations?limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		w := doJSON(t, s, "GET", url, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var resp historyResp
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("Failed to parse response: %v", err)
		}
		seen += resp.Count
		if !resp.HasMore {
			if resp.NextCursor != "" {
				t.Error("nextCursor set on final page")
			}
			break
		}
		if resp.NextCursor == "" {
			t.Fatal("hasMore without nextCursor")
		}
		cursor = resp.NextCursor
	}
	if seen != 5 {
		t.Errorf("paged through %d evaluations, want 5", seen)
	}
}

func TestHistoryRejectsMalformedCursor(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/users/alice/evaluations?cursor=%25%25", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
}

// ---------------------------------------------------------------------------
// Device endpoint tests
// ---------------------------------------------------------------------------

func deviceSignals() gin.H {
	return gin.H{
		"userAgent":        "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		"browser":          "Chrome",
		"os":               "Mac OS",
		"screenResolution": "2560x1440",
		"timezone":         "America/Los_Angeles",
		"language":         "en-US",
		"localStorage":     true,
		"sessionStorage":   true,
		"webgl":            "ANGLE (Apple M1)",
	}
}

func TestGenerateDevice(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/devices", gin.H{
		"userId":  "alice",
		"ip":      "198.51.100.10",
		"signals": deviceSignals(),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		ID         string  `json:"id"`
		TrustScore float64 `json:"trustScore"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.ID == "" {
		t.Fatal("expected a device id")
	}
	if resp.TrustScore <= 0 || resp.TrustScore > 1 {
		t.Errorf("trustScore = %f, want (0,1]", resp.TrustScore)
	}

	// Same signals, same user: same identity
	w = doJSON(t, s, "POST", "/v1/devices", gin.H{
		"userId":  "alice",
		"ip":      "198.51.100.10",
		"signals": deviceSignals(),
	})
	var again struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &again); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if again.ID != resp.ID {
		t.Errorf("device id changed between sightings: %s vs %s", resp.ID, again.ID)
	}

	// The record is retrievable and listed under the user
	w = doJSON(t, s, "GET", "/v1/devices/"+resp.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("GET device: expected 200, got %d", w.Code)
	}

	w = doJSON(t, s, "GET", "/v1/users/alice/devices", nil)
	var list struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if list.Count != 1 {
		t.Errorf("device count = %d, want 1", list.Count)
	}
}

func TestGenerateDeviceRequiresSignals(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/devices", gin.H{"userId": "alice"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestTrustDeviceFlow(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "POST", "/v1/devices", gin.H{
		"userId":  "alice",
		"signals": deviceSignals(),
	})
	var dev struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &dev); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}

	// Trust the device (admin secret unset in development: passes through)
	w = doJSON(t, s, "POST", "/v1/devices/"+dev.ID+"/trust", gin.H{"userId": "alice"})
	if w.Code != http.StatusOK {
		t.Fatalf("trust: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, s, "GET", "/v1/devices/"+dev.ID+"/trusted", nil)
	var resp struct {
		Trusted bool `json:"trusted"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if !resp.Trusted {
		t.Error("device should be trusted after an explicit grant")
	}
}

func TestTrustDeviceRequiresAdminSecret(t *testing.T) {
	cfg := testConfig()
	cfg.AdminSecret = "s3cret"

	resolver := geo.NewStaticResolver()
	s, err := New(cfg, WithStateStore(state.NewMemoryStore()), WithResolver(resolver))
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	w := doJSON(t, s, "POST", "/v1/devices/abcdef0123456789/trust", gin.H{"userId": "alice"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without admin secret, got %d", w.Code)
	}

	// With the secret the request reaches the handler (404: unknown device)
	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(gin.H{"userId": "alice"})
	req := httptest.NewRequest("POST", "/v1/devices/abcdef0123456789/trust", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Admin-Secret", "s3cret")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 with admin secret, got %d", rec.Code)
	}
}

func TestUnknownDeviceNotTrusted(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/devices/abcdef0123456789/trusted", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var resp struct {
		Trusted bool `json:"trusted"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to parse response: %v", err)
	}
	if resp.Trusted {
		t.Error("unknown devices must not be trusted")
	}
}

func TestMalformedUserParamRejected(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/v1/users/bad%20user/devices", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", w.Code)
	}
}

func TestRequestIDHeader(t *testing.T) {
	s := newTestServer(t)

	w := doJSON(t, s, "GET", "/api", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID header not set")
	}
}
