package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ethgate/ethgate/internal/authn"
	"github.com/ethgate/ethgate/internal/config"
	"github.com/ethgate/ethgate/internal/db"
	"github.com/ethgate/ethgate/internal/gate"
	"github.com/ethgate/ethgate/internal/issuer"
	"github.com/ethgate/ethgate/internal/limiter"
	"github.com/ethgate/ethgate/internal/models"
	"github.com/ethgate/ethgate/internal/ratelimit"
	"github.com/ethgate/ethgate/internal/store"
	"github.com/ethgate/ethgate/internal/upstream"
)

// testFixture wires a relay router against a stub provider and a temp db.
type testFixture struct {
	router *gin.Engine
	conn   *gorm.DB
	key    string
	now    *time.Time
}

func newFixture(t *testing.T, rps int, planName string, provider http.Handler) *testFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	conn, errOpen := db.Open(filepath.Join(t.TempDir(), "ethgate.db"))
	if errOpen != nil {
		t.Fatalf("open db: %v", errOpen)
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		t.Fatalf("migrate: %v", errMigrate)
	}

	accounts := store.NewAccountStore(conn)
	key, _, errIssue := issuer.New(accounts).Issue(context.Background(), "alice", planName)
	if errIssue != nil {
		t.Fatalf("issue key: %v", errIssue)
	}

	if provider == nil {
		provider = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x3b9aca00"}`))
		})
	}
	srv := httptest.NewServer(provider)
	t.Cleanup(srv.Close)
	client := upstream.NewClient(config.UpstreamConfig{
		RPCURL:      srv.URL + "/v2/%s",
		APIKey:      "provider-key",
		NFTMetadata: srv.URL + "/asset",
	})

	now := time.Unix(1000, 0)
	fixture := &testFixture{conn: conn, key: key, now: &now}

	g := gate.New(authn.New(accounts), limiter.New(accounts), accounts)
	rateLimiter := ratelimit.NewManager(rps, config.RedisConfig{}, func() time.Time { return *fixture.now })

	r := gin.New()
	RegisterRelayRoutes(r, g, rateLimiter, client)
	fixture.router = r
	return fixture
}

func (f *testFixture) get(path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *testFixture) requestCount(t *testing.T) int64 {
	t.Helper()
	var account models.Account
	if err := f.conn.Where("name = ?", "alice").First(&account).Error; err != nil {
		t.Fatalf("reload account: %v", err)
	}
	return account.RequestCount
}

func TestRelayRequiresBearerToken(t *testing.T) {
	f := newFixture(t, 100, "free", nil)

	if w := f.get("/v1/gas-price", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	if w := f.get("/v1/gas-price", "bogus"); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown token, got %d", w.Code)
	}
}

func TestRelayGasPrice(t *testing.T) {
	f := newFixture(t, 100, "free", nil)

	w := f.get("/v1/gas-price", f.key)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		GasPrice string `json:"gas_price"`
	}
	if errDecode := json.Unmarshal(w.Body.Bytes(), &resp); errDecode != nil {
		t.Fatalf("decode response: %v", errDecode)
	}
	if resp.GasPrice != "0x3b9aca00" {
		t.Fatalf("unexpected gas price %q", resp.GasPrice)
	}
	if got := w.Header().Get("X-Quota-Remaining"); got != "99" {
		t.Fatalf("expected X-Quota-Remaining=99, got %q", got)
	}
	if f.requestCount(t) != 1 {
		t.Fatalf("expected one charged request, got %d", f.requestCount(t))
	}
}

func TestRelayQuotaExhaustion(t *testing.T) {
	f := newFixture(t, 1000, "free", nil)

	errBump := f.conn.Model(&models.Account{}).
		Where("name = ?", "alice").
		Update("request_count", 100).Error
	if errBump != nil {
		t.Fatalf("bump usage: %v", errBump)
	}

	w := f.get("/v1/gas-price", f.key)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "quota exceeded") {
		t.Fatalf("unexpected denial body: %s", w.Body.String())
	}
	if f.requestCount(t) != 100 {
		t.Fatalf("denied request must not advance the counter, got %d", f.requestCount(t))
	}
}

func TestRelayRateLimitDoesNotChargeQuota(t *testing.T) {
	f := newFixture(t, 1, "free", nil)

	if w := f.get("/v1/gas-price", f.key); w.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", w.Code)
	}
	w := f.get("/v1/gas-price", f.key)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request in the same second: expected 429, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "rate limit") {
		t.Fatalf("unexpected denial body: %s", w.Body.String())
	}
	if f.requestCount(t) != 1 {
		t.Fatalf("throttled request must not charge the quota, got %d", f.requestCount(t))
	}

	// Throttled traffic still lands in the request log.
	var throttled []models.RequestLog
	if err := f.conn.Where("reason = ?", "rate limited").Find(&throttled).Error; err != nil {
		t.Fatalf("load request logs: %v", err)
	}
	if len(throttled) != 1 || throttled[0].Admitted {
		t.Fatalf("expected one denied rate-limit log row, got %+v", throttled)
	}

	*f.now = f.now.Add(time.Second)
	if w := f.get("/v1/gas-price", f.key); w.Code != http.StatusOK {
		t.Fatalf("next window: expected 200, got %d", w.Code)
	}
}

func TestRelayTransactionByHash(t *testing.T) {
	provider := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string `json:"method"`
			Params []any  `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode provider request: %v", err)
		}
		if req.Method != "eth_getTransactionByHash" {
			t.Errorf("unexpected method %q", req.Method)
		}
		if req.Params[0] == "0xmissing" {
			w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":null}`))
			return
		}
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"hash":"0xabc","blockNumber":"0x10"}}`))
	})
	f := newFixture(t, 100, "pro", provider)

	w := f.get("/v1/tx/0xabc", f.key)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var tx map[string]string
	if errDecode := json.Unmarshal(w.Body.Bytes(), &tx); errDecode != nil {
		t.Fatalf("decode transaction: %v", errDecode)
	}
	if tx["blockNumber"] != "0x10" {
		t.Fatalf("unexpected transaction %v", tx)
	}

	if w := f.get("/v1/tx/0xmissing", f.key); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown hash, got %d", w.Code)
	}
}

func TestRelayContractCall(t *testing.T) {
	provider := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x01"}`))
	})
	f := newFixture(t, 100, "pro", provider)

	payload := strings.NewReader(`{"to":"0xcontract","data":"0xdata"}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/call", payload)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.key)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Result string `json:"result"`
	}
	if errDecode := json.Unmarshal(w.Body.Bytes(), &resp); errDecode != nil {
		t.Fatalf("decode response: %v", errDecode)
	}
	if resp.Result != "0x01" {
		t.Fatalf("unexpected result %q", resp.Result)
	}
}

func TestRelayContractCallValidation(t *testing.T) {
	f := newFixture(t, 100, "pro", nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/call", strings.NewReader(`{"to":"0xcontract"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+f.key)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRelayNFTMetadata(t *testing.T) {
	provider := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/asset/") {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		w.Write([]byte(`{"name":"Test NFT"}`))
	})
	f := newFixture(t, 100, "enterprise", provider)

	w := f.get("/v1/nft/0xtoken/42", f.key)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "Test NFT") {
		t.Fatalf("unexpected metadata body: %s", w.Body.String())
	}
}

func TestRelayUpstreamOutage(t *testing.T) {
	provider := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	f := newFixture(t, 100, "pro", provider)

	w := f.get("/v1/gas-price", f.key)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", w.Code, w.Body.String())
	}
}

func TestRelayRecordsRequestLog(t *testing.T) {
	f := newFixture(t, 100, "free", nil)

	if w := f.get("/v1/gas-price", f.key); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var rows []models.RequestLog
	if err := f.conn.Find(&rows).Error; err != nil {
		t.Fatalf("load request logs: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected one request log, got %d", len(rows))
	}
	row := rows[0]
	if !row.Admitted || row.Path != "/v1/gas-price" || row.Account != "alice" {
		t.Fatalf("unexpected request log: %+v", row)
	}
}

func TestRelayStoreOutageAnswers503(t *testing.T) {
	f := newFixture(t, 100, "free", nil)

	sqlDB, errDB := f.conn.DB()
	if errDB != nil {
		t.Fatalf("db handle: %v", errDB)
	}
	if errClose := sqlDB.Close(); errClose != nil {
		t.Fatalf("close db: %v", errClose)
	}

	w := f.get("/v1/gas-price", f.key)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for a dead store, got %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "service unavailable") {
		t.Fatalf("unexpected outage body: %s", w.Body.String())
	}
}
