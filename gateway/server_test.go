package gateway

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"linechain/config"
	"linechain/gateway/auth"
	"linechain/node"
	"linechain/storage"
)

const (
	adminAPIKey    = "ops"
	adminAPISecret = "test-secret"
)

type gatewayRig struct {
	server *httptest.Server
	admin  string
}

func newGatewayRig(t *testing.T) *gatewayRig {
	t.Helper()
	dir := t.TempDir()

	cfg, err := config.Load(filepath.Join(dir, "config.toml"))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	store, err := storage.Open(filepath.Join(dir, "line.db"), nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	n, err := node.New(cfg, store, slog.Default())
	if err != nil {
		t.Fatalf("node: %v", err)
	}

	authenticator := auth.New(map[string]string{adminAPIKey: adminAPISecret})
	srv := NewServer(n, slog.Default(), authenticator)
	ts := httptest.NewServer(srv.Handler(NewObservability("linechain"), nil))
	t.Cleanup(ts.Close)

	return &gatewayRig{server: ts, admin: cfg.AdminAddress}
}

func (g *gatewayRig) post(t *testing.T, path string, payload interface{}) (*http.Response, []byte) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(g.server.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp, raw
}

func (g *gatewayRig) postSigned(t *testing.T, path, nonce string, payload interface{}) (*http.Response, []byte) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, g.server.URL+path, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	parsed, err := url.Parse(g.server.URL + path)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	sig := auth.Signature(adminAPISecret, timestamp, nonce, http.MethodPost, parsed.Path, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderAPIKey, adminAPIKey)
	req.Header.Set(auth.HeaderTimestamp, timestamp)
	req.Header.Set(auth.HeaderNonce, nonce)
	req.Header.Set(auth.HeaderSignature, hex.EncodeToString(sig))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp, raw
}

func (g *gatewayRig) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(g.server.URL + path)
	if err != nil {
		t.Fatalf("get %s: %v", path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	return resp, raw
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	rig := newGatewayRig(t)
	if resp, _ := rig.get(t, "/healthz"); resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d, want 200", resp.StatusCode)
	}
	if resp, _ := rig.get(t, "/metrics"); resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics = %d, want 200", resp.StatusCode)
	}
}

func TestAdminRoutesRequireSignature(t *testing.T) {
	rig := newGatewayRig(t)

	payload := map[string]interface{}{"caller": rig.admin, "bps": 150}
	if resp, _ := rig.post(t, "/v1/admin/origination-fee", payload); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unsigned admin call = %d, want 401", resp.StatusCode)
	}
	if resp, body := rig.postSigned(t, "/v1/admin/origination-fee", "n-fee", payload); resp.StatusCode != http.StatusOK {
		t.Fatalf("signed admin call = %d body=%s, want 200", resp.StatusCode, body)
	}
}

func TestBorrowLifecycleOverHTTP(t *testing.T) {
	rig := newGatewayRig(t)
	borrower := rig.admin

	credit := map[string]interface{}{"caller": rig.admin, "to": borrower, "amount": "10"}
	if resp, body := rig.postSigned(t, "/v1/admin/credit-collateral", "n-credit", credit); resp.StatusCode != http.StatusOK {
		t.Fatalf("credit = %d body=%s", resp.StatusCode, body)
	}

	resp, body := rig.post(t, "/v1/loans", map[string]interface{}{
		"borrower":   borrower,
		"collateral": "10",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("borrow = %d body=%s, want 201", resp.StatusCode, body)
	}
	var issued struct {
		ID        uint64 `json:"id"`
		GrossLINE string `json:"grossLINE"`
		Owner     string `json:"owner"`
	}
	if err := json.Unmarshal(body, &issued); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if issued.ID != 1 || issued.GrossLINE != "10000" {
		t.Fatalf("issued = %+v, want id 1 gross 10000", issued)
	}
	if issued.Owner != borrower {
		t.Fatalf("owner = %s, want %s", issued.Owner, borrower)
	}

	if resp, body := rig.get(t, fmt.Sprintf("/v1/loans/%d/due", issued.ID)); resp.StatusCode != http.StatusOK {
		t.Fatalf("due = %d body=%s", resp.StatusCode, body)
	}
	if resp, body := rig.get(t, "/v1/loans?owner="+borrower); resp.StatusCode != http.StatusOK {
		t.Fatalf("list = %d body=%s", resp.StatusCode, body)
	} else {
		var listing struct {
			Loans []json.RawMessage `json:"loans"`
		}
		if err := json.Unmarshal(body, &listing); err != nil || len(listing.Loans) != 1 {
			t.Fatalf("listing = %s err=%v, want one loan", body, err)
		}
	}
}

func TestErrorMapping(t *testing.T) {
	rig := newGatewayRig(t)

	if resp, _ := rig.get(t, "/v1/loans/99"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown loan = %d, want 404", resp.StatusCode)
	}
	if resp, _ := rig.get(t, "/v1/accounts/not-an-address"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad address = %d, want 400", resp.StatusCode)
	}
	resp, _ := rig.post(t, "/v1/loans", map[string]interface{}{"borrower": rig.admin, "collateral": "0"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("zero collateral = %d, want 400", resp.StatusCode)
	}
}
