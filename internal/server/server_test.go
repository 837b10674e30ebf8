package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"buildline/internal/config"
	"buildline/internal/db"
	"buildline/internal/engine"
	"buildline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

var devHeader = map[string]string{"X-Actor-Id": "dev"}

func newTestServer(t *testing.T, balance int64) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("acct")
	e := engine.New(conn, cfg, engine.LocalCollaborators())
	ts := time.Now().UTC().Format(time.RFC3339)
	if _, err := conn.Exec(`INSERT INTO accounts(id,balance,created_at,updated_at) VALUES ('acct',0,?,?)`, ts, ts); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if balance > 0 {
		if _, err := e.Ledger.Credit(context.Background(), "acct", balance, "account.seed", "test"); err != nil {
			t.Fatalf("seed balance: %v", err)
		}
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func submitRequest(t *testing.T, srv *testServer, title string) RequestResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/requests", map[string]any{
		"title": title,
	}, devHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var created RequestResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	return created
}

func advanceTo(t *testing.T, srv *testServer, requestID, target string) (*http.Response, []byte) {
	t.Helper()
	return doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/requests/"+requestID+"/advance", map[string]any{
		"target": target,
	}, devHeader)
}

func TestRequestPipelineOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, 1000)
	defer cleanup()
	client := srv.Client()

	created := submitRequest(t, srv, "contact form")
	if created.State != "submitted" {
		t.Fatalf("expected submitted, got %s", created.State)
	}

	for _, target := range []string{"analyzed", "proposal_ready"} {
		res, data := advanceTo(t, srv, created.ID, target)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("advance to %s: %d %s", target, res.StatusCode, string(data))
		}
	}

	// The planner proposed subtasks; approval is gated on all of them.
	res, data := advanceTo(t, srv, created.ID, "approved")
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 with pending subtasks, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+created.ID+"/subtasks/approve-all", nil, devHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve-all: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+created.ID+"/approve", nil, devHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", res.StatusCode, string(data))
	}

	for _, target := range []string{"building", "staging", "completed"} {
		res, data = advanceTo(t, srv, created.ID, target)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("advance to %s: %d %s", target, res.StatusCode, string(data))
		}
	}
	var final RequestResponse
	if err := json.Unmarshal(data, &final); err != nil {
		t.Fatalf("unmarshal final: %v", err)
	}
	if final.State != "completed" {
		t.Fatalf("expected completed, got %s", final.State)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/credits/balance", nil, devHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("balance: %d %s", res.StatusCode, string(data))
	}
	var bal BalanceResponse
	if err := json.Unmarshal(data, &bal); err != nil {
		t.Fatalf("unmarshal balance: %v", err)
	}
	if bal.Balance != 550 {
		t.Fatalf("expected balance 550 after analysis+proposal+build, got %d", bal.Balance)
	}
}

func TestAdvanceWithoutCreditsReturns402(t *testing.T) {
	srv, cleanup := newTestServer(t, 10)
	defer cleanup()

	created := submitRequest(t, srv, "contact form")
	res, data := advanceTo(t, srv, created.ID, "analyzed")
	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Code != "insufficient_credits" {
		t.Fatalf("expected insufficient_credits code, got %q in %s", envelope.Code, string(data))
	}
}

func TestInvalidTransitionReturns422(t *testing.T) {
	srv, cleanup := newTestServer(t, 1000)
	defer cleanup()

	created := submitRequest(t, srv, "contact form")
	res, data := advanceTo(t, srv, created.ID, "building")
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t, 0)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/requests", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
}

func TestDevLoginMintsUsableToken(t *testing.T) {
	srv, cleanup := newTestServer(t, 0)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "dev",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	if login.Token == "" {
		t.Fatal("expected a token")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/credits/balance", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("authed balance: %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuthRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t, 0)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/apikeys", map[string]any{
		"name": "ci",
	}, devHeader)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if key.Key == "" {
		t.Fatal("expected raw key on creation")
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/requests", nil, map[string]string{
		"X-Api-Key": key.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("key-authed list: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/apikeys", nil, devHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list keys: %d %s", res.StatusCode, string(data))
	}
	var listed []APIKeyResponse
	if err := json.Unmarshal(data, &listed); err != nil {
		t.Fatalf("unmarshal keys: %v", err)
	}
	if len(listed) != 1 || listed[0].Key != "" {
		t.Fatalf("expected one key with secret elided, got %+v", listed)
	}
}

func TestAbandonAndAuditOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t, 1000)
	defer cleanup()
	client := srv.Client()

	created := submitRequest(t, srv, "contact form")
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/requests/"+created.ID+"/abandon", nil, devHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("abandon: %d %s", res.StatusCode, string(data))
	}
	var abandoned RequestResponse
	_ = json.Unmarshal(data, &abandoned)
	if abandoned.State != "abandoned" {
		t.Fatalf("expected abandoned, got %s", abandoned.State)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/credits/audit", nil, devHeader)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit: %d %s", res.StatusCode, string(data))
	}
	var report struct {
		Consistent bool `json:"consistent"`
	}
	if err := json.Unmarshal(data, &report); err != nil {
		t.Fatalf("unmarshal report: %v", err)
	}
	if !report.Consistent {
		t.Fatalf("expected consistent ledger: %s", string(data))
	}
}
