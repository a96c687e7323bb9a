package server

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"venality/internal/auction"
	"venality/internal/authority"
	"venality/internal/config"
	"venality/internal/db"
	"venality/internal/domain"
	"venality/internal/engine"
	"venality/internal/migrate"
	"venality/internal/token"
)

type fakeClock struct {
	unix atomic.Uint64
}

func (c *fakeClock) now() domain.Timestamp  { return domain.Timestamp(c.unix.Load()) }
func (c *fakeClock) advance(seconds uint64) { c.unix.Add(seconds) }

type testServer struct {
	URL    string
	engine engine.Engine
	vault  token.Vault
	clock  *fakeClock
	priv   ed25519.PrivateKey
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	return newTestServerWithAuth(t, AuthConfig{})
}

func newTestServerWithAuth(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Run(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cfg := config.Default("overseer")
	cfg.Keyring = map[string]string{"overseer": base64.StdEncoding.EncodeToString(pub)}
	e, err := engine.New(conn, cfg)
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	clock := &fakeClock{}
	clock.unix.Store(1666359075)
	e.Now = clock.now
	e.Auctions = auction.Clockhouse{Store: e.Registry.Store, Tokens: e.Tokens, Now: clock.now}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
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
		engine: e,
		vault:  token.Vault{Store: e.Registry.Store},
		clock:  clock,
		priv:   priv,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func (s *testServer) fund(t *testing.T, id string, amount int64) {
	t.Helper()
	ctx := context.Background()
	if err := s.vault.Mint(ctx, "USD", domain.Identity(id), domain.Amount(amount)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := s.vault.Approve(ctx, "USD", domain.Identity(id), domain.Amount(amount)); err != nil {
		t.Fatalf("approve: %v", err)
	}
}

func (s *testServer) balance(t *testing.T, id string) int64 {
	t.Helper()
	bal, err := s.vault.Balance(context.Background(), "USD", domain.Identity(id))
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return int64(bal)
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

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v: %s", err, string(data))
	}
	return env.Error.Code
}

func TestOfficeLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	t0 := uint64(1666359075)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/registry", map[string]any{
		"admin": "overseer", "currency": "USD", "renewal_fee": 5,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("initialize status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/registry", map[string]any{
		"admin": "usurper", "currency": "USD", "renewal_fee": 1,
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second initialize status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "already_initialized" {
		t.Fatalf("expected already_initialized, got %s", code)
	}

	officeID := domain.NewOfficeID().String()
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/offices", map[string]any{
		"id":          officeID,
		"auth":        map[string]any{"self": "overseer"},
		"auction_id":  "sale-1",
		"start_price": 40,
		"floor_price": 10,
		"decay_slope": 900,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create office status %d: %s", res.StatusCode, string(data))
	}
	var created OfficeResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal office: %v", err)
	}
	if created.Status != domain.StatusForSale || created.AuctionID != "sale-1" {
		t.Fatalf("unexpected created office: %+v", created)
	}

	// Half an hour in, the price has decayed by two.
	srv.clock.advance(1800)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/offices/"+officeID+"/price", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("price status %d: %s", res.StatusCode, string(data))
	}
	var quote PriceResponse
	if err := json.Unmarshal(data, &quote); err != nil {
		t.Fatalf("unmarshal price: %v", err)
	}
	if quote.Price != 38 || quote.Currency != "USD" {
		t.Fatalf("expected 38 USD, got %+v", quote)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/offices/"+officeID+"/buy", map[string]any{"buyer": "tenant"}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("unfunded buy status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "bid_rejected" {
		t.Fatalf("expected bid_rejected, got %s", code)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/offices/"+officeID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get office status %d: %s", res.StatusCode, string(data))
	}
	var st OfficeResponse
	_ = json.Unmarshal(data, &st)
	if st.Status != domain.StatusForSale {
		t.Fatalf("rejected bid should leave office for sale, got %s", st.Status)
	}

	srv.fund(t, "tenant", 100)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/offices/"+officeID+"/buy", map[string]any{"buyer": "tenant"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("buy status %d: %s", res.StatusCode, string(data))
	}
	var bought OfficeResponse
	if err := json.Unmarshal(data, &bought); err != nil {
		t.Fatalf("unmarshal bought: %v", err)
	}
	if bought.Status != domain.StatusBought || bought.Owner != "tenant" {
		t.Fatalf("unexpected bought office: %+v", bought)
	}
	if bought.ExpiresAt != t0+1800+604800 {
		t.Fatalf("expected expiry %d, got %d", t0+1800+604800, bought.ExpiresAt)
	}
	if got := srv.balance(t, "overseer"); got != 38 {
		t.Fatalf("admin should hold the settled bid, got %d", got)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/offices/"+officeID+"/price", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("price of bought office status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/offices/"+officeID+"/tax", map[string]any{"payer": "tenant"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("tax status %d: %s", res.StatusCode, string(data))
	}
	var renewed OfficeResponse
	_ = json.Unmarshal(data, &renewed)
	if renewed.ExpiresAt != bought.ExpiresAt+604800 {
		t.Fatalf("renewal should extend from the prior expiry, got %d", renewed.ExpiresAt)
	}
	if got := srv.balance(t, "overseer"); got != 43 {
		t.Fatalf("admin should hold bid plus fee, got %d", got)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/offices/"+officeID+"/revoke", map[string]any{
		"auth":        map[string]any{"self": "overseer"},
		"auction_id":  "sale-2",
		"start_price": 30,
		"floor_price": 5,
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("early revoke status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "not_expired" {
		t.Fatalf("expected not_expired, got %s", code)
	}

	srv.clock.advance(2 * 604800)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/offices/"+officeID+"/revoke", map[string]any{
		"auth":        map[string]any{"self": "overseer"},
		"auction_id":  "sale-2",
		"start_price": 30,
		"floor_price": 5,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("revoke status %d: %s", res.StatusCode, string(data))
	}
	var revoked OfficeResponse
	_ = json.Unmarshal(data, &revoked)
	if revoked.Status != domain.StatusForSale || revoked.AuctionID != "sale-2" {
		t.Fatalf("unexpected revoked office: %+v", revoked)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=50", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts []EventResponse
	if err := json.Unmarshal(data, &evts); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	wantTypes := []string{"registry.initialized", "office.created", "office.bought", "office.renewed", "office.revoked"}
	if len(evts) != len(wantTypes) {
		t.Fatalf("expected %d events, got %d: %s", len(wantTypes), len(evts), string(data))
	}
	for i, want := range wantTypes {
		if evts[i].Type != want {
			t.Fatalf("event %d: expected %s, got %s", i, want, evts[i].Type)
		}
	}
}

func TestCreateOfficeWithSignedToken(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/registry", map[string]any{
		"admin": "overseer", "currency": "USD", "renewal_fee": 5,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("initialize status %d: %s", res.StatusCode, string(data))
	}

	officeID := domain.NewOfficeID()
	tok, err := authority.Sign(srv.priv, "overseer", authority.OpNewOffice, officeID, 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	body := map[string]any{
		"id":          officeID.String(),
		"auth":        map[string]any{"token": tok, "nonce": 0},
		"auction_id":  "sale-1",
		"start_price": 20,
		"floor_price": 1,
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/offices", body, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create office status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/identities/overseer/nonce", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("nonce status %d: %s", res.StatusCode, string(data))
	}
	var nonce NonceResponse
	if err := json.Unmarshal(data, &nonce); err != nil {
		t.Fatalf("unmarshal nonce: %v", err)
	}
	if nonce.Nonce != 1 {
		t.Fatalf("expected nonce 1 after signed call, got %d", nonce.Nonce)
	}

	// The token is bound to the first office; replaying it for another is refused.
	otherID := domain.NewOfficeID()
	body["id"] = otherID.String()
	body["auction_id"] = "sale-2"
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/offices", body, nil)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("replayed token status %d: %s", res.StatusCode, string(data))
	}

	// A fresh token carrying the already-consumed counter is refused too.
	staleTok, err := authority.Sign(srv.priv, "overseer", authority.OpNewOffice, otherID, 0)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	body["auth"] = map[string]any{"token": staleTok, "nonce": 0}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/offices", body, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("stale nonce status %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_nonce" {
		t.Fatalf("expected invalid_nonce, got %s", code)
	}
}

func TestUnknownOfficeAndBadInput(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/registry", map[string]any{
		"admin": "overseer", "currency": "USD", "renewal_fee": 5,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("initialize status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/offices/not-a-uuid", nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad uuid status %d: %s", res.StatusCode, string(data))
	}

	unknown := domain.NewOfficeID().String()
	for _, route := range []struct {
		method, path string
		body         any
	}{
		{http.MethodGet, "/v0/offices/" + unknown, nil},
		{http.MethodGet, "/v0/offices/" + unknown + "/price", nil},
		{http.MethodPost, "/v0/offices/" + unknown + "/buy", map[string]any{"buyer": "tenant"}},
		{http.MethodPost, "/v0/offices/" + unknown + "/tax", map[string]any{"payer": "tenant"}},
	} {
		res, data = doJSON(t, client, route.method, srv.URL+route.path, route.body, nil)
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("%s %s status %d: %s", route.method, route.path, res.StatusCode, string(data))
		}
	}
}

func TestHealthDocsAndMetrics(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for _, path := range []string{"/v0/health", "/docs", "/v0/openapi.json", "/metrics"} {
		res, data := doJSON(t, client, http.MethodGet, srv.URL+path, nil, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status %d: %s", path, res.StatusCode, string(data))
		}
	}
}

func TestAuthenticatedAPI(t *testing.T) {
	const secret = "test-secret"
	srv, cleanup := newTestServerWithAuth(t, AuthConfig{JWTSecret: secret, APIKeys: []string{"ops-key"}})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/registry", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health must stay open, status %d: %s", res.StatusCode, string(data))
	}

	bearer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "overseer"}).
		SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign bearer: %v", err)
	}
	authz := map[string]string{"Authorization": "Bearer " + bearer}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/registry", map[string]any{
		"admin": "overseer", "currency": "USD", "renewal_fee": 5,
	}, authz)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("initialize status %d: %s", res.StatusCode, string(data))
	}

	// No auth body at all: the bearer subject self-authorizes.
	officeID := domain.NewOfficeID().String()
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/offices", map[string]any{
		"id":          officeID,
		"auction_id":  "sale-1",
		"start_price": 20,
		"floor_price": 1,
	}, authz)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create office as bearer subject status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/offices/"+officeID, nil, map[string]string{"X-Api-Key": "ops-key"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key read status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/offices/"+officeID, nil, map[string]string{"X-Api-Key": "wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad api key status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/registry", nil, map[string]string{"Authorization": "Bearer garbage"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad bearer status %d: %s", res.StatusCode, string(data))
	}
}
