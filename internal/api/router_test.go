package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/axeelhrz/FidelyaEnd-sub000/internal/api/handlers"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/clock"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/ledger"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/metrics"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/models"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/qrcode"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/repository/memory"
	"github.com/axeelhrz/FidelyaEnd-sub000/internal/service"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type testServer struct {
	*httptest.Server
	store  *memory.Store
	clock  *clock.Manual
	broker *ledger.Broker
	codec  *qrcode.Codec
}

func newTestServer(t *testing.T, engine handlers.Redeemer) *testServer {
	t.Helper()
	store := memory.New()
	clk := clock.NewManual(base)
	ctx := context.Background()
	require.NoError(t, store.PutMerchant(ctx, models.Merchant{ID: "m-1", Name: "Café Central", Active: true}))

	m := metrics.New("test")
	broker := ledger.NewBroker(m, nil)
	codec, err := qrcode.NewCodec(qrcode.Config{WebHost: "fidelya.app", SigningKey: "k"})
	require.NoError(t, err)
	if engine == nil {
		svc, err := service.NewRedemptionService(store, service.EngineConfig{},
			service.WithClock(clk), service.WithPublisher(broker), service.WithMetrics(m))
		require.NoError(t, err)
		engine = svc
	}

	srv := httptest.NewServer(NewRouter(Deps{
		Store:        store,
		Engine:       engine,
		Catalog:      service.NewCatalogService(store, clk, nil),
		Resolver:     qrcode.NewResolver(codec, store, time.Minute),
		Broker:       broker,
		Reconciler:   ledger.NewReconciler(store, nil),
		Metrics:      m,
		StreamBuffer: 16,
	}))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, store: store, clock: clk, broker: broker, codec: codec}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}, headers ...string) (int, map[string]interface{}) {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+path, rdr)
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := s.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]interface{}{}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out
}

func (s *testServer) createBenefit(t *testing.T, totalLimit int) string {
	t.Helper()
	code, body := s.do(t, http.MethodPost, "/merchants/m-1/benefits", map[string]interface{}{
		"title":       "20% en cafés",
		"discount":    map[string]interface{}{"kind": "percentage", "value": 20},
		"valid_from":  base.Add(-time.Hour).Format(time.RFC3339),
		"valid_until": base.Add(30 * 24 * time.Hour).Format(time.RFC3339),
		"total_limit": totalLimit,
	})
	require.Equal(t, http.StatusCreated, code, body)
	return body["id"].(string)
}

func redemption(benefitID, member string) map[string]interface{} {
	return map[string]interface{}{
		"member_id":       member,
		"benefit_id":      benefitID,
		"merchant_id":     "m-1",
		"original_amount": "100.00",
	}
}

func TestRedemptionFlow(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createBenefit(t, 1)

	code, body := s.do(t, http.MethodPost, "/redemptions", redemption(id, "socio-1"), handlers.IdempotencyHeader, "k-1")
	require.Equal(t, http.StatusCreated, code, body)
	assert.Equal(t, "accepted", body["status"])
	receipt := body["receipt"].(map[string]interface{})
	assert.True(t, decimal.RequireFromString(receipt["final_amount"].(string)).Equal(decimal.NewFromInt(80)))

	code, body = s.do(t, http.MethodPost, "/redemptions", redemption(id, "socio-1"), handlers.IdempotencyHeader, "k-1")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["replayed"])

	code, body = s.do(t, http.MethodGet, "/redemptions/k-1", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "accepted", body["status"])

	code, body = s.do(t, http.MethodPost, "/redemptions", redemption(id, "socio-2"), handlers.IdempotencyHeader, "k-2")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "rejected", body["status"])
	assert.Equal(t, "total_limit_reached", body["reason"])
	assert.Equal(t, "El beneficio está agotado.", body["message"])

	code, _ = s.do(t, http.MethodGet, "/redemptions/unknown", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = s.do(t, http.MethodGet, "/benefits/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "agotado", body["state"])
	assert.EqualValues(t, 1, body["used_total"])

	code, body = s.do(t, http.MethodGet, "/benefits/"+id+"/usage/socio-1", nil)
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["count"])
}

func TestRedemptionValidation(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createBenefit(t, 5)

	code, body := s.do(t, http.MethodPost, "/redemptions", map[string]interface{}{"member_id": "socio-1"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_request", body["error"])

	req := redemption(id, "socio-1")
	req["original_amount"] = "-5"
	code, _ = s.do(t, http.MethodPost, "/redemptions", req)
	assert.Equal(t, http.StatusBadRequest, code)

	req = redemption(id, "socio-1")
	req["timestamp"] = "yesterday"
	code, body = s.do(t, http.MethodPost, "/redemptions", req)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_timestamp", body["error"])

	req = redemption(id, "socio-1")
	req["unexpected"] = true
	code, body = s.do(t, http.MethodPost, "/redemptions", req)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_body", body["error"])
}

func TestRedemptionWithQRPayload(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createBenefit(t, 5)
	mc, err := s.codec.EncodeMerchantCode("m-1")
	require.NoError(t, err)

	req := redemption(id, "socio-1")
	delete(req, "merchant_id")
	req["qr_payload"] = mc.AppURI
	code, body := s.do(t, http.MethodPost, "/redemptions", req)
	require.Equal(t, http.StatusCreated, code, body)

	req["qr_payload"] = "fidelya://validar?comercio=m-1&sig=forged"
	code, body = s.do(t, http.MethodPost, "/redemptions", req)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "invalid_code", body["error"])

	req["qr_payload"] = "fidelya://validar?comercio=m-gone"
	code, body = s.do(t, http.MethodPost, "/redemptions", req)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "merchant_not_found", body["error"])

	req["qr_payload"] = mc.WebURL
	req["merchant_id"] = "m-other"
	code, body = s.do(t, http.MethodPost, "/redemptions", req)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "merchant_mismatch", body["error"])
}

type stubRedeemer struct {
	res service.Result
	err error
}

func (s stubRedeemer) AttemptRedemption(ctx context.Context, req service.AttemptRequest) (service.Result, error) {
	return s.res, s.err
}

func TestRedemptionTimeoutAndFailure(t *testing.T) {
	s := newTestServer(t, stubRedeemer{res: service.Result{Status: service.StatusTimeout}})
	code, body := s.do(t, http.MethodPost, "/redemptions", redemption("b-1", "socio-1"), handlers.IdempotencyHeader, "k-9")
	assert.Equal(t, http.StatusGatewayTimeout, code)
	assert.Equal(t, "timeout", body["status"])
	assert.Equal(t, "estado desconocido, reintente con la misma clave", body["message"])
	assert.Equal(t, "k-9", body["idempotency_key"])

	s = newTestServer(t, stubRedeemer{err: errors.New("storage unavailable")})
	code, body = s.do(t, http.MethodPost, "/redemptions", redemption("b-1", "socio-1"))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "internal_error", body["error"])
}

func TestBenefitLifecycleEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createBenefit(t, 3)

	code, body := s.do(t, http.MethodPost, "/benefits/"+id+"/pause", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "inactivo", body["state"])

	code, body = s.do(t, http.MethodPost, "/redemptions", redemption(id, "socio-1"))
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "not_eligible", body["reason"])
	assert.Equal(t, "inactivo", body["state"])

	code, _ = s.do(t, http.MethodPost, "/benefits/"+id+"/resume", nil)
	require.Equal(t, http.StatusOK, code)
	s.do(t, http.MethodPost, "/redemptions", redemption(id, "socio-1"))
	s.do(t, http.MethodPost, "/redemptions", redemption(id, "socio-2"))

	code, body = s.do(t, http.MethodPatch, "/benefits/"+id, map[string]interface{}{"total_limit": 1})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "immutable_after_use", body["error"])

	code, body = s.do(t, http.MethodPatch, "/benefits/"+id, map[string]interface{}{"total_limit": 2})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "agotado", body["state"])

	code, body = s.do(t, http.MethodPost, "/benefits/"+id+"/resume", nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "invalid_transition", body["error"])

	code, body = s.do(t, http.MethodGet, "/merchants/m-1/benefits", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["benefits"], 1)

	code, _ = s.do(t, http.MethodGet, "/benefits/missing", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, body = s.do(t, http.MethodPost, "/merchants/m-gone/benefits", map[string]interface{}{"title": "x"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "merchant_not_found", body["error"])
}

func TestLedgerFeedPaging(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createBenefit(t, 10)
	redeemAt := func(member string, at time.Time) {
		req := redemption(id, member)
		req["timestamp"] = at.Format(time.RFC3339)
		code, body := s.do(t, http.MethodPost, "/redemptions", req)
		require.Equal(t, http.StatusCreated, code, body)
	}
	// each attempt carries an earlier client timestamp than the one before
	for i := 0; i < 5; i++ {
		redeemAt(fmt.Sprintf("socio-%d", i), base.Add(time.Duration(50-10*i)*time.Second))
	}

	code, body := s.do(t, http.MethodGet, "/ledger?limit=3&benefit_id="+id, nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["records"], 3)
	next := body["next"].(map[string]interface{})

	redeemAt("socio-late", base)

	code, body = s.do(t, http.MethodGet, fmt.Sprintf("/ledger?limit=3&benefit_id=%s&after_seq=%v", id, next["after_seq"]), nil)
	require.Equal(t, http.StatusOK, code)
	records := body["records"].([]interface{})
	require.Len(t, records, 3)
	members := []string{}
	for _, r := range records {
		members = append(members, r.(map[string]interface{})["member_id"].(string))
	}
	assert.Equal(t, []string{"socio-3", "socio-4", "socio-late"}, members)

	next = body["next"].(map[string]interface{})
	code, body = s.do(t, http.MethodGet, fmt.Sprintf("/ledger?benefit_id=%s&after_seq=%v", id, next["after_seq"]), nil)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["records"])
	assert.Nil(t, body["next"])

	code, _ = s.do(t, http.MethodGet, "/ledger?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestLedgerStream(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createBenefit(t, 10)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(s.URL, "http")+"/ledger/stream?benefit_id="+id, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "test complete")

	require.Eventually(t, func() bool { return s.broker.Len() == 1 }, time.Second, 10*time.Millisecond)
	code, _ := s.do(t, http.MethodPost, "/redemptions", redemption(id, "socio-1"))
	require.Equal(t, http.StatusCreated, code)

	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)
	var rec models.RedemptionRecord
	require.NoError(t, json.Unmarshal(data, &rec))
	assert.Equal(t, id, rec.BenefitID)
	assert.Equal(t, models.OutcomeAccepted, rec.Outcome)
	assert.True(t, rec.FinalAmount.Equal(decimal.NewFromInt(80)))
}

func TestQREndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	code, body := s.do(t, http.MethodGet, "/merchants/m-1/qr", nil)
	require.Equal(t, http.StatusOK, code)
	app := body["app_uri"].(string)
	assert.True(t, strings.HasPrefix(app, "fidelya://validar?comercio=m-1"))

	code, body = s.do(t, http.MethodPost, "/qr/resolve", map[string]string{"payload": body["web_url"].(string)})
	require.Equal(t, http.StatusOK, code)
	merchant := body["merchant"].(map[string]interface{})
	assert.Equal(t, "m-1", merchant["id"])

	code, _ = s.do(t, http.MethodPost, "/qr/resolve", map[string]string{"payload": "nope"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = s.do(t, http.MethodGet, "/merchants/m-gone/qr", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAdminAndHealth(t *testing.T) {
	s := newTestServer(t, nil)
	id := s.createBenefit(t, 10)
	s.do(t, http.MethodPost, "/redemptions", redemption(id, "socio-1"))

	code, body := s.do(t, http.MethodGet, "/admin/reconcile", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])

	resp, err := s.Client().Get(s.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = s.Client().Get(s.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "test_redemption_attempts_total")
}
