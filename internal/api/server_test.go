package api

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/digkill/GenStudio/internal/config"
	"github.com/digkill/GenStudio/internal/metrics"
	"github.com/digkill/GenStudio/internal/models"
	"github.com/digkill/GenStudio/internal/provider"
	"github.com/digkill/GenStudio/internal/repository/memstore"
	"github.com/digkill/GenStudio/internal/service"
)

const (
	testJWTSecret     = "jwt-test-secret"
	testWebhookSecret = "whsec_api_test"
)

type stubAdapter struct {
	mu       sync.Mutex
	tool     models.Tool
	statuses map[string]provider.TaskStatus
	next     int
}

func (a *stubAdapter) Tool() models.Tool { return a.tool }

func (a *stubAdapter) Submit(context.Context, models.ToolParams) (provider.SubmitResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	return provider.SubmitResult{TaskID: "task-" + string(rune('0'+a.next))}, nil
}

func (a *stubAdapter) GetStatus(_ context.Context, taskID string) (provider.TaskStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.statuses[taskID]; ok {
		return st, nil
	}
	return provider.TaskStatus{State: provider.StateProcessing}, nil
}

type stubArtifacts struct{}

func (stubArtifacts) Persist(_ context.Context, tool, id, _ string) (string, error) {
	return "https://cdn.example.com/" + tool + "/" + id + ".mp4", nil
}

type stubStorage struct {
	contentType string
	size        int
}

func (s *stubStorage) Upload(_ context.Context, data []byte, contentType string) (string, error) {
	s.contentType = contentType
	s.size = len(data)
	return "https://cdn.example.com/references/ref.png", nil
}

type stubWorker struct{ runs int }

func (w *stubWorker) RunOnce(context.Context) error {
	w.runs++
	return nil
}

type harness struct {
	t       *testing.T
	handler http.Handler
	ledger  *service.LedgerService
	sora    *stubAdapter
	storage *stubStorage
	worker  *stubWorker
}

func newHarness(t *testing.T, limits RateLimits) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	accounts := memstore.NewAccounts()
	gens := memstore.NewGenerations()

	ledger := service.NewLedgerService(accounts, memstore.NewAudit(), log)
	sora := &stubAdapter{tool: models.ToolSora2, statuses: map[string]provider.TaskStatus{}}
	registry := provider.NewRegistry(sora)
	reconciler := service.NewReconcileService(service.ReconcileConfig{
		BatchSize:      20,
		PollErrorLimit: 3,
		PollTimeout:    time.Second,
		OrphanGrace:    5 * time.Minute,
		RefundPolicy:   config.RefundToSubscription,
	}, ledger, gens, registry, stubArtifacts{}, nil, log)
	generations := service.NewGenerationService(ledger, gens, registry, reconciler, map[string]int{"sora2": 20}, time.Second, log)
	billing := service.NewBillingService(testWebhookSecret, nil, ledger, accounts, memstore.NewStripeEvents(), log)

	h := &harness{t: t, ledger: ledger, sora: sora, storage: &stubStorage{}, worker: &stubWorker{}}
	srv := NewServer(Options{
		JWTSecret:     testJWTSecret,
		AdminUsername: "admin",
		AdminPassword: "s3cret",
		Limits:        limits,
	}, Deps{
		Ledger:      ledger,
		Generations: generations,
		Reconciler:  reconciler,
		Billing:     billing,
		Storage:     h.storage,
		Worker:      h.worker,
	}, log)
	h.handler = srv.Handler()
	return h
}

func (h *harness) account(id string, sub, extra int) {
	h.t.Helper()
	_, _, err := h.ledger.EnsureAccount(context.Background(), models.Account{ID: id, CreditsSubscription: sub, CreditsExtra: extra})
	require.NoError(h.t, err)
}

func token(t *testing.T, subject string, ttl time.Duration) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
	}).SignedString([]byte(testJWTSecret))
	require.NoError(t, err)
	return signed
}

func (h *harness) do(method, path, accountID string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if accountID != "" {
		req.Header.Set("Authorization", "Bearer "+token(h.t, accountID, time.Hour))
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRequestsWithoutValidTokenAreRejected(t *testing.T) {
	h := newHarness(t, RateLimits{})
	h.account("acct", 50, 0)

	rec := h.do(http.MethodPost, "/credits/deduct", "", map[string]int{"amount": 5})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	for name, raw := range map[string]string{
		"expired":      token(t, "acct", -time.Minute),
		"wrong secret": mustSign(t, "other-secret"),
		"garbage":      "not-a-jwt",
	} {
		req := httptest.NewRequest(http.MethodPost, "/credits/deduct", bytes.NewReader([]byte(`{"amount":5}`)))
		req.Header.Set("Authorization", "Bearer "+raw)
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, name)
	}

	balance := decode[map[string]any](t, h.do(http.MethodGet, "/credits/balance", "acct", nil))
	assert.EqualValues(t, 50, balance["total"], "rejected requests must not touch the balance")
}

func mustSign(t *testing.T, secret string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "acct",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestDeductSplitsAcrossPools(t *testing.T) {
	h := newHarness(t, RateLimits{})
	h.account("acct", 10, 15)

	rec := h.do(http.MethodPost, "/credits/deduct", "acct", map[string]any{"amount": 20, "reason": "export"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[deductResponse](t, rec)
	assert.Equal(t, deductResponse{
		PreviousBalance:  25,
		Deducted:         20,
		NewBalance:       5,
		FromSubscription: 10,
		FromExtras:       10,
		Credits:          0,
		CreditsExtras:    5,
	}, res)
}

func TestDeductInsufficientCredits(t *testing.T) {
	h := newHarness(t, RateLimits{})
	h.account("acct", 5, 0)

	rec := h.do(http.MethodPost, "/credits/deduct", "acct", map[string]int{"amount": 20})
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	body := decode[map[string]any](t, rec)
	assert.EqualValues(t, 20, body["required"])
	assert.EqualValues(t, 5, body["available"])
}

func TestDeductValidatesAmount(t *testing.T) {
	h := newHarness(t, RateLimits{})
	h.account("acct", 5, 0)

	for _, body := range []any{map[string]int{"amount": 0}, map[string]int{"amount": -3}, "nope"} {
		rec := h.do(http.MethodPost, "/credits/deduct", "acct", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	}
}

func TestRefundReturnsCreditsToSubscription(t *testing.T) {
	h := newHarness(t, RateLimits{})
	h.account("acct", 50, 0)

	require.Equal(t, http.StatusOK, h.do(http.MethodPost, "/credits/deduct", "acct", map[string]int{"amount": 20}).Code)
	rec := h.do(http.MethodPost, "/credits/refund", "acct", map[string]any{"amount": 20, "reason": "failed export"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]any{"refunded": float64(20), "reason": "failed export"}, decode[map[string]any](t, rec))

	balance := decode[map[string]any](t, h.do(http.MethodGet, "/credits/balance", "acct", nil))
	assert.EqualValues(t, 50, balance["credits"])
	assert.EqualValues(t, 0, balance["credits_extras"])
	assert.Equal(t, "inactive", balance["subscription_status"])
}

func TestBalanceOfUnknownAccount(t *testing.T) {
	h := newHarness(t, RateLimits{})
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/credits/balance", "ghost", nil).Code)
}

func TestGenerationLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t, RateLimits{})
	h.account("acct", 50, 0)

	rec := h.do(http.MethodPost, "/sora2/generate", "acct", map[string]string{"prompt": "a fox in the snow"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	g := decode[models.Generation](t, rec)
	assert.Equal(t, models.StatusProcessing, g.Status)

	rec = h.do(http.MethodDelete, "/sora2/delete?id="+g.ID, "acct", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.sora.mu.Lock()
	h.sora.statuses[g.Metadata.TaskID] = provider.TaskStatus{State: provider.StateCompleted, ResultURL: "https://kie/out.mp4"}
	h.sora.mu.Unlock()

	rec = h.do(http.MethodPost, "/sora2/process", "acct", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	summary := decode[service.PollSummary](t, rec)
	assert.Equal(t, 1, summary.Checked)
	assert.Equal(t, 1, summary.Completed)

	rec = h.do(http.MethodGet, "/sora2/status?id="+g.ID, "acct", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	done := decode[models.Generation](t, rec)
	assert.Equal(t, models.StatusCompleted, done.Status)
	assert.Equal(t, "https://cdn.example.com/sora2/"+g.ID+".mp4", done.ResultURL)

	assert.Equal(t, http.StatusNotFound, h.do(http.MethodGet, "/sora2/status?id="+g.ID, "intruder", nil).Code)

	rec = h.do(http.MethodDelete, "/sora2/delete?id="+g.ID, "acct", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]bool{"success": true}, decode[map[string]bool](t, rec))

	list := decode[map[string][]models.Generation](t, h.do(http.MethodGet, "/sora2/status", "acct", nil))
	assert.Empty(t, list["generations"])
}

func TestGenerateRejectsBadInput(t *testing.T) {
	h := newHarness(t, RateLimits{})
	h.account("acct", 50, 0)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/sora2/generate", "acct", map[string]string{}).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/sora2/generate", "acct", map[string]string{"prompt": "x", "image_url": "not a url"}).Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/midjourney/generate", "acct", map[string]string{"prompt": "x"}).Code)
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/veo3/generate", "acct", map[string]string{"prompt": "x"}).Code, "tool without an adapter")

	balance := decode[map[string]any](t, h.do(http.MethodGet, "/credits/balance", "acct", nil))
	assert.EqualValues(t, 50, balance["total"])
}

func TestGenerateWithoutCredits(t *testing.T) {
	h := newHarness(t, RateLimits{})
	h.account("acct", 3, 0)

	rec := h.do(http.MethodPost, "/sora2/generate", "acct", map[string]string{"prompt": "x"})
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestDeleteRequiresID(t *testing.T) {
	h := newHarness(t, RateLimits{})
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodDelete, "/sora2/delete", "acct", nil).Code)
}

func TestLinkTaskAndCleanup(t *testing.T) {
	h := newHarness(t, RateLimits{})
	h.account("acct", 50, 0)

	rec := h.do(http.MethodPost, "/sora2/link-task", "acct", map[string]string{"generation_id": "missing", "task_id": "t"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodPost, "/sora2/link-task", "acct", map[string]string{"generation_id": "missing"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(http.MethodPost, "/sora2/cleanup", "acct", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, service.SweepSummary{}, decode[service.SweepSummary](t, rec))
}

func TestRateLimitPerAccount(t *testing.T) {
	h := newHarness(t, RateLimits{Credits: 2})
	h.account("acct", 50, 0)
	h.account("other", 50, 0)

	rejected := testutil.ToFloat64(metrics.RateLimitRejections.WithLabelValues("credits"))
	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/credits/balance", "acct", nil).Code)
	}
	rec := h.do(http.MethodGet, "/credits/balance", "acct", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, rejected+1, testutil.ToFloat64(metrics.RateLimitRejections.WithLabelValues("credits")))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/credits/balance", "other", nil).Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/sora2/status", "acct", nil).Code, "budgets are independent")
}

func multipartBody(t *testing.T, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUploadReference(t *testing.T) {
	h := newHarness(t, RateLimits{})
	png := append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)

	body, contentType := multipartBody(t, "face.png", png)
	req := httptest.NewRequest(http.MethodPost, "/uploads", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token(t, "acct", time.Hour))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "https://cdn.example.com/references/ref.png", decode[map[string]string](t, rec)["url"])
	assert.Equal(t, "image/png", h.storage.contentType)
	assert.Equal(t, len(png), h.storage.size)
}

func TestUploadRejectsNonMedia(t *testing.T) {
	h := newHarness(t, RateLimits{})

	body, contentType := multipartBody(t, "notes.txt", []byte("hello there"))
	req := httptest.NewRequest(http.MethodPost, "/uploads", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token(t, "acct", time.Hour))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	assert.Zero(t, h.storage.size)
}

func TestAdminRoutesRequireBasicAuth(t *testing.T) {
	h := newHarness(t, RateLimits{})

	req := httptest.NewRequest(http.MethodPost, "/admin/accounts", bytes.NewReader([]byte(`{"id":"acct"}`)))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")
}

func (h *harness) admin(method, path, body string) *httptest.ResponseRecorder {
	h.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	req.SetBasicAuth("admin", "s3cret")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func TestAdminAccountManagement(t *testing.T) {
	h := newHarness(t, RateLimits{})

	rec := h.admin(http.MethodPost, "/admin/accounts", `{"id":"acct","email":"a@example.com","credits":100}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = h.admin(http.MethodPost, "/admin/accounts", `{"id":"acct","credits":999}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 100, decode[models.Account](t, rec).CreditsSubscription)

	rec = h.admin(http.MethodPost, "/admin/accounts", `{"id":"bad","email":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.admin(http.MethodPost, "/admin/accounts/acct/grant", `{"amount":40,"reason":"support"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 40, decode[models.Account](t, rec).CreditsExtra)

	rec = h.admin(http.MethodGet, "/admin/accounts/acct", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		Account models.Account      `json:"account"`
		Audit   []models.AuditEntry `json:"audit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, 140, view.Account.Total())
	require.Len(t, view.Audit, 2)
	assert.Equal(t, "support", view.Audit[0].Reason)

	assert.Equal(t, http.StatusNotFound, h.admin(http.MethodGet, "/admin/accounts/ghost", "").Code)
	assert.Equal(t, http.StatusNotFound, h.admin(http.MethodPost, "/admin/accounts/ghost/grant", `{"amount":1}`).Code)

	require.Equal(t, http.StatusOK, h.admin(http.MethodPost, "/admin/reconcile", "").Code)
	assert.Equal(t, 1, h.worker.runs)
}

func TestStripeWebhook(t *testing.T) {
	h := newHarness(t, RateLimits{})
	h.account("acct", 0, 0)

	payload := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{
		"id":"cs_1","customer":"cus_1","payment_status":"paid","metadata":{"account_id":"acct","pack_credits":"250"}}}}`)
	send := func(signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", signature)
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusBadRequest, send("t=1,v1=bad").Code)

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	rec := send(signed.Header)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, map[string]bool{"received": true, "duplicate": false}, decode[map[string]bool](t, rec))

	rec = send(signed.Header)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[map[string]bool](t, rec)["duplicate"])

	balance := decode[map[string]any](t, h.do(http.MethodGet, "/credits/balance", "acct", nil))
	assert.EqualValues(t, 250, balance["credits_extras"])
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	h := newHarness(t, RateLimits{})
	for _, path := range []string{"/healthz", "/metrics"} {
		rec := httptest.NewRecorder()
		h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}
