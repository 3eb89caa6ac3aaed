package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"rentmarket/internal/availability"
	"rentmarket/internal/domain"
	"rentmarket/internal/service/catalog"
	"rentmarket/internal/service/order"
	"rentmarket/internal/service/payment"
	"rentmarket/internal/storage/memory"
)

const (
	testJWTSecret      = "test-secret"
	testCallbackSecret = "cb-secret"
)

type fixture struct {
	ts      *httptest.Server
	auth    *Authenticator
	catalog *catalog.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	base := log.New()
	base.SetOutput(io.Discard)
	logger := base.WithField("component", "http-test")

	orderRepo := memory.NewOrderRepository()
	paymentRepo := memory.NewPaymentRepository()
	financeRepo := memory.NewFinanceRepository()
	historyRepo := memory.NewHistoryRepository()
	outboxRepo := memory.NewOutboxRepository()
	idemRepo := memory.NewIdempotencyRepository()

	cat := catalog.NewMock(
		domain.Item{ID: "item-1", Name: "camera", PricePerDay: decimal.NewFromInt(150), Status: domain.ItemStatusAvailable},
		domain.Item{ID: "item-2", Name: "tripod", PricePerDay: decimal.NewFromInt(20), Status: domain.ItemStatusAvailable},
	)

	paySvc := payment.NewServiceWithoutMetrics(orderRepo, paymentRepo, financeRepo, historyRepo, outboxRepo, logger)
	ordSvc := order.NewServiceWithoutMetrics(
		orderRepo, historyRepo, outboxRepo, cat,
		availability.NewChecker(orderRepo), paySvc,
		order.Config{DepositRate: decimal.NewFromFloat(0.2)},
		logger,
	)

	auth := NewAuthenticator(testJWTSecret)
	server := NewServer(ordSvc, paySvc, idemRepo, auth, testCallbackSecret, logger)

	ts := httptest.NewServer(server.Router())
	t.Cleanup(ts.Close)

	return &fixture{ts: ts, auth: auth, catalog: cat}
}

func (f *fixture) token(t *testing.T, userID string, roles ...domain.Role) string {
	t.Helper()
	token, err := f.auth.IssueToken(userID, roles, time.Hour)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

func (f *fixture) do(t *testing.T, method, path, token string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}
	_ = resp.Body.Close()

	return resp, raw
}

func createOrderBody() map[string]any {
	return map[string]any{
		"items":     []map[string]any{{"itemId": "item-1", "quantity": 1}},
		"startDate": "2024-01-01",
		"endDate":   "2024-01-04",
	}
}

func (f *fixture) createOrder(t *testing.T, token string) orderResponse {
	t.Helper()

	resp, raw := f.do(t, http.MethodPost, "/api/orders", token, createOrderBody(), nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create order: status=%d body=%s", resp.StatusCode, raw)
	}

	var created orderResponse
	if err := json.Unmarshal(raw, &created); err != nil {
		t.Fatalf("unmarshal order: %v", err)
	}
	return created
}

func TestCreateOrder_PricingAndDeposit(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-1", domain.RoleRenter)

	created := f.createOrder(t, token)

	// 3 дня × 150.00 = 450.00, залог 20% = 90.00.
	if created.TotalAmount != "450.00" {
		t.Fatalf("unexpected total: %s", created.TotalAmount)
	}
	if created.DepositAmount != "90.00" {
		t.Fatalf("unexpected deposit: %s", created.DepositAmount)
	}
	if created.Status != string(domain.OrderStatusPending) {
		t.Fatalf("unexpected status: %s", created.Status)
	}
	if created.OrderNo == "" || created.ID == "" {
		t.Fatalf("missing identifiers: %+v", created)
	}
}

func TestCreateOrder_Unauthenticated(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/orders", "", createOrderBody(), nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestCreateOrder_InvalidDates(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-1", domain.RoleRenter)

	body := createOrderBody()
	body["startDate"] = "01.01.2024"
	resp, _ := f.do(t, http.MethodPost, "/api/orders", token, body, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date format, got %d", resp.StatusCode)
	}

	// Диапазон короче одного дня.
	body = createOrderBody()
	body["endDate"] = "2024-01-01"
	resp, raw := f.do(t, http.MethodPost, "/api/orders", token, body, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero-day range, got %d body=%s", resp.StatusCode, raw)
	}
}

func TestCreateOrder_IdempotencyReplay(t *testing.T) {
	f := newFixture(t)
	token := f.token(t, "user-1", domain.RoleRenter)
	headers := map[string]string{"Idempotency-Key": "create-1"}

	resp, raw := f.do(t, http.MethodPost, "/api/orders", token, createOrderBody(), headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first create: status=%d body=%s", resp.StatusCode, raw)
	}
	var first orderResponse
	if err := json.Unmarshal(raw, &first); err != nil {
		t.Fatalf("unmarshal first response: %v", err)
	}

	// Повтор с тем же ключом и телом возвращает сохранённый ответ.
	resp, raw = f.do(t, http.MethodPost, "/api/orders", token, createOrderBody(), headers)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("replay: status=%d body=%s", resp.StatusCode, raw)
	}
	var replayed orderResponse
	if err := json.Unmarshal(raw, &replayed); err != nil {
		t.Fatalf("unmarshal replayed response: %v", err)
	}
	if replayed.ID != first.ID || replayed.OrderNo != first.OrderNo {
		t.Fatalf("replay must return the stored order: first=%+v replayed=%+v", first, replayed)
	}

	// Заказ создан один раз.
	listResp, listRaw := f.do(t, http.MethodGet, "/api/orders", token, nil, nil)
	if listResp.StatusCode != http.StatusOK {
		t.Fatalf("list orders: status=%d", listResp.StatusCode)
	}
	var orders []orderResponse
	if err := json.Unmarshal(listRaw, &orders); err != nil {
		t.Fatalf("unmarshal orders: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("expected exactly one order after replay, got %d", len(orders))
	}

	// Тот же ключ с другим телом отклоняется.
	other := createOrderBody()
	other["remark"] = "different body"
	resp, _ = f.do(t, http.MethodPost, "/api/orders", token, other, headers)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for key reuse with different body, got %d", resp.StatusCode)
	}
}

func TestAuditOrder_RequiresAuditorRole(t *testing.T) {
	f := newFixture(t)
	renter := f.token(t, "user-1", domain.RoleRenter)
	created := f.createOrder(t, renter)

	resp, _ := f.do(t, http.MethodPost, "/api/orders/"+created.ID+"/audit", renter,
		map[string]any{"approved": true}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for renter audit, got %d", resp.StatusCode)
	}

	auditor := f.token(t, "auditor-1", domain.RoleAuditor)
	resp, raw := f.do(t, http.MethodPost, "/api/orders/"+created.ID+"/audit", auditor,
		map[string]any{"approved": true, "comment": "ok"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit approve: status=%d body=%s", resp.StatusCode, raw)
	}
	var confirmed orderResponse
	if err := json.Unmarshal(raw, &confirmed); err != nil {
		t.Fatalf("unmarshal confirmed order: %v", err)
	}
	if confirmed.Status != string(domain.OrderStatusConfirmed) {
		t.Fatalf("expected confirmed, got %s", confirmed.Status)
	}
}

func TestPaymentCallback_ReusedTxnIDConflicts(t *testing.T) {
	f := newFixture(t)
	renter := f.token(t, "user-1", domain.RoleRenter)
	auditor := f.token(t, "auditor-1", domain.RoleAuditor)

	created := f.createOrder(t, renter)
	resp, raw := f.do(t, http.MethodPost, "/api/orders/"+created.ID+"/audit", auditor,
		map[string]any{"approved": true}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit: status=%d body=%s", resp.StatusCode, raw)
	}

	linkPayment := func(amount string) paymentResponse {
		t.Helper()
		resp, raw := f.do(t, http.MethodPost, "/api/payments", renter, map[string]any{
			"orderId": created.ID,
			"amount":  amount,
			"method":  "alipay",
			"type":    "rental",
		}, nil)
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("link payment: status=%d body=%s", resp.StatusCode, raw)
		}
		var linked paymentResponse
		if err := json.Unmarshal(raw, &linked); err != nil {
			t.Fatalf("unmarshal payment: %v", err)
		}
		return linked
	}

	first := linkPayment("200.00")
	second := linkPayment("250.00")
	secret := map[string]string{callbackSecretHeader: testCallbackSecret}

	resp, raw = f.do(t, http.MethodPost, "/api/payments/callback", "", map[string]any{
		"paymentNo":     first.PaymentNo,
		"externalTxnId": "txn-9",
		"success":       true,
	}, secret)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback: status=%d body=%s", resp.StatusCode, raw)
	}

	// Тот же txn-id на другом платеже — конфликт.
	resp, _ = f.do(t, http.MethodPost, "/api/payments/callback", "", map[string]any{
		"paymentNo":     second.PaymentNo,
		"externalTxnId": "txn-9",
		"success":       true,
	}, secret)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for reused txn id, got %d", resp.StatusCode)
	}
}

func TestOrderLifecycle_PaymentCallbackAndReturn(t *testing.T) {
	f := newFixture(t)
	renter := f.token(t, "user-1", domain.RoleRenter)
	auditor := f.token(t, "auditor-1", domain.RoleAuditor)

	created := f.createOrder(t, renter)

	resp, raw := f.do(t, http.MethodPost, "/api/orders/"+created.ID+"/audit", auditor,
		map[string]any{"approved": true}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit: status=%d body=%s", resp.StatusCode, raw)
	}

	// Привязываем арендный платёж на полную сумму.
	resp, raw = f.do(t, http.MethodPost, "/api/payments", renter, map[string]any{
		"orderId": created.ID,
		"amount":  "450.00",
		"method":  "alipay",
		"type":    "rental",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("link payment: status=%d body=%s", resp.StatusCode, raw)
	}
	var linked paymentResponse
	if err := json.Unmarshal(raw, &linked); err != nil {
		t.Fatalf("unmarshal payment: %v", err)
	}

	callback := map[string]any{
		"paymentNo":     linked.PaymentNo,
		"externalTxnId": "txn-1",
		"success":       true,
	}
	secret := map[string]string{callbackSecretHeader: testCallbackSecret}

	// Callback без секрета отклоняется.
	resp, _ = f.do(t, http.MethodPost, "/api/payments/callback", "", callback, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without callback token, got %d", resp.StatusCode)
	}

	resp, raw = f.do(t, http.MethodPost, "/api/payments/callback", "", callback, secret)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback: status=%d body=%s", resp.StatusCode, raw)
	}

	// Повтор callback безопасен.
	resp, _ = f.do(t, http.MethodPost, "/api/payments/callback", "", callback, secret)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback replay: status=%d", resp.StatusCode)
	}

	resp, raw = f.do(t, http.MethodGet, "/api/orders/"+created.ID, renter, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get order: status=%d", resp.StatusCode)
	}
	var paid orderResponse
	if err := json.Unmarshal(raw, &paid); err != nil {
		t.Fatalf("unmarshal paid order: %v", err)
	}
	if paid.Status != string(domain.OrderStatusPaid) {
		t.Fatalf("expected paid after callback, got %s", paid.Status)
	}

	resp, raw = f.do(t, http.MethodPost, "/api/orders/"+created.ID+"/start", renter, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start use: status=%d body=%s", resp.StatusCode, raw)
	}
	if f.catalog.Status("item-1") != domain.ItemStatusRented {
		t.Fatalf("item must be rented after start, got %s", f.catalog.Status("item-1"))
	}

	resp, raw = f.do(t, http.MethodPost, "/api/orders/"+created.ID+"/return", auditor,
		map[string]any{"hasDamage": false}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("return: status=%d body=%s", resp.StatusCode, raw)
	}
	var returned orderResponse
	if err := json.Unmarshal(raw, &returned); err != nil {
		t.Fatalf("unmarshal returned order: %v", err)
	}
	if returned.Status != string(domain.OrderStatusReturned) {
		t.Fatalf("expected returned, got %s", returned.Status)
	}
	if returned.ActualReturnDate == "" {
		t.Fatal("actualReturnDate must be set after return")
	}
	if f.catalog.Status("item-1") != domain.ItemStatusAvailable {
		t.Fatalf("item must be available after return, got %s", f.catalog.Status("item-1"))
	}

	// История заказа зафиксировала все переходы.
	resp, raw = f.do(t, http.MethodGet, "/api/orders/"+created.ID+"/history", renter, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history: status=%d", resp.StatusCode)
	}
	var events []historyEventResponse
	if err := json.Unmarshal(raw, &events); err != nil {
		t.Fatalf("unmarshal history: %v", err)
	}
	if len(events) < 5 {
		t.Fatalf("expected full transition history, got %d events", len(events))
	}
}

func TestItemAvailability(t *testing.T) {
	f := newFixture(t)
	renter := f.token(t, "user-1", domain.RoleRenter)
	auditor := f.token(t, "auditor-1", domain.RoleAuditor)

	created := f.createOrder(t, renter)
	resp, _ := f.do(t, http.MethodPost, "/api/orders/"+created.ID+"/audit", auditor,
		map[string]any{"approved": true}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit: status=%d", resp.StatusCode)
	}

	resp, raw := f.do(t, http.MethodGet, "/api/items/item-1/availability?start=2024-01-02&end=2024-01-03", renter, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("availability: status=%d", resp.StatusCode)
	}
	var busy availabilityResponse
	if err := json.Unmarshal(raw, &busy); err != nil {
		t.Fatalf("unmarshal availability: %v", err)
	}
	if busy.Available {
		t.Fatal("overlapping range must be unavailable")
	}

	resp, raw = f.do(t, http.MethodGet, "/api/items/item-1/availability?start=2024-02-01&end=2024-02-05", renter, nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("availability: status=%d", resp.StatusCode)
	}
	var free availabilityResponse
	if err := json.Unmarshal(raw, &free); err != nil {
		t.Fatalf("unmarshal availability: %v", err)
	}
	if !free.Available {
		t.Fatal("non-overlapping range must be available")
	}

	resp, _ = f.do(t, http.MethodGet, "/api/items/item-1/availability?start=bad&end=2024-02-05", renter, nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad date, got %d", resp.StatusCode)
	}
}

func TestRefund_RolesAndGuard(t *testing.T) {
	f := newFixture(t)
	renter := f.token(t, "user-1", domain.RoleRenter)
	auditor := f.token(t, "auditor-1", domain.RoleAuditor)
	finance := f.token(t, "finance-1", domain.RoleFinance)

	created := f.createOrder(t, renter)
	resp, _ := f.do(t, http.MethodPost, "/api/orders/"+created.ID+"/audit", auditor,
		map[string]any{"approved": true}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit: status=%d", resp.StatusCode)
	}

	resp, raw := f.do(t, http.MethodPost, "/api/payments", renter, map[string]any{
		"orderId": created.ID,
		"amount":  "450.00",
		"method":  "wechat",
		"type":    "rental",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("link payment: status=%d body=%s", resp.StatusCode, raw)
	}
	var linked paymentResponse
	if err := json.Unmarshal(raw, &linked); err != nil {
		t.Fatalf("unmarshal payment: %v", err)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/payments/callback", "", map[string]any{
		"paymentNo":     linked.PaymentNo,
		"externalTxnId": "txn-refund",
		"success":       true,
	}, map[string]string{callbackSecretHeader: testCallbackSecret})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback: status=%d", resp.StatusCode)
	}

	refundBody := map[string]any{"amount": "100.00", "reason": "partial"}

	// Возврат доступен только роли finance.
	resp, _ = f.do(t, http.MethodPost, "/api/payments/"+linked.ID+"/refund", renter, refundBody, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for renter refund, got %d", resp.StatusCode)
	}

	resp, raw = f.do(t, http.MethodPost, "/api/payments/"+linked.ID+"/refund", finance, refundBody, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("refund: status=%d body=%s", resp.StatusCode, raw)
	}

	// Остаток 350.00: запрос на 400.00 превышает доступное.
	resp, _ = f.do(t, http.MethodPost, "/api/payments/"+linked.ID+"/refund", finance,
		map[string]any{"amount": "400.00", "reason": "too much"}, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for refund over balance, got %d", resp.StatusCode)
	}
}

func TestCancelPaidOrder_Illegal(t *testing.T) {
	f := newFixture(t)
	renter := f.token(t, "user-1", domain.RoleRenter)
	auditor := f.token(t, "auditor-1", domain.RoleAuditor)

	created := f.createOrder(t, renter)
	resp, _ := f.do(t, http.MethodPost, "/api/orders/"+created.ID+"/audit", auditor,
		map[string]any{"approved": true}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit: status=%d", resp.StatusCode)
	}

	resp, raw := f.do(t, http.MethodPost, "/api/payments", renter, map[string]any{
		"orderId": created.ID,
		"amount":  "450.00",
		"method":  "alipay",
		"type":    "rental",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("link payment: status=%d body=%s", resp.StatusCode, raw)
	}
	var linked paymentResponse
	if err := json.Unmarshal(raw, &linked); err != nil {
		t.Fatalf("unmarshal payment: %v", err)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/payments/callback", "", map[string]any{
		"paymentNo":     linked.PaymentNo,
		"externalTxnId": "txn-cancel",
		"success":       true,
	}, map[string]string{callbackSecretHeader: testCallbackSecret})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("callback: status=%d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/orders/"+created.ID+"/cancel", renter,
		map[string]any{"reason": "changed my mind"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for cancel of paid order, got %d", resp.StatusCode)
	}
}

func TestGetOrder_NotFoundAndForeign(t *testing.T) {
	f := newFixture(t)
	renter := f.token(t, "user-1", domain.RoleRenter)
	stranger := f.token(t, "user-2", domain.RoleRenter)

	resp, _ := f.do(t, http.MethodGet, "/api/orders/missing", renter, nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}

	created := f.createOrder(t, renter)
	resp, _ = f.do(t, http.MethodGet, "/api/orders/"+created.ID, stranger, nil, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign order, got %d", resp.StatusCode)
	}
}
