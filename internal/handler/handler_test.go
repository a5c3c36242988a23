package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/smolentsov/logmarket/internal/middleware"
	"github.com/smolentsov/logmarket/internal/model"
	"github.com/smolentsov/logmarket/internal/repository"
	"github.com/smolentsov/logmarket/internal/service"
)

// stubService подменяет бизнес-логику в тестах обработчиков.
type stubService struct {
	registerErr   error
	authErr       error
	balance       *model.Balance
	balanceErr    error
	depositID     string
	depositErr    error
	purchase      *service.PurchaseResult
	purchaseErr   error
	entries       []model.LedgerEntry
	entriesErr    error
	orders        []model.Order
	ordersErr     error
	statusResult  *service.StatusResult
	statusErr     error
	adjustID      string
	adjustErr     error
	orderStatus   error
	actions       []model.AdminAction
	actionsErr    error
	lastEntryID   string
	lastNewStatus model.EntryStatus
}

func (s *stubService) RegisterUser(ctx context.Context, login, password string) (int64, error) {
	if s.registerErr != nil {
		return 0, s.registerErr
	}
	return 1, nil
}

func (s *stubService) AuthenticateUser(ctx context.Context, login, password string) (int64, error) {
	if s.authErr != nil {
		return 0, s.authErr
	}
	return 1, nil
}

func (s *stubService) GetBalance(ctx context.Context, userID int64) (*model.Balance, error) {
	return s.balance, s.balanceErr
}

func (s *stubService) SubmitDeposit(ctx context.Context, userID int64, amount float64, currency, externalRef string) (string, error) {
	return s.depositID, s.depositErr
}

func (s *stubService) Purchase(ctx context.Context, userID int64, productID, productName string, price float64) (*service.PurchaseResult, error) {
	return s.purchase, s.purchaseErr
}

func (s *stubService) ListEntries(ctx context.Context, userID int64, kind model.EntryKind, status model.EntryStatus) ([]model.LedgerEntry, error) {
	return s.entries, s.entriesErr
}

func (s *stubService) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.orders, s.ordersErr
}

func (s *stubService) AdminSetEntryStatus(ctx context.Context, entryID string, newStatus model.EntryStatus, adminID int64, note string) (*service.StatusResult, error) {
	s.lastEntryID = entryID
	s.lastNewStatus = newStatus
	return s.statusResult, s.statusErr
}

func (s *stubService) AdminAdjustBalance(ctx context.Context, userID int64, amount float64, note string, adminID int64) (string, error) {
	return s.adjustID, s.adjustErr
}

func (s *stubService) AdminListEntries(ctx context.Context, adminID int64, filter repository.EntryFilter) ([]model.LedgerEntry, error) {
	return s.entries, s.entriesErr
}

func (s *stubService) AdminSetOrderStatus(ctx context.Context, orderID string, status model.OrderStatus, adminID int64) error {
	return s.orderStatus
}

func (s *stubService) AdminListActions(ctx context.Context, adminID int64, limit int) ([]model.AdminAction, error) {
	return s.actions, s.actionsErr
}

func newTestServer(t *testing.T, svc Service) (*httptest.Server, *middleware.AuthMiddleware) {
	t.Helper()

	logger := zap.NewNop()
	auth := middleware.NewAuthMiddleware("test-secret")
	h := NewHandler(svc, logger, auth)

	srv := httptest.NewServer(h.SetupRouter())
	t.Cleanup(srv.Close)

	return srv, auth
}

// authCookie выпускает валидный cookie авторизации для указанного пользователя.
func authCookie(auth *middleware.AuthMiddleware, userID int64) *http.Cookie {
	rec := httptest.NewRecorder()
	auth.SetAuthCookie(rec, userID)
	return rec.Result().Cookies()[0]
}

func doRequest(t *testing.T, method, url, body string, cookie *http.Cookie) *http.Response {
	t.Helper()

	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cookie != nil {
		req.AddCookie(cookie)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

func TestRegister(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		serviceErr error
		wantStatus int
		wantCookie bool
	}{
		{
			name:       "successful registration",
			body:       `{"login":"user","password":"pass"}`,
			wantStatus: http.StatusOK,
			wantCookie: true,
		},
		{
			name:       "duplicate login",
			body:       `{"login":"user","password":"pass"}`,
			serviceErr: repository.ErrUserExists,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "empty credentials",
			body:       `{"login":"","password":""}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed json",
			body:       `{"login":`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{registerErr: tt.serviceErr}
			srv, _ := newTestServer(t, svc)

			resp := doRequest(t, http.MethodPost, srv.URL+"/api/user/register", tt.body, nil)

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status: got %d want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantCookie && len(resp.Cookies()) == 0 {
				t.Fatalf("auth cookie not set")
			}
		})
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	svc := &stubService{authErr: errors.New("invalid credentials")}
	srv, _ := newTestServer(t, svc)

	resp := doRequest(t, http.MethodPost, srv.URL+"/api/user/login", `{"login":"user","password":"wrong"}`, nil)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: got %d want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestGetBalance(t *testing.T) {
	svc := &stubService{balance: &model.Balance{Current: 123.45}}
	srv, auth := newTestServer(t, svc)

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/user/balance", "", authCookie(auth, 1))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d want %d", resp.StatusCode, http.StatusOK)
	}

	var got model.Balance
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Current != 123.45 {
		t.Fatalf("balance: got %v want 123.45", got.Current)
	}
}

func TestGetBalance_Unauthorized(t *testing.T) {
	srv, _ := newTestServer(t, &stubService{})

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/user/balance", "", nil)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: got %d want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestSubmitDeposit(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		serviceErr error
		wantStatus int
	}{
		{
			name:       "accepted",
			body:       `{"amount":100,"currency":"BTC","external_ref":"0xabc"}`,
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "invalid amount",
			body:       `{"amount":-5,"currency":"BTC"}`,
			serviceErr: service.ErrInvalidAmount,
			wantStatus: http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{depositID: "entry-1", depositErr: tt.serviceErr}
			srv, auth := newTestServer(t, svc)

			resp := doRequest(t, http.MethodPost, srv.URL+"/api/user/deposits", tt.body, authCookie(auth, 1))

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status: got %d want %d", resp.StatusCode, tt.wantStatus)
			}

			if tt.wantStatus == http.StatusAccepted {
				var got struct {
					ID string `json:"id"`
				}
				if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
					t.Fatalf("decode response: %v", err)
				}
				if got.ID != "entry-1" {
					t.Fatalf("entry id: got %q want entry-1", got.ID)
				}
			}
		})
	}
}

func TestPurchase(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		serviceErr error
		wantStatus int
	}{
		{
			name:       "successful purchase",
			body:       `{"product_id":"log-1","product_name":"Fresh Log","price":60}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "insufficient funds",
			body:       `{"product_id":"log-1","product_name":"Fresh Log","price":60}`,
			serviceErr: repository.ErrInsufficientFunds,
			wantStatus: http.StatusPaymentRequired,
		},
		{
			name:       "invalid price",
			body:       `{"product_id":"log-1","product_name":"Fresh Log","price":-1}`,
			serviceErr: service.ErrInvalidAmount,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "missing product name",
			body:       `{"product_id":"log-1","price":60}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				purchase:    &service.PurchaseResult{OrderID: "order-1", OrderNumber: "ORD-ABCDEFGHJ"},
				purchaseErr: tt.serviceErr,
			}
			srv, auth := newTestServer(t, svc)

			resp := doRequest(t, http.MethodPost, srv.URL+"/api/user/purchase", tt.body, authCookie(auth, 1))

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status: got %d want %d", resp.StatusCode, tt.wantStatus)
			}

			if tt.wantStatus == http.StatusOK {
				var got struct {
					OrderID     string `json:"order_id"`
					OrderNumber string `json:"order_number"`
				}
				if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
					t.Fatalf("decode response: %v", err)
				}
				if got.OrderID != "order-1" || !strings.HasPrefix(got.OrderNumber, "ORD-") {
					t.Fatalf("unexpected response: %+v", got)
				}
			}
		})
	}
}

func TestGetTransactions(t *testing.T) {
	entries := []model.LedgerEntry{
		{
			ID: "e1", UserID: 1, Kind: model.EntryKindDeposit,
			AmountCents: 10000, Status: model.EntryStatusCompleted,
			Currency: "BTC", CreatedAt: time.Now(), UpdatedAt: time.Now(),
		},
	}

	t.Run("with entries", func(t *testing.T) {
		srv, auth := newTestServer(t, &stubService{entries: entries})

		resp := doRequest(t, http.MethodGet, srv.URL+"/api/user/transactions?kind=deposit", "", authCookie(auth, 1))

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status: got %d want %d", resp.StatusCode, http.StatusOK)
		}

		var got []struct {
			ID     string  `json:"id"`
			Amount float64 `json:"amount"`
			Status string  `json:"status"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if len(got) != 1 || got[0].Amount != 100 || got[0].Status != "completed" {
			t.Fatalf("unexpected response: %+v", got)
		}
	})

	t.Run("no entries", func(t *testing.T) {
		srv, auth := newTestServer(t, &stubService{})

		resp := doRequest(t, http.MethodGet, srv.URL+"/api/user/transactions", "", authCookie(auth, 1))

		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("status: got %d want %d", resp.StatusCode, http.StatusNoContent)
		}
	})
}

func TestAdminSetEntryStatus(t *testing.T) {
	tests := []struct {
		name       string
		serviceErr error
		wantStatus int
	}{
		{
			name:       "successful transition",
			wantStatus: http.StatusOK,
		},
		{
			name:       "not admin",
			serviceErr: service.ErrPermissionDenied,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "entry not found",
			serviceErr: repository.ErrEntryNotFound,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "reversal would overdraw balance",
			serviceErr: repository.ErrInsufficientBalanceToReverse,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "unknown status",
			serviceErr: service.ErrInvalidStatus,
			wantStatus: http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				statusResult: &service.StatusResult{
					OldStatus: model.EntryStatusPending,
					NewStatus: model.EntryStatusCompleted,
				},
				statusErr: tt.serviceErr,
			}
			srv, auth := newTestServer(t, svc)

			resp := doRequest(t, http.MethodPost, srv.URL+"/api/admin/transactions/entry-1/status",
				`{"status":"completed","note":"verified"}`, authCookie(auth, 2))

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status: got %d want %d", resp.StatusCode, tt.wantStatus)
			}

			if svc.lastEntryID != "entry-1" {
				t.Fatalf("entry id passed to service: got %q want entry-1", svc.lastEntryID)
			}
			if svc.lastNewStatus != model.EntryStatusCompleted {
				t.Fatalf("status passed to service: got %q want completed", svc.lastNewStatus)
			}

			if tt.wantStatus == http.StatusOK {
				var got struct {
					OldStatus string `json:"old_status"`
					NewStatus string `json:"new_status"`
				}
				if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
					t.Fatalf("decode response: %v", err)
				}
				if got.OldStatus != "pending" || got.NewStatus != "completed" {
					t.Fatalf("unexpected response: %+v", got)
				}
			}
		})
	}
}

func TestAdminAdjustBalance(t *testing.T) {
	tests := []struct {
		name       string
		serviceErr error
		wantStatus int
	}{
		{
			name:       "successful adjustment",
			wantStatus: http.StatusOK,
		},
		{
			name:       "not admin",
			serviceErr: service.ErrPermissionDenied,
			wantStatus: http.StatusForbidden,
		},
		{
			name:       "user not found",
			serviceErr: repository.ErrUserNotFound,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "invalid amount",
			serviceErr: service.ErrInvalidAmount,
			wantStatus: http.StatusUnprocessableEntity,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{adjustID: "entry-9", adjustErr: tt.serviceErr}
			srv, auth := newTestServer(t, svc)

			resp := doRequest(t, http.MethodPost, srv.URL+"/api/admin/adjustments",
				`{"user_id":1,"amount":25,"note":"manual credit"}`, authCookie(auth, 2))

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status: got %d want %d", resp.StatusCode, tt.wantStatus)
			}
		})
	}
}

func TestAdminGetActions(t *testing.T) {
	svc := &stubService{
		actions: []model.AdminAction{
			{ID: 1, AdminID: 2, ActionType: "set_entry_status", AffectedTable: "ledger_entries", AffectedID: "e1", CreatedAt: time.Now()},
		},
	}
	srv, auth := newTestServer(t, svc)

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/admin/actions?limit=10", "", authCookie(auth, 2))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d want %d", resp.StatusCode, http.StatusOK)
	}

	var got []struct {
		ActionType string `json:"action_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].ActionType != "set_entry_status" {
		t.Fatalf("unexpected response: %+v", got)
	}
}

func TestAdminEndpoints_RequireAuth(t *testing.T) {
	srv, _ := newTestServer(t, &stubService{})

	resp := doRequest(t, http.MethodGet, srv.URL+"/api/admin/transactions", "", nil)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: got %d want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}
