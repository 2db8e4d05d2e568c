package service

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"digital-delivery/internal/domain"
	"digital-delivery/internal/infrastructure/payment"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// memStore is an in-memory stand-in for every repository. It does not roll back with
// the transaction, so tests that need rollback semantics live in the postgres suite.
type memStore struct {
	mu     sync.Mutex
	orders map[uuid.UUID]domain.Order
	lines  map[uuid.UUID][]domain.OrderLine
	events map[string]string
	grants []domain.Grant
	tokens map[string]domain.DownloadToken
	files  map[uuid.UUID]domain.File

	failGrantInsert error
	failTokenCreate error
}

func newMemStore() *memStore {
	return &memStore{
		orders: make(map[uuid.UUID]domain.Order),
		lines:  make(map[uuid.UUID][]domain.OrderLine),
		events: make(map[string]string),
		tokens: make(map[string]domain.DownloadToken),
		files:  make(map[uuid.UUID]domain.File),
	}
}

// order repo

type memOrders struct{ *memStore }

func (m memOrders) CreateOrder(_ context.Context, _ *sqlx.Tx, order *domain.Order, lines []domain.OrderLine) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = *order
	m.lines[order.ID] = append([]domain.OrderLine(nil), lines...)
	return nil
}

func (m memOrders) FindById(_ context.Context, id uuid.UUID) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, domain.ErrOrderNotFound
	}
	return &o, nil
}

func (m memOrders) FindBySession(_ context.Context, sessionID string) (*domain.Order, error) {
	return m.find(func(o domain.Order) bool {
		return o.PaymentSessionID != nil && *o.PaymentSessionID == sessionID
	})
}

func (m memOrders) LockById(ctx context.Context, _ *sqlx.Tx, id uuid.UUID) (*domain.Order, error) {
	return m.FindById(ctx, id)
}

func (m memOrders) LockBySession(ctx context.Context, _ *sqlx.Tx, sessionID string) (*domain.Order, error) {
	return m.FindBySession(ctx, sessionID)
}

func (m memOrders) LockByIntent(_ context.Context, _ *sqlx.Tx, intentID string) (*domain.Order, error) {
	return m.find(func(o domain.Order) bool {
		return o.PaymentIntentID != nil && *o.PaymentIntentID == intentID
	})
}

func (m memOrders) find(match func(domain.Order) bool) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if match(o) {
			return &o, nil
		}
	}
	return nil, domain.ErrOrderNotFound
}

func (m memOrders) Lines(_ context.Context, _ sqlx.QueryerContext, orderID uuid.UUID) ([]domain.OrderLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.OrderLine(nil), m.lines[orderID]...), nil
}

func (m memOrders) MarkPaid(_ context.Context, _ *sqlx.Tx, id uuid.UUID, refs domain.PaymentRefs, at time.Time) (bool, error) {
	return m.update(id, domain.OrderPending, func(o *domain.Order) {
		o.Status = domain.OrderPaid
		o.PaidAt = &at
		if refs.SessionID != "" {
			o.PaymentSessionID = &refs.SessionID
		}
		if refs.IntentID != "" {
			o.PaymentIntentID = &refs.IntentID
		}
	})
}

func (m memOrders) MarkFailed(_ context.Context, _ *sqlx.Tx, id uuid.UUID, at time.Time) (bool, error) {
	return m.update(id, domain.OrderPending, func(o *domain.Order) {
		o.Status = domain.OrderFailed
		o.UpdatedAt = at
	})
}

func (m memOrders) MarkRefunded(_ context.Context, _ *sqlx.Tx, id uuid.UUID, reason string, amount int64, at time.Time) (bool, error) {
	return m.update(id, domain.OrderPaid, func(o *domain.Order) {
		o.Status = domain.OrderRefunded
		o.RefundedAt = &at
		o.RefundReason = &reason
		o.RefundAmount = &amount
	})
}

func (m memOrders) update(id uuid.UUID, from domain.OrderStatus, apply func(*domain.Order)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != from {
		return false, nil
	}
	apply(&o)
	m.orders[id] = o
	return true, nil
}

func (m memOrders) FindStuckOrders(context.Context, time.Duration, int) ([]domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stuck []domain.Order
	for _, o := range m.orders {
		if o.Status == domain.OrderPending {
			stuck = append(stuck, o)
		}
	}
	return stuck, nil
}

// event repo

type memEvents struct{ *memStore }

func (m memEvents) Record(_ context.Context, _ *sqlx.Tx, event *domain.ProcessedEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[event.EventID]; ok {
		return false, nil
	}
	m.events[event.EventID] = ""
	return true, nil
}

func (m memEvents) SetOutcome(_ context.Context, _ *sqlx.Tx, eventID, outcome string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[eventID] = outcome
	return nil
}

// grant repo

type memGrants struct{ *memStore }

func (m memGrants) InsertForOrder(_ context.Context, _ *sqlx.Tx, grant *domain.Grant) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failGrantInsert != nil {
		return false, m.failGrantInsert
	}
	for _, g := range m.grants {
		if g.OrderID != nil && *g.OrderID == *grant.OrderID && g.FileID == grant.FileID {
			return false, nil
		}
	}
	m.grants = append(m.grants, *grant)
	return true, nil
}

func (m memGrants) Insert(_ context.Context, _ *sqlx.Tx, grant *domain.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants = append(m.grants, *grant)
	return nil
}

func (m memGrants) FindById(_ context.Context, id uuid.UUID) (*domain.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.grants {
		if g.ID == id {
			return &g, nil
		}
	}
	return nil, domain.ErrGrantNotFound
}

func (m memGrants) ListByOrder(_ context.Context, _ sqlx.QueryerContext, orderID uuid.UUID) ([]domain.Grant, error) {
	return m.filter(func(g domain.Grant) bool { return g.OrderID != nil && *g.OrderID == orderID }), nil
}

func (m memGrants) ListByBuyer(_ context.Context, buyerID uuid.UUID) ([]domain.Grant, error) {
	return m.filter(func(g domain.Grant) bool { return g.BuyerID == buyerID }), nil
}

func (m memGrants) filter(keep func(domain.Grant) bool) []domain.Grant {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Grant
	for _, g := range m.grants {
		if keep(g) {
			out = append(out, g)
		}
	}
	return out
}

func (m memGrants) IncrementUsage(_ context.Context, _ *sqlx.Tx, id uuid.UUID, now time.Time) (*domain.Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.grants {
		g := &m.grants[i]
		if g.ID != id {
			continue
		}
		if !g.IsValid(now) {
			return nil, domain.ErrGrantInvalid
		}
		g.DownloadsUsed++
		out := *g
		return &out, nil
	}
	return nil, domain.ErrGrantInvalid
}

// token repo

type memTokens struct{ *memStore }

func (m memTokens) Create(_ context.Context, token *domain.DownloadToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failTokenCreate != nil {
		return m.failTokenCreate
	}
	m.tokens[token.Token] = *token
	return nil
}

func (m memTokens) FindByToken(_ context.Context, value string) (*domain.DownloadToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[value]
	if !ok {
		return nil, domain.ErrTokenNotFound
	}
	return &t, nil
}

func (m memTokens) MarkUsed(_ context.Context, _ *sqlx.Tx, id uuid.UUID, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for value, t := range m.tokens {
		if t.ID != id {
			continue
		}
		if !t.IsValid(now) {
			return false, nil
		}
		t.UsedAt = &now
		m.tokens[value] = t
		return true, nil
	}
	return false, nil
}

// file repo

type memFiles struct{ *memStore }

func (m memFiles) FindById(_ context.Context, _ sqlx.QueryerContext, id uuid.UUID) (*domain.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[id]
	if !ok {
		return nil, domain.ErrFileNotFound
	}
	return &f, nil
}

func (m memFiles) ForLines(_ context.Context, _ sqlx.QueryerContext, lines []domain.OrderLine) ([]domain.File, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var out []domain.File
	for _, l := range lines {
		for _, f := range m.files {
			match := f.ProductID == l.ProductID
			if l.FileID != nil {
				match = f.ID == *l.FileID
			}
			if match && !seen[f.ID] {
				seen[f.ID] = true
				out = append(out, f)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

// collaborators

// fakeGateway verifies signatures with the real implementation and answers
// session lookups from a map.
type fakeGateway struct {
	payment.PaymentGateway
	mu        sync.Mutex
	sessions  map[string]*domain.Session
	verifyErr error
	calls     int
}

func (g *fakeGateway) VerifySession(_ context.Context, sessionID string) (*domain.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.verifyErr != nil {
		return nil, g.verifyErr
	}
	s, ok := g.sessions[sessionID]
	if !ok {
		return nil, domain.ErrPaymentNotVerified
	}
	return s, nil
}

type fakeLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string]int
}

func (l *fakeLimiter) Allow(_ context.Context, key string) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hits[key]++
	if l.hits[key] > l.limit {
		return l.window, nil
	}
	return 0, nil
}

func (l *fakeLimiter) Release(_ context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hits[key] > 0 {
		l.hits[key]--
	}
	return nil
}

type fakeContent struct {
	blobs map[string][]byte
}

func (c *fakeContent) Exists(_ context.Context, disk, path string) (bool, error) {
	_, ok := c.blobs[disk+":"+path]
	return ok, nil
}

func (c *fakeContent) Size(_ context.Context, disk, path string) (int64, error) {
	return int64(len(c.blobs[disk+":"+path])), nil
}

func (c *fakeContent) Open(_ context.Context, disk, path string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(c.blobs[disk+":"+path])), nil
}

type fakeDispatcher struct {
	mu   sync.Mutex
	sent []uuid.UUID
	err  error
}

func (d *fakeDispatcher) SendReceipt(_ context.Context, order *domain.Order, _ []domain.Grant) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, order.ID)
	return d.err
}

func (d *fakeDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}

// harness wires every service over the in-memory store and a sqlmock connection
// that only sees BEGIN / COMMIT / ROLLBACK.
type harness struct {
	store      *memStore
	mock       sqlmock.Sqlmock
	gateway    *fakeGateway
	limiter    *fakeLimiter
	content    *fakeContent
	dispatcher *fakeDispatcher
	logger     *zap.Logger

	orders      OrderService
	grants      GrantService
	fulfillment FulfillmentService
	webhooks    WebhookService
	checkout    CheckoutService
	downloads   DownloadService
}

const webhookSecret = "whsec_test"

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sdb := sqlx.NewDb(db, "sqlmock")

	h := &harness{
		store: newMemStore(),
		mock:  mock,
		gateway: &fakeGateway{
			PaymentGateway: payment.NewPaymentGateway(payment.Options{
				WebhookSecret: webhookSecret,
				Tolerance:     5 * time.Minute,
				APIBaseURL:    "http://127.0.0.1:0",
				Timeout:       time.Second,
			}),
			sessions: make(map[string]*domain.Session),
		},
		limiter:    &fakeLimiter{limit: 1, window: 60 * time.Second, hits: make(map[string]int)},
		content:    &fakeContent{blobs: make(map[string][]byte)},
		dispatcher: &fakeDispatcher{},
		logger:     zaptest.NewLogger(t),
	}

	orderRepo := memOrders{h.store}
	grantRepo := memGrants{h.store}
	fileRepo := memFiles{h.store}

	h.orders = NewOrderService(sdb, orderRepo)
	h.grants = NewGrantService(sdb, orderRepo, grantRepo, fileRepo, domain.GrantPolicy{MaxDownloads: 5, Validity: 30 * 24 * time.Hour}, h.logger)
	h.fulfillment = NewFulfillmentService(h.orders, h.grants, h.dispatcher, h.logger)
	h.webhooks = NewWebhookService(sdb, h.gateway, memEvents{h.store}, orderRepo, h.orders, h.fulfillment, h.logger)
	h.checkout = NewCheckoutService(sdb, h.gateway, orderRepo, grantRepo, h.orders, h.fulfillment, time.Second, h.logger)
	h.downloads = NewDownloadService(sdb, grantRepo, memTokens{h.store}, fileRepo, h.limiter, h.content,
		DownloadOptions{TokenTTL: 10 * time.Minute, PublicBaseURL: "https://shop.test/"}, h.logger)
	return h
}

// expectTx queues one transaction that ends with commit or rollback.
func (h *harness) expectTx(commit bool) {
	h.mock.ExpectBegin()
	if commit {
		h.mock.ExpectCommit()
	} else {
		h.mock.ExpectRollback()
	}
}

func (h *harness) addFile(productID uuid.UUID, name string, content []byte) domain.File {
	f := domain.File{
		ID:          uuid.New(),
		ProductID:   productID,
		Disk:        "local",
		Path:        "products/" + name,
		DisplayName: name,
		MimeType:    "application/pdf",
	}
	h.store.mu.Lock()
	h.store.files[f.ID] = f
	h.store.mu.Unlock()
	if content != nil {
		h.content.blobs[f.Disk+":"+f.Path] = content
	}
	return f
}

// pendingOrder creates an order for one product through the order service.
func (h *harness) pendingOrder(t *testing.T, productID uuid.UUID, sessionID string) *domain.Order {
	t.Helper()
	h.expectTx(true)
	order, err := h.orders.CreateOrder(context.Background(), CreateOrderInput{
		BuyerID:   uuid.New(),
		Currency:  "USD",
		SessionID: sessionID,
		Lines:     []LineInput{{ProductID: productID, Quantity: 1, UnitPrice: 1500}},
	})
	require.NoError(t, err)
	return order
}

func (h *harness) order(t *testing.T, id uuid.UUID) domain.Order {
	t.Helper()
	h.store.mu.Lock()
	defer h.store.mu.Unlock()
	o, ok := h.store.orders[id]
	require.True(t, ok)
	return o
}

func (h *harness) grantsFor(orderID uuid.UUID) []domain.Grant {
	return memGrants{h.store}.filter(func(g domain.Grant) bool { return g.OrderID != nil && *g.OrderID == orderID })
}

// addGrant stores a grant directly, bypassing fulfillment.
func (h *harness) addGrant(buyer uuid.UUID, file domain.File, limit *int, used int) domain.Grant {
	g := domain.Grant{
		ID:            uuid.New(),
		BuyerID:       buyer,
		ProductID:     file.ProductID,
		FileID:        file.ID,
		MaxDownloads:  limit,
		DownloadsUsed: used,
		CreatedAt:     time.Now().UTC(),
	}
	h.store.mu.Lock()
	h.store.grants = append(h.store.grants, g)
	h.store.mu.Unlock()
	return g
}

func intPtr(v int) *int { return &v }
