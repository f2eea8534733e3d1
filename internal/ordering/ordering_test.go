package ordering

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ksred/supply-api/internal/markup"
	"github.com/ksred/supply-api/internal/money"
	"github.com/ksred/supply-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []types.OrderEvent
	err    error
}

func (p *recordingPublisher) Dispatch(_ context.Context, e types.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPublisher) fail(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

func (p *recordingPublisher) eventTypes() []types.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.EventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type staticRules []markup.Rule

func (s staticRules) FindCandidates(context.Context, markup.MatchContext) ([]markup.Rule, error) {
	return append([]markup.Rule(nil), s...), nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(&Order{}, &OrderItem{}, &StatusLog{}, &CancellationRequest{}, &IdempotencyRecord{}, &OutboxEvent{}))
	return db
}

type fixture struct {
	svc   *Service
	db    *gorm.DB
	pub   *recordingPublisher
	clock *clock
}

func newFixture(t *testing.T, rules ...markup.Rule) *fixture {
	t.Helper()
	db := newTestDB(t)
	clk := &clock{now: t0}
	pub := &recordingPublisher{}
	resolver := markup.NewResolver(staticRules(rules), markup.WithClock(clk.Now))
	svc := NewService(db, resolver, pub, Config{
		ServiceFeeRate:  money.MustParse("0.003"),
		CancelWindow:    30 * time.Minute,
		PaymentRequired: true,
	}, WithClock(clk.Now))
	return &fixture{svc: svc, db: db, pub: pub, clock: clk}
}

func fivePercent() markup.Rule {
	r := markup.Rule{ID: 1, MarkupType: markup.RulePercent, MarkupValue: money.MustParse("0.05"), IsActive: true}
	r.Normalize()
	return r
}

func sampleRequest() CreateOrderRequest {
	return CreateOrderRequest{
		SellerID: seller.ID,
		Items: []ItemRequest{
			{ProductID: "p-1", ProductName: "Copy paper", CategoryID: "office", BasePrice: money.MustParse("100.00"), Quantity: 2},
			{ProductID: "p-2", ProductName: "Toner", CategoryID: "office", BasePrice: money.MustParse("50.00"), Quantity: 3},
		},
		ContactName:     "Jane Smith",
		ContactPhone:    "13812345678",
		DeliveryAddress: "1 Warehouse Road",
	}
}

func amountEq(t *testing.T, want string, got money.Amount) {
	t.Helper()
	assert.True(t, got.Equal(money.MustParse(want)), "want %s, got %s", want, got)
}

func TestCreateOrder_PricesAndFees(t *testing.T) {
	f := newFixture(t, fivePercent())
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, buyer, sampleRequest(), "")
	require.NoError(t, err)

	require.Len(t, order.Items, 2)
	amountEq(t, "105.00", order.Items[0].FinalPrice)
	amountEq(t, "5.00", order.Items[0].MarkupAmount)
	amountEq(t, "210.00", order.Items[0].LineTotal)
	amountEq(t, "52.50", order.Items[1].FinalPrice)
	amountEq(t, "157.50", order.Items[1].LineTotal)
	require.NotNil(t, order.Items[0].AppliedRuleID)

	amountEq(t, "367.50", order.GoodsAmount)
	amountEq(t, "1.10", order.ServiceFee)
	amountEq(t, "368.60", order.TotalAmount)
	assert.Equal(t, StatusPendingPayment, order.Status)
	assert.Equal(t, PaymentUnpaid, order.PaymentStatus)
	assert.Len(t, order.OrderNumber, 22)
	assert.Equal(t, "20260504090000", order.OrderNumber[:14])

	stored, err := f.svc.GetOrder(ctx, order.OrderNumber, buyer)
	require.NoError(t, err)
	assert.Equal(t, "368.6", stored.TotalAmount.String())
	assert.Len(t, stored.Items, 2)

	assert.Equal(t, []types.EventType{types.EventOrderCreated}, f.pub.eventTypes())
	history, err := f.svc.History(ctx, order.OrderNumber, buyer)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ActionCreate, history[0].Action)
}

func TestCreateOrder_PaymentNotRequired(t *testing.T) {
	f := newFixture(t)
	req := sampleRequest()
	skip := false
	req.PaymentRequired = &skip

	order, err := f.svc.CreateOrder(context.Background(), buyer, req, "")
	require.NoError(t, err)
	assert.Equal(t, StatusPendingConfirm, order.Status)
	assert.Equal(t, PaymentNotRequired, order.PaymentStatus)
	amountEq(t, "350", order.GoodsAmount)
}

func TestCreateOrder_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.CreateOrder(ctx, seller, sampleRequest(), "")
	assert.ErrorIs(t, err, ErrForbidden)

	empty := sampleRequest()
	empty.Items = nil
	_, err = f.svc.CreateOrder(ctx, buyer, empty, "")
	assert.ErrorIs(t, err, ErrInvalidOrder)

	negative := sampleRequest()
	negative.Items[0].BasePrice = money.MustParse("-1")
	_, err = f.svc.CreateOrder(ctx, buyer, negative, "")
	assert.ErrorIs(t, err, markup.ErrInvalidPrice)

	assert.Empty(t, f.pub.eventTypes())
}

func TestCreateOrder_Idempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateOrder(ctx, buyer, sampleRequest(), "key-1")
	require.NoError(t, err)
	again, err := f.svc.CreateOrder(ctx, buyer, sampleRequest(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, first.OrderNumber, again.OrderNumber)

	var count int64
	require.NoError(t, f.db.Model(&Order{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// keys expire after a day
	f.clock.Advance(25 * time.Hour)
	third, err := f.svc.CreateOrder(ctx, buyer, sampleRequest(), "key-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.OrderNumber, third.OrderNumber)
}

func TestLifecycle_EmitsOneEventPerOperation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, buyer, sampleRequest(), "")
	require.NoError(t, err)
	n := order.OrderNumber

	_, err = f.svc.MarkPaid(ctx, n, system)
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, n, seller)
	require.NoError(t, err)
	_, err = f.svc.StartDelivery(ctx, n, seller)
	require.NoError(t, err)
	done, err := f.svc.Complete(ctx, n, buyer)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, int64(4), done.Version)

	assert.Equal(t, []types.EventType{
		types.EventOrderCreated,
		types.EventOrderPaid,
		types.EventOrderConfirmed,
		types.EventOrderDelivering,
		types.EventOrderCompleted,
	}, f.pub.eventTypes())

	history, err := f.svc.History(ctx, n, admin)
	require.NoError(t, err)
	assert.Len(t, history, 5)
}

func TestTransition_RejectedOperationChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := sampleRequest()
	skip := false
	req.PaymentRequired = &skip

	order, err := f.svc.CreateOrder(ctx, buyer, req, "")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	_, err = f.svc.StartDelivery(ctx, order.OrderNumber, seller)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, "pending_confirm", stateErr.CurrentStatus())

	stored, err := f.svc.GetOrder(ctx, order.OrderNumber, seller)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingConfirm, stored.Status)
	assert.True(t, stored.UpdatedAt.Equal(order.UpdatedAt))
	assert.Equal(t, int64(0), stored.Version)
	assert.Len(t, f.pub.eventTypes(), 1)
}

func TestTransition_PublisherFailureDoesNotFailOperation(t *testing.T) {
	f := newFixture(t)
	f.pub.fail(errors.New("ledger unavailable"))

	order, err := f.svc.CreateOrder(context.Background(), buyer, sampleRequest(), "")
	require.NoError(t, err)
	_, err = f.svc.MarkPaid(context.Background(), order.OrderNumber, system)
	require.NoError(t, err)

	var pending []OutboxEvent
	require.NoError(t, f.db.Where("relayed_at IS NULL").Order("id ASC").Find(&pending).Error)
	require.Len(t, pending, 2)
	assert.Equal(t, types.EventOrderCreated, pending[0].EventType)
	assert.Equal(t, types.EventOrderPaid, pending[1].EventType)
	for _, o := range pending {
		assert.Equal(t, 1, o.Attempts)
		assert.Equal(t, "ledger unavailable", o.LastError)
	}
}

func TestConcurrentConfirmAndCancel(t *testing.T) {
	for i := 0; i < 10; i++ {
		f := newFixture(t)
		ctx := context.Background()
		req := sampleRequest()
		skip := false
		req.PaymentRequired = &skip

		order, err := f.svc.CreateOrder(ctx, buyer, req, "")
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = f.svc.Confirm(ctx, order.OrderNumber, seller)
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = f.svc.CancelDirect(ctx, order.OrderNumber, buyer, "race")
		}()
		wg.Wait()

		failed := 0
		for _, err := range errs {
			if err != nil {
				failed++
				assert.ErrorIs(t, err, ErrInvalidTransition)
			}
		}
		assert.Equal(t, 1, failed)

		stored, err := f.svc.GetOrder(ctx, order.OrderNumber, admin)
		require.NoError(t, err)
		assert.Equal(t, int64(1), stored.Version)
		assert.Len(t, f.pub.eventTypes(), 2)
	}
}

func TestCancellationRequestFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := sampleRequest()
	skip := false
	req.PaymentRequired = &skip

	order, err := f.svc.CreateOrder(ctx, buyer, req, "")
	require.NoError(t, err)
	n := order.OrderNumber
	_, err = f.svc.Confirm(ctx, n, seller)
	require.NoError(t, err)

	request, err := f.svc.RequestCancellation(ctx, n, buyer, "wrong size")
	require.NoError(t, err)
	assert.Equal(t, CancellationPending, request.Status)

	_, err = f.svc.RequestCancellation(ctx, n, buyer, "again")
	assert.ErrorIs(t, err, ErrPendingRequestExists)

	queue, err := f.svc.PendingCancellations(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)

	_, _, err = f.svc.AdjudicateCancellation(ctx, n, seller, true, "")
	assert.ErrorIs(t, err, ErrForbidden)

	cancelled, resolved, err := f.svc.AdjudicateCancellation(ctx, n, admin, true, "approved")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, CancellationApproved, resolved.Status)
	assert.Equal(t, request.RequestID, resolved.RequestID)

	all, err := f.svc.Cancellations(ctx, n, buyer)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, CancellationApproved, all[0].Status)
	require.NotNil(t, all[0].ResolvedAt)

	_, _, err = f.svc.AdjudicateCancellation(ctx, n, admin, false, "")
	assert.ErrorIs(t, err, ErrNoPendingRequest)

	assert.Equal(t, []types.EventType{
		types.EventOrderCreated,
		types.EventOrderConfirmed,
		types.EventCancellationRequested,
		types.EventOrderCancelled,
	}, f.pub.eventTypes())
}

func TestVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.svc.CreateOrder(ctx, buyer, sampleRequest(), "")
	require.NoError(t, err)

	_, err = f.svc.GetOrder(ctx, order.OrderNumber, types.Actor{Type: types.ActorBuyer, ID: "buyer-2"})
	assert.ErrorIs(t, err, ErrOrderNotFound)

	mine, err := f.svc.ListOrders(ctx, seller, "", 10)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	theirs, err := f.svc.ListOrders(ctx, types.Actor{Type: types.ActorSeller, ID: "seller-2"}, "", 10)
	require.NoError(t, err)
	assert.Empty(t, theirs)
}

func TestAutoCompleter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := sampleRequest()
	skip := false
	req.PaymentRequired = &skip

	order, err := f.svc.CreateOrder(ctx, buyer, req, "")
	require.NoError(t, err)
	_, err = f.svc.Confirm(ctx, order.OrderNumber, seller)
	require.NoError(t, err)
	_, err = f.svc.StartDelivery(ctx, order.OrderNumber, seller)
	require.NoError(t, err)

	ac := NewAutoCompleter(f.svc, 7*24*time.Hour, time.Hour)

	f.clock.Advance(6 * 24 * time.Hour)
	n, err := ac.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.Advance(2 * 24 * time.Hour)
	n, err = ac.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := f.svc.GetOrder(ctx, order.OrderNumber, admin)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)

	history, err := f.svc.History(ctx, order.OrderNumber, admin)
	require.NoError(t, err)
	last := history[len(history)-1]
	assert.Equal(t, types.ActorSystem, last.OperatorType)
	assert.Equal(t, "auto_complete", last.OperatorID)
}
