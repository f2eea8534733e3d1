package payment

import (
	"context"
	"testing"
	"time"

	"github.com/ksred/supply-api/internal/markup"
	"github.com/ksred/supply-api/internal/money"
	"github.com/ksred/supply-api/internal/ordering"
	"github.com/ksred/supply-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	buyer  = types.Actor{Type: types.ActorBuyer, ID: "buyer-1"}
	seller = types.Actor{Type: types.ActorSeller, ID: "seller-1"}
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, db.AutoMigrate(
		&ordering.Order{}, &ordering.OrderItem{}, &ordering.StatusLog{},
		&ordering.CancellationRequest{}, &ordering.IdempotencyRecord{}, &ordering.OutboxEvent{},
		&markup.Rule{}, &Payment{},
	))
	return db
}

type fixture struct {
	orders   *ordering.Service
	payments *Service
	order    *ordering.Order
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)
	orders := ordering.NewService(db, markup.NewService(db).Resolver(), nil, ordering.Config{
		ServiceFeeRate:  money.MustParse("0.003"),
		CancelWindow:    30 * time.Minute,
		PaymentRequired: true,
	})

	gw := NewMockGateway("https://pay.test")
	gw.MinLatency, gw.MaxLatency, gw.SuccessRate = 0, 0, 1

	order, err := orders.CreateOrder(context.Background(), buyer, ordering.CreateOrderRequest{
		SellerID: seller.ID,
		Items: []ordering.ItemRequest{
			{ProductID: "p-1", BasePrice: money.MustParse("10.00"), Quantity: 3},
		},
	}, "")
	require.NoError(t, err)

	return &fixture{
		orders:   orders,
		payments: NewService(db, orders, gw, 15*time.Minute),
		order:    order,
	}
}

func TestInitiate_ReusesOpenPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.payments.Initiate(ctx, buyer, f.order.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, StatusInitiated, p.Status)
	assert.True(t, p.Amount.Equal(money.MustParse("30.09")), p.Amount.String())
	assert.Equal(t, "https://pay.test/qr/"+p.PaymentID, p.QRCodeURL)

	again, err := f.payments.Initiate(ctx, buyer, f.order.OrderNumber)
	require.NoError(t, err)
	assert.Equal(t, p.PaymentID, again.PaymentID)

	_, err = f.payments.Initiate(ctx, seller, f.order.OrderNumber)
	assert.ErrorIs(t, err, ordering.ErrForbidden)
}

func TestHandleCallback_MarksOrderPaidOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.payments.Initiate(ctx, buyer, f.order.OrderNumber)
	require.NoError(t, err)

	cb := Callback{PaymentID: p.PaymentID, GatewayRef: "ref-1", Status: StatusSucceeded, Amount: p.Amount}
	settled, err := f.payments.HandleCallback(ctx, cb)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, settled.Status)
	require.NotNil(t, settled.PaidAt)

	// gateways retry notifications
	_, err = f.payments.HandleCallback(ctx, cb)
	require.NoError(t, err)

	order, err := f.orders.GetOrder(ctx, f.order.OrderNumber, buyer)
	require.NoError(t, err)
	assert.Equal(t, ordering.StatusPendingConfirm, order.Status)
	assert.Equal(t, ordering.PaymentPaid, order.PaymentStatus)
	assert.Equal(t, int64(1), order.Version)

	_, err = f.payments.Initiate(ctx, buyer, f.order.OrderNumber)
	assert.ErrorIs(t, err, ErrNotPayable)
}

func TestHandleCallback_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.payments.Initiate(ctx, buyer, f.order.OrderNumber)
	require.NoError(t, err)

	_, err = f.payments.HandleCallback(ctx, Callback{PaymentID: p.PaymentID, Status: StatusSucceeded, Amount: money.MustParse("1")})
	assert.ErrorIs(t, err, ErrAmountMismatch)

	_, err = f.payments.HandleCallback(ctx, Callback{PaymentID: "PAY_missing", Status: StatusSucceeded})
	assert.ErrorIs(t, err, ErrPaymentNotFound)

	_, err = f.payments.HandleCallback(ctx, Callback{PaymentID: p.PaymentID, Status: "pending"})
	assert.ErrorIs(t, err, ErrInvalidCallback)

	failed, err := f.payments.HandleCallback(ctx, Callback{PaymentID: p.PaymentID, Status: StatusFailed})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)

	_, err = f.payments.HandleCallback(ctx, Callback{PaymentID: p.PaymentID, Status: StatusSucceeded, Amount: p.Amount})
	assert.ErrorIs(t, err, ErrPaymentClosed)
}

func TestHandleCallback_Expired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.payments.Initiate(ctx, buyer, f.order.OrderNumber)
	require.NoError(t, err)

	f.payments.now = func() time.Time { return p.ExpiresAt.Add(time.Second) }
	_, err = f.payments.HandleCallback(ctx, Callback{PaymentID: p.PaymentID, Status: StatusSucceeded, Amount: p.Amount})
	assert.ErrorIs(t, err, ErrPaymentClosed)

	order, err := f.orders.GetOrder(ctx, f.order.OrderNumber, buyer)
	require.NoError(t, err)
	assert.Equal(t, ordering.StatusPendingPayment, order.Status)
}

func TestSimulate_PaysThroughGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.payments.Initiate(ctx, buyer, f.order.OrderNumber)
	require.NoError(t, err)

	paid, err := f.payments.Simulate(ctx, buyer, p.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, paid.Status)
	assert.NotEmpty(t, paid.GatewayRef)

	list, err := f.payments.Payments(ctx, seller, f.order.OrderNumber)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, StatusSucceeded, list[0].Status)
}
