package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/imrishuroy/storefront-orderflow/internal/aws/awstest"
	"github.com/imrishuroy/storefront-orderflow/internal/cache"
	"github.com/imrishuroy/storefront-orderflow/internal/catalog"
	"github.com/imrishuroy/storefront-orderflow/internal/config"
	"github.com/imrishuroy/storefront-orderflow/internal/idempotency"
	"github.com/imrishuroy/storefront-orderflow/internal/identity"
	"github.com/imrishuroy/storefront-orderflow/internal/mailer"
	"github.com/imrishuroy/storefront-orderflow/internal/metrics"
	"github.com/imrishuroy/storefront-orderflow/internal/money"
	"github.com/imrishuroy/storefront-orderflow/internal/notify"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
	"github.com/imrishuroy/storefront-orderflow/internal/pricing"
	"github.com/imrishuroy/storefront-orderflow/internal/queue"
	"github.com/imrishuroy/storefront-orderflow/internal/users"
)

// interceptDB lets a test act right before a transaction reaches the store.
type interceptDB struct {
	*awstest.DynamoDB
	mu   sync.Mutex
	hook func(ctx context.Context, in *dyn.TransactWriteItemsInput) error
}

func (d *interceptDB) setHook(h func(ctx context.Context, in *dyn.TransactWriteItemsInput) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hook = h
}

func (d *interceptDB) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	d.mu.Lock()
	hook := d.hook
	d.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, in); err != nil {
			return nil, err
		}
	}
	return d.DynamoDB.TransactWriteItems(ctx, in, optFns...)
}

func isOrderCommit(in *dyn.TransactWriteItemsInput) bool {
	first := in.TransactItems[0]
	return first.Put != nil && sdkaws.ToString(first.Put.TableName) == "orders"
}

func isStockReservation(in *dyn.TransactWriteItemsInput, productID string) bool {
	first := in.TransactItems[0]
	if first.Update == nil || sdkaws.ToString(first.Update.TableName) != "products" {
		return false
	}
	pk, ok := first.Update.Key["product_id"].(*types.AttributeValueMemberS)
	_, reserving := first.Update.ExpressionAttributeValues[":qty"]
	return ok && pk.Value == productID && reserving && len(in.TransactItems) == 2 &&
		sdkaws.ToString(first.Update.ConditionExpression) != "attribute_exists(variants.#vid.stock)"
}

type harness struct {
	db       *interceptDB
	catalog  *catalog.Store
	jobs     *idempotency.Store
	orders   *orders.Store
	hub      *notify.Hub
	cw       *awstest.CloudWatch
	resolver *identity.Resolver
	p        *Processor
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	fake := awstest.NewDynamoDB()
	fake.CreateTable("products", "product_id")
	fake.CreateTable("discounts", "code")
	fake.CreateTable("users", "user_id")
	fake.CreateTable("user_emails", "email")
	fake.CreateTable("orders", "order_id")
	fake.CreateIndex("orders", orders.UserIndex, "user_id", "created_ms")
	fake.CreateTable("order_jobs", "job_id")
	db := &interceptDB{DynamoDB: fake}

	cfg := Config{
		Pricing: pricing.Settings{
			TaxRate:               decimal.RequireFromString("0.18"),
			ShippingFlat:          decimal.RequireFromString("4.99"),
			FreeShippingThreshold: decimal.RequireFromString("100"),
		},
		PaymentMethods: []string{"card", "cash", "bank_transfer"},
		DiscountPolicy: config.DiscountPolicyFail,
		MaxAttempts:    3,
		Timeout:        5 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	numbers, err := orders.NewNumberGenerator(1)
	require.NoError(t, err)
	resolver := identity.NewResolver(users.NewStore(db, "users", "user_emails"), cache.NewMemoryCache("orders"), mailer.NewLogMailer(zap.NewNop()), zap.NewNop(), time.Hour)
	t.Cleanup(resolver.Wait)

	h := &harness{
		db:       db,
		catalog:  catalog.NewStore(db, "products", "discounts"),
		jobs:     idempotency.NewStore(db, "order_jobs", time.Hour),
		orders:   orders.NewStore(db, "orders"),
		hub:      notify.NewHub(zap.NewNop()),
		cw:       awstest.NewCloudWatch(),
		resolver: resolver,
	}
	h.p = NewProcessor(Deps{
		Jobs:     h.jobs,
		Catalog:  h.catalog,
		Orders:   h.orders,
		Identity: resolver,
		Numbers:  numbers,
		Notifier: h.hub,
		Metrics:  metrics.NewCloudWatch(h.cw, "test", zap.NewNop()),
	}, cfg, zap.NewNop())
	return h
}

func (h *harness) seedProduct(t *testing.T, productID string, stock int) {
	t.Helper()
	require.NoError(t, h.catalog.PutProduct(context.Background(), catalog.Product{
		ProductID: productID,
		Name:      "Linen shirt",
		Price:     money.MustParse("40"),
		IsActive:  true,
		Variants: map[string]catalog.Variant{
			"v1": {VariantID: "v1", SKU: productID + "-M", Name: "M", PriceAdjustment: money.MustParse("2.5"), Stock: stock},
		},
	}))
}

func (h *harness) seedDiscount(t *testing.T, code string, limit *int) {
	t.Helper()
	require.NoError(t, h.catalog.PutDiscount(context.Background(), catalog.Discount{
		Code:            code,
		Type:            catalog.DiscountPercentage,
		Value:           money.MustParse("10"),
		ValidFrom:       time.Now().Add(-time.Hour),
		UsageLimitTotal: limit,
		IsActive:        true,
	}))
}

func (h *harness) stock(t *testing.T, productID string) int {
	t.Helper()
	p, err := h.catalog.GetProduct(context.Background(), productID)
	require.NoError(t, err)
	return p.Variants["v1"].Stock
}

func (h *harness) usedCount(t *testing.T, code string) int {
	t.Helper()
	d, err := h.catalog.GetDiscount(context.Background(), code)
	require.NoError(t, err)
	return d.UsedCount
}

func (h *harness) record(t *testing.T, jobID string) *idempotency.JobRecord {
	t.Helper()
	rec, err := h.jobs.Get(context.Background(), jobID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec
}

func (h *harness) allOrders(t *testing.T) []orders.Order {
	t.Helper()
	var out []orders.Order
	for _, it := range h.db.Items("orders") {
		var o orders.Order
		require.NoError(t, attributevalue.UnmarshalMap(it, &o))
		out = append(out, o)
	}
	return out
}

func newJob(jobID, userID string, items ...orders.RequestItem) queue.OrderJob {
	if len(items) == 0 {
		items = []orders.RequestItem{{ProductID: "p1", VariantID: "v1", Quantity: 2}}
	}
	return queue.OrderJob{
		JobID:          jobID,
		EnqueuedAt:     time.Now().UTC(),
		ResolvedUserID: userID,
		Request: orders.Request{
			Items: items,
			ShippingAddress: orders.ShippingAddress{
				FullName:   "Ada Lovelace",
				Email:      "ada@example.com",
				Line1:      "1 Analytical St",
				City:       "London",
				PostalCode: "N1",
				Country:    "GB",
			},
			PaymentMethod: "card",
		},
	}
}

func TestHandle_CreatesOrder(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(t, "p1", 5)
	h.seedDiscount(t, "SAVE10", nil)
	userSub := h.hub.Subscribe(notify.UserTopic("user-1"), 1)
	defer userSub.Close()
	jobSub := h.hub.Subscribe(notify.JobTopic("job-1"), 1)
	defer jobSub.Close()

	job := newJob("job-1", "user-1")
	job.Request.DiscountCode = "save10"
	require.NoError(t, h.p.Handle(context.Background(), job, 1))

	all := h.allOrders(t)
	require.Len(t, all, 1)
	o := all[0]
	assert.Equal(t, "job-1", o.JobID)
	assert.Equal(t, "user-1", o.UserID)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.Regexp(t, `^ORD-[0-9A-Z]+$`, o.OrderNumber)
	assert.Equal(t, "42.50", o.Items[0].UnitPrice.String())
	assert.Equal(t, "85.00", o.Subtotal.String())
	assert.Equal(t, "SAVE10", o.DiscountCode)
	assert.Equal(t, "8.50", o.DiscountAmount.String())
	assert.Equal(t, "13.77", o.TaxAmount.String())
	assert.Equal(t, "4.99", o.ShippingAmount.String())
	assert.Equal(t, "95.26", o.TotalAmount.String())

	assert.Equal(t, 3, h.stock(t, "p1"))
	assert.Equal(t, 1, h.usedCount(t, "SAVE10"))

	rec := h.record(t, "job-1")
	assert.Equal(t, idempotency.StatusDone, rec.Status)
	assert.Equal(t, o.OrderID, rec.OrderID)
	assert.Empty(t, rec.Reservations)
	assert.Empty(t, rec.LeaseOwner)

	for _, sub := range []*notify.Subscription{userSub, jobSub} {
		select {
		case ev := <-sub.Events():
			assert.Equal(t, notify.StatusSuccess, ev.Status)
			require.NotNil(t, ev.Order)
			assert.Equal(t, o.OrderNumber, ev.Order.OrderNumber)
		default:
			t.Fatal("expected a notification")
		}
	}
	assert.Equal(t, 1.0, h.cw.Sum(metrics.OrdersCreated))
}

func TestHandle_RedeliveryCreatesOneOrder(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(t, "p1", 10)
	job := newJob("job-1", "user-1")

	for attempt := 1; attempt <= 4; attempt++ {
		require.NoError(t, h.p.Handle(context.Background(), job, attempt))
	}

	assert.Len(t, h.allOrders(t), 1)
	assert.Equal(t, 8, h.stock(t, "p1"))
	rec := h.record(t, "job-1")
	assert.Equal(t, idempotency.StatusDone, rec.Status)
	// finished jobs are skipped without taking a lease
	assert.Equal(t, 1, rec.Attempts)
}

func TestHandle_ConcurrentRedeliveryCreatesOneOrder(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(t, "p1", 10)
	job := newJob("job-1", "user-1")

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.p.Handle(context.Background(), job, 1)
			if err != nil {
				assert.ErrorIs(t, err, idempotency.ErrLeaseHeld)
			}
		}()
	}
	wg.Wait()

	assert.Len(t, h.allOrders(t), 1)
	assert.Equal(t, 8, h.stock(t, "p1"))
}

func TestHandle_LastUnitsGoToOneOrder(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(t, "p1", 2)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, h.p.Handle(context.Background(), newJob(fmt.Sprintf("job-%d", i), "user-1"), 1))
		}(i)
	}
	wg.Wait()

	assert.Len(t, h.allOrders(t), 1)
	assert.Equal(t, 0, h.stock(t, "p1"))

	statuses := map[string]string{}
	for i := 0; i < 2; i++ {
		rec := h.record(t, fmt.Sprintf("job-%d", i))
		statuses[rec.Status] = rec.Reason
		assert.Empty(t, rec.Reservations)
	}
	assert.Contains(t, statuses, idempotency.StatusDone)
	assert.Equal(t, ReasonInsufficientStock, statuses[idempotency.StatusFailed])
}

func TestHandle_StockNeverOversold(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(t, "p1", 4)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job := newJob(fmt.Sprintf("job-%d", i), "user-1", orders.RequestItem{ProductID: "p1", VariantID: "v1", Quantity: 1})
			assert.NoError(t, h.p.Handle(context.Background(), job, 1))
		}(i)
	}
	wg.Wait()

	assert.Len(t, h.allOrders(t), 4)
	assert.Equal(t, 0, h.stock(t, "p1"))
}

func TestHandle_DiscountLimitFailPolicy(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(t, "p1", 10)
	h.seedDiscount(t, "ONCE", sdkaws.Int(1))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job := newJob(fmt.Sprintf("job-%d", i), "user-1")
			job.Request.DiscountCode = "ONCE"
			assert.NoError(t, h.p.Handle(context.Background(), job, 1))
		}(i)
	}
	wg.Wait()

	all := h.allOrders(t)
	require.Len(t, all, 1)
	assert.Equal(t, "ONCE", all[0].DiscountCode)
	assert.Equal(t, 1, h.usedCount(t, "ONCE"))
	// the failed order's stock reservation, if any, was returned
	assert.Equal(t, 8, h.stock(t, "p1"))

	var reasons []string
	for i := 0; i < 2; i++ {
		reasons = append(reasons, h.record(t, fmt.Sprintf("job-%d", i)).Reason)
	}
	assert.Contains(t, reasons, ReasonDiscountExhausted)
}

func TestHandle_DiscountLimitFullPricePolicy(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.DiscountPolicy = config.DiscountPolicyFullPrice })
	h.seedProduct(t, "p1", 10)
	h.seedDiscount(t, "ONCE", sdkaws.Int(1))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job := newJob(fmt.Sprintf("job-%d", i), "user-1")
			job.Request.DiscountCode = "ONCE"
			assert.NoError(t, h.p.Handle(context.Background(), job, 1))
		}(i)
	}
	wg.Wait()

	all := h.allOrders(t)
	require.Len(t, all, 2)
	discounted := 0
	for _, o := range all {
		if o.DiscountCode == "ONCE" {
			discounted++
			assert.Equal(t, "8.50", o.DiscountAmount.String())
		} else {
			assert.True(t, o.DiscountAmount.IsZero())
		}
	}
	assert.Equal(t, 1, discounted)
	assert.Equal(t, 1, h.usedCount(t, "ONCE"))
	assert.Equal(t, 6, h.stock(t, "p1"))
}

func TestHandle_ConcurrentGuestsShareOneAccount(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(t, "p1", 10)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job := newJob(fmt.Sprintf("job-%d", i), "", orders.RequestItem{ProductID: "p1", VariantID: "v1", Quantity: 1})
			job.Request.ShippingAddress.Email = "New.Guest@example.com"
			assert.NoError(t, h.p.Handle(context.Background(), job, 1))
		}(i)
	}
	wg.Wait()

	require.Len(t, h.db.Items("users"), 1)
	all := h.allOrders(t)
	require.Len(t, all, 2)
	assert.NotEmpty(t, all[0].UserID)
	assert.Equal(t, all[0].UserID, all[1].UserID)
	assert.Equal(t, all[0].UserID, h.record(t, "job-0").UserID)
}

func TestHandle_DisconnectedClientStillSeesOrder(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(t, "p1", 5)

	require.NoError(t, h.p.Handle(context.Background(), newJob("job-1", "user-1"), 1))
	assert.Equal(t, 0, h.hub.Subscribers(notify.UserTopic("user-1")))

	list, total, err := h.orders.ListByUser(context.Background(), "user-1", 1, 20)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, orders.StatusPending, list[0].Status)
	assert.Equal(t, "job-1", list[0].JobID)
}

func TestHandle_PartialReservationIsRestored(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(t, "pa", 5)
	h.seedProduct(t, "pb", 3)
	failedSub := h.hub.Subscribe(notify.JobTopic("job-1"), 1)
	defer failedSub.Close()

	// a rival buyer takes B's stock between pricing and reservation
	rival := catalog.NewStore(h.db.DynamoDB, "products", "discounts")
	var once sync.Once
	h.db.setHook(func(ctx context.Context, in *dyn.TransactWriteItemsInput) error {
		if isStockReservation(in, "pb") {
			once.Do(func() {
				require.NoError(t, rival.ReserveStock(ctx, "pb", "v1", 2, types.TransactWriteItem{}))
			})
		}
		return nil
	})

	job := newJob("job-1", "user-1",
		orders.RequestItem{ProductID: "pa", VariantID: "v1", Quantity: 1},
		orders.RequestItem{ProductID: "pb", VariantID: "v1", Quantity: 2},
	)
	require.NoError(t, h.p.Handle(context.Background(), job, 1))

	assert.Equal(t, 5, h.stock(t, "pa"))
	assert.Equal(t, 1, h.stock(t, "pb"))
	assert.Empty(t, h.allOrders(t))

	rec := h.record(t, "job-1")
	assert.Equal(t, idempotency.StatusFailed, rec.Status)
	assert.Equal(t, ReasonInsufficientStock, rec.Reason)
	assert.Empty(t, rec.Reservations)
	assert.Equal(t, 1.0, h.cw.Sum(metrics.StockConflicts))

	ev := <-failedSub.Events()
	assert.Equal(t, notify.StatusFailed, ev.Status)
	require.NotNil(t, ev.Error)
	assert.Equal(t, ReasonInsufficientStock, ev.Error.Reason)
}

func TestHandle_TransientFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(t, "p1", 5)
	unavailable := errors.New("service unavailable")
	var journal map[string]idempotency.Reservation
	h.db.setHook(func(ctx context.Context, in *dyn.TransactWriteItemsInput) error {
		if isOrderCommit(in) {
			journal = h.record(t, "job-1").Reservations
			return unavailable
		}
		return nil
	})

	err := h.p.Handle(context.Background(), newJob("job-1", "user-1"), 1)
	assert.ErrorIs(t, err, unavailable)
	require.Len(t, journal, 1)
	for _, r := range journal {
		assert.Equal(t, idempotency.KindStock, r.Kind)
		assert.Equal(t, 1, r.Attempt)
	}
	assert.Equal(t, 5, h.stock(t, "p1"))
	rec := h.record(t, "job-1")
	assert.Equal(t, idempotency.StatusInProgress, rec.Status)
	assert.Empty(t, rec.LeaseOwner)
	assert.Empty(t, rec.Reservations)
	assert.Equal(t, 1.0, h.cw.Sum(metrics.JobRetries))

	h.db.setHook(nil)
	require.NoError(t, h.p.Handle(context.Background(), newJob("job-1", "user-1"), 2))
	assert.Len(t, h.allOrders(t), 1)
	assert.Equal(t, 3, h.stock(t, "p1"))
}

func TestHandle_LastAttemptFailsForGood(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(t, "p1", 5)
	h.db.setHook(func(ctx context.Context, in *dyn.TransactWriteItemsInput) error {
		if isOrderCommit(in) {
			return errors.New("service unavailable")
		}
		return nil
	})

	require.NoError(t, h.p.Handle(context.Background(), newJob("job-1", "user-1"), 3))
	rec := h.record(t, "job-1")
	assert.Equal(t, idempotency.StatusFailed, rec.Status)
	assert.Equal(t, ReasonRetriesExhausted, rec.Reason)
	assert.Equal(t, 5, h.stock(t, "p1"))
	assert.Equal(t, 1.0, h.cw.Sum(metrics.OrdersFailed))
}

func TestHandle_CompensatesCrashedAttempt(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(t, "p1", 5)
	ctx := context.Background()

	// an earlier attempt reserved stock and died before committing
	_, err := h.jobs.Begin(ctx, "job-1", "dead", time.Millisecond)
	require.NoError(t, err)
	journal, err := h.jobs.JournalAdd("job-1", "dead", "dead:stock-0", idempotency.Reservation{
		Kind: idempotency.KindStock, ProductID: "p1", VariantID: "v1", Quantity: 2,
	})
	require.NoError(t, err)
	require.NoError(t, h.catalog.ReserveStock(ctx, "p1", "v1", 2, journal))
	require.Equal(t, 3, h.stock(t, "p1"))
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, h.p.Handle(ctx, newJob("job-1", "user-1"), 2))
	assert.Equal(t, 3, h.stock(t, "p1"))
	assert.Len(t, h.allOrders(t), 1)
	rec := h.record(t, "job-1")
	assert.Equal(t, idempotency.StatusDone, rec.Status)
	assert.Empty(t, rec.Reservations)
}

func TestHandle_LeaseHeldByAnotherAttempt(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(t, "p1", 5)
	_, err := h.jobs.Begin(context.Background(), "job-1", "other", time.Minute)
	require.NoError(t, err)

	sub := h.hub.Subscribe(notify.JobTopic("job-1"), 1)
	defer sub.Close()

	err = h.p.Handle(context.Background(), newJob("job-1", "user-1"), 2)
	assert.ErrorIs(t, err, idempotency.ErrLeaseHeld)
	assert.Equal(t, 5, h.stock(t, "p1"))
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestHandle_LastDeliveryWithoutLeaseNotifiesFailure(t *testing.T) {
	h := newHarness(t)
	h.seedProduct(t, "p1", 5)
	_, err := h.jobs.Begin(context.Background(), "job-1", "other", time.Minute)
	require.NoError(t, err)
	sub := h.hub.Subscribe(notify.JobTopic("job-1"), 1)
	defer sub.Close()

	err = h.p.Handle(context.Background(), newJob("job-1", "user-1"), 3)
	assert.ErrorIs(t, err, idempotency.ErrLeaseHeld)

	ev := <-sub.Events()
	assert.Equal(t, notify.StatusFailed, ev.Status)
	assert.Equal(t, "job-1", ev.JobID)
	require.NotNil(t, ev.Error)
	assert.Equal(t, ReasonRetriesExhausted, ev.Error.Reason)

	// the record stays with the attempt holding the lease
	rec := h.record(t, "job-1")
	assert.Equal(t, idempotency.StatusInProgress, rec.Status)
	assert.Equal(t, "other", rec.LeaseOwner)
}

func TestHandle_TimeoutFailsAndCompensates(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.Timeout = 100 * time.Millisecond })
	h.seedProduct(t, "p1", 5)
	h.db.setHook(func(ctx context.Context, in *dyn.TransactWriteItemsInput) error {
		if isOrderCommit(in) {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})

	require.NoError(t, h.p.Handle(context.Background(), newJob("job-1", "user-1"), 1))
	assert.Equal(t, 5, h.stock(t, "p1"))
	assert.Empty(t, h.allOrders(t))
	rec := h.record(t, "job-1")
	assert.Equal(t, idempotency.StatusFailed, rec.Status)
	assert.Equal(t, ReasonProcessingTimeout, rec.Reason)
}

func TestHandle_BusinessFailures(t *testing.T) {
	expired := time.Now().Add(-time.Minute)
	cases := []struct {
		name   string
		mutate func(*queue.OrderJob)
		reason string
	}{
		{"unknown product", func(j *queue.OrderJob) { j.Request.Items[0].ProductID = "nope" }, ReasonProductNotFound},
		{"unknown variant", func(j *queue.OrderJob) { j.Request.Items[0].VariantID = "xl" }, ReasonVariantNotFound},
		{"too many", func(j *queue.OrderJob) { j.Request.Items[0].Quantity = 50 }, ReasonInsufficientStock},
		{"payment method", func(j *queue.OrderJob) { j.Request.PaymentMethod = "crypto" }, ReasonInvalidPaymentMethod},
		{"address", func(j *queue.OrderJob) { j.Request.ShippingAddress.City = "" }, ReasonInvalidAddress},
		{"email", func(j *queue.OrderJob) { j.Request.ShippingAddress.Email = "not-an-email" }, ReasonInvalidAddress},
		{"unknown discount", func(j *queue.OrderJob) { j.Request.DiscountCode = "GHOST" }, ReasonDiscountInvalid},
		{"expired discount", func(j *queue.OrderJob) { j.Request.DiscountCode = "OLD" }, ReasonDiscountExpired},
		{"zero usage limit", func(j *queue.OrderJob) { j.Request.DiscountCode = "ZERO" }, ReasonDiscountExhausted},
		{"inactive product", func(j *queue.OrderJob) { j.Request.Items[0].ProductID = "retired" }, ReasonProductInactive},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.seedProduct(t, "p1", 5)
			h.seedProduct(t, "retired", 5)
			p, err := h.catalog.GetProduct(context.Background(), "retired")
			require.NoError(t, err)
			p.IsActive = false
			require.NoError(t, h.catalog.PutProduct(context.Background(), *p))
			require.NoError(t, h.catalog.PutDiscount(context.Background(), catalog.Discount{
				Code: "OLD", Type: catalog.DiscountFixedAmount, Value: money.MustParse("5"),
				ValidFrom: expired.Add(-time.Hour), ValidUntil: &expired, IsActive: true,
			}))
			h.seedDiscount(t, "ZERO", sdkaws.Int(0))

			job := newJob("job-1", "user-1")
			tc.mutate(&job)
			require.NoError(t, h.p.Handle(context.Background(), job, 1))

			rec := h.record(t, "job-1")
			assert.Equal(t, idempotency.StatusFailed, rec.Status)
			assert.Equal(t, tc.reason, rec.Reason)
			assert.Empty(t, h.allOrders(t))
			assert.Equal(t, 5, h.stock(t, "p1"))
			assert.Zero(t, h.usedCount(t, "ZERO"))

			// terminal: redelivery is acknowledged without another attempt
			require.NoError(t, h.p.Handle(context.Background(), job, 2))
			assert.Equal(t, idempotency.StatusFailed, h.record(t, "job-1").Status)
		})
	}
}
