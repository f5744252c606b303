package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/imrishuroy/storefront-orderflow/internal/aws"
	"github.com/imrishuroy/storefront-orderflow/internal/catalog"
	"github.com/imrishuroy/storefront-orderflow/internal/config"
	"github.com/imrishuroy/storefront-orderflow/internal/idempotency"
	"github.com/imrishuroy/storefront-orderflow/internal/identity"
	"github.com/imrishuroy/storefront-orderflow/internal/metrics"
	"github.com/imrishuroy/storefront-orderflow/internal/money"
	"github.com/imrishuroy/storefront-orderflow/internal/notify"
	"github.com/imrishuroy/storefront-orderflow/internal/orders"
	"github.com/imrishuroy/storefront-orderflow/internal/pricing"
	"github.com/imrishuroy/storefront-orderflow/internal/queue"
	"github.com/imrishuroy/storefront-orderflow/internal/saga"
	"github.com/imrishuroy/storefront-orderflow/internal/users"
)

const (
	// leaseMargin keeps the lease alive while a timed out attempt compensates.
	leaseMargin   = 15 * time.Second
	finishTimeout = 10 * time.Second
)

// IdentityResolver maps an order to the customer it belongs to.
type IdentityResolver interface {
	Resolve(ctx context.Context, userID string, g identity.Guest) (string, bool, error)
}

// Config holds the business settings of the processor.
type Config struct {
	Pricing        pricing.Settings
	PaymentMethods []string
	DiscountPolicy string
	MaxAttempts    int
	Timeout        time.Duration
}

// ConfigFrom extracts the processor settings from the service config.
func ConfigFrom(c config.Config) Config {
	return Config{
		Pricing: pricing.Settings{
			TaxRate:               c.TaxRate,
			ShippingFlat:          c.ShippingFlat,
			FreeShippingThreshold: c.FreeShippingThreshold,
		},
		PaymentMethods: c.PaymentMethods,
		DiscountPolicy: c.DiscountExhaustedPolicy,
		MaxAttempts:    c.MaxJobAttempts,
		Timeout:        c.JobTimeout,
	}
}

// Deps are the stores and channels the processor works with.
type Deps struct {
	Jobs     *idempotency.Store
	Catalog  *catalog.Store
	Orders   *orders.Store
	Identity IdentityResolver
	Numbers  *orders.NumberGenerator
	Notifier notify.Publisher
	Metrics  metrics.Recorder
}

// Processor turns order jobs into orders. It is safe for concurrent use;
// jobs share no state besides the stores.
type Processor struct {
	Deps
	cfg      Config
	validate *validator.Validate
	logger   *zap.Logger
	nowFunc  func() time.Time
}

// NewProcessor returns a processor. A nil Metrics or Notifier is replaced by
// a no-op.
func NewProcessor(deps Deps, cfg Config, logger *zap.Logger) *Processor {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.NewHub(logger)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Processor{
		Deps:     deps,
		cfg:      cfg,
		validate: validator.New(),
		logger:   logger.Named("worker"),
		nowFunc:  time.Now,
	}
}

// Handle implements queue.Handler. It returns nil once the job reached a
// terminal state (now or by an earlier delivery) and an error when the job
// should be redelivered.
func (p *Processor) Handle(ctx context.Context, job queue.OrderJob, attempt int) error {
	start := p.nowFunc()
	logger := p.logger.With(zap.String("job_id", job.JobID))
	owner := uuid.NewString()

	rec, err := p.Jobs.Begin(ctx, job.JobID, owner, p.cfg.Timeout+leaseMargin)
	if errors.Is(err, idempotency.ErrLeaseHeld) {
		logger.Info("job is being processed by another attempt")
		p.abandon(ctx, job, attempt, logger)
		return err
	}
	if err != nil {
		p.Metrics.JobRetry(ctx)
		p.abandon(ctx, job, attempt, logger)
		return fmt.Errorf("begin job: %w", err)
	}
	if rec.Terminal() {
		logger.Info("job already finished, skipping", zap.String("status", rec.Status))
		return nil
	}
	if rec.Attempts > attempt {
		attempt = rec.Attempts
	}
	logger = logger.With(zap.Int("attempt", attempt))
	logger.Info("processing order job")
	defer func() { p.Metrics.JobDuration(ctx, p.nowFunc().Sub(start)) }()

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	a := &jobAttempt{job: job, owner: owner, attempt: attempt, userID: rec.UserID, logger: logger}
	order, err := p.run(runCtx, a, rec.Reservations)
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	cancel()

	// the outcome is recorded even when the attempt was cancelled or timed out
	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer fcancel()

	var (
		be *BusinessError
		ce *saga.CompensationError
	)
	switch {
	case err == nil:
		p.succeed(fctx, a, order)
		return nil
	case errors.Is(err, idempotency.ErrLeaseLost):
		logger.Warn("lease lost, leaving the job to the current holder", zap.Error(err))
		return err
	case errors.As(err, &ce):
		logger.Error("compensation incomplete, retrying", zap.Error(err))
		return p.retry(fctx, a, attempt, err)
	case errors.As(err, &be):
		return p.fail(fctx, a, be)
	case timedOut:
		return p.fail(fctx, a, businessErr(ReasonProcessingTimeout, "processing took longer than %s", p.cfg.Timeout))
	default:
		return p.retry(fctx, a, attempt, err)
	}
}

// jobAttempt is the state of one delivery of a job.
type jobAttempt struct {
	job     queue.OrderJob
	owner   string
	attempt int
	userID  string
	logger  *zap.Logger
}

func (a *jobAttempt) key(kind string, i int) string {
	if i < 0 {
		return a.owner + ":" + kind
	}
	return fmt.Sprintf("%s:%s-%d", a.owner, kind, i)
}

func (p *Processor) run(ctx context.Context, a *jobAttempt, leftovers map[string]idempotency.Reservation) (*orders.Order, error) {
	req := a.job.Request
	if err := p.compensate(ctx, a, leftovers); err != nil {
		return nil, err
	}
	if err := p.checkRequest(req); err != nil {
		return nil, err
	}
	if err := p.resolveUser(ctx, a); err != nil {
		return nil, err
	}

	items := make([]pricing.Item, len(req.Items))
	for i, it := range req.Items {
		items[i] = pricing.Item{ProductID: it.ProductID, VariantID: it.VariantID, Quantity: it.Quantity}
	}
	lines, err := pricing.PriceLines(ctx, p.Catalog, items)
	if err != nil {
		return nil, pricingFailure(err)
	}
	discount, err := p.loadDiscount(ctx, a, req.DiscountCode)
	if err != nil {
		return nil, err
	}

	steps := make([]saga.Step, 0, len(lines)+1)
	for i, l := range lines {
		steps = append(steps, p.stockStep(a, i, l))
	}
	discountApplied := false
	if discount != nil {
		steps = append(steps, p.discountStep(a, discount.Code, &discountApplied))
	}
	o := saga.NewOrchestrator(a.logger, steps...)
	if err := o.Start(ctx); err != nil {
		return nil, err
	}

	code, amount := "", decimal.Zero
	if discountApplied {
		code, amount = discount.Code, pricing.DiscountAmount(discount, pricing.Subtotal(lines))
	}
	order := p.buildOrder(a, p.cfg.Pricing.Quote(lines, code, amount))

	err = p.Orders.CreateForJob(ctx, order, p.Jobs.Complete(a.job.JobID, a.owner, order.OrderID, order.OrderNumber))
	if err != nil {
		if rbErr := o.Rollback(ctx); rbErr != nil {
			return nil, &saga.CompensationError{StepErr: err, Err: rbErr}
		}
		if errors.Is(err, orders.ErrJobNotOwned) {
			return nil, idempotency.ErrLeaseLost
		}
		return nil, fmt.Errorf("create order: %w", err)
	}
	return &order, nil
}

// compensate undoes reservations recorded by attempts that died before
// committing or rolling back.
func (p *Processor) compensate(ctx context.Context, a *jobAttempt, leftovers map[string]idempotency.Reservation) error {
	keys := make([]string, 0, len(leftovers))
	for k := range leftovers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		r := leftovers[k]
		var err error
		switch r.Kind {
		case idempotency.KindStock:
			err = p.Catalog.ReleaseStock(ctx, r.ProductID, r.VariantID, r.Quantity, p.Jobs.JournalRemove(a.job.JobID, k))
		case idempotency.KindDiscount:
			err = p.Catalog.ReleaseDiscount(ctx, r.Code, p.Jobs.JournalRemove(a.job.JobID, k))
		default:
			a.logger.Warn("unknown reservation kind left on job", zap.String("key", k), zap.String("kind", r.Kind))
			continue
		}
		if err != nil && !errors.Is(err, catalog.ErrNothingToRelease) {
			return fmt.Errorf("compensate %s: %w", k, err)
		}
		a.logger.Info("compensated reservation of an earlier attempt",
			zap.String("key", k), zap.String("kind", r.Kind), zap.Int("reserved_by_attempt", r.Attempt))
	}
	return nil
}

func (p *Processor) checkRequest(req orders.Request) error {
	if len(req.Items) == 0 {
		return businessErr(ReasonInvalidRequest, "order has no items")
	}
	allowed := false
	for _, m := range p.cfg.PaymentMethods {
		if strings.EqualFold(m, req.PaymentMethod) {
			allowed = true
			break
		}
	}
	if !allowed {
		return businessErr(ReasonInvalidPaymentMethod, "payment method %q is not accepted", req.PaymentMethod)
	}

	addr := req.ShippingAddress
	for field, v := range map[string]string{
		"fullName":   addr.FullName,
		"line1":      addr.Line1,
		"city":       addr.City,
		"postalCode": addr.PostalCode,
		"country":    addr.Country,
	} {
		if strings.TrimSpace(v) == "" {
			return businessErr(ReasonInvalidAddress, "shipping address is missing %s", field)
		}
	}
	if err := p.validate.Var(addr.Email, "required,email"); err != nil {
		return businessErr(ReasonInvalidAddress, "shipping address email %q is not valid", addr.Email)
	}
	return nil
}

func (p *Processor) resolveUser(ctx context.Context, a *jobAttempt) error {
	if a.userID != "" {
		return nil
	}
	addr := a.job.Request.ShippingAddress
	id, created, err := p.Identity.Resolve(ctx, a.job.ResolvedUserID, identity.Guest{
		Email: addr.Email,
		Name:  addr.FullName,
		Phone: addr.Phone,
		Address: users.Address{
			FullName:   addr.FullName,
			Phone:      addr.Phone,
			Line1:      addr.Line1,
			Line2:      addr.Line2,
			City:       addr.City,
			State:      addr.State,
			PostalCode: addr.PostalCode,
			Country:    addr.Country,
		},
	})
	if err != nil {
		return fmt.Errorf("resolve identity: %w", err)
	}
	if err := p.Jobs.SaveUser(ctx, a.job.JobID, a.owner, id); err != nil {
		return err
	}
	a.userID = id
	a.logger = a.logger.With(zap.String("user_id", id))
	if created {
		a.logger.Info("order placed by a new guest")
	}
	return nil
}

// loadDiscount revalidates the code against the store. It returns nil when
// the order carries no code or proceeds at full price.
func (p *Processor) loadDiscount(ctx context.Context, a *jobAttempt, code string) (*catalog.Discount, error) {
	if strings.TrimSpace(code) == "" {
		return nil, nil
	}
	d, err := p.Catalog.GetDiscount(ctx, code)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, businessErr(ReasonDiscountInvalid, "discount code %s does not exist", catalog.NormalizeCode(code))
	}
	switch err := d.Check(p.nowFunc()); {
	case err == nil:
		return d, nil
	case errors.Is(err, catalog.ErrDiscountExpired):
		return nil, businessErr(ReasonDiscountExpired, "discount code %s has expired", d.Code)
	case errors.Is(err, catalog.ErrDiscountExhausted):
		if p.cfg.DiscountPolicy == config.DiscountPolicyFullPrice {
			a.logger.Info("discount exhausted, continuing at full price", zap.String("code", d.Code))
			return nil, nil
		}
		return nil, businessErr(ReasonDiscountExhausted, "discount code %s has reached its usage limit", d.Code)
	default:
		return nil, businessErr(ReasonDiscountInvalid, "discount code %s is not active", d.Code)
	}
}

func (p *Processor) stockStep(a *jobAttempt, i int, l pricing.Line) saga.Step {
	key := a.key(idempotency.KindStock, i)
	return saga.NewStep(key,
		func(ctx context.Context) error {
			journal, err := p.Jobs.JournalAdd(a.job.JobID, a.owner, key, idempotency.Reservation{
				Kind:       idempotency.KindStock,
				ProductID:  l.ProductID,
				VariantID:  l.VariantID,
				Quantity:   l.Quantity,
				Attempt:    a.attempt,
				ReservedAt: p.nowFunc().UTC(),
			})
			if err != nil {
				return err
			}
			err = p.Catalog.ReserveStock(ctx, l.ProductID, l.VariantID, l.Quantity, journal)
			switch {
			case errors.Is(err, catalog.ErrInsufficientStock):
				p.Metrics.StockConflict(ctx)
				return businessErr(ReasonInsufficientStock, "not enough stock for %s (%s)", l.Name, l.SKU)
			case aws.ConditionFailedAt(err, 1):
				return idempotency.ErrLeaseLost
			}
			return err
		},
		func(ctx context.Context) error {
			err := p.Catalog.ReleaseStock(ctx, l.ProductID, l.VariantID, l.Quantity, p.Jobs.JournalRemove(a.job.JobID, key))
			if errors.Is(err, catalog.ErrNothingToRelease) {
				return nil
			}
			return err
		})
}

func (p *Processor) discountStep(a *jobAttempt, code string, applied *bool) saga.Step {
	key := a.key(idempotency.KindDiscount, -1)
	return saga.NewStep(key,
		func(ctx context.Context) error {
			journal, err := p.Jobs.JournalAdd(a.job.JobID, a.owner, key, idempotency.Reservation{
				Kind:       idempotency.KindDiscount,
				Code:       code,
				Attempt:    a.attempt,
				ReservedAt: p.nowFunc().UTC(),
			})
			if err != nil {
				return err
			}
			err = p.Catalog.ReserveDiscount(ctx, code, journal)
			switch {
			case errors.Is(err, catalog.ErrDiscountExhausted):
				if p.cfg.DiscountPolicy == config.DiscountPolicyFullPrice {
					a.logger.Info("discount ran out during checkout, continuing at full price", zap.String("code", code))
					return nil
				}
				return businessErr(ReasonDiscountExhausted, "discount code %s has reached its usage limit", code)
			case aws.ConditionFailedAt(err, 1):
				return idempotency.ErrLeaseLost
			case err != nil:
				return err
			}
			*applied = true
			return nil
		},
		func(ctx context.Context) error {
			if !*applied {
				return nil
			}
			err := p.Catalog.ReleaseDiscount(ctx, code, p.Jobs.JournalRemove(a.job.JobID, key))
			if err != nil && !errors.Is(err, catalog.ErrNothingToRelease) {
				return err
			}
			*applied = false
			return nil
		})
}

func (p *Processor) buildOrder(a *jobAttempt, q pricing.Quote) orders.Order {
	req := a.job.Request
	items := make([]orders.LineItem, len(q.Lines))
	for i, l := range q.Lines {
		items[i] = orders.LineItem{
			ProductID:  l.ProductID,
			VariantID:  l.VariantID,
			Name:       l.Name,
			SKU:        l.SKU,
			Quantity:   l.Quantity,
			UnitPrice:  money.New(l.UnitPrice),
			TotalPrice: money.New(l.Total),
		}
	}
	return orders.Order{
		OrderID:         uuid.NewString(),
		OrderNumber:     p.Numbers.Next(),
		JobID:           a.job.JobID,
		UserID:          a.userID,
		Items:           items,
		Subtotal:        money.New(q.Subtotal),
		DiscountCode:    q.DiscountCode,
		DiscountAmount:  money.New(q.Discount),
		TaxAmount:       money.New(q.Tax),
		ShippingAmount:  money.New(q.Shipping),
		TotalAmount:     money.New(q.Total),
		ShippingAddress: req.ShippingAddress,
		PaymentDetails:  orders.PaymentDetails{Method: strings.ToLower(req.PaymentMethod)},
		Notes:           req.Notes,
		Status:          orders.StatusPending,
		CreatedAt:       p.nowFunc().UTC(),
	}
}

func (p *Processor) succeed(ctx context.Context, a *jobAttempt, order *orders.Order) {
	a.logger.Info("order created",
		zap.String("order_id", order.OrderID),
		zap.String("order_number", order.OrderNumber),
		zap.String("total", order.TotalAmount.String()))
	p.Metrics.OrderCreated(ctx)
	p.publish(ctx, a, notify.Event{
		Status: notify.StatusSuccess,
		UserID: a.userID,
		JobID:  a.job.JobID,
		Order:  order,
	})
}

// fail records a terminal failure. A job never becomes FAILED while its
// journal still holds reservations.
func (p *Processor) fail(ctx context.Context, a *jobAttempt, be *BusinessError) error {
	rec, err := p.Jobs.Get(ctx, a.job.JobID)
	if err != nil {
		return err
	}
	if rec != nil {
		if err := p.compensate(ctx, a, rec.Reservations); err != nil {
			return err
		}
	}
	if err := p.Jobs.MarkFailed(ctx, a.job.JobID, a.owner, be.Reason, be.Detail); err != nil {
		if errors.Is(err, idempotency.ErrLeaseLost) {
			a.logger.Warn("lease lost before recording failure", zap.String("reason", be.Reason))
			return err
		}
		return fmt.Errorf("mark job failed: %w", err)
	}

	a.logger.Info("order failed", zap.String("reason", be.Reason), zap.String("detail", be.Detail))
	p.Metrics.OrderFailed(ctx, be.Reason)
	p.publish(ctx, a, notify.Event{
		Status: notify.StatusFailed,
		UserID: a.userID,
		JobID:  a.job.JobID,
		Error:  &notify.EventError{Reason: be.Reason, Message: be.Detail},
	})
	return nil
}

// retry gives the job back to the queue, or fails it for good on the last
// attempt.
func (p *Processor) retry(ctx context.Context, a *jobAttempt, attempt int, cause error) error {
	if attempt >= p.cfg.MaxAttempts {
		a.logger.Error("giving up on job", zap.Int("max_attempts", p.cfg.MaxAttempts), zap.Error(cause))
		return p.fail(ctx, a, businessErr(ReasonRetriesExhausted, "order could not be processed after %d attempts", attempt))
	}
	if err := p.Jobs.Release(ctx, a.job.JobID, a.owner); err != nil {
		a.logger.Warn("release lease failed", zap.Error(err))
	}
	p.Metrics.JobRetry(ctx)
	return cause
}

// abandon tells job listeners that the queue will not deliver the job again
// when the last delivery could not even take the job's lease. The record is
// left to whichever attempt holds it.
func (p *Processor) abandon(ctx context.Context, job queue.OrderJob, attempt int, logger *zap.Logger) {
	if attempt < p.cfg.MaxAttempts {
		return
	}
	logger.Error("last delivery could not start the job", zap.Int("max_attempts", p.cfg.MaxAttempts))
	ev := notify.Event{
		Status: notify.StatusFailed,
		JobID:  job.JobID,
		Error: &notify.EventError{
			Reason:  ReasonRetriesExhausted,
			Message: fmt.Sprintf("order could not be processed after %d attempts", attempt),
		},
	}
	if err := p.Notifier.Publish(ctx, notify.JobTopic(job.JobID), ev); err != nil {
		logger.Warn("publish notification failed", zap.Error(err))
	}
}

// publish is best-effort: a failed publish never changes the outcome.
func (p *Processor) publish(ctx context.Context, a *jobAttempt, ev notify.Event) {
	topics := []string{notify.JobTopic(ev.JobID)}
	if ev.UserID != "" {
		topics = append(topics, notify.UserTopic(ev.UserID))
	}
	for _, t := range topics {
		if err := p.Notifier.Publish(ctx, t, ev); err != nil {
			a.logger.Warn("publish notification failed", zap.String("topic", t), zap.Error(err))
		}
	}
}
