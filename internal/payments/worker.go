package payments

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"soundswap/internal/catalog"
	"soundswap/internal/metrics"
	"soundswap/internal/services"
)

var ErrPriceMismatch = errors.New("amount paid does not match product price")

type Queue interface {
	Next(ctx context.Context, timeout time.Duration) (Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	Retry(ctx context.Context, d Delivery) error
	DeadLetter(ctx context.Context, d Delivery, cause error) error
	Restore(ctx context.Context) (int, error)
}

type Crediter interface {
	Credit(ctx context.Context, req services.CreditRequest) (services.Result, error)
}

type ProductCatalog interface {
	Resolve(productKey string) (catalog.Product, error)
}

type WorkerOptions struct {
	MaxAttempts int
	PollTimeout time.Duration
	RetryDelay  time.Duration
	Logger      *slog.Logger
}

// Worker credits completed payments taken from the queue.
type Worker struct {
	queue       Queue
	ledger      Crediter
	products    ProductCatalog
	maxAttempts int
	pollTimeout time.Duration
	retryDelay  time.Duration
	logger      *slog.Logger
}

func NewWorker(queue Queue, ledger Crediter, products ProductCatalog, opts WorkerOptions) *Worker {
	w := &Worker{
		queue:       queue,
		ledger:      ledger,
		products:    products,
		maxAttempts: opts.MaxAttempts,
		pollTimeout: opts.PollTimeout,
		retryDelay:  opts.RetryDelay,
		logger:      opts.Logger,
	}
	if w.maxAttempts <= 0 {
		w.maxAttempts = 5
	}
	if w.pollTimeout <= 0 {
		w.pollTimeout = 2 * time.Second
	}
	if w.retryDelay <= 0 {
		w.retryDelay = time.Second
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w
}

// Run processes events until ctx is canceled.
func (w *Worker) Run(ctx context.Context) error {
	if !w.restore(ctx) {
		w.logger.Info("payment worker stopped")
		return nil
	}
	w.logger.Info("payment worker started", "max_attempts", w.maxAttempts)
	for {
		if ctx.Err() != nil {
			w.logger.Info("payment worker stopped")
			return nil
		}
		delivery, err := w.queue.Next(ctx, w.pollTimeout)
		switch {
		case err == nil:
			w.Process(ctx, delivery)
		case errors.Is(err, ErrEmpty):
		case errors.Is(err, ErrMalformedEvent):
			w.logger.Error("dropping malformed payment event", "error", err)
			metrics.RecordPaymentEvent("dead_lettered")
			if dlErr := w.queue.DeadLetter(ctx, delivery, err); dlErr != nil {
				w.logger.Error("dead-letter payment event", "error", dlErr)
			}
		case ctx.Err() != nil:
		default:
			w.logger.Error("read payment queue", "error", err)
			w.sleep(ctx)
		}
	}
}

// Process credits one delivery and settles it on the queue: acknowledged on
// success, dead-lettered on a permanent failure or after the last attempt,
// requeued otherwise.
func (w *Worker) Process(ctx context.Context, d Delivery) {
	event := d.Event
	log := w.logger.With("principal_id", event.PrincipalID, "correlation_token", event.CorrelationToken, "attempt", event.Attempts+1)

	result, err := w.credit(ctx, event)
	if err == nil {
		outcome := "credited"
		if result.Replayed {
			outcome = "duplicate"
		}
		metrics.RecordPaymentEvent(outcome)
		log.Info("payment event processed", "outcome", outcome, "transaction_id", result.TransactionID, "new_balance", result.NewBalance)
		if err := w.queue.Ack(ctx, d); err != nil {
			log.Error("ack payment event", "error", err)
		}
		return
	}

	if permanent(err) || event.Attempts+1 >= w.maxAttempts {
		metrics.RecordPaymentEvent("dead_lettered")
		log.Error("payment event dead-lettered", "error", err)
		if dlErr := w.queue.DeadLetter(ctx, d, err); dlErr != nil {
			log.Error("dead-letter payment event", "error", dlErr)
		}
		return
	}

	metrics.RecordPaymentEvent("retried")
	log.Warn("payment event will be retried", "error", err)
	w.sleep(ctx)
	if err := w.queue.Retry(ctx, d); err != nil {
		log.Error("requeue payment event", "error", err)
	}
}

func (w *Worker) credit(ctx context.Context, event Event) (services.Result, error) {
	if event.AmountPaid != nil {
		product, err := w.products.Resolve(event.ProductKey)
		if err != nil {
			return services.Result{}, services.ErrUnknownProduct
		}
		if !product.PriceMatches(*event.AmountPaid, event.Currency) {
			return services.Result{}, ErrPriceMismatch
		}
	}
	return w.ledger.Credit(ctx, services.CreditRequest{
		PrincipalID:      event.PrincipalID,
		ProductKey:       event.ProductKey,
		CorrelationToken: event.CorrelationToken,
	})
}

// restore requeues events left in flight by a previous run, retrying until
// the queue answers. It reports false if ctx ends first.
func (w *Worker) restore(ctx context.Context) bool {
	for {
		restored, err := w.queue.Restore(ctx)
		if err == nil {
			if restored > 0 {
				w.logger.Warn("restored unacknowledged payment events", "count", restored)
			}
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		w.logger.Error("restore payment queue", "error", err)
		w.sleep(ctx)
	}
}

func (w *Worker) sleep(ctx context.Context) {
	timer := time.NewTimer(w.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// permanent reports failures that no redelivery can fix.
func permanent(err error) bool {
	for _, target := range []error{
		ErrPriceMismatch,
		services.ErrAccountNotFound,
		services.ErrUnknownProduct,
		services.ErrInvalidCreditType,
		services.ErrInvalidAmount,
		services.ErrCorrelationTokenReused,
		services.ErrMissingCorrelationToken,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
