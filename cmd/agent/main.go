package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"supply-orders/config"
	"supply-orders/internal/cart"
	"supply-orders/internal/checkout"
	"supply-orders/internal/models"
	"supply-orders/internal/queue"
	"supply-orders/internal/remote"
	"supply-orders/internal/statuschan"
	"supply-orders/internal/submission"
	"supply-orders/internal/syncer"
	"supply-orders/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const usage = `usage: agent <command> [flags]

commands:
  run        keep the pending queue in sync with the backend (SIGUSR1 forces a drain)
  cart       show or edit the mirrored cart: cart show|add|set|remove|clear
  checkout   submit the cart, queuing it if the backend is unreachable
  pending    list queued orders
  sync       drain the pending queue once
  retry      return a flagged order to automatic sync: retry -id N
  discard    drop a queued order without submitting it: discard -id N
  watch      stream status updates of an order: watch -order N
  order      show an order, or move it along as an operator: order -id N [-set STATUS]
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(command string, args []string) error {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	if cfg.Agent.RestaurantID == "" {
		return errors.New("AGENT_RESTAURANT_ID is required")
	}

	if cfg.Observ.TracingEnabled {
		tp, err := util.InitTracer("supply-orders-agent", cfg.Observ.JaegerEndpoint)
		if err != nil {
			return fmt.Errorf("initialize tracer: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(ctx)
		}()
	}

	a, err := newAgent(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch command {
	case "run":
		return a.run(ctx)
	case "cart":
		return a.cartCmd(ctx, args)
	case "checkout":
		return a.checkout(ctx, args)
	case "pending":
		return a.pending(ctx)
	case "sync":
		return a.syncOnce(ctx)
	case "retry":
		return a.retry(ctx, args)
	case "discard":
		return a.discard(ctx, args)
	case "watch":
		return a.watch(ctx, args)
	case "order":
		return a.order(ctx, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

type agent struct {
	cfg       config.AgentConfig
	queue     *queue.Queue
	client    *remote.Client
	submitter *submission.Service
	logger    *zap.Logger
}

func newAgent(cfg *config.Config) (*agent, error) {
	q, err := queue.Open(cfg.Agent.QueuePath)
	if err != nil {
		return nil, err
	}
	client := remote.NewClient(cfg.Agent.ServerURL, cfg.Agent.RestaurantID, cfg.Agent.RequestTimeout)

	return &agent{
		cfg:       cfg.Agent,
		queue:     q,
		client:    client,
		submitter: submission.NewService(client),
		logger:    util.Named("agent"),
	}, nil
}

func (a *agent) close() {
	if err := a.queue.Close(); err != nil {
		a.logger.Warn("Failed to close pending queue", zap.Error(err))
	}
}

func (a *agent) coordinator() *syncer.Coordinator {
	return syncer.New(a.queue, a.submitter, uuid.NewString(), syncer.Options{
		MaxAttempts:        a.cfg.SyncMaxAttempts,
		InitialBackoff:     a.cfg.SyncInitialBackoff,
		MaxBackoff:         a.cfg.SyncMaxBackoff,
		LeaseTTL:           a.cfg.LeaseTTL,
		SubmitTimeout:      a.cfg.SubmitTimeout,
		BackgroundInterval: a.cfg.BackgroundSync,
	})
}

func (a *agent) run(ctx context.Context) error {
	coord := a.coordinator()
	coord.OnSynced(func(localID int64, order *models.Order) {
		a.logger.Info("Queued order placed",
			zap.Int64("local_id", localID),
			zap.Int64("order_id", order.ID),
			zap.String("status", string(order.Status)))
	})

	monitor := syncer.NewConnectivityMonitor(a.client, a.cfg.ConnectivityProbe)
	monitor.OnRestore(func() { coord.Trigger(syncer.TriggerConnectivity) })
	go func() { _ = monitor.Run(ctx) }()

	wake := make(chan os.Signal, 1)
	signal.Notify(wake, syscall.SIGUSR1)
	defer signal.Stop(wake)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-wake:
				coord.Trigger(syncer.TriggerBackground)
			}
		}
	}()

	a.logger.Info("Agent running",
		zap.String("server", a.cfg.ServerURL),
		zap.String("queue", a.cfg.QueuePath))

	if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("Agent stopped")
	return nil
}

// sessionCart starts from the mirrored cart when the backend has one.
func (a *agent) sessionCart(ctx context.Context) *cart.Store {
	c := cart.New(a.cfg.RestaurantID, a.client)

	snapshot, err := a.client.GetCart(ctx)
	switch {
	case err == nil:
		c.Restore(snapshot)
	case errors.Is(err, models.ErrNotFound):
	default:
		a.logger.Warn("Could not restore mirrored cart, starting empty", zap.Error(err))
	}
	return c
}

func (a *agent) cartCmd(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("cart: want show|add|set|remove|clear")
	}

	fs := flag.NewFlagSet("cart "+args[0], flag.ContinueOnError)
	var items itemsFlag
	fs.Var(&items, "item", "line as productId:quantity:unitPrice (repeatable)")
	product := fs.String("product", "", "product id")
	qty := fs.Int("qty", 0, "new quantity, 0 removes the line")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	c := a.sessionCart(ctx)
	defer c.Close()

	switch args[0] {
	case "show":
	case "add":
		for _, item := range items {
			if err := c.AddItem(item); err != nil {
				return err
			}
		}
	case "set":
		if err := c.UpdateQuantity(*product, *qty); err != nil {
			return err
		}
	case "remove":
		c.RemoveItem(*product)
	case "clear":
		c.Clear()
	default:
		return fmt.Errorf("cart: unknown action %q", args[0])
	}
	return printJSON(c.Snapshot())
}

type checkoutOutput struct {
	Outcome checkout.Outcome `json:"outcome"`
	OrderID int64            `json:"orderId,omitempty"`
	LocalID int64            `json:"localId,omitempty"`
	Reason  string           `json:"reason,omitempty"`
}

func (a *agent) checkout(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("checkout", flag.ContinueOnError)
	var items itemsFlag
	fs.Var(&items, "item", "extra line as productId:quantity:unitPrice (repeatable)")
	address := fs.String("address", "", "delivery address")
	when := fs.String("time", "", "delivery time, RFC 3339")
	instructions := fs.String("instructions", "", "special instructions")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var deliveryTime time.Time
	if *when != "" {
		t, err := time.Parse(time.RFC3339, *when)
		if err != nil {
			return fmt.Errorf("checkout: bad -time: %w", err)
		}
		deliveryTime = t
	}

	c := a.sessionCart(ctx)
	defer c.Close()
	for _, item := range items {
		if err := c.AddItem(item); err != nil {
			return err
		}
	}

	flow := checkout.NewFlow(c, a.submitter, a.queue, a.cfg.RestaurantID)
	result, err := flow.Checkout(ctx, checkout.Details{
		DeliveryAddress:     *address,
		DeliveryTime:        deliveryTime,
		SpecialInstructions: *instructions,
	})

	out := checkoutOutput{Outcome: result.Outcome, LocalID: result.LocalID}
	if result.Order != nil {
		out.OrderID = result.Order.ID
	}
	if result.Err != nil {
		out.Reason = result.Err.Error()
	}
	if perr := printJSON(out); perr != nil {
		return perr
	}
	return err
}

func (a *agent) pending(ctx context.Context) error {
	orders, err := a.queue.ListPending(ctx)
	if err != nil {
		return err
	}
	return printJSON(orders)
}

func (a *agent) syncOnce(ctx context.Context) error {
	coord := a.coordinator()
	defer coord.Stop()

	result, err := coord.Drain(ctx, syncer.TriggerManual)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func localIDFlag(name string, args []string) (int64, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	id := fs.Int64("id", 0, "local id of the queued order")
	if err := fs.Parse(args); err != nil {
		return 0, err
	}
	if *id <= 0 {
		return 0, fmt.Errorf("%s: -id is required", name)
	}
	return *id, nil
}

func (a *agent) retry(ctx context.Context, args []string) error {
	id, err := localIDFlag("retry", args)
	if err != nil {
		return err
	}
	if err := a.queue.ResetAttempts(ctx, id); err != nil {
		return err
	}
	return a.syncOnce(ctx)
}

func (a *agent) discard(ctx context.Context, args []string) error {
	id, err := localIDFlag("discard", args)
	if err != nil {
		return err
	}
	return a.queue.Discard(ctx, id)
}

func (a *agent) watch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	orderID := fs.Int64("order", 0, "order id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *orderID <= 0 {
		return errors.New("watch: -order is required")
	}

	ch := statuschan.New(statuschan.NewWebsocketTransport(a.client))
	err := ch.Subscribe(ctx, *orderID, func(event *models.StatusEvent) {
		_ = printJSON(event)
	})
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ch.Unsubscribe()
	case <-ch.Done():
	}

	// events may have been missed while the stream was down
	dropErr := ch.Err()
	a.logger.Warn("Status stream dropped", zap.Int64("order_id", *orderID), zap.Error(dropErr))
	order, err := a.client.GetOrder(ctx, *orderID)
	if err != nil {
		if dropErr == nil {
			return err
		}
		return fmt.Errorf("%w (status refresh failed: %v)", dropErr, err)
	}
	if err := printJSON(&models.StatusEvent{
		BaseEvent: models.BaseEvent{EventType: models.EventTypeOrderStatusChanged, Timestamp: order.UpdatedAt},
		OrderID:   order.ID,
		Status:    order.Status,
	}); err != nil {
		return err
	}
	return dropErr
}

func (a *agent) order(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("order", flag.ContinueOnError)
	id := fs.Int64("id", 0, "order id")
	set := fs.String("set", "", "new status")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id <= 0 {
		return errors.New("order: -id is required")
	}

	if *set != "" {
		order, err := a.client.UpdateStatus(ctx, *id, models.OrderStatus(*set))
		if err != nil {
			return err
		}
		return printJSON(order)
	}

	order, err := a.client.GetOrder(ctx, *id)
	if err != nil {
		return err
	}
	return printJSON(order)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
