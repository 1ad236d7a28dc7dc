// Command delayd runs a delay endpoint between two RabbitMQ destinations.
// Messages consumed from the input queue are held for their computed delay
// in a durable pending store and then published to the output exchange.
//
// Usage:
//
//	delayd -config /etc/delayd/delayd.yaml
//
// Control:
//
//	curl http://localhost:8080/v1/groups/orders/pending
//	curl -X POST http://localhost:8080/v1/groups/orders/reschedule
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	audithook "github.com/xraph/delay/audit_hook"
	"github.com/xraph/delay/cmd/delayd/internal/amqp"
	"github.com/xraph/delay/control"
	"github.com/xraph/delay/endpoint"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("delayd failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(configPath string) error {
	v, cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.slogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate %s store: %w", cfg.Store.Driver, err)
	}

	client, err := amqp.Dial(cfg.AMQP.URL, cfg.AMQP.Prefetch)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	opts := []endpoint.Option{
		endpoint.WithConfig(cfg.endpointConfig()),
		endpoint.WithStore(st),
		endpoint.WithOutput(amqp.NewPublisher(client, cfg.AMQP.Exchange, cfg.AMQP.RoutingKey)),
		endpoint.WithEvaluator(newEvaluator(cfg)),
		endpoint.WithLogger(logger),
	}
	if cfg.Audit.Enabled {
		opts = append(opts, endpoint.WithExtension(newAuditExtension(cfg.Audit, logger)))
	}
	ep, err := endpoint.New(opts...)
	if err != nil {
		return fmt.Errorf("create endpoint: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	api, err := control.NewAPI(ep.Control(),
		control.WithGauge(reg),
		control.WithCORS(cfg.HTTP.CORSOrigins...),
		control.WithAPILogger(logger),
	)
	if err != nil {
		return fmt.Errorf("create control api: %w", err)
	}
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := ep.Start(ctx); err != nil {
		return fmt.Errorf("start endpoint: %w", err)
	}
	watchDefaultDelay(v, ep, logger)

	consumer := amqp.NewConsumer(client, cfg.AMQP.InputQueue, cfg.AMQP.ConsumerTag, ep, cfg.AMQP.Prefetch, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return consumer.Run(gctx)
	})

	g.Go(func() error {
		logger.Info("control server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("control server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return shutdown(srv, ep, cfg.ShutdownTimeout)
	})

	return g.Wait()
}

// shutdown stops the control server, then the endpoint. Pending entries
// stay in the store for the next run.
func shutdown(srv *http.Server, ep *endpoint.Endpoint, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs error
	errs = multierr.Append(errs, srv.Shutdown(ctx))
	if err := ep.Stop(ctx); err != nil && !endpoint.IsStopped(err) {
		errs = multierr.Append(errs, fmt.Errorf("stop endpoint: %w", err))
	}
	return errs
}

func newAuditExtension(cfg AuditConfig, logger *slog.Logger) *audithook.Extension {
	opts := []audithook.Option{audithook.WithLogger(logger)}
	if len(cfg.Actions) > 0 {
		opts = append(opts, audithook.WithActions(cfg.Actions...))
	}
	return audithook.New(audithook.SlogRecorder(logger.With(slog.String("component", "audit"))), opts...)
}
