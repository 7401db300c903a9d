package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/sal/pkg/config"
	"github.com/arzzra/sal/pkg/sal"
	"github.com/arzzra/sal/pkg/transport_sipgo"
)

// runtime связывает стек, транспорт и HTTP сервер метрик
type runtime struct {
	cfg       *config.Config
	log       sal.StructuredLogger
	stack     *sal.Stack
	transport *transport_sipgo.Transport
	metrics   *http.Server
}

func newRuntime(cfg *config.Config, ph *phone) (*runtime, error) {
	logger, err := sal.NewLogrusLogger(cfg.LogOptions())
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	sc := cfg.StackConfig()
	sc.Logger = logger
	sc.Registerer = reg
	stack, err := sal.NewStack(sc, ph)
	if err != nil {
		return nil, err
	}

	tr, err := transport_sipgo.New(transport_sipgo.Config{
		UserAgent: cfg.SIP.UserAgent,
		Type:      transport_sipgo.TransportType(cfg.SIP.Transport),
		Host:      cfg.SIP.Host,
	}, stack, logger)
	if err != nil {
		return nil, err
	}
	stack.SetTransport(tr)

	md, err := cfg.MediaDescription()
	if err != nil {
		_ = tr.Close()
		return nil, err
	}
	ph.stack, ph.media, ph.log = stack, md, logger.WithComponent("phone")

	rt := &runtime{cfg: cfg, log: logger.WithComponent("salphone"), stack: stack, transport: tr}
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		rt.metrics = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}
	return rt, nil
}

// start запускает цикл стека, прослушивание SIP и сервер метрик.
// Ошибки фоновых частей приходят в возвращаемый канал.
func (rt *runtime) start(ctx context.Context) <-chan error {
	errc := make(chan error, 3)
	go func() {
		if err := rt.stack.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errc <- err
		}
	}()
	go func() {
		if err := rt.transport.Listen(ctx, rt.cfg.SIP.Listen); err != nil {
			errc <- err
		}
	}()
	if rt.metrics != nil {
		go func() {
			rt.log.Info(ctx, "metrics endpoint started", sal.String("addr", rt.metrics.Addr))
			if err := rt.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- err
			}
		}()
	}
	return errc
}

func (rt *runtime) close() {
	if rt.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = rt.metrics.Shutdown(ctx)
	}
	if err := rt.transport.Close(); err != nil {
		rt.log.LogError(context.Background(), err, "transport close failed")
	}
}
