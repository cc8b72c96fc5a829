package main

import (
	"context"
	"fmt"
	"log/slog"

	sarama "github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	"github.com/salesos/collab/v1/config"
	"github.com/salesos/collab/v1/events"
	"github.com/salesos/collab/v1/store"
)

// backends holds the coordination store and the event bus together with
// whatever has to be closed on shutdown.
type backends struct {
	store  store.Store
	bus    events.Bus
	closer []func() error
}

func (b *backends) Close() {
	for i := len(b.closer) - 1; i >= 0; i-- {
		_ = b.closer[i]()
	}
}

func openBackends(cfg *config.Config, reg prometheus.Registerer, logger *slog.Logger) (*backends, error) {
	b := &backends{}
	var rdb *redis.Client

	switch cfg.Store {
	case config.StoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis url: %w", err)
		}
		rdb = redis.NewClient(opts)
		b.closer = append(b.closer, rdb.Close)
		rs := store.NewRedis(rdb, store.WithTimeout(cfg.StoreTimeout))
		if err := rs.Ping(context.Background()); err != nil {
			// locks report unavailability per request until redis is back
			logger.Warn("collab: redis not reachable at startup", "error", err)
		}
		b.store = store.NewInstrumented(rs, store.WithMetrics(reg), store.WithTracing())
	default:
		mem := store.NewInMemory()
		b.closer = append(b.closer, func() error { mem.Close(); return nil })
		b.store = store.NewInstrumented(mem, store.WithMetrics(reg), store.WithTracing())
	}

	var bus events.Bus
	switch cfg.Events {
	case config.EventsNone:
		return b, nil
	case config.EventsMemory:
		b.bus = events.NewInMemory()
		return b, nil
	case config.EventsRedis:
		rb := events.NewRedisBus(rdb)
		b.closer = append(b.closer, rb.Close)
		bus = rb
	case config.EventsNATS:
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("collabd"), nats.MaxReconnects(-1))
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("nats: %w", err)
		}
		b.closer = append(b.closer, func() error { nc.Close(); return nil })
		bus = events.NewNATSBus(nc)
	case config.EventsKafka:
		scfg := sarama.NewConfig()
		scfg.ClientID = "collabd"
		kb, err := events.NewKafkaBus(cfg.KafkaBrokers, scfg, cfg.KafkaTopic)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("kafka: %w", err)
		}
		b.closer = append(b.closer, kb.Close)
		bus = kb
	}
	b.bus = events.NewCircuitBreaker(bus, cfg.BreakerThreshold, cfg.BreakerTimeout)
	return b, nil
}
