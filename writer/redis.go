package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	appconfig "marketfeed/config"
	"marketfeed/internal/metrics"
	"marketfeed/logger"
	"marketfeed/models"
)

// publishJob is a snapshot write, or a health write when component is set.
type publishJob struct {
	symbol    string
	snapshot  models.MarketSnapshot
	component string
	status    models.HealthStatus
}

// RedisPublisher stores the latest snapshot per symbol under <prefix>:snapshot:<SYMBOL> with
// the cache TTL, publishes it on <prefix>:snapshots and keeps component health in the
// <prefix>:health hash. Writes happen on a worker so neither callback waits on the network.
type RedisPublisher struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	jobs   chan publishJob

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	delivered    atomic.Int64
	healthEvents atomic.Int64
	bytesWritten atomic.Int64
	errorsCount  atomic.Int64
	dropped      atomic.Int64
}

// NewRedisPublisher builds the client without connecting; Start verifies the connection.
func NewRedisPublisher(cfg appconfig.RedisConfig, ttl time.Duration, buffer int) *RedisPublisher {
	if buffer <= 0 {
		buffer = 64
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "marketfeed"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	rp := &RedisPublisher{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		jobs:   make(chan publishJob, buffer),
		log:    logger.GetLogger(),
	}
	rp.log.WithComponent("redis_publisher").WithFields(logger.Fields{
		"addr":       cfg.Addr,
		"db":         cfg.DB,
		"key_prefix": prefix,
		"ttl":        ttl,
	}).Info("redis publisher initialized")
	return rp
}

func (rp *RedisPublisher) SnapshotKey(symbol string) string {
	return fmt.Sprintf("%s:snapshot:%s", rp.prefix, symbol)
}

func (rp *RedisPublisher) channelName() string { return rp.prefix + ":snapshots" }

func (rp *RedisPublisher) healthKey() string { return rp.prefix + ":health" }

// Start pings the server and launches the worker. A failed ping is returned; the caller
// decides whether running without Redis is acceptable.
func (rp *RedisPublisher) Start(ctx context.Context) error {
	rp.mu.Lock()
	if rp.running {
		rp.mu.Unlock()
		return fmt.Errorf("redis publisher already running")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := rp.client.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		rp.mu.Unlock()
		return fmt.Errorf("redis ping failed: %w", err)
	}
	rp.running = true
	rp.ctx, rp.cancel = context.WithCancel(ctx)
	rp.mu.Unlock()

	rp.wg.Add(1)
	go rp.worker()
	rp.log.WithComponent("redis_publisher").Info("redis publisher started")
	return nil
}

// Stop drains queued snapshots, then closes the client.
func (rp *RedisPublisher) Stop() {
	rp.mu.Lock()
	wasRunning := rp.running
	rp.running = false
	cancel := rp.cancel
	rp.mu.Unlock()

	if wasRunning {
		cancel()
		rp.wg.Wait()
	}
	if err := rp.client.Close(); err != nil {
		rp.log.WithComponent("redis_publisher").WithError(err).Warn("failed to close redis client")
	}
	metrics.ReportSink(rp.log, "redis_publisher", rp.Stats())
}

func (rp *RedisPublisher) OnSnapshot(symbol string, snapshot models.MarketSnapshot) {
	select {
	case rp.jobs <- publishJob{symbol: symbol, snapshot: snapshot}:
	default:
		rp.dropped.Add(1)
		rp.log.WithComponent("redis_publisher").WithFields(logger.Fields{
			"symbol": symbol,
		}).Warn("publish queue is full, dropping snapshot")
	}
}

func (rp *RedisPublisher) OnHealthChange(component string, status models.HealthStatus) {
	rp.healthEvents.Add(1)
	select {
	case rp.jobs <- publishJob{component: component, status: status}:
	default:
		rp.dropped.Add(1)
		rp.log.WithComponent("redis_publisher").WithFields(logger.Fields{
			"health_component": component,
			"status":           status.String(),
		}).Warn("publish queue is full, dropping health update")
	}
}

func (rp *RedisPublisher) worker() {
	defer rp.wg.Done()
	rp.mu.RLock()
	ctx := rp.ctx
	rp.mu.RUnlock()

	for {
		select {
		case job := <-rp.jobs:
			rp.handle(ctx, job)
		case <-ctx.Done():
			// drain what is queued with a fresh bound
			drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			for {
				select {
				case job := <-rp.jobs:
					rp.handle(drainCtx, job)
				default:
					cancel()
					return
				}
			}
		}
	}
}

func (rp *RedisPublisher) handle(ctx context.Context, job publishJob) {
	if job.component != "" {
		rp.storeHealth(ctx, job.component, job.status)
		return
	}
	rp.publish(ctx, job)
}

func (rp *RedisPublisher) storeHealth(ctx context.Context, component string, status models.HealthStatus) {
	if err := rp.client.HSet(ctx, rp.healthKey(), component, status.String()).Err(); err != nil {
		rp.errorsCount.Add(1)
		rp.log.WithComponent("redis_publisher").WithFields(logger.Fields{
			"health_component": component,
		}).WithError(err).Warn("failed to store health")
	}
}

func (rp *RedisPublisher) publish(ctx context.Context, job publishJob) {
	log := rp.log.WithComponent("redis_publisher").WithFields(logger.Fields{
		"symbol":    job.symbol,
		"operation": "publish",
	})

	payload, err := json.Marshal(job.snapshot)
	if err != nil {
		rp.errorsCount.Add(1)
		log.WithError(err).Warn("failed to encode snapshot")
		return
	}

	start := time.Now()
	_, err = rp.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, rp.SnapshotKey(job.symbol), payload, rp.ttl)
		pipe.Publish(ctx, rp.channelName(), payload)
		return nil
	})
	if err != nil {
		rp.errorsCount.Add(1)
		log.WithError(err).Warn("failed to publish snapshot")
		return
	}
	rp.delivered.Add(1)
	rp.bytesWritten.Add(int64(len(payload)))
	logger.LogPerformanceEntry(log, "redis_publisher", "publish", time.Since(start), logger.Fields{"bytes": len(payload)})
}

func (rp *RedisPublisher) Stats() metrics.SinkStats {
	return metrics.SinkStats{
		Delivered:    rp.delivered.Load(),
		HealthEvents: rp.healthEvents.Load(),
		BytesWritten: rp.bytesWritten.Load(),
		ErrorsCount:  rp.errorsCount.Load() + rp.dropped.Load(),
	}
}

// Report returns the sink counters for the periodic runtime report.
func (rp *RedisPublisher) Report() logger.Fields {
	s := rp.Stats()
	return logger.Fields{
		"redis_delivered": s.Delivered,
		"redis_errors":    s.ErrorsCount,
		"redis_bytes":     s.BytesWritten,
	}
}
