package ratelimiter

import (
	"fmt"
	"time"

	"github.com/ReneKroon/ttlcache/v2"
	"github.com/cockroachdb/errors"
	"github.com/iotaledger/hive.go/events"
	"github.com/iotaledger/hive.go/logger"
	"github.com/paulbellamy/ratecounter"
	"go.uber.org/atomic"
)

// RateLimit describes an activity bound: at most Limit hits per Interval.
type RateLimit struct {
	Interval time.Duration
	Limit    int
}

func (rl RateLimit) String() string {
	return fmt.Sprintf("%d per %s", rl.Limit, rl.Interval)
}

// EndpointLimiter tracks datagram activity per remote endpoint and fires a
// hit event when an endpoint exceeds the configured limit. Records expire
// after one interval of silence, which suits a connectionless host where
// endpoints come and go without teardown.
type EndpointLimiter struct {
	interval        time.Duration
	limit           *atomic.Int64
	hitEvent        *events.Event
	endpointRecords *ttlcache.Cache
	log             *logger.Logger
}

// NewEndpointLimiter creates a limiter allowing limit hits per interval for
// each endpoint.
func NewEndpointLimiter(interval time.Duration, limit int, log *logger.Logger) (*EndpointLimiter, error) {
	records := ttlcache.NewCache()
	records.SetLoaderFunction(func(_ string) (interface{}, time.Duration, error) {
		record := &limiterRecord{counter: ratecounter.NewRateCounter(interval), limitHitReported: atomic.NewBool(false)}
		return record, ttlcache.ItemExpireWithGlobalTTL, nil
	})
	if err := records.SetTTL(interval); err != nil {
		return nil, errors.WithStack(err)
	}
	return &EndpointLimiter{
		interval:        interval,
		limit:           atomic.NewInt64(int64(limit)),
		hitEvent:        events.NewEvent(limitHitCaller),
		endpointRecords: records,
		log:             log,
	}, nil
}

type limiterRecord struct {
	counter          *ratecounter.RateCounter
	limitHitReported *atomic.Bool
}

// Count records one hit for the endpoint.
func (el *EndpointLimiter) Count(endpoint string) {
	if err := el.doCount(endpoint); err != nil {
		el.log.Warnw("Rate limiter failed to count endpoint activity",
			"endpoint", endpoint)
	}
}

// SetLimit changes the limit at runtime.
func (el *EndpointLimiter) SetLimit(limit int) {
	el.limit.Store(int64(limit))
}

// HitEvent returns the event fired once per window when an endpoint crosses
// the limit. Handlers receive the endpoint and the violated limit.
func (el *EndpointLimiter) HitEvent() *events.Event {
	return el.hitEvent
}

// Close releases the record cache.
func (el *EndpointLimiter) Close() {
	if err := el.endpointRecords.Close(); err != nil {
		el.log.Errorw("Failed to close endpoint records cache", "err", err)
	}
}

func (el *EndpointLimiter) doCount(endpoint string) error {
	recordI, err := el.endpointRecords.Get(endpoint)
	if err != nil {
		return errors.WithStack(err)
	}
	record := recordI.(*limiterRecord)
	record.counter.Incr(1)
	limit := int(el.limit.Load())
	if int(record.counter.Rate()) > limit {
		if !record.limitHitReported.Swap(true) {
			el.log.Infow("Endpoint hit the activity limit, notifying subscribers to take action",
				"limit", limit, "interval", el.interval, "endpoint", endpoint)
			el.hitEvent.Trigger(endpoint, &RateLimit{Limit: limit, Interval: el.interval})
		}
	} else {
		record.limitHitReported.Store(false)
	}
	return nil
}

func limitHitCaller(handler interface{}, params ...interface{}) {
	handler.(func(string, *RateLimit))(params[0].(string), params[1].(*RateLimit))
}
