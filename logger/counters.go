package logger

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var (
	framesRead     int64
	marketUpdates  int64
	orderUpdates   int64
	heartbeats     int64
	protocolErrors int64
	reconnects     int64
	archiveWrites  int64
	warnCount      int64
	errorCount     int64
)

func recordWarn(component string) {
	atomic.AddInt64(&warnCount, 1)
}

func recordError(component string) {
	atomic.AddInt64(&errorCount, 1)
}

// IncrementFrameRead counts one decoded inbound frame.
func IncrementFrameRead() {
	atomic.AddInt64(&framesRead, 1)
}

// IncrementMarketUpdate counts one market-change frame dispatched to books.
func IncrementMarketUpdate() {
	atomic.AddInt64(&marketUpdates, 1)
}

// IncrementOrderUpdate counts one order-change frame dispatched to the cache.
func IncrementOrderUpdate() {
	atomic.AddInt64(&orderUpdates, 1)
}

// IncrementHeartbeat counts one liveness frame.
func IncrementHeartbeat() {
	atomic.AddInt64(&heartbeats, 1)
}

// IncrementProtocolError counts one skipped undecodable frame.
func IncrementProtocolError() {
	atomic.AddInt64(&protocolErrors, 1)
}

// IncrementReconnect counts one reconnection attempt.
func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

// IncrementArchiveWrite counts one recorder batch upload.
func IncrementArchiveWrite() {
	atomic.AddInt64(&archiveWrites, 1)
}

// Counters is a point-in-time copy of the process counters.
type Counters struct {
	FramesRead     int64
	MarketUpdates  int64
	OrderUpdates   int64
	Heartbeats     int64
	ProtocolErrors int64
	Reconnects     int64
	ArchiveWrites  int64
	Warns          int64
	Errors         int64
}

func SnapshotCounters() Counters {
	return Counters{
		FramesRead:     atomic.LoadInt64(&framesRead),
		MarketUpdates:  atomic.LoadInt64(&marketUpdates),
		OrderUpdates:   atomic.LoadInt64(&orderUpdates),
		Heartbeats:     atomic.LoadInt64(&heartbeats),
		ProtocolErrors: atomic.LoadInt64(&protocolErrors),
		Reconnects:     atomic.LoadInt64(&reconnects),
		ArchiveWrites:  atomic.LoadInt64(&archiveWrites),
		Warns:          atomic.LoadInt64(&warnCount),
		Errors:         atomic.LoadInt64(&errorCount),
	}
}

// StartReport logs the counters on an interval and, when the CloudWatch
// client is initialised, publishes them as metrics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c := SnapshotCounters()
				log.WithComponent("report").WithFields(Fields{
					"frames_read":     c.FramesRead,
					"market_updates":  c.MarketUpdates,
					"order_updates":   c.OrderUpdates,
					"heartbeats":      c.Heartbeats,
					"protocol_errors": c.ProtocolErrors,
					"reconnects":      c.Reconnects,
					"archive_writes":  c.ArchiveWrites,
					"warns":           c.Warns,
					"errors":          c.Errors,
				}).Info("stream counters")

				publishMetrics(ctx, []cwtypes.MetricDatum{
					datum("FramesRead", c.FramesRead),
					datum("MarketUpdates", c.MarketUpdates),
					datum("OrderUpdates", c.OrderUpdates),
					datum("ProtocolErrors", c.ProtocolErrors),
					datum("Reconnects", c.Reconnects),
				})
			}
		}
	}()
}

func datum(name string, value int64) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Unit:       cwtypes.StandardUnitCount,
		Value:      aws.Float64(float64(value)),
	}
}
