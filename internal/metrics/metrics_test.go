package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStoreRetryHook(t *testing.T) {
	before := testutil.ToFloat64(StoreRetries.WithLabelValues("message.send"))
	StoreRetryHook("message.send")
	StoreRetryHook("message.send")
	after := testutil.ToFloat64(StoreRetries.WithLabelValues("message.send"))
	if after-before != 2 {
		t.Fatalf("want +2 retries, got %v", after-before)
	}
}

func TestCollectorsRegistered(t *testing.T) {
	for _, c := range []prometheus.Collector{WSConnections, WSRooms, WSEvents, MessagesTotal, BroadcastDrops, RateLimited, DirectMessages, StoreRetries} {
		err := prometheus.Register(c)
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			t.Fatalf("collector not registered at init: %v", err)
		}
	}
}
