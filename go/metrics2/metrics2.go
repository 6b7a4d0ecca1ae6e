// Package metrics2 provides application metrics backed by Prometheus.
package metrics2

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cheshirekow/gerrit-mq/go/sklog"
)

// Int64Metric is a metric which reports an int64 value.
type Int64Metric interface {
	// Get returns the last value reported for this metric.
	Get() int64

	// Update adds a data point to the metric.
	Update(v int64)
}

// Counter is a struct used for tracking metrics which increment or decrement.
type Counter interface {
	// Dec decrements the counter by the given quantity.
	Dec(i int64)

	// Get returns the current value in the counter.
	Get() int64

	// Inc increments the counter by the given quantity.
	Inc(i int64)

	// Reset sets the counter to zero.
	Reset()
}

// Liveness keeps a time-since-last-successful-update metric.
//
// The unit of the metric is in seconds.
//
// It is used to keep track of periodic processes to make sure that they are
// running successfully. Every liveness metric should have a corresponding
// alert set up that will fire if the time-since-last-successful-update
// metric gets too large.
type Liveness interface {
	// Get returns the current value of the Liveness.
	Get() int64

	// Reset should be called when some work has been successfully completed.
	Reset()
}

// Client represents a set of metrics.
type Client interface {
	// GetCounter creates and returns a new Counter using the given name and tags.
	GetCounter(name string, tags ...map[string]string) Counter

	// GetInt64Metric returns an Int64Metric instance.
	GetInt64Metric(measurement string, tags ...map[string]string) Int64Metric

	// NewLiveness creates a new Liveness metric helper.
	NewLiveness(name string, tags ...map[string]string) Liveness
}

// DefaultClient is the Client used by the package-level functions below.
var DefaultClient Client = newPromClient()

// GetCounter creates or retrieves a Counter using the default client.
func GetCounter(name string, tags ...map[string]string) Counter {
	return DefaultClient.GetCounter(name, tags...)
}

// GetInt64Metric returns an Int64Metric from the default client.
func GetInt64Metric(measurement string, tags ...map[string]string) Int64Metric {
	return DefaultClient.GetInt64Metric(measurement, tags...)
}

// NewLiveness creates a new Liveness metric helper using the default client.
func NewLiveness(name string, tags ...map[string]string) Liveness {
	return DefaultClient.NewLiveness(name, tags...)
}

// InitPrometheus initializes metrics to be reported to Prometheus on the
// given port, e.g. ":20000".
func InitPrometheus(port string) {
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		sklog.Fatal(http.ListenAndServe(port, mux))
	}()
}
