package metrics

import "bookflow/logger"

// DropMetric identifies the metric name emitted when a message is dropped.
type DropMetric string

const (
	// DropMetricDepthChannel records external snapshots dropped on a full depth channel.
	DropMetricDepthChannel DropMetric = "depth_snapshots_dropped"
	// DropMetricFeedMalformed records feed payloads that failed to parse.
	DropMetricFeedMalformed DropMetric = "feed_messages_dropped"
	// DropMetricSubscriberQueue records payloads dropped on a full subscriber queue.
	DropMetricSubscriberQueue DropMetric = "subscriber_payloads_dropped"
)

// EmitDropMetric emits a counter of one for a dropped message, tagged with
// whichever of exchange, instrument and stage are set.
func EmitDropMetric(log *logger.Log, metric DropMetric, exchange, instrument, stage string) {
	fields := logger.Fields{}
	if exchange != "" {
		fields["exchange"] = exchange
	}
	if instrument != "" {
		fields["instrument"] = instrument
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "drops", string(metric), 1, "counter", fields)
}
