package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"bookflow/logger"
)

type cloudWatchState struct {
	client        *cloudwatch.Client
	namespace     string
	dashboardName string
	region        string
}

var (
	cwState atomic.Pointer[cloudWatchState]

	// cloudWatchPublishInterval is the minimum gap between two datapoints of
	// the same metric and dimensions.
	cloudWatchPublishInterval = 10 * time.Second
	timeNow                   = time.Now
	publishMetricsFunc        = publishMetrics

	// cloudWatchCallTimeout bounds every CloudWatch API call.
	cloudWatchCallTimeout = 5 * time.Second

	// cwQueue decouples metric emission from the network. Datapoints are
	// dropped when it is full.
	cwQueue = make(chan cwBatch, 256)

	senderMu     sync.Mutex
	senderCancel context.CancelFunc

	lastPublishMu sync.Mutex
	lastPublish   = make(map[string]time.Time)
)

// dashboardMetrics are the EmitMetric names shown on the generated dashboard.
var dashboardMetrics = []struct {
	component string
	name      string
}{
	{"hub", "publish_payload_bytes"},
	{"hub", "subscribers"},
	{"coordinator", "recompute_latency_ms"},
	{"channel_buffers", "depth_buffer_length"},
	{"drops", string(DropMetricDepthChannel)},
	{"drops", string(DropMetricFeedMalformed)},
	{"drops", string(DropMetricSubscriberQueue)},
}

type cwBatch struct {
	state *cloudWatchState
	data  []cwtypes.MetricDatum
}

func init() {
	cwState.Store(&cloudWatchState{
		namespace:     "Bookflow",
		dashboardName: "Bookflow",
	})
}

// InitCloudWatch creates the CloudWatch client. When the AWS configuration
// cannot be loaded publishing stays disabled and a warning is logged.
func InitCloudWatch(ctx context.Context, region, namespace, dashboard string) {
	log := logger.GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	state := *cwState.Load()
	state.client = cloudwatch.NewFromConfig(cfg)
	if namespace != "" {
		state.namespace = namespace
	}
	if dashboard != "" {
		state.dashboardName = dashboard
	}
	state.region = region
	if cfg.Region != "" {
		state.region = cfg.Region
	}
	cwState.Store(&state)

	log.WithFields(logger.Fields{
		"region":    state.region,
		"namespace": state.namespace,
	}).Info("initialized CloudWatch client")

	startCloudWatchSender(ctx)

	dashCtx, cancel := context.WithTimeout(ctx, cloudWatchCallTimeout)
	defer cancel()
	if err := PutDashboard(dashCtx); err != nil {
		log.WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}

// startCloudWatchSender replaces any running sender with one bound to ctx.
func startCloudWatchSender(ctx context.Context) {
	senderMu.Lock()
	defer senderMu.Unlock()
	if senderCancel != nil {
		senderCancel()
	}
	senderCtx, cancel := context.WithCancel(ctx)
	senderCancel = cancel
	go runCloudWatchSender(senderCtx, cwQueue)
}

// runCloudWatchSender delivers queued batches one at a time until ctx is done.
func runCloudWatchSender(ctx context.Context, queue <-chan cwBatch) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-queue:
			callCtx, cancel := context.WithTimeout(ctx, cloudWatchCallTimeout)
			publishMetricsFunc(callCtx, batch.state, batch.data)
			cancel()
		}
	}
}

// dashboardBody renders one metric widget per dashboard metric.
func dashboardBody(namespace, region string) (string, error) {
	type widget struct {
		Type       string                 `json:"type"`
		Width      int                    `json:"width"`
		Height     int                    `json:"height"`
		Properties map[string]interface{} `json:"properties"`
	}

	widgets := make([]widget, 0, len(dashboardMetrics))
	for _, m := range dashboardMetrics {
		widgets = append(widgets, widget{
			Type:   "metric",
			Width:  12,
			Height: 6,
			Properties: map[string]interface{}{
				"title":   m.name,
				"region":  region,
				"stat":    "Sum",
				"period":  60,
				"metrics": [][]string{{namespace, m.name, "component", m.component}},
			},
		})
	}

	body, err := json.Marshal(map[string]interface{}{"widgets": widgets})
	if err != nil {
		return "", fmt.Errorf("render dashboard: %w", err)
	}
	return string(body), nil
}

// PutDashboard creates or replaces the configured dashboard. It is a no-op
// without a client.
func PutDashboard(ctx context.Context) error {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return nil
	}

	body, err := dashboardBody(state.namespace, state.region)
	if err != nil {
		return err
	}

	if _, err := state.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(state.dashboardName),
		DashboardBody: aws.String(body),
	}); err != nil {
		return err
	}

	logger.GetLogger().WithComponent("cloudwatch").Debug("updated CloudWatch dashboard")
	return nil
}

func publishMetricDatum(metric Metric, value float64) {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}

	unit := cwtypes.StandardUnitCount
	if raw, ok := metric.Fields["unit"].(string); ok {
		if parsed, found := metricUnitFromString(raw); found {
			unit = parsed
		}
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(metric.Component)}}
	for k, v := range metric.Fields {
		if k == "unit" {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}

	if !allowPublish(metricKey(metric), timeNow()) {
		return
	}

	data := []cwtypes.MetricDatum{{
		MetricName: aws.String(metric.Name),
		Dimensions: dims,
		Unit:       unit,
		Value:      aws.Float64(value),
		Timestamp:  aws.Time(metric.Timestamp),
	}}
	select {
	case cwQueue <- cwBatch{state: state, data: data}:
	default:
		logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{
			"metric": metric.Name,
		}).Debug("cloudwatch queue full; datapoint dropped")
	}
}

func metricKey(metric Metric) string {
	var b strings.Builder
	b.WriteString(metric.Component)
	b.WriteByte('/')
	b.WriteString(metric.Name)
	for _, k := range []string{"exchange", "instrument", "stage", "buffer"} {
		if v, ok := metric.Fields[k].(string); ok && v != "" {
			b.WriteByte('/')
			b.WriteString(v)
		}
	}
	return b.String()
}

func allowPublish(key string, now time.Time) bool {
	lastPublishMu.Lock()
	defer lastPublishMu.Unlock()
	if last, ok := lastPublish[key]; ok && now.Sub(last) < cloudWatchPublishInterval {
		return false
	}
	lastPublish[key] = now
	return true
}

func resetMetricPublishTimes() {
	lastPublishMu.Lock()
	lastPublish = make(map[string]time.Time)
	lastPublishMu.Unlock()
}

func publishMetrics(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
	if state == nil || state.client == nil || len(data) == 0 {
		return
	}

	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	}); err != nil {
		logger.GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to publish CloudWatch metrics")
	}
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func metricUnitFromString(unit string) (cwtypes.StandardUnit, bool) {
	switch strings.ToLower(unit) {
	case "count":
		return cwtypes.StandardUnitCount, true
	case "percent":
		return cwtypes.StandardUnitPercent, true
	case "bytes":
		return cwtypes.StandardUnitBytes, true
	case "ms", "milliseconds":
		return cwtypes.StandardUnitMilliseconds, true
	default:
		return cwtypes.StandardUnitCount, false
	}
}
