package aws

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"go.uber.org/zap"
)

// Metrics counts lifecycle events. Implementations must not fail the caller.
type Metrics interface {
	Count(ctx context.Context, name string, dims map[string]string)
}

// NopMetrics drops everything.
type NopMetrics struct{}

func (NopMetrics) Count(context.Context, string, map[string]string) {}

// CloudWatchMetrics publishes one datapoint per event.
type CloudWatchMetrics struct {
	client    CloudWatchAPI
	namespace string
	log       *zap.Logger
	timeout   time.Duration
}

func NewCloudWatchMetrics(client CloudWatchAPI, namespace string, log *zap.Logger) *CloudWatchMetrics {
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		log:       log,
		timeout:   2 * time.Second,
	}
}

func (m *CloudWatchMetrics) Count(ctx context.Context, name string, dims map[string]string) {
	// metrics must not inherit a request deadline that is about to expire
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
	defer cancel()

	datum := cwtypes.MetricDatum{
		MetricName: String(name),
		Unit:       cwtypes.StandardUnitCount,
		Value:      float64Ptr(1),
		Timestamp:  timePtr(time.Now().UTC()),
	}
	for k, v := range dims {
		datum.Dimensions = append(datum.Dimensions, cwtypes.Dimension{Name: String(k), Value: String(v)})
	}

	_, err := m.client.PutMetricData(cctx, &cloudwatch.PutMetricDataInput{
		Namespace:  String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		m.log.Warn("put metric failed", zap.String("metric", name), zap.Error(err))
	}
}

func float64Ptr(f float64) *float64  { return &f }
func timePtr(t time.Time) *time.Time { return &t }
