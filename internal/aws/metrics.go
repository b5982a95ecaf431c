package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// Metrics publishes reconciliation counters to CloudWatch under one namespace.
type Metrics struct {
	CloudWatch CloudWatchAPI
	Namespace  string
	nowFunc    func() time.Time
}

// NewMetrics returns a Metrics bound to a namespace (e.g. "Payflow/Reconciliation").
func NewMetrics(cw CloudWatchAPI, namespace string) *Metrics {
	return &Metrics{
		CloudWatch: cw,
		Namespace:  namespace,
		nowFunc:    time.Now,
	}
}

// Count emits a count-of-one datum with optional dimensions.
// Callers treat metric failures as best-effort; they never block a reconcile.
func (m *Metrics) Count(ctx context.Context, name string, dims map[string]string) error {
	now := m.nowFunc()
	datum := cwtypes.MetricDatum{
		MetricName: &name,
		Timestamp:  &now,
		Unit:       cwtypes.StandardUnitCount,
		Value:      awsFloat(1),
	}
	for k, v := range dims {
		k, v := k, v
		datum.Dimensions = append(datum.Dimensions, cwtypes.Dimension{Name: &k, Value: &v})
	}

	_, err := m.CloudWatch.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  &m.Namespace,
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		return fmt.Errorf("put metric data: %w", err)
	}
	return nil
}

func awsFloat(f float64) *float64 { return &f }
