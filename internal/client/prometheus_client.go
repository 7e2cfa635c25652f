package client

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	prommodel "github.com/prometheus/common/model"
)

// PrometheusClient wraps the Prometheus HTTP query API
type PrometheusClient struct {
	client  v1.API
	url     string
	timeout time.Duration
}

// NewPrometheusClient creates a new Prometheus client
func NewPrometheusClient(url string, timeout time.Duration) (*PrometheusClient, error) {
	promClient, err := api.NewClient(api.Config{
		Address: url,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %v", err)
	}

	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PrometheusClient{
		client:  v1.NewAPI(promClient),
		url:     url,
		timeout: timeout,
	}, nil
}

// NewPrometheusClientFromAPI wraps an existing API implementation
func NewPrometheusClientFromAPI(a v1.API, timeout time.Duration) *PrometheusClient {
	return &PrometheusClient{client: a, timeout: timeout}
}

// Query executes an instant query
func (p *PrometheusClient) Query(ctx context.Context, query string) (prommodel.Value, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	result, warnings, err := p.client.Query(ctx, query, time.Now())
	if err != nil {
		return nil, err
	}
	if len(warnings) > 0 {
		return result, fmt.Errorf("query %q returned warnings: %v", query, warnings)
	}
	return result, nil
}

// QueryVector runs an instant query and returns the value per label value
// of byLabel. Non-vector results are an error.
func (p *PrometheusClient) QueryVector(ctx context.Context, query, byLabel string) (map[string]float64, error) {
	result, err := p.Query(ctx, query)
	if err != nil {
		return nil, err
	}

	vector, ok := result.(prommodel.Vector)
	if !ok {
		return nil, fmt.Errorf("query %q did not return a vector", query)
	}

	values := make(map[string]float64, len(vector))
	for _, sample := range vector {
		values[string(sample.Metric[prommodel.LabelName(byLabel)])] = float64(sample.Value)
	}
	return values, nil
}

func (p *PrometheusClient) URL() string {
	return p.url
}
