package main

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"orderflow/internal/httpapi"
)

// orderServiceName is the gRPC health service name reported alongside "".
const orderServiceName = "orderflow.OrderService"

var errBrokerDown = errors.New("broker not connected")

// brokerCheck reports the broker healthy while either the publisher or
// the consumer holds a live channel.
func brokerCheck(probes ...func() bool) httpapi.HealthCheck {
	return func(context.Context) error {
		for _, healthy := range probes {
			if healthy() {
				return nil
			}
		}
		return errBrokerDown
	}
}

// runChecks runs every check and returns the names of the failing ones.
func runChecks(ctx context.Context, checks map[string]httpapi.HealthCheck, timeout time.Duration) []string {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var failing []string
	for name, check := range checks {
		if err := check(ctx); err != nil {
			failing = append(failing, name)
		}
	}
	sort.Strings(failing)
	return failing
}

func setServing(hs *health.Server, status healthpb.HealthCheckResponse_ServingStatus) {
	hs.SetServingStatus("", status)
	hs.SetServingStatus(orderServiceName, status)
}

// watchHealth mirrors the dependency checks into the gRPC health service
// until ctx ends.
func watchHealth(ctx context.Context, hs *health.Server, checks map[string]httpapi.HealthCheck, interval time.Duration, logger *zap.Logger) {
	var last []string
	update := func() {
		failing := runChecks(ctx, checks, interval)
		status := healthpb.HealthCheckResponse_SERVING
		if len(failing) > 0 {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		if !equalStrings(failing, last) {
			logger.Info("health changed", zap.String("status", status.String()), zap.Strings("failing", failing))
		}
		last = failing
		setServing(hs, status)
	}

	update()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
