package election

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/ao/swarmhost/internal/resilience"
)

// Getter fetches a URL
type Getter interface {
	Get(ctx context.Context, url string) ([]byte, error)
}

// Telemetry reads load balancer health exports. Endpoints are asked in
// order until one of them knows the service.
type Telemetry struct {
	endpoints []string
	getter    Getter
	guard     *resilience.Manager
	logger    *logrus.Logger
}

// NewTelemetry creates a telemetry reader over the given endpoints
func NewTelemetry(endpoints []string, getter Getter, guard *resilience.Manager, logger *logrus.Logger) *Telemetry {
	return &Telemetry{
		endpoints: endpoints,
		getter:    getter,
		guard:     guard,
		logger:    logger,
	}
}

// Primary returns the address serving a service. found is false when no
// endpoint had a row for the service; ip is empty when rows exist but
// none of them is a healthy primary.
func (t *Telemetry) Primary(ctx context.Context, service string) (ip string, found bool) {
	for _, endpoint := range t.endpoints {
		var body []byte
		err := t.guard.Execute(ctx, endpoint, func(ctx context.Context) error {
			var err error
			body, err = t.getter.Get(ctx, endpoint)
			return err
		})
		if err != nil {
			t.logger.WithError(err).WithField("endpoint", endpoint).Debug("Telemetry endpoint unavailable")
			continue
		}

		ip, found, err := ParseTelemetry(body, service)
		if err != nil {
			t.logger.WithError(err).WithField("endpoint", endpoint).Warn("Unreadable telemetry")
			continue
		}
		if found {
			return ip, true
		}
	}
	return "", false
}

// ParseTelemetry finds the serving address of a service in a health export,
// an array of {pxname, svname, status, addr, bck} rows. The first non backup
// row that is UP wins.
func ParseTelemetry(body []byte, service string) (ip string, found bool, err error) {
	if !gjson.ValidBytes(body) {
		return "", false, fmt.Errorf("invalid telemetry document")
	}
	rows := gjson.ParseBytes(body)
	if !rows.IsArray() {
		return "", false, fmt.Errorf("telemetry is not an array")
	}

	for _, row := range rows.Array() {
		if !strings.EqualFold(row.Get("pxname").String(), service) {
			continue
		}
		found = true
		addr := row.Get("addr").String()
		if ip != "" || addr == "" || row.Get("bck").Int() != 0 {
			continue
		}
		if row.Get("status").String() == "UP" {
			ip = host(addr)
		}
	}
	return ip, found, nil
}

// host strips the port of an address
func host(addr string) string {
	if i := strings.LastIndex(addr, ":"); i > 0 {
		return addr[:i]
	}
	return addr
}
