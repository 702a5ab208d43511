// Package metrics declares the gateway's metric names and records
// against them through github.com/effective-security/metrics' global
// registry, the package-level metrics.IncrCounter/MeasureSince API. The
// exporter pipeline that ships these numbers out of process is an
// external collaborator; Setup below only validates the exporter names
// in the configuration and wires no exporter or provider.
package metrics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/effective-security/metrics"
	"github.com/openanolis/tng/internal/config"
	"github.com/pkg/errors"
)

var (
	keyBytesForwarded    = "tng_bytes_forwarded_total"
	keyInnerStreamsTotal = "tng_inner_streams_total"
	keyHandshakeDuration = "tng_handshake_duration"
	keyAttestVerifyTotal = "tng_attestation_verify_total"
	keyCertRefreshTotal  = "tng_cert_refresh_total"
)

// Describe documents the keys above for anything that introspects the
// metrics registry, following metricskey/describe.go's Describe-table
// convention.
var Describe = []metrics.Describe{
	{Name: "tng_bytes_forwarded_total", Type: "counter", RequiredTags: []string{"direction", "endpoint"}, Help: "Bytes forwarded through the attested tunnel or a direct-forward bypass."},
	{Name: "tng_inner_streams_total", Type: "counter", RequiredTags: []string{"side", "endpoint"}, Help: "Inner application streams multiplexed over an attested channel."},
	{Name: "tng_handshake_duration", Type: "summary", RequiredTags: []string{"side", "result"}, Help: "Attested TLS handshake duration."},
	{Name: "tng_attestation_verify_total", Type: "counter", RequiredTags: []string{"verdict"}, Help: "Attestation Service verify calls by verdict."},
	{Name: "tng_cert_refresh_total", Type: "counter", RequiredTags: []string{"result"}, Help: "CertManager refresh attempts by outcome."},
}

// RecordBytes records n bytes forwarded in direction ("out"/"in") for endpoint.
func RecordBytes(direction, endpoint string, n int64) {
	metrics.IncrCounter(keyBytesForwarded, float64(n), metrics.Tag{Name: "direction", Value: direction}, metrics.Tag{Name: "endpoint", Value: endpoint})
}

// RecordInnerStream records one inner stream opened/accepted.
func RecordInnerStream(side, endpoint string) {
	metrics.IncrCounter(keyInnerStreamsTotal, 1, metrics.Tag{Name: "side", Value: side}, metrics.Tag{Name: "endpoint", Value: endpoint})
}

// RecordHandshake records a completed handshake's duration and outcome.
func RecordHandshake(side, result string, since time.Time) {
	metrics.MeasureSince(keyHandshakeDuration, since, metrics.Tag{Name: "side", Value: side}, metrics.Tag{Name: "result", Value: result})
}

// RecordAttestationVerify records one AS verify call outcome.
func RecordAttestationVerify(verdict string) {
	metrics.IncrCounter(keyAttestVerifyTotal, 1, metrics.Tag{Name: "verdict", Value: verdict})
}

// RecordCertRefresh records one CertManager refresh attempt outcome.
func RecordCertRefresh(result string) {
	metrics.IncrCounter(keyCertRefreshTotal, 1, metrics.Tag{Name: "result", Value: result})
}

// Shutdown is returned by Setup to flush/close exporters on instance
// cancellation.
type Shutdown func(context.Context) error

// Setup checks the exporter lists named in cfg.Metric/cfg.Trace. The
// names "prometheus", "stdout" and "otlp" are recognized, and an entry
// without a name is accepted; unknown names are a
// config error since the exporter pipeline itself is out of scope but an
// unrecognized name still indicates a typo in the document, not silent
// data loss.
func Setup(cfg *config.Config) (Shutdown, error) {
	noop := func(context.Context) error { return nil }
	if cfg == nil || (cfg.Metric == nil && cfg.Trace == nil) {
		return noop, nil
	}
	for _, raw := range exporterLists(cfg) {
		var named struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &named); err != nil {
			return noop, errors.WithMessage(err, "metrics: invalid exporter entry")
		}
		switch named.Name {
		case "prometheus", "stdout", "otlp", "":
			// Constructor surface only; the actual exporter wiring
			// lives outside the gateway core.
		default:
			return noop, errors.Errorf("metrics: unrecognized exporter %q", named.Name)
		}
	}
	return noop, nil
}

func exporterLists(cfg *config.Config) []json.RawMessage {
	var all []json.RawMessage
	if cfg.Metric != nil {
		all = append(all, (*cfg.Metric)...)
	}
	if cfg.Trace != nil {
		all = append(all, (*cfg.Trace)...)
	}
	return all
}
