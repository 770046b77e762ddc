package metrics

import (
	stderrors "errors"
	"strings"
	"time"

	relayerrors "github.com/quillforge/relay/pkg/errors"
	"github.com/quillforge/relay/pkg/types"
)

// RequestMetrics describes one finished request for recording. Status is
// "success" or the error kind that terminated the request.
type RequestMetrics struct {
	Provider string
	Model    string
	Status   string
	Duration time.Duration

	InputTokens  int
	OutputTokens int
	TotalTokens  int

	CacheHit  bool
	Coalesced bool
}

// StatusSuccess labels a request that produced a response.
const StatusSuccess = "success"

// ErrorStatus maps an error to its status label. Pipeline errors map
// to their kind; anything else is labeled "error".
func ErrorStatus(err error) string {
	var re *relayerrors.RelayError
	if stderrors.As(err, &re) {
		return string(re.Kind)
	}
	return "error"
}

// Collector records pipeline events against the package metrics.
type Collector struct{}

// NewCollector creates a metrics collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordRequest records the outcome, latency, dedup disposition, and
// token usage of a finished request.
func (c *Collector) RecordRequest(m *RequestMetrics) {
	model := sanitizeModelLabel(m.Model)

	RequestsTotal.WithLabelValues(m.Provider, model, m.Status).Inc()
	if m.Duration > 0 {
		RequestDuration.WithLabelValues(m.Provider, model).Observe(m.Duration.Seconds())
	}

	if m.CacheHit {
		CacheHits.WithLabelValues(m.Provider).Inc()
	} else {
		CacheMisses.WithLabelValues(m.Provider).Inc()
	}
	if m.Coalesced {
		CoalescedRequests.WithLabelValues(m.Provider).Inc()
	}

	tokenLabels := []string{m.Provider, model}
	if m.InputTokens > 0 {
		InputTokens.WithLabelValues(tokenLabels...).Add(float64(m.InputTokens))
	}
	if m.OutputTokens > 0 {
		OutputTokens.WithLabelValues(tokenLabels...).Add(float64(m.OutputTokens))
	}
	if m.TotalTokens > 0 {
		TotalTokens.WithLabelValues(tokenLabels...).Add(float64(m.TotalTokens))
	}
}

// RecordBatch records an emitted batch and its size.
func (c *Collector) RecordBatch(provider string, size int) {
	BatchesFormed.WithLabelValues(provider).Inc()
	BatchSize.WithLabelValues(provider).Observe(float64(size))
}

// RecordRetries records n retries beyond the first attempt.
func (c *Collector) RecordRetries(provider string, n int) {
	if n > 0 {
		RetryAttempts.WithLabelValues(provider).Add(float64(n))
	}
}

// RecordCircuitTransition records a breaker state change and updates the
// state gauge.
func (c *Collector) RecordCircuitTransition(provider, from, to string) {
	CircuitTransitions.WithLabelValues(provider, from, to).Inc()
	CircuitState.WithLabelValues(provider).Set(circuitStateValue(to))
}

// SetQueueDepth updates the queued-request gauge.
func (c *Collector) SetQueueDepth(provider string, depth int) {
	QueueDepth.WithLabelValues(provider).Set(float64(depth))
}

// SetInflightBatches updates the executing-batch gauge.
func (c *Collector) SetInflightBatches(provider string, n int) {
	InflightBatches.WithLabelValues(provider).Set(float64(n))
}

// SetProviderScore updates the balancer score gauge.
func (c *Collector) SetProviderScore(provider string, score float64) {
	ProviderScore.WithLabelValues(provider).Set(score)
}

// SetProviderHealth updates the provider health gauge.
func (c *Collector) SetProviderHealth(provider string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	ProviderHealthy.WithLabelValues(provider).Set(v)
}

func circuitStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}

const maxModelLabelLen = 64

// sanitizeModelLabel keeps model label values bounded and free of
// characters that fragment Prometheus series.
func sanitizeModelLabel(model string) string {
	_, modelName := types.SplitProviderModel(model)
	modelName = strings.TrimSpace(modelName)
	if modelName == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(minInt(len(modelName), maxModelLabelLen))
	for _, r := range modelName {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' || r == ':' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
		if b.Len() >= maxModelLabelLen {
			break
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "unknown"
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
