package metrics

import (
	"github.com/soultice/fips/internal/observer"
)

// PrometheusObserver turns LoggableEvents into metric increments. It never
// retains events, so it is trivially safe to call from the dispatch
// pipeline's hot path.
type PrometheusObserver struct {
	collector *Collector
}

// NewPrometheusObserver wraps collector as an observer.Observer.
func NewPrometheusObserver(collector *Collector) *PrometheusObserver {
	return &PrometheusObserver{collector: collector}
}

func (o *PrometheusObserver) Notify(event observer.LoggableEvent) {
	if event.Stage != observer.OutgoingResponseFromFips {
		return
	}
	if event.RuleName != "" {
		o.collector.RecordRuleMatch(event.RuleName)
	} else {
		o.collector.RecordNoMatch()
	}
}

func (o *PrometheusObserver) Close() error { return nil }
