// Package metrics decorates a transport.Sender with prometheus collectors.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	kit "schedbot/internal/transport"
)

// Sender records attempt counts, outcomes and latency for every send.
type Sender struct {
	next     kit.Sender
	provider string

	attempts *prometheus.CounterVec
	results  *prometheus.CounterVec
	latency  *prometheus.SummaryVec
}

// NewSender wraps next. Collectors are registered on reg (nil means the
// default registerer); a second registration of the same collectors reuses
// the existing ones.
func NewSender(provider string, next kit.Sender, reg prometheus.Registerer) *Sender {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &Sender{
		next:     next,
		provider: provider,
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schedbot_provider_send_total",
			Help: "Provider send attempts.",
		}, []string{"provider"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schedbot_provider_send_result_total",
			Help: "Provider send attempts by result (sent, transient, fatal).",
		}, []string{"provider", "result"}),
		latency: prometheus.NewSummaryVec(prometheus.SummaryOpts{
			Name:       "schedbot_provider_send_duration_seconds",
			Help:       "Provider send latency in seconds.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			MaxAge:     5 * time.Minute,
		}, []string{"provider", "result"}),
	}
	s.attempts = register(reg, s.attempts)
	s.results = register(reg, s.results)
	s.latency = register(reg, s.latency)
	return s
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

func (s *Sender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	start := time.Now()
	s.attempts.WithLabelValues(s.provider).Inc()

	ref, err := s.next.SendText(ctx, to, text, opt)

	result := "sent"
	if err != nil {
		result = kit.KindOf(err).String()
	}
	s.results.WithLabelValues(s.provider, result).Inc()
	s.latency.WithLabelValues(s.provider, result).Observe(time.Since(start).Seconds())
	return ref, err
}
