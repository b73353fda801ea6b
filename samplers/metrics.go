package samplers

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gemma_sampler_calls_total",
		Help: "Number of Sampler.Generate calls, by outcome.",
	}, []string{"outcome"})

	metricDecodeSteps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gemma_sampler_decode_steps_total",
		Help: "Number of decoding steps executed (each step processes the whole batch).",
	})

	metricGeneratedTokens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gemma_sampler_generated_tokens_total",
		Help: "Number of tokens returned to callers, excluding the echoed prompt and padding.",
	})

	metricFinishedSequences = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gemma_sampler_finished_sequences_total",
		Help: "Number of sequences finished, by reason: eos or budget (maximum steps reached).",
	}, []string{"reason"})

	metricStepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gemma_sampler_step_duration_seconds",
		Help:    "Duration of one decoding step (model forward pass and token selection).",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
	})
)
