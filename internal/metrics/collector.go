// Package metrics exposes engine effectiveness metrics to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/preventd/internal/engine"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "preventd"

// Source provides effectiveness metrics.
type Source interface {
	GetEffectivenessMetrics(ctx context.Context) engine.EffectivenessMetrics
}

// Collector reads a fresh metrics snapshot on every scrape.
type Collector struct {
	source  Source
	timeout time.Duration

	mistakes             *prometheus.Desc
	recurring            *prometheus.Desc
	verified             *prometheus.Desc
	effectiveness        *prometheus.Desc
	rules                *prometheus.Desc
	rulesTriggered       *prometheus.Desc
	mappingAccuracy      *prometheus.Desc
	structureReliability *prometheus.Desc
	insights             *prometheus.Desc
}

// NewCollector creates a collector over src.
func NewCollector(src Source) *Collector {
	return &Collector{
		source:  src,
		timeout: 5 * time.Second,

		mistakes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "mistakes", "recorded"),
			"Total mistake recordings, including recurrences",
			nil, nil,
		),
		recurring: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "mistakes", "recurring"),
			"Number of distinct mistakes seen more than once",
			nil, nil,
		),
		verified: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "mistakes", "verified"),
			"Number of mistakes with a verified correct solution",
			nil, nil,
		),
		effectiveness: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "prevention", "effectiveness_percent"),
			"Share of recordings that were not repeats of a known mistake",
			nil, nil,
		),
		rules: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "rules", ""),
			"Number of prevention rules by state",
			[]string{"state"}, nil,
		),
		rulesTriggered: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "rules", "triggered_total"),
			"Total prevention rule firings",
			nil, nil,
		),
		mappingAccuracy: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "mapping", "accuracy_percent"),
			"Average success rate of learned field mappings",
			nil, nil,
		),
		structureReliability: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "structure", "reliability_percent"),
			"Average reliability of learned structures",
			nil, nil,
		),
		insights: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "learning", "insights"),
			"Number of cross-record learning insights",
			nil, nil,
		),
	}
}

// Register creates a collector over src and registers it with reg.
func Register(reg prometheus.Registerer, src Source) (*Collector, error) {
	c := NewCollector(src)
	if err := reg.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.mistakes
	ch <- c.recurring
	ch <- c.verified
	ch <- c.effectiveness
	ch <- c.rules
	ch <- c.rulesTriggered
	ch <- c.mappingAccuracy
	ch <- c.structureReliability
	ch <- c.insights
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	m := c.source.GetEffectivenessMetrics(ctx)

	ch <- prometheus.MustNewConstMetric(c.mistakes, prometheus.GaugeValue, float64(m.TotalMistakesRecorded))
	ch <- prometheus.MustNewConstMetric(c.recurring, prometheus.GaugeValue, float64(m.RecurringMistakes))
	ch <- prometheus.MustNewConstMetric(c.verified, prometheus.GaugeValue, float64(m.VerifiedMistakes))
	ch <- prometheus.MustNewConstMetric(c.effectiveness, prometheus.GaugeValue, m.PreventionEffectiveness)
	ch <- prometheus.MustNewConstMetric(c.rules, prometheus.GaugeValue, float64(m.RulesGenerated), "total")
	ch <- prometheus.MustNewConstMetric(c.rules, prometheus.GaugeValue, float64(m.RulesEnabled), "enabled")
	ch <- prometheus.MustNewConstMetric(c.rulesTriggered, prometheus.CounterValue, float64(m.RulesTriggered))
	ch <- prometheus.MustNewConstMetric(c.mappingAccuracy, prometheus.GaugeValue, m.MappingAccuracy)
	ch <- prometheus.MustNewConstMetric(c.structureReliability, prometheus.GaugeValue, m.StructureReliability)
	ch <- prometheus.MustNewConstMetric(c.insights, prometheus.GaugeValue, float64(m.LearningInsights))
}
