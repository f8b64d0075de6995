package mistake

import "time"

// InsightType classifies a cross-record learning insight.
type InsightType string

const (
	InsightTemporalCluster        InsightType = "temporal_cluster"
	InsightBehavioralCorrelation  InsightType = "behavioral_correlation"
	InsightPerformanceCorrelation InsightType = "performance_correlation"
	InsightAggregatePattern       InsightType = "aggregate_pattern"
)

// Insight is knowledge derived from several ledger records at once.
type Insight struct {
	ID   string      `json:"id"`
	Type InsightType `json:"type"`
	// Subject identifies what the insight is about, e.g. a category or component.
	Subject         string    `json:"subject"`
	Description     string    `json:"description"`
	Confidence      float64   `json:"confidence"`
	RelatedMistakes []string  `json:"related_mistakes,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// InsightKey identifies insights that describe the same finding.
func (i *Insight) InsightKey() string {
	return string(i.Type) + "|" + i.Subject
}
