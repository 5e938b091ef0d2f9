// Package enrich attaches descriptive metadata to executed answers: a
// confidence score and a lineage record. Nothing here can fail a request.
package enrich

import (
	"fmt"
	"math"
	"time"
)

// Confidence levels
const (
	LevelHigh   = "high"
	LevelMedium = "medium"
	LevelLow    = "low"
)

// Factor weights. They sum to 1.
const (
	weightIntent       = 0.35
	weightCompleteness = 0.20
	weightSample       = 0.20
	weightRecency      = 0.15
	weightClarity      = 0.10
)

const (
	highThreshold   = 0.8
	mediumThreshold = 0.5

	// adequateSample is the row count at which sample size stops lowering confidence
	adequateSample = 30

	ambiguityPenaltyPerSlot = 0.05
	maxAmbiguityPenalty     = 0.25
)

// Inputs are the signals the score is built from
type Inputs struct {
	// IntentConfidence is the classifier's own estimate in [0, 1]
	IntentConfidence float64
	// ExpectedRows is the generator's estimate, zero when unknown
	ExpectedRows int64
	ReturnedRows int64
	// SampleSize is the number of underlying records behind the answer
	SampleSize int64
	// DataAge is the age of the newest source record, negative when unknown
	DataAge time.Duration
	// AmbiguousSlots counts slots the planner had to default
	AmbiguousSlots int
	// DroppedSlots counts slots the planner discarded
	DroppedSlots int
}

// Confidence is a weighted score with its level and the factor values
type Confidence struct {
	Score           float64            `json:"score"`
	Level           string             `json:"level"`
	Factors         map[string]float64 `json:"factors"`
	Recommendations []string           `json:"recommendations,omitempty"`
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func completeness(in Inputs) float64 {
	if in.ExpectedRows > 0 {
		return clamp(float64(in.ReturnedRows) / float64(in.ExpectedRows))
	}
	if in.ReturnedRows > 0 {
		return 1
	}
	return 0.3
}

func sampleAdequacy(n int64) float64 {
	if n <= 0 {
		return 0
	}
	return clamp(float64(n) / adequateSample)
}

func recency(age time.Duration) float64 {
	switch {
	case age < 0:
		return 0.5
	case age <= 24*time.Hour:
		return 1
	case age <= 7*24*time.Hour:
		return 0.8
	case age <= 30*24*time.Hour:
		return 0.5
	default:
		return 0.2
	}
}

// Level maps a score to high, medium or low
func Level(score float64) string {
	switch {
	case score >= highThreshold:
		return LevelHigh
	case score >= mediumThreshold:
		return LevelMedium
	default:
		return LevelLow
	}
}

// ScoreConfidence combines the inputs into a score in [0, 1]
func ScoreConfidence(in Inputs) Confidence {
	factors := map[string]float64{
		"intent":       clamp(in.IntentConfidence),
		"completeness": completeness(in),
		"sample_size":  sampleAdequacy(in.SampleSize),
		"recency":      recency(in.DataAge),
		"clarity":      clamp(1 - 0.25*float64(in.AmbiguousSlots)),
	}

	score := weightIntent*factors["intent"] +
		weightCompleteness*factors["completeness"] +
		weightSample*factors["sample_size"] +
		weightRecency*factors["recency"] +
		weightClarity*factors["clarity"]

	penalty := math.Min(maxAmbiguityPenalty, ambiguityPenaltyPerSlot*float64(in.AmbiguousSlots+in.DroppedSlots))
	score = round(clamp(score - penalty))

	for k, v := range factors {
		factors[k] = round(v)
	}

	return Confidence{
		Score:           score,
		Level:           Level(score),
		Factors:         factors,
		Recommendations: recommend(in, factors),
	}
}

func recommend(in Inputs, factors map[string]float64) []string {
	var recs []string
	if factors["intent"] < 0.6 {
		recs = append(recs, "Rephrase the question to name a specific metric")
	}
	if factors["completeness"] < 0.5 {
		recs = append(recs, "Results may be incomplete; try a wider time range or fewer filters")
	}
	if factors["sample_size"] < 1 {
		recs = append(recs, fmt.Sprintf("Small sample: fewer than %d records support this answer", adequateSample))
	}
	if factors["recency"] < 0.5 {
		recs = append(recs, "Source data may be stale; check when it was last loaded")
	}
	if in.AmbiguousSlots > 0 {
		recs = append(recs, "Some parts of the question were filled with defaults; be explicit about time range and grouping")
	}
	if in.DroppedSlots > 0 {
		recs = append(recs, "Some requested filters or groupings could not be applied")
	}
	return recs
}
