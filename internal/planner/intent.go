package planner

// Intent is the structured output of the intent classifier
type Intent struct {
	Intent     string  `json:"intent"`     // "metric_query", "breakdown", "trend", "comparison"
	MetricID   string  `json:"metric_id"`  // catalog metric id
	Confidence float64 `json:"confidence"` // 0..1, classifier's own estimate
	Slots      Slots   `json:"slots"`
}

// Slots are the parameters extracted from the question
type Slots struct {
	TimeRange   *TimeRangeSlot `json:"time_range,omitempty"`
	Granularity string         `json:"granularity,omitempty"`
	GroupBy     []string       `json:"group_by,omitempty"`
	Filters     []FilterSlot   `json:"filters,omitempty"`
	OrderBy     []OrderSlot    `json:"order_by,omitempty"`
	Limit       int            `json:"limit,omitempty"`
}

// TimeRangeSlot is either a named preset or explicit ISO dates
type TimeRangeSlot struct {
	Preset string `json:"preset,omitempty"`
	Start  string `json:"start,omitempty"`
	End    string `json:"end,omitempty"`
}

// FilterSlot restricts a catalog dimension
type FilterSlot struct {
	Dimension string      `json:"dimension"`
	Operator  string      `json:"operator"`
	Value     interface{} `json:"value"`
}

// OrderSlot sorts by a metric or dimension id
type OrderSlot struct {
	Field     string `json:"field"`
	Direction string `json:"direction,omitempty"`
}
