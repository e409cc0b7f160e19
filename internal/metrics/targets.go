package metrics

// Targets are the quality bars the pipeline is held to.
type Targets struct {
	MinNameAccuracy float64 `json:"min_name_accuracy"`
	MaxPortionRMSE  float64 `json:"max_portion_rmse"`
	MaxCaloriesMAE  float64 `json:"max_calories_mae"`
	MaxEditRate     float64 `json:"max_edit_rate"`
}

// DefaultTargets returns the production quality bars.
func DefaultTargets() Targets {
	return Targets{
		MinNameAccuracy: 85,
		MaxPortionRMSE:  40,
		MaxCaloriesMAE:  50,
		MaxEditRate:     35,
	}
}

// TargetResult compares one metric with its target. Gap is how far the
// value is from meeting the target and is zero when met.
type TargetResult struct {
	Metric string  `json:"metric"`
	Value  float64 `json:"value"`
	Target float64 `json:"target"`
	Met    bool    `json:"met"`
	Gap    float64 `json:"gap"`
}

// Evaluation is the result of checking a snapshot against Targets.
type Evaluation struct {
	AllMet  bool           `json:"all_met"`
	Results []TargetResult `json:"results"`
}

// Evaluate compares s against the targets.
func (t Targets) Evaluate(s Snapshot) Evaluation {
	results := []TargetResult{
		atLeast("name_top1_accuracy", s.NameAccuracy, t.MinNameAccuracy),
		atMost("portion_rmse_grams", s.PortionRMSE, t.MaxPortionRMSE),
		atMost("calories_mae", s.CaloriesMAE, t.MaxCaloriesMAE),
		atMost("edit_rate", s.EditRate, t.MaxEditRate),
	}
	e := Evaluation{AllMet: true, Results: results}
	for _, r := range results {
		if !r.Met {
			e.AllMet = false
		}
	}
	return e
}

func atLeast(name string, v, target float64) TargetResult {
	r := TargetResult{Metric: name, Value: v, Target: target, Met: v >= target}
	if !r.Met {
		r.Gap = target - v
	}
	return r
}

func atMost(name string, v, target float64) TargetResult {
	r := TargetResult{Metric: name, Value: v, Target: target, Met: v <= target}
	if !r.Met {
		r.Gap = v - target
	}
	return r
}
