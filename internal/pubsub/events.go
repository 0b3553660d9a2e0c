package pubsub

import "github.com/exparo/exparo/internal/store"

// Event types published by the experiment service.
const (
	TypeExperimentUpdate   = "experiment_update"
	TypeDistributionUpdate = "distribution_update"
)

// ExperimentSummary is the compact experiment shape carried in events
// and API responses.
type ExperimentSummary struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name"`
}

// VariantSummary is the compact variant shape carried in events and API
// responses.
type VariantSummary struct {
	ID      string         `json:"id"`
	Key     string         `json:"key"`
	Payload map[string]any `json:"payload"`
}

// Event is one change notification addressed to a group. Payload is the
// complete message body; subscribers never receive partial events.
type Event struct {
	Type       string
	Group      string
	Experiment ExperimentSummary
	Variant    VariantSummary
}

// SummarizeExperiment builds the event summary for an experiment.
func SummarizeExperiment(e store.Experiment) ExperimentSummary {
	return ExperimentSummary{ID: e.ID.String(), Key: e.Key, Name: e.Name}
}

// SummarizeVariant builds the event summary for a variant.
func SummarizeVariant(v store.Variant) VariantSummary {
	payload := v.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	return VariantSummary{ID: v.ID.String(), Key: v.Key, Payload: payload}
}

// NewExperimentUpdate builds the event published to experiment:{id}
// after a variant mutation on a running experiment commits.
func NewExperimentUpdate(e store.Experiment, v store.Variant) Event {
	return Event{
		Type:       TypeExperimentUpdate,
		Group:      ExperimentGroup(e.ID),
		Experiment: SummarizeExperiment(e),
		Variant:    SummarizeVariant(v),
	}
}

// NewDistributionUpdate builds the event published to user:{id} after a
// distribution is created or reassigned for a running experiment.
func NewDistributionUpdate(userGroup string, e store.Experiment, v store.Variant) Event {
	return Event{
		Type:       TypeDistributionUpdate,
		Group:      userGroup,
		Experiment: SummarizeExperiment(e),
		Variant:    SummarizeVariant(v),
	}
}
