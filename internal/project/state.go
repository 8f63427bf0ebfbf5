package project

import (
	"sort"

	"active-tagger/internal/bertmodel"
	"active-tagger/internal/features"
	"active-tagger/internal/models"
	"active-tagger/internal/schemes"
	"active-tagger/internal/simplemodel"
)

// SimpleKind describes a simple model kind and its default parameters
type SimpleKind struct {
	Name     string             `json:"name"`
	Defaults map[string]float64 `json:"defaults"`
}

// State is the snapshot clients poll for. It is computed after
// reconciliation, so it reflects every job finished before the request.
type State struct {
	Name     string                               `json:"name"`
	Elements int                                  `json:"elements"`
	Train    int                                  `json:"train"`
	Test     int                                  `json:"test"`
	Context  []string                             `json:"context_columns"`
	Schemes  []schemes.Scheme                     `json:"schemes"`
	Features StateFeatures                        `json:"features"`
	Simple   StateSimple                          `json:"simplemodel"`
	Bert     StateBert                            `json:"bertmodels"`
	Modes    StateModes                           `json:"modes"`
	Projects map[string]features.ProjectionStatus `json:"projections"`
}

type StateFeatures struct {
	features.Status
	Requestable []string `json:"requestable"`
}

type StateSimple struct {
	Available []simplemodel.Info `json:"available"`
	Training  []simplemodel.Info `json:"training"`
	Failed    map[string]string  `json:"failed,omitempty"`
	Kinds     []SimpleKind       `json:"kinds"`
}

type StateBert struct {
	Models        []*bertmodel.Model `json:"models"`
	BaseModels    []string           `json:"base_models"`
	DefaultParams bertmodel.Params   `json:"default_params"`
}

type StateModes struct {
	Selection   []models.SelectionMode `json:"selection"`
	Sample      []models.SampleMode    `json:"sample"`
	Projections []string               `json:"projections"`
}

// State describes the project as seen by user
func (p *Project) State(user string) State {
	st := State{
		Name:     p.Name,
		Elements: p.corpus.Len(),
		Test:     len(p.corpus.Partition(true)),
		Context:  p.corpus.ContextColumns(),
		Schemes:  p.schemes.Schemes(),
		Features: StateFeatures{
			Status:      p.features.Status(),
			Requestable: p.FeatureKinds(),
		},
		Simple: StateSimple{
			Available: p.simple.Available(),
			Training:  p.simple.Training(),
			Failed:    p.simple.Failed(),
		},
		Bert: StateBert{
			Models:        p.bert.Models(""),
			BaseModels:    p.opts.BertBaseModels,
			DefaultParams: p.opts.BertDefaults,
		},
		Projects: p.features.Projections(),
	}
	st.Train = st.Elements - st.Test

	names := make([]string, 0, len(simplemodel.Kinds))
	for name := range simplemodel.Kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st.Simple.Kinds = append(st.Simple.Kinds, SimpleKind{Name: name, Defaults: simplemodel.Kinds[name].Defaults})
	}

	st.Modes = StateModes{
		Sample:      models.SampleModes,
		Projections: features.ProjectionMethods(),
	}
	// maxprob only once user has a trained model
	hasModel := false
	for _, info := range st.Simple.Available {
		if info.Key.User == user {
			hasModel = true
			break
		}
	}
	for _, mode := range models.SelectionModes {
		if mode == models.SelectMaxProb && !hasModel {
			continue
		}
		st.Modes.Selection = append(st.Modes.Selection, mode)
	}
	return st
}

// Stats summarises the annotations of scheme for user
func (p *Project) Stats(scheme, user string) (schemes.Stats, error) {
	return p.schemes.Stats(scheme, user)
}
