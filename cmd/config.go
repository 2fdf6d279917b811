package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"github.com/viewkeeper/viewkeeper/pkg/registry"
)

// relationshipConfig is one declared relationship in config.yaml:
//
//	scopes: [customer, domain]
//	relationships:
//	  - kind: participation
//	    name: domains
//	    owner: customer
//	    participant: domain
//	    type: sorted_set
//	    score: field:created_at
//	  - kind: multi_index
//	    name: plan_index
//	    owner: customer
//	    participant: customer
//	    class_level: true
//	    field: plan
type relationshipConfig struct {
	Kind        string `mapstructure:"kind"`
	Name        string `mapstructure:"name"`
	Owner       string `mapstructure:"owner"`
	Participant string `mapstructure:"participant"`
	ClassLevel  bool   `mapstructure:"class_level"`
	Type        string `mapstructure:"type"`
	Score       string `mapstructure:"score"`
	Field       string `mapstructure:"field"`
	Cascade     string `mapstructure:"cascade"`
	Query       bool   `mapstructure:"query"`
}

// loadRegistry builds the relationship registry from the loaded viper config.
func loadRegistry() (*registry.Registry, error) {
	reg := registry.New()

	for _, scope := range viper.GetStringSlice("scopes") {
		reg.RegisterScope(scope)
	}

	var declared []relationshipConfig
	if err := viper.UnmarshalKey("relationships", &declared); err != nil {
		return nil, fmt.Errorf("parse relationships: %w", err)
	}

	for _, rc := range declared {
		d, err := descriptorFromConfig(rc)
		if err != nil {
			return nil, err
		}
		if _, err := reg.Register(*d); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

func descriptorFromConfig(rc relationshipConfig) (*registry.Descriptor, error) {
	d := &registry.Descriptor{
		Name:                 rc.Name,
		OwnerScope:           rc.Owner,
		ParticipantScope:     rc.Participant,
		ClassLevel:           rc.ClassLevel,
		Field:                rc.Field,
		GenerateQueryMethods: rc.Query,
	}

	switch rc.Kind {
	case "participation":
		d.Kind = registry.KindParticipation
	case "unique_index":
		d.Kind = registry.KindUniqueIndex
	case "multi_index":
		d.Kind = registry.KindMultiIndex
	default:
		return nil, fmt.Errorf("relationship %q: unknown kind %q", rc.Name, rc.Kind)
	}

	switch rc.Type {
	case "", "sorted_set":
		d.CollectionType = registry.SortedSet
	case "set":
		d.CollectionType = registry.Set
	case "list":
		d.CollectionType = registry.List
	default:
		return nil, fmt.Errorf("relationship %q: unknown collection type %q", rc.Name, rc.Type)
	}

	switch rc.Cascade {
	case "", "remove":
		d.Cascade = registry.CascadeRemove
	case "cascade":
		d.Cascade = registry.CascadeNotify
	case "ignore":
		d.Cascade = registry.CascadeIgnore
	default:
		return nil, fmt.Errorf("relationship %q: unknown cascade strategy %q", rc.Name, rc.Cascade)
	}

	strategy, err := scoreStrategyFromConfig(rc)
	if err != nil {
		return nil, err
	}
	d.Score = strategy

	return d, nil
}

// scoreStrategyFromConfig parses "field:NAME", "constant:N" or
// "current_time". Computed strategies are code-level only.
func scoreStrategyFromConfig(rc relationshipConfig) (registry.ScoreStrategy, error) {
	switch {
	case rc.Score == "" || rc.Score == "current_time":
		return registry.CurrentTimeScore{}, nil
	case strings.HasPrefix(rc.Score, "field:"):
		return registry.FieldScore{Field: strings.TrimPrefix(rc.Score, "field:")}, nil
	case strings.HasPrefix(rc.Score, "constant:"):
		value, err := strconv.ParseFloat(strings.TrimPrefix(rc.Score, "constant:"), 64)
		if err != nil {
			return nil, fmt.Errorf("relationship %q: bad constant score %q", rc.Name, rc.Score)
		}
		return registry.ConstantScore{Value: value}, nil
	default:
		return nil, fmt.Errorf("relationship %q: unknown score strategy %q", rc.Name, rc.Score)
	}
}
