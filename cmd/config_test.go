package cmd

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/viewkeeper/viewkeeper/pkg/registry"
)

func TestLoadRegistryFromConfig(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("scopes", []string{"customer", "domain"})
	viper.Set("relationships", []map[string]any{
		{
			"kind":        "participation",
			"name":        "domains",
			"owner":       "customer",
			"participant": "domain",
			"type":        "sorted_set",
			"score":       "field:created_at",
			"cascade":     "cascade",
		},
		{
			"kind":        "multi_index",
			"name":        "plan_index",
			"owner":       "customer",
			"participant": "customer",
			"class_level": true,
			"field":       "plan",
		},
	})

	reg, err := loadRegistry()
	require.NoError(t, err)

	d, ok := reg.FindCollection("customer", "domains")
	require.True(t, ok)
	require.Equal(t, registry.SortedSet, d.CollectionType)
	require.Equal(t, registry.CascadeNotify, d.Cascade)
	require.Equal(t, registry.FieldScore{Field: "created_at"}, d.Score)

	idx, ok := reg.FindIndex("customer", "plan_index")
	require.True(t, ok)
	require.Equal(t, registry.Multi, idx.Cardinality)
	require.True(t, idx.ClassLevel)
}

func TestLoadRegistryRejectsBadConfig(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	viper.Set("scopes", []string{"customer"})
	viper.Set("relationships", []map[string]any{
		{
			"kind":        "participation",
			"name":        "domains",
			"owner":       "customer",
			"participant": "domain",
		},
	})

	_, err := loadRegistry()
	require.ErrorIs(t, err, registry.ErrUnresolvedTarget)
}

func TestDescriptorFromConfigValidation(t *testing.T) {
	_, err := descriptorFromConfig(relationshipConfig{Kind: "mystery", Name: "x"})
	require.Error(t, err)

	_, err = descriptorFromConfig(relationshipConfig{Kind: "participation", Name: "x", Type: "bag"})
	require.Error(t, err)

	_, err = descriptorFromConfig(relationshipConfig{Kind: "participation", Name: "x", Cascade: "maybe"})
	require.Error(t, err)

	_, err = descriptorFromConfig(relationshipConfig{Kind: "participation", Name: "x", Score: "random"})
	require.Error(t, err)

	d, err := descriptorFromConfig(relationshipConfig{Kind: "participation", Name: "x", Score: "constant:2.5"})
	require.NoError(t, err)
	require.Equal(t, registry.ConstantScore{Value: 2.5}, d.Score)
}
