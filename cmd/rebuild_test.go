package cmd

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/viewkeeper/viewkeeper/pkg/registry"
)

func TestSelectIndexesSkipsInstanceScoped(t *testing.T) {
	reg := registry.New()
	reg.RegisterScope("customer")
	reg.RegisterScope("domain")

	_, err := reg.Register(registry.Descriptor{
		Kind:             registry.KindUniqueIndex,
		Name:             "email_index",
		OwnerScope:       "customer",
		ParticipantScope: "customer",
		ClassLevel:       true,
		Field:            "email",
	})
	require.NoError(t, err)
	_, err = reg.Register(registry.Descriptor{
		Kind:             registry.KindMultiIndex,
		Name:             "tld_index",
		OwnerScope:       "customer",
		ParticipantScope: "domain",
		Field:            "tld",
	})
	require.NoError(t, err)

	// Default selection only covers class-level indexes; instance-scoped
	// ones have no owner to rebuild for here.
	all, err := selectIndexes(reg, nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, "email_index", all[0].Name)

	selected, err := selectIndexes(reg, []string{"email_index"})
	require.NoError(t, err)
	require.Len(t, selected, 1)

	_, err = selectIndexes(reg, []string{"tld_index"})
	require.ErrorContains(t, err, "tld_index")
}
