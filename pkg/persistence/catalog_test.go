package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/viewkeeper/viewkeeper/pkg/id"
)

func TestCatalog(t *testing.T) {
	ctx := context.Background()
	catalog := NewCatalog()

	_, err := catalog.Load(ctx, "customer", "missing")
	require.ErrorIs(t, err, ErrNotFound)

	rec, err := catalog.Put("customer", map[string]string{"email": "a@example.com"})
	require.NoError(t, err)
	require.True(t, id.IsValid(rec.Identifier()))

	catalog.PutWithID("customer", "cust_1", map[string]string{"email": "b@example.com"})

	loaded, err := catalog.Load(ctx, "customer", "cust_1")
	require.NoError(t, err)
	email, ok := loaded.Field("email")
	require.True(t, ok)
	require.Equal(t, "b@example.com", email)

	_, ok = loaded.Field("plan")
	require.False(t, ok)

	ids, err := catalog.AllIDs(ctx, "customer")
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.Contains(t, ids, "cust_1")

	catalog.Delete("customer", "cust_1")
	ids, err = catalog.AllIDs(ctx, "customer")
	require.NoError(t, err)
	require.NotContains(t, ids, "cust_1")

	ids, err = catalog.AllIDs(ctx, "domain")
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestRecordCopiesFields(t *testing.T) {
	fields := map[string]string{"email": "a@example.com"}
	rec := NewRecord("u1", fields)

	fields["email"] = "changed"

	email, _ := rec.Field("email")
	require.Equal(t, "a@example.com", email)

	rec.SetField("email", "c@example.com")
	email, _ = rec.Field("email")
	require.Equal(t, "c@example.com", email)
}
