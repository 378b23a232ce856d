package commission

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/marketplace/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_RulesRoundTrip(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	ctx := context.Background()
	store := NewPostgresStore(db)

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 3, 0)
	require.NoError(t, store.SaveRule(ctx, Rule{StoreID: "store_a", Rate: dec("0.08"), EffectiveFrom: from}))
	require.NoError(t, store.SaveRule(ctx, Rule{StoreID: "store_a", Currency: "EUR", Rate: dec("0.05"), EffectiveFrom: from, EffectiveTo: &to}))
	assert.ErrorIs(t, store.SaveRule(ctx, Rule{StoreID: "store_a", Rate: dec("2")}), ErrInvalidRate)

	rules, err := store.RulesForStore(ctx, "store_a")
	require.NoError(t, err)
	require.Len(t, rules, 2)

	calc, err := NewCalculator(store, dec("0.10"))
	require.NoError(t, err)
	res, err := calc.Calculate(ctx, "store_a", dec("100"), "EUR", from.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.True(t, res.Rate.Equal(dec("0.05")))

	res, err = calc.Calculate(ctx, "store_a", dec("100"), "EUR", to)
	require.NoError(t, err)
	assert.True(t, res.Rate.Equal(dec("0.08")))

	none, err := store.RulesForStore(ctx, "store_b")
	require.NoError(t, err)
	assert.Empty(t, none)
}
