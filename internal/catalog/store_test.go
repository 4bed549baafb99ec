package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"dealbot/pkg/logx"
)

// The suite runs against every backend; both must agree on semantics.
func withStores(t *testing.T, fn func(t *testing.T, store Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		fn(t, NewMemory())
	})
	t.Run("sqlite", func(t *testing.T) {
		t.Parallel()
		store, err := Open(Config{
			Driver:      "sqlite",
			Path:        filepath.Join(t.TempDir(), "catalog.db"),
			BusyTimeout: time.Second,
		}, logx.Nop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		fn(t, store)
	})
}

func testProduct(id string) Product {
	return Product{
		ID:            id,
		Title:         "USB-C Hub",
		RetailerID:    "amazon",
		URL:           "https://example.com/" + id,
		Currency:      "USD",
		Price:         decimal.RequireFromString("49.99"),
		PrevPrice:     decimal.RequireFromString("59.99"),
		LastChecked:   time.Now().Add(-time.Hour).Truncate(time.Millisecond),
		CheckInterval: 30 * time.Minute,
		Threshold:     0.1,
		Active:        true,
	}
}

func TestStoreProductRoundTrip(t *testing.T) {
	t.Parallel()
	withStores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		want := testProduct("p1")
		require.NoError(t, store.PutProduct(ctx, want))

		got, err := store.GetProduct(ctx, "p1")
		require.NoError(t, err)
		require.Equal(t, want.Title, got.Title)
		require.Equal(t, want.URL, got.URL)
		require.True(t, want.Price.Equal(got.Price))
		require.True(t, want.PrevPrice.Equal(got.PrevPrice))
		require.Equal(t, want.LastChecked.UnixMilli(), got.LastChecked.UnixMilli())
		require.Equal(t, want.CheckInterval, got.CheckInterval)
		require.InDelta(t, want.Threshold, got.Threshold, 1e-9)
		require.True(t, got.Active)

		_, err = store.GetProduct(ctx, "missing")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreUpdateProductPriceShiftsHistory(t *testing.T) {
	t.Parallel()
	withStores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		require.NoError(t, store.PutProduct(ctx, testProduct("p1")))

		at := time.Now().Truncate(time.Millisecond)
		newPrice := decimal.RequireFromString("39.99")
		require.NoError(t, store.UpdateProductPrice(ctx, "p1", newPrice, at))

		got, err := store.GetProduct(ctx, "p1")
		require.NoError(t, err)
		require.True(t, got.Price.Equal(newPrice))
		require.True(t, got.PrevPrice.Equal(decimal.RequireFromString("49.99")),
			"prev must hold the price before the update, not the seeded prev")
		require.Equal(t, at.UnixMilli(), got.LastChecked.UnixMilli())

		require.ErrorIs(t, store.UpdateProductPrice(ctx, "missing", newPrice, at), ErrNotFound)
	})
}

func TestStoreListProductsFiltersAndPages(t *testing.T) {
	t.Parallel()
	withStores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, store.PutProduct(ctx, testProduct(id)))
		}
		inactive := testProduct("d")
		inactive.Active = false
		require.NoError(t, store.PutProduct(ctx, inactive))

		active, err := store.ListProducts(ctx, ListProductsOptions{ActiveOnly: true})
		require.NoError(t, err)
		require.Len(t, active, 3)

		all, err := store.ListProducts(ctx, ListProductsOptions{})
		require.NoError(t, err)
		require.Len(t, all, 4)

		page, err := store.ListProducts(ctx, ListProductsOptions{Offset: 1, Limit: 2})
		require.NoError(t, err)
		require.Len(t, page, 2)
		require.Equal(t, "b", page[0].ID)
		require.Equal(t, "c", page[1].ID)

		empty, err := store.ListProducts(ctx, ListProductsOptions{Offset: 10, Limit: 2})
		require.NoError(t, err)
		require.Empty(t, empty)
	})
}

func TestStoreFlagProduct(t *testing.T) {
	t.Parallel()
	withStores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		require.NoError(t, store.PutProduct(ctx, testProduct("p1")))
		require.NoError(t, store.FlagProduct(ctx, "p1", "delisted at retailer"))

		got, err := store.GetProduct(ctx, "p1")
		require.NoError(t, err)
		require.Equal(t, "delisted at retailer", got.ReviewReason)
		require.True(t, got.Active, "flagging leaves the product active")

		require.ErrorIs(t, store.FlagProduct(ctx, "missing", "x"), ErrNotFound)
	})
}

func TestStoreDestinationFilters(t *testing.T) {
	t.Parallel()
	withStores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		put := func(d Destination) {
			require.NoError(t, store.PutDestination(ctx, d))
		}
		put(Destination{ChatID: 1, Kind: DestinationUser, Authorized: true, AlertsEnabled: true, DigestEnabled: true})
		put(Destination{ChatID: 2, Kind: DestinationUser, Authorized: true, AlertsEnabled: false, DigestEnabled: true})
		put(Destination{ChatID: 3, Kind: DestinationGroup, Authorized: false, AlertsEnabled: true, DigestEnabled: true})

		auth, err := store.ListDestinations(ctx, DestinationFilter{AuthorizedOnly: true})
		require.NoError(t, err)
		require.Len(t, auth, 2)

		alerts, err := store.ListDestinations(ctx, DestinationFilter{AuthorizedOnly: true, AlertsOnly: true})
		require.NoError(t, err)
		require.Len(t, alerts, 1)
		require.Equal(t, int64(1), alerts[0].ChatID)

		digests, err := store.ListDestinations(ctx, DestinationFilter{AuthorizedOnly: true, DigestOnly: true})
		require.NoError(t, err)
		require.Len(t, digests, 2)
	})
}

func TestStoreSetDestinationAuthorized(t *testing.T) {
	t.Parallel()
	withStores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		require.NoError(t, store.PutDestination(ctx, Destination{
			ChatID: 1, Kind: DestinationUser, Authorized: true, AlertsEnabled: true,
		}))

		require.NoError(t, store.SetDestinationAuthorized(ctx, 1, false))
		got, err := store.GetDestination(ctx, 1)
		require.NoError(t, err)
		require.False(t, got.Authorized)
		require.True(t, got.AlertsEnabled, "subscription preferences survive deauthorization")

		require.ErrorIs(t, store.SetDestinationAuthorized(ctx, 99, false), ErrNotFound)
	})
}

func TestStoreTouchDestinationNeverMovesBackward(t *testing.T) {
	t.Parallel()
	withStores(t, func(t *testing.T, store Store) {
		ctx := context.Background()
		require.NoError(t, store.PutDestination(ctx, Destination{
			ChatID: 1, Kind: DestinationUser, Authorized: true,
		}))

		later := time.Now().Truncate(time.Millisecond)
		require.NoError(t, store.TouchDestination(ctx, 1, later))
		require.NoError(t, store.TouchDestination(ctx, 1, later.Add(-time.Minute)))

		got, err := store.GetDestination(ctx, 1)
		require.NoError(t, err)
		require.Equal(t, later.UnixMilli(), got.LastMessageAt.UnixMilli())

		require.ErrorIs(t, store.TouchDestination(ctx, 99, later), ErrNotFound)
	})
}
