package pricebook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"metalwatch/internal/quote"
	"metalwatch/internal/storage/storagemock"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func gold(mid string, at time.Time) quote.Quote {
	m := decimal.RequireFromString(mid)
	return quote.Quote{Symbol: quote.Gold, Bid: m, Ask: m, Mid: m, ObservedAt: at}
}

func newBook(t *testing.T) (*Book, *storagemock.MockPriceStore, map[string]int) {
	t.Helper()
	ctrl := gomock.NewController(t)
	store := storagemock.NewMockPriceStore(ctrl)
	decisions := map[string]int{}
	var mu sync.Mutex
	b := New(store, Options{
		Now: func() time.Time { return t0 },
		Observe: func(_ quote.Symbol, d string) {
			mu.Lock()
			decisions[d]++
			mu.Unlock()
		},
	}, zerolog.Nop())
	return b, store, decisions
}

func TestWriteIfChangedThreshold(t *testing.T) {
	b, store, decisions := newBook(t)
	ctx := context.Background()

	store.EXPECT().UpsertQuote(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	written, err := b.WriteIfChanged(ctx, gold("2000.00", t0))
	require.NoError(t, err)
	require.True(t, written, "first observation is always written")

	written, err = b.WriteIfChanged(ctx, gold("2000.005", t0.Add(time.Second)))
	require.NoError(t, err)
	require.False(t, written, "sub-threshold move must not be written")

	written, err = b.WriteIfChanged(ctx, gold("2000.01", t0.Add(2*time.Second)))
	require.NoError(t, err)
	require.False(t, written, "a move equal to the threshold is not a change")

	written, err = b.WriteIfChanged(ctx, gold("2000.02", t0.Add(3*time.Second)))
	require.NoError(t, err)
	require.True(t, written)

	cur, ok := b.Get(quote.Gold)
	require.True(t, ok)
	require.True(t, cur.Mid.Equal(decimal.RequireFromString("2000.02")))
	require.Equal(t, t0, cur.PersistedAt)
	require.Equal(t, 2, decisions[DecisionWritten])
	require.Equal(t, 2, decisions[DecisionUnchanged])
}

func TestWriteIfChangedRejectsOutOfOrder(t *testing.T) {
	b, store, decisions := newBook(t)
	ctx := context.Background()

	store.EXPECT().UpsertQuote(gomock.Any(), gomock.Any()).Return(nil).Times(1)

	// The fetch started at t1 completes after the one started at t2.
	written, err := b.WriteIfChanged(ctx, gold("2010.00", t0.Add(2*time.Second)))
	require.NoError(t, err)
	require.True(t, written)

	written, err = b.WriteIfChanged(ctx, gold("2001.00", t0.Add(time.Second)))
	require.NoError(t, err)
	require.False(t, written)

	cur, _ := b.Get(quote.Gold)
	require.True(t, cur.Mid.Equal(decimal.RequireFromString("2010")))
	require.Equal(t, 1, decisions[DecisionOutOfOrder])
}

func TestWriteIfChangedStoreErrorKeepsSnapshot(t *testing.T) {
	b, store, _ := newBook(t)
	hookCalls := 0
	b.OnWrite(func(context.Context, quote.Quote) { hookCalls++ })

	store.EXPECT().UpsertQuote(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

	written, err := b.WriteIfChanged(context.Background(), gold("1999.99", t0))
	require.Error(t, err)
	require.True(t, written)

	cur, ok := b.Get(quote.Gold)
	require.True(t, ok, "snapshot is not rolled back after a store error")
	require.True(t, cur.Mid.Equal(decimal.RequireFromString("1999.99")))
	require.Zero(t, hookCalls)
}

func TestWriteHooksRunAfterWrite(t *testing.T) {
	b, store, _ := newBook(t)
	var seen []string
	b.OnWrite(func(_ context.Context, q quote.Quote) { seen = append(seen, q.Mid.String()) })

	store.EXPECT().UpsertQuote(gomock.Any(), gomock.Any()).Return(nil).Times(2)

	_, _ = b.WriteIfChanged(context.Background(), gold("10", t0))
	_, _ = b.WriteIfChanged(context.Background(), gold("10", t0.Add(time.Second)))
	_, _ = b.WriteIfChanged(context.Background(), gold("11", t0.Add(2*time.Second)))

	require.Equal(t, []string{"10", "11"}, seen)
}

func TestLoadHydratesSnapshot(t *testing.T) {
	b, store, _ := newBook(t)
	silver := quote.Quote{Symbol: quote.Silver, Mid: decimal.RequireFromString("24"), ObservedAt: t0}
	store.EXPECT().LoadQuotes(gomock.Any()).Return([]quote.Quote{silver, gold("2000", t0)}, nil)

	require.NoError(t, b.Load(context.Background()))
	require.Equal(t, 2, b.Len())

	all := b.All()
	require.Equal(t, quote.Gold, all[0].Symbol)
	require.Equal(t, quote.Silver, all[1].Symbol)
}

func TestConcurrentWritesSameSymbol(t *testing.T) {
	b, store, _ := newBook(t)
	store.EXPECT().UpsertQuote(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q := gold(decimal.NewFromInt(int64(2000+i)).String(), t0.Add(time.Duration(i)*time.Second))
			_, _ = b.WriteIfChanged(context.Background(), q)
		}(i)
	}
	wg.Wait()

	cur, ok := b.Get(quote.Gold)
	require.True(t, ok)
	require.Equal(t, t0.Add(49*time.Second), cur.ObservedAt, "the newest observation must win")
}
