// Package storetest is a behavior suite every store backend must pass.
package storetest

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/edgeflare/platewatch/pkg/plate"
	"github.com/edgeflare/platewatch/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises a backend. newStore must return an initialized, empty store
// and arrange its cleanup.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	ctx := context.Background()

	t.Run("InitIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Init(ctx))
		require.NoError(t, s.Init(ctx))
	})

	t.Run("EmptyStore", func(t *testing.T) {
		s := newStore(t)
		events, err := s.ListRecent(ctx, store.DefaultLimit)
		require.NoError(t, err)
		assert.NotNil(t, events)
		assert.Empty(t, events)

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("AppendAssignsIncreasingIDs", func(t *testing.T) {
		s := newStore(t)
		first, err := s.Append(ctx, "A000AA78", "2024-01-01T00:00:00")
		require.NoError(t, err)
		assert.Equal(t, "A000AA78", first.Plate)
		assert.Equal(t, "2024-01-01T00:00:00", first.Timestamp)

		// identical content is a second sighting, not a duplicate
		second, err := s.Append(ctx, "A000AA78", "2024-01-01T00:00:00")
		require.NoError(t, err)
		assert.Greater(t, second.ID, first.ID)

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, 2, n)
	})

	t.Run("AppendRejectsEmptyFields", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, "", "2024-01-01T00:00:00")
		assert.ErrorIs(t, err, plate.ErrInvalidArgument)
		_, err = s.Append(ctx, "A000AA78", "")
		assert.ErrorIs(t, err, plate.ErrInvalidArgument)

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("ListRecentOrdersByTimestampDesc", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, "B123BB99", "2024-01-02T00:00:00")
		require.NoError(t, err)
		_, err = s.Append(ctx, "C456CC12", "2024-01-01T00:00:00")
		require.NoError(t, err)
		_, err = s.Append(ctx, "D789DD34", "2024-01-03T00:00:00")
		require.NoError(t, err)

		events, err := s.ListRecent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, "2024-01-03T00:00:00", events[0].Timestamp)
		assert.Equal(t, "2024-01-02T00:00:00", events[1].Timestamp)
		assert.Equal(t, "2024-01-01T00:00:00", events[2].Timestamp)
	})

	t.Run("TiesBrokenByMostRecentInsert", func(t *testing.T) {
		s := newStore(t)
		a, err := s.Append(ctx, "A000AA78", "2024-01-01T00:00:00")
		require.NoError(t, err)
		b, err := s.Append(ctx, "E101EE56", "2024-01-01T00:00:00")
		require.NoError(t, err)

		events, err := s.ListRecent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, b.ID, events[0].ID)
		assert.Equal(t, a.ID, events[1].ID)
	})

	t.Run("OrderIsLexicographic", func(t *testing.T) {
		s := newStore(t)
		// "9" sorts after "10" as a string even though 10 > 9 as a number
		_, err := s.Append(ctx, "A000AA78", "10")
		require.NoError(t, err)
		_, err = s.Append(ctx, "B123BB99", "9")
		require.NoError(t, err)

		events, err := s.ListRecent(ctx, 10)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "9", events[0].Timestamp)
	})

	t.Run("OrderIsByteWise", func(t *testing.T) {
		s := newStore(t)
		// 'a' (0x61) is above 'B' (0x42) byte-wise, below it in linguistic collations
		_, err := s.Append(ctx, "A000AA78", "B")
		require.NoError(t, err)
		_, err = s.Append(ctx, "B123BB99", "a")
		require.NoError(t, err)
		_, err = s.Append(ctx, "C456CC12", "2024-01-01 00:00:00")
		require.NoError(t, err)
		_, err = s.Append(ctx, "D789DD34", "2024-01-01T00:00:00")
		require.NoError(t, err)

		events, err := s.ListRecent(ctx, 10)
		require.NoError(t, err)
		got := make([]string, 0, len(events))
		for _, e := range events {
			got = append(got, e.Timestamp)
		}
		assert.Equal(t, []string{"a", "B", "2024-01-01T00:00:00", "2024-01-01 00:00:00"}, got)
	})

	t.Run("AppendAcceptsLongValues", func(t *testing.T) {
		s := newStore(t)
		longPlate := strings.Repeat("P", 64)
		longTimestamp := "2024-01-01T00:00:00.123456789+05:30 " + strings.Repeat("x", 64)

		e, err := s.Append(ctx, longPlate, longTimestamp)
		require.NoError(t, err)

		events, err := s.ListRecent(ctx, 1)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, e, events[0])
		assert.Equal(t, longPlate, events[0].Plate)
		assert.Equal(t, longTimestamp, events[0].Timestamp)
	})

	t.Run("ListRecentHugeLimit", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(ctx, "A000AA78", "2024-01-01T00:00:00")
		require.NoError(t, err)

		events, err := s.ListRecent(ctx, math.MaxInt)
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})

	t.Run("ListRecentLimit", func(t *testing.T) {
		s := newStore(t)
		for i := range 15 {
			_, err := s.Append(ctx, fmt.Sprintf("P%03d", i), fmt.Sprintf("2024-01-01T00:00:%02d", i))
			require.NoError(t, err)
		}

		events, err := s.ListRecent(ctx, store.DefaultLimit)
		require.NoError(t, err)
		assert.Len(t, events, store.DefaultLimit)
		assert.Equal(t, "P014", events[0].Plate)

		events, err = s.ListRecent(ctx, 1)
		require.NoError(t, err)
		assert.Len(t, events, 1)

		events, err = s.ListRecent(ctx, 100)
		require.NoError(t, err)
		assert.Len(t, events, 15)
	})

	t.Run("ListRecentRejectsNonPositiveLimit", func(t *testing.T) {
		s := newStore(t)
		for _, limit := range []int{0, -1} {
			_, err := s.ListRecent(ctx, limit)
			assert.ErrorIs(t, err, plate.ErrInvalidArgument, "limit %d", limit)
		}
	})

	t.Run("ConcurrentAppends", func(t *testing.T) {
		s := newStore(t)
		const writers, perWriter = 4, 10

		var wg sync.WaitGroup
		errs := make(chan error, writers*perWriter)
		for w := range writers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range perWriter {
					if _, err := s.Append(ctx, fmt.Sprintf("W%dP%d", w, i), "2024-01-01T00:00:00"); err != nil {
						errs <- err
					}
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("append: %v", err)
		}

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.EqualValues(t, writers*perWriter, n)

		events, err := s.ListRecent(ctx, writers*perWriter)
		require.NoError(t, err)
		seen := make(map[int64]bool, len(events))
		for _, e := range events {
			assert.False(t, seen[e.ID], "duplicate id %d", e.ID)
			seen[e.ID] = true
		}
	})
}
