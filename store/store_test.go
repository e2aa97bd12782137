package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	nanos atomic.Int64
}

func newFakeClock(t time.Time) *fakeClock {
	c := &fakeClock{}
	c.nanos.Store(t.UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time { return time.Unix(0, c.nanos.Load()) }

func (c *fakeClock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMemoryStore_SaveAndLoad(t *testing.T) {
	s := NewMemoryStore(Config{})
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "tok", []byte("record"), time.Now().Add(time.Hour)))

	data, err := s.Load(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, []byte("record"), data)

	// Loads are repeatable
	data, err = s.Load(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, []byte("record"), data)
}

func TestMemoryStore_LoadReturnsCopy(t *testing.T) {
	s := NewMemoryStore(Config{})
	defer s.Close()
	ctx := context.Background()

	input := []byte("record")
	require.NoError(t, s.Save(ctx, "tok", input, time.Now().Add(time.Hour)))
	input[0] = 'X'

	data, err := s.Load(ctx, "tok")
	require.NoError(t, err)
	data[1] = 'X'

	again, err := s.Load(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, []byte("record"), again)
}

func TestMemoryStore_WriteOnce(t *testing.T) {
	s := NewMemoryStore(Config{})
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "tok", []byte("first"), time.Now().Add(time.Hour)))
	assert.ErrorIs(t, s.Save(ctx, "tok", []byte("second"), time.Now().Add(time.Hour)), ErrExists)

	data, err := s.Load(ctx, "tok")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), data)
}

func TestMemoryStore_NotFound(t *testing.T) {
	s := NewMemoryStore(Config{})
	defer s.Close()

	_, err := s.Load(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Retention(t *testing.T) {
	clock := newFakeClock(testNow)
	s := NewMemoryStore(Config{Retention: time.Hour, Now: clock.Now})
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "tok", []byte("record"), testNow.Add(time.Minute)))

	// Past expiry but inside retention
	clock.Advance(30 * time.Minute)
	_, err := s.Load(ctx, "tok")
	assert.NoError(t, err)

	clock.Advance(2 * time.Hour)
	_, err = s.Load(ctx, "tok")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_Cleanup(t *testing.T) {
	clock := newFakeClock(testNow)
	s := NewMemoryStore(Config{
		Retention:       time.Minute,
		CleanupInterval: 5 * time.Millisecond,
		Now:             clock.Now,
	})
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "old", []byte("a"), testNow))
	require.NoError(t, s.Save(ctx, "new", []byte("b"), testNow.Add(24*time.Hour)))
	assert.Equal(t, 2, s.Len())

	clock.Advance(time.Hour)
	assert.Eventually(t, func() bool { return s.Len() == 1 }, time.Second, 5*time.Millisecond)

	_, err := s.Load(ctx, "new")
	assert.NoError(t, err)
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore(Config{})
	s.Close()
	s.Close() // idempotent

	ctx := context.Background()
	assert.ErrorIs(t, s.Save(ctx, "tok", []byte("x"), time.Now()), ErrClosed)
	_, err := s.Load(ctx, "tok")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryStore_Concurrent(t *testing.T) {
	s := NewMemoryStore(Config{})
	defer s.Close()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := fmt.Sprintf("tok-%d", i)
			assert.NoError(t, s.Save(ctx, token, []byte(token), time.Now().Add(time.Hour)))
			data, err := s.Load(ctx, token)
			assert.NoError(t, err)
			assert.Equal(t, token, string(data))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, s.Len())
}
