package cache

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// MockCache is a mock implementation of Cache
type MockCache struct {
	mock.Mock
}

func (m *MockCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	args := m.Called(ctx, key)
	body, _ := args.Get(0).([]byte)
	return body, args.Bool(1), args.Error(2)
}

func (m *MockCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return m.Called(ctx, key, value, ttl).Error(0)
}

func (m *MockCache) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func (m *MockCache) DeletePrefix(ctx context.Context, prefix string) error {
	return m.Called(ctx, prefix).Error(0)
}

func (m *MockCache) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockCache) Close() error {
	return m.Called().Error(0)
}

func TestInMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache(time.Minute, time.Hour)
	t.Cleanup(func() { c.Close() })

	_, found, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	value := []byte("page")
	require.NoError(t, c.Set(ctx, "jobs:page=1", value, 0))
	value[0] = 'X'

	got, found, err := c.Get(ctx, "jobs:page=1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []byte("page"), got, "stored value is a copy")

	require.NoError(t, c.Delete(ctx, "jobs:page=1"))
	_, found, _ = c.Get(ctx, "jobs:page=1")
	assert.False(t, found)
	assert.NoError(t, c.Ping(ctx))
}

func TestInMemoryCacheExpiry(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache(time.Minute, time.Hour)
	t.Cleanup(func() { c.Close() })

	require.NoError(t, c.Set(ctx, "short", []byte("x"), 10*time.Millisecond))
	require.NoError(t, c.Set(ctx, "long", []byte("y"), time.Hour))
	time.Sleep(30 * time.Millisecond)

	_, found, _ := c.Get(ctx, "short")
	assert.False(t, found)
	assert.Equal(t, 2, c.Len())

	c.cleanup()
	assert.Equal(t, 1, c.Len())
}

func TestInMemoryCacheDeletePrefix(t *testing.T) {
	ctx := context.Background()
	c := NewInMemoryCache(time.Minute, time.Hour)
	t.Cleanup(func() { c.Close() })

	for _, k := range []string{"jobs:a", "jobs:b", "import_logs:a"} {
		require.NoError(t, c.Set(ctx, k, []byte(k), 0))
	}
	require.NoError(t, c.DeletePrefix(ctx, "jobs:"))

	assert.Equal(t, 1, c.Len())
	_, found, _ := c.Get(ctx, "import_logs:a")
	assert.True(t, found)
}

func TestInMemoryCacheCloseTwice(t *testing.T) {
	c := NewInMemoryCache(time.Minute, time.Millisecond)
	assert.NoError(t, c.Close())
	assert.NotPanics(t, func() { c.Close() })
}

func TestListingKey(t *testing.T) {
	a := url.Values{"page": {"2"}, "company": {"Acme"}}
	b := url.Values{"company": {"Acme"}, "page": {"2"}}

	assert.Equal(t, ListingKey(KindJobs, a), ListingKey(KindJobs, b))
	assert.Equal(t, "jobs:company=Acme&page=2", ListingKey(KindJobs, a))
	assert.NotEqual(t, ListingKey(KindJobs, a), ListingKey(KindImportLogs, a))
	assert.Equal(t, "import_logs:", ListingKey(KindImportLogs, nil))
}

func TestCacheManager(t *testing.T) {
	ctx := context.Background()
	params := url.Values{"page": {"1"}}

	t.Run("hit", func(t *testing.T) {
		m := new(MockCache)
		m.On("Get", ctx, "jobs:page=1").Return([]byte(`{"total":1}`), true, nil)

		cm := NewCacheManager(m, testLogger(), time.Minute)
		body, found := cm.GetListing(ctx, KindJobs, params)
		assert.True(t, found)
		assert.JSONEq(t, `{"total":1}`, string(body))
		m.AssertExpectations(t)
	})

	t.Run("backend error is a miss", func(t *testing.T) {
		m := new(MockCache)
		m.On("Get", ctx, "jobs:page=1").Return(nil, false, errors.New("connection refused"))

		cm := NewCacheManager(m, testLogger(), time.Minute)
		_, found := cm.GetListing(ctx, KindJobs, params)
		assert.False(t, found)
	})

	t.Run("set uses ttl", func(t *testing.T) {
		m := new(MockCache)
		m.On("Set", ctx, "import_logs:page=1", []byte("{}"), 5*time.Second).Return(nil)

		cm := NewCacheManager(m, testLogger(), 5*time.Second)
		require.NoError(t, cm.SetListing(ctx, KindImportLogs, params, []byte("{}")))
		m.AssertExpectations(t)
	})

	t.Run("set error is returned", func(t *testing.T) {
		m := new(MockCache)
		m.On("Set", ctx, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("OOM"))

		cm := NewCacheManager(m, testLogger(), time.Second)
		assert.Error(t, cm.SetListing(ctx, KindJobs, params, []byte("{}")))
	})

	t.Run("zero ttl disables", func(t *testing.T) {
		m := new(MockCache)
		cm := NewCacheManager(m, testLogger(), 0)

		_, found := cm.GetListing(ctx, KindJobs, params)
		assert.False(t, found)
		assert.NoError(t, cm.SetListing(ctx, KindJobs, params, []byte("{}")))
		m.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
		m.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("invalidate kind", func(t *testing.T) {
		m := new(MockCache)
		m.On("DeletePrefix", ctx, "import_logs:").Return(nil)

		cm := NewCacheManager(m, testLogger(), time.Second)
		require.NoError(t, cm.InvalidateKind(ctx, KindImportLogs))
		m.AssertExpectations(t)
	})

	t.Run("nil manager", func(t *testing.T) {
		var cm *CacheManager
		_, found := cm.GetListing(ctx, KindJobs, params)
		assert.False(t, found)
		assert.NoError(t, cm.SetListing(ctx, KindJobs, params, nil))
		assert.NoError(t, cm.InvalidateKind(ctx, KindJobs))
	})
}
