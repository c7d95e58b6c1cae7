package settlement

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConverterPinnedFallback(t *testing.T) {
	converter := NewConverter("", 0.0016, time.Second)

	assert.Equal(t, 0.0016, converter.Rate(context.Background()))
}

func TestConverterFetchAndCache(t *testing.T) {
	var hits int32
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		json.NewEncoder(w).Encode(map[string]float64{"rate": 0.0020})
	}))
	defer source.Close()

	converter := NewConverter(source.URL, 0.0016, time.Second)
	ctx := context.Background()

	require.Equal(t, 0.0020, converter.Rate(ctx))
	require.Equal(t, 0.0020, converter.Rate(ctx))

	// Second call served from cache
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestConverterFallbackOnUnreachableSource(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	source.Close()

	converter := NewConverter(source.URL, 0.0016, time.Second)

	assert.Equal(t, 0.0016, converter.Rate(context.Background()))
}

func TestConverterFallbackOnBadRate(t *testing.T) {
	source := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]float64{"rate": 0})
	}))
	defer source.Close()

	converter := NewConverter(source.URL, 0.0016, time.Second)

	assert.Equal(t, 0.0016, converter.Rate(context.Background()))
}

func TestToSmallestUnit(t *testing.T) {
	converter := NewConverter("", 0.0016, time.Second)
	ctx := context.Background()

	// 1000 in the currency of record at 0.0016 -> 1.6 asset units
	assert.Equal(t, int64(160000000), converter.ToSmallestUnit(ctx, 1000))
	assert.Equal(t, int64(0), converter.ToSmallestUnit(ctx, 0))

	// Identity rate passes amounts through unchanged
	identity := NewConverter("", 1e-8, time.Second)
	assert.Equal(t, int64(5000), identity.ToSmallestUnit(ctx, 5000))
}
