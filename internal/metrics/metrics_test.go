package metrics

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/attic/internal/diff"
	"github.com/mesh-intelligence/attic/internal/permission"
	"github.com/mesh-intelligence/attic/pkg/types"
)

func TestObserve(t *testing.T) {
	r := New()
	ctx := context.Background()
	r.Observe(ctx, "save", true, 2*time.Millisecond)
	r.Observe(ctx, "save", true, time.Millisecond)
	r.Observe(ctx, "save", false, time.Millisecond)
	r.Observe(ctx, "", true, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(r.operations.WithLabelValues("save", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.operations.WithLabelValues("save", "error")))
	assert.Equal(t, 1, testutil.CollectAndCount(r.durations))
}

func TestObserveError(t *testing.T) {
	r := New()
	ctx := context.Background()
	tests := []struct {
		err    error
		result string
	}{
		{nil, "success"},
		{types.NotFound("load", "x"), string(types.KindObjectNotFound)},
		{types.E(types.KindPermissionDenied, "load", ""), string(types.KindPermissionDenied)},
		{os.ErrClosed, "error"},
	}
	for _, tt := range tests {
		r.ObserveError(ctx, "load", tt.err, time.Millisecond)
		assert.Equal(t, 1.0, testutil.ToFloat64(r.operations.WithLabelValues("load", tt.result)), tt.result)
	}
}

func TestObserveMutationsAndCache(t *testing.T) {
	r := New()
	v := types.Value{ValueID: "v", Kind: types.KindText, Scalar: "x", Index: -1}
	r.ObserveMutations(&diff.MutationSet{Mutations: []diff.Mutation{
		{Kind: diff.KindScalar, New: &v},
		{Kind: diff.KindScalar, Old: &v},
		{Kind: diff.KindElement, New: &v},
	}})
	r.ObserveMutations(nil)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.mutations.WithLabelValues("scalar")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.mutations.WithLabelValues("element")))

	r.ObserveCache(permission.CacheMiss)
	r.ObserveCache(permission.CacheHit)
	r.ObserveCache(permission.CacheHit)
	assert.Equal(t, 2.0, testutil.ToFloat64(r.cache.WithLabelValues("hit")))
}

func TestCountersAndTextfile(t *testing.T) {
	r := New()
	r.Observe(context.Background(), "delete", true, time.Millisecond)
	r.ObserveCache(permission.CacheStale)

	samples, err := r.Counters()
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, Sample{Name: "attic_operation_duration_seconds", Labels: "op=delete", Value: 1}, samples[0])
	assert.Equal(t, Sample{Name: "attic_operations_total", Labels: "op=delete,result=success", Value: 1}, samples[1])
	assert.Equal(t, Sample{Name: "attic_permission_cache_total", Labels: "result=stale", Value: 1}, samples[2])

	path := filepath.Join(t.TempDir(), "attic.prom")
	require.NoError(t, r.WriteTextfile(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), `attic_operations_total{op="delete",result="success"} 1`)
}
