package registry_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgl-project/router/pkg/engine"
	"github.com/sgl-project/router/pkg/registry"
)

func TestRegistry_HealthMonotonicity(t *testing.T) {
	r := registry.New()
	assert.False(t, r.Health())

	r.Upsert(engine.Engine{ID: "e1", URL: "http://u0"})
	assert.True(t, r.Health())

	r.Remove("e1")
	assert.True(t, r.Health(), "health must remain true once progress has been observed")
}

func TestRegistry_ListIsSnapshot(t *testing.T) {
	r := registry.New()
	r.Upsert(engine.Engine{ID: "e1", URL: "http://u0", ModelNames: []string{"m"}})

	snap := r.List()
	require.Len(t, snap, 1)

	snap[0].ModelNames[0] = "mutated"

	fresh := r.List()
	require.Equal(t, "m", fresh[0].ModelNames[0])
}

func TestRegistry_UpsertReplacesByID(t *testing.T) {
	r := registry.New()
	r.Upsert(engine.Engine{ID: "e1", URL: "http://u0"})
	r.Upsert(engine.Engine{ID: "e1", URL: "http://u1"})

	require.Equal(t, 1, r.Len())
	got, ok := r.Get("e1")
	require.True(t, ok)
	assert.Equal(t, "http://u1", got.URL)
}

func TestRegistry_RemoveAbsentIsNoop(t *testing.T) {
	r := registry.New()
	r.Remove("missing")
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Health())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := registry.New()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Upsert(engine.Engine{ID: "e", URL: "http://u"})
			_ = r.List()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, r.Len())
}

func TestRegistry_SubscribeReceivesEvents(t *testing.T) {
	r := registry.New()
	ch := r.Subscribe(4)

	r.Upsert(engine.Engine{ID: "e1", URL: "http://u0"})
	r.Remove("e1")

	ev1 := <-ch
	assert.Equal(t, registry.EventUpsert, ev1.Kind)
	ev2 := <-ch
	assert.Equal(t, registry.EventRemove, ev2.Kind)
}
