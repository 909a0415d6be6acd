package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func constBuilder(value string) Builder {
	return func(bc BuildContext) (Runnable, error) {
		return RunnableFunc(func(ctx context.Context, input map[string]any) (any, error) {
			return value + ":" + bc.TenantID, nil
		}), nil
	}
}

func TestRegistry_RegisterResolveRun(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("research", "keyword_researcher", constBuilder("kw")))

	builder, err := reg.Resolve("research", "keyword_researcher")
	require.NoError(t, err)

	runnable, err := builder(BuildContext{TenantID: "tenant-a"})
	require.NoError(t, err)
	out, err := runnable.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "kw:tenant-a", out)
}

func TestRegistry_ResolveUnknown(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("research", "a", constBuilder("a")))

	_, err := reg.Resolve("research", "b")
	assert.ErrorIs(t, err, ErrUnknownAgent)
	assert.EqualError(t, err, "unknown agent research/b")

	_, err = reg.Resolve("other", "a")
	assert.ErrorIs(t, err, ErrUnknownAgent)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	reg := New()
	assert.Error(t, reg.Register("", "a", constBuilder("a")))
	assert.Error(t, reg.Register("p", " ", constBuilder("a")))
	assert.Error(t, reg.Register("p", "a", nil))

	require.NoError(t, reg.Register("p", "a", constBuilder("a")))
	assert.Error(t, reg.Register("p", "a", constBuilder("again")))
}

func TestRegistry_ListSorted(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("research", "page_digest", constBuilder("x")))
	require.NoError(t, reg.Register("research", "keyword_researcher", constBuilder("x")))
	require.NoError(t, reg.Register("ops", "triage", constBuilder("x")))

	assert.Equal(t, map[string][]string{
		"ops":      {"triage"},
		"research": {"keyword_researcher", "page_digest"},
	}, reg.List())
	assert.Equal(t, []string{"ops", "research"}, reg.Packs())
}

func TestRegistry_ConcurrentResolve(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("p", "a", constBuilder("a")))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reg.Resolve("p", "a")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}
