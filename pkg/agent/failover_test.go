package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harun/agentjobs/pkg/retry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	name  string
	err   error
	calls int
	model string
}

func (p *stubProvider) Provider() string { return p.name }

func (p *stubProvider) Call(ctx context.Context, req LLMRequest) (*LLMResponse, error) {
	p.calls++
	p.model = req.Model
	if p.err != nil {
		return nil, p.err
	}
	return &LLMResponse{Content: "from " + p.name}, nil
}

type stubFactory struct {
	providers map[string]*stubProvider
	created   int
}

func (f *stubFactory) NewProvider(profile AuthProfile) (LLMProvider, error) {
	p, ok := f.providers[profile.ID]
	if !ok {
		return nil, errors.New("no such profile")
	}
	f.created++
	return p, nil
}

func newFailover(t *testing.T, factory *stubFactory, profiles ...AuthProfile) *FailoverProvider {
	t.Helper()
	f, err := NewFailoverProvider(FailoverConfig{
		Profiles: profiles,
		Factory:  factory,
		Cooldown: time.Minute,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return f
}

func TestFailoverUsesPriorityOrder(t *testing.T) {
	primary := &stubProvider{name: "primary"}
	backup := &stubProvider{name: "backup"}
	factory := &stubFactory{providers: map[string]*stubProvider{"p": primary, "b": backup}}
	f := newFailover(t, factory,
		AuthProfile{ID: "b", Provider: "openai", Priority: 2},
		AuthProfile{ID: "p", Provider: "anthropic", Priority: 1, Model: "override"},
	)

	resp, err := f.Call(context.Background(), LLMRequest{Model: "requested"})
	require.NoError(t, err)
	assert.Equal(t, "from primary", resp.Content)
	assert.Equal(t, "override", primary.model)
	assert.Zero(t, backup.calls)

	_, err = f.Call(context.Background(), LLMRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, factory.created, "providers are cached per profile")
}

func TestFailoverMovesPastRetryableErrors(t *testing.T) {
	primary := &stubProvider{name: "primary", err: retry.Retryable(errors.New("429"))}
	backup := &stubProvider{name: "backup"}
	factory := &stubFactory{providers: map[string]*stubProvider{"p": primary, "b": backup}}
	f := newFailover(t, factory,
		AuthProfile{ID: "p", Priority: 1},
		AuthProfile{ID: "b", Priority: 2},
	)
	now := time.Unix(1000, 0)
	f.now = func() time.Time { return now }

	resp, err := f.Call(context.Background(), LLMRequest{})
	require.NoError(t, err)
	assert.Equal(t, "from backup", resp.Content)

	// Primary is cooling down, so the next call goes straight to backup.
	_, err = f.Call(context.Background(), LLMRequest{})
	require.NoError(t, err)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 2, backup.calls)

	profiles := f.snapshot()
	assert.Equal(t, 1, profiles[0].FailureCount)
	require.NotNil(t, profiles[0].CooldownUntil)
	assert.Equal(t, now.Add(time.Minute).UnixMilli(), *profiles[0].CooldownUntil)

	// After cooldown the primary is tried again and reset on success.
	now = now.Add(2 * time.Minute)
	primary.err = nil
	resp, err = f.Call(context.Background(), LLMRequest{})
	require.NoError(t, err)
	assert.Equal(t, "from primary", resp.Content)
	assert.Zero(t, f.snapshot()[0].FailureCount)
	assert.Nil(t, f.snapshot()[0].CooldownUntil)
}

func TestFailoverReturnsPermanentErrorsImmediately(t *testing.T) {
	primary := &stubProvider{name: "primary", err: retry.Permanent(errors.New("401 unauthorized"))}
	backup := &stubProvider{name: "backup"}
	factory := &stubFactory{providers: map[string]*stubProvider{"p": primary, "b": backup}}
	f := newFailover(t, factory, AuthProfile{ID: "p", Priority: 1}, AuthProfile{ID: "b", Priority: 2})

	_, err := f.Call(context.Background(), LLMRequest{})
	require.Error(t, err)
	assert.False(t, retry.IsRetryable(err))
	assert.Zero(t, backup.calls)
}

func TestFailoverAllProfilesExhausted(t *testing.T) {
	failing := &stubProvider{name: "only", err: retry.Retryable(errors.New("503"))}
	factory := &stubFactory{providers: map[string]*stubProvider{"o": failing}}
	f := newFailover(t, factory, AuthProfile{ID: "o"})

	_, err := f.Call(context.Background(), LLMRequest{})
	require.Error(t, err)
	assert.True(t, retry.IsRetryable(err))
	assert.Contains(t, err.Error(), "all auth profiles failed")

	_, err = f.Call(context.Background(), LLMRequest{})
	assert.ErrorIs(t, err, ErrNoProfiles)
	assert.True(t, retry.IsRetryable(err))
}

func TestNewFailoverProviderRequiresProfiles(t *testing.T) {
	_, err := NewFailoverProvider(FailoverConfig{})
	assert.Error(t, err)
}

func TestProviderFactory(t *testing.T) {
	factory := &ProviderFactory{}

	_, err := factory.NewProvider(AuthProfile{ID: "x", Provider: "anthropic"})
	assert.Error(t, err, "missing api key")

	_, err = factory.NewProvider(AuthProfile{ID: "x", Provider: "cohere", APIKey: "k"})
	assert.Error(t, err)

	for _, name := range []string{"anthropic", "openai", "gemini"} {
		p, err := factory.NewProvider(AuthProfile{ID: name, Provider: name, APIKey: "k"})
		require.NoError(t, err)
		assert.Equal(t, name, p.Provider())
	}
}
