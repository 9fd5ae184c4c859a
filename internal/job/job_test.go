package job

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/RezaEskandarii/tradeflow/internal/policy"
	"github.com/RezaEskandarii/tradeflow/internal/ratelimit"
	"github.com/RezaEskandarii/tradeflow/internal/store/sqlite"
	"github.com/RezaEskandarii/tradeflow/internal/store/sqlstore"
	"github.com/RezaEskandarii/tradeflow/types"
)

type noopJob struct{ Base }

func (noopJob) Compute(context.Context, *Context) (any, error) { return nil, nil }

type ignoringJob struct {
	Base
	resolved int
}

func (*ignoringJob) Compute(context.Context, *Context) (any, error) { return nil, nil }
func (*ignoringJob) IgnoreRequestException(err error) bool {
	apiErr, ok := policy.AsAPIError(err)
	return ok && apiErr.Code == -2011
}
func (j *ignoringJob) ResolveRequestException(context.Context, error) { j.resolved++ }

type fixture struct {
	store    *sqlstore.Store
	policies *policy.Registry
	limiters *ratelimit.Factory
	skew     *policy.SkewCorrector
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	s, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	skew := policy.NewSkewCorrector(100, 0)
	policies := policy.NewRegistry(nil)
	policies.Register(policy.Binance, policy.NewBinancePolicy(skew, nil))

	return fixture{
		store:    s,
		policies: policies,
		limiters: ratelimit.NewFactory(s, "h1", ratelimit.WithConfig(ratelimit.BinanceConfig())),
		skew:     skew,
	}
}

func (f fixture) context(j Job) *Context {
	return NewContext(&types.Entry{ID: 1, Class: "PlaceOrder"}, j, f.store, f.policies, f.limiters, nil)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register("Noop", func(types.Arguments) (Job, error) { return noopJob{}, nil })
	r.Register("Broken", func(types.Arguments) (Job, error) { return nil, errors.New("missing account_id") })

	assert.True(t, r.Exists("Noop"))
	assert.False(t, r.Exists("Missing"))

	j, err := r.New("Noop", nil)
	require.NoError(t, err)
	assert.IsType(t, noopJob{}, j)

	_, err = r.New("Missing", nil)
	assert.ErrorIs(t, err, ErrUnknownClass)

	_, err = r.New("Broken", nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "construct Broken")
}

func TestBase_Defaults(t *testing.T) {
	var j Job = noopJob{}

	a, ok := j.(Authorizer)
	require.True(t, ok)
	allowed, err := a.Authorize(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, allowed)

	ig, ok := j.(RequestErrorIgnorer)
	require.True(t, ok)
	assert.False(t, ig.IgnoreRequestException(assert.AnError))
}

func TestCall_Success(t *testing.T) {
	f := newFixture(t)
	jc := f.context(noopJob{})
	l, err := jc.Limiter(1, policy.Binance)
	require.NoError(t, err)

	resp, err := jc.Call(context.Background(), l, func(context.Context) (*policy.Response, error) {
		return &policy.Response{APISystem: policy.Binance, Status: 200, Body: []byte(`{}`)}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.Status)
}

func TestCall_RateLimitedResponseReschedules(t *testing.T) {
	f := newFixture(t)
	jc := f.context(noopJob{})
	ctx := context.Background()
	l, err := jc.Limiter(1, policy.Binance)
	require.NoError(t, err)

	_, err = jc.Call(ctx, l, func(context.Context) (*policy.Response, error) {
		return &policy.Response{APISystem: policy.Binance, Status: 429}, nil
	})
	assert.ErrorIs(t, err, ErrReschedule)

	limited, err := l.IsPollingLimited(ctx)
	require.NoError(t, err)
	assert.True(t, limited)
}

func TestCall_ForbiddenErrorReschedules(t *testing.T) {
	f := newFixture(t)
	jc := f.context(noopJob{})
	ctx := context.Background()
	l, err := jc.Limiter(1, policy.Binance)
	require.NoError(t, err)

	banned := &policy.APIError{APISystem: policy.Binance, Status: 418, Message: "IP banned"}
	_, err = jc.Call(ctx, l, func(context.Context) (*policy.Response, error) { return nil, banned })
	assert.ErrorIs(t, err, ErrReschedule)
	assert.ErrorIs(t, err, banned)

	other, err := jc.Limiter(2, policy.Binance)
	require.NoError(t, err)
	limited, err := other.IsPollingLimited(ctx)
	require.NoError(t, err)
	assert.True(t, limited)
}

func TestCall_IgnorableError(t *testing.T) {
	f := newFixture(t)
	jc := f.context(noopJob{})

	_, err := jc.Call(context.Background(), nil, func(context.Context) (*policy.Response, error) {
		return nil, &policy.APIError{APISystem: policy.Binance, Status: 400, Code: policy.CodeNoNeedToChangeMarginType}
	})
	assert.ErrorIs(t, err, ErrIgnored)
	assert.NotErrorIs(t, err, ErrReschedule)
}

func TestCall_RetryableErrorRunsCorrectiveAction(t *testing.T) {
	f := newFixture(t)
	jc := f.context(noopJob{})

	_, err := jc.Call(context.Background(), nil, func(context.Context) (*policy.Response, error) {
		return nil, &policy.APIError{APISystem: policy.Binance, Status: 400, Code: policy.CodeTimestampOutsideRecvWindow}
	})
	assert.ErrorIs(t, err, ErrReschedule)
	assert.Equal(t, int64(100), f.skew.Margin(policy.Binance))
}

func TestCall_LocalHooks(t *testing.T) {
	f := newFixture(t)
	j := &ignoringJob{}
	jc := f.context(j)
	ctx := context.Background()

	_, err := jc.Call(ctx, nil, func(context.Context) (*policy.Response, error) {
		return nil, &policy.APIError{APISystem: policy.Binance, Status: 400, Code: -2011}
	})
	assert.ErrorIs(t, err, ErrIgnored)
	assert.Zero(t, j.resolved)

	fatal := &policy.APIError{APISystem: policy.Binance, Status: 400, Code: -2019}
	_, err = jc.Call(ctx, nil, func(context.Context) (*policy.Response, error) { return nil, fatal })
	assert.ErrorIs(t, err, fatal)
	var located *SourceError
	require.ErrorAs(t, err, &located)
	assert.Contains(t, located.Location(), "job_test.go:")
	assert.Equal(t, 1, j.resolved)
}

func TestCall_TransportErrorPassesThrough(t *testing.T) {
	f := newFixture(t)
	jc := f.context(noopJob{})
	l, err := jc.Limiter(1, policy.Binance)
	require.NoError(t, err)

	transport := errors.New("dial tcp: i/o timeout")
	_, err = jc.Call(context.Background(), l, func(context.Context) (*policy.Response, error) { return nil, transport })
	assert.ErrorIs(t, err, transport)
	assert.Equal(t, transport.Error(), err.Error())
}

func TestContext_PreviousAndCanonical(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	block := "block-1"
	tag := "market-data:binance"
	first, second := 1, 2

	firstID, err := f.store.Create(ctx, types.EntrySpec{Class: "Fetch", Queue: "default", BlockUUID: &block, Index: &first, Canonical: &tag})
	require.NoError(t, err)
	secondID, err := f.store.Create(ctx, types.EntrySpec{Class: "Use", Queue: "default", BlockUUID: &block, Index: &second})
	require.NoError(t, err)

	now := time.Now()
	_, err = f.store.Claim(ctx, firstID, "h1", now)
	require.NoError(t, err)
	payload := `{"price":"1"}`
	require.NoError(t, f.store.MarkComplete(ctx, firstID, &payload, now))

	entry, err := f.store.FindByID(ctx, secondID)
	require.NoError(t, err)
	jc := NewContext(entry, noopJob{}, f.store, f.policies, f.limiters, nil)

	prev, err := jc.Previous(ctx)
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, payload, *prev.Response)

	byTag, err := jc.ByCanonical(ctx, tag)
	require.NoError(t, err)
	require.NotNil(t, byTag)
	assert.Equal(t, firstID, byTag.ID)
}

type accountJob struct{ APIBase }

func (accountJob) Compute(context.Context, *Context) (any, error) { return nil, nil }

func TestContext_APILimiter(t *testing.T) {
	f := newFixture(t)

	l, err := f.context(accountJob{APIBase{AccountID: 7, APISystem: policy.Binance}}).APILimiter()
	require.NoError(t, err)
	assert.Equal(t, int64(7), l.AccountID())
	assert.Equal(t, policy.Binance, l.APISystem())
	assert.Equal(t, "h1", l.Hostname())

	_, err = f.context(noopJob{}).APILimiter()
	assert.Error(t, err)

	_, err = f.context(accountJob{APIBase{AccountID: 7, APISystem: "kraken"}}).APILimiter()
	assert.ErrorIs(t, err, ratelimit.ErrUnknownAPISystem)
}

func TestAt(t *testing.T) {
	assert.NoError(t, At(nil))

	base := errors.New("insufficient margin")
	err := At(base)
	var located *SourceError
	require.ErrorAs(t, err, &located)
	assert.ErrorIs(t, err, base)
	assert.Contains(t, located.Location(), "job_test.go:")
	assert.Equal(t, "insufficient margin", err.Error())

	assert.Same(t, err, At(err))
}
