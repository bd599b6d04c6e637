package paramstore

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"

	"aivr-agent/internal/domain"
)

// fakeAPI is a simple fake implementing ssmAPI for tests.
type fakeAPI struct {
	getOut *ssm.GetParameterOutput
	getErr error
	lastIn *ssm.GetParameterInput
}

func (f *fakeAPI) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.lastIn = in
	return f.getOut, f.getErr
}

func strPtr(s string) *string { return &s }

// fakeGetter counts lookups so caching can be observed.
type fakeGetter struct {
	values map[string]string
	err    error
	calls  int
}

func (f *fakeGetter) GetParameter(_ context.Context, name string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	v, ok := f.values[name]
	if !ok {
		return "", ErrParameterNotFound
	}
	return v, nil
}

// ----------------------------------------------------------------------------
// Client
// ----------------------------------------------------------------------------

func TestGetParameter_HappyPath(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{
		Name: strPtr("p"), Value: strPtr(`{"token":"v"}`), Type: types.ParameterTypeSecureString,
	}}}
	client, err := New(api)
	require.NoError(t, err)
	v, err := client.GetParameter(context.Background(), " /aivr/p ")
	require.NoError(t, err)
	require.Equal(t, `{"token":"v"}`, v)
	require.Equal(t, "/aivr/p", *api.lastIn.Name)
	require.True(t, *api.lastIn.WithDecryption)
}

func TestGetParameter_NotFound(t *testing.T) {
	client, err := New(&fakeAPI{getErr: &types.ParameterNotFound{}})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorIs(t, err, ErrParameterNotFound)
}

func TestGetParameter_MissingValue(t *testing.T) {
	api := &fakeAPI{getOut: &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: strPtr("p")}}}
	client, err := New(api)
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "missing value")
}

func TestGetParameter_ApiError(t *testing.T) {
	client, err := New(&fakeAPI{getErr: errors.New("boom")})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "boom")
	require.NotErrorIs(t, err, ErrParameterNotFound)
}

func TestGetParameter_ClientNotInitialized(t *testing.T) {
	_, err := (&Client{}).GetParameter(context.Background(), "p")
	require.ErrorContains(t, err, "not initialized")
}

func TestGetParameter_EmptyName(t *testing.T) {
	client, err := New(&fakeAPI{})
	require.NoError(t, err)
	_, err = client.GetParameter(context.Background(), "  ")
	require.ErrorContains(t, err, "required")
}

func TestNew_NilAPI(t *testing.T) {
	_, err := New(nil)
	require.ErrorContains(t, err, "must not be nil")
}

func TestDecodeToken(t *testing.T) {
	tok, err := DecodeToken(`{"token":" sk-123 "}`)
	require.NoError(t, err)
	require.Equal(t, "sk-123", tok)

	_, err = DecodeToken(`{"token":""}`)
	require.Error(t, err)
	_, err = DecodeToken(`sk-123`)
	require.Error(t, err)
}

// ----------------------------------------------------------------------------
// Secret
// ----------------------------------------------------------------------------

func TestSecret_EnvWins(t *testing.T) {
	g := &fakeGetter{}
	s := NewSecret("open-ai-token", "sk-env", g, "/aivr")
	v, err := s.Value(context.Background())
	require.NoError(t, err)
	require.Equal(t, "sk-env", v)
	require.Zero(t, g.calls)
}

func TestSecret_FromParameterStoreIsCached(t *testing.T) {
	g := &fakeGetter{values: map[string]string{"/aivr/open-ai-token": `{"token":"sk-ssm"}`}}
	s := NewSecret("open-ai-token", "", g, "/aivr/")
	require.Equal(t, "/aivr/open-ai-token", s.ParameterName())

	for i := 0; i < 3; i++ {
		v, err := s.Value(context.Background())
		require.NoError(t, err)
		require.Equal(t, "sk-ssm", v)
	}
	require.Equal(t, 1, g.calls)
}

func TestSecret_NotConfigured(t *testing.T) {
	_, err := NewSecret("open-ai-token", "", nil, "").Value(context.Background())
	require.ErrorIs(t, err, domain.ErrNotConfigured)

	g := &fakeGetter{values: map[string]string{}}
	_, err = NewSecret("open-ai-token", "", g, "/aivr").Value(context.Background())
	require.ErrorIs(t, err, domain.ErrNotConfigured)

	g.values["/aivr/open-ai-token"] = `{"token":""}`
	_, err = NewSecret("open-ai-token", "", g, "/aivr").Value(context.Background())
	require.ErrorIs(t, err, domain.ErrNotConfigured)
}

func TestSecret_TransientFailureIsRetried(t *testing.T) {
	g := &fakeGetter{err: errors.New("throttled"), values: map[string]string{"/aivr/api-key": `{"token":"k"}`}}
	s := NewSecret("api-key", "", g, "/aivr")

	_, err := s.Value(context.Background())
	require.ErrorContains(t, err, "throttled")
	require.NotErrorIs(t, err, domain.ErrNotConfigured)

	g.err = nil
	v, err := s.Value(context.Background())
	require.NoError(t, err)
	require.Equal(t, "k", v)
	require.Equal(t, 2, g.calls)
}
