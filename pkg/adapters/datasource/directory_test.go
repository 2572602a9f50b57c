package datasource

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/queryshield/pipeline-engine/pkg/apperrors"
	"github.com/queryshield/pipeline-engine/pkg/config"
	"github.com/queryshield/pipeline-engine/pkg/schema"
)

type testHandle struct {
	kind   Kind
	closed bool
}

func (h *testHandle) Introspect(ctx context.Context) (*schema.Graph, error) {
	return &schema.Graph{}, nil
}

func (h *testHandle) ExecuteReadOnly(ctx context.Context, query string, opts ReadOptions) (*Result, error) {
	return &Result{}, nil
}

func (h *testHandle) Close() error {
	h.closed = true
	return nil
}

func (h *testHandle) Kind() Kind { return h.kind }

// kindFake is registered once for the package's tests; production kinds
// live in the adapter subpackages.
const kindFake = Kind("fake")

var fakeOpens int

func init() {
	Register(kindFake, func(ctx context.Context, src config.SourceConfig, connMgr *ConnectionManager, id uuid.UUID, logger *zap.Logger) (Handle, error) {
		fakeOpens++
		return &testHandle{kind: kindFake}, nil
	})
}

func TestRegisteredKinds(t *testing.T) {
	assert.Contains(t, RegisteredKinds(), kindFake)
}

func TestFactoryForUnknownKind(t *testing.T) {
	_, err := factoryFor(Kind("nope"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported datasource kind")
}

func TestDirectoryResolveOpensLazilyAndCaches(t *testing.T) {
	id := uuid.New()
	d, err := NewDirectory([]config.SourceConfig{
		{ID: id.String(), Kind: string(kindFake)},
	}, nil, zap.NewNop())
	require.NoError(t, err)

	before := fakeOpens

	h1, err := d.Resolve(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, h1)
	assert.Equal(t, before+1, fakeOpens)

	h2, err := d.Resolve(context.Background(), id)
	require.NoError(t, err)
	assert.Same(t, h1, h2)
	assert.Equal(t, before+1, fakeOpens)
}

func TestDirectoryResolveUnknownID(t *testing.T) {
	d, err := NewDirectory(nil, nil, zap.NewNop())
	require.NoError(t, err)

	_, err = d.Resolve(context.Background(), uuid.New())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestDirectoryResolveUnregisteredKind(t *testing.T) {
	id := uuid.New()
	d, err := NewDirectory([]config.SourceConfig{
		{ID: id.String(), Kind: "mainframe"},
	}, nil, zap.NewNop())
	require.NoError(t, err)

	_, err = d.Resolve(context.Background(), id)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported datasource kind")
}

func TestNewDirectoryRejectsBadID(t *testing.T) {
	_, err := NewDirectory([]config.SourceConfig{
		{ID: "not-a-uuid", Kind: string(kindFake)},
	}, nil, zap.NewNop())
	require.Error(t, err)
}

func TestDirectoryCloseReleasesHandles(t *testing.T) {
	id := uuid.New()
	d, err := NewDirectory([]config.SourceConfig{
		{ID: id.String(), Kind: string(kindFake)},
	}, nil, zap.NewNop())
	require.NoError(t, err)

	h, err := d.Resolve(context.Background(), id)
	require.NoError(t, err)

	d.Close()
	assert.True(t, h.(*testHandle).closed)

	// A resolve after close opens a fresh handle.
	before := fakeOpens
	_, err = d.Resolve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, before+1, fakeOpens)
}

func TestDirectoryKinds(t *testing.T) {
	id := uuid.New()
	d, err := NewDirectory([]config.SourceConfig{
		{ID: id.String(), Kind: string(kindFake)},
	}, nil, zap.NewNop())
	require.NoError(t, err)

	kinds := d.Kinds()
	assert.Equal(t, kindFake, kinds[id])
}
