package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alqutdigital/sourcewatch/internal/canonical"
	"github.com/alqutdigital/sourcewatch/internal/storage"
)

// MockStore implements Store for testing.
type MockStore struct {
	upserted  [][]string
	upsertErr error
	listErr   error
	active    []storage.Source
}

func (m *MockStore) UpsertSources(ctx context.Context, urls []string, active bool) ([]storage.Source, error) {
	if m.upsertErr != nil {
		return nil, m.upsertErr
	}
	m.upserted = append(m.upserted, urls)
	out := make([]storage.Source, len(urls))
	for i, u := range urls {
		out[i] = storage.Source{ID: int64(i + 1), URL: u, Active: active}
	}
	return out, nil
}

func (m *MockStore) ListSourcesWithLatest(ctx context.Context, includeInactive bool) ([]storage.SourceWithLatest, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return nil, nil
}

func (m *MockStore) ListActiveSources(ctx context.Context) ([]storage.Source, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return m.active, nil
}

func TestUpsert_CanonicalizesInOrder(t *testing.T) {
	store := &MockStore{}
	reg := New(store, nil)

	got, err := reg.Upsert(context.Background(), []string{"HTTPS://B.com/x/", " http://a.com:80 "}, true)
	require.NoError(t, err)

	require.Len(t, store.upserted, 1)
	assert.Equal(t, []string{"https://b.com/x", "http://a.com"}, store.upserted[0])
	require.Len(t, got, 2)
	assert.Equal(t, "https://b.com/x", got[0].URL)
	assert.True(t, got[0].Active)
}

func TestUpsert_Validation(t *testing.T) {
	store := &MockStore{}
	reg := New(store, nil)

	_, err := reg.Upsert(context.Background(), nil, true)
	assert.ErrorIs(t, err, ErrNoURLs)

	_, err = reg.Upsert(context.Background(), []string{"https://ok.com", "not a url"}, true)
	assert.ErrorIs(t, err, canonical.ErrInvalidURL)
	assert.Empty(t, store.upserted, "nothing may be written when any url is invalid")
}

func TestUpsert_StoreError(t *testing.T) {
	store := &MockStore{upsertErr: errors.New("connection reset")}
	reg := New(store, nil)

	_, err := reg.Upsert(context.Background(), []string{"https://ok.com"}, true)
	assert.ErrorContains(t, err, "connection reset")
}

func TestListActive(t *testing.T) {
	store := &MockStore{active: []storage.Source{{ID: 1}, {ID: 2}}}
	reg := New(store, nil)

	got, err := reg.ListActive(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 2)

	store.listErr = errors.New("boom")
	_, err = reg.ListActive(context.Background())
	assert.Error(t, err)
	_, err = reg.ListWithLatest(context.Background(), true)
	assert.Error(t, err)
}

// Registration through a real store never duplicates a source.
func TestUpsert_SQLiteNoDuplicates(t *testing.T) {
	s, err := storage.NewSQLite(":memory:")
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Migrate(context.Background()))

	reg := New(s, nil)
	ctx := context.Background()

	first, err := reg.Upsert(ctx, []string{"HTTPS://Ex.com:443/p/"}, true)
	require.NoError(t, err)
	second, err := reg.Upsert(ctx, []string{"https://ex.com/p"}, true)
	require.NoError(t, err)
	assert.Equal(t, first[0].ID, second[0].ID)

	rows, err := reg.ListWithLatest(ctx, true)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "https://ex.com/p", rows[0].URL)
}
