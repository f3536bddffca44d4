package remote_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/syncore/internal/errors"
	"github.com/kimhsiao/syncore/internal/models"
	"github.com/kimhsiao/syncore/internal/sync/remote"
	"github.com/kimhsiao/syncore/internal/sync/remote/remotetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, url string) *remote.Client {
	t.Helper()
	c, err := remote.NewClient(remote.Config{BaseURL: url, Timeout: 2 * time.Second, Token: "secret"})
	require.NoError(t, err)
	return c
}

func TestNewClient_invalid(t *testing.T) {
	_, err := remote.NewClient(remote.Config{})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = remote.NewClient(remote.Config{BaseURL: "not a url"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestClient_CRUD(t *testing.T) {
	ctx := context.Background()
	srv := remotetest.NewServer()
	defer srv.Close()
	c := newClient(t, srv.URL)

	require.NoError(t, c.Ping(ctx))

	created, err := c.Create(ctx, &models.Member{ID: "m-1", Name: "Ada"}, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "m-1", created.RecordID())
	assert.False(t, created.BaseUpdatedAt().IsZero())

	got, err := c.Get(ctx, models.KindMembers, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.(*models.Member).Name)

	m := got.(*models.Member)
	m.Name = "Ada L."
	updated, err := c.Update(ctx, m, "key-2")
	require.NoError(t, err)
	assert.True(t, updated.BaseUpdatedAt().After(created.BaseUpdatedAt()))

	list, err := c.List(ctx, models.KindMembers)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Ada L.", list[0].(*models.Member).Name)

	require.NoError(t, c.Delete(ctx, models.KindMembers, "m-1", "key-3"))
	err = c.Delete(ctx, models.KindMembers, "m-1", "key-3")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	keys := []string{}
	for _, r := range srv.Requests() {
		if r.IdempotencyKey != "" {
			keys = append(keys, r.IdempotencyKey)
		}
	}
	assert.Equal(t, []string{"key-1", "key-2", "key-3", "key-3"}, keys)
}

func TestClient_serverAssignedID(t *testing.T) {
	srv := remotetest.NewServer()
	defer srv.Close()
	srv.AssignIDs(true)

	created, err := newClient(t, srv.URL).Create(context.Background(), &models.Meeting{ID: "local-1", Title: "AGM"}, "")
	require.NoError(t, err)
	assert.Equal(t, "srv-1", created.RecordID())
}

func TestClient_statusMapping(t *testing.T) {
	tests := []struct {
		status int
		code   apperrors.ErrorCode
	}{
		{http.StatusUnauthorized, apperrors.ErrSyncAuthFailed},
		{http.StatusNotFound, apperrors.ErrNotFound},
		{http.StatusTooManyRequests, apperrors.ErrSyncNetwork},
		{http.StatusBadGateway, apperrors.ErrSyncNetwork},
		{http.StatusUnprocessableEntity, apperrors.ErrSyncRemote},
	}
	srv := remotetest.NewServer()
	defer srv.Close()
	c := newClient(t, srv.URL)

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv.FailNext(tt.status)
			_, err := c.Get(context.Background(), models.KindMembers, "any")
			require.Error(t, err)
			assert.Equal(t, tt.code, apperrors.CodeOf(err))
		})
	}
}

func TestClient_unsuccessfulEnvelope(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":false,"error":"duplicate email"}`))
	}))
	defer ts.Close()

	_, err := newClient(t, ts.URL).Create(context.Background(), &models.Member{ID: "m-1"}, "")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncRemote))
	assert.Contains(t, err.Error(), "duplicate email")
}

func TestClient_networkErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer ts.Close()

	c, err := remote.NewClient(remote.Config{BaseURL: ts.URL, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	err = c.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))

	ts.Close()
	err = newClient(t, ts.URL).Ping(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
}
