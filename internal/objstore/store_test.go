package objstore

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/chatdistill/internal/config"
	appErr "github.com/xxxsen/chatdistill/internal/pkg/errors"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "objects.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s, err := NewSQLStore(db, "sqlite")
	require.NoError(t, err)
	return s
}

func newLocal(t *testing.T) Store {
	t.Helper()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	return s
}

func backends(t *testing.T) map[string]Store {
	return map[string]Store{
		"memory": NewMemoryStore(),
		"local":  newLocal(t),
		"sqlite": newSQLiteStore(t),
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Stat(ctx, "users/u1/missing.json")
			require.True(t, appErr.IsNotFound(err))
			_, err = s.Read(ctx, "users/u1/missing.json", 0, -1)
			require.True(t, appErr.IsNotFound(err))

			require.NoError(t, s.Write(ctx, "users/u1/a.json", []byte(`{"a":1}`)))
			require.NoError(t, s.Write(ctx, "users/u1/a.json", []byte(`{"a":2}`)))
			data, err := s.Read(ctx, "users/u1/a.json", 0, -1)
			require.NoError(t, err)
			require.Equal(t, `{"a":2}`, string(data))

			require.NoError(t, s.CreateAppendable(ctx, "users/u1/q.jsonl"))
			require.True(t, appErr.IsConflict(s.CreateAppendable(ctx, "users/u1/q.jsonl")))
			require.NoError(t, s.Append(ctx, "users/u1/q.jsonl", []byte("line1\n")))
			require.NoError(t, s.Append(ctx, "users/u1/q.jsonl", []byte("line2\n")))

			info, err := s.Stat(ctx, "users/u1/q.jsonl")
			require.NoError(t, err)
			require.EqualValues(t, 12, info.Size)
			require.True(t, info.Appendable)

			part, err := s.Read(ctx, "users/u1/q.jsonl", 6, -1)
			require.NoError(t, err)
			require.Equal(t, "line2\n", string(part))
			part, err = s.Read(ctx, "users/u1/q.jsonl", 2, 3)
			require.NoError(t, err)
			require.Equal(t, "ne1", string(part))
			part, err = s.Read(ctx, "users/u1/q.jsonl", 12, -1)
			require.NoError(t, err)
			require.Empty(t, part)

			require.True(t, appErr.IsNotFound(s.Append(ctx, "users/u1/none.jsonl", []byte("x"))))

			keys, err := s.List(ctx, "users/u1/")
			require.NoError(t, err)
			require.Equal(t, []string{"users/u1/a.json", "users/u1/q.jsonl"}, keys)
		})
	}
}

func TestImmutableObjectsRejectAppend(t *testing.T) {
	ctx := context.Background()
	for name, s := range map[string]Store{"memory": NewMemoryStore(), "sqlite": newSQLiteStore(t)} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Write(ctx, "k", []byte("old\n")))
			err := s.Append(ctx, "k", []byte("new\n"))
			require.True(t, appErr.IsNotAppendable(err))
			info, err := s.Stat(ctx, "k")
			require.NoError(t, err)
			require.False(t, info.Appendable)
		})
	}
}

func TestAppendLine(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, AppendLine(ctx, s, "q", []byte("a\n")))
	require.NoError(t, AppendLine(ctx, s, "q", []byte("b\n")))
	data, err := s.Read(ctx, "q", 0, -1)
	require.NoError(t, err)
	require.Equal(t, "a\nb\n", string(data))
	info, err := s.Stat(ctx, "q")
	require.NoError(t, err)
	require.True(t, info.Appendable)
}

func TestAppendLineFallsBackForImmutableObject(t *testing.T) {
	ctx := context.Background()
	for name, s := range map[string]Store{"memory": NewMemoryStore(), "sqlite": newSQLiteStore(t)} {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Write(ctx, "q", []byte("legacy\n")))
			require.NoError(t, AppendLine(ctx, s, "q", []byte("next\n")))
			require.NoError(t, AppendLine(ctx, s, "q", []byte("last\n")))
			data, err := s.Read(ctx, "q", 0, -1)
			require.NoError(t, err)
			require.Equal(t, "legacy\nnext\nlast\n", string(data))
		})
	}
}

type noAppendStore struct {
	*MemoryStore
}

func (noAppendStore) CreateAppendable(ctx context.Context, key string) error { return nil }

func (noAppendStore) Append(ctx context.Context, key string, data []byte) error {
	return appErr.ErrNotAppendable
}

func TestAppendLineWithoutAppendPrimitive(t *testing.T) {
	ctx := context.Background()
	s := noAppendStore{MemoryStore: NewMemoryStore()}
	require.NoError(t, AppendLine(ctx, s, "q", []byte("one\n")))
	require.NoError(t, AppendLine(ctx, s, "q", []byte("two\n")))
	data, err := s.Read(ctx, "q", 0, -1)
	require.NoError(t, err)
	require.Equal(t, "one\ntwo\n", string(data))
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	s := newLocal(t)
	err := s.Write(context.Background(), "../escape.json", []byte("x"))
	require.ErrorIs(t, err, appErr.ErrInvalid)
}

func TestNewFromConfig(t *testing.T) {
	s, err := New(config.ObjectStoreConfig{Type: "local", Data: map[string]interface{}{"dir": t.TempDir()}})
	require.NoError(t, err)
	require.Equal(t, "local", s.Type())

	s, err = New(config.ObjectStoreConfig{Type: "memory"})
	require.NoError(t, err)
	require.Equal(t, "memory", s.Type())

	_, err = New(config.ObjectStoreConfig{Type: "azure"})
	require.Error(t, err)
	_, err = New(config.ObjectStoreConfig{})
	require.Error(t, err)
}

func TestBuildS3Endpoint(t *testing.T) {
	require.Equal(t, "", buildS3Endpoint("", true))
	require.Equal(t, "https://minio.local:9000", buildS3Endpoint("minio.local:9000/", true))
	require.Equal(t, "http://minio.local", buildS3Endpoint("minio.local", false))
	require.Equal(t, "https://s3.example.com", buildS3Endpoint("https://s3.example.com", false))
}
