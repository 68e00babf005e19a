package history

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/manash/imgstudio/pkg/models"
)

func testRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStoreWithClient(client, "")
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisStore_SaveLoadClear(t *testing.T) {
	store, mr := testRedisStore(t)
	ctx := context.Background()

	images, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() on empty error = %v", err)
	}
	if len(images) != 0 {
		t.Errorf("Load() on empty len = %d", len(images))
	}

	want := []models.GeneratedImage{image(3), image(2)}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	version, err := mr.Get(DefaultRedisKey + ":version")
	if err != nil {
		t.Fatalf("version key missing: %v", err)
	}
	if version != strconv.Itoa(SchemaVersion) {
		t.Errorf("version = %v, want %d", version, SchemaVersion)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 2 || got[0] != want[0] {
		t.Errorf("Load() = %+v", got)
	}

	if err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if mr.Exists(DefaultRedisKey) {
		t.Error("history key still present after Clear")
	}
}

func TestRedisStore_LegacyBlob(t *testing.T) {
	store, mr := testRedisStore(t)
	if err := mr.Set(DefaultRedisKey, `["data:image/jpeg;base64,AA=="]`); err != nil {
		t.Fatal(err)
	}

	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 1 || got[0].Prompt != LegacyPrompt {
		t.Errorf("Load() = %+v", got)
	}
}

func TestRedisStore_Version(t *testing.T) {
	tests := []struct {
		name    string
		version string
		wantErr error
	}{
		{name: "current", version: strconv.Itoa(SchemaVersion)},
		{name: "older", version: "1"},
		{name: "newer", version: strconv.Itoa(SchemaVersion + 1), wantErr: ErrNewerSchema},
		{name: "garbage", version: "two", wantErr: ErrCorrupt},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mr := testRedisStore(t)
			if err := mr.Set(DefaultRedisKey, `[{"id":"a","url":"data:image/png;base64,AA==","prompt":"p","timestamp":1}]`); err != nil {
				t.Fatal(err)
			}
			if err := mr.Set(DefaultRedisKey+":version", tt.version); err != nil {
				t.Fatal(err)
			}

			got, err := store.Load(context.Background())
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Load() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if len(got) != 1 || got[0].ID != "a" {
				t.Errorf("Load() = %+v", got)
			}
		})
	}
}

func TestRedisStore_Unavailable(t *testing.T) {
	store, mr := testRedisStore(t)
	mr.Close()

	if _, err := store.Load(context.Background()); err == nil {
		t.Error("Load() with redis down error = nil, want error")
	}
}
