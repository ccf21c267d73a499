package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/knoguchi/scout/internal/repository"
)

type countingGetter struct {
	files map[uuid.UUID]*repository.File
	calls int
}

func (g *countingGetter) GetFile(ctx context.Context, id uuid.UUID) (*repository.File, error) {
	g.calls++
	f, ok := g.files[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return f, nil
}

func TestFileCache_ReadThrough(t *testing.T) {
	id := uuid.New()
	next := &countingGetter{files: map[uuid.UUID]*repository.File{id: {ID: id, Name: "plan.pdf"}}}
	c := NewFileCache(next, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f, err := c.GetFile(ctx, id)
		if err != nil {
			t.Fatalf("GetFile() error = %v", err)
		}
		if f.Name != "plan.pdf" {
			t.Errorf("GetFile() = %+v", f)
		}
	}
	if next.calls != 1 {
		t.Errorf("expected 1 backend call, got %d", next.calls)
	}
}

func TestFileCache_ErrorsNotCached(t *testing.T) {
	next := &countingGetter{files: map[uuid.UUID]*repository.File{}}
	c := NewFileCache(next, time.Minute)
	id := uuid.New()

	for i := 0; i < 2; i++ {
		if _, err := c.GetFile(context.Background(), id); !errors.Is(err, repository.ErrNotFound) {
			t.Fatalf("GetFile() error = %v, want ErrNotFound", err)
		}
	}
	if next.calls != 2 {
		t.Errorf("expected 2 backend calls, got %d", next.calls)
	}
	if c.Len() != 0 {
		t.Errorf("expected empty cache, got %d entries", c.Len())
	}
}
