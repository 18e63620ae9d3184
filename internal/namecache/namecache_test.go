package namecache

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubLookup struct {
	games      map[string]string
	categories map[string]string
	calls      int
}

func (s *stubLookup) GetGameName(_ context.Context, gameID string) (string, error) {
	s.calls++
	if name, ok := s.games[gameID]; ok {
		return name, nil
	}
	return "", errors.New("not found")
}

func (s *stubLookup) GetCategoryName(_ context.Context, categoryID string) (string, error) {
	s.calls++
	if name, ok := s.categories[categoryID]; ok {
		return name, nil
	}
	return "", errors.New("not found")
}

func TestCache_WarmsOnFirstMissThenReadsFromCache(t *testing.T) {
	stub := &stubLookup{games: map[string]string{"g1": "Factorio"}}
	c := New(stub)

	assert.Equal(t, "Factorio", c.GameName(context.Background(), "g1"))
	assert.Equal(t, "Factorio", c.GameName(context.Background(), "g1"))
	assert.Equal(t, 1, stub.calls)
}

func TestCache_FallsBackToIDOnLookupFailure(t *testing.T) {
	stub := &stubLookup{}
	c := New(stub)
	assert.Equal(t, "unknown-game", c.GameName(context.Background(), "unknown-game"))
	assert.Equal(t, "unknown-cat", c.CategoryName(context.Background(), "unknown-cat"))
}
