package page

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateIsContentAddressedAndDedupes(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	id1, err := s.Create("user@123", "hello world", LaneUser, 3, 10, 0)
	require.NoError(t, err)

	id2, err := s.Create("user@456", "hello world", LaneUser, 5, 20, 0.9)
	require.NoError(t, err)

	require.Equal(t, id1, id2, "identical bodies must produce identical ids")

	p, err := s.Read(id1)
	require.NoError(t, err)
	require.Equal(t, "user@123", p.Label, "first write wins; dedupe is a no-op")
	require.Equal(t, 3, p.SourceCount)
}

func TestUpdateSummaryRewritesOnlySummary(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	id, err := s.Create("assistant@1", "some compacted content", LaneAssistant, 2, 8, 0)
	require.NoError(t, err)

	require.NoError(t, s.UpdateSummary(id, "a short summary"))

	p, err := s.Read(id)
	require.NoError(t, err)
	require.Equal(t, "a short summary", p.Summary)
	require.Equal(t, "some compacted content", p.Body)
}

func TestReadMissingPage(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Read("pg_doesnotexist")
	require.Error(t, err)
}

func TestListSortedByCreation(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = s.Create("a", "body a", LaneUser, 1, 1, 0)
	require.NoError(t, err)
	_, err = s.Create("b", "body b", LaneUser, 1, 1, 0)
	require.NoError(t, err)

	pages, err := s.List()
	require.NoError(t, err)
	require.Len(t, pages, 2)
	require.Equal(t, "a", pages[0].Label)
	require.Equal(t, "b", pages[1].Label)
}

func TestDeleteMissingPageIsNotAnError(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, s.Delete("pg_never_existed"))
}
