package pagination

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSlice(t *testing.T) {
	data := []int{1, 2, 3, 4, 5}

	page, info := Slice(data, Pagination{Page: 1, Limit: 2})
	require.Equal(t, []int{1, 2}, page)
	require.True(t, info.HasMore)
	require.Equal(t, int64(5), info.Total)

	page, info = Slice(data, Pagination{Page: 3, Limit: 2})
	require.Equal(t, []int{5}, page)
	require.False(t, info.HasMore)

	page, info = Slice(data, Pagination{Page: 9, Limit: 2})
	require.Empty(t, page)
	require.False(t, info.HasMore)
}

func TestNormalize(t *testing.T) {
	p := Pagination{Page: 0, Limit: 0}.Normalize(50)
	require.Equal(t, 1, p.Page)
	require.Equal(t, 50, p.Limit)

	p = Pagination{Page: 2, Limit: 1000}.Normalize(50)
	require.Equal(t, 250, p.Limit)
	require.Equal(t, 250, p.Offset())
}

func TestOversizedPage(t *testing.T) {
	p := Pagination{Page: math.MaxInt/250 + 2, Limit: 250}
	require.Equal(t, math.MaxInt, p.Offset())

	page, info := Slice([]int{1, 2, 3}, p)
	require.Empty(t, page)
	require.False(t, info.HasMore)

	n := p.Normalize(50)
	require.Equal(t, MaxPage, n.Page)
	require.GreaterOrEqual(t, n.Offset(), 0)

	page, _ = Slice([]int{1, 2, 3}, n)
	require.Empty(t, page)
}

func TestNormalizeMissingLimit(t *testing.T) {
	require.Equal(t, 100, Pagination{Page: 1}.Normalize(100).Limit)
	require.Equal(t, 0, Pagination{Page: 1, Limit: 250}.Offset())
}
