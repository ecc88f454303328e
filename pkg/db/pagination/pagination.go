package pagination

import "math"

const (
	MaxLimit = 250
	// MaxPage keeps (Page-1)*Limit inside int for every allowed limit.
	MaxPage = math.MaxInt / MaxLimit
)

// Pagination is bound from the query string. A missing limit stays zero so each
// endpoint can apply its own default through Normalize.
type Pagination struct {
	Page  int `form:"page,default=1" json:"page" validate:"gte=1"`
	Limit int `form:"limit" json:"limit" validate:"gte=0,lte=250"`
}

type PageInfo struct {
	Page    int   `json:"page"`
	Limit   int   `json:"limit"`
	Total   int64 `json:"total"`
	HasMore bool  `json:"has_more"`
}

func (p Pagination) Offset() int {
	if p.Page <= 1 || p.Limit <= 0 {
		return 0
	}
	if p.Page-1 > math.MaxInt/p.Limit {
		return math.MaxInt
	}
	return (p.Page - 1) * p.Limit
}

// Normalize clamps out of range values instead of rejecting them.
func (p Pagination) Normalize(defaultLimit int) Pagination {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Page > MaxPage {
		p.Page = MaxPage
	}
	if p.Limit < 1 {
		p.Limit = defaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	return p
}

// Slice returns the page window of data and its PageInfo.
func Slice[T any](data []T, p Pagination) ([]T, *PageInfo) {
	total := len(data)
	start := min(max(p.Offset(), 0), total)
	end := start + min(max(p.Limit, 0), total-start)

	return data[start:end], &PageInfo{
		Page:    p.Page,
		Limit:   p.Limit,
		Total:   int64(total),
		HasMore: end < total,
	}
}
