package api

import (
	"net/http"
	"strconv"
)

// Page is a parsed limit/offset window.
type Page struct {
	Limit  int
	Offset int
}

// PageMeta describes a returned window of a larger result.
type PageMeta struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	Total   int  `json:"total"`
	HasMore bool `json:"has_more"`
}

// ListResponse wraps list data with paging metadata.
type ListResponse struct {
	Data       interface{} `json:"data"`
	Pagination PageMeta    `json:"pagination"`
}

// ParsePage reads limit and offset, or page when offset is absent.
// maxLimit caps the window size.
func ParsePage(r *http.Request, defaultLimit, maxLimit int) Page {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit < 1 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	offset, err := strconv.Atoi(q.Get("offset"))
	if err != nil || offset < 0 {
		offset = 0
		if page, _ := strconv.Atoi(q.Get("page")); page > 1 {
			offset = (page - 1) * limit
		}
	}
	return Page{Limit: limit, Offset: offset}
}

// NewListResponse builds a ListResponse for one window.
func NewListResponse(data interface{}, p Page, total int) ListResponse {
	return ListResponse{
		Data: data,
		Pagination: PageMeta{
			Limit:   p.Limit,
			Offset:  p.Offset,
			Total:   total,
			HasMore: p.Offset+p.Limit < total,
		},
	}
}
