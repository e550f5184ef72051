package forum

import (
	"net/url"
	"strconv"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100
)

// Page is an offset/limit window over an ordered list.
type Page struct {
	Offset int
	Limit  int
}

// PaginationData is what a client needs to render page controls.
type PaginationData struct {
	CurrentPage int   `json:"currentPage"`
	TotalPages  int   `json:"totalPages"`
	NextPage    int   `json:"nextPage"`
	PrevPage    int   `json:"prevPage"`
	HasNext     bool  `json:"hasNext"`
	HasPrev     bool  `json:"hasPrev"`
	TotalCount  int64 `json:"totalCount"`
}

// ParsePage reads offset and limit from a query string. Missing values
// default to offset 0 and limit 10.
func ParsePage(v url.Values) (Page, error) {
	p := Page{Offset: 0, Limit: DefaultLimit}
	if s, ok := v["offset"]; ok {
		n, err := strconv.Atoi(first(s))
		if err != nil || n < 0 {
			return Page{}, invalidArgument("offset must be a non-negative integer")
		}
		p.Offset = n
	}
	if s, ok := v["limit"]; ok {
		n, err := strconv.Atoi(first(s))
		if err != nil || n <= 0 {
			return Page{}, invalidArgument("limit must be a positive integer")
		}
		if n > MaxLimit {
			return Page{}, invalidArgument("limit must not exceed " + strconv.Itoa(MaxLimit))
		}
		p.Limit = n
	}
	return p, nil
}

func first(s []string) string {
	if len(s) == 0 {
		return ""
	}
	return s[0]
}

func (p Page) CurrentPage() int {
	return p.Offset/p.Limit + 1
}

// Meta derives page controls from the total size of the list.
func (p Page) Meta(total int64) PaginationData {
	page := p.CurrentPage()
	totalPages := int((total + int64(p.Limit) - 1) / int64(p.Limit))
	return PaginationData{
		CurrentPage: page,
		TotalPages:  totalPages,
		NextPage:    page + 1,
		PrevPage:    page - 1,
		HasNext:     int64(page)*int64(p.Limit) < total,
		HasPrev:     page > 1,
		TotalCount:  total,
	}
}
