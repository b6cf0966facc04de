package api

import (
	"errors"
	"net/http"
	"strconv"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 500
)

var errBadPagination = errors.New("limit and offset must be non-negative integers")

// PaginationMeta is embedded in paginated list responses.
type PaginationMeta struct {
	TotalCount int  `json:"total_count"`
	Limit      int  `json:"limit"`
	Offset     int  `json:"offset"`
	HasMore    bool `json:"has_more"`
}

// parsePagination reads the "limit" and "offset" query parameters. Missing
// values fall back to defaultPageLimit and 0; limit is capped at
// maxPageLimit and a zero limit selects the default.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	limit = defaultPageLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, errBadPagination
		}
		if n > 0 {
			limit = min(n, maxPageLimit)
		}
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, errBadPagination
		}
		offset = n
	}
	return limit, offset, nil
}

// paginate returns one page of items. An offset past the end yields an
// empty page.
func paginate[T any](items []T, limit, offset int) ([]T, PaginationMeta) {
	start := min(offset, len(items))
	end := min(start+limit, len(items))
	return items[start:end], PaginationMeta{
		TotalCount: len(items),
		Limit:      limit,
		Offset:     offset,
		HasMore:    end < len(items),
	}
}
