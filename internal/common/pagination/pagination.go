// Package pagination parses page/per_page query parameters for the
// list endpoints (sync job history, audit trail).
package pagination

import (
	"net/http"
	"strconv"
)

// DefaultPerPage is used when the request does not ask for a size.
const DefaultPerPage = 50

// MaxPerPage caps the page size; audit and job history rows are cheap
// but unbounded listing is not.
const MaxPerPage = 200

// Params carries the parsed paging request.
type Params struct {
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
	Limit   int `json:"-"`
	Offset  int `json:"-"`
}

// ParseParams reads page and per_page from the request, clamping both
// to sane values. Page numbering starts at 1.
func ParseParams(r *http.Request) Params {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}

	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage < 1 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}

	return Params{
		Page:    page,
		PerPage: perPage,
		Limit:   perPage,
		Offset:  (page - 1) * perPage,
	}
}
