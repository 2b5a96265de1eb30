// Package pagination extracts page and limit parameters from mailbox listing
// requests and converts them to store offsets. Clients performing a full
// resync walk pages until HasNext reports false.
package pagination

import (
	"net/url"
	"strconv"
)

// Params represents pagination parameters extracted from a request.
type Params struct {
	Page   int32 // Current page number (1-based)
	Limit  int32 // Number of items per page
	Offset int32 // Calculated offset for database queries
}

const (
	// MaxLimit is the maximum number of items allowed per page
	MaxLimit int32 = 200
	// DefaultPage is the default page number when not specified
	DefaultPage int32 = 1
	// DefaultLimit is the default number of items per page when not specified
	DefaultLimit int32 = 50
)

// calculateOffset computes the database offset for a given page and limit.
// It ensures page is at least 1 to avoid negative offsets.
func calculateOffset(page, limit int32) int32 {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}

// FromQuery extracts pagination parameters from URL query values, enforcing
// MaxLimit and calculating the offset.
func FromQuery(q url.Values) Params {
	params := Params{
		Page:  DefaultPage,
		Limit: DefaultLimit,
	}

	if pageStr := q.Get("page"); pageStr != "" {
		if val, err := strconv.ParseInt(pageStr, 10, 32); err == nil && val > 0 {
			params.Page = int32(val)
		}
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		if val, err := strconv.ParseInt(limitStr, 10, 32); err == nil && val > 0 {
			params.Limit = int32(val)
		}
	}

	// enforce max limit
	if params.Limit > MaxLimit {
		params.Limit = MaxLimit
	}

	params.Offset = calculateOffset(params.Page, params.Limit)
	return params
}

// HasNext reports whether items remain after the current page.
func HasNext(offset, limit, total int32) bool {
	return (offset + limit) < total
}
