package model

// Page is one window of a paginated, ordered result set.
type Page[T any] struct {
	Data   []T `json:"data"`
	Total  int `json:"total"`
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// DefaultPageLimit is used when a caller passes a non-positive limit.
const DefaultPageLimit = 20

// NormalizeWindow clamps offset and limit to usable values.
func NormalizeWindow(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	return offset, limit
}

// Paginate slices items by offset and limit. Items must already be ordered.
func Paginate[T any](items []T, offset, limit int) Page[T] {
	offset, limit = NormalizeWindow(offset, limit)
	page := Page[T]{Data: []T{}, Total: len(items), Offset: offset, Limit: limit}
	if offset >= len(items) {
		return page
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	page.Data = append(page.Data, items[offset:end]...)
	return page
}
