package pagination

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	DefaultPerPage = 10
	MaxPerPage     = 100
)

// Params holds 1-based page pagination extracted from a request.
type Params struct {
	Page    int
	PerPage int
}

// Parse reads the page and _count values. Empty values take the defaults;
// anything that is not a positive integer is rejected. PerPage is capped at
// MaxPerPage.
func Parse(page, count string) (Params, error) {
	p := Params{Page: 1, PerPage: DefaultPerPage}
	if s := strings.TrimSpace(page); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return p, fmt.Errorf("page must be a positive integer, got %q", page)
		}
		p.Page = n
	}
	if s := strings.TrimSpace(count); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return p, fmt.Errorf("_count must be a positive integer, got %q", count)
		}
		p.PerPage = n
	}
	if p.PerPage > MaxPerPage {
		p.PerPage = MaxPerPage
	}
	return p, nil
}

// Limit returns the SQL LIMIT for the page.
func (p Params) Limit() int { return p.PerPage }

// Offset returns the SQL OFFSET for the page.
func (p Params) Offset() int { return (p.Page - 1) * p.PerPage }

// Page is one page of a larger result set.
type Page[T any] struct {
	Items   []T
	Total   int
	Page    int
	PerPage int
}

// New wraps items fetched for p out of total matches.
func New[T any](items []T, total int, p Params) *Page[T] {
	return &Page[T]{Items: items, Total: total, Page: p.Page, PerPage: p.PerPage}
}

// Pages is the number of pages, never less than one so "last" is always valid.
func (pg *Page[T]) Pages() int {
	if pg.Total <= 0 || pg.PerPage <= 0 {
		return 1
	}
	return (pg.Total + pg.PerPage - 1) / pg.PerPage
}

// HasPrev reports whether a page precedes this one.
func (pg *Page[T]) HasPrev() bool { return pg.Page > 1 }

// HasNext reports whether a page follows this one.
func (pg *Page[T]) HasNext() bool { return pg.Page < pg.Pages() }

// PrevNum is the previous page number, or 0 when there is none.
func (pg *Page[T]) PrevNum() int {
	if !pg.HasPrev() {
		return 0
	}
	return pg.Page - 1
}

// NextNum is the next page number, or 0 when there is none.
func (pg *Page[T]) NextNum() int {
	if !pg.HasNext() {
		return 0
	}
	return pg.Page + 1
}
