package fhir

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/josephneumann/unkani-sub000/pkg/pagination"
)

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
	Search   *BundleSearch   `json:"search,omitempty"`
}

type BundleSearch struct {
	Mode  string   `json:"mode,omitempty"`
	Score *float64 `json:"score,omitempty"`
}

// Link relations emitted on searchset bundles.
const (
	LinkSelf  = "self"
	LinkFirst = "first"
	LinkLast  = "last"
	LinkPrev  = "prev"
	LinkNext  = "next"
)

// Convertible is a stored row that can render itself as a FHIR resource.
type Convertible interface {
	ResourceType() string
	ResourceID() string
	ToFHIR() (interface{}, error)
}

// SearchSource is a filtered query that has not run yet. Count and Fetch
// execute it.
type SearchSource interface {
	Count(ctx context.Context) (int, error)
	Fetch(ctx context.Context, limit, offset int) ([]Convertible, error)
}

// BundleRequest carries what the assembler needs from the HTTP request.
type BundleRequest struct {
	// BaseURL is the external scheme://host[:port] without a trailing slash.
	BaseURL string
	// Path is the GET-able search path, e.g. "/fhir/Patient".
	Path string
	// ResourcePath is the prefix for entry fullUrls, e.g. "/fhir/Patient".
	ResourcePath string
	Query        []QueryParam
	Paginate     bool
}

func (r BundleRequest) param(key string) string {
	for _, qp := range r.Query {
		if qp.Key == key {
			return qp.Value
		}
	}
	return ""
}

// AssembleBundle runs src and wraps the rows in a searchset Bundle.
//
// With _summary=count only the total is returned. Rows whose ToFHIR fails
// are skipped without adjusting total.
func AssembleBundle(ctx context.Context, src SearchSource, req BundleRequest) (*Bundle, error) {
	b := &Bundle{ResourceType: "Bundle", Type: "searchset"}

	total, err := src.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count search results: %w", err)
	}
	b.Total = &total

	if strings.EqualFold(req.param("_summary"), "count") {
		return b, nil
	}

	var rows []Convertible
	if req.Paginate {
		params, err := pagination.Parse(req.param("page"), req.param("_count"))
		if err != nil {
			return nil, Invalid(err.Error(), "http.query")
		}
		rows, err = src.Fetch(ctx, params.Limit(), params.Offset())
		if err != nil {
			return nil, fmt.Errorf("fetch search page: %w", err)
		}
		b.Link = pageLinks(req, pagination.New(rows, total, params))
	} else {
		rows, err = src.Fetch(ctx, total, 0)
		if err != nil {
			return nil, fmt.Errorf("fetch search results: %w", err)
		}
	}

	score := 1.0
	for _, row := range rows {
		res, err := row.ToFHIR()
		if err != nil {
			continue
		}
		raw, err := json.Marshal(res)
		if err != nil {
			continue
		}
		b.Entry = append(b.Entry, BundleEntry{
			FullURL:  fmt.Sprintf("%s%s/%s", req.BaseURL, req.ResourcePath, row.ResourceID()),
			Resource: raw,
			Search:   &BundleSearch{Mode: "match", Score: &score},
		})
	}
	return b, nil
}

// pageLinks builds self/first/last and, when neighbors exist, prev/next.
func pageLinks(req BundleRequest, pg *pagination.Page[Convertible]) []BundleLink {
	links := []BundleLink{
		{Relation: LinkSelf, URL: pageURL(req, pg.Page, pg.PerPage)},
		{Relation: LinkFirst, URL: pageURL(req, 1, pg.PerPage)},
		{Relation: LinkLast, URL: pageURL(req, pg.Pages(), pg.PerPage)},
	}
	if pg.HasPrev() {
		links = append(links, BundleLink{Relation: LinkPrev, URL: pageURL(req, pg.PrevNum(), pg.PerPage)})
	}
	if pg.HasNext() {
		links = append(links, BundleLink{Relation: LinkNext, URL: pageURL(req, pg.NextNum(), pg.PerPage)})
	}
	return links
}

// pageURL echoes every query argument in request order, then pins page and _count.
func pageURL(req BundleRequest, page, perPage int) string {
	var sb strings.Builder
	sb.WriteString(req.BaseURL)
	sb.WriteString(req.Path)
	sb.WriteByte('?')
	for _, qp := range req.Query {
		if qp.Key == "page" || qp.Key == "_count" {
			continue
		}
		sb.WriteString(url.QueryEscape(qp.Key))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(qp.Value))
		sb.WriteByte('&')
	}
	fmt.Fprintf(&sb, "page=%d&_count=%d", page, perPage)
	return sb.String()
}
