// Package pagination reads limit/offset query parameters and wraps list
// results in a page envelope with navigation links.
package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

type Params struct {
	Limit  int
	Offset int
}

// FromContext reads ?limit and ?offset. Missing or non-positive limits fall
// back to DefaultLimit, large ones are capped at MaxLimit, and negative
// offsets become zero.
func FromContext(c echo.Context) Params {
	p := Params{Limit: DefaultLimit}
	if n, err := strconv.Atoi(c.QueryParam("limit")); err == nil && n > 0 {
		p.Limit = min(n, MaxLimit)
	}
	if n, err := strconv.Atoi(c.QueryParam("offset")); err == nil && n > 0 {
		p.Offset = n
	}
	return p
}

func (p Params) HasNext(total int) bool { return p.NextOffset() < total }

func (p Params) HasPrevious() bool { return p.Offset > 0 }

func (p Params) NextOffset() int { return p.Offset + p.Limit }

func (p Params) PreviousOffset() int { return max(p.Offset-p.Limit, 0) }

type Link struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// Response is the envelope of every list endpoint.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
	Links   []Link      `json:"links,omitempty"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	p := Params{Limit: limit, Offset: offset}
	return &Response{Data: data, Total: total, Limit: limit, Offset: offset, HasMore: p.HasNext(total)}
}

// NewPage builds a Response with self/next/previous links that keep the
// request's filters.
func NewPage(c echo.Context, data interface{}, total int, p Params) *Response {
	r := NewResponse(data, total, p.Limit, p.Offset)
	r.Links = p.Links(c.Request().URL, total)
	return r
}

// Links returns the navigation links for this page of u.
func (p Params) Links(u *url.URL, total int) []Link {
	link := func(rel string, offset int) Link {
		q := u.Query()
		q.Set("limit", strconv.Itoa(p.Limit))
		q.Set("offset", strconv.Itoa(offset))
		return Link{Relation: rel, URL: u.Path + "?" + q.Encode()}
	}
	links := []Link{link("self", p.Offset)}
	if p.HasNext(total) {
		links = append(links, link("next", p.NextOffset()))
	}
	if p.HasPrevious() {
		links = append(links, link("previous", p.PreviousOffset()))
	}
	return links
}
