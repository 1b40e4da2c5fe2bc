package ledger

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/84hero/escrow-indexer/pkg/escrow"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Page requests a window of results. First/After pages forward, Last/Before backward.
// Tokens are opaque and come from a previous PageInfo.
type Page struct {
	First  int
	After  string
	Last   int
	Before string
}

type PageInfo struct {
	HasNextPage     bool   `json:"hasNextPage"`
	HasPreviousPage bool   `json:"hasPreviousPage"`
	StartCursor     string `json:"startCursor,omitempty"`
	EndCursor       string `json:"endCursor,omitempty"`
}

type PageResult struct {
	Items    []*escrow.Record `json:"items"`
	PageInfo PageInfo         `json:"pageInfo"`
}

// pageKey is the stable sort key (createdAt, id).
type pageKey struct {
	CreatedAt int64
	ID        escrow.ID
}

func keyOf(r *escrow.Record) pageKey {
	return pageKey{CreatedAt: r.CreatedAt.Unix(), ID: r.ID}
}

func (k pageKey) compare(o pageKey) int {
	switch {
	case k.CreatedAt < o.CreatedAt:
		return -1
	case k.CreatedAt > o.CreatedAt:
		return 1
	}
	return escrow.CompareID(k.ID, o.ID)
}

func encodeToken(k pageKey) string {
	raw := strconv.FormatInt(k.CreatedAt, 10) + ":" + k.ID.Hex()
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeToken(s string) (pageKey, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return pageKey{}, fmt.Errorf("%w: malformed cursor", ErrInvalidPage)
	}
	ts, id, ok := strings.Cut(string(raw), ":")
	if !ok {
		return pageKey{}, fmt.Errorf("%w: malformed cursor", ErrInvalidPage)
	}
	createdAt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return pageKey{}, fmt.Errorf("%w: malformed cursor", ErrInvalidPage)
	}
	parsed, err := escrow.ParseID(id)
	if err != nil {
		return pageKey{}, fmt.Errorf("%w: malformed cursor", ErrInvalidPage)
	}
	return pageKey{CreatedAt: createdAt, ID: parsed}, nil
}

// pageQuery is a validated Page.
type pageQuery struct {
	forward bool
	limit   int
	after   *pageKey
	before  *pageKey
}

func (p Page) query() (pageQuery, error) {
	if p.First < 0 || p.Last < 0 {
		return pageQuery{}, fmt.Errorf("%w: negative page size", ErrInvalidPage)
	}
	if p.First > 0 && p.Last > 0 {
		return pageQuery{}, fmt.Errorf("%w: first and last are exclusive", ErrInvalidPage)
	}

	q := pageQuery{forward: true, limit: p.First}
	if p.Last > 0 || (p.Before != "" && p.First == 0) {
		q.forward = false
		q.limit = p.Last
	}
	if q.limit == 0 {
		q.limit = DefaultPageSize
	}
	if q.limit > MaxPageSize {
		q.limit = MaxPageSize
	}

	if p.After != "" {
		k, err := decodeToken(p.After)
		if err != nil {
			return pageQuery{}, err
		}
		q.after = &k
	}
	if p.Before != "" {
		k, err := decodeToken(p.Before)
		if err != nil {
			return pageQuery{}, err
		}
		q.before = &k
	}
	return q, nil
}

func (q pageQuery) inRange(k pageKey) bool {
	if q.after != nil && k.compare(*q.after) <= 0 {
		return false
	}
	if q.before != nil && k.compare(*q.before) >= 0 {
		return false
	}
	return true
}

// paginate windows records already filtered and sorted ascending by pageKey.
func paginate(sorted []*escrow.Record, q pageQuery) *PageResult {
	window := make([]*escrow.Record, 0, q.limit)
	var more, outside bool

	if q.forward {
		for _, r := range sorted {
			k := keyOf(r)
			if !q.inRange(k) {
				if q.after != nil && k.compare(*q.after) <= 0 {
					outside = true
				}
				continue
			}
			if len(window) == q.limit {
				more = true
				break
			}
			window = append(window, r.Clone())
		}
	} else {
		for i := len(sorted) - 1; i >= 0; i-- {
			k := keyOf(sorted[i])
			if !q.inRange(k) {
				if q.before != nil && k.compare(*q.before) >= 0 {
					outside = true
				}
				continue
			}
			if len(window) == q.limit {
				more = true
				break
			}
			window = append(window, sorted[i].Clone())
		}
		reverse(window)
	}

	return buildResult(window, q, more, outside)
}

// buildResult assembles a page. more reports items beyond the window in the
// paging direction, outside reports items beyond the opposite bound.
func buildResult(items []*escrow.Record, q pageQuery, more, outside bool) *PageResult {
	res := &PageResult{Items: items}
	if q.forward {
		res.PageInfo.HasNextPage = more
		res.PageInfo.HasPreviousPage = outside
	} else {
		res.PageInfo.HasPreviousPage = more
		res.PageInfo.HasNextPage = outside
	}
	if len(items) > 0 {
		res.PageInfo.StartCursor = encodeToken(keyOf(items[0]))
		res.PageInfo.EndCursor = encodeToken(keyOf(items[len(items)-1]))
	}
	return res
}

func reverse(items []*escrow.Record) {
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
}
