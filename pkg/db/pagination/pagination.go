package pagination

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Pagination is an offset page request, bound from query strings by gin.
type Pagination struct {
	Limit  int `form:"limit" json:"limit"`
	Offset int `form:"offset" json:"offset"`
}

// Normalize clamps limit into [1, max] and offset to >= 0.
func (p Pagination) Normalize(def, max int) Pagination {
	if def <= 0 {
		def = DefaultLimit
	}
	if max <= 0 {
		max = MaxLimit
	}
	if p.Limit <= 0 {
		p.Limit = def
	}
	if p.Limit > max {
		p.Limit = max
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

type PageInfo struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// BuildPageInfo trims data fetched with limit+1 rows and reports whether
// another page exists.
func BuildPageInfo[T any](data []*T, p Pagination) ([]*T, PageInfo) {
	info := PageInfo{Limit: p.Limit, Offset: p.Offset}
	if p.Limit > 0 && len(data) > p.Limit {
		info.HasMore = true
		data = data[:p.Limit]
	}
	return data, info
}
