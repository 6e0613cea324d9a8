// Package pagination binds and clamps limit/offset query parameters for
// row listings.
package pagination

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

type Params struct {
	Limit  int `form:"limit,default=100"`
	Offset int `form:"offset,default=0"`
}

// Clamp normalizes out-of-range values instead of rejecting them.
func (p Params) Clamp() Params {
	if p.Limit <= 0 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}
