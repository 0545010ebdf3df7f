// File: internal/response/pagination.go
package response

import (
	"net/url"
	"strconv"

	"livecomments/internal/models"
	"livecomments/internal/services"
)

// PaginationMeta contains offset pagination information
type PaginationMeta struct {
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// PaginationConfig names the query parameters of a page request
type PaginationConfig struct {
	LimitParam  string `json:"limit_param"`
	OffsetParam string `json:"offset_param"`
}

// DefaultPaginationConfig returns default pagination configuration
func DefaultPaginationConfig() *PaginationConfig {
	return &PaginationConfig{
		LimitParam:  "limit",
		OffsetParam: "offset",
	}
}

// ParsePage reads limit and offset from the query string. Missing values are
// left at zero so the service applies its own defaults.
func ParsePage(query url.Values, config *PaginationConfig) (models.Page, error) {
	if config == nil {
		config = DefaultPaginationConfig()
	}

	var page models.Page
	if s := query.Get(config.LimitParam); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 0 {
			return page, services.NewValidationError("invalid "+config.LimitParam+" parameter: "+s, err)
		}
		page.Limit = limit
	}
	if s := query.Get(config.OffsetParam); s != "" {
		offset, err := strconv.Atoi(s)
		if err != nil || offset < 0 {
			return page, services.NewValidationError("invalid "+config.OffsetParam+" parameter: "+s, err)
		}
		page.Offset = offset
	}
	return page, nil
}
