package controller

import (
	"errors"
	"sort"

	"github.com/gameops/fleetctl/internal/drift"
)

// DefaultReportPerPage bounds an unpaginated drift report request; a fleet
// of ~20 instances can easily produce thousands of EXTRA items per scan,
// and callers that want more ask for it explicitly.
const DefaultReportPerPage = 100

var (
	// ErrInvalidPage is returned for a page number below 1.
	ErrInvalidPage = errors.New("controller: page must be >= 1")

	// ErrInvalidPerPage is returned for a per_page below 1.
	ErrInvalidPerPage = errors.New("controller: per_page must be >= 1")

	// ErrPerPageTooLarge is returned for a per_page above 1000.
	ErrPerPageTooLarge = errors.New("controller: per_page must be <= 1000")

	// ErrInvalidSortField is returned for an unrecognized sort field.
	ErrInvalidSortField = errors.New("controller: invalid sort field")

	// ErrInvalidSortOrder is returned for a sort order other than asc/desc.
	ErrInvalidSortOrder = errors.New("controller: sort order must be asc or desc")
)

// Pagination selects one window of a drift report.
type Pagination struct {
	Page    int `json:"page" validate:"min=1"`
	PerPage int `json:"per_page" validate:"min=1,max=1000"`
}

// Validate checks pagination parameters.
func (p *Pagination) Validate() error {
	if p.Page < 1 {
		return ErrInvalidPage
	}
	if p.PerPage < 1 {
		return ErrInvalidPerPage
	}
	if p.PerPage > 1000 {
		return ErrPerPageTooLarge
	}
	return nil
}

// Offset is the index of the window's first item.
func (p *Pagination) Offset() int {
	return (p.Page - 1) * p.PerPage
}

// SortOrder is a sorting direction.
type SortOrder string

const (
	SortOrderAsc  SortOrder = "asc"
	SortOrderDesc SortOrder = "desc"
)

// Sorting orders a drift report before pagination is applied.
type Sorting struct {
	Field string    `json:"field" validate:"required,oneof=detected_at severity classification instance_id config_file"`
	Order SortOrder `json:"order" validate:"required,oneof=asc desc"`
}

// Validate checks sorting parameters.
func (s *Sorting) Validate() error {
	validFields := map[string]bool{
		"detected_at":    true,
		"severity":       true,
		"classification": true,
		"instance_id":    true,
		"config_file":    true,
	}
	if !validFields[s.Field] {
		return ErrInvalidSortField
	}
	if s.Order != SortOrderAsc && s.Order != SortOrderDesc {
		return ErrInvalidSortOrder
	}
	return nil
}

// ReportPage is one window of a drift report, with enough bookkeeping for a
// client to walk the full result set.
type ReportPage struct {
	Items      []drift.Item `json:"items"`
	Total      int          `json:"total"`
	Page       int          `json:"page"`
	PerPage    int          `json:"per_page"`
	TotalPages int          `json:"total_pages"`
	HasNext    bool         `json:"has_next"`
	HasPrev    bool         `json:"has_prev"`
}

// severityRank orders severities for sorting: info < warning < error.
func severityRank(s drift.Severity) int {
	switch s {
	case drift.SeverityInfo:
		return 0
	case drift.SeverityWarning:
		return 1
	case drift.SeverityError:
		return 2
	default:
		return -1
	}
}

// paginateReport sorts items per s (detected_at descending when s is nil,
// so the freshest findings come first) and cuts the window p selects
// (page 1 of DefaultReportPerPage when p is nil). items is not mutated.
func paginateReport(items []drift.Item, p *Pagination, s *Sorting) (*ReportPage, error) {
	if p == nil {
		p = &Pagination{Page: 1, PerPage: DefaultReportPerPage}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if s == nil {
		s = &Sorting{Field: "detected_at", Order: SortOrderDesc}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	sorted := make([]drift.Item, len(items))
	copy(sorted, items)
	less := lessFunc(s.Field)
	sort.SliceStable(sorted, func(i, j int) bool {
		if s.Order == SortOrderDesc {
			return less(sorted[j], sorted[i])
		}
		return less(sorted[i], sorted[j])
	})

	total := len(sorted)
	totalPages := (total + p.PerPage - 1) / p.PerPage

	start := p.Offset()
	if start > total {
		start = total
	}
	end := start + p.PerPage
	if end > total {
		end = total
	}

	return &ReportPage{
		Items:      sorted[start:end],
		Total:      total,
		Page:       p.Page,
		PerPage:    p.PerPage,
		TotalPages: totalPages,
		HasNext:    p.Page < totalPages,
		HasPrev:    p.Page > 1 && total > 0,
	}, nil
}

func lessFunc(field string) func(a, b drift.Item) bool {
	switch field {
	case "severity":
		return func(a, b drift.Item) bool { return severityRank(a.Severity) < severityRank(b.Severity) }
	case "classification":
		return func(a, b drift.Item) bool { return a.Classification < b.Classification }
	case "instance_id":
		return func(a, b drift.Item) bool { return a.InstanceID < b.InstanceID }
	case "config_file":
		return func(a, b drift.Item) bool { return a.ConfigFile < b.ConfigFile }
	default: // detected_at
		return func(a, b drift.Item) bool { return a.DetectedAt.Before(b.DetectedAt) }
	}
}
