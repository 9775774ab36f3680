package querybuilder

import "strings"

// AggregateParams accumulates groupBy/count/sum/avg/min/max query
// parameters; it produces query parameters only, never a filter string
// (spec.md §4.6).
type AggregateParams struct {
	groupBy []string
	count   bool
	sums    []string
	avgs    []string
	mins    []string
	maxs    []string
}

// NewAggregate starts an empty aggregate parameter builder.
func NewAggregate() *AggregateParams { return &AggregateParams{} }

// GroupBy adds fields to group by.
func (a *AggregateParams) GroupBy(fields ...string) *AggregateParams {
	a.groupBy = append(a.groupBy, fields...)
	return a
}

// Count requests a row count alongside any grouping.
func (a *AggregateParams) Count() *AggregateParams {
	a.count = true
	return a
}

// Sum requests a sum aggregate over field.
func (a *AggregateParams) Sum(field string) *AggregateParams {
	a.sums = append(a.sums, field)
	return a
}

// Avg requests an average aggregate over field.
func (a *AggregateParams) Avg(field string) *AggregateParams {
	a.avgs = append(a.avgs, field)
	return a
}

// Min requests a minimum aggregate over field.
func (a *AggregateParams) Min(field string) *AggregateParams {
	a.mins = append(a.mins, field)
	return a
}

// Max requests a maximum aggregate over field.
func (a *AggregateParams) Max(field string) *AggregateParams {
	a.maxs = append(a.maxs, field)
	return a
}

// Encode renders the accumulated aggregate request as query parameters,
// arrays comma-joined per the Transport's own array-encoding rule (§4.1).
func (a *AggregateParams) Encode() map[string]string {
	out := map[string]string{}
	if len(a.groupBy) > 0 {
		out["groupBy"] = strings.Join(a.groupBy, ",")
	}
	if a.count {
		out["count"] = "true"
	}
	if len(a.sums) > 0 {
		out["sum"] = strings.Join(a.sums, ",")
	}
	if len(a.avgs) > 0 {
		out["avg"] = strings.Join(a.avgs, ",")
	}
	if len(a.mins) > 0 {
		out["min"] = strings.Join(a.mins, ",")
	}
	if len(a.maxs) > 0 {
		out["max"] = strings.Join(a.maxs, ",")
	}
	return out
}
