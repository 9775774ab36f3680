// Package querybuilder produces RSQL-like filter strings and aggregate
// query parameters as pure functions, generalizing the ad hoc url.Values
// construction the teacher writes inline in its REST handlers (spec.md
// §4.6).
package querybuilder

import "strings"

// Expr is an RSQL-like filter fragment. Expr values compose via And/Or/Not
// and finally render with String.
type Expr struct {
	s string
}

func (e Expr) String() string { return e.s }

func leaf(field, op string, v any) Expr {
	return Expr{s: field + op + escape(v)}
}

// Eq builds field==v.
func Eq(field string, v any) Expr { return leaf(field, "==", v) }

// Ne builds field!=v.
func Ne(field string, v any) Expr { return leaf(field, "!=", v) }

// Gt builds field=gt=v (greater than).
func Gt(field string, v any) Expr { return leaf(field, "=gt=", v) }

// Gte builds field=ge=v (greater than or equal).
func Gte(field string, v any) Expr { return leaf(field, "=ge=", v) }

// Lt builds field=lt=v (less than).
func Lt(field string, v any) Expr { return leaf(field, "=lt=", v) }

// Lte builds field=le=v (less than or equal).
func Lte(field string, v any) Expr { return leaf(field, "=le=", v) }

// Like builds field=like=pattern.
func Like(field, pattern string) Expr { return leaf(field, "=like=", pattern) }

// NotLike builds field=notlike=pattern.
func NotLike(field, pattern string) Expr { return leaf(field, "=notlike=", pattern) }

// StartsWith desugars to =like= with a trailing wildcard.
func StartsWith(field, prefix string) Expr { return Like(field, prefix+"%") }

// EndsWith desugars to =like= with a leading wildcard.
func EndsWith(field, suffix string) Expr { return Like(field, "%"+suffix) }

// Contains desugars to =like= with both wildcards.
func Contains(field, substr string) Expr { return Like(field, "%"+substr+"%") }

// In builds field=in=(a,b,c).
func In(field string, values ...any) Expr { return leaf(field, "=in=", setLiteral(values)) }

// Out builds field=out=(a,b,c).
func Out(field string, values ...any) Expr { return leaf(field, "=out=", setLiteral(values)) }

// IsNull builds field=isnull=true|false.
func IsNull(field string, isNull bool) Expr {
	if isNull {
		return leaf(field, "=isnull=", rawLiteral{"true"})
	}
	return leaf(field, "=isnull=", rawLiteral{"false"})
}

// And joins terms with ';' (binds tighter than Or) and wraps the group in
// parentheses when there is more than one term.
func And(terms ...Expr) Expr {
	return join(terms, ";")
}

// Or joins terms with ','.
func Or(terms ...Expr) Expr {
	return join(terms, ",")
}

// Not negates a group: !not=(expr).
func Not(e Expr) Expr {
	return Expr{s: "!not=(" + e.s + ")"}
}

func join(terms []Expr, sep string) Expr {
	if len(terms) == 0 {
		return Expr{}
	}
	if len(terms) == 1 {
		return terms[0]
	}
	parts := make([]string, len(terms))
	for i, t := range terms {
		parts[i] = t.s
	}
	return Expr{s: "(" + strings.Join(parts, sep) + ")"}
}

// setLiteral is a pseudo-value so escape() renders In/Out's operand as a
// parenthesized, comma-joined list without per-value quoting collisions.
type setLiteral []any

type rawLiteral struct{ s string }
