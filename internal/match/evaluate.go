// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package match evaluates utility filter rules against emails. It supports
// the legacy fixed-shape filter format and the generalized condition-group
// format side by side; the format is chosen once at configuration load.
package match

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// Condition operators.
const (
	OpEquals             = "equals"
	OpNotEquals          = "not_equals"
	OpContains           = "contains"
	OpNotContains        = "not_contains"
	OpStartsWith         = "starts_with"
	OpEndsWith           = "ends_with"
	OpRegex              = "regex"
	OpIn                 = "in"
	OpNotIn              = "not_in"
	OpGreaterThan        = "greater_than"
	OpLessThan           = "less_than"
	OpGreaterThanOrEqual = "greater_than_or_equal"
	OpLessThanOrEqual    = "less_than_or_equal"
	OpBetween            = "between"
	OpIsEmpty            = "is_empty"
	OpIsNotEmpty         = "is_not_empty"
)

// knownOperators is the closed operator set. Anything else is a
// configuration mistake and evaluates to non-match.
var knownOperators = map[string]bool{
	OpEquals: true, OpNotEquals: true,
	OpContains: true, OpNotContains: true,
	OpStartsWith: true, OpEndsWith: true,
	OpRegex: true,
	OpIn:    true, OpNotIn: true,
	OpGreaterThan: true, OpLessThan: true,
	OpGreaterThanOrEqual: true, OpLessThanOrEqual: true,
	OpBetween: true, OpIsEmpty: true, OpIsNotEmpty: true,
}

// FieldValue is a scalar or list projection of an email field. Absent
// values normalize to the empty scalar.
type FieldValue struct {
	scalar string
	list   []string
	isList bool
}

// Scalar wraps a single string value.
func Scalar(s string) FieldValue { return FieldValue{scalar: s} }

// List wraps a list-typed value.
func List(ss []string) FieldValue { return FieldValue{list: ss, isList: true} }

// Evaluate applies one operator to a field value and a comparison value.
// It never fails: coercion errors, invalid patterns, and unknown operators
// all evaluate to false so a single bad condition cannot abort matching.
func Evaluate(field FieldValue, operator string, comparison any, caseSensitive bool) bool {
	switch operator {
	case OpEquals:
		return stringTest(field, comparison, caseSensitive, func(a, b string) bool { return a == b })
	case OpNotEquals:
		return !stringTest(field, comparison, caseSensitive, func(a, b string) bool { return a == b })
	case OpContains:
		return stringTest(field, comparison, caseSensitive, strings.Contains)
	case OpNotContains:
		return !stringTest(field, comparison, caseSensitive, strings.Contains)
	case OpStartsWith:
		return stringTest(field, comparison, caseSensitive, strings.HasPrefix)
	case OpEndsWith:
		return stringTest(field, comparison, caseSensitive, strings.HasSuffix)
	case OpRegex:
		return regexTest(field, comparison, caseSensitive)
	case OpIn:
		return inTest(field, comparison, caseSensitive)
	case OpNotIn:
		return !inTest(field, comparison, caseSensitive)
	case OpGreaterThan:
		return numericTest(field, comparison, func(a, b float64) bool { return a > b })
	case OpLessThan:
		return numericTest(field, comparison, func(a, b float64) bool { return a < b })
	case OpGreaterThanOrEqual:
		return numericTest(field, comparison, func(a, b float64) bool { return a >= b })
	case OpLessThanOrEqual:
		return numericTest(field, comparison, func(a, b float64) bool { return a <= b })
	case OpBetween:
		return betweenTest(field, comparison)
	case OpIsEmpty:
		return isEmpty(field)
	case OpIsNotEmpty:
		return !isEmpty(field)
	default:
		slog.Warn("unknown condition operator", "operator", operator)
		return false
	}
}

// stringTest applies a binary string predicate. List-typed fields match if
// any element satisfies the predicate (membership-by-substring semantics
// for contains).
func stringTest(field FieldValue, comparison any, caseSensitive bool, pred func(a, b string) bool) bool {
	cmp := coerceString(comparison)
	if !caseSensitive {
		cmp = strings.ToLower(cmp)
	}
	for _, v := range field.values() {
		if !caseSensitive {
			v = strings.ToLower(v)
		}
		if pred(v, cmp) {
			return true
		}
	}
	return false
}

// regexTest searches (not fully matches) the raw field value. Case
// insensitivity is expressed through the pattern flag rather than folding
// the input.
func regexTest(field FieldValue, comparison any, caseSensitive bool) bool {
	pattern := coerceString(comparison)
	if !caseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		slog.Warn("invalid condition regex", "pattern", coerceString(comparison), "error", err)
		return false
	}
	for _, v := range field.values() {
		if re.MatchString(v) {
			return true
		}
	}
	return false
}

func inTest(field FieldValue, comparison any, caseSensitive bool) bool {
	set := coerceStringList(comparison)
	for _, v := range field.values() {
		for _, c := range set {
			if caseSensitive {
				if v == c {
					return true
				}
			} else if strings.EqualFold(v, c) {
				return true
			}
		}
	}
	return false
}

func numericTest(field FieldValue, comparison any, pred func(a, b float64) bool) bool {
	a, ok := coerceFloat(field.primary())
	if !ok {
		return false
	}
	b, ok := coerceFloat(comparison)
	if !ok {
		return false
	}
	return pred(a, b)
}

// betweenTest expects a two-element [min, max] comparison, inclusive both ends.
func betweenTest(field FieldValue, comparison any) bool {
	bounds := coerceStringList(comparison)
	if len(bounds) != 2 {
		return false
	}
	v, ok := coerceFloat(field.primary())
	if !ok {
		return false
	}
	lo, okLo := coerceFloat(bounds[0])
	hi, okHi := coerceFloat(bounds[1])
	if !okLo || !okHi {
		return false
	}
	return v >= lo && v <= hi
}

func isEmpty(field FieldValue) bool {
	if field.isList {
		return len(field.list) == 0
	}
	return strings.TrimSpace(field.scalar) == ""
}

// values returns the elements a string predicate iterates over.
func (f FieldValue) values() []string {
	if f.isList {
		return f.list
	}
	return []string{f.scalar}
}

// primary returns the value used by numeric operators. Numeric comparison
// against a list-typed field has no defined meaning and coerces to failure.
func (f FieldValue) primary() any {
	if f.isList {
		return f.list
	}
	return f.scalar
}

// coerceString renders a comparison value as a string.
func coerceString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// coerceStringList renders a comparison value as a string list. A scalar
// becomes a single-element list.
func coerceStringList(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			out = append(out, coerceString(e))
		}
		return out
	default:
		return []string{coerceString(v)}
	}
}

// coerceFloat converts scalars to float64. Lists and unparseable strings fail.
func coerceFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
