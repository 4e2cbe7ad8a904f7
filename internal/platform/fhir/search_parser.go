package fhir

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// QueryParam is one key/value pair in the order it appeared on the wire.
type QueryParam struct {
	Key   string
	Value string
}

// controlParams never count as search criteria.
var controlParams = map[string]bool{
	"page":     true,
	"_count":   true,
	"_format":  true,
	"_summary": true,
}

// ParseQueryOrdered splits a raw query string (or form body) keeping pair order,
// which url.Values cannot do.
func ParseQueryOrdered(raw string) ([]QueryParam, error) {
	var out []QueryParam
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("invalid query key %q: %w", k, err)
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("invalid query value for %q: %w", key, err)
		}
		out = append(out, QueryParam{Key: key, Value: val})
	}
	return out, nil
}

// SearchOptions controls parser policy.
type SearchOptions struct {
	// Strict rejects parameters missing from the capability table.
	Strict bool
}

// ParseSearch converts query pairs into a SearchSpec using table. Every
// problem is collected; if any exist the whole parse fails with a 400 carrying
// one invalid issue per problem, so a malformed search is never partly applied.
func ParseSearch(params []QueryParam, table *CapabilityTable, opts SearchOptions) (*SearchSpec, error) {
	spec := &SearchSpec{}
	b := NewOutcomeBuilder()

	for _, qp := range params {
		name, modifier, hasModifier := strings.Cut(qp.Key, ":")
		if controlParams[name] {
			continue
		}
		param, ok := table.Params[name]
		if !ok {
			if opts.Strict {
				b.AddIssueWithLocation(IssueSeverityError, IssueTypeInvalid,
					fmt.Sprintf("Search parameter %q is not supported for %s.", name, table.Resource), qp.Key)
			}
			continue
		}
		if !utf8.ValidString(qp.Value) {
			b.AddIssueWithLocation(IssueSeverityError, IssueTypeInvalid,
				fmt.Sprintf("value for search parameter %q is not valid UTF-8.", name), qp.Key)
			continue
		}

		entry, err := parseEntry(name, SearchModifier(strings.ToLower(strings.TrimSpace(modifier))), hasModifier, qp.Value, param)
		if err != nil {
			b.AddIssueWithLocation(IssueSeverityError, IssueTypeInvalid, err.Error(), qp.Key)
			continue
		}
		if param.Entity != table.Base {
			entry.Join = table.Joins[param.Entity]
		}
		spec.Entries = append(spec.Entries, entry)
	}

	if b.Len() > 0 {
		return nil, OutcomeError(http.StatusBadRequest, b.Build())
	}
	return spec, nil
}

func parseEntry(name string, modifier SearchModifier, hasModifier bool, raw string, p SearchParam) (SearchEntry, error) {
	e := SearchEntry{
		Param:   name,
		Type:    p.Type,
		Entity:  p.Entity,
		Columns: p.Columns,
	}

	if hasModifier {
		if modifier == "" || !p.allowsModifier(modifier) {
			return e, fmt.Errorf("modifier %q is not supported for search parameter %q.", modifier, name)
		}
		e.Modifier = modifier
	}

	value := strings.TrimSpace(raw)

	if e.Modifier == ModifierMissing {
		missing, err := parseBool(value)
		if err != nil {
			return e, fmt.Errorf("value %q for %s:missing must be true or false.", raw, name)
		}
		e.Value = missing
		e.Operator = OpIsNotNull
		if missing {
			e.Operator = OpIsNull
		}
		if len(p.SystemColumns) > 0 {
			e.Columns = systemColumns(p, p.systems())
		}
		return e, nil
	}

	if p.Ordered && e.Modifier == "" && len(value) > 2 {
		candidate := SearchPrefix(strings.ToLower(value[:2]))
		if _, known := prefixOperators[candidate]; known {
			if !p.allowsPrefix(candidate) {
				return e, fmt.Errorf("prefix %q is not supported for search parameter %q.", candidate, name)
			}
			e.Prefix = candidate
			value = value[2:]
		}
	}

	if p.Type == TypeToken {
		system, code, err := splitToken(value)
		if err != nil {
			return e, fmt.Errorf("token value %q for %s: %v", raw, name, err)
		}
		e.System = system
		value = code
		if len(p.SystemColumns) > 0 {
			if system != "" {
				col, ok := p.SystemColumns[system]
				if !ok {
					return e, fmt.Errorf("identifier system %q is not supported for search parameter %q.", system, name)
				}
				e.Columns = []string{col}
			} else {
				e.Columns = systemColumns(p, p.systems())
			}
		}
	}

	if e.Modifier == ModifierIn || e.Modifier == ModifierNotIn {
		parts := strings.Split(value, ",")
		values := make([]any, 0, len(parts))
		for _, part := range parts {
			v, err := coerce(strings.TrimSpace(part), p)
			if err != nil {
				return e, fmt.Errorf("value %q for %s: %v", part, name, err)
			}
			values = append(values, v)
		}
		e.Value = values
		e.Operator = OpIn
		if e.Modifier == ModifierNotIn {
			e.Operator = OpNotIn
		}
		return e, nil
	}

	v, err := coerce(value, p)
	if err != nil {
		return e, fmt.Errorf("value %q for %s: %v", raw, name, err)
	}
	e.Value = v
	e.Operator = operatorFor(e, p.Type)

	if p.Type == TypeString && e.Operator == OpLike {
		s := escapeLike(FoldAccents(v.(string)))
		if e.Modifier == ModifierContains {
			e.Value = "%" + s + "%"
		} else {
			e.Value = s + "%"
		}
	}
	return e, nil
}

// operatorFor picks the comparator from the modifier or prefix, falling back
// to the type's default.
func operatorFor(e SearchEntry, t ValueType) Operator {
	switch e.Modifier {
	case ModifierExact:
		return OpEq
	case ModifierNot:
		if t == TypeBool {
			return OpIsNot
		}
		return OpNe
	case ModifierContains:
		return OpLike
	case ModifierAbove:
		return OpGt
	case ModifierBelow:
		return OpLt
	}
	if e.Prefix != "" {
		return prefixOperators[e.Prefix]
	}
	if t == TypeString {
		return OpLike
	}
	return OpEq
}

func systemColumns(p SearchParam, systems []string) []string {
	cols := make([]string, 0, len(systems))
	for _, s := range systems {
		cols = append(cols, p.SystemColumns[s])
	}
	return cols
}

// splitToken splits "system|code", "|code" or "code".
func splitToken(v string) (system, code string, err error) {
	if strings.Count(v, "|") > 1 {
		return "", "", fmt.Errorf("only one '|' separator is allowed")
	}
	system, code, found := strings.Cut(v, "|")
	if !found {
		return "", v, nil
	}
	if code == "" {
		return "", "", fmt.Errorf("a code is required after '|'")
	}
	return strings.TrimSpace(system), strings.TrimSpace(code), nil
}

// coerce converts a raw value to the declared type and runs validators.
func coerce(raw string, p SearchParam) (any, error) {
	if raw == "" {
		return nil, fmt.Errorf("a value is required")
	}
	var (
		v   any
		err error
	)
	switch p.Type {
	case TypeBool:
		v, err = parseBool(raw)
	case TypeInt:
		v, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			err = fmt.Errorf("must be a decimal integer")
		}
	case TypeDate:
		var t time.Time
		t, err = ParseFlexDate(raw)
		if err == nil {
			v = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		}
	case TypeDateTime:
		v, err = ParseFlexDate(raw)
	case TypeString, TypeToken:
		v = raw
	default:
		err = fmt.Errorf("unsupported value type %q", p.Type)
	}
	if err != nil {
		return nil, err
	}
	for _, validate := range p.Validators {
		if err := validate(v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "t":
		return true, nil
	case "0", "false", "f":
		return false, nil
	}
	return false, fmt.Errorf("must be one of 0, 1, true, false, t, f")
}

var flexDateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006-01",
	"2006",
	"01/02/2006",
	"20060102",
}

// ParseFlexDate accepts the FHIR partial date forms plus a few common
// alternates. Values without a zone are read as UTC.
func ParseFlexDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	// '+' in an offset arrives as a space after query decoding.
	if i := strings.LastIndex(s, " "); i > 10 && len(s)-i == 6 {
		s = s[:i] + "+" + s[i+1:]
	}
	for _, layout := range flexDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not a recognizable date", s)
}
