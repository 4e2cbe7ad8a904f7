package fhir

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/go-playground/validator/v10"
)

// SearchPrefix is a two letter comparison prefix on an ordered value.
type SearchPrefix string

const (
	PrefixEq SearchPrefix = "eq"
	PrefixNe SearchPrefix = "ne"
	PrefixGt SearchPrefix = "gt"
	PrefixLt SearchPrefix = "lt"
	PrefixGe SearchPrefix = "ge"
	PrefixLe SearchPrefix = "le"
)

// AllPrefixes is the full prefix set for ordered parameters.
var AllPrefixes = []SearchPrefix{PrefixEq, PrefixNe, PrefixLt, PrefixLe, PrefixGt, PrefixGe}

// SearchModifier is the ":modifier" suffix on a parameter name.
type SearchModifier string

const (
	ModifierExact    SearchModifier = "exact"
	ModifierNot      SearchModifier = "not"
	ModifierContains SearchModifier = "contains"
	ModifierIn       SearchModifier = "in"
	ModifierNotIn    SearchModifier = "not-in"
	ModifierAbove    SearchModifier = "above"
	ModifierBelow    SearchModifier = "below"
	ModifierMissing  SearchModifier = "missing"
)

// ValueType is the declared type a parameter's value is coerced to.
type ValueType string

const (
	TypeBool     ValueType = "bool"
	TypeDate     ValueType = "date"
	TypeDateTime ValueType = "datetime"
	TypeInt      ValueType = "int"
	TypeString   ValueType = "string"
	TypeToken    ValueType = "token"
)

// Operator is the SQL comparator a parsed entry applies.
type Operator string

const (
	OpEq        Operator = "="
	OpNe        Operator = "!="
	OpLt        Operator = "<"
	OpLe        Operator = "<="
	OpGt        Operator = ">"
	OpGe        Operator = ">="
	OpLike      Operator = "ILIKE"
	OpIn        Operator = "IN"
	OpNotIn     Operator = "NOT IN"
	OpIsNull    Operator = "IS NULL"
	OpIsNotNull Operator = "IS NOT NULL"
	OpIsNot     Operator = "IS NOT"
)

var prefixOperators = map[SearchPrefix]Operator{
	PrefixEq: OpEq,
	PrefixNe: OpNe,
	PrefixLt: OpLt,
	PrefixLe: OpLe,
	PrefixGt: OpGt,
	PrefixGe: OpGe,
}

// ValueValidator is an optional extra check run on each coerced value.
type ValueValidator func(v any) error

// SearchParam is the static descriptor of one search parameter. Exactly one
// of Columns or SystemColumns is set; SystemColumns maps a token system URI
// to the column holding codes of that system.
type SearchParam struct {
	Ordered       bool
	Modifiers     []SearchModifier  `validate:"dive,oneof=exact not contains in not-in above below missing"`
	Prefixes      []SearchPrefix    `validate:"dive,oneof=eq ne lt le gt ge"`
	Entity        string            `validate:"required,sql_ident"`
	Columns       []string          `validate:"required_without=SystemColumns,excluded_with=SystemColumns,dive,sql_ident"`
	SystemColumns map[string]string `validate:"required_without=Columns,dive,keys,required,endkeys,sql_ident"`
	Type          ValueType         `validate:"required,oneof=bool date datetime int string token"`
	Validators    []ValueValidator  `validate:"-"`
}

func (p SearchParam) allowsModifier(m SearchModifier) bool {
	for _, allowed := range p.Modifiers {
		if allowed == m {
			return true
		}
	}
	return false
}

func (p SearchParam) allowsPrefix(pr SearchPrefix) bool {
	for _, allowed := range p.Prefixes {
		if allowed == pr {
			return true
		}
	}
	return false
}

// systems returns the configured token systems in a stable order.
func (p SearchParam) systems() []string {
	out := make([]string, 0, len(p.SystemColumns))
	for s := range p.SystemColumns {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// CapabilityTable describes the search surface of one resource. Joins holds the
// ON clause used to reach every entity other than Base.
type CapabilityTable struct {
	Resource string                 `validate:"required"`
	Base     string                 `validate:"required,sql_ident"`
	Joins    map[string]string      `validate:"omitempty,dive,keys,sql_ident,endkeys,required"`
	Params   map[string]SearchParam `validate:"required,dive"`
}

// BaselineParams are merged into every capability table.
func BaselineParams(base string) map[string]SearchParam {
	return map[string]SearchParam{
		"_id": {
			Modifiers: []SearchModifier{ModifierExact, ModifierNot},
			Entity:    base,
			Columns:   []string{"id"},
			Type:      TypeInt,
		},
		"_lastUpdated": {
			Ordered:  true,
			Prefixes: AllPrefixes,
			Entity:   base,
			Columns:  []string{"updated_at"},
			Type:     TypeDateTime,
		},
	}
}

// NewCapabilityTable merges the baseline parameters with params and validates
// the result. Resource specific entries win over baseline ones.
func NewCapabilityTable(resource, base string, joins map[string]string, params map[string]SearchParam) (*CapabilityTable, error) {
	merged := BaselineParams(base)
	for name, p := range params {
		merged[name] = p
	}
	t := &CapabilityTable{Resource: resource, Base: base, Joins: joins, Params: merged}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// MustCapabilityTable panics on an invalid table. Tables are static, so a
// failure here is a programming error caught at startup.
func MustCapabilityTable(resource, base string, joins map[string]string, params map[string]SearchParam) *CapabilityTable {
	t, err := NewCapabilityTable(resource, base, joins, params)
	if err != nil {
		panic(fmt.Sprintf("invalid %s capability table: %v", resource, err))
	}
	return t
}

var sqlIdent = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

var tableValidator = newTableValidator()

func newTableValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("sql_ident", func(fl validator.FieldLevel) bool {
		return sqlIdent.MatchString(fl.Field().String())
	})
	v.RegisterStructValidation(validateSearchParam, SearchParam{})
	return v
}

func validateSearchParam(sl validator.StructLevel) {
	p := sl.Current().Interface().(SearchParam)
	if len(p.Prefixes) > 0 && !p.Ordered {
		sl.ReportError(p.Prefixes, "Prefixes", "Prefixes", "ordered", "")
	}
	if len(p.SystemColumns) > 0 && p.Type != TypeToken {
		sl.ReportError(p.SystemColumns, "SystemColumns", "SystemColumns", "token_only", "")
	}
}

// Validate checks field constraints plus table level invariants.
func (t *CapabilityTable) Validate() error {
	if err := tableValidator.Struct(t); err != nil {
		return err
	}
	for name, p := range t.Params {
		if p.Entity != t.Base {
			if _, ok := t.Joins[p.Entity]; !ok {
				return fmt.Errorf("search parameter %q targets %q with no join from %q", name, p.Entity, t.Base)
			}
		}
	}
	return nil
}

// SearchEntry is one parsed search criterion.
type SearchEntry struct {
	Param    string
	Modifier SearchModifier
	Prefix   SearchPrefix
	Operator Operator
	// Value is bool, time.Time, int64, string, or []any for IN / NOT IN.
	Value   any
	System  string
	Type    ValueType
	Entity  string
	Join    string
	Columns []string
}

// SearchSpec is the ordered, immutable result of parsing a query.
type SearchSpec struct {
	Entries []SearchEntry
}

// Get returns the first entry for a parameter name.
func (s *SearchSpec) Get(param string) (SearchEntry, bool) {
	for _, e := range s.Entries {
		if e.Param == param {
			return e, true
		}
	}
	return SearchEntry{}, false
}

// Len returns the number of entries.
func (s *SearchSpec) Len() int { return len(s.Entries) }
