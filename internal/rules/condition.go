package rules

import (
	"AuctionLedger/internal/auction"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Condition operators.
const (
	OpAnd     = "and"
	OpOr      = "or"
	OpNot     = "not"
	OpEq      = "eq"
	OpNe      = "ne"
	OpGt      = "gt"
	OpGte     = "gte"
	OpLt      = "lt"
	OpLte     = "lte"
	OpIn      = "in"
	OpBetween = "between"
)

var varPrefixes = []string{"bid.", "auction.", "bidder.", "config."}

// ValidateCondition checks the shape of a condition tree without
// evaluating it.
func ValidateCondition(c auction.Condition) error {
	return validateNode(c, "condition")
}

func validateNode(c auction.Condition, path string) error {
	switch c.Op {
	case OpAnd, OpOr:
		if len(c.Args) == 0 {
			return invalidCondition(path, "%s needs at least one argument", c.Op)
		}
		for i, arg := range c.Args {
			if err := validateNode(arg, fmt.Sprintf("%s.args[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	case OpNot:
		if len(c.Args) != 1 {
			return invalidCondition(path, "not takes exactly one argument")
		}
		return validateNode(c.Args[0], path+".args[0]")
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpBetween:
	default:
		return invalidCondition(path, "unknown operator %q", c.Op)
	}

	if len(c.Args) > 0 {
		return invalidCondition(path, "%s is a leaf and takes no arguments", c.Op)
	}
	if err := validateVar(c.Var, path+".var"); err != nil {
		return err
	}
	if c.Ref != "" {
		if c.Op == OpIn || c.Op == OpBetween {
			return invalidCondition(path, "%s compares against literals only", c.Op)
		}
		return validateVar(c.Ref, path+".ref")
	}

	switch c.Op {
	case OpIn:
		if _, ok := asList(c.Value); !ok {
			return invalidCondition(path, "in needs a list value")
		}
	case OpBetween:
		list, ok := asList(c.Value)
		if !ok || len(list) != 2 {
			return invalidCondition(path, "between needs [low, high]")
		}
		for _, v := range list {
			if _, ok := toDecimal(v); !ok {
				return invalidCondition(path, "between bounds must be numeric")
			}
		}
	default:
		if c.Value == nil {
			return invalidCondition(path, "%s needs a value or ref", c.Op)
		}
	}
	return nil
}

func validateVar(name, path string) error {
	for _, p := range varPrefixes {
		if strings.HasPrefix(name, p) && len(name) > len(p) {
			return nil
		}
	}
	return invalidCondition(path, "variable %q must start with bid., auction., bidder. or config.", name)
}

func invalidCondition(path, format string, args ...any) error {
	return auction.NewValidationError(path, auction.CodeInvalidRule, format, args...)
}

// evaluate returns whether c holds against vars. A missing variable makes
// a leaf false rather than an error so that optional context does not
// abort admission.
func evaluate(c auction.Condition, vars Vars) (bool, error) {
	switch c.Op {
	case OpAnd:
		for _, arg := range c.Args {
			ok, err := evaluate(arg, vars)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case OpOr:
		for _, arg := range c.Args {
			ok, err := evaluate(arg, vars)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case OpNot:
		ok, err := evaluate(c.Args[0], vars)
		return !ok, err
	}

	left, ok := vars[c.Var]
	if !ok {
		return false, nil
	}
	right := c.Value
	if c.Ref != "" {
		if right, ok = vars[c.Ref]; !ok {
			return false, nil
		}
	}

	switch c.Op {
	case OpEq:
		return equal(left, right), nil
	case OpNe:
		return !equal(left, right), nil
	case OpGt, OpGte, OpLt, OpLte:
		cmp, ok := compare(left, right)
		if !ok {
			return false, fmt.Errorf("%s: cannot order %v against %v", c.Var, left, right)
		}
		switch c.Op {
		case OpGt:
			return cmp > 0, nil
		case OpGte:
			return cmp >= 0, nil
		case OpLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case OpIn:
		list, _ := asList(right)
		for _, item := range list {
			if equal(left, item) {
				return true, nil
			}
		}
		return false, nil
	case OpBetween:
		list, _ := asList(right)
		lo, okLo := compare(left, list[0])
		hi, okHi := compare(left, list[1])
		if !okLo || !okHi {
			return false, fmt.Errorf("%s: %v is not numeric", c.Var, left)
		}
		return lo >= 0 && hi <= 0, nil
	}
	return false, fmt.Errorf("unknown operator %q", c.Op)
}

func equal(a, b any) bool {
	if cmp, ok := compare(a, b); ok {
		return cmp == 0
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func compare(a, b any) (int, bool) {
	da, ok := toDecimal(a)
	if !ok {
		return 0, false
	}
	db, ok := toDecimal(b)
	if !ok {
		return 0, false
	}
	return da.Cmp(db), true
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case float64:
		return decimal.NewFromFloat(n), true
	case string:
		d, err := decimal.NewFromString(n)
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []int64:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	default:
		return nil, false
	}
}

// describe renders c as the "expected" side of a violation.
func describe(c auction.Condition) string {
	switch c.Op {
	case OpAnd, OpOr:
		parts := make([]string, len(c.Args))
		for i, arg := range c.Args {
			parts[i] = describe(arg)
		}
		return "(" + strings.Join(parts, " "+c.Op+" ") + ")"
	case OpNot:
		return "not " + describe(c.Args[0])
	}
	if c.Ref != "" {
		return fmt.Sprintf("%s %s %s", c.Var, c.Op, c.Ref)
	}
	return fmt.Sprintf("%s %s %v", c.Var, c.Op, c.Value)
}

// observed renders the values of every variable c reads, in first-use order.
func observed(c auction.Condition, vars Vars) string {
	var names []string
	seen := make(map[string]bool)
	var walk func(auction.Condition)
	walk = func(n auction.Condition) {
		for _, name := range []string{n.Var, n.Ref} {
			if name != "" && !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
		for _, arg := range n.Args {
			walk(arg)
		}
	}
	walk(c)

	parts := make([]string, len(names))
	for i, name := range names {
		if v, ok := vars[name]; ok {
			parts[i] = fmt.Sprintf("%s=%v", name, v)
		} else {
			parts[i] = name + "=<unset>"
		}
	}
	return strings.Join(parts, ", ")
}
