package query

import (
	"strconv"
	"strings"

	"github.com/mesh-intelligence/attic/pkg/filter"
	"github.com/mesh-intelligence/attic/pkg/types"
)

// Longer operators come first so ">=" is not read as ">".
var conditionOps = []struct {
	token string
	op    filter.Op
}{
	{">=", filter.OpGte},
	{"<=", filter.OpLte},
	{"==", filter.OpEq},
	{"!=", filter.OpNe},
	{"<>", filter.OpNe},
	{"=", filter.OpEq},
	{">", filter.OpGt},
	{"<", filter.OpLt},
	{"~", filter.OpContainsCI},
}

// ParseCondition parses a command-line condition such as
//
//	status = open and total >= 10 and owner.name ~ "ann"
//
// Conditions are joined by "and". Quoted values are text; unquoted values
// take the kind of the field they are compared with. "~" is a
// case-insensitive substring match and "?" alone tests presence, as in
// "due ?".
func ParseCondition(s string) (Pred, error) {
	clauses, err := splitAnd(s)
	if err != nil {
		return Pred{}, err
	}
	preds := make([]Pred, 0, len(clauses))
	for _, c := range clauses {
		p, err := parseClause(c)
		if err != nil {
			return Pred{}, err
		}
		preds = append(preds, p)
	}
	if len(preds) == 1 {
		return preds[0], nil
	}
	return And(preds...), nil
}

// splitAnd splits on the word "and" outside quotes.
func splitAnd(s string) ([]string, error) {
	var out []string
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch {
		case quote != 0:
			if ch == '\\' {
				i++
			} else if ch == quote {
				quote = 0
			}
		case ch == '"' || ch == '\'':
			quote = ch
		case isSpace(ch) && i+4 <= len(s) && strings.EqualFold(s[i+1:i+4], "and") && (i+4 == len(s) || isSpace(s[i+4])):
			out = append(out, s[start:i])
			start = i + 4
			i += 3
		}
	}
	if quote != 0 {
		return nil, types.Invalid("parse", "unterminated quote in %q", s)
	}
	out = append(out, s[start:])
	for i := range out {
		out[i] = strings.TrimSpace(out[i])
		if out[i] == "" {
			return nil, types.Invalid("parse", "empty condition in %q", s)
		}
	}
	return out, nil
}

func isSpace(ch byte) bool { return ch == ' ' || ch == '\t' }

func isFieldByte(ch byte) bool {
	return ch == '_' || ch == '.' || ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9'
}

func parseClause(c string) (Pred, error) {
	i := 0
	for i < len(c) && isFieldByte(c[i]) {
		i++
	}
	path := c[:i]
	if path == "" {
		return Pred{}, types.Invalid("parse", "condition %q has no field", c)
	}
	rest := strings.TrimSpace(c[i:])
	if rest == "?" {
		return Exists(path), nil
	}
	for _, o := range conditionOps {
		if !strings.HasPrefix(rest, o.token) {
			continue
		}
		v, err := parseValue(strings.TrimSpace(rest[len(o.token):]))
		if err != nil {
			return Pred{}, types.Invalid("parse", "condition %q: %v", c, err).WithField(path)
		}
		if o.op == filter.OpContainsCI {
			s, ok := v.(rawValue)
			text := string(s)
			if !ok {
				text = v.(string)
			}
			return Contains(path, text, false), nil
		}
		return Pred{op: o.op, path: path, value: v}, nil
	}
	return Pred{}, types.Invalid("parse", "condition %q has no operator", c).WithField(path)
}

func parseValue(s string) (any, error) {
	if s == "" {
		return nil, types.Invalid("parse", "missing value")
	}
	if s[0] == '"' || s[0] == '\'' {
		if s[0] == '\'' {
			s = `"` + strings.ReplaceAll(strings.Trim(s, "'"), `"`, `\"`) + `"`
		}
		v, err := strconv.Unquote(s)
		if err != nil {
			return nil, types.Invalid("parse", "bad quoted value %s", s)
		}
		return v, nil
	}
	return rawValue(s), nil
}
