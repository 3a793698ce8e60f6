package template

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// streamField resolves stream.index / total / isFirst / isLast.
func streamField(name string, s *StreamInfo) (string, error) {
	if s == nil {
		return "", errUnresolved
	}
	switch name {
	case "index":
		return strconv.Itoa(s.Index), nil
	case "total":
		return strconv.Itoa(s.Total), nil
	case "isFirst":
		return strconv.FormatBool(s.IsFirst), nil
	case "isLast":
		return strconv.FormatBool(s.IsLast), nil
	default:
		return "", errUnresolved
	}
}

// splitCall recognizes "name(arg, arg…)" and tokenizes the argument list,
// respecting quoted strings and nested parentheses.
func splitCall(expr string) (name string, args []string, ok bool) {
	open := strings.IndexByte(expr, '(')
	if open <= 0 || !strings.HasSuffix(expr, ")") {
		return "", nil, false
	}
	name = strings.TrimSpace(expr[:open])
	for _, r := range name {
		if r != '.' && r != '_' && !isAlnum(r) {
			return "", nil, false
		}
	}
	inner := expr[open+1 : len(expr)-1]
	args, err := tokenizeArgs(inner)
	if err != nil {
		return "", nil, false
	}
	return name, args, true
}

func isAlnum(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// tokenizeArgs splits on top-level commas only: commas inside quotes or
// nested parens belong to the argument.
func tokenizeArgs(s string) ([]string, error) {
	var args []string
	var depth int
	var quote byte
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote && (i == 0 || s[i-1] != '\\') {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced parentheses")
			}
		case c == ',' && depth == 0:
			args = append(args, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	if quote != 0 || depth != 0 {
		return nil, fmt.Errorf("unterminated argument list")
	}
	if tail := strings.TrimSpace(s[start:]); tail != "" || len(args) > 0 {
		args = append(args, tail)
	}
	// A lone empty tail means zero arguments.
	if len(args) == 1 && args[0] == "" {
		args = nil
	}
	return args, nil
}

// evalArg resolves one argument: a quoted string, numeric or boolean
// literal, or a nested expression.
func evalArg(arg string, ctx *Context) (string, error) {
	if len(arg) >= 2 {
		if (arg[0] == '\'' && arg[len(arg)-1] == '\'') || (arg[0] == '"' && arg[len(arg)-1] == '"') {
			body := arg[1 : len(arg)-1]
			body = strings.ReplaceAll(body, `\`+string(arg[0]), string(arg[0]))
			return body, nil
		}
	}
	if arg == "true" || arg == "false" {
		return arg, nil
	}
	if _, err := strconv.ParseFloat(arg, 64); err == nil {
		return arg, nil
	}
	return eval(arg, ctx)
}

// call dispatches the utils function set.
func call(name string, rawArgs []string, ctx *Context) (string, error) {
	args := make([]string, len(rawArgs))
	for i, a := range rawArgs {
		v, err := evalArg(a, ctx)
		if err != nil {
			return "", err
		}
		args[i] = v
	}

	switch name {
	case "utils.now":
		if len(args) != 0 {
			return "", fmt.Errorf("utils.now takes no arguments")
		}
		return time.Now().UTC().Format(time.RFC3339), nil

	case "utils.uuid":
		if len(args) != 0 {
			return "", fmt.Errorf("utils.uuid takes no arguments")
		}
		return uuid.NewString(), nil

	case "utils.random":
		if len(args) != 2 {
			return "", fmt.Errorf("utils.random wants (min, max)")
		}
		min, err1 := strconv.ParseFloat(args[0], 64)
		max, err2 := strconv.ParseFloat(args[1], 64)
		if err1 != nil || err2 != nil || max < min {
			return "", fmt.Errorf("utils.random wants numeric min <= max")
		}
		n := int64(min) + rand.Int63n(int64(max-min)+1)
		return strconv.FormatInt(n, 10), nil

	case "utils.format":
		if len(args) == 0 {
			return "", fmt.Errorf("utils.format wants a format string")
		}
		rest := make([]any, len(args)-1)
		for i, a := range args[1:] {
			rest[i] = a
		}
		return fmt.Sprintf(args[0], rest...), nil

	default:
		return "", fmt.Errorf("unknown function %q", name)
	}
}
