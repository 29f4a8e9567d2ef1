// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package transform

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/errs"
)

// Expression computes derived columns. Column references use {name}
// placeholders. Math expressions combine references and literals with
// + - * / and parentheses. String and date expressions are single
// function calls; the functions are listed in stringFunctions and
// dateFunctions. A row where evaluation fails gets a null result
// instead of failing the step.
type Expression struct{}

type expressionSpec struct {
	targetColumn string
	kind         string
	math         *exprNode
	call         *funcCall
}

var stringFunctions = map[string]int{
	"UPPER": 1, "LOWER": 1, "TRIM": 1,
	"CONCAT": -1, "REGEX_REPLACE": 3, "SPLIT": 3,
}

var dateFunctions = map[string]int{
	"DATEADD": 3, "DATEDIFF": 3, "DATEPART": 2,
}

// Name implements Operator.
func (Expression) Name() string { return "expression" }

// Validate implements Operator.
func (Expression) Validate(config Config) error {
	_, err := parseExpressions(config)
	return err
}

// Apply implements Operator.
func (Expression) Apply(ctx context.Context, rows []Row, config Config) ([]Row, error) {
	specs, err := parseExpressions(config)
	if err != nil {
		return nil, err
	}

	out := cloneRows(rows)
	for _, spec := range specs {
		for _, row := range out {
			value, err := spec.eval(row)
			if err != nil {
				row[spec.targetColumn] = nil
				continue
			}
			row[spec.targetColumn] = value
		}
	}
	return out, nil
}

func (spec expressionSpec) eval(row Row) (interface{}, error) {
	switch spec.kind {
	case "math":
		result, err := spec.math.eval(row)
		if err != nil {
			return nil, err
		}
		return result, nil
	case "string":
		return spec.call.evalString(row)
	case "date":
		return spec.call.evalDate(row)
	default:
		return nil, errs.New("unsupported expression type %q", spec.kind)
	}
}

func parseExpressions(config Config) ([]expressionSpec, error) {
	items := config.List("expressions")
	if len(items) == 0 {
		return nil, errs.New("expression needs at least one expression")
	}

	specs := make([]expressionSpec, 0, len(items))
	for i, item := range items {
		target := item.String("target_column")
		if target == "" {
			return nil, errs.New("expression %d has no target_column", i)
		}
		text := item.String("expression")
		if text == "" {
			return nil, errs.New("expression %d is empty", i)
		}

		kind := item.StringOr("type", "auto")
		if kind == "auto" {
			kind = detectExpressionKind(text)
		}

		spec := expressionSpec{targetColumn: target, kind: kind}
		switch kind {
		case "math":
			node, err := parseMath(text)
			if err != nil {
				return nil, errs.New("expression %d: %v", i, err)
			}
			spec.math = node
		case "string":
			call, err := parseFuncCall(text, stringFunctions)
			if err != nil {
				return nil, errs.New("expression %d: %v", i, err)
			}
			spec.call = call
		case "date":
			call, err := parseFuncCall(text, dateFunctions)
			if err != nil {
				return nil, errs.New("expression %d: %v", i, err)
			}
			spec.call = call
		default:
			return nil, errs.New("expression %d has unsupported type %q", i, kind)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func detectExpressionKind(text string) string {
	upper := strings.ToUpper(text)
	for name := range dateFunctions {
		if strings.HasPrefix(upper, name+"(") {
			return "date"
		}
	}
	for name := range stringFunctions {
		if strings.HasPrefix(upper, name+"(") {
			return "string"
		}
	}
	return "math"
}

// Math expressions.

type exprNode struct {
	op     byte
	left   *exprNode
	right  *exprNode
	value  float64
	column string
	isCol  bool
}

func (node *exprNode) eval(row Row) (float64, error) {
	if node.op == 0 {
		if !node.isCol {
			return node.value, nil
		}
		value, ok := row[node.column]
		if !ok || value == nil {
			return 0, errs.New("column %q has no value", node.column)
		}
		f, ok := toFloat(value)
		if !ok {
			return 0, errs.New("column %q is not numeric", node.column)
		}
		return f, nil
	}

	left, err := node.left.eval(row)
	if err != nil {
		return 0, err
	}
	right, err := node.right.eval(row)
	if err != nil {
		return 0, err
	}

	switch node.op {
	case '+':
		return left + right, nil
	case '-':
		return left - right, nil
	case '*':
		return left * right, nil
	case '/':
		if right == 0 {
			return 0, errs.New("division by zero")
		}
		return left / right, nil
	default:
		return 0, errs.New("unsupported operator %q", string(node.op))
	}
}

type exprToken struct {
	kind byte // 'n' number, 'c' column, or one of + - * / ( )
	num  float64
	name string
}

type exprParser struct {
	tokens []exprToken
	pos    int
}

func parseMath(text string) (*exprNode, error) {
	tokens, err := tokenizeMath(text)
	if err != nil {
		return nil, err
	}
	parser := &exprParser{tokens: tokens}
	node, err := parser.parseSum()
	if err != nil {
		return nil, err
	}
	if parser.pos != len(parser.tokens) {
		return nil, errs.New("unexpected trailing input")
	}
	return node, nil
}

func tokenizeMath(text string) ([]exprToken, error) {
	replacer := strings.NewReplacer("×", "*", "÷", "/", "−", "-")
	text = replacer.Replace(text)

	var tokens []exprToken
	for i := 0; i < len(text); {
		c := text[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '+' || c == '-' || c == '*' || c == '/' || c == '(' || c == ')':
			tokens = append(tokens, exprToken{kind: c})
			i++
		case c == '{':
			end := strings.IndexByte(text[i:], '}')
			if end < 0 {
				return nil, errs.New("unterminated column reference")
			}
			name := strings.TrimSpace(text[i+1 : i+end])
			if name == "" {
				return nil, errs.New("empty column reference")
			}
			tokens = append(tokens, exprToken{kind: 'c', name: name})
			i += end + 1
		case c >= '0' && c <= '9' || c == '.':
			j := i
			for j < len(text) && (text[j] >= '0' && text[j] <= '9' || text[j] == '.') {
				j++
			}
			num, err := strconv.ParseFloat(text[i:j], 64)
			if err != nil {
				return nil, errs.New("invalid number %q", text[i:j])
			}
			tokens = append(tokens, exprToken{kind: 'n', num: num})
			i = j
		default:
			return nil, errs.New("unexpected character %q", string(c))
		}
	}
	if len(tokens) == 0 {
		return nil, errs.New("empty expression")
	}
	return tokens, nil
}

func (parser *exprParser) parseSum() (*exprNode, error) {
	node, err := parser.parseProduct()
	if err != nil {
		return nil, err
	}
	for parser.peek('+') || parser.peek('-') {
		op := parser.next().kind
		right, err := parser.parseProduct()
		if err != nil {
			return nil, err
		}
		node = &exprNode{op: op, left: node, right: right}
	}
	return node, nil
}

func (parser *exprParser) parseProduct() (*exprNode, error) {
	node, err := parser.parseFactor()
	if err != nil {
		return nil, err
	}
	for parser.peek('*') || parser.peek('/') {
		op := parser.next().kind
		right, err := parser.parseFactor()
		if err != nil {
			return nil, err
		}
		node = &exprNode{op: op, left: node, right: right}
	}
	return node, nil
}

func (parser *exprParser) parseFactor() (*exprNode, error) {
	if parser.pos >= len(parser.tokens) {
		return nil, errs.New("unexpected end of expression")
	}
	token := parser.next()
	switch token.kind {
	case '-':
		child, err := parser.parseFactor()
		if err != nil {
			return nil, err
		}
		return &exprNode{op: '-', left: &exprNode{}, right: child}, nil
	case 'n':
		return &exprNode{value: token.num}, nil
	case 'c':
		return &exprNode{column: token.name, isCol: true}, nil
	case '(':
		node, err := parser.parseSum()
		if err != nil {
			return nil, err
		}
		if !parser.peek(')') {
			return nil, errs.New("missing closing parenthesis")
		}
		parser.next()
		return node, nil
	default:
		return nil, errs.New("unexpected token %q", string(token.kind))
	}
}

func (parser *exprParser) peek(kind byte) bool {
	return parser.pos < len(parser.tokens) && parser.tokens[parser.pos].kind == kind
}

func (parser *exprParser) next() exprToken {
	token := parser.tokens[parser.pos]
	parser.pos++
	return token
}

// Function calls for string and date expressions.

type funcCall struct {
	name string
	args []funcArg
}

type funcArg struct {
	column  string
	literal string
	isCol   bool
}

func parseFuncCall(text string, allowed map[string]int) (*funcCall, error) {
	open := strings.IndexByte(text, '(')
	if open < 0 || !strings.HasSuffix(strings.TrimSpace(text), ")") {
		return nil, errs.New("expected a function call, got %q", text)
	}
	name := strings.ToUpper(strings.TrimSpace(text[:open]))
	arity, ok := allowed[name]
	if !ok {
		return nil, errs.New("unsupported function %q", name)
	}

	closed := strings.LastIndexByte(text, ')')
	call := &funcCall{name: name}
	for _, raw := range splitArgs(text[open+1 : closed]) {
		call.args = append(call.args, parseFuncArg(raw))
	}
	if arity >= 0 && len(call.args) != arity {
		return nil, errs.New("%s takes %d arguments, got %d", name, arity, len(call.args))
	}
	if arity < 0 && len(call.args) == 0 {
		return nil, errs.New("%s needs at least one argument", name)
	}
	return call, nil
}

// splitArgs splits on top-level commas, respecting single quotes.
func splitArgs(text string) []string {
	var args []string
	var quoted bool
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '\'':
			quoted = !quoted
		case ',':
			if !quoted {
				args = append(args, text[start:i])
				start = i + 1
			}
		}
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" || len(args) > 0 {
		args = append(args, text[start:])
	}
	return args
}

func parseFuncArg(raw string) funcArg {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
		return funcArg{column: strings.TrimSpace(trimmed[1 : len(trimmed)-1]), isCol: true}
	}
	if strings.HasPrefix(trimmed, "'") && strings.HasSuffix(trimmed, "'") && len(trimmed) >= 2 {
		return funcArg{literal: trimmed[1 : len(trimmed)-1]}
	}
	return funcArg{literal: trimmed}
}

func (arg funcArg) text(row Row) string {
	if arg.isCol {
		return FormatValue(row[arg.column])
	}
	return arg.literal
}

func (arg funcArg) raw(row Row) interface{} {
	if arg.isCol {
		return row[arg.column]
	}
	return arg.literal
}

var regexCache sync.Map

func cachedRegexp(pattern string) (*regexp.Regexp, error) {
	if cached, ok := regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	compiled, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, compiled)
	return compiled, nil
}

func (call *funcCall) evalString(row Row) (interface{}, error) {
	switch call.name {
	case "UPPER":
		return strings.ToUpper(call.args[0].text(row)), nil
	case "LOWER":
		return strings.ToLower(call.args[0].text(row)), nil
	case "TRIM":
		return strings.TrimSpace(call.args[0].text(row)), nil
	case "CONCAT":
		var b strings.Builder
		for _, arg := range call.args {
			b.WriteString(arg.text(row))
		}
		return b.String(), nil
	case "REGEX_REPLACE":
		pattern, err := cachedRegexp(call.args[1].text(row))
		if err != nil {
			return nil, err
		}
		return pattern.ReplaceAllString(call.args[0].text(row), call.args[2].text(row)), nil
	case "SPLIT":
		parts := strings.Split(call.args[0].text(row), call.args[1].text(row))
		index, ok := toInt(call.args[2].raw(row))
		if !ok || index < 1 || int(index) > len(parts) {
			return "", nil
		}
		return parts[index-1], nil
	default:
		return nil, errs.New("unsupported string function %q", call.name)
	}
}

var dateLayouts = []string{
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006-01-02",
}

func parseDate(value interface{}) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case []byte:
		return parseDate(string(v))
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, strings.TrimSpace(v)); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func (call *funcCall) evalDate(row Row) (interface{}, error) {
	unit := strings.ToLower(call.args[0].text(row))

	switch call.name {
	case "DATEADD":
		n, ok := toInt(call.args[1].raw(row))
		if !ok {
			return nil, errs.New("DATEADD needs a numeric amount")
		}
		t, ok := parseDate(call.args[2].raw(row))
		if !ok {
			return nil, errs.New("DATEADD needs a date")
		}
		return dateAdd(t, unit, int(n))

	case "DATEDIFF":
		a, ok := parseDate(call.args[1].raw(row))
		if !ok {
			return nil, errs.New("DATEDIFF needs a start date")
		}
		b, ok := parseDate(call.args[2].raw(row))
		if !ok {
			return nil, errs.New("DATEDIFF needs an end date")
		}
		return dateDiff(a, b, unit)

	case "DATEPART":
		t, ok := parseDate(call.args[1].raw(row))
		if !ok {
			return nil, errs.New("DATEPART needs a date")
		}
		return datePart(t, unit)

	default:
		return nil, errs.New("unsupported date function %q", call.name)
	}
}

func dateAdd(t time.Time, unit string, n int) (interface{}, error) {
	switch unit {
	case "year":
		return t.AddDate(n, 0, 0), nil
	case "month":
		return t.AddDate(0, n, 0), nil
	case "day":
		return t.AddDate(0, 0, n), nil
	case "hour":
		return t.Add(time.Duration(n) * time.Hour), nil
	case "minute":
		return t.Add(time.Duration(n) * time.Minute), nil
	case "second":
		return t.Add(time.Duration(n) * time.Second), nil
	default:
		return nil, errs.New("unsupported date unit %q", unit)
	}
}

func dateDiff(a, b time.Time, unit string) (interface{}, error) {
	switch unit {
	case "year":
		return int64(b.Year() - a.Year()), nil
	case "month":
		return int64((b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())), nil
	case "day":
		return int64(b.Sub(a) / (24 * time.Hour)), nil
	case "hour":
		return int64(b.Sub(a) / time.Hour), nil
	case "minute":
		return int64(b.Sub(a) / time.Minute), nil
	case "second":
		return int64(b.Sub(a) / time.Second), nil
	default:
		return nil, errs.New("unsupported date unit %q", unit)
	}
}

func datePart(t time.Time, unit string) (interface{}, error) {
	switch unit {
	case "year":
		return int64(t.Year()), nil
	case "month":
		return int64(t.Month()), nil
	case "day":
		return int64(t.Day()), nil
	case "hour":
		return int64(t.Hour()), nil
	case "minute":
		return int64(t.Minute()), nil
	case "second":
		return int64(t.Second()), nil
	default:
		return nil, errs.New("unsupported date unit %q", unit)
	}
}
