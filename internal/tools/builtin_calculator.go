package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/petrelhq/petrel/pkg/models"
)

var calculatorSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"expression": {
			"type": "string",
			"description": "Arithmetic expression, e.g. \"(2 + 3) * 4 / 1.5\""
		}
	},
	"required": ["expression"]
}`)

// CalculatorTool evaluates arithmetic expressions in-process so simple
// math never costs a model round trip.
type CalculatorTool struct{}

func (t *CalculatorTool) Capability() *models.Capability {
	return &models.Capability{
		Name:        "calculator",
		Kind:        models.KindTool,
		Description: "Evaluate an arithmetic expression. Supports + - * / % ^ and parentheses.",
		Level:       1,
		Tags:        []string{"calculator", "data_analysis"},
		InputSchema: calculatorSchema,
		Status:      models.StatusReady,
		Strategy:    models.StrategyDirect,
	}
}

func (t *CalculatorTool) Execute(ctx context.Context, call *Call) (*Result, error) {
	var args struct {
		Expression string `json:"expression"`
	}
	if err := json.Unmarshal(call.Input, &args); err != nil {
		return nil, newToolError(ErrValidation, "calculator", err)
	}
	value, err := evalExpression(args.Expression)
	if err != nil {
		return &Result{Content: fmt.Sprintf("cannot evaluate %q: %v", args.Expression, err), IsError: true}, nil
	}
	return &Result{Content: strconv.FormatFloat(value, 'f', -1, 64)}, nil
}

// evalExpression is a shunting-yard evaluator over float64.
func evalExpression(expr string) (float64, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return 0, err
	}
	if len(tokens) == 0 {
		return 0, fmt.Errorf("empty expression")
	}

	var output []float64
	var ops []string

	apply := func(op string) error {
		if op == "neg" {
			if len(output) < 1 {
				return fmt.Errorf("misplaced unary minus")
			}
			output[len(output)-1] = -output[len(output)-1]
			return nil
		}
		if len(output) < 2 {
			return fmt.Errorf("operator %q is missing an operand", op)
		}
		b := output[len(output)-1]
		a := output[len(output)-2]
		output = output[:len(output)-2]
		var v float64
		switch op {
		case "+":
			v = a + b
		case "-":
			v = a - b
		case "*":
			v = a * b
		case "/":
			if b == 0 {
				return fmt.Errorf("division by zero")
			}
			v = a / b
		case "%":
			if b == 0 {
				return fmt.Errorf("division by zero")
			}
			v = math.Mod(a, b)
		case "^":
			v = math.Pow(a, b)
		default:
			return fmt.Errorf("unknown operator %q", op)
		}
		output = append(output, v)
		return nil
	}

	prevWasValue := false
	for _, tok := range tokens {
		switch {
		case tok == "(":
			ops = append(ops, tok)
			prevWasValue = false
		case tok == ")":
			for len(ops) > 0 && ops[len(ops)-1] != "(" {
				if err := apply(ops[len(ops)-1]); err != nil {
					return 0, err
				}
				ops = ops[:len(ops)-1]
			}
			if len(ops) == 0 {
				return 0, fmt.Errorf("unbalanced parentheses")
			}
			ops = ops[:len(ops)-1]
			prevWasValue = true
		case isOperator(tok):
			if tok == "-" && !prevWasValue {
				tok = "neg"
			}
			for len(ops) > 0 && ops[len(ops)-1] != "(" &&
				(precedence(ops[len(ops)-1]) > precedence(tok) ||
					(precedence(ops[len(ops)-1]) == precedence(tok) && tok != "^" && tok != "neg")) {
				if err := apply(ops[len(ops)-1]); err != nil {
					return 0, err
				}
				ops = ops[:len(ops)-1]
			}
			ops = append(ops, tok)
			prevWasValue = false
		default:
			v, err := strconv.ParseFloat(tok, 64)
			if err != nil {
				return 0, fmt.Errorf("bad number %q", tok)
			}
			output = append(output, v)
			prevWasValue = true
		}
	}
	for len(ops) > 0 {
		op := ops[len(ops)-1]
		ops = ops[:len(ops)-1]
		if op == "(" {
			return 0, fmt.Errorf("unbalanced parentheses")
		}
		if err := apply(op); err != nil {
			return 0, err
		}
	}
	if len(output) != 1 {
		return 0, fmt.Errorf("malformed expression")
	}
	if math.IsNaN(output[0]) || math.IsInf(output[0], 0) {
		return 0, fmt.Errorf("result is not finite")
	}
	return output[0], nil
}

func tokenize(expr string) ([]string, error) {
	var tokens []string
	var num strings.Builder
	flush := func() {
		if num.Len() > 0 {
			tokens = append(tokens, num.String())
			num.Reset()
		}
	}
	for _, r := range expr {
		switch {
		case r >= '0' && r <= '9' || r == '.':
			num.WriteRune(r)
		case r == ' ' || r == '\t' || r == '\n' || r == ',':
			flush()
		case strings.ContainsRune("+-*/%^()", r):
			flush()
			tokens = append(tokens, string(r))
		default:
			return nil, fmt.Errorf("unexpected character %q", r)
		}
	}
	flush()
	return tokens, nil
}

func isOperator(tok string) bool {
	switch tok {
	case "+", "-", "*", "/", "%", "^":
		return true
	}
	return false
}

func precedence(op string) int {
	switch op {
	case "neg":
		return 4
	case "^":
		return 3
	case "*", "/", "%":
		return 2
	case "+", "-":
		return 1
	}
	return 0
}
