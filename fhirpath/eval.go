package fhirpath

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/apd/v3"
)

// evaluator walks a parsed expression tree. All state beyond the source text
// travels in the context and the explicit focus collection.
type evaluator struct {
	src string
}

// eval evaluates a node against the focus. isRoot is set while evaluating the
// leftmost segment of the statement, where a bare identifier may name the
// root element's type.
func (ev *evaluator) eval(ctx context.Context, root Element, target Collection, node exprNode, isRoot bool) (Collection, error) {
	result, err := ev.evalNode(ctx, root, target, node, isRoot)
	if err != nil {
		var ee *EvaluationError
		if !errors.As(err, &ee) {
			err = &EvaluationError{Err: err, Position: node.pos().start, Path: pathOf(node)}
		}
		return nil, err
	}
	return result, nil
}

func (ev *evaluator) evalNode(ctx context.Context, root Element, target Collection, node exprNode, isRoot bool) (Collection, error) {
	switch n := node.(type) {
	case *literalExpr:
		if n.value == nil {
			return nil, nil
		}
		return Collection{n.value}, nil

	case *identExpr:
		if isRoot && root != nil && n.name == string(root.TypeInfo().Name) {
			return Collection{root}, nil
		}
		return target.children(n.name), nil

	case *memberExpr:
		focus, err := ev.eval(ctx, root, target, n.target, isRoot)
		if err != nil {
			return nil, err
		}
		return focus.children(n.name), nil

	case *callExpr:
		focus := target
		if n.target != nil {
			var err error
			focus, err = ev.eval(ctx, root, target, n.target, isRoot)
			if err != nil {
				return nil, err
			}
		}
		fn, ok := getFunction(ctx, n.name)
		if !ok {
			return nil, fmt.Errorf("unknown function %q", n.name)
		}
		return fn(ctx, root, focus, n.params, ev.evaluateFunc(root, focus))

	case *indexExpr:
		focus, err := ev.eval(ctx, root, target, n.target, isRoot)
		if err != nil {
			return nil, err
		}
		indexed, err := ev.eval(ctx, root, target, n.index, false)
		if err != nil {
			return nil, err
		}
		index, ok, err := Singleton[Integer](indexed)
		if err != nil {
			return nil, err
		}
		if !ok || index < 0 || int(index) >= len(focus) {
			return nil, nil
		}
		return Collection{focus[index]}, nil

	case *externalExpr:
		value, ok := resolveVariable(ctx, n.name)
		if !ok {
			return nil, fmt.Errorf("undefined variable %%%s", n.name)
		}
		return value, nil

	case *thisExpr:
		return currentFunctionScope(ctx).this, nil

	case *indexVarExpr:
		scope := currentFunctionScope(ctx)
		if scope.index < 0 {
			return nil, fmt.Errorf("$index is not defined in this scope")
		}
		return Collection{Integer(scope.index)}, nil

	case *totalExpr:
		scope := currentFunctionScope(ctx)
		if scope.total == nil {
			return nil, fmt.Errorf("$total is not defined in this scope")
		}
		return scope.total, nil

	case *unaryExpr:
		operand, err := ev.eval(ctx, root, target, n.operand, false)
		if err != nil {
			return nil, err
		}
		return evalUnary(n.op, operand)

	case *binaryExpr:
		return ev.evalBinary(ctx, root, target, n)

	case *typeExpr:
		operand, err := ev.eval(ctx, root, target, n.operand, isRoot)
		if err != nil {
			return nil, err
		}
		if len(operand) == 0 {
			return nil, nil
		}
		if len(operand) > 1 {
			return nil, fmt.Errorf("%s operator requires a singleton operand, got %d elements", n.op, len(operand))
		}
		matches := matchesType(operand[0].TypeInfo(), n.spec)
		if n.op == "is" {
			return Collection{Boolean(matches)}, nil
		}
		if matches {
			return operand, nil
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unsupported expression node %T", node)
}

// evaluateFunc builds the argument evaluation callback handed to functions.
// The input collection stays in focus unless a specific element is passed,
// which then also becomes $this.
func (ev *evaluator) evaluateFunc(root Element, input Collection) EvaluateFunc {
	return func(ctx context.Context, target Element, expr Expression, scopes ...FunctionScope) (Collection, error) {
		if expr.tree == nil {
			return nil, fmt.Errorf("missing argument expression")
		}
		scope := currentFunctionScope(ctx)
		focus := input
		if target != nil {
			focus = Collection{target}
			scope.this = focus
		}
		if len(scopes) > 0 {
			scope.index = scopes[0].Index
			if scopes[0].Total != nil {
				scope.total = scopes[0].Total
			}
		}
		ctx = withNewEnvFrame(ctx)
		ctx = withFunctionScope(ctx, scope)
		return ev.eval(ctx, root, focus, expr.tree, false)
	}
}

func (ev *evaluator) evalBinary(ctx context.Context, root Element, target Collection, n *binaryExpr) (Collection, error) {
	// Union operands get their own variable frame so definitions stay local
	// to each branch.
	if n.op == "|" {
		left, err := ev.eval(withNewEnvFrame(ctx), root, target, n.left, false)
		if err != nil {
			return nil, err
		}
		right, err := ev.eval(withNewEnvFrame(ctx), root, target, n.right, false)
		if err != nil {
			return nil, err
		}
		return left.Combine(right), nil
	}

	left, err := ev.eval(ctx, root, target, n.left, false)
	if err != nil {
		return nil, err
	}
	right, err := ev.eval(ctx, root, target, n.right, false)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "+":
		return left.Add(ctx, right)
	case "-":
		return left.Subtract(ctx, right)
	case "*":
		return left.Multiply(ctx, right)
	case "/":
		return left.Divide(ctx, right)
	case "div":
		return left.Div(right)
	case "mod":
		return left.Mod(right)

	case "&":
		return evalConcat(left, right)

	case "<", "<=", ">", ">=":
		cmp, ok, err := left.Cmp(right)
		if err != nil || !ok {
			return nil, err
		}
		switch n.op {
		case "<":
			return Collection{Boolean(cmp < 0)}, nil
		case "<=":
			return Collection{Boolean(cmp <= 0)}, nil
		case ">":
			return Collection{Boolean(cmp > 0)}, nil
		default:
			return Collection{Boolean(cmp >= 0)}, nil
		}

	case "=", "!=":
		eq, ok := left.Equal(right)
		if !ok {
			return nil, nil
		}
		return Collection{Boolean(eq == (n.op == "="))}, nil

	case "~", "!~":
		eq := left.Equivalent(right)
		return Collection{Boolean(eq == (n.op == "~"))}, nil

	case "in":
		if len(left) == 0 {
			return nil, nil
		}
		if len(left) > 1 {
			return nil, fmt.Errorf("left operand of 'in' must be a singleton, got %d elements", len(left))
		}
		found, decided := right.Contains(left[0])
		if !found && !decided {
			return nil, nil
		}
		return Collection{Boolean(found)}, nil

	case "contains":
		if len(right) == 0 {
			return nil, nil
		}
		if len(right) > 1 {
			return nil, fmt.Errorf("right operand of 'contains' must be a singleton, got %d elements", len(right))
		}
		found, decided := left.Contains(right[0])
		if !found && !decided {
			return nil, nil
		}
		return Collection{Boolean(found)}, nil

	case "and", "or", "xor", "implies":
		return evalLogical(n.op, left, right)
	}
	return nil, fmt.Errorf("unsupported operator %q", n.op)
}

func evalUnary(op string, operand Collection) (Collection, error) {
	if len(operand) == 0 {
		return nil, nil
	}
	if len(operand) > 1 {
		return nil, fmt.Errorf("unary %s requires a singleton operand, got %d elements", op, len(operand))
	}
	switch v := operand[0].(type) {
	case Integer:
		if op == "-" {
			negated, ok := overflowNegate(int64(v))
			if !ok {
				return nil, fmt.Errorf("integer overflow in -%d", v)
			}
			return Collection{Integer(negated)}, nil
		}
		return operand, nil
	case Decimal:
		if op == "-" {
			var negated apd.Decimal
			negated.Neg(v.Value)
			return Collection{Decimal{Value: &negated}}, nil
		}
		return operand, nil
	case Quantity:
		if op == "-" {
			return Collection{v.Negate()}, nil
		}
		return operand, nil
	}
	return nil, fmt.Errorf("unary %s is not defined for %s", op, operand[0].TypeInfo())
}

// evalConcat implements &: empty operands read as the empty string, anything
// else must be a String.
func evalConcat(left, right Collection) (Collection, error) {
	ls, ok, err := Singleton[String](left)
	if err != nil {
		return nil, err
	}
	if !ok && len(left) > 0 {
		return nil, fmt.Errorf("cannot concatenate %s", left[0].TypeInfo())
	}
	rs, ok, err := Singleton[String](right)
	if err != nil {
		return nil, err
	}
	if !ok && len(right) > 0 {
		return nil, fmt.Errorf("cannot concatenate %s", right[0].TypeInfo())
	}
	return Collection{ls + rs}, nil
}

// evalLogical implements the three-valued boolean operators.
func evalLogical(op string, left, right Collection) (Collection, error) {
	lv, lok, err := Singleton[Boolean](left)
	if err != nil {
		return nil, err
	}
	rv, rok, err := Singleton[Boolean](right)
	if err != nil {
		return nil, err
	}
	switch op {
	case "and":
		if lok && !bool(lv) || rok && !bool(rv) {
			return Collection{Boolean(false)}, nil
		}
		if lok && rok {
			return Collection{Boolean(true)}, nil
		}
		return nil, nil
	case "or":
		if lok && bool(lv) || rok && bool(rv) {
			return Collection{Boolean(true)}, nil
		}
		if lok && rok {
			return Collection{Boolean(false)}, nil
		}
		return nil, nil
	case "xor":
		if lok && rok {
			return Collection{Boolean(lv != rv)}, nil
		}
		return nil, nil
	default: // implies
		if lok && !bool(lv) {
			return Collection{Boolean(true)}, nil
		}
		if rok && bool(rv) {
			return Collection{Boolean(true)}, nil
		}
		if lok && rok {
			return Collection{Boolean(false)}, nil
		}
		return nil, nil
	}
}

// children gathers the named children of every element in order.
func (c Collection) children(name ...string) Collection {
	var out Collection
	for _, e := range c {
		out = append(out, e.Children(name...)...)
	}
	return out
}

// pathOf extracts the member chain of a navigation node for error context.
func pathOf(node exprNode) []string {
	var names []string
	for {
		switch n := node.(type) {
		case *identExpr:
			return append([]string{n.name}, names...)
		case *memberExpr:
			names = append([]string{n.name}, names...)
			node = n.target
		default:
			return names
		}
	}
}

func overflowNegate(v int64) (int64, bool) {
	if v == -1<<63 {
		return 0, false
	}
	return -v, true
}
