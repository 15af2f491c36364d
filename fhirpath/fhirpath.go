// Package fhirpath evaluates FHIRPath expressions against trees of JSON-like
// data. Expressions are parsed once into an Expression and evaluated against
// any Element; all evaluation state travels in the context.
package fhirpath

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/apd/v3"
)

type sortDirection int

const (
	sortDirectionAsc sortDirection = iota
	sortDirectionDesc
)

// Expression is a parsed FHIRPath expression, ready for evaluation.
type Expression struct {
	tree exprNode
	src  string

	// sortDirection applies when the expression is a sort selector.
	sortDirection sortDirection
}

// Parse parses a FHIRPath expression into an evaluatable form.
func Parse(expr string) (Expression, error) {
	tree, err := parse(expr)
	if err != nil {
		return Expression{}, err
	}
	return Expression{tree: tree, src: expr}, nil
}

// MustParse is like Parse but panics on invalid input. Intended for
// expressions known at compile time.
func MustParse(expr string) Expression {
	e, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return e
}

// String returns the source text of the expression.
func (e Expression) String() string {
	if e.tree == nil {
		return ""
	}
	sp := e.tree.pos()
	if sp.start < 0 || sp.end > len(e.src) {
		return e.src
	}
	return e.src[sp.start:sp.end]
}

// systemVariables are bound by Evaluate and protected from redefinition.
var systemVariables = map[string]bool{
	"context":      true,
	"resource":     true,
	"rootResource": true,
	"ucum":         true,
	"loinc":        true,
	"sct":          true,
}

// Evaluate runs the expression against the target element.
//
// The evaluation instant is fixed once per call, so now() is stable within a
// single expression. Runtime failures are returned as *EvaluationError.
func (e Expression) Evaluate(ctx context.Context, target Element) (Collection, error) {
	if e.tree == nil {
		return nil, fmt.Errorf("cannot evaluate empty expression")
	}

	var focus Collection
	if target != nil {
		focus = Collection{target}
	}

	ctx = withEvaluationInstant(ctx, time.Now())
	ctx = withNewEnvFrame(ctx)
	ctx = WithEnv(ctx, "context", focus)
	ctx = WithEnv(ctx, "resource", focus)
	ctx = WithEnv(ctx, "rootResource", focus)
	ctx = WithEnv(ctx, "ucum", Collection{String("http://unitsofmeasure.org")})
	ctx = WithEnv(ctx, "loinc", Collection{String("http://loinc.org")})
	ctx = WithEnv(ctx, "sct", Collection{String("http://snomed.info/sct")})
	ctx = withFunctionScope(ctx, functionScope{this: focus, index: -1})

	ev := &evaluator{src: e.src}
	result, err := ev.eval(ctx, target, focus, e.tree, true)
	if err != nil {
		var ee *EvaluationError
		if !errors.As(err, &ee) {
			err = &EvaluationError{Err: err, Position: e.tree.pos().start}
		}
		return nil, err
	}

	// A bare identifier that resolves to nothing and is not the root type
	// name is a name resolution failure, not an empty result.
	if ident, ok := e.tree.(*identExpr); ok && len(result) == 0 {
		if target == nil || ident.name != string(target.TypeInfo().Name) {
			return nil, &EvaluationError{
				Err:      fmt.Errorf("cannot resolve name %q", ident.name),
				Position: ident.sp.start,
				Path:     []string{ident.name},
			}
		}
	}
	return result, nil
}

// Evaluate runs a compiled expression against target. It is shorthand for
// expr.Evaluate(ctx, target).
func Evaluate(ctx context.Context, target Element, expr Expression) (Collection, error) {
	return expr.Evaluate(ctx, target)
}

// Function implements a FHIRPath function. target is the input collection and
// params are the unevaluated argument expressions; evaluate runs an argument,
// optionally against a specific element that becomes $this.
type Function func(
	ctx context.Context,
	root Element,
	target Collection,
	params []Expression,
	evaluate EvaluateFunc,
) (Collection, error)

// Functions maps function names to implementations.
type Functions map[string]Function

// EvaluateFunc evaluates a function argument. A non-nil target becomes the
// focus and $this; a nil target leaves the input collection in focus. The
// optional scope supplies $index and $total.
type EvaluateFunc func(
	ctx context.Context,
	target Element,
	expr Expression,
	scope ...FunctionScope,
) (Collection, error)

// FunctionScope carries the iteration variables of lambda-style arguments.
type FunctionScope struct {
	// Index is the position of the current element, bound to $index.
	Index int
	// Total is the running aggregate, bound to $total. A nil Total leaves
	// $total unbound.
	Total Collection
}

// functionScope is the resolved scope visible to $this, $index and $total.
type functionScope struct {
	this  Collection
	index int
	total Collection
}

type functionScopeKey struct{}

func withFunctionScope(ctx context.Context, scope functionScope) context.Context {
	return context.WithValue(ctx, functionScopeKey{}, scope)
}

func currentFunctionScope(ctx context.Context) functionScope {
	if scope, ok := ctx.Value(functionScopeKey{}).(functionScope); ok {
		return scope
	}
	return functionScope{index: -1}
}

type functionsKey struct{}

// WithFunctions makes additional functions available to evaluation. User
// functions shadow built-ins of the same name.
func WithFunctions(ctx context.Context, fns Functions) context.Context {
	merged := make(Functions, len(fns))
	if existing, ok := ctx.Value(functionsKey{}).(Functions); ok {
		for name, fn := range existing {
			merged[name] = fn
		}
	}
	for name, fn := range fns {
		merged[name] = fn
	}
	return context.WithValue(ctx, functionsKey{}, merged)
}

func getFunction(ctx context.Context, name string) (Function, bool) {
	if fns, ok := ctx.Value(functionsKey{}).(Functions); ok {
		if fn, ok := fns[name]; ok {
			return fn, true
		}
	}
	fn, ok := defaultFunctions[name]
	return fn, ok
}

// envFrame is one scope of environment variables. Frames nest: union operands
// and function arguments get a child frame so defineVariable stays local.
type envFrame struct {
	vars   map[string]Collection
	parent *envFrame
}

type envKey struct{}

func withNewEnvFrame(ctx context.Context) context.Context {
	parent, _ := ctx.Value(envKey{}).(*envFrame)
	return context.WithValue(ctx, envKey{}, &envFrame{
		vars:   map[string]Collection{},
		parent: parent,
	})
}

func currentEnvFrame(ctx context.Context) *envFrame {
	frame, _ := ctx.Value(envKey{}).(*envFrame)
	return frame
}

// WithEnv binds an environment variable in the current frame, visible as
// %name inside the expression.
func WithEnv(ctx context.Context, name string, value Collection) context.Context {
	frame := currentEnvFrame(ctx)
	if frame == nil {
		ctx = withNewEnvFrame(ctx)
		frame = currentEnvFrame(ctx)
	}
	frame.vars[name] = value
	return ctx
}

func envValue(ctx context.Context, name string) (Collection, bool) {
	for frame := currentEnvFrame(ctx); frame != nil; frame = frame.parent {
		if value, ok := frame.vars[name]; ok {
			return value, true
		}
	}
	return nil, false
}

// VariableResolver supplies values for environment variables that are not
// bound via WithEnv.
type VariableResolver func(name string) (Collection, bool)

type resolverKey struct{}

// WithVariableResolver adds a fallback resolver for %name references.
// Resolvers are consulted innermost first.
func WithVariableResolver(ctx context.Context, resolver VariableResolver) context.Context {
	resolvers, _ := ctx.Value(resolverKey{}).([]VariableResolver)
	next := make([]VariableResolver, 0, len(resolvers)+1)
	next = append(next, resolver)
	next = append(next, resolvers...)
	return context.WithValue(ctx, resolverKey{}, next)
}

func resolveVariable(ctx context.Context, name string) (Collection, bool) {
	if value, ok := envValue(ctx, name); ok {
		return value, true
	}
	resolvers, _ := ctx.Value(resolverKey{}).([]VariableResolver)
	for _, resolve := range resolvers {
		if value, ok := resolve(name); ok {
			return value, true
		}
	}
	return nil, false
}

// Tracer receives the output of trace() invocations.
type Tracer interface {
	Trace(ctx context.Context, name string, value Collection)
}

// StdoutTracer writes trace output to standard output.
type StdoutTracer struct{}

func (StdoutTracer) Trace(ctx context.Context, name string, value Collection) {
	fmt.Printf("TRACE[%s] %s\n", name, value)
}

// TraceEntry is one recorded trace() invocation.
type TraceEntry struct {
	Name  string
	Value Collection
}

// CollectingTracer records trace output for later inspection, e.g. in tests.
type CollectingTracer struct {
	Traces []TraceEntry
}

func (t *CollectingTracer) Trace(ctx context.Context, name string, value Collection) {
	t.Traces = append(t.Traces, TraceEntry{Name: name, Value: value})
}

type tracerKey struct{}

// WithTracer routes trace() output to the given tracer. Without one, trace()
// is a no-op.
func WithTracer(ctx context.Context, tracer Tracer) context.Context {
	return context.WithValue(ctx, tracerKey{}, tracer)
}

func tracerFrom(ctx context.Context) (Tracer, bool) {
	tracer, ok := ctx.Value(tracerKey{}).(Tracer)
	return tracer, ok
}

type apdContextKey struct{}

// WithAPDContext overrides the decimal arithmetic context, e.g. to change
// precision or rounding.
func WithAPDContext(ctx context.Context, apdCtx *apd.Context) context.Context {
	return context.WithValue(ctx, apdContextKey{}, apdCtx)
}

func apdContext(ctx context.Context) *apd.Context {
	if apdCtx, ok := ctx.Value(apdContextKey{}).(*apd.Context); ok {
		return apdCtx
	}
	return defaultAPDContext()
}

// defaultAPDContext matches the FHIRPath decimal profile: 34 significant
// digits with banker's rounding.
func defaultAPDContext() *apd.Context {
	apdCtx := apd.BaseContext.WithPrecision(34)
	apdCtx.Rounding = apd.RoundHalfEven
	return apdCtx
}

type instantKey struct{}

func withEvaluationInstant(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, instantKey{}, t)
}

// evaluationInstant returns the timestamp fixed at the start of Evaluate.
func evaluationInstant(ctx context.Context) time.Time {
	if t, ok := ctx.Value(instantKey{}).(time.Time); ok {
		return t
	}
	return time.Now()
}
