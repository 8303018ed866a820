package expr

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"

	"github.com/l0p7/escrowcache/internal/escrow"
)

// Environment builds and compiles CEL programs against escrow record metadata.
type Environment struct {
	env *cel.Env
}

// NewEnvironment declares the CEL variables exposed to coverage expressions.
func NewEnvironment() (*Environment, error) {
	env, err := cel.NewEnv(
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("views", cel.ListType(cel.StringType)),
		cel.Function("lookup",
			cel.Overload("lookup_map_string",
				[]*cel.Type{cel.MapType(cel.StringType, cel.DynType), cel.StringType},
				cel.DynType,
				cel.BinaryBinding(lookupMapValue),
			),
		),
		cel.HomogeneousAggregateLiterals(),
	)
	if err != nil {
		return nil, fmt.Errorf("expr: build environment: %w", err)
	}
	return &Environment{env: env}, nil
}

// Program wraps a compiled CEL program that yields a boolean result.
type Program struct {
	source  string
	program cel.Program
}

// Compile prepares the program for execution, ensuring the expression yields a boolean.
func (e *Environment) Compile(expression string) (Program, error) {
	expr := strings.TrimSpace(expression)
	if expr == "" {
		return Program{}, fmt.Errorf("expr: expression required")
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return Program{}, fmt.Errorf("expr: compile %q: %w", expr, issues.Err())
	}
	if t := ast.OutputType(); t != cel.BoolType && t != cel.DynType {
		return Program{}, fmt.Errorf("expr: %q must return bool, got %s", expr, cel.FormatCELType(t))
	}
	program, err := e.env.Program(ast)
	if err != nil {
		return Program{}, fmt.Errorf("expr: program %q: %w", expr, err)
	}
	return Program{source: expr, program: program}, nil
}

// Source returns the original CEL expression for logging.
func (p Program) Source() string { return p.source }

// EvalBool executes the program against the provided activation and coerces the result to bool.
func (p Program) EvalBool(vars map[string]any) (bool, error) {
	if p.program == nil {
		return false, fmt.Errorf("expr: program not initialized")
	}
	val, _, err := p.program.Eval(vars)
	if err != nil {
		return false, fmt.Errorf("expr: eval %q: %w", p.source, err)
	}
	switch v := val.(type) {
	case types.Bool:
		return bool(v), nil
	case ref.Val:
		if v.Type() == types.BoolType {
			if b, ok := v.Value().(bool); ok {
				return b, nil
			}
		}
	}
	return false, fmt.Errorf("expr: %q yielded non-bool result %T", p.source, val)
}

// Coverage evaluates the program against a record's metadata. Evaluation
// errors count as incomplete coverage.
func (p Program) Coverage(md escrow.Metadata) bool {
	covered, err := p.EvalBool(Activation(md))
	if err != nil {
		return false
	}
	return covered
}

// CoverageFunc compiles expression into a predicate usable by escrow.NewClassifier.
// An empty expression selects escrow.ReportedCoverage.
func CoverageFunc(expression string) (escrow.CoverageFunc, error) {
	if strings.TrimSpace(expression) == "" {
		return escrow.ReportedCoverage, nil
	}
	env, err := NewEnvironment()
	if err != nil {
		return nil, err
	}
	program, err := env.Compile(expression)
	if err != nil {
		return nil, err
	}
	return program.Coverage, nil
}

// Activation flattens metadata into the variables declared by NewEnvironment.
func Activation(md escrow.Metadata) map[string]any {
	shares := make([]any, 0, len(md.KeyShares))
	viewSet := make(map[string]struct{}, len(md.KeyShares))
	for _, share := range md.KeyShares {
		shares = append(shares, map[string]any{
			"view":           share.View,
			"senderPeerId":   share.SenderPeerID,
			"receiverPeerId": share.ReceiverPeerID,
		})
		if share.View != "" {
			viewSet[share.View] = struct{}{}
		}
	}
	views := make([]string, 0, len(viewSet))
	for view := range viewSet {
		views = append(views, view)
	}
	sort.Strings(views)

	client := make(map[string]any, len(md.ClientMetadata))
	for k, v := range md.ClientMetadata {
		client[k] = v
	}

	return map[string]any{
		"views": views,
		"metadata": map[string]any{
			"peerId":         md.PeerID,
			"serialNumber":   md.SerialNumber,
			"build":          md.Build,
			"viability":      md.Viability,
			"keyShares":      shares,
			"clientMetadata": client,
		},
	}
}

func lookupMapValue(mapVal ref.Val, key ref.Val) ref.Val {
	mapper, ok := mapVal.(traits.Mapper)
	if !ok {
		return types.NewErr("expr: lookup only supports string-key maps")
	}
	value, found := mapper.Find(key)
	if !found {
		return types.NullValue
	}
	if value == nil {
		return types.NullValue
	}
	return value
}
