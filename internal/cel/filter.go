// Package cel filters stored groups with CEL expressions such as
// `active && members > 10` or `"<aci>" in member_acis`.
package cel

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/gezibash/arc-groups/pkg/group"
)

// GroupVariables are the typed variables a group filter may reference.
var GroupVariables = map[string]*cel.Type{
	"id":              cel.StringType,
	"kind":            cel.StringType,
	"title":           cel.StringType,
	"description":     cel.StringType,
	"revision":        cel.IntType,
	"timer":           cel.IntType,
	"members":         cel.IntType,
	"admins":          cel.IntType,
	"pending":         cel.IntType,
	"active":          cel.BoolType,
	"profile_sharing": cel.BoolType,
	"migrated":        cel.BoolType,
	"member_acis":     cel.ListType(cel.StringType),
}

// Filter is a compiled group filter.
type Filter struct {
	expr    string
	program cel.Program
}

// CompileGroupFilter type-checks expr against GroupVariables. Expressions
// that reference unknown variables, compare mismatched types or do not
// yield a bool are rejected here rather than at match time.
func CompileGroupFilter(expr string) (*Filter, error) {
	opts := make([]cel.EnvOption, 0, len(GroupVariables))
	for name, typ := range GroupVariables {
		opts = append(opts, cel.Variable(name, typ))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile filter %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("filter %q yields %s, want bool", expr, ast.OutputType())
	}

	prog, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("cel program: %w", err)
	}
	return &Filter{expr: expr, program: prog}, nil
}

// String returns the source expression.
func (f *Filter) String() string { return f.expr }

// MatchGroup reports whether r satisfies the filter. Evaluation errors,
// such as an out-of-range index, count as no match.
func (f *Filter) MatchGroup(r *group.Record) bool {
	out, _, err := f.program.Eval(GroupAttributes(r))
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

// GroupAttributes flattens a record into filter variables.
func GroupAttributes(r *group.Record) map[string]any {
	kind := "revisioned"
	if r.ID.IsLegacy() {
		kind = "legacy"
	}

	var admins int64
	acis := make([]string, 0, len(r.Members))
	for _, m := range r.Members {
		if m.Role == group.RoleAdmin {
			admins++
		}
		acis = append(acis, m.ACI.String())
	}

	return map[string]any{
		"id":              r.ID.String(),
		"kind":            kind,
		"title":           r.Title,
		"description":     r.Description,
		"revision":        int64(r.Revision),
		"timer":           int64(r.Timer),
		"members":         int64(len(r.Members)),
		"admins":          admins,
		"pending":         int64(len(r.Pending)),
		"active":          r.Active,
		"profile_sharing": r.ProfileSharing,
		"migrated":        !r.MigratedFrom.IsZero(),
		"member_acis":     acis,
	}
}
