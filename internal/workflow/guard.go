package workflow

import (
	"fmt"
	"sort"

	"github.com/google/cel-go/cel"

	"creditline/internal/domain"
)

// Guards holds compiled CEL expressions deciding who may complete or reject a
// step. Expressions see `actor` (map with id and role), `step`, `assignee`
// and `project`. Steps without a guard are open to any authenticated actor.
type Guards struct {
	programs map[string]cel.Program
	sources  map[string]string
}

// CompileGuards compiles the configured guard expressions.
func CompileGuards(exprs map[string]string) (*Guards, error) {
	env, err := cel.NewEnv(
		cel.Variable("actor", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("step", cel.StringType),
		cel.Variable("assignee", cel.StringType),
		cel.Variable("project", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("guard env: %w", err)
	}
	known := map[string]bool{}
	for _, id := range StepIDs() {
		known[id] = true
	}
	g := &Guards{programs: map[string]cel.Program{}, sources: map[string]string{}}
	for stepID, expr := range exprs {
		if !known[stepID] {
			return nil, fmt.Errorf("guard for unknown step %q", stepID)
		}
		ast, iss := env.Compile(expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("guard %s: %w", stepID, iss.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("guard %s must evaluate to bool, got %s", stepID, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("guard %s: %w", stepID, err)
		}
		g.programs[stepID] = prg
		g.sources[stepID] = expr
	}
	return g, nil
}

// Allow evaluates the guard of stepID for actor. A nil Guards allows everything.
func (g *Guards) Allow(wf domain.ReportWorkflow, stepID string, actor domain.Actor) error {
	if g == nil {
		return nil
	}
	prg, ok := g.programs[stepID]
	if !ok {
		return nil
	}
	assignee := ""
	if s, ok := wf.Step(stepID); ok && s.Assignee != nil {
		assignee = *s.Assignee
	}
	out, _, err := prg.Eval(map[string]any{
		"actor":    map[string]string{"id": actor.ID, "role": string(actor.Role)},
		"step":     stepID,
		"assignee": assignee,
		"project":  wf.ProjectID,
	})
	if err != nil {
		return fmt.Errorf("evaluate guard %s: %w", stepID, err)
	}
	if allowed, ok := out.Value().(bool); ok && allowed {
		return nil
	}
	return domain.ForbiddenError{Permission: "step." + stepID}
}

// Steps lists guarded step ids in sorted order.
func (g *Guards) Steps() []string {
	if g == nil {
		return nil
	}
	out := make([]string, 0, len(g.sources))
	for id := range g.sources {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
