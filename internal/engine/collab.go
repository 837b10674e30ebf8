package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"buildline/internal/domain"
	"buildline/internal/verify"
)

// AnalysisResult is what the analysis collaborator hands back: an opaque
// payload plus the complexity grade that drives credit scaling.
type AnalysisResult struct {
	PayloadJSON string
	Complexity  string
	RiskScore   int
}

// Analyzer produces the analysis payload for a freshly submitted request.
type Analyzer interface {
	Analyze(ctx context.Context, req domain.Request) (AnalysisResult, error)
}

// SubtaskDraft is one unit of work proposed by the planner. DependsOn
// refers to the index of an earlier draft in the same batch, or -1.
type SubtaskDraft struct {
	Title         string
	Order         int
	DependsOn     int
	EstimatedCost int
}

// Planner turns an analyzed request into a proposal and its decomposition,
// and refines an existing proposal on request.
type Planner interface {
	Propose(ctx context.Context, req domain.Request) (string, []SubtaskDraft, error)
	Refine(ctx context.Context, req domain.Request, instructions string) (string, error)
}

// Builder produces a build artifact from an approved proposal.
type Builder interface {
	Build(ctx context.Context, req domain.Request) (string, error)
}

// Deployer promotes a verified artifact to a live site.
type Deployer interface {
	Deploy(ctx context.Context, artifactRef string) (string, error)
}

// Reviewer returns a composite risk score for a built artifact. The score
// is informational metadata; reviewer failures never block a transition.
type Reviewer interface {
	Review(ctx context.Context, artifactRef string) (int, error)
}

// Collaborators bundles the external services a pipeline run touches.
type Collaborators struct {
	Analyzer  Analyzer
	Planner   Planner
	Builder   Builder
	Deployer  Deployer
	Reviewer  Reviewer
	Validator verify.Validator
	Fixer     verify.Fixer
}

// Local is a self-contained collaborator set for offline and single-binary
// use. Analysis grades complexity from the request text; builds and
// deploys mint deterministic refs; validation always passes.
type Local struct{}

var _ Analyzer = Local{}
var _ Planner = Local{}
var _ Builder = Local{}
var _ Deployer = Local{}
var _ Reviewer = Local{}
var _ verify.Validator = Local{}
var _ verify.Fixer = Local{}

// LocalCollaborators returns a Collaborators wired entirely to Local.
func LocalCollaborators() Collaborators {
	l := Local{}
	return Collaborators{Analyzer: l, Planner: l, Builder: l, Deployer: l, Reviewer: l, Validator: l, Fixer: l}
}

var complexityKeywords = map[string][]string{
	"enterprise": {"multi-tenant", "sso", "compliance", "audit trail", "white-label"},
	"complex":    {"integration", "payment", "realtime", "workflow", "migration"},
	"medium":     {"dashboard", "auth", "api", "search", "upload"},
}

// GradeComplexity estimates a complexity grade from the request text.
// Keyword hits win over length; longer descriptions drift upward.
func GradeComplexity(title, description string) string {
	text := strings.ToLower(title + " " + description)
	for _, grade := range []string{"enterprise", "complex", "medium"} {
		for _, kw := range complexityKeywords[grade] {
			if strings.Contains(text, kw) {
				return grade
			}
		}
	}
	if len(description) > 400 {
		return "medium"
	}
	return "simple"
}

func (Local) Analyze(ctx context.Context, req domain.Request) (AnalysisResult, error) {
	grade := req.Complexity
	if grade == "" {
		grade = GradeComplexity(req.Title, req.Description)
	}
	payload, _ := json.Marshal(map[string]any{
		"summary":    fmt.Sprintf("local analysis of %q", req.Title),
		"complexity": grade,
	})
	risk := 10
	if grade == "complex" || grade == "enterprise" {
		risk = 40
	}
	return AnalysisResult{PayloadJSON: string(payload), Complexity: grade, RiskScore: risk}, nil
}

func (Local) Propose(ctx context.Context, req domain.Request) (string, []SubtaskDraft, error) {
	payload, _ := json.Marshal(map[string]any{
		"proposal": fmt.Sprintf("local proposal for %q", req.Title),
	})
	drafts := []SubtaskDraft{
		{Title: "Scaffold project", Order: 1, DependsOn: -1, EstimatedCost: 50},
		{Title: "Implement " + req.Title, Order: 2, DependsOn: 0, EstimatedCost: 150},
		{Title: "Wire up delivery", Order: 3, DependsOn: 1, EstimatedCost: 100},
	}
	return string(payload), drafts, nil
}

func (Local) Refine(ctx context.Context, req domain.Request, instructions string) (string, error) {
	payload, _ := json.Marshal(map[string]any{
		"proposal":   fmt.Sprintf("local proposal for %q", req.Title),
		"refinement": instructions,
	})
	return string(payload), nil
}

func (Local) Build(ctx context.Context, req domain.Request) (string, error) {
	return "artifact://" + req.ID, nil
}

func (Local) Deploy(ctx context.Context, artifactRef string) (string, error) {
	return "site://" + strings.TrimPrefix(artifactRef, "artifact://"), nil
}

func (Local) Review(ctx context.Context, artifactRef string) (int, error) {
	return 15, nil
}

func (Local) Validate(ctx context.Context, artifact string) ([]verify.Issue, error) {
	return nil, nil
}

func (Local) Fix(ctx context.Context, artifact string, issues []verify.Issue, history []verify.Attempt) (string, string, error) {
	return artifact, "no-op fix", nil
}
