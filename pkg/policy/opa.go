package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"

	"github.com/witlox/lacuna/pkg/domain"
)

// EngineOptions control OPA engine construction.
type EngineOptions struct {
	// Entrypoint is the decision path (e.g. "lacuna/decision").
	Entrypoint string
	// Modules maps module names to Rego source.
	Modules map[string]string
	// Version is reported as PolicyVersion on every decision.
	Version string
}

const defaultEntrypoint = "lacuna/decision"

// Engine evaluates governance decisions with an embedded OPA instance.
type Engine struct {
	moduleOrder   []string
	parsedModules map[string]*ast.Module
	entrypoint    string
	version       string

	mu      sync.RWMutex
	queries map[string]*rego.PreparedEvalQuery
}

// NewEngine parses and compiles the supplied Rego modules and warms the
// default entrypoint so syntax errors surface at startup.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}
	if len(opts.Modules) == 0 {
		return nil, errors.New("policy engine requires at least one rego module")
	}

	moduleOrder := make([]string, 0, len(opts.Modules))
	for name := range opts.Modules {
		moduleOrder = append(moduleOrder, name)
	}
	sort.Strings(moduleOrder)

	parsedModules := make(map[string]*ast.Module, len(opts.Modules))
	for _, name := range moduleOrder {
		module, err := ast.ParseModuleWithOpts(name, opts.Modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		parsedModules[name] = module
	}

	engine := &Engine{
		moduleOrder:   moduleOrder,
		parsedModules: parsedModules,
		entrypoint:    entry,
		version:       opts.Version,
		queries:       make(map[string]*rego.PreparedEvalQuery),
	}

	if _, err := engine.getPreparedQuery(ctx, entry); err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}
	return engine, nil
}

// LoadModules reads Rego module files for NewEngine.
func LoadModules(paths []string) (map[string]string, error) {
	modules := make(map[string]string, len(paths))
	for _, path := range paths {
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read rego module: %w", err)
		}
		modules[filepath.Base(path)] = string(src)
	}
	return modules, nil
}

// Evaluate implements Evaluator.
func (e *Engine) Evaluate(ctx context.Context, input domain.PolicyInput) (domain.PolicyDecision, error) {
	payload := map[string]any{
		"action":                string(input.Action),
		"resource_id":           input.ResourceID,
		"tier":                  string(input.Tier),
		"confidence":            input.Confidence,
		"tags":                  append([]string(nil), input.Tags...),
		"destination":           input.Destination,
		"destination_encrypted": input.DestinationEncrypted,
		"actor_id":              input.ActorID,
		"actor_role":            input.ActorRole,
		"purpose":               input.Purpose,
		"lineage_chain":         append([]string(nil), input.LineageChain...),
		"environment":           input.Environment,
		"project":               input.Project,
	}

	prepared, err := e.getPreparedQuery(ctx, e.entrypoint)
	if err != nil {
		return domain.PolicyDecision{}, fmt.Errorf("prepare query: %w", err)
	}

	results, err := prepared.Eval(ctx, rego.EvalInput(payload))
	if err != nil {
		return domain.PolicyDecision{}, fmt.Errorf("opa decision: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return domain.PolicyDecision{}, fmt.Errorf("entrypoint %q produced no result", e.entrypoint)
	}

	decisionPayload, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return domain.PolicyDecision{}, fmt.Errorf("opa decision: unexpected result type %T", results[0].Expressions[0].Value)
	}

	allowed, ok := decisionPayload["allow"].(bool)
	if !ok {
		return domain.PolicyDecision{}, errors.New("opa decision: missing boolean allow")
	}

	reason, _ := decisionPayload["reason"].(string)
	policyID, _ := decisionPayload["policy_id"].(string)
	if policyID == "" {
		policyID = e.entrypoint
	}

	return domain.PolicyDecision{
		Allowed:       allowed,
		PolicyID:      policyID,
		PolicyVersion: e.version,
		Reasoning:     reason,
		Alternatives:  stringSlice(decisionPayload["alternatives"]),
		MatchedRules:  stringSlice(decisionPayload["matched_rules"]),
	}, nil
}

func (e *Engine) getPreparedQuery(ctx context.Context, entry string) (*rego.PreparedEvalQuery, error) {
	e.mu.RLock()
	if prepared, ok := e.queries[entry]; ok {
		e.mu.RUnlock()
		return prepared, nil
	}
	e.mu.RUnlock()

	query := "data." + strings.ReplaceAll(entry, "/", ".")

	opts := make([]func(*rego.Rego), 0, len(e.parsedModules)+1)
	opts = append(opts, rego.Query(query))
	for _, name := range e.moduleOrder {
		opts = append(opts, rego.ParsedModule(e.parsedModules[name]))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Another goroutine may have already prepared the query; respect first entry.
	if existing, ok := e.queries[entry]; ok {
		return existing, nil
	}
	e.queries[entry] = &prepared
	return &prepared, nil
}

func stringSlice(value any) []string {
	raw, ok := value.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
