package policy

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/open-verix/secsign/internal/record"
)

// Engine evaluates acceptance rules against verification records.
type Engine struct {
	config *Config
	cel    *CELEvaluator
}

// NewEngine compiles the rules of config.
func NewEngine(config *Config) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	e := &Engine{config: config}
	if len(config.Rules) > 0 {
		ev, err := NewCELEvaluator(config.Rules)
		if err != nil {
			return nil, err
		}
		e.cel = ev
	}
	return e, nil
}

// Algorithms returns the algorithm table, never nil.
func (e *Engine) Algorithms() *AlgorithmPolicy {
	if e == nil || e.config == nil || e.config.Algorithms == nil {
		return DefaultAlgorithmPolicy()
	}
	return e.config.Algorithms
}

// Evaluate applies every acceptance rule to one verified record.
func (e *Engine) Evaluate(ctx context.Context, rec *record.Record) (*Result, error) {
	if rec == nil {
		return nil, errors.New("record is required for policy evaluation")
	}

	result := &Result{
		RecordID:   rec.ID,
		Passed:     true,
		Violations: []Violation{},
	}
	if e.cel == nil {
		return result, nil
	}

	passed, err := e.cel.Evaluate(ctx, Input(rec))
	if err != nil {
		return nil, err
	}
	for _, rule := range e.config.Rules {
		if passed[rule.Name] {
			continue
		}
		msg := rule.Message
		if msg == "" {
			msg = fmt.Sprintf("rule %s not satisfied", rule.Name)
		}
		result.Violations = append(result.Violations, Violation{Rule: rule.Name, Message: msg})
	}
	result.Passed = len(result.Violations) == 0
	return result, nil
}

// Input is the CEL view of a record: outcome names, caveats and one entry
// per signer.
func Input(rec *record.Record) map[string]interface{} {
	signers := make([]interface{}, 0, len(rec.Signers))
	for _, s := range rec.Signers {
		entry := map[string]interface{}{
			"subject":     s.Subject,
			"issuer":      s.Issuer,
			"serial":      s.Serial,
			"hash":        s.HashAlgorithm,
			"padding":     string(s.Padding),
			"outcome":     s.Outcome.String(),
			"caveats":     stringsToList(s.Caveats),
			"timestamped": s.TimestampTime != nil,
		}
		if s.SigningTime != nil {
			entry["signing_time"] = s.SigningTime.UTC()
		}
		signers = append(signers, entry)
	}

	return map[string]interface{}{
		"id":      rec.ID,
		"name":    rec.Name,
		"format":  string(rec.SignatureFormat),
		"outcome": rec.VerifyOutcome.String(),
		"caveats": stringsToList(rec.Caveats),
		"signers": signers,
	}
}

func stringsToList(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// Result represents the outcome of policy evaluation for one record.
type Result struct {
	RecordID   string      `json:"record_id"`
	Passed     bool        `json:"passed"`
	Violations []Violation `json:"violations"`
}

// Violation names a rule that evaluated to false.
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}
