// Package coach defines the boundary contracts for the coaching and soothing
// collaborators. The engine treats these as black boxes returning plain data;
// how a suggestion was produced is never inspected. The bundled
// implementations are rule-based stand-ins so every flow works text-only,
// without any external service.
package coach

import (
	"context"
	"strings"
)

// Gates returned by appraisal suggestions.
const (
	GateProblemFocused = "problem_focused"
	GateEmotionFocused = "emotion_focused"
)

type AppraisalSuggestion struct {
	StressType string   `json:"stress_type"`
	Gate       string   `json:"gate" enum:"problem_focused,emotion_focused"`
	Rationale  []string `json:"rationale"`
}

type PlanPack struct {
	Steps           []string `json:"steps"`
	Timebox         string   `json:"timebox"`
	SuccessCriteria []string `json:"success_criteria"`
	Fallback        string   `json:"fallback"`
}

type PracticePack struct {
	Technique         string   `json:"technique"`
	DurationMinutes   int      `json:"duration_minutes"`
	Script            []string `json:"script"`
	ReappraisalPrompt string   `json:"reappraisal_prompt"`
}

// Coach produces appraisal suggestions and coping plans.
type Coach interface {
	SuggestAppraisal(ctx context.Context, text string, writingStall bool) (AppraisalSuggestion, error)
	GeneratePlan(ctx context.Context, text string) (PlanPack, error)
}

// Soother produces short emotion-regulation practices.
type Soother interface {
	GeneratePractice(ctx context.Context) (PracticePack, error)
}

// RuleCoach is the default rule-based Coach.
type RuleCoach struct{}

func (RuleCoach) SuggestAppraisal(_ context.Context, text string, writingStall bool) (AppraisalSuggestion, error) {
	lower := strings.ToLower(text)
	switch {
	case writingStall || strings.Contains(lower, "intro") || strings.Contains(lower, "write") || strings.Contains(lower, "writing"):
		return AppraisalSuggestion{
			StressType: "writing block",
			Gate:       GateProblemFocused,
			Rationale:  []string{"long editor dwell with low input", "self-reported writing difficulty"},
		}, nil
	case strings.Contains(lower, "waiting") || strings.Contains(lower, "review") || strings.Contains(lower, "decision"):
		return AppraisalSuggestion{
			StressType: "waiting on an outcome",
			Gate:       GateEmotionFocused,
			Rationale:  []string{"situation is not controllable", "regulate emotion before acting"},
		}, nil
	default:
		return AppraisalSuggestion{
			StressType: "general task pressure",
			Gate:       GateProblemFocused,
			Rationale:  []string{"default path"},
		}, nil
	}
}

func (RuleCoach) GeneratePlan(_ context.Context, _ string) (PlanPack, error) {
	return PlanPack{
		Steps: []string{
			"List three sub-headings for this section",
			"Write two factual sentences under each",
			"Export or copy a 200-word draft",
		},
		Timebox:         "<=45min",
		SuccessCriteria: []string{"150+ new words", "all three sub-headings drafted"},
		Fallback:        "If no progress after 10 minutes, restate two sentences from a reference paper as a starting point",
	}, nil
}

// RuleSoother is the default rule-based Soother.
type RuleSoother struct{}

func (RuleSoother) GeneratePractice(_ context.Context) (PracticePack, error) {
	return PracticePack{
		Technique:       "4-6 breathing x 8 rounds",
		DurationMinutes: 3,
		Script: []string{
			"Sit upright, feet on the floor, shoulders loose.",
			"Inhale for 4 counts without raising the shoulders.",
			"Exhale for 6 counts, like slowly setting down a backpack.",
			"Repeat 8 times; relax the jaw and the brow.",
			"Close by asking: what is one small thing I can do right now?",
		},
		ReappraisalPrompt: "Can 'I can't write this' become 'I'll write two factual sentences first'?",
	}, nil
}
