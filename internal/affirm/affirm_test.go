package affirm_test

import (
	"strings"
	"testing"

	"stressline/internal/affirm"
	"stressline/internal/domain"
)

func TestForMilestoneDaySummary(t *testing.T) {
	m := domain.Milestone{
		Kind:  domain.MilestoneDaySummary,
		Title: "Small wins on 2026-03-02",
		Items: []string{"Focused for 25+ minutes", "Deep-read a paper for 90+ seconds", "Completed a micro plan", "Committed research code"},
	}
	got := affirm.ForMilestone(m)
	if !strings.Contains(got, "Focused for 25+ minutes") {
		t.Fatalf("expected first item in text, got %q", got)
	}
	if strings.Contains(got, "Committed research code") {
		t.Fatalf("expected at most 3 items, got %q", got)
	}
}

func TestForMilestoneCustomQuotesTitle(t *testing.T) {
	got := affirm.ForMilestone(domain.Milestone{Kind: domain.MilestoneCustom, Title: "Took a real lunch break"})
	if !strings.Contains(got, `"Took a real lunch break"`) {
		t.Fatalf("expected quoted title, got %q", got)
	}
}

func TestForMilestoneInterventionKindsUniform(t *testing.T) {
	kinds := []string{domain.MilestoneInterventionDone, domain.MilestonePlanDone, domain.MilestoneSootheDone, domain.MilestoneResolvedStress}
	for _, kind := range kinds {
		got := affirm.ForMilestone(domain.Milestone{Kind: kind, Title: "Finished the intro"})
		if !strings.Contains(got, "Finished the intro") {
			t.Fatalf("kind %s: expected title in text, got %q", kind, got)
		}
		if !strings.Contains(got, "key step") {
			t.Fatalf("kind %s: expected intervention phrasing, got %q", kind, got)
		}
	}
}

func TestDailyFallbackOnEmpty(t *testing.T) {
	got := affirm.Daily(nil)
	if got == "" {
		t.Fatalf("empty input must still produce an encouraging sentence")
	}
	if strings.Contains(got, "%") {
		t.Fatalf("unexpected formatting artifact in %q", got)
	}
}

func TestDailyListsTopThree(t *testing.T) {
	list := []domain.Milestone{
		{Kind: domain.MilestonePlanDone, Title: "Plan A"},
		{Kind: domain.MilestoneSootheDone, Title: "Breathing"},
		{Kind: domain.MilestoneCustom, Title: "Walk"},
		{Kind: domain.MilestoneCustom, Title: "Ignored"},
	}
	got := affirm.Daily(list)
	for _, want := range []string{"Plan A", "Breathing", "Walk"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected %q in %q", want, got)
		}
	}
	if strings.Contains(got, "Ignored") {
		t.Fatalf("expected only top three titles, got %q", got)
	}
}

func TestWeeklyFallbackOnEmpty(t *testing.T) {
	if got := affirm.Weekly(nil); got == "" {
		t.Fatalf("empty input must still produce an encouraging sentence")
	}
}

func TestWeeklyCallsOutResolved(t *testing.T) {
	list := []domain.Milestone{
		{Kind: domain.MilestonePlanDone, Title: "Plan A"},
		{Kind: domain.MilestoneResolvedStress, Title: "Intro done"},
	}
	got := affirm.Weekly(list)
	if !strings.Contains(got, "resolved a stress point") {
		t.Fatalf("expected resolved call-out, got %q", got)
	}
	without := affirm.Weekly(list[:1])
	if strings.Contains(without, "resolved a stress point") {
		t.Fatalf("expected no resolved call-out, got %q", without)
	}
}
