// Package affirm turns milestones into short affirming statements. Every
// function is a pure function of its input list; empty input falls back to an
// encouraging default rather than silence.
package affirm

import (
	"fmt"
	"strings"

	"stressline/internal/domain"
)

// ForMilestone phrases a single milestone. All intervention-style kinds share
// one phrasing; only day summaries and custom milestones get their own.
func ForMilestone(m domain.Milestone) string {
	switch m.Kind {
	case domain.MilestoneDaySummary:
		items := m.Items
		if len(items) > 3 {
			items = items[:3]
		}
		if len(items) == 0 {
			return "You looked after yourself today and gave the work some room. That counts."
		}
		return fmt.Sprintf("Today you got this right: %s. You are breaking the hard part into small steps and moving.", strings.Join(items, ", "))
	case domain.MilestoneCustom:
		return fmt.Sprintf("You made a positive moment for yourself: %q. That reflects your own choices and values.", m.Title)
	default:
		return fmt.Sprintf("Well done, a key step finished (%s). Keep your attention on what is already done and confidence follows.", m.Title)
	}
}

// Daily rolls a day's milestones into one sentence.
func Daily(list []domain.Milestone) string {
	if len(list) == 0 {
		return "Today was not easy and you kept going. That steady push deserves credit."
	}
	top := make([]string, 0, 3)
	for _, m := range list {
		top = append(top, m.Title)
		if len(top) == 3 {
			break
		}
	}
	return fmt.Sprintf("Today you got these right: %s. You are breaking the hard part into small steps and moving forward.", strings.Join(top, "; "))
}

// Weekly rolls a week's milestones into one sentence, calling out a resolved
// episode when one appears.
func Weekly(list []domain.Milestone) string {
	if len(list) == 0 {
		return "This week may have been harder, but you never gave up. Keep using small plans to move forward next week."
	}
	kinds := map[string]bool{}
	resolved := false
	for _, m := range list {
		kinds[m.Kind] = true
		if m.Kind == domain.MilestoneResolvedStress || m.Kind == domain.MilestoneInterventionDone {
			resolved = true
		}
	}
	note := "You kept several small goals moving."
	if resolved {
		note = "You resolved a stress point, which is excellent."
	}
	return fmt.Sprintf("This week you logged progress across %d kinds of milestones. %s Keep your attention on what is already done and confidence grows on its own.", len(kinds), note)
}
