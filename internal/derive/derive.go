// Package derive computes progress counters, attention signals, and daily
// summaries from the raw activity log. Every function here is pure and
// re-runnable over the full log; there is no incremental state to drift.
package derive

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"stressline/internal/config"
	"stressline/internal/domain"
)

// Rules carries the derivation thresholds from the profile config.
type Rules struct {
	FocusSites      []string
	WritingTool     string
	FocusMinutes    float64
	DeepReadMinutes float64
	StallTypingMax  int
	SwitchSpikeMin  int
	NightStartHour  int
	NightEndHour    int
	SignalCap       int
	Highlights      map[string]string
}

func RulesFromConfig(cfg *config.Config) Rules {
	d := cfg.Derivation
	return Rules{
		FocusSites:      d.FocusSites,
		WritingTool:     d.WritingTool,
		FocusMinutes:    d.FocusMinutes,
		DeepReadMinutes: d.DeepReadMinutes,
		StallTypingMax:  d.StallTypingMax,
		SwitchSpikeMin:  d.SwitchSpikeMin,
		NightStartHour:  d.NightStartHour,
		NightEndHour:    d.NightEndHour,
		SignalCap:       d.SignalCap,
		Highlights:      d.Highlights,
	}
}

func (r Rules) focusSite(site string) bool {
	for _, s := range r.FocusSites {
		if s == site {
			return true
		}
	}
	return false
}

// nightHour reports whether the hour falls in the [start, end) wrap-around
// window, e.g. 23..03.
func (r Rules) nightHour(hour int) bool {
	if r.NightStartHour <= r.NightEndHour {
		return hour >= r.NightStartHour && hour < r.NightEndHour
	}
	return hour >= r.NightStartHour || hour < r.NightEndHour
}

// Progress aggregates counters over the full log. Events with an unparseable
// timestamp still count toward duration/typing sums; only the night window
// needs the clock.
func Progress(events []domain.ActivityEvent, r Rules) domain.Progress {
	var p domain.Progress
	for _, e := range events {
		if e.Kind == "active_block" && e.DurationMinutes >= r.FocusMinutes && r.focusSite(e.Site) {
			p.Focus25++
		}
		if e.Kind == "paper_view" && (e.Deep || e.DurationMinutes >= r.DeepReadMinutes) {
			p.DeepReads++
		}
		if e.Kind == "typing_burst" {
			p.CharsApprox += e.TypingVolume
		}
		if t, err := time.Parse(time.RFC3339, e.TS); err == nil && r.nightHour(t.Hour()) {
			p.NightMinutes += int(math.Round(e.DurationMinutes))
		}
	}
	return p
}

// Signals scans the log for stall and switch-spike patterns. The result is
// sorted newest-first and capped; the cap is an attention-budget policy, a
// wall of suggestions is worse than none.
func Signals(events []domain.ActivityEvent, r Rules) []domain.Signal {
	var out []domain.Signal
	for _, e := range events {
		if e.Kind == "active_block" && e.DurationMinutes >= r.FocusMinutes && e.TypingVolume <= r.StallTypingMax && e.Site == r.WritingTool {
			out = append(out, domain.Signal{
				ID:   uuid.NewString(),
				TS:   e.TS,
				Kind: "writing_stall",
				Text: fmt.Sprintf("You just spent ~%d minutes in %s with almost no input. Capture the situation, or try a small 3-step plan?", int(r.FocusMinutes), r.WritingTool),
				CallToActions: []domain.CallToAction{
					{Label: "Capture situation", Action: "record"},
					{Label: "Generate 3-step plan", Action: "coach"},
					{Label: "Dismiss", Action: "dismiss"},
				},
			})
		}
		if e.Kind == "tab_switch_spike" && e.SwitchCount >= r.SwitchSpikeMin {
			out = append(out, domain.Signal{
				ID:   uuid.NewString(),
				TS:   e.TS,
				Kind: "switch_spike",
				Text: "You switched tabs a lot in the last few minutes. Want a 10-minute focus block?",
				CallToActions: []domain.CallToAction{
					{Label: "Start 10 minutes", Action: "focus10"},
					{Label: "Capture situation", Action: "record"},
					{Label: "Dismiss", Action: "dismiss"},
				},
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TS > out[j].TS })
	if len(out) > r.SignalCap {
		out = out[:r.SignalCap]
	}
	return out
}

// SeedEvents returns a sample activity stream anchored to now, used to demo
// the derivation pipeline on a fresh workspace.
func SeedEvents(now time.Time) []domain.ActivityEvent {
	at := func(minAgo int) string { return now.Add(-time.Duration(minAgo) * time.Minute).Format(time.RFC3339) }
	return []domain.ActivityEvent{
		{TS: at(210), Site: "overleaf", Kind: "active_block", DurationMinutes: 32, TypingVolume: 0},
		{TS: at(200), Site: "scholar", Kind: "paper_view", DurationMinutes: 2, Deep: true},
		{TS: at(195), Site: "scholar", Kind: "paper_view", DurationMinutes: 0.3},
		{TS: at(180), Kind: "tab_switch_spike", SwitchCount: 8},
		{TS: at(150), Site: "overleaf", Kind: "typing_burst", DurationMinutes: 20, TypingVolume: 350},
		{TS: at(120), Site: "arxiv", Kind: "paper_view", DurationMinutes: 1.8, Deep: true},
		{TS: at(60), Site: "github", Kind: "commit_view", DurationMinutes: 5},
		{TS: at(40), Kind: "tab_switch_spike", SwitchCount: 7},
		{TS: at(25), Site: "overleaf", Kind: "active_block", DurationMinutes: 26, TypingVolume: 2},
		{TS: at(10), Site: "youtube", Kind: "entertainment", DurationMinutes: 10},
	}
}

// DailySummaries buckets the log by calendar day and rolls each day's known
// highlights into one daySummary milestone. Days without a highlight produce
// nothing; an empty card would read as a reproach, not a summary.
func DailySummaries(events []domain.ActivityEvent, r Rules) []domain.Milestone {
	type bucket struct {
		day    time.Time
		labels []string
		counts map[string]int
	}
	byDay := map[string]*bucket{}
	var order []string
	for _, e := range events {
		t, err := time.Parse(time.RFC3339, e.TS)
		if err != nil {
			continue
		}
		phrase, ok := r.Highlights[e.Kind]
		if !ok {
			continue
		}
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		key := day.Format("2006-01-02")
		b := byDay[key]
		if b == nil {
			b = &bucket{day: day, counts: map[string]int{}}
			byDay[key] = b
			order = append(order, key)
		}
		if b.counts[phrase] == 0 {
			b.labels = append(b.labels, phrase)
		}
		b.counts[phrase]++
	}

	var out []domain.Milestone
	for _, key := range order {
		b := byDay[key]
		items := make([]string, 0, len(b.labels))
		for _, label := range b.labels {
			if n := b.counts[label]; n > 1 {
				items = append(items, fmt.Sprintf("%s ×%d", label, n))
			} else {
				items = append(items, label)
			}
		}
		out = append(out, domain.Milestone{
			ID:     uuid.NewString(),
			TS:     b.day.Format(time.RFC3339),
			Kind:   domain.MilestoneDaySummary,
			Title:  fmt.Sprintf("Small wins on %s", key),
			Source: domain.SourceAuto,
			Items:  items,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TS > out[j].TS })
	return out
}
