package derive_test

import (
	"strings"
	"testing"
	"time"

	"stressline/internal/config"
	"stressline/internal/derive"
	"stressline/internal/domain"
)

func testRules() derive.Rules {
	return derive.RulesFromConfig(config.Default("me"))
}

func ts(base time.Time, minAgo int) string {
	return base.Add(-time.Duration(minAgo) * time.Minute).Format(time.RFC3339)
}

func TestProgressAndStallFromSameEvent(t *testing.T) {
	base := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	log := []domain.ActivityEvent{
		{TS: ts(base, 10), Site: "overleaf", Kind: "active_block", DurationMinutes: 32, TypingVolume: 0},
	}
	p := derive.Progress(log, testRules())
	if p.Focus25 != 1 {
		t.Fatalf("expected focus25=1, got %d", p.Focus25)
	}
	signals := derive.Signals(log, testRules())
	if len(signals) != 1 || signals[0].Kind != "writing_stall" {
		t.Fatalf("expected a writing_stall from the same event, got %+v", signals)
	}
}

func TestProgressCounters(t *testing.T) {
	base := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	log := []domain.ActivityEvent{
		{TS: ts(base, 60), Site: "scholar", Kind: "paper_view", DurationMinutes: 0.3, Deep: true},
		{TS: ts(base, 50), Site: "arxiv", Kind: "paper_view", DurationMinutes: 1.8},
		{TS: ts(base, 40), Site: "scholar", Kind: "paper_view", DurationMinutes: 0.5},
		{TS: ts(base, 30), Site: "overleaf", Kind: "typing_burst", DurationMinutes: 20, TypingVolume: 350},
		{TS: "2026-03-02T23:30:00Z", Site: "youtube", Kind: "entertainment", DurationMinutes: 45},
	}
	p := derive.Progress(log, testRules())
	if p.DeepReads != 2 {
		t.Fatalf("expected deepReads=2 (deep flag or >=1.5min), got %d", p.DeepReads)
	}
	if p.CharsApprox != 350 {
		t.Fatalf("expected charsApprox=350, got %d", p.CharsApprox)
	}
	if p.NightMinutes != 45 {
		t.Fatalf("expected nightMinutes=45, got %d", p.NightMinutes)
	}
}

func TestSignalsCappedNewestFirst(t *testing.T) {
	base := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	log := []domain.ActivityEvent{
		{TS: ts(base, 180), Kind: "tab_switch_spike", SwitchCount: 8},
		{TS: ts(base, 40), Kind: "tab_switch_spike", SwitchCount: 7},
		{TS: ts(base, 10), Site: "overleaf", Kind: "active_block", DurationMinutes: 26, TypingVolume: 2},
	}
	signals := derive.Signals(log, testRules())
	if len(signals) != 2 {
		t.Fatalf("expected cap of 2 signals, got %d", len(signals))
	}
	if signals[0].TS < signals[1].TS {
		t.Fatalf("expected newest-first ordering")
	}
	if signals[0].Kind != "writing_stall" || signals[1].Kind != "switch_spike" {
		t.Fatalf("unexpected kinds %s, %s", signals[0].Kind, signals[1].Kind)
	}
}

func TestSignalsBelowThresholds(t *testing.T) {
	base := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	log := []domain.ActivityEvent{
		{TS: ts(base, 30), Kind: "tab_switch_spike", SwitchCount: 5},
		{TS: ts(base, 20), Site: "overleaf", Kind: "active_block", DurationMinutes: 20, TypingVolume: 0},
		{TS: ts(base, 10), Site: "colab", Kind: "active_block", DurationMinutes: 30, TypingVolume: 0},
	}
	if signals := derive.Signals(log, testRules()); len(signals) != 0 {
		t.Fatalf("expected no signals, got %+v", signals)
	}
}

func TestDailySummariesEmptyLog(t *testing.T) {
	if got := derive.DailySummaries(nil, testRules()); len(got) != 0 {
		t.Fatalf("expected no summaries for empty log, got %d", len(got))
	}
}

func TestDailySummariesSkipUnknownKinds(t *testing.T) {
	log := []domain.ActivityEvent{
		{TS: "2026-03-02T09:00:00Z", Kind: "entertainment", DurationMinutes: 10},
		{TS: "2026-03-02T10:00:00Z", Kind: "tab_switch_spike", SwitchCount: 9},
	}
	if got := derive.DailySummaries(log, testRules()); len(got) != 0 {
		t.Fatalf("expected no summary when nothing maps to a highlight, got %+v", got)
	}
}

func TestDailySummariesDedupeAndDayStart(t *testing.T) {
	log := []domain.ActivityEvent{
		{TS: "2026-03-02T09:00:00Z", Kind: "focus25"},
		{TS: "2026-03-02T15:00:00Z", Kind: "focus25"},
		{TS: "2026-03-02T16:00:00Z", Kind: "deepRead"},
		{TS: "2026-03-03T11:00:00Z", Kind: "planDone"},
	}
	got := derive.DailySummaries(log, testRules())
	if len(got) != 2 {
		t.Fatalf("expected 2 day summaries, got %d", len(got))
	}
	// newest day first
	if got[0].TS != "2026-03-03T00:00:00Z" || got[1].TS != "2026-03-02T00:00:00Z" {
		t.Fatalf("expected day-start timestamps newest-first, got %s and %s", got[0].TS, got[1].TS)
	}
	day := got[1]
	if day.Kind != domain.MilestoneDaySummary || day.Source != domain.SourceAuto {
		t.Fatalf("unexpected summary %+v", day)
	}
	if len(day.Items) != 2 {
		t.Fatalf("expected 2 items, got %v", day.Items)
	}
	if !strings.HasSuffix(day.Items[0], "×2") {
		t.Fatalf("expected repeated highlight collapsed to ×2, got %q", day.Items[0])
	}
}

func TestSeedEventsDerive(t *testing.T) {
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	log := derive.SeedEvents(now)
	p := derive.Progress(log, testRules())
	if p.Focus25 != 2 {
		t.Fatalf("expected focus25=2 from seed, got %d", p.Focus25)
	}
	if p.DeepReads != 2 {
		t.Fatalf("expected deepReads=2 from seed, got %d", p.DeepReads)
	}
	signals := derive.Signals(log, testRules())
	if len(signals) != 2 {
		t.Fatalf("expected 2 signals from seed, got %d", len(signals))
	}
}
