package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"stressline/internal/coach"
	"stressline/internal/config"
	"stressline/internal/db"
	"stressline/internal/domain"
	"stressline/internal/engine"
	"stressline/internal/migrate"
	"stressline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    time.Time
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	env := &testEnv{
		Ctx: context.Background(),
		now: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	}
	eng := engine.New(conn, config.Default("me"))
	eng.Now = func() time.Time { return env.now }
	eng.Events.Now = eng.Now
	env.Engine = eng
	return env
}

func mustEpisode(t *testing.T, env *testEnv, title string, strength int) domain.Episode {
	t.Helper()
	ep, err := env.Engine.CreateEpisode(env.Ctx, engine.EpisodeCreateOptions{
		Title:           title,
		InitialStrength: strength,
		ActorID:         "me",
	})
	if err != nil {
		t.Fatalf("create episode: %v", err)
	}
	return ep
}

func TestCreateEpisodeRequiresTitle(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateEpisode(env.Ctx, engine.EpisodeCreateOptions{Title: "   ", InitialStrength: 5, ActorID: "me"})
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStrengthClamped(t *testing.T) {
	env := newTestEnv(t)
	ep := mustEpisode(t, env, "deadline", 7)
	env.advance(time.Minute)
	s, err := env.Engine.RecordStrength(env.Ctx, ep.ID, -3, "", "manual", "me")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if s.Value != 0 {
		t.Fatalf("expected -3 clamped to 0, got %d", s.Value)
	}
	env.advance(time.Minute)
	s, err = env.Engine.RecordStrength(env.Ctx, ep.ID, 15, "", "manual", "me")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if s.Value != 10 {
		t.Fatalf("expected 15 clamped to 10, got %d", s.Value)
	}
}

func TestCurrentStrengthIsMaxTimestamp(t *testing.T) {
	env := newTestEnv(t)
	ep := mustEpisode(t, env, "out of order", 7)
	// record a late sample first, then an earlier one
	env.advance(2 * time.Hour)
	if _, err := env.Engine.RecordStrength(env.Ctx, ep.ID, 4, "", "manual", "me"); err != nil {
		t.Fatal(err)
	}
	env.advance(-time.Hour)
	if _, err := env.Engine.RecordStrength(env.Ctx, ep.ID, 9, "", "manual", "me"); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.CurrentStrength(env.Ctx, ep.ID)
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if got != 4 {
		t.Fatalf("expected current strength 4 (max ts), got %d", got)
	}
}

func TestResolveScenario(t *testing.T) {
	env := newTestEnv(t)
	ep := mustEpisode(t, env, "intro stuck", 7)
	env.advance(time.Minute)
	if _, err := env.Engine.RecordStrength(env.Ctx, ep.ID, 4, "", "plan", "me"); err != nil {
		t.Fatal(err)
	}
	env.advance(time.Minute)
	ep, err := env.Engine.MarkResolved(env.Ctx, ep.ID, "done", false, "Finished the intro", "me")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if ep.Status != domain.StatusResolved {
		t.Fatalf("expected resolved, got %s", ep.Status)
	}
	got, err := env.Engine.Repo.CurrentStrength(env.Ctx, ep.ID)
	if err != nil || got != 4 {
		t.Fatalf("expected current strength 4, got %d (%v)", got, err)
	}
	list, err := env.Engine.Repo.ListMilestones(env.Ctx, repo.MilestoneFilters{EpisodeID: ep.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected exactly one milestone, got %d", len(list))
	}
	if list[0].Kind != domain.MilestoneInterventionDone || list[0].Title != "Finished the intro" {
		t.Fatalf("unexpected milestone %s %q", list[0].Kind, list[0].Title)
	}
}

func TestResolveWithoutTextEmitsDefault(t *testing.T) {
	env := newTestEnv(t)
	ep := mustEpisode(t, env, "review anxiety", 6)
	if _, err := env.Engine.MarkResolved(env.Ctx, ep.ID, "", true, "", "me"); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.Repo.GetEpisode(env.Ctx, ep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusMaintenance {
		t.Fatalf("expected maintenance, got %s", got.Status)
	}
	list, _ := env.Engine.Repo.ListMilestones(env.Ctx, repo.MilestoneFilters{EpisodeID: ep.ID})
	if len(list) != 1 || list[0].Kind != domain.MilestoneResolvedStress {
		t.Fatalf("expected one resolvedStress milestone, got %+v", list)
	}
}

func TestSnoozeFloorsDays(t *testing.T) {
	env := newTestEnv(t)
	ep := mustEpisode(t, env, "park it", 5)
	ep, err := env.Engine.Snooze(env.Ctx, ep.ID, 0, "me")
	if err != nil {
		t.Fatalf("snooze: %v", err)
	}
	want := env.now.Add(24 * time.Hour).UTC().Format(time.RFC3339)
	if ep.SnoozeUntil == nil || *ep.SnoozeUntil != want {
		t.Fatalf("expected snooze until %s, got %v", want, ep.SnoozeUntil)
	}
	if ep.Status != domain.StatusSnoozed {
		t.Fatalf("expected snoozed, got %s", ep.Status)
	}
}

func TestSnoozedCannotResolveDirectly(t *testing.T) {
	env := newTestEnv(t)
	ep := mustEpisode(t, env, "parked", 5)
	if _, err := env.Engine.Snooze(env.Ctx, ep.ID, 2, "me"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.MarkResolved(env.Ctx, ep.ID, "", false, "", "me")
	if !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	ep, err = env.Engine.Reopen(env.Ctx, ep.ID, "me")
	if err != nil || ep.Status != domain.StatusActive {
		t.Fatalf("reopen: %v status %s", err, ep.Status)
	}
	if ep.SnoozeUntil != nil {
		t.Fatalf("expected snooze cleared on reopen")
	}
	if _, err := env.Engine.MarkResolved(env.Ctx, ep.ID, "", false, "", "me"); err != nil {
		t.Fatalf("resolve after reopen: %v", err)
	}
}

func TestStartPlanConflict(t *testing.T) {
	env := newTestEnv(t)
	ep := mustEpisode(t, env, "intro stuck", 7)
	if _, err := env.Engine.StartPlan(env.Ctx, ep.ID, "cannot write the intro", "me"); err != nil {
		t.Fatalf("start plan: %v", err)
	}
	_, err := env.Engine.StartPlan(env.Ctx, ep.ID, "another", "me")
	if !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected conflict on second plan, got %v", err)
	}
	env.advance(30 * time.Minute)
	p, err := env.Engine.CompletePlan(env.Ctx, ep.ID, true, "me")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if p == nil || !p.Done || p.CompletedAt == nil {
		t.Fatalf("expected completed plan, got %+v", p)
	}
	list, _ := env.Engine.Repo.ListMilestones(env.Ctx, repo.MilestoneFilters{Kind: domain.MilestonePlanDone})
	if len(list) != 1 {
		t.Fatalf("expected one planDone milestone, got %d", len(list))
	}
	// active slot is free again
	if _, err := env.Engine.StartPlan(env.Ctx, ep.ID, "next", "me"); err != nil {
		t.Fatalf("start after complete: %v", err)
	}
}

type failingCoach struct{}

func (failingCoach) SuggestAppraisal(context.Context, string, bool) (coach.AppraisalSuggestion, error) {
	return coach.AppraisalSuggestion{}, errors.New("coach unavailable")
}

func (failingCoach) GeneratePlan(context.Context, string) (coach.PlanPack, error) {
	return coach.PlanPack{}, errors.New("coach unavailable")
}

func TestStartPlanCoachFailureWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	ep := mustEpisode(t, env, "stuck", 6)
	env.Engine.Coach = failingCoach{}
	if _, err := env.Engine.StartPlan(env.Ctx, ep.ID, "help", "me"); err == nil {
		t.Fatalf("expected error from failing coach")
	}
	if _, err := env.Engine.Repo.GetActivePlan(env.Ctx, ep.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected no active plan, got %v", err)
	}
	nodes, err := env.Engine.Repo.ListNodes(env.Ctx, ep.ID)
	if err != nil {
		t.Fatalf("list nodes: %v", err)
	}
	for _, n := range nodes {
		if n.Kind == domain.NodePlan {
			t.Fatalf("unexpected plan node after coach failure")
		}
	}
}

func TestCompletePlanWithoutActiveIsNoop(t *testing.T) {
	env := newTestEnv(t)
	ep := mustEpisode(t, env, "no plan yet", 5)
	p, err := env.Engine.CompletePlan(env.Ctx, ep.ID, true, "me")
	if err != nil {
		t.Fatalf("expected no-op, got %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil plan, got %+v", p)
	}
	list, _ := env.Engine.Repo.ListMilestones(env.Ctx, repo.MilestoneFilters{Kind: domain.MilestonePlanDone})
	if len(list) != 0 {
		t.Fatalf("expected no milestone, got %d", len(list))
	}
}

func TestFinishPracticeOnlyLatest(t *testing.T) {
	env := newTestEnv(t)
	ep := mustEpisode(t, env, "tense", 6)
	if _, err := env.Engine.StartPractice(env.Ctx, ep.ID, "me"); err != nil {
		t.Fatal(err)
	}
	env.advance(5 * time.Minute)
	if _, err := env.Engine.StartPractice(env.Ctx, ep.ID, "me"); err != nil {
		t.Fatal(err)
	}
	env.advance(5 * time.Minute)
	done, err := env.Engine.FinishPractice(env.Ctx, ep.ID, "me")
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if done == nil || done.DoneAt == nil {
		t.Fatalf("expected finished practice")
	}
	practices, err := env.Engine.Repo.ListPractices(env.Ctx, ep.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(practices) != 2 {
		t.Fatalf("expected 2 practices, got %d", len(practices))
	}
	if practices[0].DoneAt != nil {
		t.Fatalf("first practice must stay unfinished")
	}
	if practices[1].DoneAt == nil {
		t.Fatalf("latest practice must be done")
	}
	// latest already done, second call is a no-op
	again, err := env.Engine.FinishPractice(env.Ctx, ep.ID, "me")
	if err != nil || again != nil {
		t.Fatalf("expected no-op, got %+v (%v)", again, err)
	}
	list, _ := env.Engine.Repo.ListMilestones(env.Ctx, repo.MilestoneFilters{Kind: domain.MilestoneSootheDone})
	if len(list) != 1 {
		t.Fatalf("expected one sootheDone milestone, got %d", len(list))
	}
}

func TestAffirmMilestoneSetOnce(t *testing.T) {
	env := newTestEnv(t)
	ep := mustEpisode(t, env, "small win", 4)
	m, err := env.Engine.CelebrateMilestone(env.Ctx, ep.ID, "Sent the draft", "me")
	if err != nil {
		t.Fatal(err)
	}
	first, err := env.Engine.AffirmMilestone(env.Ctx, m.ID, "me")
	if err != nil {
		t.Fatalf("affirm: %v", err)
	}
	if first.AffirmedAt == nil {
		t.Fatalf("expected affirmed_at set")
	}
	env.advance(time.Hour)
	second, err := env.Engine.AffirmMilestone(env.Ctx, m.ID, "me")
	if err != nil {
		t.Fatalf("affirm again: %v", err)
	}
	if second.AffirmedAt == nil || *second.AffirmedAt != *first.AffirmedAt {
		t.Fatalf("affirmed_at must not change, got %v then %v", *first.AffirmedAt, *second.AffirmedAt)
	}
}

func TestCelebrateKeepsStatus(t *testing.T) {
	env := newTestEnv(t)
	ep := mustEpisode(t, env, "ongoing", 6)
	if _, err := env.Engine.CelebrateMilestone(env.Ctx, ep.ID, "", "me"); err != nil {
		t.Fatal(err)
	}
	got, _ := env.Engine.Repo.GetEpisode(env.Ctx, ep.ID)
	if got.Status != domain.StatusActive {
		t.Fatalf("celebrate must not change status, got %s", got.Status)
	}
}

func TestUnknownEpisodeIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RecordStrength(env.Ctx, "nope", 5, "", "manual", "me")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRollupSummariesIdempotent(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.AppendActivity(env.Ctx, []domain.ActivityEvent{
		{TS: env.now.Format(time.RFC3339), Kind: "focus25"},
		{TS: env.now.Add(time.Hour).Format(time.RFC3339), Kind: "focus25"},
	}, "me")
	if err != nil {
		t.Fatal(err)
	}
	created, err := env.Engine.RollupSummaries(env.Ctx, "me")
	if err != nil {
		t.Fatalf("rollup: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("expected one day summary, got %d", len(created))
	}
	again, err := env.Engine.RollupSummaries(env.Ctx, "me")
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Fatalf("second rollup must create nothing, got %d", len(again))
	}
}

func TestEventsLogged(t *testing.T) {
	env := newTestEnv(t)
	ep := mustEpisode(t, env, "audited", 5)
	if _, err := env.Engine.MarkResolved(env.Ctx, ep.ID, "done", false, "", "me"); err != nil {
		t.Fatal(err)
	}
	evs, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", "episode", ep.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evs) < 2 {
		t.Fatalf("expected create and resolve events, got %d", len(evs))
	}
}
