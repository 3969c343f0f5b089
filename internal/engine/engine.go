package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"stressline/internal/affirm"
	"stressline/internal/coach"
	"stressline/internal/config"
	"stressline/internal/derive"
	"stressline/internal/domain"
	"stressline/internal/events"
	"stressline/internal/repo"
)

// ErrValidation marks malformed input, rejected before any row is written.
var ErrValidation = errors.New("validation failed")

// ErrConflict marks a state-machine precondition violation. The caller must
// resolve it manually; nothing is retried here.
var ErrConflict = errors.New("conflict")

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Coach   coach.Coach
	Soother coach.Soother
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Coach:   coach.RuleCoach{},
		Soother: coach.RuleSoother{},
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowStr() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) rules() derive.Rules {
	return derive.RulesFromConfig(e.Config)
}

// EpisodeCreateOptions are parameters for creating an episode.
type EpisodeCreateOptions struct {
	Title           string
	InitialStrength int
	Note            string
	ActorID         string
}

// CreateEpisode creates the episode together with its first strength sample.
// An episode without a sample cannot exist, so both rows land in one tx.
func (e Engine) CreateEpisode(ctx context.Context, opts EpisodeCreateOptions) (domain.Episode, error) {
	if e.Config == nil {
		return domain.Episode{}, errors.New("config not loaded")
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Episode{}, fmt.Errorf("%w: title is required", ErrValidation)
	}
	now := e.nowStr()
	ep := domain.Episode{
		ID:        uuid.NewString(),
		Title:     title,
		Status:    domain.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Episode{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertEpisode(ctx, tx, ep); err != nil {
		return domain.Episode{}, fmt.Errorf("insert episode: %w", err)
	}
	if err := e.Repo.InsertStrength(ctx, tx, domain.StrengthSample{
		EpisodeID: ep.ID,
		TS:        now,
		Value:     clampStrength(opts.InitialStrength),
		Note:      strings.TrimSpace(opts.Note),
		Source:    domain.SourceManual,
	}); err != nil {
		return domain.Episode{}, fmt.Errorf("insert strength: %w", err)
	}
	if note := strings.TrimSpace(opts.Note); note != "" {
		if err := e.Repo.InsertNode(ctx, tx, domain.TimelineNode{
			ID:        uuid.NewString(),
			EpisodeID: ep.ID,
			TS:        now,
			Kind:      domain.NodeContext,
			Title:     note,
		}); err != nil {
			return domain.Episode{}, err
		}
	}
	if err := e.Events.Append(ctx, tx, "episode.created", "episode", ep.ID, opts.ActorID, events.EventPayload{
		"title":    ep.Title,
		"strength": clampStrength(opts.InitialStrength),
	}); err != nil {
		return domain.Episode{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Episode{}, err
	}
	return ep, nil
}

// RecordStrength appends a sample. Out-of-range values are clamped rather
// than rejected; they are slider artifacts, not errors.
func (e Engine) RecordStrength(ctx context.Context, episodeID string, value int, note, source, actorID string) (domain.StrengthSample, error) {
	if source == "" {
		source = domain.SourceManual
	}
	switch source {
	case domain.SourceManual, domain.SourcePlan, domain.SourcePractice, domain.SourceAuto, domain.SourceOther:
	default:
		return domain.StrengthSample{}, fmt.Errorf("%w: unknown source %q", ErrValidation, source)
	}
	fmt.Printf("DIAG RecordStrength episodeID=%q\n", episodeID)
	ep, err := e.Repo.GetEpisode(ctx, episodeID)
	if err != nil {
		return domain.StrengthSample{}, err
	}
	now := e.nowStr()
	s := domain.StrengthSample{
		EpisodeID: ep.ID,
		TS:        now,
		Value:     clampStrength(value),
		Note:      strings.TrimSpace(note),
		Source:    source,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return s, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertStrength(ctx, tx, s); err != nil {
		return s, err
	}
	if err := e.Repo.InsertNode(ctx, tx, domain.TimelineNode{
		ID:        uuid.NewString(),
		EpisodeID: ep.ID,
		TS:        now,
		Kind:      domain.NodeAppraise,
		Title:     fmt.Sprintf("Strength now %d/10", s.Value),
	}); err != nil {
		return s, err
	}
	if err := e.Events.Append(ctx, tx, "strength.recorded", "episode", ep.ID, actorID, events.EventPayload{
		"value":  s.Value,
		"source": s.Source,
	}); err != nil {
		return s, err
	}
	if err := tx.Commit(); err != nil {
		return s, err
	}
	return s, nil
}

func (e Engine) AppendMessage(ctx context.Context, episodeID, role, text string, meta *domain.NodeMeta, actorID string) (domain.ChatMessage, error) {
	if role != "user" && role != "assistant" {
		return domain.ChatMessage{}, fmt.Errorf("%w: unknown role %q", ErrValidation, role)
	}
	ep, err := e.Repo.GetEpisode(ctx, episodeID)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	m := domain.ChatMessage{
		ID:        uuid.NewString(),
		EpisodeID: ep.ID,
		TS:        e.nowStr(),
		Role:      role,
		Text:      text,
		Meta:      meta,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMessage(ctx, tx, m); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, "message.appended", "episode", ep.ID, actorID, events.EventPayload{"role": role}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	return m, nil
}

func (e Engine) AddTimelineNode(ctx context.Context, episodeID, kind, title string, meta *domain.NodeMeta, actorID string) (domain.TimelineNode, error) {
	switch kind {
	case domain.NodeContext, domain.NodeAppraise, domain.NodePlan, domain.NodeSoothe, domain.NodeResult:
	default:
		return domain.TimelineNode{}, fmt.Errorf("%w: unknown node kind %q", ErrValidation, kind)
	}
	ep, err := e.Repo.GetEpisode(ctx, episodeID)
	if err != nil {
		return domain.TimelineNode{}, err
	}
	n := domain.TimelineNode{
		ID:        uuid.NewString(),
		EpisodeID: ep.ID,
		TS:        e.nowStr(),
		Kind:      kind,
		Title:     title,
		Meta:      meta,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return n, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertNode(ctx, tx, n); err != nil {
		return n, err
	}
	if err := e.Events.Append(ctx, tx, "node.appended", "episode", ep.ID, actorID, events.EventPayload{"kind": kind}); err != nil {
		return n, err
	}
	if err := tx.Commit(); err != nil {
		return n, err
	}
	return n, nil
}

func ensureStatusTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.StatusActive:
		if newStatus == domain.StatusSnoozed || newStatus == domain.StatusResolved || newStatus == domain.StatusMaintenance {
			return nil
		}
	case domain.StatusSnoozed, domain.StatusResolved, domain.StatusMaintenance:
		if newStatus == domain.StatusActive {
			return nil
		}
	}
	return fmt.Errorf("%w: invalid status transition %s -> %s", ErrConflict, oldStatus, newStatus)
}

// MarkResolved closes the episode into resolved or maintenance. One call
// produces exactly one result node and exactly one milestone; a supplied
// milestone text replaces the default milestone, it never adds a second one.
func (e Engine) MarkResolved(ctx context.Context, episodeID, reason string, enterMaintenance bool, milestoneText, actorID string) (domain.Episode, error) {
	ep, err := e.Repo.GetEpisode(ctx, episodeID)
	if err != nil {
		return ep, err
	}
	target := domain.StatusResolved
	if enterMaintenance {
		target = domain.StatusMaintenance
	}
	if err := ensureStatusTransition(ep.Status, target); err != nil {
		return ep, err
	}
	now := e.nowStr()
	ep.Status = target
	ep.ResolvedAt = &now
	ep.SnoozeUntil = nil
	if reason = strings.TrimSpace(reason); reason != "" {
		ep.ResolveReason = &reason
	}
	ep.UpdatedAt = now

	milestone := domain.Milestone{
		ID:        uuid.NewString(),
		TS:        now,
		Kind:      domain.MilestoneResolvedStress,
		Title:     fmt.Sprintf("Resolved a stress point: %s", ep.Title),
		Source:    domain.SourceAuto,
		EpisodeID: &ep.ID,
	}
	if text := strings.TrimSpace(milestoneText); text != "" {
		milestone.Kind = domain.MilestoneInterventionDone
		milestone.Title = text
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ep, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateEpisode(ctx, tx, ep); err != nil {
		return ep, err
	}
	nodeTitle := "Marked resolved"
	if enterMaintenance {
		nodeTitle = "Entered maintenance"
	}
	if reason != "" {
		nodeTitle += ": " + reason
	}
	if err := e.Repo.InsertNode(ctx, tx, domain.TimelineNode{
		ID:        uuid.NewString(),
		EpisodeID: ep.ID,
		TS:        now,
		Kind:      domain.NodeResult,
		Title:     nodeTitle,
	}); err != nil {
		return ep, err
	}
	if err := e.Repo.InsertMilestone(ctx, tx, milestone); err != nil {
		return ep, err
	}
	if err := e.Events.Append(ctx, tx, "episode.resolved", "episode", ep.ID, actorID, events.EventPayload{
		"status":         ep.Status,
		"milestone_kind": milestone.Kind,
	}); err != nil {
		return ep, err
	}
	if err := tx.Commit(); err != nil {
		return ep, err
	}
	return ep, nil
}

// Reopen forces the episode back to active from any state. Strength history
// and plans are untouched.
func (e Engine) Reopen(ctx context.Context, episodeID, actorID string) (domain.Episode, error) {
	ep, err := e.Repo.GetEpisode(ctx, episodeID)
	if err != nil {
		return ep, err
	}
	now := e.nowStr()
	ep.Status = domain.StatusActive
	ep.SnoozeUntil = nil
	ep.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ep, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateEpisode(ctx, tx, ep); err != nil {
		return ep, err
	}
	if err := e.Repo.InsertNode(ctx, tx, domain.TimelineNode{
		ID:        uuid.NewString(),
		EpisodeID: ep.ID,
		TS:        now,
		Kind:      domain.NodeContext,
		Title:     "Reopened",
	}); err != nil {
		return ep, err
	}
	if err := e.Events.Append(ctx, tx, "episode.reopened", "episode", ep.ID, actorID, events.EventPayload{}); err != nil {
		return ep, err
	}
	if err := tx.Commit(); err != nil {
		return ep, err
	}
	return ep, nil
}

// Snooze parks the episode until now + days. Days below the configured
// minimum are floored, never zero or negative.
func (e Engine) Snooze(ctx context.Context, episodeID string, days int, actorID string) (domain.Episode, error) {
	ep, err := e.Repo.GetEpisode(ctx, episodeID)
	if err != nil {
		return ep, err
	}
	if err := ensureStatusTransition(ep.Status, domain.StatusSnoozed); err != nil {
		return ep, err
	}
	minDays := 1
	if e.Config != nil && e.Config.Episodes.MinSnoozeDays > minDays {
		minDays = e.Config.Episodes.MinSnoozeDays
	}
	if days < minDays {
		days = minDays
	}
	now := e.now().UTC()
	until := now.Add(time.Duration(days) * 24 * time.Hour).Format(time.RFC3339)
	nowStr := now.Format(time.RFC3339)
	ep.Status = domain.StatusSnoozed
	ep.SnoozeUntil = &until
	ep.UpdatedAt = nowStr

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ep, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateEpisode(ctx, tx, ep); err != nil {
		return ep, err
	}
	if err := e.Repo.InsertNode(ctx, tx, domain.TimelineNode{
		ID:        uuid.NewString(),
		EpisodeID: ep.ID,
		TS:        nowStr,
		Kind:      domain.NodeContext,
		Title:     fmt.Sprintf("Snoozed until %s", until),
	}); err != nil {
		return ep, err
	}
	if err := e.Events.Append(ctx, tx, "episode.snoozed", "episode", ep.ID, actorID, events.EventPayload{"until": until, "days": days}); err != nil {
		return ep, err
	}
	if err := tx.Commit(); err != nil {
		return ep, err
	}
	return ep, nil
}

// CelebrateMilestone records progress without closing the episode. Status is
// deliberately untouched; this path stays orthogonal to MarkResolved.
func (e Engine) CelebrateMilestone(ctx context.Context, episodeID, text, actorID string) (domain.Milestone, error) {
	ep, err := e.Repo.GetEpisode(ctx, episodeID)
	if err != nil {
		return domain.Milestone{}, err
	}
	now := e.nowStr()
	title := strings.TrimSpace(text)
	if title == "" {
		title = fmt.Sprintf("Completed a key step on %s", ep.Title)
	}
	m := domain.Milestone{
		ID:        uuid.NewString(),
		TS:        now,
		Kind:      domain.MilestoneInterventionDone,
		Title:     title,
		Source:    domain.SourceManual,
		EpisodeID: &ep.ID,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMilestone(ctx, tx, m); err != nil {
		return m, err
	}
	if err := e.Repo.InsertNode(ctx, tx, domain.TimelineNode{
		ID:        uuid.NewString(),
		EpisodeID: ep.ID,
		TS:        now,
		Kind:      domain.NodeResult,
		Title:     title,
	}); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, "milestone.celebrated", "episode", ep.ID, actorID, events.EventPayload{"title": title}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	return m, nil
}

// AppraisalOptions are parameters for saving an appraisal.
type AppraisalOptions struct {
	EpisodeID       string
	Threat          int
	Controllability int
	Resources       []string
	Note            string
	ActorID         string
}

// SaveAppraisal records a threat/controllability read. No lifecycle
// transition happens here.
func (e Engine) SaveAppraisal(ctx context.Context, opts AppraisalOptions) (domain.Appraisal, error) {
	ep, err := e.Repo.GetEpisode(ctx, opts.EpisodeID)
	if err != nil {
		return domain.Appraisal{}, err
	}
	now := e.nowStr()
	a := domain.Appraisal{
		EpisodeID:       ep.ID,
		TS:              now,
		Threat:          clampStrength(opts.Threat),
		Controllability: clampStrength(opts.Controllability),
		Resources:       opts.Resources,
		Note:            strings.TrimSpace(opts.Note),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return a, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertAppraisal(ctx, tx, a); err != nil {
		return a, err
	}
	if err := e.Repo.InsertNode(ctx, tx, domain.TimelineNode{
		ID:        uuid.NewString(),
		EpisodeID: ep.ID,
		TS:        now,
		Kind:      domain.NodeAppraise,
		Title:     fmt.Sprintf("Appraised: threat %d, controllability %d", a.Threat, a.Controllability),
	}); err != nil {
		return a, err
	}
	if err := e.Events.Append(ctx, tx, "appraisal.saved", "episode", ep.ID, opts.ActorID, events.EventPayload{
		"threat":          a.Threat,
		"controllability": a.Controllability,
	}); err != nil {
		return a, err
	}
	if err := tx.Commit(); err != nil {
		return a, err
	}
	return a, nil
}

// StartPlan asks the coaching collaborator for a plan and stores it as the
// active one. A second active plan is a conflict, not a silent overwrite;
// discarding unfinished work without a trace loses history. The collaborator
// is called before the tx opens so its failure leaves no orphaned rows.
func (e Engine) StartPlan(ctx context.Context, episodeID, sourceText, actorID string) (domain.CopingPlan, error) {
	ep, err := e.Repo.GetEpisode(ctx, episodeID)
	if err != nil {
		return domain.CopingPlan{}, err
	}
	if _, err := e.Repo.GetActivePlan(ctx, ep.ID); err == nil {
		return domain.CopingPlan{}, fmt.Errorf("%w: a plan is already active; complete it first", ErrConflict)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.CopingPlan{}, err
	}
	if e.Coach == nil {
		return domain.CopingPlan{}, errors.New("coach not configured")
	}
	pack, err := e.Coach.GeneratePlan(ctx, sourceText)
	if err != nil {
		return domain.CopingPlan{}, fmt.Errorf("generate plan: %w", err)
	}
	now := e.nowStr()
	p := domain.CopingPlan{
		ID:              uuid.NewString(),
		EpisodeID:       ep.ID,
		CreatedAt:       now,
		Steps:           pack.Steps,
		Timebox:         pack.Timebox,
		SuccessCriteria: pack.SuccessCriteria,
		StartedAt:       &now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPlan(ctx, tx, p, true); err != nil {
		return p, err
	}
	if err := e.Repo.InsertNode(ctx, tx, domain.TimelineNode{
		ID:        uuid.NewString(),
		EpisodeID: ep.ID,
		TS:        now,
		Kind:      domain.NodePlan,
		Title:     fmt.Sprintf("Started a %d-step plan (%s)", len(p.Steps), p.Timebox),
		Meta: &domain.NodeMeta{Plan: &domain.PlanMeta{
			Steps:           p.Steps,
			Timebox:         p.Timebox,
			SuccessCriteria: p.SuccessCriteria,
		}},
	}); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "plan.started", "episode", ep.ID, actorID, events.EventPayload{"plan_id": p.ID, "steps": len(p.Steps)}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

// CompletePlan retires the active plan. Without one it is a no-op and
// returns nil. A planDone milestone is emitted only on success.
func (e Engine) CompletePlan(ctx context.Context, episodeID string, success bool, actorID string) (*domain.CopingPlan, error) {
	ep, err := e.Repo.GetEpisode(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	p, err := e.Repo.GetActivePlan(ctx, ep.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if err := e.Repo.RetirePlan(ctx, tx, p.ID, now); err != nil {
		return nil, err
	}
	nodeTitle := "Closed the plan"
	if success {
		nodeTitle = "Completed the plan"
	}
	if err := e.Repo.InsertNode(ctx, tx, domain.TimelineNode{
		ID:        uuid.NewString(),
		EpisodeID: ep.ID,
		TS:        now,
		Kind:      domain.NodeResult,
		Title:     nodeTitle,
	}); err != nil {
		return nil, err
	}
	if success {
		if err := e.Repo.InsertMilestone(ctx, tx, domain.Milestone{
			ID:        uuid.NewString(),
			TS:        now,
			Kind:      domain.MilestonePlanDone,
			Title:     "Completed a micro plan",
			Source:    domain.SourceAuto,
			EpisodeID: &ep.ID,
		}); err != nil {
			return nil, err
		}
	}
	if err := e.Events.Append(ctx, tx, "plan.completed", "episode", ep.ID, actorID, events.EventPayload{"plan_id": p.ID, "success": success}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	p.Done = true
	p.CompletedAt = &now
	return &p, nil
}

// StartPractice appends a new emotion practice from the soothing
// collaborator. Practices are never replaced, the sequence only grows.
func (e Engine) StartPractice(ctx context.Context, episodeID, actorID string) (domain.EmotionPractice, error) {
	ep, err := e.Repo.GetEpisode(ctx, episodeID)
	if err != nil {
		return domain.EmotionPractice{}, err
	}
	if e.Soother == nil {
		return domain.EmotionPractice{}, errors.New("soother not configured")
	}
	pack, err := e.Soother.GeneratePractice(ctx)
	if err != nil {
		return domain.EmotionPractice{}, fmt.Errorf("generate practice: %w", err)
	}
	now := e.nowStr()
	p := domain.EmotionPractice{
		ID:              uuid.NewString(),
		EpisodeID:       ep.ID,
		CreatedAt:       now,
		Technique:       pack.Technique,
		DurationMinutes: pack.DurationMinutes,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return p, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertPractice(ctx, tx, p); err != nil {
		return p, err
	}
	if err := e.Repo.InsertNode(ctx, tx, domain.TimelineNode{
		ID:        uuid.NewString(),
		EpisodeID: ep.ID,
		TS:        now,
		Kind:      domain.NodeSoothe,
		Title:     fmt.Sprintf("Started %s", p.Technique),
		Meta: &domain.NodeMeta{Soothe: &domain.SootheMeta{
			Technique:       pack.Technique,
			DurationMinutes: pack.DurationMinutes,
			Script:          pack.Script,
		}},
	}); err != nil {
		return p, err
	}
	if err := e.Events.Append(ctx, tx, "practice.started", "episode", ep.ID, actorID, events.EventPayload{"practice_id": p.ID, "technique": p.Technique}); err != nil {
		return p, err
	}
	if err := tx.Commit(); err != nil {
		return p, err
	}
	return p, nil
}

// FinishPractice marks the most recently created practice done. Older
// practices are never touched. No practice, or the latest already done, is a
// no-op returning nil.
func (e Engine) FinishPractice(ctx context.Context, episodeID, actorID string) (*domain.EmotionPractice, error) {
	ep, err := e.Repo.GetEpisode(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	p, err := e.Repo.LatestPracticeTx(ctx, tx, ep.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.DoneAt != nil {
		return nil, nil
	}
	if err := e.Repo.MarkPracticeDone(ctx, tx, p.ID, now); err != nil {
		return nil, err
	}
	if err := e.Repo.InsertMilestone(ctx, tx, domain.Milestone{
		ID:        uuid.NewString(),
		TS:        now,
		Kind:      domain.MilestoneSootheDone,
		Title:     "Completed an emotion practice",
		Source:    domain.SourceAuto,
		EpisodeID: &ep.ID,
	}); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "practice.finished", "episode", ep.ID, actorID, events.EventPayload{"practice_id": p.ID}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	p.DoneAt = &now
	return &p, nil
}

// AddCustomMilestone records a manual positive moment, not tied to a
// resolution.
func (e Engine) AddCustomMilestone(ctx context.Context, title, episodeID, actorID string) (domain.Milestone, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return domain.Milestone{}, fmt.Errorf("%w: title is required", ErrValidation)
	}
	m := domain.Milestone{
		ID:     uuid.NewString(),
		TS:     e.nowStr(),
		Kind:   domain.MilestoneCustom,
		Title:  title,
		Source: domain.SourceManual,
	}
	if episodeID != "" {
		ep, err := e.Repo.GetEpisode(ctx, episodeID)
		if err != nil {
			return m, err
		}
		m.EpisodeID = &ep.ID
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMilestone(ctx, tx, m); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, "milestone.added", "milestone", m.ID, actorID, events.EventPayload{"title": title}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	return m, nil
}

// AffirmMilestone sets affirmed_at exactly once and returns the milestone
// with its affirmation text. Calling again keeps the original timestamp.
func (e Engine) AffirmMilestone(ctx context.Context, milestoneID, actorID string) (domain.Milestone, error) {
	m, err := e.Repo.GetMilestone(ctx, milestoneID)
	if err != nil {
		return m, err
	}
	if m.AffirmedAt != nil {
		return m, nil
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return m, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetMilestoneAffirmed(ctx, tx, m.ID, now); err != nil {
		return m, err
	}
	if err := e.Events.Append(ctx, tx, "milestone.affirmed", "milestone", m.ID, actorID, events.EventPayload{"kind": m.Kind}); err != nil {
		return m, err
	}
	if err := tx.Commit(); err != nil {
		return m, err
	}
	m.AffirmedAt = &now
	return m, nil
}

// AddLedger prepends the user's own affirming sentence. No dedupe, no cap.
func (e Engine) AddLedger(ctx context.Context, text, actorID string) (domain.LedgerEntry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return domain.LedgerEntry{}, fmt.Errorf("%w: text is required", ErrValidation)
	}
	entry := domain.LedgerEntry{
		ID:   uuid.NewString(),
		TS:   e.nowStr(),
		Text: text,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return entry, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertLedger(ctx, tx, entry); err != nil {
		return entry, err
	}
	if err := e.Events.Append(ctx, tx, "ledger.added", "ledger", entry.ID, actorID, events.EventPayload{}); err != nil {
		return entry, err
	}
	if err := tx.Commit(); err != nil {
		return entry, err
	}
	return entry, nil
}

// AppendActivity ingests a batch of activity events in one tx. The log is a
// ledger; there is no removal path.
func (e Engine) AppendActivity(ctx context.Context, batch []domain.ActivityEvent, actorID string) (int, error) {
	if len(batch) == 0 {
		return 0, nil
	}
	now := e.nowStr()
	for i := range batch {
		if batch[i].TS == "" {
			batch[i].TS = now
		} else if _, err := time.Parse(time.RFC3339, batch[i].TS); err != nil {
			return 0, fmt.Errorf("%w: bad timestamp %q", ErrValidation, batch[i].TS)
		}
		if batch[i].Kind == "" {
			return 0, fmt.Errorf("%w: event kind is required", ErrValidation)
		}
		if batch[i].DurationMinutes < 0 {
			return 0, fmt.Errorf("%w: duration must not be negative", ErrValidation)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	for _, ev := range batch {
		if err := e.Repo.InsertActivity(ctx, tx, ev); err != nil {
			return 0, err
		}
	}
	if err := e.Events.Append(ctx, tx, "activity.appended", "activity", "", actorID, events.EventPayload{"count": len(batch)}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(batch), nil
}

// SeedActivity loads the sample stream for demoing derivation on an empty
// workspace.
func (e Engine) SeedActivity(ctx context.Context, actorID string) (int, error) {
	return e.AppendActivity(ctx, derive.SeedEvents(e.now()), actorID)
}

// Signals recomputes attention signals from the full log.
func (e Engine) Signals(ctx context.Context) ([]domain.Signal, error) {
	log, err := e.Repo.ListActivity(ctx)
	if err != nil {
		return nil, err
	}
	return derive.Signals(log, e.rules()), nil
}

// Progress recomputes aggregate counters from the full log.
func (e Engine) Progress(ctx context.Context) (domain.Progress, error) {
	log, err := e.Repo.ListActivity(ctx)
	if err != nil {
		return domain.Progress{}, err
	}
	return derive.Progress(log, e.rules()), nil
}

// DailySummaries derives day-summary milestones without persisting them.
func (e Engine) DailySummaries(ctx context.Context) ([]domain.Milestone, error) {
	log, err := e.Repo.ListActivity(ctx)
	if err != nil {
		return nil, err
	}
	return derive.DailySummaries(log, e.rules()), nil
}

// RollupSummaries persists derived day summaries, skipping days that already
// have one. Derivation stays idempotent; re-running never duplicates a day.
func (e Engine) RollupSummaries(ctx context.Context, actorID string) ([]domain.Milestone, error) {
	derived, err := e.DailySummaries(ctx)
	if err != nil {
		return nil, err
	}
	existing, err := e.Repo.ListMilestones(ctx, repo.MilestoneFilters{Kind: domain.MilestoneDaySummary})
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	for _, m := range existing {
		seen[m.TS] = true
	}
	var created []domain.Milestone
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	for _, m := range derived {
		if seen[m.TS] {
			continue
		}
		if err := e.Repo.InsertMilestone(ctx, tx, m); err != nil {
			return nil, err
		}
		created = append(created, m)
	}
	if len(created) > 0 {
		if err := e.Events.Append(ctx, tx, "summaries.rolled_up", "milestone", "", actorID, events.EventPayload{"count": len(created)}); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

// SuggestAppraisal asks the coaching collaborator for a read on the
// situation and records it as an assistant message on the episode. The
// writing-stall hint comes from the current signal pass.
func (e Engine) SuggestAppraisal(ctx context.Context, episodeID, text, actorID string) (coach.AppraisalSuggestion, error) {
	ep, err := e.Repo.GetEpisode(ctx, episodeID)
	if err != nil {
		return coach.AppraisalSuggestion{}, err
	}
	if e.Coach == nil {
		return coach.AppraisalSuggestion{}, errors.New("coach not configured")
	}
	signals, err := e.Signals(ctx)
	if err != nil {
		return coach.AppraisalSuggestion{}, err
	}
	stall := false
	for _, s := range signals {
		if s.Kind == "writing_stall" {
			stall = true
		}
	}
	suggestion, err := e.Coach.SuggestAppraisal(ctx, text, stall)
	if err != nil {
		return suggestion, fmt.Errorf("suggest appraisal: %w", err)
	}
	now := e.nowStr()
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return suggestion, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertMessage(ctx, tx, domain.ChatMessage{
		ID:        uuid.NewString(),
		EpisodeID: ep.ID,
		TS:        now,
		Role:      "assistant",
		Text:      fmt.Sprintf("This looks like %s. Suggested route: %s.", suggestion.StressType, suggestion.Gate),
	}); err != nil {
		return suggestion, err
	}
	if err := e.Events.Append(ctx, tx, "appraisal.suggested", "episode", ep.ID, actorID, events.EventPayload{"gate": suggestion.Gate}); err != nil {
		return suggestion, err
	}
	if err := tx.Commit(); err != nil {
		return suggestion, err
	}
	return suggestion, nil
}

// DailyAffirmation composes an encouragement from the last 24h of milestones.
func (e Engine) DailyAffirmation(ctx context.Context) (string, error) {
	since := e.now().Add(-24 * time.Hour).Format(time.RFC3339)
	list, err := e.Repo.ListMilestones(ctx, repo.MilestoneFilters{Since: since})
	if err != nil {
		return "", err
	}
	return affirm.Daily(list), nil
}

// WeeklyAffirmation composes a review from the last 7 days of milestones.
func (e Engine) WeeklyAffirmation(ctx context.Context) (string, error) {
	since := e.now().Add(-7 * 24 * time.Hour).Format(time.RFC3339)
	list, err := e.Repo.ListMilestones(ctx, repo.MilestoneFilters{Since: since})
	if err != nil {
		return "", err
	}
	return affirm.Weekly(list), nil
}

// --- helpers ---

func clampStrength(v int) int {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}
