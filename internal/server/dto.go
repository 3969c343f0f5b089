package server

import (
	"stressline/internal/config"
	"stressline/internal/domain"
)

// Request payloads

type CreateEpisodeRequest struct {
	Title    string `json:"title"`
	Strength int    `json:"strength" minimum:"0" maximum:"10"`
	Note     string `json:"note,omitempty"`
}

type RecordStrengthRequest struct {
	Value  int    `json:"value"`
	Note   string `json:"note,omitempty"`
	Source string `json:"source,omitempty" enum:"manual,plan,practice,auto,other"`
}

type ResolveRequest struct {
	Reason        string `json:"reason,omitempty"`
	Maintenance   bool   `json:"maintenance,omitempty"`
	MilestoneText string `json:"milestone_text,omitempty"`
}

type SnoozeRequest struct {
	Days int `json:"days"`
}

type CelebrateRequest struct {
	Text string `json:"text,omitempty"`
}

type StartPlanRequest struct {
	Text string `json:"text,omitempty"`
}

type CompletePlanRequest struct {
	Success bool `json:"success"`
}

type AppendMessageRequest struct {
	Role string           `json:"role" enum:"user,assistant"`
	Text string           `json:"text"`
	Meta *domain.NodeMeta `json:"meta,omitempty"`
}

type AddNodeRequest struct {
	Kind  string           `json:"kind" enum:"context,appraise,plan,soothe,result"`
	Title string           `json:"title"`
	Meta  *domain.NodeMeta `json:"meta,omitempty"`
}

type AppraisalRequest struct {
	Threat          int      `json:"threat" minimum:"0" maximum:"10"`
	Controllability int      `json:"controllability" minimum:"0" maximum:"10"`
	Resources       []string `json:"resources,omitempty"`
	Note            string   `json:"note,omitempty"`
}

type SuggestRequest struct {
	Text string `json:"text"`
}

type LogEventRequest struct {
	TS              string  `json:"ts,omitempty" format:"date-time"`
	Site            string  `json:"site,omitempty"`
	Kind            string  `json:"kind"`
	DurationMinutes float64 `json:"duration_minutes,omitempty" minimum:"0"`
	TypingVolume    int     `json:"typing_volume,omitempty"`
	SwitchCount     int     `json:"switch_count,omitempty"`
	Deep            bool    `json:"deep,omitempty"`
}

type AppendLogsRequest struct {
	Events []LogEventRequest `json:"events"`
}

type AddMilestoneRequest struct {
	Title     string `json:"title"`
	EpisodeID string `json:"episode_id,omitempty"`
}

type AddLedgerRequest struct {
	Text string `json:"text"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

// EpisodeDetailResponse is the full read model for one episode. Timeline is
// newest-first for display; storage order stays insertion order.
type EpisodeDetailResponse struct {
	Episode         domain.Episode           `json:"episode"`
	CurrentStrength int                      `json:"current_strength"`
	Samples         []domain.StrengthSample  `json:"samples"`
	Timeline        []domain.TimelineNode    `json:"timeline"`
	Messages        []domain.ChatMessage     `json:"messages"`
	ActivePlan      *domain.CopingPlan       `json:"active_plan,omitempty"`
	PastPlans       []domain.CopingPlan      `json:"past_plans"`
	Practices       []domain.EmotionPractice `json:"practices"`
	Appraisals      []domain.Appraisal       `json:"appraisals"`
}

// CompletePlanResponse reports whether a plan was actually closed. Plan is
// null when no plan was active.
type CompletePlanResponse struct {
	Closed bool               `json:"closed"`
	Plan   *domain.CopingPlan `json:"plan,omitempty"`
}

type FinishPracticeResponse struct {
	Finished bool                    `json:"finished"`
	Practice *domain.EmotionPractice `json:"practice,omitempty"`
}

type AppendedResponse struct {
	Appended int `json:"appended"`
}

type RollupResponse struct {
	Created []domain.Milestone `json:"created"`
}

type AffirmationResponse struct {
	Text      string            `json:"text"`
	Milestone *domain.Milestone `json:"milestone,omitempty"`
}

type APIKeyCreatedResponse struct {
	ID        string `json:"id"`
	Key       string `json:"key"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DerivationConfigResponse struct {
	FocusSites      []string          `json:"focus_sites"`
	WritingTool     string            `json:"writing_tool"`
	FocusMinutes    float64           `json:"focus_minutes"`
	DeepReadMinutes float64           `json:"deep_read_minutes"`
	StallTypingMax  int               `json:"stall_typing_max"`
	SwitchSpikeMin  int               `json:"switch_spike_min"`
	NightStartHour  int               `json:"night_start_hour"`
	NightEndHour    int               `json:"night_end_hour"`
	SignalCap       int               `json:"signal_cap"`
	Highlights      map[string]string `json:"highlights"`
}

type ProfileConfigResponse struct {
	ProfileID     string                   `json:"profile_id"`
	Kind          string                   `json:"kind"`
	Derivation    DerivationConfigResponse `json:"derivation"`
	MinSnoozeDays int                      `json:"min_snooze_days"`
}

func configResponse(cfg *config.Config) ProfileConfigResponse {
	d := cfg.Derivation
	return ProfileConfigResponse{
		ProfileID: cfg.Profile.ID,
		Kind:      cfg.Profile.Kind,
		Derivation: DerivationConfigResponse{
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
		},
		MinSnoozeDays: cfg.Episodes.MinSnoozeDays,
	}
}

func reverseNodes(in []domain.TimelineNode) []domain.TimelineNode {
	out := make([]domain.TimelineNode, len(in))
	for i, n := range in {
		out[len(in)-1-i] = n
	}
	return out
}
