package domain

// Episode lifecycle states.
const (
	StatusActive      = "active"
	StatusSnoozed     = "snoozed"
	StatusResolved    = "resolved"
	StatusMaintenance = "maintenance"
)

// Timeline node kinds.
const (
	NodeContext  = "context"
	NodeAppraise = "appraise"
	NodePlan     = "plan"
	NodeSoothe   = "soothe"
	NodeResult   = "result"
)

// Milestone kinds.
const (
	MilestoneDaySummary       = "daySummary"
	MilestoneCustom           = "custom"
	MilestoneInterventionDone = "interventionDone"
	MilestonePlanDone         = "planDone"
	MilestoneSootheDone       = "sootheDone"
	MilestoneResolvedStress   = "resolvedStress"
)

// Strength sample sources.
const (
	SourceManual   = "manual"
	SourcePlan     = "plan"
	SourcePractice = "practice"
	SourceAuto     = "auto"
	SourceOther    = "other"
)

type Episode struct {
	ID            string  `json:"id"`
	Title         string  `json:"title"`
	Status        string  `json:"status" enum:"active,snoozed,resolved,maintenance"`
	ResolvedAt    *string `json:"resolved_at,omitempty" format:"date-time"`
	ResolveReason *string `json:"resolve_reason,omitempty"`
	SnoozeUntil   *string `json:"snooze_until,omitempty" format:"date-time"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type StrengthSample struct {
	ID        int64  `json:"id"`
	EpisodeID string `json:"episode_id"`
	TS        string `json:"ts" format:"date-time"`
	Value     int    `json:"value" minimum:"0" maximum:"10"`
	Note      string `json:"note,omitempty"`
	Source    string `json:"source" enum:"manual,plan,practice,auto,other"`
}

// TimelineNode is one immutable audit entry on an episode. Meta is a tagged
// union: only the variant matching Kind is ever set.
type TimelineNode struct {
	ID        string    `json:"id"`
	EpisodeID string    `json:"episode_id"`
	TS        string    `json:"ts" format:"date-time"`
	Kind      string    `json:"kind" enum:"context,appraise,plan,soothe,result"`
	Title     string    `json:"title"`
	Meta      *NodeMeta `json:"meta,omitempty"`
}

type NodeMeta struct {
	Plan   *PlanMeta   `json:"plan,omitempty"`
	Soothe *SootheMeta `json:"soothe,omitempty"`
	Items  []string    `json:"items,omitempty"`
}

type PlanMeta struct {
	Steps           []string `json:"steps"`
	Timebox         string   `json:"timebox,omitempty"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
}

type SootheMeta struct {
	Technique       string   `json:"technique"`
	DurationMinutes int      `json:"duration_minutes"`
	Script          []string `json:"script,omitempty"`
}

type CopingPlan struct {
	ID              string   `json:"id"`
	EpisodeID       string   `json:"episode_id"`
	CreatedAt       string   `json:"created_at" format:"date-time"`
	Steps           []string `json:"steps"`
	Timebox         string   `json:"timebox,omitempty"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
	StartedAt       *string  `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string  `json:"completed_at,omitempty" format:"date-time"`
	Done            bool     `json:"done"`
}

type EmotionPractice struct {
	ID              string  `json:"id"`
	EpisodeID       string  `json:"episode_id"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	Technique       string  `json:"technique"`
	DurationMinutes int     `json:"duration_minutes"`
	DoneAt          *string `json:"done_at,omitempty" format:"date-time"`
}

type Appraisal struct {
	ID              int64    `json:"id"`
	EpisodeID       string   `json:"episode_id"`
	TS              string   `json:"ts" format:"date-time"`
	Threat          int      `json:"threat" minimum:"0" maximum:"10"`
	Controllability int      `json:"controllability" minimum:"0" maximum:"10"`
	Resources       []string `json:"resources,omitempty"`
	Note            string   `json:"note,omitempty"`
}

type ChatMessage struct {
	ID        string    `json:"id"`
	EpisodeID string    `json:"episode_id"`
	TS        string    `json:"ts" format:"date-time"`
	Role      string    `json:"role" enum:"user,assistant"`
	Text      string    `json:"text"`
	Meta      *NodeMeta `json:"meta,omitempty"`
}

// Milestone is a celebratory record, automatic or manual. Immutable once
// written except for AffirmedAt, which is set at most once.
type Milestone struct {
	ID         string   `json:"id"`
	TS         string   `json:"ts" format:"date-time"`
	Kind       string   `json:"kind"`
	Title      string   `json:"title"`
	Source     string   `json:"source" enum:"auto,manual"`
	EpisodeID  *string  `json:"episode_id,omitempty"`
	Items      []string `json:"items,omitempty"`
	AffirmedAt *string  `json:"affirmed_at,omitempty" format:"date-time"`
}

type LedgerEntry struct {
	ID   string `json:"id"`
	TS   string `json:"ts" format:"date-time"`
	Text string `json:"text"`
}

// ActivityEvent is one immutable entry from a monitored source. The log is
// append-only; aggregation is count/sum based so no identity beyond ts+kind
// is needed.
type ActivityEvent struct {
	ID              int64   `json:"id"`
	TS              string  `json:"ts" format:"date-time"`
	Site            string  `json:"site,omitempty"`
	Kind            string  `json:"kind"`
	DurationMinutes float64 `json:"duration_minutes,omitempty"`
	TypingVolume    int     `json:"typing_volume,omitempty"`
	SwitchCount     int     `json:"switch_count,omitempty"`
	Deep            bool    `json:"deep,omitempty"`
}

// Signal is transient: recomputed from the activity log on every derivation
// pass, never persisted.
type Signal struct {
	ID            string         `json:"id"`
	TS            string         `json:"ts" format:"date-time"`
	Kind          string         `json:"kind" enum:"writing_stall,switch_spike"`
	Text          string         `json:"text"`
	CallToActions []CallToAction `json:"call_to_actions"`
}

type CallToAction struct {
	Label  string `json:"label"`
	Action string `json:"action"`
}

// Progress holds log-derived aggregate counters.
type Progress struct {
	Focus25      int `json:"focus25"`
	DeepReads    int `json:"deep_reads"`
	CharsApprox  int `json:"chars_approx"`
	NightMinutes int `json:"night_minutes"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
