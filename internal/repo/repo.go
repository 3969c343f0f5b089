package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"stressline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertEpisode(ctx context.Context, tx *sql.Tx, e domain.Episode) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO episodes(id,title,status,resolved_at,resolve_reason,snooze_until,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.Title, e.Status, nullableStringPtr(e.ResolvedAt), nullableStringPtr(e.ResolveReason), nullableStringPtr(e.SnoozeUntil), e.CreatedAt, e.UpdatedAt)
	return err
}

func (r Repo) UpdateEpisode(ctx context.Context, tx *sql.Tx, e domain.Episode) error {
	_, err := tx.ExecContext(ctx, `UPDATE episodes SET title=?, status=?, resolved_at=?, resolve_reason=?, snooze_until=?, updated_at=? WHERE id=?`,
		e.Title, e.Status, nullableStringPtr(e.ResolvedAt), nullableStringPtr(e.ResolveReason), nullableStringPtr(e.SnoozeUntil), e.UpdatedAt, e.ID)
	return err
}

func scanEpisode(scan func(dest ...any) error) (domain.Episode, error) {
	var e domain.Episode
	var resolvedAt, resolveReason, snoozeUntil sql.NullString
	err := scan(&e.ID, &e.Title, &e.Status, &resolvedAt, &resolveReason, &snoozeUntil, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.String
	}
	if resolveReason.Valid {
		e.ResolveReason = &resolveReason.String
	}
	if snoozeUntil.Valid {
		e.SnoozeUntil = &snoozeUntil.String
	}
	return e, nil
}

func (r Repo) GetEpisode(ctx context.Context, id string) (domain.Episode, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,title,status,resolved_at,resolve_reason,snooze_until,created_at,updated_at FROM episodes WHERE id=?`, id)
	return scanEpisode(row.Scan)
}

func (r Repo) GetEpisodeTx(ctx context.Context, tx *sql.Tx, id string) (domain.Episode, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,title,status,resolved_at,resolve_reason,snooze_until,created_at,updated_at FROM episodes WHERE id=?`, id)
	return scanEpisode(row.Scan)
}

// EpisodeSummary carries an episode plus its latest strength sample.
type EpisodeSummary struct {
	Episode         domain.Episode `json:"episode"`
	CurrentStrength int            `json:"current_strength"`
	LastStrengthAt  string         `json:"last_strength_at" format:"date-time"`
}

// ListEpisodes returns episodes with their current strength, most recently
// sampled first.
func (r Repo) ListEpisodes(ctx context.Context, status string) ([]EpisodeSummary, error) {
	clause := ""
	var args []any
	if status != "" {
		clause = "WHERE e.status=?"
		args = append(args, status)
	}
	query := `SELECT e.id,e.title,e.status,e.resolved_at,e.resolve_reason,e.snooze_until,e.created_at,e.updated_at,s.value,s.ts
FROM episodes e
JOIN strength_samples s ON s.episode_id=e.id
AND s.rowid = (SELECT s2.rowid FROM strength_samples s2 WHERE s2.episode_id=e.id ORDER BY s2.ts DESC, s2.rowid DESC LIMIT 1)
` + clause + ` ORDER BY s.ts DESC, e.created_at DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []EpisodeSummary
	for rows.Next() {
		var e domain.Episode
		var resolvedAt, resolveReason, snoozeUntil sql.NullString
		var value int
		var ts string
		if err := rows.Scan(&e.ID, &e.Title, &e.Status, &resolvedAt, &resolveReason, &snoozeUntil, &e.CreatedAt, &e.UpdatedAt, &value, &ts); err != nil {
			return nil, err
		}
		if resolvedAt.Valid {
			e.ResolvedAt = &resolvedAt.String
		}
		if resolveReason.Valid {
			e.ResolveReason = &resolveReason.String
		}
		if snoozeUntil.Valid {
			e.SnoozeUntil = &snoozeUntil.String
		}
		res = append(res, EpisodeSummary{Episode: e, CurrentStrength: value, LastStrengthAt: ts})
	}
	return res, nil
}

func (r Repo) InsertStrength(ctx context.Context, tx *sql.Tx, s domain.StrengthSample) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO strength_samples(episode_id,ts,value,note,source) VALUES (?,?,?,?,?)`,
		s.EpisodeID, s.TS, s.Value, nullable(s.Note), s.Source)
	return err
}

func (r Repo) ListStrength(ctx context.Context, episodeID string) ([]domain.StrengthSample, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,episode_id,ts,value,COALESCE(note,''),source FROM strength_samples WHERE episode_id=? ORDER BY ts ASC, rowid ASC`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.StrengthSample
	for rows.Next() {
		var s domain.StrengthSample
		if err := rows.Scan(&s.ID, &s.EpisodeID, &s.TS, &s.Value, &s.Note, &s.Source); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}

// CurrentStrength returns the value of the sample with the maximum timestamp,
// regardless of insertion order; ties go to the latest insert.
func (r Repo) CurrentStrength(ctx context.Context, episodeID string) (int, error) {
	var v int
	err := r.DB.QueryRowContext(ctx, `SELECT value FROM strength_samples WHERE episode_id=? ORDER BY ts DESC, rowid DESC LIMIT 1`, episodeID).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return v, err
}

func (r Repo) InsertNode(ctx context.Context, tx *sql.Tx, n domain.TimelineNode) error {
	meta, err := marshalMeta(n.Meta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO timeline_nodes(id,episode_id,ts,kind,title,meta_json) VALUES (?,?,?,?,?,?)`,
		n.ID, n.EpisodeID, n.TS, n.Kind, n.Title, meta)
	return err
}

// ListNodes returns timeline nodes in insertion order (the audit order).
// Callers wanting display order reverse it.
func (r Repo) ListNodes(ctx context.Context, episodeID string) ([]domain.TimelineNode, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,episode_id,ts,kind,title,meta_json FROM timeline_nodes WHERE episode_id=? ORDER BY rowid ASC`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TimelineNode
	for rows.Next() {
		var n domain.TimelineNode
		var meta sql.NullString
		if err := rows.Scan(&n.ID, &n.EpisodeID, &n.TS, &n.Kind, &n.Title, &meta); err != nil {
			return nil, err
		}
		if meta.Valid {
			n.Meta, err = unmarshalMeta(meta.String)
			if err != nil {
				return nil, err
			}
		}
		res = append(res, n)
	}
	return res, nil
}

func (r Repo) InsertPlan(ctx context.Context, tx *sql.Tx, p domain.CopingPlan, active bool) error {
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return err
	}
	criteria, err := marshalStringSlice(p.SuccessCriteria)
	if err != nil {
		return err
	}
	activeFlag := 0
	if active {
		activeFlag = 1
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO coping_plans(id,episode_id,created_at,steps_json,timebox,success_criteria_json,started_at,completed_at,done,active) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.EpisodeID, p.CreatedAt, string(steps), nullable(p.Timebox), criteria, nullableStringPtr(p.StartedAt), nullableStringPtr(p.CompletedAt), boolInt(p.Done), activeFlag)
	return err
}

// RetirePlan marks the active plan done and moves it into the past sequence.
func (r Repo) RetirePlan(ctx context.Context, tx *sql.Tx, planID, completedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE coping_plans SET done=1, active=0, completed_at=? WHERE id=?`, completedAt, planID)
	return err
}

func scanPlan(scan func(dest ...any) error) (domain.CopingPlan, error) {
	var p domain.CopingPlan
	var stepsJSON string
	var timebox, criteriaJSON, startedAt, completedAt sql.NullString
	var done, active int
	err := scan(&p.ID, &p.EpisodeID, &p.CreatedAt, &stepsJSON, &timebox, &criteriaJSON, &startedAt, &completedAt, &done, &active)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(stepsJSON), &p.Steps); err != nil {
		return p, err
	}
	if timebox.Valid {
		p.Timebox = timebox.String
	}
	if criteriaJSON.Valid {
		if err := json.Unmarshal([]byte(criteriaJSON.String), &p.SuccessCriteria); err != nil {
			return p, err
		}
	}
	if startedAt.Valid {
		p.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		p.CompletedAt = &completedAt.String
	}
	p.Done = done == 1
	return p, nil
}

const planColumns = `id,episode_id,created_at,steps_json,timebox,success_criteria_json,started_at,completed_at,done,active`

func (r Repo) GetActivePlan(ctx context.Context, episodeID string) (domain.CopingPlan, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+planColumns+` FROM coping_plans WHERE episode_id=? AND active=1`, episodeID)
	return scanPlan(row.Scan)
}

func (r Repo) GetActivePlanTx(ctx context.Context, tx *sql.Tx, episodeID string) (domain.CopingPlan, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+planColumns+` FROM coping_plans WHERE episode_id=? AND active=1`, episodeID)
	return scanPlan(row.Scan)
}

// ListPastPlans returns completed plans in completion order.
func (r Repo) ListPastPlans(ctx context.Context, episodeID string) ([]domain.CopingPlan, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+planColumns+` FROM coping_plans WHERE episode_id=? AND active=0 ORDER BY rowid ASC`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CopingPlan
	for rows.Next() {
		p, err := scanPlan(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func (r Repo) InsertPractice(ctx context.Context, tx *sql.Tx, p domain.EmotionPractice) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO practices(id,episode_id,created_at,technique,duration_minutes,done_at) VALUES (?,?,?,?,?,?)`,
		p.ID, p.EpisodeID, p.CreatedAt, p.Technique, p.DurationMinutes, nullableStringPtr(p.DoneAt))
	return err
}

func scanPractice(scan func(dest ...any) error) (domain.EmotionPractice, error) {
	var p domain.EmotionPractice
	var doneAt sql.NullString
	err := scan(&p.ID, &p.EpisodeID, &p.CreatedAt, &p.Technique, &p.DurationMinutes, &doneAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if doneAt.Valid {
		p.DoneAt = &doneAt.String
	}
	return p, nil
}

// LatestPractice returns the most recently created practice.
func (r Repo) LatestPracticeTx(ctx context.Context, tx *sql.Tx, episodeID string) (domain.EmotionPractice, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,episode_id,created_at,technique,duration_minutes,done_at FROM practices WHERE episode_id=? ORDER BY rowid DESC LIMIT 1`, episodeID)
	return scanPractice(row.Scan)
}

func (r Repo) MarkPracticeDone(ctx context.Context, tx *sql.Tx, practiceID, doneAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE practices SET done_at=? WHERE id=?`, doneAt, practiceID)
	return err
}

func (r Repo) ListPractices(ctx context.Context, episodeID string) ([]domain.EmotionPractice, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,episode_id,created_at,technique,duration_minutes,done_at FROM practices WHERE episode_id=? ORDER BY rowid ASC`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EmotionPractice
	for rows.Next() {
		p, err := scanPractice(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, nil
}

func (r Repo) InsertAppraisal(ctx context.Context, tx *sql.Tx, a domain.Appraisal) error {
	resources, err := marshalStringSlice(a.Resources)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO appraisals(episode_id,ts,threat,controllability,resources_json,note) VALUES (?,?,?,?,?,?)`,
		a.EpisodeID, a.TS, a.Threat, a.Controllability, resources, nullable(a.Note))
	return err
}

func (r Repo) ListAppraisals(ctx context.Context, episodeID string) ([]domain.Appraisal, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,episode_id,ts,threat,controllability,resources_json,COALESCE(note,'') FROM appraisals WHERE episode_id=? ORDER BY rowid ASC`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Appraisal
	for rows.Next() {
		var a domain.Appraisal
		var resources sql.NullString
		if err := rows.Scan(&a.ID, &a.EpisodeID, &a.TS, &a.Threat, &a.Controllability, &resources, &a.Note); err != nil {
			return nil, err
		}
		if resources.Valid {
			if err := json.Unmarshal([]byte(resources.String), &a.Resources); err != nil {
				return nil, err
			}
		}
		res = append(res, a)
	}
	return res, nil
}

func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.ChatMessage) error {
	meta, err := marshalMeta(m.Meta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO messages(id,episode_id,ts,role,text,meta_json) VALUES (?,?,?,?,?,?)`,
		m.ID, m.EpisodeID, m.TS, m.Role, m.Text, meta)
	return err
}

func (r Repo) ListMessages(ctx context.Context, episodeID string) ([]domain.ChatMessage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,episode_id,ts,role,text,meta_json FROM messages WHERE episode_id=? ORDER BY rowid ASC`, episodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		var meta sql.NullString
		if err := rows.Scan(&m.ID, &m.EpisodeID, &m.TS, &m.Role, &m.Text, &meta); err != nil {
			return nil, err
		}
		if meta.Valid {
			m.Meta, err = unmarshalMeta(meta.String)
			if err != nil {
				return nil, err
			}
		}
		res = append(res, m)
	}
	return res, nil
}

// --- helpers ---

func marshalMeta(m *domain.NodeMeta) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unmarshalMeta(s string) (*domain.NodeMeta, error) {
	var m domain.NodeMeta
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func marshalStringSlice(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
