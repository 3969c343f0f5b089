package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"stressline/internal/domain"
)

func (r Repo) InsertActivity(ctx context.Context, tx *sql.Tx, e domain.ActivityEvent) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO activity_log(ts,site,kind,duration_minutes,typing_volume,switch_count,deep) VALUES (?,?,?,?,?,?,?)`,
		e.TS, nullable(e.Site), e.Kind, e.DurationMinutes, e.TypingVolume, e.SwitchCount, boolInt(e.Deep))
	return err
}

// ListActivity returns the whole log in ingestion order. Derivation re-scans
// the full log each pass, so there is no cursor.
func (r Repo) ListActivity(ctx context.Context) ([]domain.ActivityEvent, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,COALESCE(site,''),kind,COALESCE(duration_minutes,0),COALESCE(typing_volume,0),COALESCE(switch_count,0),deep FROM activity_log ORDER BY rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ActivityEvent
	for rows.Next() {
		var e domain.ActivityEvent
		var deep int
		if err := rows.Scan(&e.ID, &e.TS, &e.Site, &e.Kind, &e.DurationMinutes, &e.TypingVolume, &e.SwitchCount, &deep); err != nil {
			return nil, err
		}
		e.Deep = deep == 1
		res = append(res, e)
	}
	return res, nil
}

func (r Repo) InsertMilestone(ctx context.Context, tx *sql.Tx, m domain.Milestone) error {
	items, err := marshalStringSlice(m.Items)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO milestones(id,ts,kind,title,source,episode_id,items_json,affirmed_at) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.TS, m.Kind, m.Title, m.Source, nullableStringPtr(m.EpisodeID), items, nullableStringPtr(m.AffirmedAt))
	return err
}

func scanMilestone(scan func(dest ...any) error) (domain.Milestone, error) {
	var m domain.Milestone
	var episodeID, items, affirmedAt sql.NullString
	err := scan(&m.ID, &m.TS, &m.Kind, &m.Title, &m.Source, &episodeID, &items, &affirmedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if episodeID.Valid {
		m.EpisodeID = &episodeID.String
	}
	if items.Valid {
		if err := json.Unmarshal([]byte(items.String), &m.Items); err != nil {
			return m, err
		}
	}
	if affirmedAt.Valid {
		m.AffirmedAt = &affirmedAt.String
	}
	return m, nil
}

func (r Repo) GetMilestone(ctx context.Context, id string) (domain.Milestone, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,ts,kind,title,source,episode_id,items_json,affirmed_at FROM milestones WHERE id=?`, id)
	return scanMilestone(row.Scan)
}

func (r Repo) GetMilestoneTx(ctx context.Context, tx *sql.Tx, id string) (domain.Milestone, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,ts,kind,title,source,episode_id,items_json,affirmed_at FROM milestones WHERE id=?`, id)
	return scanMilestone(row.Scan)
}

type MilestoneFilters struct {
	Kind      string
	EpisodeID string
	Since     string
	Until     string
	Limit     int
}

// ListMilestones returns milestones newest-first.
func (r Repo) ListMilestones(ctx context.Context, f MilestoneFilters) ([]domain.Milestone, error) {
	var clauses []string
	var args []any
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if f.EpisodeID != "" {
		clauses = append(clauses, "episode_id=?")
		args = append(args, f.EpisodeID)
	}
	if f.Since != "" {
		clauses = append(clauses, "ts>=?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "ts<?")
		args = append(args, f.Until)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,ts,kind,title,source,episode_id,items_json,affirmed_at FROM milestones ` + where + ` ORDER BY ts DESC, rowid DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, nil
}

func (r Repo) SetMilestoneAffirmed(ctx context.Context, tx *sql.Tx, id, affirmedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE milestones SET affirmed_at=? WHERE id=? AND affirmed_at IS NULL`, affirmedAt, id)
	return err
}

func (r Repo) InsertLedger(ctx context.Context, tx *sql.Tx, entry domain.LedgerEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO success_ledger(id,ts,text) VALUES (?,?,?)`, entry.ID, entry.TS, entry.Text)
	return err
}

// ListLedger returns entries newest-first. No dedupe, no cap.
func (r Repo) ListLedger(ctx context.Context) ([]domain.LedgerEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,text FROM success_ledger ORDER BY rowid DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.TS, &e.Text); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, nil
}

// LatestEvents returns audit events newest-first.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,ts,type,entity_kind,entity_id,actor_id,payload_json FROM events ` + where + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &entID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if entID.Valid {
			e.EntityID = entID.String
		}
		res = append(res, e)
	}
	return res, nil
}
