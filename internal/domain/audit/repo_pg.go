package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/audittrail/internal/platform/db"
)

// chainLockID is the advisory lock key that serializes chain appends.
const chainLockID = 4_412_017_803

const eventColumns = `audit_id, "timestamp", user_id, user_role, user_email, action,
	resource_type, resource_id, patient_id, details, ip_address, user_agent, session_id,
	location, severity, success, error_message, response_time_ms, compliance_flags,
	prev_hash, hash`

var sortColumns = map[string]string{
	SortTimestamp: `"timestamp"`,
	SortAction:    "action",
	SortSeverity:  "severity",
	SortUserID:    "user_id",
}

var groupExprs = map[GroupKey]string{
	GroupAction:    "action",
	GroupSeverity:  "severity",
	GroupUserID:    "user_id",
	GroupPatientID: "COALESCE(patient_id, '')",
	GroupIPAddress: "COALESCE(ip_address, '')",
	GroupSuccess:   "CASE WHEN success THEN 'true' ELSE 'false' END",
	GroupHour:      `to_char("timestamp" AT TIME ZONE 'UTC', 'YYYY-MM-DD HH24:00')`,
	GroupDay:       `to_char("timestamp" AT TIME ZONE 'UTC', 'YYYY-MM-DD')`,
	GroupEmergency: "CASE WHEN (compliance_flags->>'emergencyAccess')::boolean THEN 'true' ELSE 'false' END",
}

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewPGRepository returns a Repository backed by the audit_event table.
func NewPGRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

func (r *pgRepository) Append(ctx context.Context, e *Event) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	flags, err := json.Marshal(e.ComplianceFlags)
	if err != nil {
		return fmt.Errorf("encode compliance flags: %w", err)
	}
	var location []byte
	if e.Location != nil {
		if location, err = json.Marshal(e.Location); err != nil {
			return fmt.Errorf("encode location: %w", err)
		}
	}

	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockID); err != nil {
			return fmt.Errorf("acquire chain lock: %w", err)
		}

		var prev string
		err := tx.QueryRow(ctx, `SELECT hash FROM audit_event ORDER BY seq DESC LIMIT 1`).Scan(&prev)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("read chain head: %w", err)
		}
		if err := seal(e, prev); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO audit_event (`+eventColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
				$14, $15, $16, $17, $18, $19, $20, $21)`,
			e.AuditID, e.Timestamp, e.UserID, string(e.UserRole), e.UserEmail, string(e.Action),
			string(e.ResourceType), e.ResourceID, nullable(e.PatientID), details,
			nullable(e.IPAddress), nullable(e.UserAgent), nullable(e.SessionID),
			location, string(e.Severity), e.Success, nullable(e.ErrorMessage), e.ResponseTime, flags,
			e.PrevHash, e.Hash,
		)
		if err != nil {
			return fmt.Errorf("insert audit event: %w", err)
		}
		return nil
	})
}

func (r *pgRepository) Find(ctx context.Context, f Filter, p Page) ([]*Event, int, error) {
	where, args := buildWhere(f)
	q := db.Conn(ctx, r.pool)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM audit_event`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit events: %w", err)
	}

	col, ok := sortColumns[p.SortBy]
	if !ok {
		col = sortColumns[SortTimestamp]
	}
	dir := "ASC"
	if p.SortDesc {
		dir = "DESC"
	}
	order := fmt.Sprintf(` ORDER BY %s %s, "timestamp" %s, seq %s`, col, dir, dir, dir)

	n := len(args)
	args = append(args, p.Limit, p.Offset())
	rows, err := q.Query(ctx,
		`SELECT `+eventColumns+` FROM audit_event`+where+order+fmt.Sprintf(` LIMIT $%d OFFSET $%d`, n+1, n+2),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query audit events: %w", err)
	}
	defer rows.Close()

	events := make([]*Event, 0)
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, total, nil
}

func (r *pgRepository) Aggregate(ctx context.Context, f Filter, keys ...GroupKey) ([]Bucket, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("aggregate: no group keys")
	}
	exprs := make([]string, len(keys))
	positions := make([]string, len(keys))
	for i, k := range keys {
		expr, ok := groupExprs[k]
		if !ok {
			return nil, fmt.Errorf("aggregate: unknown group key %q", k)
		}
		exprs[i] = expr
		positions[i] = fmt.Sprint(i + 1)
	}
	where, args := buildWhere(f)
	sql := `SELECT ` + strings.Join(exprs, ", ") + `, COUNT(*) FROM audit_event` + where +
		` GROUP BY ` + strings.Join(positions, ", ") + ` ORDER BY ` + strings.Join(positions, ", ")

	rows, err := db.Conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate audit events: %w", err)
	}
	defer rows.Close()

	out := make([]Bucket, 0)
	for rows.Next() {
		vals := make([]string, len(keys))
		var count int64
		dest := make([]any, 0, len(keys)+1)
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		dest = append(dest, &count)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan aggregate row: %w", err)
		}
		out = append(out, Bucket{Keys: vals, Count: int(count)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aggregate rows: %w", err)
	}
	return out, nil
}

func (r *pgRepository) Walk(ctx context.Context, fn func(*Event) error) error {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+eventColumns+` FROM audit_event ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("walk audit events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return rows.Err()
}

func buildWhere(f Filter) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.PatientID != "" {
		add("patient_id = $%d", f.PatientID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if len(f.AnyAction) > 0 {
		actions := make([]string, len(f.AnyAction))
		for i, a := range f.AnyAction {
			actions[i] = string(a)
		}
		add("action = ANY($%d)", actions)
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", string(f.ResourceType))
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if f.Success != nil {
		add("success = $%d", *f.Success)
	}
	if f.StartDate != nil {
		add(`"timestamp" >= $%d`, *f.StartDate)
	}
	if f.EndDate != nil {
		add(`"timestamp" <= $%d`, *f.EndDate)
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func scanEvent(row pgx.Row) (*Event, error) {
	var (
		e                              Event
		role, action, rtype, severity  string
		patient, ip, ua, session, emsg *string
		details, location, flags       []byte
	)
	err := row.Scan(
		&e.AuditID, &e.Timestamp, &e.UserID, &role, &e.UserEmail, &action,
		&rtype, &e.ResourceID, &patient, &details, &ip, &ua, &session,
		&location, &severity, &e.Success, &emsg, &e.ResponseTime, &flags,
		&e.PrevHash, &e.Hash,
	)
	if err != nil {
		return nil, fmt.Errorf("scan audit event: %w", err)
	}

	e.Timestamp = e.Timestamp.UTC()
	e.UserRole = Role(role)
	e.Action = Action(action)
	e.ResourceType = ResourceType(rtype)
	e.Severity = Severity(severity)
	e.PatientID = deref(patient)
	e.IPAddress = deref(ip)
	e.UserAgent = deref(ua)
	e.SessionID = deref(session)
	e.ErrorMessage = deref(emsg)

	if err := json.Unmarshal(details, &e.Details); err != nil {
		return nil, fmt.Errorf("decode details: %w", err)
	}
	if err := json.Unmarshal(flags, &e.ComplianceFlags); err != nil {
		return nil, fmt.Errorf("decode compliance flags: %w", err)
	}
	if len(location) > 0 {
		e.Location = &Location{}
		if err := json.Unmarshal(location, e.Location); err != nil {
			return nil, fmt.Errorf("decode location: %w", err)
		}
	}
	return &e, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
