package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	pixlerrors "pixl/pkg/errors"
)

// Repository is the scheduler's view of the export ledger. Transitions are
// single-writer per key via compare-and-set on state.
type Repository interface {
	// Get returns the record for (project, source study UID); sql.ErrNoRows
	// is mapped to found == false.
	Get(ctx context.Context, project, sourceStudyUID string) (*ExportRecord, bool, error)
	// Ensure creates the pending row if absent and returns the current
	// record either way.
	Ensure(ctx context.Context, project, sourceStudyUID string) (*ExportRecord, error)
	// Transition moves the row from one state to another atomically,
	// recording the error string and any learned identifiers. A CAS miss
	// returns LedgerConflict.
	Transition(ctx context.Context, project, sourceStudyUID string, from, to State, update RecordUpdate) error
	Counts(ctx context.Context, project string) (Counts, error)
}

// RecordUpdate carries the optional fields a transition may set.
type RecordUpdate struct {
	AnonStudyUID    string
	PseudoPatientID string
	Error           string
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, project, sourceStudyUID string) (*ExportRecord, bool, error) {
	query := `
		SELECT project_slug, source_study_uid, anon_study_uid, pseudo_patient_id, state, error, created, updated
		FROM export
		WHERE project_slug = $1 AND source_study_uid = $2
	`
	record := &ExportRecord{}
	var anonUID, pseudoID, errStr sql.NullString
	err := r.db.QueryRowContext(ctx, query, project, sourceStudyUID).Scan(
		&record.ProjectSlug,
		&record.SourceStudyUID,
		&anonUID,
		&pseudoID,
		&record.State,
		&errStr,
		&record.Created,
		&record.Updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to query export record: %w", err)
	}
	record.AnonStudyUID = anonUID.String
	record.PseudoPatientID = pseudoID.String
	record.Error = errStr.String
	return record, true, nil
}

func (r *PostgresRepository) Ensure(ctx context.Context, project, sourceStudyUID string) (*ExportRecord, error) {
	insert := `
		INSERT INTO export (project_slug, source_study_uid, state, created, updated)
		VALUES ($1, $2, $3, now(), now())
		ON CONFLICT (project_slug, source_study_uid) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, insert, project, sourceStudyUID, StatePending); err != nil {
		return nil, fmt.Errorf("failed to insert export record: %w", err)
	}
	record, found, err := r.Get(ctx, project, sourceStudyUID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("export record vanished after insert")
	}
	return record, nil
}

func (r *PostgresRepository) Transition(ctx context.Context, project, sourceStudyUID string, from, to State, update RecordUpdate) error {
	query := `
		UPDATE export
		SET state = $1,
		    error = NULLIF($2, ''),
		    anon_study_uid = COALESCE(NULLIF($3, ''), anon_study_uid),
		    pseudo_patient_id = COALESCE(NULLIF($4, ''), pseudo_patient_id),
		    updated = now()
		WHERE project_slug = $5 AND source_study_uid = $6 AND state = $7
	`
	result, err := r.db.ExecContext(ctx, query,
		to, update.Error, update.AnonStudyUID, update.PseudoPatientID,
		project, sourceStudyUID, from,
	)
	if err != nil {
		return fmt.Errorf("failed to update export record: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return pixlerrors.Newf(pixlerrors.KindLedgerConflict,
			"export record (%s, %s) not in state %s", project, sourceStudyUID, from)
	}
	return nil
}

func (r *PostgresRepository) Counts(ctx context.Context, project string) (Counts, error) {
	query := `
		SELECT state, count(*)
		FROM export
		WHERE project_slug = $1
		GROUP BY state
	`
	rows, err := r.db.QueryContext(ctx, query, project)
	if err != nil {
		return Counts{}, fmt.Errorf("failed to query export counts: %w", err)
	}
	defer rows.Close()

	var counts Counts
	for rows.Next() {
		var state State
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return Counts{}, fmt.Errorf("failed to scan export counts: %w", err)
		}
		switch state {
		case StatePending:
			counts.Pending = n
		case StateAnonymised:
			counts.Anonymised = n
		case StateExported:
			counts.Exported = n
		case StateFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}
