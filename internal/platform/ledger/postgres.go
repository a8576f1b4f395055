package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/consentgate/internal/platform/apperr"
	"github.com/ehr/consentgate/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PostgresLedger keeps the registries in postgres. Transitions use
// conditional updates inside a transaction so that two writers racing on the
// same request cannot both succeed.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

func (l *PostgresLedger) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return l.pool
}

func (l *PostgresLedger) Close() error {
	l.pool.Close()
	return nil
}

// EnsureNetwork records the network id on first use and fails when an
// existing ledger was initialised for a different network.
func (l *PostgresLedger) EnsureNetwork(ctx context.Context, networkID uint64) error {
	_, err := l.conn(ctx).Exec(ctx,
		`INSERT INTO ledger_meta (id, network_id) VALUES (TRUE, $1) ON CONFLICT (id) DO NOTHING`,
		int64(networkID))
	if err != nil {
		return pgErr("ensure network", err)
	}
	got, err := l.NetworkID(ctx)
	if err != nil {
		return err
	}
	if got != networkID {
		return fmt.Errorf("ledger initialised for network %d, want %d: %w", got, networkID, apperr.ErrLedgerUnavailable)
	}
	return nil
}

// -- identity --

func (l *PostgresLedger) Register(ctx context.Context, id Identity, secret string) error {
	if !id.Role.Valid() || id.ShortID == "" {
		return fmt.Errorf("%w: role and short_id are required", apperr.ErrInvalidInput)
	}
	wallet, err := NormalizeAddress(id.WalletAddress)
	if err != nil {
		return err
	}
	hash, err := hashCredential(secret)
	if err != nil {
		return err
	}
	_, err = l.conn(ctx).Exec(ctx, `
		INSERT INTO identities (role, short_id, wallet_address, display_name, credential_hash)
		VALUES ($1, $2, $3, $4, $5)`,
		string(id.Role), id.ShortID, wallet, id.DisplayName, hash)
	return pgErr("register "+id.Key(), err)
}

func (l *PostgresLedger) GetIdentity(ctx context.Context, role Role, shortID string) (Identity, error) {
	var id Identity
	var r string
	err := l.conn(ctx).QueryRow(ctx, `
		SELECT role, short_id, wallet_address, display_name
		FROM identities WHERE role = $1 AND short_id = $2`,
		string(role), shortID).Scan(&r, &id.ShortID, &id.WalletAddress, &id.DisplayName)
	if err != nil {
		return Identity{}, pgErr("identity "+IdentityKey(role, shortID), err)
	}
	id.Role = Role(r)
	return id, nil
}

func (l *PostgresLedger) IsRegistered(ctx context.Context, role Role, shortID string) (bool, error) {
	var ok bool
	err := l.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM identities WHERE role = $1 AND short_id = $2)`,
		string(role), shortID).Scan(&ok)
	if err != nil {
		return false, pgErr("is registered", err)
	}
	return ok, nil
}

func (l *PostgresLedger) ValidateCredential(ctx context.Context, role Role, shortID, secret string) (bool, error) {
	var hash []byte
	err := l.conn(ctx).QueryRow(ctx,
		`SELECT credential_hash FROM identities WHERE role = $1 AND short_id = $2`,
		string(role), shortID).Scan(&hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, pgErr("validate credential", err)
	}
	return checkCredential(hash, secret), nil
}

func (l *PostgresLedger) SetPatientProfile(ctx context.Context, patientID string, p PatientProfile) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}
	tag, err := l.conn(ctx).Exec(ctx, `
		INSERT INTO patient_profiles (patient_id, date_of_birth, gender, blood_group, email, home_address)
		SELECT short_id, $2, $3, $4, $5, $6 FROM identities WHERE role = $7 AND short_id = $1
		ON CONFLICT (patient_id) DO UPDATE SET
			date_of_birth = EXCLUDED.date_of_birth,
			gender        = EXCLUDED.gender,
			blood_group   = EXCLUDED.blood_group,
			email         = EXCLUDED.email,
			home_address  = EXCLUDED.home_address,
			updated_at    = NOW()`,
		patientID, p.DateOfBirth, p.Gender, p.BloodGroup, p.Email, p.HomeAddress, string(RolePatient))
	if err != nil {
		return pgErr("set profile "+patientID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("patient %s: %w", patientID, apperr.ErrNotRegistered)
	}
	return nil
}

func (l *PostgresLedger) GetPatientProfile(ctx context.Context, patientID string) (PatientProfile, error) {
	var p PatientProfile
	err := l.conn(ctx).QueryRow(ctx, `
		SELECT COALESCE(p.date_of_birth, ''), COALESCE(p.gender, ''), COALESCE(p.blood_group, ''),
		       COALESCE(p.email, ''), COALESCE(p.home_address, '')
		FROM identities i
		LEFT JOIN patient_profiles p ON p.patient_id = i.short_id
		WHERE i.role = $1 AND i.short_id = $2`,
		string(RolePatient), patientID).Scan(&p.DateOfBirth, &p.Gender, &p.BloodGroup, &p.Email, &p.HomeAddress)
	if err != nil {
		return PatientProfile{}, pgErr("profile "+patientID, err)
	}
	return p, nil
}

func (l *PostgresLedger) NetworkID(ctx context.Context) (uint64, error) {
	var id int64
	err := l.conn(ctx).QueryRow(ctx, `SELECT network_id FROM ledger_meta WHERE id`).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("ledger network not initialised: %w", apperr.ErrLedgerUnavailable)
	}
	if err != nil {
		return 0, pgErr("network id", err)
	}
	return uint64(id), nil
}

// -- permissions --

func (l *PostgresLedger) IsPermissionGranted(ctx context.Context, patientID, clinicianID string) (bool, error) {
	var ok bool
	err := l.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM permission_grants WHERE patient_id = $1 AND clinician_id = $2)`,
		patientID, clinicianID).Scan(&ok)
	if err != nil {
		return false, pgErr("is permission granted", err)
	}
	return ok, nil
}

func (l *PostgresLedger) GrantPermission(ctx context.Context, patientID, clinicianID string) error {
	return db.WithTx(ctx, l.pool, func(ctx context.Context) error {
		if err := l.requireRegistered(ctx, RolePatient, patientID); err != nil {
			return err
		}
		if err := l.requireRegistered(ctx, RoleClinician, clinicianID); err != nil {
			return err
		}
		_, err := l.conn(ctx).Exec(ctx, `
			INSERT INTO permission_grants (patient_id, clinician_id) VALUES ($1, $2)
			ON CONFLICT (patient_id, clinician_id) DO NOTHING`,
			patientID, clinicianID)
		return pgErr("grant permission", err)
	})
}

func (l *PostgresLedger) RevokePermission(ctx context.Context, patientID, clinicianID string) error {
	_, err := l.conn(ctx).Exec(ctx,
		`DELETE FROM permission_grants WHERE patient_id = $1 AND clinician_id = $2`,
		patientID, clinicianID)
	return pgErr("revoke permission", err)
}

func (l *PostgresLedger) GrantStorageAccess(ctx context.Context, patientWallet, clinicianWallet string) error {
	pw, cw, err := normalizePair(patientWallet, clinicianWallet)
	if err != nil {
		return err
	}
	_, err = l.conn(ctx).Exec(ctx, `
		INSERT INTO storage_access (patient_wallet, clinician_wallet) VALUES ($1, $2)
		ON CONFLICT (patient_wallet, clinician_wallet) DO NOTHING`, pw, cw)
	return pgErr("grant storage access", err)
}

func (l *PostgresLedger) RevokeStorageAccess(ctx context.Context, patientWallet, clinicianWallet string) error {
	pw, cw, err := normalizePair(patientWallet, clinicianWallet)
	if err != nil {
		return err
	}
	_, err = l.conn(ctx).Exec(ctx,
		`DELETE FROM storage_access WHERE patient_wallet = $1 AND clinician_wallet = $2`, pw, cw)
	return pgErr("revoke storage access", err)
}

func (l *PostgresLedger) GetPatientList(ctx context.Context, clinicianID string) ([]string, error) {
	rows, err := l.conn(ctx).Query(ctx,
		`SELECT patient_id FROM permission_grants WHERE clinician_id = $1 ORDER BY patient_id`, clinicianID)
	if err != nil {
		return nil, pgErr("patient list", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, pgErr("patient list", err)
	}
	return ids, nil
}

// -- requests --

const requestCols = `request_id, patient_id, clinician_id, diagnostic_center_id, test_type,
	description, status, report_index, created_at`

func scanRequest(row pgx.Row) (TestRequest, error) {
	var r TestRequest
	var status string
	err := row.Scan(&r.RequestID, &r.PatientID, &r.ClinicianID, &r.DiagnosticCenterID,
		&r.TestType, &r.Description, &status, &r.ReportIndex, &r.CreatedAt)
	r.Status = RequestStatus(status)
	return r, err
}

func (l *PostgresLedger) RequestTest(ctx context.Context, req TestRequest) (int64, error) {
	var id int64
	err := db.WithTx(ctx, l.pool, func(ctx context.Context) error {
		if err := l.requireRegistered(ctx, RolePatient, req.PatientID); err != nil {
			return err
		}
		if err := l.requireRegistered(ctx, RoleClinician, req.ClinicianID); err != nil {
			return err
		}
		err := l.conn(ctx).QueryRow(ctx, `
			INSERT INTO test_requests (patient_id, clinician_id, test_type, description)
			VALUES ($1, $2, $3, $4) RETURNING request_id`,
			req.PatientID, req.ClinicianID, req.TestType, req.Description).Scan(&id)
		return pgErr("request test", err)
	})
	return id, err
}

func (l *PostgresLedger) AssignTest(ctx context.Context, requestID int64, centerID string) error {
	return db.WithTx(ctx, l.pool, func(ctx context.Context) error {
		if err := l.requireRegistered(ctx, RoleDiagnosticCenter, centerID); err != nil {
			return err
		}
		tag, err := l.conn(ctx).Exec(ctx, `
			UPDATE test_requests SET diagnostic_center_id = $2, status = 'Assigned'
			WHERE request_id = $1 AND status = 'Requested' AND diagnostic_center_id = ''`,
			requestID, centerID)
		if err != nil {
			return pgErr("assign test", err)
		}
		if tag.RowsAffected() == 1 {
			return nil
		}
		cur, err := scanRequest(l.conn(ctx).QueryRow(ctx,
			`SELECT `+requestCols+` FROM test_requests WHERE request_id = $1`, requestID))
		if err != nil {
			return pgErr(fmt.Sprintf("request %d", requestID), err)
		}
		if cur.DiagnosticCenterID != "" {
			return fmt.Errorf("request %d assigned to %s: %w", requestID, cur.DiagnosticCenterID, apperr.ErrAlreadyAssigned)
		}
		return fmt.Errorf("request %d is %s: %w", requestID, cur.Status, apperr.ErrInvalidTransition)
	})
}

func (l *PostgresLedger) GetTestRequest(ctx context.Context, requestID int64) (TestRequest, error) {
	r, err := scanRequest(l.conn(ctx).QueryRow(ctx,
		`SELECT `+requestCols+` FROM test_requests WHERE request_id = $1`, requestID))
	if err != nil {
		return TestRequest{}, pgErr(fmt.Sprintf("request %d", requestID), err)
	}
	return r, nil
}

func (l *PostgresLedger) GetPendingRequests(ctx context.Context) ([]int64, error) {
	return l.requestIDs(ctx, `SELECT request_id FROM test_requests WHERE status = 'Requested' ORDER BY request_id`)
}

func (l *PostgresLedger) GetDiagnosticRequests(ctx context.Context, centerID string) ([]int64, error) {
	return l.requestIDs(ctx, `SELECT request_id FROM test_requests WHERE diagnostic_center_id = $1 ORDER BY request_id`, centerID)
}

func (l *PostgresLedger) requestIDs(ctx context.Context, query string, args ...interface{}) ([]int64, error) {
	rows, err := l.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, pgErr("list requests", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, pgErr("list requests", err)
	}
	return ids, nil
}

func (l *PostgresLedger) LinkReportToRequest(ctx context.Context, requestID, reportIndex int64) error {
	return db.WithTx(ctx, l.pool, func(ctx context.Context) error {
		req, err := scanRequest(l.conn(ctx).QueryRow(ctx,
			`SELECT `+requestCols+` FROM test_requests WHERE request_id = $1 FOR UPDATE`, requestID))
		if err != nil {
			return pgErr(fmt.Sprintf("request %d", requestID), err)
		}
		var centerID string
		var linked int64
		err = l.conn(ctx).QueryRow(ctx, `
			SELECT diagnostic_center_id, linked_request_id FROM diagnostic_reports
			WHERE patient_id = $1 AND report_index = $2 FOR UPDATE`,
			req.PatientID, reportIndex).Scan(&centerID, &linked)
		if err != nil {
			return pgErr(fmt.Sprintf("report %d for %s", reportIndex, req.PatientID), err)
		}
		if linked != 0 && linked != requestID {
			return fmt.Errorf("report %d linked to request %d: %w", reportIndex, linked, apperr.ErrAlreadyLinked)
		}
		if req.Status != StatusAssigned {
			return fmt.Errorf("request %d is %s: %w", requestID, req.Status, apperr.ErrInvalidTransition)
		}
		if centerID != req.DiagnosticCenterID {
			return fmt.Errorf("report %d was uploaded by %s: %w", reportIndex, centerID, apperr.ErrPermissionDenied)
		}
		if _, err := l.conn(ctx).Exec(ctx,
			`UPDATE diagnostic_reports SET linked_request_id = $3 WHERE patient_id = $1 AND report_index = $2`,
			req.PatientID, reportIndex, requestID); err != nil {
			return pgErr("link report", err)
		}
		_, err = l.conn(ctx).Exec(ctx,
			`UPDATE test_requests SET status = 'Completed', report_index = $2 WHERE request_id = $1 AND status = 'Assigned'`,
			requestID, reportIndex)
		return pgErr("complete request", err)
	})
}

func (l *PostgresLedger) ApproveDiagnosticReport(ctx context.Context, requestID int64) error {
	return db.WithTx(ctx, l.pool, func(ctx context.Context) error {
		req, err := scanRequest(l.conn(ctx).QueryRow(ctx,
			`SELECT `+requestCols+` FROM test_requests WHERE request_id = $1 FOR UPDATE`, requestID))
		if err != nil {
			return pgErr(fmt.Sprintf("request %d", requestID), err)
		}
		if req.Status != StatusCompleted || req.ReportIndex == nil {
			return fmt.Errorf("request %d is %s: %w", requestID, req.Status, apperr.ErrInvalidTransition)
		}
		if _, err := l.conn(ctx).Exec(ctx,
			`UPDATE diagnostic_reports SET is_approved = TRUE WHERE patient_id = $1 AND report_index = $2`,
			req.PatientID, *req.ReportIndex); err != nil {
			return pgErr("approve report", err)
		}
		_, err = l.conn(ctx).Exec(ctx,
			`UPDATE test_requests SET status = 'Approved' WHERE request_id = $1`, requestID)
		return pgErr("approve request", err)
	})
}

// -- records --

func (l *PostgresLedger) UploadRecord(ctx context.Context, rec MedicalRecord) (int64, error) {
	var idx int64
	err := db.WithTx(ctx, l.pool, func(ctx context.Context) error {
		if err := l.requireRegistered(ctx, RolePatient, rec.PatientID); err != nil {
			return err
		}
		if _, err := l.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('records/' || $1))`, rec.PatientID); err != nil {
			return pgErr("lock records", err)
		}
		err := l.conn(ctx).QueryRow(ctx, `
			INSERT INTO medical_records (patient_id, record_index, content_hash, file_name, content_type)
			SELECT $1, COALESCE(MAX(record_index) + 1, 0), $2, $3, $4
			FROM medical_records WHERE patient_id = $1
			RETURNING record_index`,
			rec.PatientID, rec.ContentHash, rec.FileName, rec.ContentType).Scan(&idx)
		return pgErr("upload record", err)
	})
	return idx, err
}

func (l *PostgresLedger) GetMyRecords(ctx context.Context, patientID string) ([]MedicalRecord, error) {
	rows, err := l.conn(ctx).Query(ctx, `
		SELECT record_index, patient_id, content_hash, file_name, content_type, uploaded_at
		FROM medical_records WHERE patient_id = $1 ORDER BY record_index`, patientID)
	if err != nil {
		return nil, pgErr("records", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (MedicalRecord, error) {
		var r MedicalRecord
		err := row.Scan(&r.Index, &r.PatientID, &r.ContentHash, &r.FileName, &r.ContentType, &r.UploadedAt)
		return r, err
	})
	if err != nil {
		return nil, pgErr("records", err)
	}
	return recs, nil
}

func (l *PostgresLedger) GetPatientRecords(ctx context.Context, patientID, clinicianWallet string) ([]MedicalRecord, error) {
	cw, err := NormalizeAddress(clinicianWallet)
	if err != nil {
		return nil, err
	}
	patient, err := l.GetIdentity(ctx, RolePatient, patientID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			return nil, fmt.Errorf("patient %s: %w", patientID, apperr.ErrNotRegistered)
		}
		return nil, err
	}
	var ok bool
	err = l.conn(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM storage_access WHERE patient_wallet = $1 AND clinician_wallet = $2)`,
		patient.WalletAddress, cw).Scan(&ok)
	if err != nil {
		return nil, pgErr("storage access", err)
	}
	if !ok {
		return nil, fmt.Errorf("storage access for %s: %w", ShortAddress(cw), apperr.ErrPermissionDenied)
	}
	return l.GetMyRecords(ctx, patientID)
}

func (l *PostgresLedger) UploadDiagnosticReport(ctx context.Context, rep DiagnosticReport) (int64, error) {
	var idx int64
	err := db.WithTx(ctx, l.pool, func(ctx context.Context) error {
		if err := l.requireRegistered(ctx, RolePatient, rep.PatientID); err != nil {
			return err
		}
		if err := l.requireRegistered(ctx, RoleDiagnosticCenter, rep.DiagnosticCenterID); err != nil {
			return err
		}
		if _, err := l.conn(ctx).Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('reports/' || $1))`, rep.PatientID); err != nil {
			return pgErr("lock reports", err)
		}
		err := l.conn(ctx).QueryRow(ctx, `
			INSERT INTO diagnostic_reports (patient_id, report_index, diagnostic_center_id, content_hash, test_type, description)
			SELECT $1, COALESCE(MAX(report_index) + 1, 0), $2, $3, $4, $5
			FROM diagnostic_reports WHERE patient_id = $1
			RETURNING report_index`,
			rep.PatientID, rep.DiagnosticCenterID, rep.ContentHash, rep.TestType, rep.Description).Scan(&idx)
		return pgErr("upload report", err)
	})
	return idx, err
}

func (l *PostgresLedger) GetDiagnosticReports(ctx context.Context, patientID string) ([]DiagnosticReport, error) {
	rows, err := l.conn(ctx).Query(ctx, `
		SELECT report_index, patient_id, diagnostic_center_id, content_hash, test_type, description,
			is_approved, linked_request_id, uploaded_at
		FROM diagnostic_reports WHERE patient_id = $1 ORDER BY report_index`, patientID)
	if err != nil {
		return nil, pgErr("reports", err)
	}
	reps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (DiagnosticReport, error) {
		var r DiagnosticReport
		err := row.Scan(&r.ReportIndex, &r.PatientID, &r.DiagnosticCenterID, &r.ContentHash, &r.TestType,
			&r.Description, &r.IsApproved, &r.LinkedRequestID, &r.UploadedAt)
		return r, err
	})
	if err != nil {
		return nil, pgErr("reports", err)
	}
	return reps, nil
}

func (l *PostgresLedger) requireRegistered(ctx context.Context, role Role, shortID string) error {
	ok, err := l.IsRegistered(ctx, role, shortID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", IdentityKey(role, shortID), apperr.ErrNotRegistered)
	}
	return nil
}

func normalizePair(a, b string) (string, string, error) {
	na, err := NormalizeAddress(a)
	if err != nil {
		return "", "", err
	}
	nb, err := NormalizeAddress(b)
	if err != nil {
		return "", "", err
	}
	return na, nb, nil
}

// pgErr maps driver errors onto apperr kinds. Errors the server reported are
// kept as is; anything else means the database could not be reached.
func pgErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if apperr.Is(err, apperr.ErrNotFound, apperr.ErrNotRegistered, apperr.ErrInvalidInput,
		apperr.ErrInvalidTransition, apperr.ErrAlreadyAssigned, apperr.ErrPermissionDenied, apperr.ErrLedgerUnavailable) {
		return err
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, apperr.ErrNotFound)
	}
	var pge *pgconn.PgError
	if errors.As(err, &pge) {
		if pge.Code == "23505" {
			return fmt.Errorf("%s: %w: %s", op, apperr.ErrInvalidInput, pge.Detail)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, apperr.ErrLedgerUnavailable, err)
}

var _ Adapter = (*PostgresLedger)(nil)
var _ Adapter = (*MemoryLedger)(nil)
