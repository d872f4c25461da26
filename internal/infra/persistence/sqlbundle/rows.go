package sqlbundle

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"astmlis/pkg/astm"
	"astmlis/pkg/domain"
)

// Columns lists astm_results columns in insert and select order.
var Columns = []string{
	"id", "received_at",
	"patient_id", "patient_lastname", "patient_firstname", "patient_middle",
	"patient_sex", "patient_dob", "patient_age", "physician",
	"sample_id", "order_priority",
	"test_code", "result_value", "result_units", "result_status",
	"raw_message", "archive_key",
}

// sqliteTimeLayout is fixed width so text ordering equals chronological ordering.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000000"

// Dialect captures the placeholder and temporal encoding differences between engines.
type Dialect struct {
	Name        string
	placeholder func(n int) string
	encodeTime  func(time.Time) any
	encodeDate  func(astm.Date) any
}

var (
	// PostgresDialect uses $n placeholders and native temporal types.
	PostgresDialect = Dialect{
		Name:        "postgres",
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
		encodeTime:  func(t time.Time) any { return t.UTC() },
		encodeDate:  func(d astm.Date) any { return d.Time() },
	}
	// SQLiteDialect uses ? placeholders and text temporal values.
	SQLiteDialect = Dialect{
		Name:        "sqlite",
		placeholder: func(int) string { return "?" },
		encodeTime:  func(t time.Time) any { return t.UTC().Format(sqliteTimeLayout) },
		encodeDate:  func(d astm.Date) any { return d.String() },
	}
)

// InsertSQL returns the single-row insert statement for the dialect.
func (d Dialect) InsertSQL() string {
	marks := make([]string, len(Columns))
	for i := range Columns {
		marks[i] = d.placeholder(i + 1)
	}
	return fmt.Sprintf("INSERT INTO astm_results (%s) VALUES (%s)", strings.Join(Columns, ", "), strings.Join(marks, ", "))
}

// RecentSQL returns the newest-first select bounded by one limit argument.
func (d Dialect) RecentSQL() string {
	return fmt.Sprintf("SELECT %s FROM astm_results ORDER BY received_at DESC, id DESC LIMIT %s", strings.Join(Columns, ", "), d.placeholder(1))
}

// GetSQL returns the select of a single row by id.
func (d Dialect) GetSQL() string {
	return fmt.Sprintf("SELECT %s FROM astm_results WHERE id = %s", strings.Join(Columns, ", "), d.placeholder(1))
}

// InsertArgs flattens rec into arguments matching Columns.
func (d Dialect) InsertArgs(rec domain.StoredResult) []any {
	var dob, age any
	if rec.PatientDOB != nil {
		dob = d.encodeDate(*rec.PatientDOB)
	}
	if rec.PatientAge != nil {
		age = int64(*rec.PatientAge)
	}
	var archiveKey any
	if rec.ArchiveKey != "" {
		archiveKey = rec.ArchiveKey
	}
	return []any{
		rec.ID, d.encodeTime(rec.ReceivedAt),
		text(rec.PatientID), text(rec.PatientLastName), text(rec.PatientFirstName), text(rec.PatientMiddleName),
		text(rec.PatientSex), dob, age, text(rec.Physician),
		text(rec.SampleID), text(rec.OrderPriority),
		text(rec.TestCode), text(rec.ResultValue), text(rec.ResultUnits), text(rec.ResultStatus),
		rec.RawMessage, archiveKey,
	}
}

func text(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

// Scanner is implemented by *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// ScanResult reads one row selected with Columns.
func ScanResult(s Scanner) (domain.StoredResult, error) {
	var (
		rec        domain.StoredResult
		receivedAt timeValue
		dob        timeValue
		age        sql.NullInt64
		archiveKey sql.NullString
		fields     [12]sql.NullString
	)
	err := s.Scan(
		&rec.ID, &receivedAt,
		&fields[0], &fields[1], &fields[2], &fields[3],
		&fields[4], &dob, &age, &fields[5],
		&fields[6], &fields[7],
		&fields[8], &fields[9], &fields[10], &fields[11],
		&rec.RawMessage, &archiveKey,
	)
	if err != nil {
		return domain.StoredResult{}, fmt.Errorf("scan astm_results: %w", err)
	}
	rec.ReceivedAt = receivedAt.t.UTC()
	rec.PatientID = str(fields[0])
	rec.PatientLastName = str(fields[1])
	rec.PatientFirstName = str(fields[2])
	rec.PatientMiddleName = str(fields[3])
	rec.PatientSex = str(fields[4])
	rec.Physician = str(fields[5])
	rec.SampleID = str(fields[6])
	rec.OrderPriority = str(fields[7])
	rec.TestCode = str(fields[8])
	rec.ResultValue = str(fields[9])
	rec.ResultUnits = str(fields[10])
	rec.ResultStatus = str(fields[11])
	if dob.valid {
		d := astm.DateOf(dob.t)
		rec.PatientDOB = &d
	}
	if age.Valid {
		a := int(age.Int64)
		rec.PatientAge = &a
	}
	rec.ArchiveKey = archiveKey.String
	return rec, nil
}

func str(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

// timeValue accepts native time values and the text encodings written by SQLiteDialect.
type timeValue struct {
	t     time.Time
	valid bool
}

var timeLayouts = []string{sqliteTimeLayout, time.RFC3339Nano, time.DateTime, time.DateOnly}

func (v *timeValue) Scan(src any) error {
	switch x := src.(type) {
	case nil:
		*v = timeValue{}
		return nil
	case time.Time:
		*v = timeValue{t: x, valid: true}
		return nil
	case []byte:
		return v.parse(string(x))
	case string:
		return v.parse(x)
	default:
		return fmt.Errorf("unsupported time value %T", src)
	}
}

func (v *timeValue) parse(s string) error {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			*v = timeValue{t: t, valid: true}
			return nil
		}
	}
	return fmt.Errorf("unrecognised time value %q", s)
}
