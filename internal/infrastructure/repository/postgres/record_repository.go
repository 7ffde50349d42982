package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/patient-record-assistant/internal/core/domain"
)

// RecordRepository reads a patient's records. Every query is scoped by patient_id.
type RecordRepository struct {
	db *sql.DB
}

func NewRecordRepository(db *sql.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

func (r *RecordRepository) SearchKeyword(
	ctx context.Context,
	patientID int64,
	keywords []string,
	filter domain.RecordFilter,
	limit int,
) ([]domain.RetrievalCandidate, error) {
	keywords = nonEmpty(keywords)
	if len(keywords) == 0 || limit <= 0 {
		return nil, nil
	}

	q := newQueryBuilder(patientID)
	q.where("(" + q.ilikeAny("content", keywords) + ")")
	if sourceTypes := concreteSources(filter.SourceTypes); len(sourceTypes) > 0 {
		q.where("source_type IN (" + q.placeholders(sourceTypes) + ")")
	}
	if filter.DateFrom != nil {
		q.where("context_date >= " + q.arg(*filter.DateFrom))
	}
	if filter.DateTo != nil {
		q.where("context_date <= " + q.arg(*filter.DateTo))
	}

	query := `
SELECT id, source_type, source_id, content, chunk_index, page_number, context_date
FROM record_chunks
WHERE ` + q.clause() + `
ORDER BY context_date DESC NULLS LAST, chunk_index ASC
LIMIT ` + q.arg(limit)

	rows, err := r.db.QueryContext(ctx, query, q.args...)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	out := make([]domain.RetrievalCandidate, 0, limit)
	for rows.Next() {
		var (
			c          domain.RetrievalCandidate
			sourceType string
			page       sql.NullInt64
			date       sql.NullTime
		)
		if err := rows.Scan(&c.ID, &sourceType, &c.SourceID, &c.Content, &c.ChunkIndex, &page, &date); err != nil {
			return nil, fmt.Errorf("scan keyword row: %w", err)
		}
		c.SourceType = domain.SourceType(sourceType)
		c.PatientID = patientID
		if page.Valid {
			p := int(page.Int64)
			c.PageNumber = &p
		}
		c.ContextDate = nullTime(date)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keyword rows: %w", err)
	}
	return out, nil
}

// LookupStructured returns the newest lab or medication rows whose name
// matches any of names; with no names it returns the newest rows of the kind.
func (r *RecordRepository) LookupStructured(
	ctx context.Context,
	patientID int64,
	kind domain.SourceType,
	names []string,
	limit int,
) ([]domain.StructuredRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	switch kind {
	case domain.SourceLabResult:
		return r.lookupLabs(ctx, patientID, nonEmpty(names), limit)
	case domain.SourceMedication:
		return r.lookupMedications(ctx, patientID, nonEmpty(names), limit)
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, "lookup structured", fmt.Errorf("unsupported kind %q", kind))
	}
}

func (r *RecordRepository) lookupLabs(ctx context.Context, patientID int64, names []string, limit int) ([]domain.StructuredRecord, error) {
	q := newQueryBuilder(patientID)
	if len(names) > 0 {
		q.where("(" + q.ilikeAny("test_name", names) + ")")
	}
	query := `
SELECT id, test_name, value, COALESCE(unit, ''), COALESCE(status, ''), result_date
FROM lab_results
WHERE ` + q.clause() + `
ORDER BY result_date DESC NULLS LAST, id ASC
LIMIT ` + q.arg(limit)

	rows, err := r.db.QueryContext(ctx, query, q.args...)
	if err != nil {
		return nil, fmt.Errorf("lookup lab results: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StructuredRecord, 0, limit)
	for rows.Next() {
		rec := domain.StructuredRecord{Kind: domain.SourceLabResult}
		var date sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Value, &rec.Unit, &rec.Status, &date); err != nil {
			return nil, fmt.Errorf("scan lab result: %w", err)
		}
		rec.Date = nullTime(date)
		rec.Line = labLine(rec)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate lab results: %w", err)
	}
	return out, nil
}

func (r *RecordRepository) lookupMedications(ctx context.Context, patientID int64, names []string, limit int) ([]domain.StructuredRecord, error) {
	q := newQueryBuilder(patientID)
	if len(names) > 0 {
		q.where("(" + q.ilikeAny("name", names) + ")")
	}
	query := `
SELECT id, name, COALESCE(dosage, ''), COALESCE(frequency, ''), COALESCE(status, ''), start_date
FROM medications
WHERE ` + q.clause() + `
ORDER BY start_date DESC NULLS LAST, id ASC
LIMIT ` + q.arg(limit)

	rows, err := r.db.QueryContext(ctx, query, q.args...)
	if err != nil {
		return nil, fmt.Errorf("lookup medications: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StructuredRecord, 0, limit)
	for rows.Next() {
		rec := domain.StructuredRecord{Kind: domain.SourceMedication}
		var (
			frequency string
			date      sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.Name, &rec.Value, &frequency, &rec.Status, &date); err != nil {
			return nil, fmt.Errorf("scan medication: %w", err)
		}
		rec.Date = nullTime(date)
		rec.Line = medicationLine(rec, frequency)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate medications: %w", err)
	}
	return out, nil
}

// LatestDocument returns nil, nil when the patient has no documents.
func (r *RecordRepository) LatestDocument(ctx context.Context, patientID int64) (*domain.PatientDocument, error) {
	row := r.db.QueryRowContext(ctx, `
SELECT id, patient_id, filename, status, COALESCE(extracted_text, ''), document_date, created_at
FROM patient_documents
WHERE patient_id = $1
ORDER BY COALESCE(document_date::timestamptz, created_at) DESC, created_at DESC
LIMIT 1
`, patientID)

	var (
		doc    domain.PatientDocument
		status string
		date   sql.NullTime
	)
	err := row.Scan(&doc.ID, &doc.PatientID, &doc.Filename, &status, &doc.ExtractedText, &date, &doc.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest document: %w", err)
	}
	doc.Status = domain.DocumentStatus(status)
	doc.DocumentDate = nullTime(date)
	return &doc, nil
}

func labLine(rec domain.StructuredRecord) string {
	line := rec.Name + ": " + strings.TrimSpace(rec.Value+" "+rec.Unit)
	if rec.Date != nil {
		line += " (" + rec.Date.Format("2006-01-02") + ")"
	}
	return line
}

func medicationLine(rec domain.StructuredRecord, frequency string) string {
	line := rec.Name
	if dose := strings.TrimSpace(rec.Value + " " + frequency); dose != "" {
		line += ": " + dose
	}
	if rec.Status != "" {
		line += " - " + rec.Status
	}
	return line
}

// queryBuilder numbers placeholders; $1 is always the patient id.
type queryBuilder struct {
	conds []string
	args  []any
}

func newQueryBuilder(patientID int64) *queryBuilder {
	return &queryBuilder{
		conds: []string{"patient_id = $1"},
		args:  []any{patientID},
	}
}

func (q *queryBuilder) arg(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

func (q *queryBuilder) where(cond string) {
	q.conds = append(q.conds, cond)
}

func (q *queryBuilder) clause() string {
	return strings.Join(q.conds, " AND ")
}

func (q *queryBuilder) placeholders(values []string) string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		out = append(out, q.arg(v))
	}
	return strings.Join(out, ", ")
}

func (q *queryBuilder) ilikeAny(column string, terms []string) string {
	out := make([]string, 0, len(terms))
	for _, term := range terms {
		out = append(out, column+" ILIKE "+q.arg("%"+escapeLike(term)+"%"))
	}
	return strings.Join(out, " OR ")
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(term string) string {
	return likeEscaper.Replace(term)
}

func concreteSources(sources []domain.SourceType) []string {
	out := make([]string, 0, len(sources))
	for _, s := range sources {
		if s == "" || s == domain.SourceAll {
			continue
		}
		out = append(out, string(s))
	}
	return out
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}
