package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Expression-index vectors; must stay in sync with the migration that
// creates the GIN indexes.
const (
	procedureVector  = `to_tsvector('simple', coalesce(p.folio, '') || ' ' || coalesce(p.applicant_name, '') || ' ' || coalesce(p.procedure_type, ''))`
	resolutionVector = `to_tsvector('simple', coalesce(r.folio, '') || ' ' || coalesce(r.resolution_text, ''))`
)

// Search executes a UNION ALL query across procedures and resolutions
// using plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultProcedure {
		where := procedureVector + " @@ " + tsQuery
		if q.FilterMunicipalityID != "" {
			where += fmt.Sprintf(" AND p.municipality_id = $%d", argN)
			args = append(args, q.FilterMunicipalityID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'procedure'::text AS type, p.id, p.folio AS title,
				ts_headline('simple', coalesce(p.applicant_name, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.folio, p.municipality_id, p.status,
				ts_rank(%s, %s) AS rank
			FROM procedures p
			WHERE %s`, tsQuery, procedureVector, tsQuery, where))
	}

	if (q.FilterType == "" || q.FilterType == ResultResolution) && !q.IsCitizen {
		where := resolutionVector + " @@ " + tsQuery
		if q.FilterMunicipalityID != "" {
			where += fmt.Sprintf(" AND p.municipality_id = $%d", argN)
			args = append(args, q.FilterMunicipalityID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'resolution'::text AS type, r.id::text, r.folio AS title,
				ts_headline('simple', coalesce(r.resolution_text, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				r.folio, p.municipality_id, ''::text AS status,
				ts_rank(%s, %s) AS rank
			FROM dependency_resolutions r
			JOIN procedures p ON p.id = r.procedure_id
			WHERE %s`, tsQuery, resolutionVector, tsQuery, where))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, folio, municipality_id, status
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.Folio, &r.MunicipalityID, &r.Status); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ProcedureRecord, []ResolutionRecord, error) {
	procRows, err := p.db.QueryContext(ctx, `
		SELECT id, folio, applicant_name, procedure_type, municipality_id, status
		FROM procedures
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load procedures: %w", err)
	}
	defer procRows.Close()

	procedures := make([]ProcedureRecord, 0)
	for procRows.Next() {
		var rec ProcedureRecord
		if err := procRows.Scan(&rec.ID, &rec.Folio, &rec.ApplicantName, &rec.ProcedureType, &rec.MunicipalityID, &rec.Status); err != nil {
			return nil, nil, fmt.Errorf("scan procedure: %w", err)
		}
		procedures = append(procedures, rec)
	}
	if err := procRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate procedures: %w", err)
	}

	resRows, err := p.db.QueryContext(ctx, `
		SELECT r.id::text, r.folio, coalesce(r.resolution_text, ''), r.procedure_id, p.municipality_id, r.role
		FROM dependency_resolutions r
		JOIN procedures p ON p.id = r.procedure_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load resolutions: %w", err)
	}
	defer resRows.Close()

	resolutions := make([]ResolutionRecord, 0)
	for resRows.Next() {
		var rec ResolutionRecord
		if err := resRows.Scan(&rec.ID, &rec.Folio, &rec.Text, &rec.ProcedureID, &rec.MunicipalityID, &rec.Role); err != nil {
			return nil, nil, fmt.Errorf("scan resolution: %w", err)
		}
		resolutions = append(resolutions, rec)
	}
	if err := resRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate resolutions: %w", err)
	}

	return procedures, resolutions, nil
}
