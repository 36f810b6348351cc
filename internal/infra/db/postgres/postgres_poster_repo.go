package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"citymap-poster-service/internal/domain"
	"citymap-poster-service/internal/domain/model"
	"citymap-poster-service/internal/domain/ports/repository"
)

var _ repository.PosterRepository = (*posterRepo)(nil)

type posterRepo struct {
	pool *pgxpool.Pool
}

func NewPosterRepo(pool *pgxpool.Pool) *posterRepo {
	return &posterRepo{pool: pool}
}

const posterColumns = `id, job_id, city, country, theme, distance, latitude, longitude,
filename, file_path, file_size, width, height,
page_format, orientation, dpi, width_inches, height_inches,
thumbnail_path, session_id, created_at, accessed_at, download_count`

func (r *posterRepo) Save(ctx context.Context, tx repository.Tx, p *model.Poster) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := execSQL(ctx, r.pool, tx, `
INSERT INTO posters (`+posterColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
`, p.ID, p.JobID, p.City, p.Country, p.Theme, p.Distance, p.Latitude, p.Longitude,
		p.Filename, p.FilePath, p.FileSize, p.Width, p.Height,
		p.PageFormat, p.Orientation, p.DPI, p.WidthInches, p.HeightInches,
		p.ThumbnailPath, p.SessionID, p.CreatedAt, nullTime(p.AccessedAt), p.DownloadCount)
	return err
}

func (r *posterRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Poster, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+posterColumns+` FROM posters WHERE id=$1`, id)
	if err != nil {
		return nil, err
	}
	return scanPoster(row)
}

func (r *posterRepo) FindByJobID(ctx context.Context, tx repository.Tx, jobID string) (*model.Poster, error) {
	row, err := pickRow(ctx, r.pool, tx, `SELECT `+posterColumns+` FROM posters WHERE job_id=$1`, jobID)
	if err != nil {
		return nil, err
	}
	return scanPoster(row)
}

func (r *posterRepo) ListBySession(ctx context.Context, tx repository.Tx, sessionID string, offset, limit int) ([]*model.Poster, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := querySQL(ctx, r.pool, tx, `
SELECT `+posterColumns+` FROM posters WHERE session_id=$1 ORDER BY created_at DESC OFFSET $2 LIMIT $3
`, sessionID, offset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Poster
	for rows.Next() {
		p, err := scanPoster(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// TouchAccess records a view, or a download when download is true.
func (r *posterRepo) TouchAccess(ctx context.Context, tx repository.Tx, id string, download bool) error {
	q := `UPDATE posters SET accessed_at = $2 WHERE id = $1`
	if download {
		q = `UPDATE posters SET accessed_at = $2, download_count = download_count + 1 WHERE id = $1`
	}
	tag, err := execSQL(ctx, r.pool, tx, q, id, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func scanPoster(row pgx.Row) (*model.Poster, error) {
	var p model.Poster
	var accessedAt *time.Time
	err := row.Scan(
		&p.ID, &p.JobID, &p.City, &p.Country, &p.Theme, &p.Distance, &p.Latitude, &p.Longitude,
		&p.Filename, &p.FilePath, &p.FileSize, &p.Width, &p.Height,
		&p.PageFormat, &p.Orientation, &p.DPI, &p.WidthInches, &p.HeightInches,
		&p.ThumbnailPath, &p.SessionID, &p.CreatedAt, &accessedAt, &p.DownloadCount,
	)
	if err != nil {
		return nil, err
	}
	p.AccessedAt = deref(accessedAt)
	return &p, nil
}
