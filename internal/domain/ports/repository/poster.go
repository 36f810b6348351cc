package repository

import (
	"context"

	"citymap-poster-service/internal/domain/model"
)

type PosterRepository interface {
	Save(ctx context.Context, tx Tx, poster *model.Poster) error
	FindByID(ctx context.Context, tx Tx, id string) (*model.Poster, error)
	FindByJobID(ctx context.Context, tx Tx, jobID string) (*model.Poster, error)
	ListBySession(ctx context.Context, tx Tx, sessionID string, offset, limit int) ([]*model.Poster, error)
	TouchAccess(ctx context.Context, tx Tx, id string, download bool) error
}
