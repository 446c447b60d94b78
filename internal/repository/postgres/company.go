package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/obligohq/notifier/internal/repository"
)

type companyRepository struct {
	BaseRepository
}

func NewCompanyRepository(base BaseRepository) repository.CompanyRepository {
	return &companyRepository{base}
}

func (r *companyRepository) GetName(ctx context.Context, id uuid.UUID) (string, error) {
	query := `
		SELECT name
		FROM companies
		WHERE id = $1
	`
	var name string
	err := r.db.GetContext(ctx, &name, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", repository.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get company name: %w", err)
	}
	return name, nil
}
