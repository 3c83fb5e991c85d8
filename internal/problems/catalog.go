package problems

import (
	"context"

	"gorm.io/gorm"
)

// catalogEntry indexes which problem ids exist without touching disk,
// grounded on the gorm.DB-as-repo-handle pattern other worker pools in
// the pack use for their job/run tables.
type catalogEntry struct {
	ProblemID     string `gorm:"column:problem_id;primaryKey"`
	RequiresTorch bool   `gorm:"column:requires_torch"`
}

func (catalogEntry) TableName() string { return "problem_catalog" }

// Catalog is an optional fast-reject index: a submission service wired
// with one can reject an unknown problem id before ever touching the
// filesystem or the optional remote mirror. Absent a Catalog, Load's own
// path-traversal and not-exist checks are the only gate.
type Catalog struct {
	db *gorm.DB
}

func NewCatalog(db *gorm.DB) *Catalog {
	return &Catalog{db: db}
}

// Exists reports whether problemID is indexed. A false negative (a
// problem present on disk but not yet indexed) only costs a disk read on
// the Load that follows — the catalog is a precheck, not a source of
// truth.
func (c *Catalog) Exists(ctx context.Context, problemID string) (bool, error) {
	var count int64
	err := c.db.WithContext(ctx).Model(&catalogEntry{}).
		Where("problem_id = ?", problemID).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Upsert indexes problemID, called by the out-of-scope content pipeline
// whenever it publishes or republishes a problem.
func (c *Catalog) Upsert(ctx context.Context, problemID string, requiresTorch bool) error {
	entry := catalogEntry{ProblemID: problemID, RequiresTorch: requiresTorch}
	return c.db.WithContext(ctx).Save(&entry).Error
}
