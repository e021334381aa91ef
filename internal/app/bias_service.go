package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"datacuration/internal/bias"
	"datacuration/internal/lock"
	"datacuration/internal/model"
	"datacuration/internal/repository"
)

const snapshotPage = 1000

type BiasService struct {
	db      *gorm.DB
	reports *repository.BiasReportRepository
	locker  lock.Locker
	opts    bias.Options
}

func NewBiasService(db *gorm.DB, locker lock.Locker, opts bias.Options) *BiasService {
	return &BiasService{db: db, reports: repository.NewBiasReportRepository(db), locker: locker, opts: opts}
}

// Analyze computes fairness metrics over the dataset as it stands now and
// stores them as a new report. Existing reports are never touched.
func (s *BiasService) Analyze(ctx context.Context, datasetID uint, attributes []string) (*model.BiasReport, error) {
	attrs := normalizeAttributes(attributes)
	if len(attrs) == 0 {
		return nil, ErrInvalidInput
	}

	if err := s.checkIdle(ctx, datasetID); err != nil {
		return nil, err
	}

	asOf := time.Now()
	analyzer := bias.NewAnalyzer(attrs, s.opts)
	var versions []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		questions := repository.NewQuestionRepository(tx)
		var after uint
		for {
			page, err := questions.ListSnapshot(datasetID, asOf, after, snapshotPage)
			if err != nil {
				return err
			}
			for _, q := range page {
				analyzer.AddJSON(q.Metadata)
			}
			if len(page) < snapshotPage {
				break
			}
			after = page[len(page)-1].ID
		}
		var err error
		versions, err = repository.NewClassificationRepository(tx).ModelVersions(datasetID, asOf)
		return err
	}, snapshotTxOptions(s.db))
	if err != nil {
		return nil, fmt.Errorf("read dataset snapshot failed: %w", err)
	}

	result := analyzer.Result()
	metrics, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode bias metrics failed: %w", err)
	}
	attrJSON, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("encode protected attributes failed: %w", err)
	}

	report := &model.BiasReport{
		DatasetID:           datasetID,
		GeneratedAt:         time.Now(),
		AsOf:                asOf,
		ProtectedAttributes: datatypes.JSON(attrJSON),
		Metrics:             datatypes.JSON(metrics),
		ModelVersion:        strings.Join(versions, ","),
		SampleSize:          result.SampleSize,
	}
	if err := s.reports.Create(report); err != nil {
		return nil, err
	}
	log.Printf("bias: dataset=%d report=%d attributes=%v sample=%d", datasetID, report.ID, attrs, report.SampleSize)
	return report, nil
}

func (s *BiasService) checkIdle(ctx context.Context, datasetID uint) error {
	unlock, err := s.locker.Lock(ctx, fmt.Sprintf("dataset:%d", datasetID))
	if err != nil {
		return fmt.Errorf("acquire dataset lock failed: %w", err)
	}
	defer unlock()

	dataset, err := repository.NewDatasetRepository(s.db).GetByID(datasetID)
	if err != nil {
		return err
	}
	if dataset == nil {
		return ErrDatasetNotFound
	}
	if dataset.Status.InProgress() {
		return ErrDatasetBusy
	}
	return nil
}

func (s *BiasService) ListReports(datasetID uint) ([]model.BiasReport, error) {
	dataset, err := repository.NewDatasetRepository(s.db).GetByID(datasetID)
	if err != nil {
		return nil, err
	}
	if dataset == nil {
		return nil, ErrDatasetNotFound
	}
	return s.reports.ListByDatasetID(datasetID)
}

func (s *BiasService) GetReport(id uint) (*model.BiasReport, error) {
	report, err := s.reports.GetByID(id)
	if err != nil {
		return nil, err
	}
	if report == nil {
		return nil, ErrReportNotFound
	}
	return report, nil
}

func normalizeAttributes(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, a := range in {
		a = strings.TrimSpace(a)
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		out = append(out, a)
	}
	return out
}

// snapshotTxOptions asks for a read-only repeatable-read transaction where
// the driver supports it. SQLite transactions are serializable already.
func snapshotTxOptions(db *gorm.DB) *sql.TxOptions {
	if db.Dialector.Name() == "sqlite" {
		return nil
	}
	return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
}
