package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// statisticsMeta is one row of the statistics_meta table: the identity and
// unit of a recorded series.
type statisticsMeta struct {
	ID                uint           `gorm:"column:id;primaryKey"`
	StatisticID       string         `gorm:"column:statistic_id"`
	UnitOfMeasurement sql.NullString `gorm:"column:unit_of_measurement"`
}

func (statisticsMeta) TableName() string { return "statistics_meta" }

// statisticsRow is one hourly row of the statistics table.
type statisticsRow struct {
	MetadataID uint            `gorm:"column:metadata_id"`
	StartTS    float64         `gorm:"column:start_ts"`
	Mean       sql.NullFloat64 `gorm:"column:mean"`
	Min        sql.NullFloat64 `gorm:"column:min"`
	Max        sql.NullFloat64 `gorm:"column:max"`
	State      sql.NullFloat64 `gorm:"column:state"`
}

func (statisticsRow) TableName() string { return "statistics" }

// Recorder reads hourly long-term statistics from a recorder database laid out
// as a statistics table keyed by metadata_id and a statistics_meta table
// mapping statistic_id to that key.
type Recorder struct {
	db  *gorm.DB
	now func() time.Time
}

// NewRecorder opens a PostgreSQL recorder database.
func NewRecorder(dsn string) (*Recorder, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("history: open recorder: %w", err)
	}
	return NewRecorderFromDB(db), nil
}

// NewRecorderFromDB wraps an existing gorm handle.
func NewRecorderFromDB(db *gorm.DB) *Recorder {
	return &Recorder{db: db, now: time.Now}
}

// FetchRange returns rows whose start lies in [q.Start, q.End), oldest first.
func (r *Recorder) FetchRange(ctx context.Context, q RangeQuery) ([]RawSample, error) {
	var rows []statisticsRow
	err := r.series(ctx, q.SourceID).
		Where("statistics.start_ts >= ? AND statistics.start_ts < ?", unixSeconds(q.Start), unixSeconds(q.End)).
		Order("statistics.start_ts ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("history: recorder range %q: %w", q.SourceID, err)
	}

	out := make([]RawSample, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.sample(q.Types))
	}
	return out, nil
}

// FetchLast returns the q.Count newest rows, oldest first. Without
// IncludeCurrentPeriod the row for the hour in progress is excluded.
func (r *Recorder) FetchLast(ctx context.Context, q LastQuery) ([]RawSample, error) {
	if q.Count <= 0 {
		return nil, nil
	}
	tx := r.series(ctx, q.SourceID)
	if !q.IncludeCurrentPeriod {
		tx = tx.Where("statistics.start_ts < ?", unixSeconds(r.now().Truncate(time.Hour)))
	}

	var rows []statisticsRow
	err := tx.Order("statistics.start_ts DESC").Limit(q.Count).Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("history: recorder last %q: %w", q.SourceID, err)
	}

	out := make([]RawSample, len(rows))
	for i, row := range rows {
		out[len(rows)-1-i] = row.sample(AllStats)
	}
	return out, nil
}

// Unit returns the unit_of_measurement stored for the series.
func (r *Recorder) Unit(ctx context.Context, sourceID string) (string, error) {
	var meta statisticsMeta
	err := r.db.WithContext(ctx).Where("statistic_id = ?", sourceID).First(&meta).Error
	if err != nil {
		return "", fmt.Errorf("history: recorder meta %q: %w", sourceID, err)
	}
	return meta.UnitOfMeasurement.String, nil
}

// Validate checks that the series is known and that its newest row carries a
// numeric state or mean. PostgreSQL float8 columns may hold NaN, which is
// reported separately from NULL.
func (r *Recorder) Validate(ctx context.Context, sourceID string) error {
	samples, err := r.FetchLast(ctx, LastQuery{SourceID: sourceID, Count: 1, IncludeCurrentPeriod: true})
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		var meta statisticsMeta
		err := r.db.WithContext(ctx).Where("statistic_id = ?", sourceID).First(&meta).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("history: %q: series not found", sourceID)
		}
		return fmt.Errorf("history: %q: no statistics recorded", sourceID)
	}
	s := samples[0]
	if !s.State.Present() && !s.Mean.Present() {
		return fmt.Errorf("history: %q: latest statistics have no state or mean", sourceID)
	}
	if _, ok := s.State.Float(); ok {
		return nil
	}
	if _, ok := s.Mean.Float(); ok {
		return nil
	}
	return fmt.Errorf("history: %q: latest statistics are not numeric", sourceID)
}

// series scopes a query to the statistics rows of one statistic_id.
func (r *Recorder) series(ctx context.Context, sourceID string) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&statisticsRow{}).
		Select("statistics.metadata_id, statistics.start_ts, statistics.mean, statistics.min, statistics.max, statistics.state").
		Joins("JOIN statistics_meta ON statistics_meta.id = statistics.metadata_id").
		Where("statistics_meta.statistic_id = ?", sourceID)
}

// sample converts a row, keeping only the requested columns. NULL columns are
// absent.
func (row statisticsRow) sample(types []StatType) RawSample {
	s := RawSample{Start: fromUnixSeconds(row.StartTS)}
	cols := map[StatType]sql.NullFloat64{
		StatMean:  row.Mean,
		StatMin:   row.Min,
		StatMax:   row.Max,
		StatState: row.State,
	}
	for t, col := range cols {
		if col.Valid && wantsType(types, t) {
			s.set(t, Number(col.Float64))
		}
	}
	return s
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func fromUnixSeconds(ts float64) time.Time {
	return time.Unix(0, int64(ts*float64(time.Second))).UTC()
}

// Close releases the database connection pool.
func (r *Recorder) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("history: recorder pool: %w", err)
	}
	return sqlDB.Close()
}
