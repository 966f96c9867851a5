package history

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestStatisticsRow_Sample(t *testing.T) {
	start := time.Date(2023, 3, 15, 10, 0, 0, 0, time.UTC)
	row := statisticsRow{
		StartTS: float64(start.Unix()),
		Mean:    sql.NullFloat64{Float64: 12.5, Valid: true},
		Min:     sql.NullFloat64{Float64: 10, Valid: true},
		Max:     sql.NullFloat64{},
		State:   sql.NullFloat64{Float64: 13, Valid: true},
	}

	s := row.sample(AllStats)
	if !s.Start.Equal(start) {
		t.Errorf("Start = %v, want %v", s.Start, start)
	}
	if v, ok := s.Mean.Float(); !ok || v != 12.5 {
		t.Errorf("Mean = %v, %v", v, ok)
	}
	if v, ok := s.Min.Float(); !ok || v != 10 {
		t.Errorf("Min = %v, %v", v, ok)
	}
	if s.Max.Present() {
		t.Error("NULL max should be absent")
	}
	if v, ok := s.State.Float(); !ok || v != 13 {
		t.Errorf("State = %v, %v", v, ok)
	}
}

func TestStatisticsRow_Sample_OnlyRequestedTypes(t *testing.T) {
	row := statisticsRow{
		Mean:  sql.NullFloat64{Float64: 1, Valid: true},
		State: sql.NullFloat64{Float64: 2, Valid: true},
	}
	s := row.sample([]StatType{StatState})
	if s.Mean.Present() {
		t.Error("mean was not requested and should be absent")
	}
	if !s.State.Present() {
		t.Error("state was requested and should be present")
	}
}

func TestUnixSecondsRoundTrip(t *testing.T) {
	ts := time.Date(2020, 2, 29, 0, 0, 0, 0, time.UTC)
	if got := fromUnixSeconds(unixSeconds(ts)); !got.Equal(ts) {
		t.Errorf("round trip = %v, want %v", got, ts)
	}
}

func TestRecorderTableNames(t *testing.T) {
	if (statisticsRow{}).TableName() != "statistics" {
		t.Error("statisticsRow table name")
	}
	if (statisticsMeta{}).TableName() != "statistics_meta" {
		t.Error("statisticsMeta table name")
	}
}

var recorderDay = time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

func hourOf(h int) time.Time { return recorderDay.Add(time.Duration(h) * time.Hour) }

// openRecorder seeds a sqlite recorder database with:
//
//	sensor.energy  kWh  state = hour, mean = hour+0.5 for hours 0..4
//	sensor.temp    -    state = 100+hour for hours 0..4
//	sensor.idle    -    no rows
//	sensor.blank   -    one row at hour 0 with only min set
func openRecorder(t *testing.T) *Recorder {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "recorder.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&statisticsMeta{}, &statisticsRow{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	metas := []statisticsMeta{
		{ID: 1, StatisticID: "sensor.energy", UnitOfMeasurement: sql.NullString{String: "kWh", Valid: true}},
		{ID: 2, StatisticID: "sensor.temp"},
		{ID: 3, StatisticID: "sensor.idle"},
		{ID: 4, StatisticID: "sensor.blank"},
	}
	if err := db.Create(&metas).Error; err != nil {
		t.Fatalf("seed meta: %v", err)
	}

	var rows []statisticsRow
	for h := 0; h < 5; h++ {
		ts := unixSeconds(hourOf(h))
		rows = append(rows,
			statisticsRow{
				MetadataID: 1,
				StartTS:    ts,
				State:      sql.NullFloat64{Float64: float64(h), Valid: true},
				Mean:       sql.NullFloat64{Float64: float64(h) + 0.5, Valid: true},
			},
			statisticsRow{
				MetadataID: 2,
				StartTS:    ts,
				State:      sql.NullFloat64{Float64: float64(100 + h), Valid: true},
			},
		)
	}
	rows = append(rows, statisticsRow{
		MetadataID: 4,
		StartTS:    unixSeconds(hourOf(0)),
		Min:        sql.NullFloat64{Float64: 1, Valid: true},
	})
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("seed statistics: %v", err)
	}

	r := NewRecorderFromDB(db)
	r.now = func() time.Time { return hourOf(4).Add(30 * time.Minute) }
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func states(t *testing.T, samples []RawSample) []float64 {
	t.Helper()
	out := make([]float64, 0, len(samples))
	for _, s := range samples {
		v, ok := s.State.Float()
		if !ok {
			t.Fatalf("sample at %v has no numeric state", s.Start)
		}
		out = append(out, v)
	}
	return out
}

func equalFloats(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestRecorder_FetchRangeIsHalfOpen(t *testing.T) {
	r := openRecorder(t)

	got, err := r.FetchRange(context.Background(), RangeQuery{
		SourceID: "sensor.energy",
		Start:    hourOf(1),
		End:      hourOf(3),
		Types:    []StatType{StatState},
	})
	if err != nil {
		t.Fatalf("FetchRange: %v", err)
	}
	if s := states(t, got); !equalFloats(s, []float64{1, 2}) {
		t.Errorf("states = %v, want [1 2]", s)
	}
	if !got[0].Start.Equal(hourOf(1)) {
		t.Errorf("first start = %v, want %v", got[0].Start, hourOf(1))
	}
	for _, s := range got {
		if s.Mean.Present() {
			t.Error("mean was not requested and should be absent")
		}
	}
}

func TestRecorder_FetchRangeUnknownSeries(t *testing.T) {
	r := openRecorder(t)
	got, err := r.FetchRange(context.Background(), RangeQuery{
		SourceID: "sensor.missing",
		Start:    hourOf(0),
		End:      hourOf(24),
	})
	if err != nil {
		t.Fatalf("FetchRange: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d samples for unknown series", len(got))
	}
}

func TestRecorder_FetchLast(t *testing.T) {
	tests := []struct {
		name    string
		count   int
		current bool
		want    []float64
	}{
		{"newest two oldest first", 2, true, []float64{3, 4}},
		{"current hour excluded", 2, false, []float64{2, 3}},
		{"count above rows", 10, true, []float64{0, 1, 2, 3, 4}},
		{"zero count", 0, true, nil},
	}
	r := openRecorder(t)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.FetchLast(context.Background(), LastQuery{
				SourceID:             "sensor.energy",
				Count:                tc.count,
				IncludeCurrentPeriod: tc.current,
			})
			if err != nil {
				t.Fatalf("FetchLast: %v", err)
			}
			if s := states(t, got); !equalFloats(s, tc.want) {
				t.Errorf("states = %v, want %v", s, tc.want)
			}
		})
	}
}

func TestRecorder_FetchLastKeepsAllColumns(t *testing.T) {
	r := openRecorder(t)
	got, err := r.FetchLast(context.Background(), LastQuery{SourceID: "sensor.energy", Count: 1, IncludeCurrentPeriod: true})
	if err != nil {
		t.Fatalf("FetchLast: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d samples, want 1", len(got))
	}
	if v, ok := got[0].Mean.Float(); !ok || v != 4.5 {
		t.Errorf("mean = %v, %v; want 4.5", v, ok)
	}
	if got[0].Min.Present() {
		t.Error("NULL min should be absent")
	}
}

func TestRecorder_Unit(t *testing.T) {
	r := openRecorder(t)
	ctx := context.Background()

	if u, err := r.Unit(ctx, "sensor.energy"); err != nil || u != "kWh" {
		t.Errorf("Unit(energy) = %q, %v; want kWh", u, err)
	}
	if u, err := r.Unit(ctx, "sensor.temp"); err != nil || u != "" {
		t.Errorf("Unit(temp) = %q, %v; want empty", u, err)
	}
	if _, err := r.Unit(ctx, "sensor.missing"); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("Unit(missing) err = %v, want record not found", err)
	}
}

func TestRecorder_Validate(t *testing.T) {
	tests := []struct {
		source string
		want   string
	}{
		{"sensor.energy", ""},
		{"sensor.missing", "series not found"},
		{"sensor.idle", "no statistics recorded"},
		{"sensor.blank", "no state or mean"},
	}
	r := openRecorder(t)
	for _, tc := range tests {
		t.Run(tc.source, func(t *testing.T) {
			err := r.Validate(context.Background(), tc.source)
			if tc.want == "" {
				if err != nil {
					t.Errorf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate err = %v, want %q", err, tc.want)
			}
		})
	}
}
