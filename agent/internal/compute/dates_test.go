package compute

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 15, 30, 0, 0, time.UTC)
}

func TestTargetDates_AnnualProperties(t *testing.T) {
	for ref := date(2019, 1, 1); ref.Year() < 2026; ref = ref.AddDate(0, 0, 1) {
		got := TargetDates(ref, RangeAnnual)
		if len(got) == 0 || len(got) > AnnualLookback {
			t.Fatalf("%s: %d dates", ref.Format("2006-01-02"), len(got))
		}
		for i, d := range got {
			if d.Day != ref.Day() || d.Month != ref.Month() {
				t.Fatalf("%s: date %s does not match day/month", ref.Format("2006-01-02"), d)
			}
			if !d.Valid() {
				t.Fatalf("%s: date %s does not exist", ref.Format("2006-01-02"), d)
			}
			if i > 0 && d.Year >= got[i-1].Year {
				t.Fatalf("%s: years not strictly decreasing at %d", ref.Format("2006-01-02"), i)
			}
		}
		if got[0] != DateOf(ref) {
			t.Fatalf("%s: first date = %s, want the reference date", ref.Format("2006-01-02"), got[0])
		}
	}
}

func TestTargetDates_MonthlyProperties(t *testing.T) {
	for ref := date(2019, 1, 1); ref.Year() < 2026; ref = ref.AddDate(0, 0, 1) {
		got := TargetDates(ref, RangeMonthly)
		if len(got) == 0 || len(got) > MonthlyLookback {
			t.Fatalf("%s: %d dates", ref.Format("2006-01-02"), len(got))
		}
		for i, d := range got {
			if d.Day != ref.Day() {
				t.Fatalf("%s: date %s does not match day", ref.Format("2006-01-02"), d)
			}
			if !d.Valid() {
				t.Fatalf("%s: date %s does not exist", ref.Format("2006-01-02"), d)
			}
			if i > 0 {
				prev := got[i-1]
				if d.Year*12+int(d.Month) >= prev.Year*12+int(prev.Month) {
					t.Fatalf("%s: (year, month) not strictly decreasing at %d", ref.Format("2006-01-02"), i)
				}
			}
		}
	}
}

func TestTargetDates_LeapDaySkipsNonLeapYears(t *testing.T) {
	got := TargetDates(date(2024, 2, 29), RangeAnnual)

	want := []Date{{2024, time.February, 29}, {2020, time.February, 29}, {2016, time.February, 29}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %s, want %s", i, got[i], want[i])
		}
	}
	for _, d := range got {
		switch d.Year {
		case 2023, 2022, 2021:
			t.Errorf("non-leap year %d included", d.Year)
		}
	}
}

func TestTargetDates_AnnualFullLookback(t *testing.T) {
	got := TargetDates(date(2024, 3, 15), RangeAnnual)
	if len(got) != AnnualLookback {
		t.Fatalf("len = %d, want %d", len(got), AnnualLookback)
	}
	if got[9] != (Date{2015, time.March, 15}) {
		t.Errorf("last = %s, want 2015-03-15", got[9])
	}
}

func TestTargetDates_MonthlyCrossesYearBoundary(t *testing.T) {
	got := TargetDates(date(2024, 3, 15), RangeMonthly)
	if len(got) != MonthlyLookback {
		t.Fatalf("len = %d, want %d", len(got), MonthlyLookback)
	}
	wantFirst := []Date{
		{2024, time.March, 15},
		{2024, time.February, 15},
		{2024, time.January, 15},
		{2023, time.December, 15},
	}
	for i, w := range wantFirst {
		if got[i] != w {
			t.Errorf("got[%d] = %s, want %s", i, got[i], w)
		}
	}
	if got[11] != (Date{2023, time.April, 15}) {
		t.Errorf("last = %s, want 2023-04-15", got[11])
	}
}

func TestTargetDates_MonthlySkipsShortMonths(t *testing.T) {
	// From 2024-07-31 the prior 11 months include Jun, Apr, Feb, Nov and Sep,
	// none of which has a 31st.
	got := TargetDates(date(2024, 7, 31), RangeMonthly)
	want := []Date{
		{2024, time.July, 31},
		{2024, time.May, 31},
		{2024, time.March, 31},
		{2024, time.January, 31},
		{2023, time.December, 31},
		{2023, time.October, 31},
		{2023, time.August, 31},
	}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestTargetDates_UnknownRange(t *testing.T) {
	if got := TargetDates(date(2024, 3, 15), HistoricRange("weekly")); got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

func TestTargetDates_Deterministic(t *testing.T) {
	ref := date(2023, 10, 30)
	a := TargetDates(ref, RangeMonthly)
	b := TargetDates(ref, RangeMonthly)
	if len(a) != len(b) {
		t.Fatal("lengths differ")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("index %d differs: %s vs %s", i, a[i], b[i])
		}
	}
}

func TestDate_Window(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Rome")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// Clocks go forward on 2024-03-31 in Rome.
	d := Date{2024, time.March, 31}
	start, end := d.Start(loc), d.End(loc)
	if start.Hour() != 0 || end.Hour() != 0 {
		t.Errorf("window not midnight-aligned: %v – %v", start, end)
	}
	if got := end.Sub(start); got != 23*time.Hour {
		t.Errorf("DST day length = %v, want 23h", got)
	}
	if DateOf(end) != (Date{2024, time.April, 1}) {
		t.Errorf("end date = %s", DateOf(end))
	}
}

func TestDate_String(t *testing.T) {
	if got := (Date{2020, time.February, 9}).String(); got != "2020-02-09" {
		t.Errorf("String() = %q", got)
	}
}
