package utils

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestDayRangeUTCBounds(t *testing.T) {
	day := time.Date(2024, 3, 1, 15, 30, 45, 0, time.UTC)
	start, end := DayRangeUTC(day)

	wantStart := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2024, 3, 1, 23, 59, 59, 999_000_000, time.UTC)
	if !start.Equal(wantStart) {
		t.Errorf("start = %v, want %v", start, wantStart)
	}
	if !end.Equal(wantEnd) {
		t.Errorf("end = %v, want %v", end, wantEnd)
	}
}

func TestDayRangeUTCBoundaryInstants(t *testing.T) {
	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	start, end := DayRangeUTC(day)

	// 2024-03-01T23:59:59.999Z sits inside the inclusive range.
	lastMs := time.Date(2024, 3, 1, 23, 59, 59, 999_000_000, time.UTC)
	if lastMs.Before(start) || lastMs.After(end) {
		t.Errorf("%v should be inside [%v, %v]", lastMs, start, end)
	}

	// Midnight of the next day is outside.
	nextMidnight := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	if !nextMidnight.After(end) {
		t.Errorf("%v should be after %v", nextMidnight, end)
	}
}

func TestDayRangeUTCNormalizesZone(t *testing.T) {
	yangon := time.FixedZone("MMT", 6*3600+1800)
	// 02:00 on March 2 in Yangon is still March 1 in UTC.
	local := time.Date(2024, 3, 2, 2, 0, 0, 0, yangon)
	start, _ := DayRangeUTC(local)

	want := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	if !start.Equal(want) {
		t.Errorf("start = %v, want %v", start, want)
	}
}

func TestParseDayUTC(t *testing.T) {
	day, err := ParseDayUTC("2024-03-01")
	if err != nil {
		t.Fatalf("ParseDayUTC: %v", err)
	}
	if !day.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("day = %v", day)
	}
	if _, err := ParseDayUTC("01/03/2024"); err == nil {
		t.Error("expected error for non-ISO date")
	}
	if _, err := ParseDayUTC(""); err == nil {
		t.Error("expected error for empty date")
	}
}

func TestParseDecimal(t *testing.T) {
	d, err := ParseDecimal("10.5")
	if err != nil || !d.Equal(decimal.NewFromFloat(10.5)) {
		t.Fatalf("ParseDecimal(10.5) = %s, %v", d, err)
	}
	d, err = ParseDecimal("")
	if err != nil || !d.IsZero() {
		t.Fatalf("ParseDecimal(\"\") = %s, %v", d, err)
	}
	if _, err := ParseDecimal("abc"); err == nil {
		t.Fatal("expected error for non-numeric input")
	}
}

func TestHashAndCompareSecret(t *testing.T) {
	hash, err := HashSecret("1234")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	if string(hash) == "1234" {
		t.Fatal("hash must not equal plaintext")
	}
	if err := CompareSecret(string(hash), "1234"); err != nil {
		t.Fatalf("correct secret should match: %v", err)
	}
	if err := CompareSecret(string(hash), "4321"); err == nil {
		t.Fatal("wrong secret must not match")
	}
}
