package schema

import (
	"encoding/json"
	"testing"
	"time"
)

func TestDate_Arithmetic(t *testing.T) {
	d := MustDate("2024-01-31")

	if got := d.AddDays(1); got != MustDate("2024-02-01") {
		t.Errorf("AddDays(1) = %v", got)
	}
	if got := d.AddMonths(1); got != MustDate("2024-02-01") {
		t.Errorf("AddMonths(1) = %v, want first of next month", got)
	}
	if got := d.AddMonths(-2); got != MustDate("2023-11-01") {
		t.Errorf("AddMonths(-2) = %v", got)
	}
	if got := MustDate("2024-03-01").DaysSince(MustDate("2024-02-01")); got != 29 {
		t.Errorf("DaysSince() = %d, want 29 in a leap year", got)
	}
	if d.Weekday() != time.Wednesday {
		t.Errorf("Weekday() = %v", d.Weekday())
	}
	if DaysIn(2023, time.February) != 28 || DaysIn(2024, time.February) != 29 {
		t.Error("DaysIn() wrong for February")
	}
}

func TestDate_Compare(t *testing.T) {
	a, b := MustDate("2024-01-09"), MustDate("2024-01-10")
	if !a.Before(b) || a.After(b) || a.Compare(a) != 0 {
		t.Error("Compare ordering broken")
	}
	if !a.Within(a, b) || b.Within(MustDate("2024-01-01"), a) {
		t.Error("Within() bounds are inclusive")
	}
}

func TestDate_Encoding(t *testing.T) {
	type wrap struct {
		D Date  `json:"d"`
		P *Date `json:"p,omitempty"`
	}
	data, err := json.Marshal(wrap{D: MustDate("2024-07-04")})
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}
	if string(data) != `{"d":"2024-07-04"}` {
		t.Errorf("Marshal() = %s", data)
	}

	var back wrap
	if err := json.Unmarshal([]byte(`{"d":"2024-07-04","p":"2025-01-01"}`), &back); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if back.D != MustDate("2024-07-04") || back.P == nil || *back.P != MustDate("2025-01-01") {
		t.Errorf("Unmarshal() = %+v", back)
	}

	if err := json.Unmarshal([]byte(`{"d":"07/04/2024"}`), &back); err == nil {
		t.Error("Unmarshal() accepted a non ISO date")
	}

	var scanned Date
	if err := scanned.Scan("2024-12-25"); err != nil || scanned != MustDate("2024-12-25") {
		t.Errorf("Scan() = %v, %v", scanned, err)
	}
	if err := scanned.Scan(42); err == nil {
		t.Error("Scan() accepted an int")
	}
}

func TestClock(t *testing.T) {
	c, err := ParseClock("09:30")
	if err != nil {
		t.Fatalf("ParseClock() failed: %v", err)
	}
	if c.Hour() != 9 || c.Minute() != 30 || c.String() != "09:30" {
		t.Errorf("ParseClock() = %v", c)
	}
	at := MustDate("2024-01-01").At(c, time.UTC)
	if !at.Equal(time.Date(2024, 1, 1, 9, 30, 0, 0, time.UTC)) {
		t.Errorf("At() = %v", at)
	}
	if _, err := ParseClock("25:00"); err == nil {
		t.Error("ParseClock() accepted 25:00")
	}
	if Clock(24 * 60).Valid() {
		t.Error("24:00 should not be a valid clock")
	}
}
