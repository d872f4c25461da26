package astm

import (
	"encoding/json"
	"fmt"
	"time"
)

// Result is the structured aggregate built from one message. Nil fields were
// absent from the input; a non-nil empty string was present but empty.
type Result struct {
	PatientID         *string `json:"patient_id"`
	PatientLastName   *string `json:"patient_lastname"`
	PatientFirstName  *string `json:"patient_firstname"`
	PatientMiddleName *string `json:"patient_middle"`
	PatientSex        *string `json:"patient_sex"`
	PatientDOB        *Date   `json:"patient_dob"`
	PatientAge        *int    `json:"patient_age"`
	Physician         *string `json:"physician"`

	SampleID      *string `json:"sample_id"`
	OrderPriority *string `json:"order_priority"`

	TestCode     *string `json:"test_code"`
	ResultValue  *string `json:"result_value"`
	ResultUnits  *string `json:"result_units"`
	ResultStatus *string `json:"result_status"`
}

// IsZero reports whether no record contributed any field.
func (r Result) IsZero() bool {
	return r == Result{}
}

// Clone returns a copy that shares no pointers with r.
func (r Result) Clone() Result {
	out := r
	for _, p := range []**string{
		&out.PatientID, &out.PatientLastName, &out.PatientFirstName, &out.PatientMiddleName,
		&out.PatientSex, &out.Physician, &out.SampleID, &out.OrderPriority,
		&out.TestCode, &out.ResultValue, &out.ResultUnits, &out.ResultStatus,
	} {
		if *p != nil {
			v := **p
			*p = &v
		}
	}
	if r.PatientDOB != nil {
		d := *r.PatientDOB
		out.PatientDOB = &d
	}
	if r.PatientAge != nil {
		a := *r.PatientAge
		out.PatientAge = &a
	}
	return out
}

// Date is a calendar date without time of day or zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

const dateLayout = "20060102"

// ParseDate parses an eight digit YYYYMMDD value.
func ParseDate(s string) (Date, error) {
	if len(s) != len(dateLayout) {
		return Date{}, fmt.Errorf("date %q: want %d digits", s, len(dateLayout))
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("date %q: %w", s, err)
	}
	return DateOf(t), nil
}

// DateOf returns the calendar date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// Time returns midnight UTC of the date.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// String renders the date as YYYY-MM-DD.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// MarshalJSON renders the date as an ISO 8601 calendar date.
func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts the ISO 8601 form produced by MarshalJSON.
func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return err
	}
	*d = DateOf(t)
	return nil
}
