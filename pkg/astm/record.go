// Package astm models the pipe-delimited ASTM E1394 style records emitted by
// laboratory instruments and folds a message's records into a single Result.
package astm

import "strings"

// Delimiters used by the record format.
const (
	RecordSeparator    = '\r'
	FieldSeparator     = '|'
	ComponentSeparator = '^'
)

// RecordType is the single-letter tag carried in a record's first field.
type RecordType string

// Record tags. Only P, O and R contribute to a Result; H and L are read past.
const (
	RecordHeader     RecordType = "H" // message header
	RecordPatient    RecordType = "P" // patient identification
	RecordOrder      RecordType = "O" // test order
	RecordResult     RecordType = "R" // result
	RecordTerminator RecordType = "L" // message terminator
)

// Record is one decoded line split into its fields. Field 0 is the tag.
type Record struct {
	Type   RecordType
	fields []string
}

// ParseRecord splits a single line into fields. Lines are never rejected; an
// unrecognised tag simply yields a Record the parser ignores.
func ParseRecord(line string) Record {
	fields := strings.Split(line, string(FieldSeparator))
	return Record{Type: RecordType(fields[0]), fields: fields}
}

// Len reports the number of fields including the tag.
func (r Record) Len() int { return len(r.fields) }

// Field returns the field at position i and whether the line was long enough to carry it.
func (r Record) Field(i int) (string, bool) {
	if i < 0 || i >= len(r.fields) {
		return "", false
	}
	return r.fields[i], true
}

// Components splits field i on the component separator.
func (r Record) Components(i int) ([]string, bool) {
	v, ok := r.Field(i)
	if !ok {
		return nil, false
	}
	return strings.Split(v, string(ComponentSeparator)), true
}

// PatientRecord exposes the named fields of a P record.
type PatientRecord struct{ Record }

// PatientID returns field 2, the practice-assigned patient id.
func (p PatientRecord) PatientID() (string, bool) { return p.Field(2) }

// Name returns the components of field 4: last, first, middle.
func (p PatientRecord) Name() ([]string, bool) { return p.Components(4) }

// Sex returns field 5 as sent.
func (p PatientRecord) Sex() (string, bool) { return p.Field(5) }

// BirthDateRaw returns field 6 unparsed; ParseDate interprets it.
func (p PatientRecord) BirthDateRaw() (string, bool) { return p.Field(6) }

// Physician returns field 10, the attending physician.
func (p PatientRecord) Physician() (string, bool) { return p.Field(10) }

// OrderRecord exposes the named fields of an O record.
type OrderRecord struct{ Record }

// SampleID returns field 2, the specimen id.
func (o OrderRecord) SampleID() (string, bool) { return o.Field(2) }

// Priority returns field 7, the order priority flag.
func (o OrderRecord) Priority() (string, bool) { return o.Field(7) }

// ResultRecord exposes the named fields of an R record.
type ResultRecord struct{ Record }

// TestCode returns the last component of the universal test id, so "^^^GLU" yields "GLU".
func (r ResultRecord) TestCode() (string, bool) {
	parts, ok := r.Components(2)
	if !ok {
		return "", false
	}
	return parts[len(parts)-1], true
}

// Value returns field 3, the measurement as text.
func (r ResultRecord) Value() (string, bool) { return r.Field(3) }

// Units returns field 4.
func (r ResultRecord) Units() (string, bool) { return r.Field(4) }

// Status returns field 8, the result status flag.
func (r ResultRecord) Status() (string, bool) { return r.Field(8) }
