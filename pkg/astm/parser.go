package astm

import "time"

// Apply folds one record into the result. Each record type owns a group of
// fields and a later record of the same type replaces the whole group, so a
// second P record never leaves a stale value from the first behind. now is
// the reference instant for deriving the patient's age.
func (r *Result) Apply(rec Record, now time.Time) {
	switch rec.Type {
	case RecordPatient:
		r.applyPatient(PatientRecord{rec}, now)
	case RecordOrder:
		r.applyOrder(OrderRecord{rec})
	case RecordResult:
		r.applyResult(ResultRecord{rec})
	}
}

// ApplyLine parses line and folds it into the result.
func (r *Result) ApplyLine(line string, now time.Time) {
	r.Apply(ParseRecord(line), now)
}

func (r *Result) applyPatient(p PatientRecord, now time.Time) {
	r.PatientID = optional(p.PatientID())
	r.PatientLastName, r.PatientFirstName, r.PatientMiddleName = nil, nil, nil
	if name, ok := p.Name(); ok {
		r.PatientLastName = component(name, 0)
		r.PatientFirstName = component(name, 1)
		r.PatientMiddleName = component(name, 2)
	}
	r.PatientSex = optional(p.Sex())
	r.PatientDOB, r.PatientAge = nil, nil
	if raw, ok := p.BirthDateRaw(); ok && raw != "" {
		if len(raw) > len(dateLayout) {
			raw = raw[:len(dateLayout)]
		}
		// A malformed date leaves both fields unset.
		if dob, err := ParseDate(raw); err == nil {
			age := AgeAt(dob, now)
			r.PatientDOB, r.PatientAge = &dob, &age
		}
	}
	r.Physician = optional(p.Physician())
}

func (r *Result) applyOrder(o OrderRecord) {
	r.SampleID = optional(o.SampleID())
	r.OrderPriority = optional(o.Priority())
}

func (r *Result) applyResult(res ResultRecord) {
	r.TestCode = optional(res.TestCode())
	r.ResultValue = optional(res.Value())
	r.ResultUnits = optional(res.Units())
	r.ResultStatus = optional(res.Status())
}

func optional(v string, ok bool) *string {
	if !ok {
		return nil
	}
	return &v
}

func component(parts []string, i int) *string {
	if i >= len(parts) {
		return nil
	}
	v := parts[i]
	return &v
}
