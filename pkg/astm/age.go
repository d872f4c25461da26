package astm

import "time"

// AgeAt returns the completed years between dob and now. The anniversary only
// counts once now's (month, day) reaches the birth (month, day).
func AgeAt(dob Date, now time.Time) int {
	today := DateOf(now)
	age := today.Year - dob.Year
	if today.Month < dob.Month || (today.Month == dob.Month && today.Day < dob.Day) {
		age--
	}
	return age
}
