package cures

import "strings"

// Schedule is a DEA controlled-substance schedule.
type Schedule string

const (
	ScheduleII  Schedule = "II"
	ScheduleIII Schedule = "III"
	ScheduleIV  Schedule = "IV"
	ScheduleV   Schedule = "V"
)

// schedules maps each schedule to the substrings that identify it, checked
// from the most restricted down.
var schedules = []struct {
	schedule Schedule
	names    []string
}{
	{ScheduleII, []string{"oxycodone", "fentanyl", "adderall", "ritalin", "morphine", "hydrocodone"}},
	{ScheduleIII, []string{"tylenol-3", "ketamine", "anabolic-steroids", "testosterone"}},
	{ScheduleIV, []string{"xanax", "valium", "ambien", "tramadol", "ativan"}},
	{ScheduleV, []string{"robitussin-ac", "lyrica", "cough-preparations"}},
}

// IsControlledSubstance reports the schedule of a medication name, matched
// case-insensitively on known substance names.
func IsControlledSubstance(medication string) (Schedule, bool) {
	name := normalizeMedication(medication)
	if name == "" {
		return "", false
	}
	for _, s := range schedules {
		for _, n := range s.names {
			if strings.Contains(name, n) {
				return s.schedule, true
			}
		}
	}
	return "", false
}

func normalizeMedication(m string) string {
	return strings.ToLower(strings.Join(strings.Fields(m), " "))
}
