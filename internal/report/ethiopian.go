package report

import (
	"fmt"
	"time"
)

// EthiopianMonths are the thirteen month names, Meskerem first.
var EthiopianMonths = []string{
	"Meskerem", "Tikimt", "Hidar", "Tahsas", "Tir", "Yekatit",
	"Megabit", "Miazia", "Ginbot", "Sene", "Hamle", "Nehase", "Pagume",
}

// EthiopianDate is a date label in the Ethiopian calendar.
type EthiopianDate struct {
	Year  int `json:"year" yaml:"year"`
	Month int `json:"month" yaml:"month"` // 1..13
	Day   int `json:"day" yaml:"day"`

	// Approximate is set when the date came from the month-shift heuristic
	// rather than a calendar conversion.
	Approximate bool `json:"approximate" yaml:"approximate"`
}

// MonthName returns the month name.
func (d EthiopianDate) MonthName() string {
	if d.Month < 1 || d.Month > len(EthiopianMonths) {
		return fmt.Sprintf("month %d", d.Month)
	}
	return EthiopianMonths[d.Month-1]
}

// String formats the date as "Meskerem 5, 2018", prefixed with "~" when
// approximate.
func (d EthiopianDate) String() string {
	s := fmt.Sprintf("%s %d, %d", d.MonthName(), d.Day, d.Year)
	if d.Approximate {
		return "~" + s
	}
	return s
}

// ApproxEthiopianDate labels t with an Ethiopian date using the heuristic
// the mobile app shows: the year is eight behind before September 11 and
// seven behind from then on, the month index is shifted by four modulo
// thirteen, and the day of month is kept. It is not a calendar conversion.
func ApproxEthiopianDate(t time.Time) EthiopianDate {
	year := t.Year() - 7
	if t.Month() < time.September || (t.Month() == time.September && t.Day() < 11) {
		year = t.Year() - 8
	}
	month := (int(t.Month())-1+4)%13 + 1
	return EthiopianDate{Year: year, Month: month, Day: t.Day(), Approximate: true}
}
