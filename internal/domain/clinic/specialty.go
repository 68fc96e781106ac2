package clinic

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldKey normalizes a name for case- and accent-insensitive comparison, so
// "Clínica", "CLINICA" and "clinica" share one key.
func foldKey(s string) string {
	s = strings.TrimSpace(s)
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if stripped, _, err := transform.String(t, s); err == nil {
		s = stripped
	}
	return cases.Fold().String(s)
}

// weekdayNames maps folded English and Spanish day names to weekdays.
var weekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"domingo":   time.Sunday,
	"monday":    time.Monday,
	"lunes":     time.Monday,
	"tuesday":   time.Tuesday,
	"martes":    time.Tuesday,
	"wednesday": time.Wednesday,
	"miercoles": time.Wednesday,
	"thursday":  time.Thursday,
	"jueves":    time.Thursday,
	"friday":    time.Friday,
	"viernes":   time.Friday,
	"saturday":  time.Saturday,
	"sabado":    time.Saturday,
}

// ParseWeekday resolves a day name such as "Monday", "lunes" or "MIÉRCOLES".
func ParseWeekday(name string) (time.Weekday, bool) {
	wd, ok := weekdayNames[foldKey(name)]
	return wd, ok
}

func weekdayName(wd time.Weekday) string {
	return strings.ToLower(wd.String())
}

// Specialty is a named service together with the weekdays it is offered.
// The zero value offers nothing.
type Specialty struct {
	Name string
	days [7]bool
}

// NewSpecialty builds a specialty from day names. Names are matched
// case-insensitively; duplicates collapse.
func NewSpecialty(name string, days []string) (Specialty, error) {
	if strings.TrimSpace(name) == "" {
		return Specialty{}, &InvalidEntityError{Kind: KindSpecialty, Field: "name", Reason: "is required"}
	}
	if len(days) == 0 {
		return Specialty{}, &InvalidEntityError{Kind: KindSpecialty, Field: "days", Reason: "must list at least one weekday"}
	}
	sp := Specialty{Name: strings.TrimSpace(name)}
	for _, d := range days {
		wd, ok := ParseWeekday(d)
		if !ok {
			return Specialty{}, &InvalidEntityError{Kind: KindSpecialty, Field: "days", Reason: fmt.Sprintf("has unknown weekday %q", d)}
		}
		sp.days[wd] = true
	}
	return sp, nil
}

// Offers reports whether the specialty is offered on wd.
func (s Specialty) Offers(wd time.Weekday) bool {
	if wd < time.Sunday || wd > time.Saturday {
		return false
	}
	return s.days[wd]
}

// Days returns the offered weekdays, Monday first.
func (s Specialty) Days() []time.Weekday {
	var out []time.Weekday
	for i := 1; i <= 7; i++ {
		wd := time.Weekday(i % 7)
		if s.days[wd] {
			out = append(out, wd)
		}
	}
	return out
}

// DayNames returns the offered weekdays as lowercase English names, Monday first.
func (s Specialty) DayNames() []string {
	days := s.Days()
	out := make([]string, len(days))
	for i, wd := range days {
		out[i] = weekdayName(wd)
	}
	return out
}

func (s Specialty) String() string {
	return s.Name + " (days: " + strings.Join(s.DayNames(), ", ") + ")"
}

func (s Specialty) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name string   `json:"name"`
		Days []string `json:"days"`
	}{Name: s.Name, Days: s.DayNames()})
}

// specialtySet is a case-insensitive name → Specialty mapping. Re-adding a
// name replaces the value and keeps the first insertion position.
type specialtySet struct {
	mu    sync.RWMutex
	order []string
	byKey map[string]Specialty
}

func newSpecialtySet() *specialtySet {
	return &specialtySet{byKey: make(map[string]Specialty)}
}

func (s *specialtySet) put(sp Specialty) {
	key := foldKey(sp.Name)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[key]; !ok {
		s.order = append(s.order, key)
	}
	s.byKey[key] = sp
}

func (s *specialtySet) get(name string) (Specialty, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sp, ok := s.byKey[foldKey(name)]
	return sp, ok
}

func (s *specialtySet) list() []Specialty {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Specialty, 0, len(s.order))
	for _, key := range s.order {
		out = append(out, s.byKey[key])
	}
	return out
}

func (s *specialtySet) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *specialtySet) clone() *specialtySet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := &specialtySet{
		order: make([]string, len(s.order)),
		byKey: make(map[string]Specialty, len(s.byKey)),
	}
	copy(c.order, s.order)
	for k, v := range s.byKey {
		c.byKey[k] = v
	}
	return c
}
