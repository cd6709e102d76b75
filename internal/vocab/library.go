package vocab

import (
	"math"
	"sort"
	"strings"
	"time"

	"horse.fit/eventfamily/internal/globaltime"
)

const (
	DefaultActiveDayPercentile = 0.4
	DefaultActiveDayFloor      = 10
	DefaultDocFreqFloor        = 5
	DefaultHubCount            = 12
	minActiveDaysPresent       = 2
)

type Options struct {
	ActiveDayFloor int
	Percentile     float64
	DocFreqFloor   int
	HubCount       int
}

// Record is the minimum a window record contributes: identity and its UTC day.
type Record struct {
	ID          int64
	PublishedAt time.Time
}

// Occurrence is one canonical token seen on one record.
type Occurrence struct {
	RecordID int64
	Token    string
}

type Entry struct {
	Token             string  `json:"token"`
	DocFreq           int     `json:"doc_freq"`
	ActiveDaysPresent int     `json:"active_days_present"`
	HubRank           int     `json:"hub_rank,omitempty"`
	Ratio             float64 `json:"ratio"`
}

func (e Entry) IsHub() bool {
	return e.HubRank > 0
}

type Stats struct {
	Records        int     `json:"records"`
	Days           int     `json:"days"`
	ActiveDays     int     `json:"active_days"`
	Threshold      float64 `json:"threshold"`
	CandidateTerms int     `json:"candidate_terms"`
	Tokens         int     `json:"tokens"`
	Hubs           int     `json:"hubs"`
	Degenerate     bool    `json:"degenerate"`
}

// Library is the shared vocabulary and hub set for one window. It is immutable
// after construction.
type Library struct {
	entries []Entry
	index   map[string]int
	hubs    []string
	stats   Stats
}

func normalizeOptions(opts Options) Options {
	normalized := opts
	if normalized.ActiveDayFloor < 0 {
		normalized.ActiveDayFloor = 0
	}
	if normalized.Percentile <= 0 || normalized.Percentile > 1 {
		normalized.Percentile = DefaultActiveDayPercentile
	}
	if normalized.DocFreqFloor <= 0 {
		normalized.DocFreqFloor = DefaultDocFreqFloor
	}
	if normalized.HubCount < 0 {
		normalized.HubCount = 0
	}
	return normalized
}

// Build recomputes the whole library from the window's records and their
// canonical tokens. Output depends only on the input set, never on ordering.
func Build(records []Record, occurrences []Occurrence, options Options) *Library {
	opts := normalizeOptions(options)

	recordDay := make(map[int64]time.Time, len(records))
	dayVolume := make(map[time.Time]int)
	for _, record := range records {
		if _, seen := recordDay[record.ID]; seen {
			continue
		}
		day := globaltime.StartOfDayUTC(record.PublishedAt)
		recordDay[record.ID] = day
		dayVolume[day]++
	}

	volumes := make([]float64, 0, len(dayVolume))
	for _, volume := range dayVolume {
		if volume > 0 {
			volumes = append(volumes, float64(volume))
		}
	}
	threshold := math.Max(float64(opts.ActiveDayFloor), Percentile(volumes, opts.Percentile))

	activeDays := make(map[time.Time]struct{})
	for day, volume := range dayVolume {
		if float64(volume) >= threshold {
			activeDays[day] = struct{}{}
		}
	}

	docs := make(map[string]map[int64]struct{})
	presence := make(map[string]map[time.Time]struct{})
	for _, occurrence := range occurrences {
		token := strings.TrimSpace(occurrence.Token)
		if token == "" {
			continue
		}
		day, known := recordDay[occurrence.RecordID]
		if !known {
			continue
		}
		if docs[token] == nil {
			docs[token] = make(map[int64]struct{})
		}
		docs[token][occurrence.RecordID] = struct{}{}
		if _, active := activeDays[day]; active {
			if presence[token] == nil {
				presence[token] = make(map[time.Time]struct{})
			}
			presence[token][day] = struct{}{}
		}
	}

	degenerate := len(activeDays) == 0
	entries := make([]Entry, 0, len(docs))
	for token, recordsWithToken := range docs {
		entry := Entry{
			Token:             token,
			DocFreq:           len(recordsWithToken),
			ActiveDaysPresent: len(presence[token]),
		}
		if !Includes(entry, opts.DocFreqFloor, degenerate) {
			continue
		}
		entry.Ratio = float64(entry.DocFreq) / float64(max(1, entry.ActiveDaysPresent))
		entries = append(entries, entry)
	}

	rankHubs(entries, opts.HubCount)

	lib := newLibrary(entries)
	lib.stats = Stats{
		Records:        len(recordDay),
		Days:           len(dayVolume),
		ActiveDays:     len(activeDays),
		Threshold:      threshold,
		CandidateTerms: len(docs),
		Tokens:         len(lib.entries),
		Hubs:           len(lib.hubs),
		Degenerate:     degenerate,
	}
	return lib
}

// Includes is the shared-vocabulary membership rule. In a window with no active
// day only the document-frequency floor applies.
func Includes(entry Entry, docFreqFloor int, degenerate bool) bool {
	if degenerate {
		return entry.DocFreq >= docFreqFloor
	}
	return entry.ActiveDaysPresent >= minActiveDaysPresent || entry.DocFreq >= docFreqFloor
}

func rankHubs(entries []Entry, hubCount int) {
	order := make([]int, len(entries))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		left, right := entries[order[a]], entries[order[b]]
		if left.Ratio != right.Ratio {
			return left.Ratio > right.Ratio
		}
		if left.DocFreq != right.DocFreq {
			return left.DocFreq > right.DocFreq
		}
		return left.Token < right.Token
	})
	for rank, idx := range order {
		if rank >= hubCount {
			break
		}
		entries[idx].HubRank = rank + 1
	}
}

// FromEntries rebuilds a library from a stored snapshot. Entries with a
// positive HubRank are hubs.
func FromEntries(entries []Entry) *Library {
	lib := newLibrary(append([]Entry(nil), entries...))
	lib.stats = Stats{Tokens: len(lib.entries), Hubs: len(lib.hubs), CandidateTerms: len(lib.entries)}
	return lib
}

func newLibrary(entries []Entry) *Library {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Token < entries[j].Token
	})

	lib := &Library{
		entries: entries,
		index:   make(map[string]int, len(entries)),
	}
	hubEntries := make([]Entry, 0)
	for i, entry := range entries {
		lib.index[entry.Token] = i
		if entry.IsHub() {
			hubEntries = append(hubEntries, entry)
		}
	}
	sort.Slice(hubEntries, func(i, j int) bool {
		return hubEntries[i].HubRank < hubEntries[j].HubRank
	})
	for _, entry := range hubEntries {
		lib.hubs = append(lib.hubs, entry.Token)
	}
	return lib
}

func (l *Library) Contains(token string) bool {
	if l == nil {
		return false
	}
	_, ok := l.index[token]
	return ok
}

func (l *Library) IsHub(token string) bool {
	if l == nil {
		return false
	}
	idx, ok := l.index[token]
	return ok && l.entries[idx].IsHub()
}

func (l *Library) Lookup(token string) (Entry, bool) {
	if l == nil {
		return Entry{}, false
	}
	idx, ok := l.index[token]
	if !ok {
		return Entry{}, false
	}
	return l.entries[idx], true
}

// Hubs returns hub tokens in rank order.
func (l *Library) Hubs() []string {
	if l == nil {
		return nil
	}
	return append([]string(nil), l.hubs...)
}

func (l *Library) HubSet() map[string]struct{} {
	set := make(map[string]struct{}, len(l.Hubs()))
	for _, hub := range l.Hubs() {
		set[hub] = struct{}{}
	}
	return set
}

// Entries returns the vocabulary sorted by token.
func (l *Library) Entries() []Entry {
	if l == nil {
		return nil
	}
	return append([]Entry(nil), l.entries...)
}

func (l *Library) Len() int {
	if l == nil {
		return 0
	}
	return len(l.entries)
}

func (l *Library) Stats() Stats {
	if l == nil {
		return Stats{}
	}
	return l.stats
}

// Percentile returns the p-quantile of values using linear interpolation
// between closest ranks. Empty input yields 0.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
}
