// Package finding defines the Finding type, its severity lattice, and the
// single-writer deduplicating buffer findings are appended into
// (spec.md §3/§4.5/§5).
package finding

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Severity is ordered Critical > High > Medium > Low > Info (spec.md §4.5).
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityMedium   Severity = "Medium"
	SeverityLow      Severity = "Low"
	SeverityInfo     Severity = "Info"
)

var severityRank = map[Severity]int{
	SeverityCritical: 5,
	SeverityHigh:     4,
	SeverityMedium:   3,
	SeverityLow:      2,
	SeverityInfo:     1,
}

// rank returns a comparable integer for s; unrecognized values sort below
// Info rather than panicking.
func (s Severity) rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return 0
}

// Higher reports whether s outranks other in the severity lattice.
func (s Severity) Higher(other Severity) bool {
	return s.rank() > other.rank()
}

// Finding is a single observation extracted from a task's captured output.
type Finding struct {
	SourceTool  string
	SourceKind  string
	Target      string
	Port        *int
	Severity    Severity
	Title       string
	Description string
	Evidence    string
	DiscoveredAt time.Time
}

// dedupKey is (source_kind, target, port, normalized_title) per spec.md §4.5.
type dedupKey struct {
	sourceKind string
	target     string
	port       int
	hasPort    bool
	title      string
}

func keyOf(f Finding) dedupKey {
	port := 0
	hasPort := f.Port != nil
	if hasPort {
		port = *f.Port
	}
	return dedupKey{
		sourceKind: f.SourceKind,
		target:     f.Target,
		port:       port,
		hasPort:    hasPort,
		title:      NormalizeTitle(f.Title),
	}
}

// NormalizeTitle lowercases and collapses internal whitespace, the
// normalization spec.md §4.5 defines for dedup identity.
func NormalizeTitle(title string) string {
	fields := strings.Fields(strings.ToLower(title))
	return strings.Join(fields, " ")
}

// Buffer is the shared append-only, deduplicating Finding store. It uses
// single-writer discipline (spec.md §5): Add serializes all mutation
// behind one mutex so the buffer is never a free-for-all across parser
// goroutines.
type Buffer struct {
	mu      sync.Mutex
	byKey   map[dedupKey]*Finding
	ordered []*Finding
}

// NewBuffer constructs an empty Buffer.
func NewBuffer() *Buffer {
	return &Buffer{byKey: make(map[dedupKey]*Finding)}
}

// Add inserts f, merging with any existing Finding that shares its dedup
// key. On collision the higher-severity Finding survives; ties keep the
// earlier DiscoveredAt; the loser's evidence is appended to the
// survivor's, separated by a "---" line.
func (b *Buffer) Add(f Finding) {
	key := keyOf(f)

	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.byKey[key]
	if !ok {
		stored := f
		b.byKey[key] = &stored
		b.ordered = append(b.ordered, &stored)
		return
	}

	survivorIsNew := f.Severity.Higher(existing.Severity) ||
		(!existing.Severity.Higher(f.Severity) && f.DiscoveredAt.Before(existing.DiscoveredAt))

	if survivorIsNew {
		loserEvidence := existing.Evidence
		merged := f
		merged.Evidence = joinEvidence(f.Evidence, loserEvidence)
		*existing = merged
	} else {
		existing.Evidence = joinEvidence(existing.Evidence, f.Evidence)
	}
}

func joinEvidence(survivor, loser string) string {
	if loser == "" {
		return survivor
	}
	if survivor == "" {
		return loser
	}
	return survivor + "\n---\n" + loser
}

// All returns every Finding currently in the buffer, sorted by the
// severity lattice descending, ties broken by DiscoveredAt ascending
// (spec.md §4.5). Calling All twice without an intervening Add yields an
// identical result (idempotent, spec.md §8 Invariant 6).
func (b *Buffer) All() []Finding {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Finding, len(b.ordered))
	for i, f := range b.ordered {
		out[i] = *f
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity.Higher(out[j].Severity)
		}
		return out[i].DiscoveredAt.Before(out[j].DiscoveredAt)
	})
	return out
}
