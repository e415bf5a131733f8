package image

import (
	"sort"
)

// SectionKey identifies a section by owning library path and section name.
type SectionKey struct {
	Library string
	Name    string
}

// SegmentKey identifies a segment by owning library path and program header
// index.
type SegmentKey struct {
	Library string
	Index   int
}

// SectionRegion is a resolved section descriptor.
type SectionRegion struct {
	SectionKey
	Region
}

// SegmentRegion is a resolved segment descriptor.
type SegmentRegion struct {
	SegmentKey
	Region
}

// Metadata holds the descriptor maps produced by one resolution. It is rebuilt
// for every query evaluation.
type Metadata struct {
	sections     map[SectionKey]Region
	execSections map[SectionKey]Region
	segments     map[SegmentKey]Region
	execSegments map[SegmentKey]Region
}

func newMetadata() *Metadata {
	return &Metadata{
		sections:     make(map[SectionKey]Region),
		execSections: make(map[SectionKey]Region),
		segments:     make(map[SegmentKey]Region),
		execSegments: make(map[SegmentKey]Region),
	}
}

// Empty reports whether no descriptors were resolved.
func (m *Metadata) Empty() bool {
	return len(m.sections) == 0 && len(m.segments) == 0 &&
		len(m.execSections) == 0 && len(m.execSegments) == 0
}

// Sections returns the section descriptors ordered by (library, name). With
// executableOnly set only allocated+executable sections are returned.
func (m *Metadata) Sections(executableOnly bool) []SectionRegion {
	src := m.sections
	if executableOnly {
		src = m.execSections
	}

	out := make([]SectionRegion, 0, len(src))
	for k, r := range src {
		out = append(out, SectionRegion{SectionKey: k, Region: r})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Library != out[j].Library {
			return out[i].Library < out[j].Library
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Segments returns the segment descriptors ordered by (library, index). With
// executableOnly set only read+execute PT_LOAD segments are returned.
func (m *Metadata) Segments(executableOnly bool) []SegmentRegion {
	src := m.segments
	if executableOnly {
		src = m.execSegments
	}

	out := make([]SegmentRegion, 0, len(src))
	for k, r := range src {
		out = append(out, SegmentRegion{SegmentKey: k, Region: r})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Library != out[j].Library {
			return out[i].Library < out[j].Library
		}
		return out[i].Index < out[j].Index
	})
	return out
}

func (m *Metadata) addSection(key SectionKey, r Region, executable bool) {
	m.sections[key] = r
	if executable {
		m.execSections[key] = r
	}
}

func (m *Metadata) addSegment(key SegmentKey, r Region, executable bool) {
	m.segments[key] = r
	if executable {
		m.execSegments[key] = r
	}
}

// collapseSections replaces both section maps with the single entry key -> r.
func (m *Metadata) collapseSections(key SectionKey, r Region) {
	m.sections = map[SectionKey]Region{key: r}
	m.execSections = map[SectionKey]Region{key: r}
}

// collapseSegments replaces both segment maps with the single entry key -> r.
func (m *Metadata) collapseSegments(key SegmentKey, r Region) {
	m.segments = map[SegmentKey]Region{key: r}
	m.execSegments = map[SegmentKey]Region{key: r}
}

func (m *Metadata) clearSections() {
	m.sections = make(map[SectionKey]Region)
	m.execSections = make(map[SectionKey]Region)
}

func (m *Metadata) clearSegments() {
	m.segments = make(map[SegmentKey]Region)
	m.execSegments = make(map[SegmentKey]Region)
}

// smallestSection returns the smallest section satisfying pred.
func (m *Metadata) smallestSection(pred func(Region) bool) (SectionRegion, bool) {
	var (
		best  SectionRegion
		found bool
	)
	for _, s := range m.Sections(false) {
		if !pred(s.Region) {
			continue
		}
		if !found || s.Size() < best.Size() {
			best, found = s, true
		}
	}
	return best, found
}

// smallestSegment returns the smallest segment satisfying pred.
func (m *Metadata) smallestSegment(pred func(Region) bool) (SegmentRegion, bool) {
	var (
		best  SegmentRegion
		found bool
	)
	for _, s := range m.Segments(false) {
		if !pred(s.Region) {
			continue
		}
		if !found || s.Size() < best.Size() {
			best, found = s, true
		}
	}
	return best, found
}
