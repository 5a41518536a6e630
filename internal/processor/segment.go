package processor

import (
	"context"
	"regexp"
	"strings"

	"github.com/daybook-io/daybook/internal/domain"
)

// speakerLine matches "Name: text" dialogue lines produced by the lifelog
// content flattening.
var speakerLine = regexp.MustCompile(`^([^:\n]{1,64}): \S`)

// Segmentation splits long conversational content into speaker turns.
// Segments land in metadata as an ordered list; the top-level content is
// left untouched so search still sees the full text.
type Segmentation struct {
	minChars int
	minTurns int
}

func NewSegmentation(minChars, minTurns int) *Segmentation {
	if minChars <= 0 {
		minChars = 2000
	}
	if minTurns <= 0 {
		minTurns = defaultMinTurns
	}
	return &Segmentation{minChars: minChars, minTurns: minTurns}
}

func (*Segmentation) Name() string { return "segmentation" }

func (s *Segmentation) Process(_ context.Context, rec domain.Record) (domain.Record, error) {
	if len(rec.Content) <= s.minChars {
		return rec, nil
	}
	lines := strings.Split(rec.Content, "\n")
	turns := 0
	for _, l := range lines {
		if speakerLine.MatchString(l) {
			turns++
		}
	}
	if turns < s.minTurns {
		return rec, nil
	}

	segments := splitTurns(lines)
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	rec.Metadata["segments"] = segments
	rec.Metadata["segment_count"] = len(segments)
	return rec, nil
}

// splitTurns groups lines into segments, starting a new one at every
// speaker-prefixed line. Leading narration before the first speaker forms
// a segment with an empty speaker.
func splitTurns(lines []string) []map[string]any {
	var (
		segments []map[string]any
		speaker  string
		buf      []string
	)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		segments = append(segments, map[string]any{
			"speaker": speaker,
			"text":    strings.Join(buf, "\n"),
		})
		buf = buf[:0]
	}
	for _, line := range lines {
		if m := speakerLine.FindStringSubmatch(line); m != nil {
			flush()
			speaker = m[1]
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		buf = append(buf, line)
	}
	flush()
	return segments
}
