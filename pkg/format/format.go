package format

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/voxlab/scribed/pkg/models"
)

// Supported output formats.
const (
	TXT  = "txt"
	SRT  = "srt"
	VTT  = "vtt"
	JSON = "json"
	TSV  = "tsv"
)

// All lists the supported formats in menu order.
var All = []string{TXT, SRT, VTT, JSON, TSV}

// Supported reports whether name is a known output format.
func Supported(name string) bool {
	for _, f := range All {
		if f == name {
			return true
		}
	}
	return false
}

// Encode renders segments into the requested format. It is a pure
// function: segment order is preserved and no I/O happens here. An
// unknown format is the only error; segments missing required fields are
// a caller bug, not a runtime condition.
func Encode(segments []models.TranscriptSegment, format string) ([]byte, error) {
	switch format {
	case TXT:
		return encodeTXT(segments), nil
	case SRT:
		return encodeSRT(segments), nil
	case VTT:
		return encodeVTT(segments), nil
	case JSON:
		return encodeJSON(segments)
	case TSV:
		return encodeTSV(segments), nil
	default:
		return nil, fmt.Errorf("unknown output format: %s", format)
	}
}

func anySpeaker(segments []models.TranscriptSegment) bool {
	for _, seg := range segments {
		if seg.Speaker != "" {
			return true
		}
	}
	return false
}

// speakerText prefixes the speaker label when one is present.
func speakerText(seg models.TranscriptSegment) string {
	text := strings.TrimSpace(seg.Text)
	if seg.Speaker != "" {
		return fmt.Sprintf("[%s] %s", seg.Speaker, text)
	}
	return text
}

func encodeTXT(segments []models.TranscriptSegment) []byte {
	var builder strings.Builder
	labeled := anySpeaker(segments)
	for i, seg := range segments {
		if i > 0 {
			builder.WriteString("\n")
		}
		if labeled {
			builder.WriteString(speakerText(seg))
		} else {
			builder.WriteString(strings.TrimSpace(seg.Text))
		}
	}
	return []byte(builder.String())
}

func encodeSRT(segments []models.TranscriptSegment) []byte {
	var builder strings.Builder
	for i, seg := range segments {
		if i > 0 {
			builder.WriteString("\n")
		}
		builder.WriteString(fmt.Sprintf("%d\n", i+1))
		builder.WriteString(fmt.Sprintf("%s --> %s\n", srtTime(seg.Start), srtTime(seg.End)))
		builder.WriteString(speakerText(seg))
		builder.WriteString("\n")
	}
	return []byte(builder.String())
}

func encodeVTT(segments []models.TranscriptSegment) []byte {
	var builder strings.Builder
	builder.WriteString("WEBVTT\n")
	for _, seg := range segments {
		builder.WriteString("\n")
		builder.WriteString(fmt.Sprintf("%s --> %s\n", vttTime(seg.Start), vttTime(seg.End)))
		builder.WriteString(speakerText(seg))
		builder.WriteString("\n")
	}
	return []byte(builder.String())
}

func encodeJSON(segments []models.TranscriptSegment) ([]byte, error) {
	if segments == nil {
		segments = []models.TranscriptSegment{}
	}
	doc := struct {
		Segments []models.TranscriptSegment `json:"segments"`
	}{Segments: segments}
	return json.MarshalIndent(doc, "", "  ")
}

func encodeTSV(segments []models.TranscriptSegment) []byte {
	var builder strings.Builder
	builder.WriteString("start\tend\ttext")
	for _, seg := range segments {
		builder.WriteString(fmt.Sprintf("\n%.3f\t%.3f\t%s", seg.Start, seg.End, speakerText(seg)))
	}
	return []byte(builder.String())
}

// srtTime formats seconds as HH:MM:SS,mmm. Hours are zero-padded to two
// digits but unbounded above.
func srtTime(seconds float64) string {
	h, m, s, ms := splitTime(seconds)
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// vttTime formats seconds as HH:MM:SS.mmm (WebVTT uses a dot separator).
func vttTime(seconds float64) string {
	h, m, s, ms := splitTime(seconds)
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}

// splitTime rounds to whole milliseconds first so that encoding and
// parsing round-trip exactly at millisecond precision.
func splitTime(seconds float64) (h, m, s, ms int) {
	if seconds < 0 {
		seconds = 0
	}
	total := int(math.Round(seconds * 1000))
	ms = total % 1000
	total /= 1000
	s = total % 60
	total /= 60
	m = total % 60
	h = total / 60
	return h, m, s, ms
}
