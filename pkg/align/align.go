// Package align merges an independently produced diarization timeline
// with transcript segments, assigning a speaker label to each.
package align

import "github.com/voxlab/scribed/pkg/models"

// Assign labels every transcript unit (word when word timestamps exist,
// otherwise the whole segment) with the diarization speaker of maximum
// overlap. Ties break toward the earliest diarization segment start. A
// unit with no overlapping diarization segment inherits the previous
// unit's speaker, or stays unlabeled when none precedes. A segment with
// words reports the majority speaker among its words. Output order is
// identical to the input.
func Assign(segments []models.TranscriptSegment, diar []models.DiarizationSegment) []models.TranscriptSegment {
	out := make([]models.TranscriptSegment, len(segments))
	copy(out, segments)

	carried := ""
	for i := range out {
		if len(out[i].Words) > 0 {
			words := make([]models.Word, len(out[i].Words))
			copy(words, out[i].Words)
			for w := range words {
				if speaker, ok := bestOverlap(words[w].Start, words[w].End, diar); ok {
					words[w].Speaker = speaker
					carried = speaker
				} else {
					words[w].Speaker = carried
				}
			}
			out[i].Words = words
			out[i].Speaker = majoritySpeaker(words)
			continue
		}

		if speaker, ok := bestOverlap(out[i].Start, out[i].End, diar); ok {
			out[i].Speaker = speaker
			carried = speaker
		} else {
			out[i].Speaker = carried
		}
	}
	return out
}

// CountSpeakers returns the number of distinct speaker labels assigned.
func CountSpeakers(segments []models.TranscriptSegment) int {
	seen := make(map[string]struct{})
	for _, seg := range segments {
		if seg.Speaker != "" {
			seen[seg.Speaker] = struct{}{}
		}
	}
	return len(seen)
}

// bestOverlap picks the diarization speaker whose segment overlaps
// [start, end) the longest; equal overlaps go to the segment that starts
// earliest.
func bestOverlap(start, end float64, diar []models.DiarizationSegment) (string, bool) {
	var (
		best      float64
		bestStart float64
		speaker   string
		found     bool
	)
	for _, d := range diar {
		lo := start
		if d.Start > lo {
			lo = d.Start
		}
		hi := end
		if d.End < hi {
			hi = d.End
		}
		overlap := hi - lo
		if overlap <= 0 {
			continue
		}
		if !found || overlap > best || (overlap == best && d.Start < bestStart) {
			best = overlap
			bestStart = d.Start
			speaker = d.Speaker
			found = true
		}
	}
	return speaker, found
}

// majoritySpeaker picks the most frequent word speaker; ties resolve to
// the speaker seen earliest in word order.
func majoritySpeaker(words []models.Word) string {
	counts := make(map[string]int)
	order := make([]string, 0, 2)
	for _, w := range words {
		if w.Speaker == "" {
			continue
		}
		if counts[w.Speaker] == 0 {
			order = append(order, w.Speaker)
		}
		counts[w.Speaker]++
	}
	best := ""
	for _, speaker := range order {
		if best == "" || counts[speaker] > counts[best] {
			best = speaker
		}
	}
	return best
}
