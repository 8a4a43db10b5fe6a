package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/voxlab/scribed/pkg/models"
)

// WhisperAPI transcribes through the OpenAI audio endpoint with
// verbose_json timestamps. The hosted API accepts whole files only, so
// the progress callback fires as the returned segments are mapped; a
// consumer sees either no mid-flight progress or a burst at the end,
// both allowed by the contract.
type WhisperAPI struct {
	client     *openai.Client
	maxRetries int
	log        zerolog.Logger
}

// NewWhisperAPI builds the backend. maxRetries <= 0 means 3.
func NewWhisperAPI(apiKey string, maxRetries int, log zerolog.Logger) *WhisperAPI {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &WhisperAPI{
		client:     openai.NewClient(apiKey),
		maxRetries: maxRetries,
		log:        log.With().Str("component", "whisper-api").Logger(),
	}
}

func (w *WhisperAPI) Transcribe(ctx context.Context, audioPath, model, language string, onProgress ProgressFunc) (*models.Transcript, error) {
	req := openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: audioPath,
		Format:   openai.AudioResponseFormatVerboseJSON,
		TimestampGranularities: []openai.TranscriptionTimestampGranularity{
			openai.TranscriptionTimestampGranularitySegment,
			openai.TranscriptionTimestampGranularityWord,
		},
	}
	if language != "" && language != "auto" {
		req.Language = language
	}

	resp, err := w.transcribeWithRetry(ctx, req)
	if err != nil {
		return nil, err
	}

	transcript := &models.Transcript{
		Language: resp.Language,
		Duration: resp.Duration,
		Segments: make([]models.TranscriptSegment, 0, len(resp.Segments)),
	}
	for _, seg := range resp.Segments {
		transcript.Segments = append(transcript.Segments, models.TranscriptSegment{
			Start: seg.Start,
			End:   seg.End,
			Text:  strings.TrimSpace(seg.Text),
		})
		if onProgress != nil {
			onProgress(seg.End, resp.Duration)
		}
	}

	// Distribute word-level timestamps into the segment whose interval
	// contains the word start.
	if n := len(transcript.Segments); n > 0 {
		i := 0
		for _, word := range resp.Words {
			for i < n-1 && word.Start >= transcript.Segments[i].End {
				i++
			}
			transcript.Segments[i].Words = append(transcript.Segments[i].Words, models.Word{
				Text:  strings.TrimSpace(word.Word),
				Start: word.Start,
				End:   word.End,
			})
		}
	}

	w.log.Info().Int("segments", len(transcript.Segments)).
		Str("language", resp.Language).Msg("transcription finished")
	return transcript, nil
}

// transcribeWithRetry retries transient API failures with exponential
// backoff, bailing out as soon as the context is cancelled.
func (w *WhisperAPI) transcribeWithRetry(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error) {
	var lastErr error
	for attempt := 0; attempt < w.maxRetries; attempt++ {
		resp, err := w.client.CreateTranscription(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return openai.AudioResponse{}, ctx.Err()
		}

		if attempt < w.maxRetries-1 {
			wait := time.Duration(1<<uint(attempt)) * time.Second
			w.log.Warn().Err(err).Dur("backoff", wait).Msg("transcription attempt failed")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return openai.AudioResponse{}, ctx.Err()
			}
		}
	}
	return openai.AudioResponse{}, fmt.Errorf("transcription failed after %d attempts: %w", w.maxRetries, lastErr)
}
