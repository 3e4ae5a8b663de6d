package vision

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/acc-tracker/internal/catalog"
	"github.com/acc-tracker/internal/domain"
	"github.com/samber/lo"
)

// Analysis is the lap data read from a screenshot. CarID and TrackID are only
// set when they name a catalog entry.
type Analysis struct {
	Minutes           int      `json:"minutes"`
	Seconds           int      `json:"seconds"`
	Milliseconds      int      `json:"milliseconds"`
	TotalMilliseconds int64    `json:"totalMilliseconds"`
	CarID             string   `json:"carId,omitempty"`
	TrackID           string   `json:"trackId,omitempty"`
	TrackTemp         *float64 `json:"trackTemp,omitempty"`
	Attempts          int      `json:"attempts"`
}

// Supported screenshot formats
var imageTypes = []string{"image/png", "image/jpeg", "image/webp", "image/heic", "image/heif"}

var analysisSchema = map[string]any{
	"type": "OBJECT",
	"properties": map[string]any{
		"minutes":      map[string]any{"type": "INTEGER"},
		"seconds":      map[string]any{"type": "INTEGER"},
		"milliseconds": map[string]any{"type": "INTEGER"},
		"carId":        map[string]any{"type": "STRING"},
		"trackId":      map[string]any{"type": "STRING"},
		"trackTemp":    map[string]any{"type": "NUMBER"},
	},
	"required": []string{"minutes", "seconds", "milliseconds"},
}

func analysisPrompt() string {
	cars := lo.Map(catalog.Cars(), func(c catalog.Car, _ int) string {
		return fmt.Sprintf("%s (%s)", c.ID, c.Name)
	})
	tracks := lo.Map(catalog.Tracks(), func(t catalog.Track, _ int) string {
		return fmt.Sprintf("%s (%s)", t.ID, t.Name)
	})

	var b strings.Builder
	b.WriteString("This is a screenshot from Assetto Corsa Competizione. ")
	b.WriteString("Extract the best or most prominent lap time as minutes, seconds and milliseconds. ")
	b.WriteString("If the car or track can be identified, return its id from the lists below; otherwise omit it. ")
	b.WriteString("If the track temperature in Celsius is visible, return it as trackTemp.\n\n")
	b.WriteString("Cars:\n")
	b.WriteString(strings.Join(cars, "\n"))
	b.WriteString("\n\nTracks:\n")
	b.WriteString(strings.Join(tracks, "\n"))
	return b.String()
}

type rawAnalysis struct {
	Minutes      *int     `json:"minutes"`
	Seconds      *int     `json:"seconds"`
	Milliseconds *int     `json:"milliseconds"`
	CarID        string   `json:"carId"`
	TrackID      string   `json:"trackId"`
	TrackTemp    *float64 `json:"trackTemp"`
}

// Analyze extracts a lap time from a screenshot. Overloaded-model failures
// are retried with exponential backoff; all other failures return at once
// as an *Error.
func (c *Client) Analyze(ctx context.Context, image []byte, mimeType string) (*Analysis, error) {
	mimeType = strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0]))
	if !lo.Contains(imageTypes, mimeType) {
		return nil, domain.NewValidationError("image", "unsupported image type "+mimeType)
	}
	if len(image) == 0 {
		return nil, domain.NewValidationError("image", "is empty")
	}
	if c.maxImage > 0 && len(image) > c.maxImage {
		return nil, domain.NewValidationError("image", fmt.Sprintf("larger than %d MB", c.maxImage>>20))
	}

	zero := 0.0
	req := generateRequest{
		Contents: []content{{
			Role: "user",
			Parts: []part{
				{InlineData: &inlineData{MimeType: mimeType, Data: base64.StdEncoding.EncodeToString(image)}},
				{Text: analysisPrompt()},
			},
		}},
		GenerationConfig: &generationConfig{
			ResponseMimeType: "application/json",
			ResponseSchema:   analysisSchema,
			Temperature:      &zero,
		},
	}

	text, attempts, err := c.generate(ctx, req)
	if err != nil {
		return nil, err
	}

	analysis, err := parseAnalysis(text)
	if err != nil {
		return nil, err
	}
	analysis.Attempts = attempts

	c.logger.Info("screenshot analyzed",
		"time", domain.FormatLapTime(analysis.TotalMilliseconds),
		"car_id", analysis.CarID,
		"track_id", analysis.TrackID,
		"attempts", attempts,
	)
	return analysis, nil
}

// parseAnalysis validates the model output and drops unknown catalog ids
func parseAnalysis(text string) (*Analysis, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var raw rawAnalysis
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, &Error{Kind: KindInvalidResponse, Err: err}
	}
	if raw.Minutes == nil || raw.Seconds == nil || raw.Milliseconds == nil {
		return nil, &Error{Kind: KindInvalidResponse, Detail: "missing lap time fields"}
	}

	m, s, ms := *raw.Minutes, *raw.Seconds, *raw.Milliseconds
	if m < 0 || s < 0 || s > 59 || ms < 0 || ms > 999 {
		return nil, &Error{Kind: KindInvalidResponse, Detail: fmt.Sprintf("lap time out of range: %d:%d.%d", m, s, ms)}
	}
	total := domain.ComposeTotal(m, s, ms)
	if total <= 0 {
		return nil, &Error{Kind: KindInvalidResponse, Detail: "lap time is zero"}
	}

	analysis := &Analysis{
		Minutes:           m,
		Seconds:           s,
		Milliseconds:      ms,
		TotalMilliseconds: total,
		TrackTemp:         raw.TrackTemp,
	}
	if catalog.IsCar(raw.CarID) {
		analysis.CarID = raw.CarID
	}
	if catalog.IsTrack(raw.TrackID) {
		analysis.TrackID = raw.TrackID
	}
	return analysis, nil
}
