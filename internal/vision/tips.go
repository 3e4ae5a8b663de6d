package vision

import (
	"context"
	"fmt"

	"github.com/acc-tracker/internal/catalog"
	"github.com/acc-tracker/internal/domain"
)

// Fallback replies of the race engineer
const (
	TipsOffline = "Race Engineer Offline: API Key missing."
	TipsStatic  = "Static on the radio. Unable to reach Race Control right now. Please try again later."
	TipsEmpty   = "Radio check failed. No data received from Race Control."
)

func tipsPrompt(track catalog.Track, car catalog.Car) string {
	return fmt.Sprintf(`Act as a professional Assetto Corsa Competizione (ACC) race engineer and driving coach.

I am driving the %s at %s.

Please provide:
1. A brief strategic overview of this car/track combination.
2. Three specific driving tips for this track (braking points, key corners, or gear selection).
3. An optimal tire pressure target (psi) for dry conditions.

Keep the response concise, formatted in Markdown, and under 300 words. Focus on being helpful for improving lap times.`,
		car.Name, track.Name)
}

// Tips returns Markdown advice for a track and car. Provider failures are
// answered with a fixed message, never an error; only unknown ids fail.
func (c *Client) Tips(ctx context.Context, trackID, carID string) (string, error) {
	track, ok := catalog.TrackByID(trackID)
	if !ok {
		return "", domain.NewValidationError("track", "unknown track "+trackID)
	}
	car, ok := catalog.CarByID(carID)
	if !ok {
		return "", domain.NewValidationError("car", "unknown car "+carID)
	}

	if !c.Configured() {
		return TipsOffline, nil
	}

	text, _, err := c.generate(ctx, generateRequest{
		Contents: []content{{Role: "user", Parts: []part{{Text: tipsPrompt(track, car)}}}},
	})
	if err != nil {
		c.logger.Error("race engineer request failed", "track_id", trackID, "car_id", carID, "error", err)
		return TipsStatic, nil
	}
	if text == "" {
		return TipsEmpty, nil
	}
	return text, nil
}
