// Package formatter renders the opaque channel payload for one qualifying
// match. The delivery provider owns templating and localization; this
// renderer emits the structured facts the provider's templates consume,
// tagged with the user's preferred language.
package formatter

import (
	"context"
	"encoding/json"

	"schemealert/internal/types"
)

const defaultLanguage = "en"

// JSON renders scheme alert payloads as compact JSON documents.
type JSON struct{}

// NewJSON creates the JSON payload renderer.
func NewJSON() *JSON {
	return &JSON{}
}

var _ types.MessageFormatter = (*JSON)(nil)

type alertPayload struct {
	Type              string   `json:"type"`
	SchemeID          string   `json:"scheme_id"`
	SchemeTitle       string   `json:"scheme_title"`
	MatchScore        int      `json:"match_score"`
	Reasons           []string `json:"reasons,omitempty"`
	SuccessRate       float64  `json:"success_rate,omitempty"`
	AvgProcessingDays int      `json:"avg_processing_days,omitempty"`
	OnlineApplication bool     `json:"online_application"`
	Language          string   `json:"language"`
	Channel           string   `json:"channel"`
}

// Render produces the payload for one (user, scheme, match) triple. The
// channel is included so the provider can pick length-appropriate templates;
// text messages get tighter copy than chat cards.
func (f *JSON) Render(_ context.Context, user types.UserProfile, scheme types.Scheme, match types.MatchResult, channel types.Channel) ([]byte, error) {
	language := user.Prefs.Language
	if language == "" {
		language = defaultLanguage
	}

	payload := alertPayload{
		Type:              "scheme_alert",
		SchemeID:          scheme.ID,
		SchemeTitle:       scheme.Title,
		MatchScore:        match.MatchScore,
		Reasons:           match.Reasons,
		SuccessRate:       scheme.SuccessRate,
		AvgProcessingDays: scheme.AvgProcessingDays,
		OnlineApplication: scheme.OnlineApplication,
		Language:          language,
		Channel:           string(channel),
	}

	return json.Marshal(payload)
}
