package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// TemplateKind identifies one of the enumerated notification templates.
type TemplateKind string

// Template kinds.
const (
	KindGameStart TemplateKind = "game_start"
	KindGameEnd   TemplateKind = "game_end"
	KindWelcome   TemplateKind = "welcome"
	KindDigest    TemplateKind = "digest"
)

// validKinds is the set of recognized template kinds.
var validKinds = map[TemplateKind]bool{
	KindGameStart: true,
	KindGameEnd:   true,
	KindWelcome:   true,
	KindDigest:    true,
}

// Valid reports whether k is a recognized template kind.
func (k TemplateKind) Valid() bool {
	return validKinds[k]
}

// TemplateData is the typed payload for one template kind. Each kind
// carries its own required-field set, validated at the queue boundary so
// malformed payloads never reach rendering.
type TemplateData interface {
	Kind() TemplateKind
	Validate() error
}

// GameStartData is the payload for a live-game-started notification.
// GameURL and TimeControl are optional: when absent the game-details
// block is omitted from the rendered output.
type GameStartData struct {
	Username    string `json:"username"`
	PlayerName  string `json:"player_name,omitempty"`
	GameURL     string `json:"game_url,omitempty"`
	TimeControl string `json:"time_control,omitempty"`
	TimeClass   string `json:"time_class,omitempty"`
	Opponent    string `json:"opponent,omitempty"`
	Rated       bool   `json:"rated,omitempty"`
}

// Kind implements TemplateData.
func (GameStartData) Kind() TemplateKind { return KindGameStart }

// Validate implements TemplateData.
func (d GameStartData) Validate() error {
	if d.Username == "" {
		return fmt.Errorf("%w: game_start requires username", ErrMissingTemplateData)
	}
	return nil
}

// GameEndData is the payload for a game-finished notification.
type GameEndData struct {
	Username   string `json:"username"`
	PlayerName string `json:"player_name,omitempty"`
	Result     string `json:"result"` // won, lost, drew
	GameURL    string `json:"game_url,omitempty"`
	Opponent   string `json:"opponent,omitempty"`
	TimeClass  string `json:"time_class,omitempty"`
}

// Kind implements TemplateData.
func (GameEndData) Kind() TemplateKind { return KindGameEnd }

// Validate implements TemplateData.
func (d GameEndData) Validate() error {
	if d.Username == "" {
		return fmt.Errorf("%w: game_end requires username", ErrMissingTemplateData)
	}
	if d.Result == "" {
		return fmt.Errorf("%w: game_end requires result", ErrMissingTemplateData)
	}
	return nil
}

// WelcomeData is the payload for a subscription-confirmation notification.
type WelcomeData struct {
	Username      string `json:"username"` // the player being watched
	PlayerName    string `json:"player_name,omitempty"`
	RecipientName string `json:"recipient_name,omitempty"`
}

// Kind implements TemplateData.
func (WelcomeData) Kind() TemplateKind { return KindWelcome }

// Validate implements TemplateData.
func (d WelcomeData) Validate() error {
	if d.Username == "" {
		return fmt.Errorf("%w: welcome requires username", ErrMissingTemplateData)
	}
	return nil
}

// DigestPlayer summarizes one monitored player's activity within a digest
// period.
type DigestPlayer struct {
	Username    string `json:"username"`
	GamesPlayed int    `json:"games_played"`
	Wins        int    `json:"wins"`
	Losses      int    `json:"losses"`
	Draws       int    `json:"draws"`
}

// DigestData is the payload for a periodic activity summary.
type DigestData struct {
	PeriodStart time.Time      `json:"period_start"`
	PeriodEnd   time.Time      `json:"period_end"`
	Players     []DigestPlayer `json:"players"`
}

// Kind implements TemplateData.
func (DigestData) Kind() TemplateKind { return KindDigest }

// Validate implements TemplateData.
func (d DigestData) Validate() error {
	if len(d.Players) == 0 {
		return fmt.Errorf("%w: digest requires at least one player", ErrMissingTemplateData)
	}
	for _, p := range d.Players {
		if p.Username == "" {
			return fmt.Errorf("%w: digest player entry requires username", ErrMissingTemplateData)
		}
	}
	return nil
}

// ParseTemplateData decodes and validates a raw payload for the given
// kind. Unknown fields are rejected so payload drift is caught at the
// boundary rather than surfacing as blank template output.
func ParseTemplateData(kind TemplateKind, raw []byte) (TemplateData, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTemplateKind, kind)
	}

	var data TemplateData
	switch kind {
	case KindGameStart:
		data = &GameStartData{}
	case KindGameEnd:
		data = &GameEndData{}
	case KindWelcome:
		data = &WelcomeData{}
	case KindDigest:
		data = &DigestData{}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(data); err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrMissingTemplateData, kind, err)
	}
	if err := data.Validate(); err != nil {
		return nil, err
	}
	return data, nil
}
