package notifications

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	signer, err := NewLinkSigner("link-secret")
	require.NoError(t, err)
	renderer, err := NewRenderer(RendererConfig{
		BaseURL:  "https://pawnwatch.example",
		FromName: "PawnWatch",
	}, signer)
	require.NoError(t, err)
	return renderer
}

func TestRenderer_GameStart(t *testing.T) {
	renderer := newTestRenderer(t)

	email, err := renderer.Render(KindGameStart, &GameStartData{
		Username:    "hikaru",
		Opponent:    "magnus",
		TimeControl: "180+1",
		TimeClass:   "blitz",
		GameURL:     "https://www.chess.com/game/live/12345",
		Rated:       true,
	}, "rcp-1", "hikaru")
	require.NoError(t, err)

	assert.Equal(t, "🏆 hikaru is now playing live on Chess.com!", email.Subject)
	assert.Contains(t, email.HTML, "hikaru")
	assert.Contains(t, email.HTML, "magnus")
	assert.Contains(t, email.HTML, "https://www.chess.com/game/live/12345")
	assert.Contains(t, email.HTML, "https://pawnwatch.example/unsubscribe?token=")
	assert.Contains(t, email.HTML, "https://pawnwatch.example/preferences?token=")
	assert.Contains(t, email.Text, "hikaru")
	assert.Contains(t, email.Text, "https://pawnwatch.example/unsubscribe?token=")
}

func TestRenderer_AllKindsRender(t *testing.T) {
	renderer := newTestRenderer(t)

	payloads := map[TemplateKind]TemplateData{
		KindGameStart: &GameStartData{Username: "hikaru"},
		KindGameEnd:   &GameEndData{Username: "hikaru", Result: "won"},
		KindWelcome:   &WelcomeData{Username: "hikaru"},
		KindDigest: &DigestData{
			PeriodStart: time.Now().Add(-24 * time.Hour),
			PeriodEnd:   time.Now(),
			Players:     []DigestPlayer{{Username: "hikaru", GamesPlayed: 7, Wins: 5, Losses: 1, Draws: 1}},
		},
	}

	for kind, data := range payloads {
		email, err := renderer.Render(kind, data, "rcp-1", "hikaru")
		require.NoError(t, err, "kind %s", kind)
		assert.NotEmpty(t, email.Subject, "kind %s", kind)
		assert.NotEmpty(t, email.HTML, "kind %s", kind)
		assert.NotEmpty(t, email.Text, "kind %s", kind)
	}
}

func TestRenderer_EscapesHostileUsername(t *testing.T) {
	renderer := newTestRenderer(t)

	hostile := `<script>alert("pwned")</script>`
	email, err := renderer.Render(KindGameStart, &GameStartData{
		Username: hostile,
		Opponent: `"><img src=x onerror=alert(1)>`,
	}, "rcp-1", hostile)
	require.NoError(t, err)

	assert.NotContains(t, email.HTML, "<script>")
	assert.NotContains(t, email.HTML, "<img")
	assert.Contains(t, email.HTML, "&lt;script&gt;")

	// The plain-text variant carries no markup at all.
	assert.NotContains(t, email.Text, "<")
	assert.NotContains(t, email.Text, ">")
}

func TestRenderer_SubjectIsNotEscaped(t *testing.T) {
	renderer := newTestRenderer(t)

	email, err := renderer.Render(KindGameStart, &GameStartData{Username: "o'brien"}, "rcp-1", "o'brien")
	require.NoError(t, err)

	// Subjects are plain strings for the mail provider, not HTML.
	assert.Equal(t, "🏆 o'brien is now playing live on Chess.com!", email.Subject)
}

func TestRenderer_UnknownKind(t *testing.T) {
	renderer := newTestRenderer(t)

	_, err := renderer.Render(TemplateKind("promo"), &GameStartData{Username: "hikaru"}, "rcp-1", "hikaru")
	assert.ErrorIs(t, err, ErrInvalidTemplateKind)
}

func TestRenderer_DigestListsEveryPlayer(t *testing.T) {
	renderer := newTestRenderer(t)

	email, err := renderer.Render(KindDigest, &DigestData{
		PeriodStart: time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC),
		Players: []DigestPlayer{
			{Username: "hikaru", GamesPlayed: 12, Wins: 9, Losses: 2, Draws: 1},
			{Username: "magnus", GamesPlayed: 4, Wins: 4},
		},
	}, "rcp-1", "")
	require.NoError(t, err)

	for _, username := range []string{"hikaru", "magnus"} {
		assert.Contains(t, email.HTML, username)
		assert.Contains(t, email.Text, username)
	}
}

func TestRenderer_LinksAreScopedToRecipient(t *testing.T) {
	renderer := newTestRenderer(t)
	signer, err := NewLinkSigner("link-secret")
	require.NoError(t, err)

	email, err := renderer.Render(KindWelcome, &WelcomeData{Username: "hikaru"}, "rcp-1", "hikaru")
	require.NoError(t, err)

	start := strings.Index(email.Text, "/unsubscribe?token=")
	require.GreaterOrEqual(t, start, 0)
	token := email.Text[start+len("/unsubscribe?token="):]
	if end := strings.IndexAny(token, " \n"); end >= 0 {
		token = token[:end]
	}

	claims, err := signer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "rcp-1", claims.RecipientID)
	assert.Equal(t, "hikaru", claims.PlayerKey)
	assert.Equal(t, ActionUnsubscribe, claims.Action)
}
