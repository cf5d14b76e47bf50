package notifications

import (
	"embed"
	"fmt"
	htmltemplate "html/template"
	"net/url"
	"strings"
	texttemplate "text/template"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// RenderedEmail is the output of a single render: one subject line and
// both body variants. Callers send both variants in a multipart
// message.
type RenderedEmail struct {
	Subject string
	HTML    string
	Text    string
}

// RendererConfig holds the settings the renderer needs to build signed
// recipient links.
type RendererConfig struct {
	// BaseURL is the public origin for unsubscribe and preferences
	// links, without a trailing slash.
	BaseURL string
	// FromName appears in template footers.
	FromName string
}

// Renderer turns a template kind plus typed payload into a complete
// email. Templates are parsed once at construction, so a renderer that
// constructs successfully cannot fail on a missing template later.
type Renderer struct {
	html    map[TemplateKind]*htmltemplate.Template
	text    map[TemplateKind]*texttemplate.Template
	signer  *LinkSigner
	baseURL string
	from    string
}

// templateContext is what every template executes against.
type templateContext struct {
	Data           any
	FromName       string
	UnsubscribeURL string
	PreferencesURL string
	Year           int
}

var titleCaser = cases.Title(language.English)

func templateFuncs() map[string]any {
	return map[string]any{
		"title": titleCaser.String,
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"formatTime": func(t time.Time) string {
			return t.UTC().Format("Jan 2, 2006 15:04 MST")
		},
	}
}

// textMarkupStripper removes angle brackets from the plain-text
// variant so payload fields can never smuggle markup into it.
var textMarkupStripper = strings.NewReplacer("<", "", ">", "")

// NewRenderer parses all embedded templates and returns a renderer.
func NewRenderer(cfg RendererConfig, signer *LinkSigner) (*Renderer, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("renderer: base URL is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("renderer: link signer is required")
	}

	r := &Renderer{
		html:    make(map[TemplateKind]*htmltemplate.Template),
		text:    make(map[TemplateKind]*texttemplate.Template),
		signer:  signer,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		from:    cfg.FromName,
	}

	for kind := range validKinds {
		name := string(kind)

		ht, err := htmltemplate.New(name + ".html.tmpl").
			Funcs(templateFuncs()).
			ParseFS(templateFS, "templates/"+name+".html.tmpl")
		if err != nil {
			return nil, fmt.Errorf("parse html template %q: %w", name, err)
		}
		r.html[kind] = ht

		tt, err := texttemplate.New(name + ".txt.tmpl").
			Funcs(templateFuncs()).
			ParseFS(templateFS, "templates/"+name+".txt.tmpl")
		if err != nil {
			return nil, fmt.Errorf("parse text template %q: %w", name, err)
		}
		r.text[kind] = tt
	}

	return r, nil
}

// Render produces the subject and both body variants for one queue
// item. Template execution errors are permanent: the same payload
// renders the same way on every attempt.
func (r *Renderer) Render(kind TemplateKind, data TemplateData, recipientID, playerKey string) (*RenderedEmail, error) {
	ht, ok := r.html[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTemplateKind, kind)
	}
	tt := r.text[kind]

	ctx, err := r.buildContext(data, recipientID, playerKey)
	if err != nil {
		return nil, err
	}

	var htmlBuf strings.Builder
	if err := ht.Execute(&htmlBuf, ctx); err != nil {
		return nil, fmt.Errorf("render html %q: %w", kind, err)
	}

	var textBuf strings.Builder
	if err := tt.Execute(&textBuf, ctx); err != nil {
		return nil, fmt.Errorf("render text %q: %w", kind, err)
	}

	return &RenderedEmail{
		Subject: subjectFor(kind, data),
		HTML:    htmlBuf.String(),
		Text:    textMarkupStripper.Replace(textBuf.String()),
	}, nil
}

func (r *Renderer) buildContext(data TemplateData, recipientID, playerKey string) (*templateContext, error) {
	unsubToken, err := r.signer.Sign(ActionUnsubscribe, recipientID, playerKey)
	if err != nil {
		return nil, err
	}
	prefsToken, err := r.signer.Sign(ActionPreferences, recipientID, playerKey)
	if err != nil {
		return nil, err
	}

	return &templateContext{
		Data:           data,
		FromName:       r.from,
		UnsubscribeURL: r.baseURL + "/unsubscribe?token=" + url.QueryEscape(unsubToken),
		PreferencesURL: r.baseURL + "/preferences?token=" + url.QueryEscape(prefsToken),
		Year:           time.Now().UTC().Year(),
	}, nil
}

func subjectFor(kind TemplateKind, data TemplateData) string {
	switch d := data.(type) {
	case *GameStartData:
		return fmt.Sprintf("🏆 %s is now playing live on Chess.com!", d.Username)
	case *GameEndData:
		return fmt.Sprintf("%s finished a game on Chess.com", d.Username)
	case *WelcomeData:
		return fmt.Sprintf("You're now watching %s on Chess.com", d.Username)
	case *DigestData:
		return "Your chess activity digest"
	default:
		return fmt.Sprintf("Chess.com update (%s)", kind)
	}
}
