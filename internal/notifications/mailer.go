package notifications

import (
	"context"
	"errors"
)

// Message is one fully rendered email ready for transmission.
type Message struct {
	To      string
	Subject string
	HTML    string
	Text    string
}

// Mailer transmits a rendered message and returns the provider's
// message id. Implementations classify their failures by returning
// errors that implement Classification().
type Mailer interface {
	Send(ctx context.Context, msg Message) (providerMessageID string, err error)
}

// Classify maps a dispatch error to its failure class. Errors that
// carry their own classification are trusted; context deadline and
// cancellation, along with everything unrecognized, count as transient
// so the retry budget decides their fate.
func Classify(err error) FailureClass {
	var classified interface{ Classification() FailureClass }
	if errors.As(err, &classified) {
		return classified.Classification()
	}
	return FailureTransient
}
