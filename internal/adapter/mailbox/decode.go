package mailbox

import (
	"encoding/base64"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/jobmail-tracker/internal/domain"
	"github.com/fairyhunter13/jobmail-tracker/pkg/textx"
)

// htmlBodyLimit caps the text extracted from an HTML-only body.
const htmlBodyLimit = 2000

// rawMessage mirrors the provider's full-format message JSON.
type rawMessage struct {
	ID      string  `json:"id"`
	Payload rawPart `json:"payload"`
}

type rawPart struct {
	MimeType string      `json:"mimeType"`
	Headers  []rawHeader `json:"headers"`
	Body     rawBody     `json:"body"`
	Parts    []rawPart   `json:"parts"`
}

type rawHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type rawBody struct {
	Data string `json:"data"`
}

var htmlTagRe = regexp.MustCompile(`<[^>]+>`)

func decodeData(data string) string {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	return string(b)
}

// partMimeType returns the declared content type, sniffing the decoded bytes
// when the part does not declare one.
func partMimeType(p rawPart) string {
	if p.MimeType != "" {
		return p.MimeType
	}
	if p.Body.Data == "" {
		return ""
	}
	return mimetype.Detect([]byte(decodeData(p.Body.Data))).String()
}

// decodeBody walks MIME parts preferring text/plain, falling back to
// text/html with tags stripped and truncated.
func decodeBody(payload rawPart) string {
	if payload.Body.Data != "" {
		return decodeData(payload.Body.Data)
	}
	var htmlFallback string
	var walk func(parts []rawPart) string
	walk = func(parts []rawPart) string {
		for _, p := range parts {
			mt := partMimeType(p)
			switch {
			case strings.HasPrefix(mt, "text/plain") && p.Body.Data != "":
				return decodeData(p.Body.Data)
			case strings.HasPrefix(mt, "text/html") && p.Body.Data != "" && htmlFallback == "":
				raw := decodeData(p.Body.Data)
				htmlFallback = textx.Truncate(htmlTagRe.ReplaceAllString(raw, " "), htmlBodyLimit)
			case len(p.Parts) > 0:
				if got := walk(p.Parts); got != "" {
					return got
				}
			}
		}
		return ""
	}
	if plain := walk(payload.Parts); plain != "" {
		return plain
	}
	return htmlFallback
}

func headerMap(payload rawPart) map[string]string {
	h := make(map[string]string, len(payload.Headers))
	for _, hdr := range payload.Headers {
		h[strings.ToLower(hdr.Name)] = hdr.Value
	}
	return h
}

// decodeMessage extracts (id, subject, sender, body, received) from a raw
// provider message.
func decodeMessage(raw rawMessage) (domain.EmailMessage, error) {
	if raw.ID == "" {
		return domain.EmailMessage{}, fmt.Errorf("%w: message without id", domain.ErrMalformed)
	}
	headers := headerMap(raw.Payload)
	var received time.Time
	if dateStr := headers["date"]; dateStr != "" {
		if t, err := mail.ParseDate(dateStr); err == nil {
			received = t.UTC()
		}
	}
	return domain.EmailMessage{
		ID:         raw.ID,
		Subject:    headers["subject"],
		Sender:     headers["from"],
		Body:       textx.SanitizeText(decodeBody(raw.Payload)),
		ReceivedAt: received,
	}, nil
}
