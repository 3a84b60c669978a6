package mailbox

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func b64(s string) string { return base64.RawURLEncoding.EncodeToString([]byte(s)) }

func TestDecodeMessage_PlainTextPart(t *testing.T) {
	raw := rawMessage{
		ID: "m1",
		Payload: rawPart{
			MimeType: "multipart/alternative",
			Headers: []rawHeader{
				{Name: "Subject", Value: "Thanks for applying"},
				{Name: "From", Value: "careers@acme.com"},
				{Name: "Date", Value: "Mon, 02 Jan 2006 15:04:05 -0700"},
			},
			Parts: []rawPart{
				{MimeType: "text/html", Body: rawBody{Data: b64("<p>ignored when plain exists</p>")}},
				{MimeType: "text/plain", Body: rawBody{Data: b64("We received your application.")}},
			},
		},
	}
	msg, err := decodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "Thanks for applying", msg.Subject)
	assert.Equal(t, "careers@acme.com", msg.Sender)
	assert.Equal(t, "We received your application.", msg.Body)
	assert.Equal(t, 2006, msg.ReceivedAt.Year())
}

func TestDecodeMessage_HTMLFallbackStripsTagsAndTruncates(t *testing.T) {
	long := strings.Repeat("word ", 600) // > 2000 chars once tags are gone
	raw := rawMessage{
		ID: "m2",
		Payload: rawPart{
			MimeType: "multipart/alternative",
			Parts: []rawPart{
				{MimeType: "text/html", Body: rawBody{Data: b64("<div><b>Hello</b> " + long + "</div>")}},
			},
		},
	}
	msg, err := decodeMessage(raw)
	require.NoError(t, err)
	assert.NotContains(t, msg.Body, "<")
	assert.Contains(t, msg.Body, "Hello")
	assert.LessOrEqual(t, len(msg.Body), htmlBodyLimit)
}

func TestDecodeMessage_NestedParts(t *testing.T) {
	raw := rawMessage{
		ID: "m3",
		Payload: rawPart{
			MimeType: "multipart/mixed",
			Parts: []rawPart{
				{
					MimeType: "multipart/alternative",
					Parts: []rawPart{
						{MimeType: "text/plain", Body: rawBody{Data: b64("nested body")}},
					},
				},
			},
		},
	}
	msg, err := decodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "nested body", msg.Body)
}

func TestDecodeMessage_TopLevelBody(t *testing.T) {
	raw := rawMessage{
		ID:      "m4",
		Payload: rawPart{MimeType: "text/plain", Body: rawBody{Data: b64("direct body")}},
	}
	msg, err := decodeMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "direct body", msg.Body)
}

func TestDecodeMessage_MissingID(t *testing.T) {
	_, err := decodeMessage(rawMessage{})
	require.Error(t, err)
}

func TestDecodeMessage_SniffsUndeclaredMimeType(t *testing.T) {
	raw := rawMessage{
		ID: "m5",
		Payload: rawPart{
			MimeType: "multipart/alternative",
			Parts: []rawPart{
				{Body: rawBody{Data: b64("<html><body>Sniffed html</body></html>")}},
			},
		},
	}
	msg, err := decodeMessage(raw)
	require.NoError(t, err)
	assert.Contains(t, msg.Body, "Sniffed html")
	assert.NotContains(t, msg.Body, "<html>")
}
