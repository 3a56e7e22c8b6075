package gmail

import (
	"encoding/base64"
	"strings"

	gmailapi "google.golang.org/api/gmail/v1"
)

// extractBodyText derives plain body text from a message payload: the
// top-level body when present, otherwise the first text/plain part one
// level deep. Deeper multipart trees are out of scope; the result only
// feeds bounded-length prompt excerpts.
func extractBodyText(payload *gmailapi.MessagePart) string {
	if payload.Body != nil && payload.Body.Data != "" {
		if text := decodeBodyData(payload.Body.Data); text != "" {
			return text
		}
	}

	for _, part := range payload.Parts {
		if part.MimeType == "text/plain" && part.Body != nil && part.Body.Data != "" {
			if text := decodeBodyData(part.Body.Data); text != "" {
				return text
			}
		}
	}

	return ""
}

// decodeBodyData decodes Gmail's base64url body data, which arrives
// with or without padding depending on the message.
func decodeBodyData(data string) string {
	if decoded, err := base64.RawURLEncoding.DecodeString(data); err == nil {
		return string(decoded)
	}

	if decoded, err := base64.URLEncoding.DecodeString(data); err == nil {
		return string(decoded)
	}

	if pad := len(data) % 4; pad != 0 {
		padded := data + strings.Repeat("=", 4-pad)
		if decoded, err := base64.URLEncoding.DecodeString(padded); err == nil {
			return string(decoded)
		}
	}

	return ""
}
