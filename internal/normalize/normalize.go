// Package normalize turns heterogeneous inbound webhook bodies into a canonical payload.
//
// The platform has sent the same logical field under several names over time. Each field
// is looked up through an ordered alias list: the underscored top-level name first, then
// the nested object path, then camelCase, then bare names. The first non-empty hit wins.
package normalize

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/BTreeMap/LeadPipe/internal/models"
	"github.com/tidwall/gjson"
)

// ClientIDHeader carries the client identifier when the body does not.
const ClientIDHeader = "X-Client-ID"

var (
	messagePaths        = []string{"message_body", "message.body", "messageBody", "body", "text", "message"}
	contactIDPaths      = []string{"contact_id", "contact.id", "contactId"}
	contactNamePaths    = []string{"full_name", "contact.name", "contactName", "name"}
	contactPhonePaths   = []string{"phone", "contact.phone", "contactPhone"}
	contactEmailPaths   = []string{"email", "contact.email", "contactEmail"}
	tagPaths            = []string{"tags", "contact.tags", "contactTags"}
	conversationIDPaths = []string{"conversation_id", "conversation.id", "conversationId"}
	locationIDPaths     = []string{"location_id", "location.id", "locationId"}
	clientIDPaths       = []string{"customData.clientID", "customData.client_id", "custom_data.client_id", "customData.clientId"}
)

// Normalize extracts the canonical payload from body. It fails with models.ErrNormalization
// when the body is not a JSON object or carries no message body or no contact id.
func Normalize(body []byte, header http.Header) (models.InboundPayload, error) {
	var p models.InboundPayload
	if !gjson.ValidBytes(body) {
		return p, fmt.Errorf("%w: body is not valid JSON", models.ErrNormalization)
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return p, fmt.Errorf("%w: body is not a JSON object", models.ErrNormalization)
	}

	p.Message = firstString(root, messagePaths)
	if p.Message == "" {
		return p, fmt.Errorf("%w: no message body", models.ErrNormalization)
	}
	p.ContactID = firstString(root, contactIDPaths)
	if p.ContactID == "" {
		return p, fmt.Errorf("%w: no contact id", models.ErrNormalization)
	}

	p.ContactName = contactName(root)
	p.ContactPhone = firstString(root, contactPhonePaths)
	p.ContactEmail = firstString(root, contactEmailPaths)
	p.Tags = firstTags(root, tagPaths)
	p.ConversationID = firstString(root, conversationIDPaths)
	if p.ConversationID == "" {
		p.ConversationID = p.ContactID
	}
	p.AccountExternalID = firstString(root, locationIDPaths)
	p.ClientID = firstString(root, clientIDPaths)
	if p.ClientID == "" && header != nil {
		p.ClientID = strings.TrimSpace(header.Get(ClientIDHeader))
	}
	return p, nil
}

// firstString returns the first alias holding a non-empty scalar. Objects and arrays are
// skipped so that a nested "message" object does not shadow a later alias.
func firstString(root gjson.Result, paths []string) string {
	for _, path := range paths {
		r := root.Get(path)
		switch r.Type {
		case gjson.String, gjson.Number:
			if s := strings.TrimSpace(r.String()); s != "" {
				return s
			}
		}
	}
	return ""
}

func contactName(root gjson.Result) string {
	if name := firstString(root, contactNamePaths); name != "" {
		return name
	}
	if name := joinName(root, "first_name", "last_name"); name != "" {
		return name
	}
	return joinName(root, "contact.firstName", "contact.lastName")
}

func joinName(root gjson.Result, firstPath, lastPath string) string {
	first := strings.TrimSpace(root.Get(firstPath).String())
	last := strings.TrimSpace(root.Get(lastPath).String())
	return strings.TrimSpace(first + " " + last)
}

// firstTags accepts either a JSON array or a comma-separated string. Values are trimmed,
// and empties and case-insensitive duplicates are dropped, preserving first-seen order.
func firstTags(root gjson.Result, paths []string) []string {
	for _, path := range paths {
		r := root.Get(path)
		var raw []string
		switch {
		case r.IsArray():
			for _, v := range r.Array() {
				raw = append(raw, v.String())
			}
		case r.Type == gjson.String:
			raw = strings.Split(r.String(), ",")
		default:
			continue
		}
		if tags := cleanTags(raw); len(tags) > 0 {
			return tags
		}
	}
	return nil
}

func cleanTags(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	var out []string
	for _, t := range raw {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		key := strings.ToLower(t)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, t)
	}
	return out
}
