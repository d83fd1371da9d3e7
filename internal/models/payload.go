package models

// InboundPayload is the canonical, shape-independent form of an inbound webhook.
type InboundPayload struct {
	Message           string   `json:"message"`
	ContactID         string   `json:"contact_id"`
	ContactName       string   `json:"contact_name,omitempty"`
	ContactPhone      string   `json:"contact_phone,omitempty"`
	ContactEmail      string   `json:"contact_email,omitempty"`
	Tags              []string `json:"tags,omitempty"`
	ConversationID    string   `json:"conversation_id"`
	AccountExternalID string   `json:"account_external_id,omitempty"`
	ClientID          string   `json:"client_id,omitempty"`
}

// Contact returns the contact fields of the payload.
func (p InboundPayload) Contact() Contact {
	return Contact{ID: p.ContactID, Name: p.ContactName, Phone: p.ContactPhone, Email: p.ContactEmail}
}
