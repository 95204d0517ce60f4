package dispatch

import (
	"strings"

	"wadesk/internal/broker"
	"wadesk/internal/domain"
)

// Payload is the normalized outbound message body. Type selects the variant;
// the other fields are variant-specific and ignored elsewhere.
type Payload struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	Caption  string            `json:"caption,omitempty"`
	MediaURL string            `json:"mediaUrl,omitempty"`
	MimeType string            `json:"mimeType,omitempty"`
	FileName string            `json:"fileName,omitempty"`
	Location *LocationPayload  `json:"location,omitempty"`
	Template *TemplatePayload  `json:"template,omitempty"`
	Contacts []ContactPayload  `json:"contacts,omitempty"`
	Poll     *PollPayload      `json:"poll,omitempty"`
}

type LocationPayload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

type TemplatePayload struct {
	Name       string            `json:"name"`
	Language   string            `json:"language,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

type ContactPayload struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type PollPayload struct {
	Question        string   `json:"question"`
	Options         []string `json:"options"`
	MultipleAnswers bool     `json:"multipleAnswers,omitempty"`
}

var mediaTypes = map[domain.MessageType]bool{
	domain.TypeImage:    true,
	domain.TypeAudio:    true,
	domain.TypeVideo:    true,
	domain.TypeDocument: true,
}

// Normalize validates the payload and returns its canonical message type.
func (p *Payload) Normalize() (domain.MessageType, error) {
	t := domain.MessageType(strings.ToUpper(strings.TrimSpace(p.Type)))
	if t == "" {
		t = domain.TypeText
	}
	p.Type = string(t)

	switch {
	case t == domain.TypeText:
		if strings.TrimSpace(p.Text) == "" {
			return "", domain.Validation("text payload requires text")
		}
	case mediaTypes[t]:
		if p.MediaURL == "" {
			return "", domain.Validation("media payload requires mediaUrl")
		}
	case t == domain.TypeLocation:
		if p.Location == nil {
			return "", domain.Validation("location payload requires location")
		}
	case t == domain.TypeContact:
		if len(p.Contacts) == 0 {
			return "", domain.Validation("contact payload requires contacts")
		}
	case t == domain.TypeTemplate:
		if p.Template == nil || p.Template.Name == "" {
			return "", domain.Validation("template payload requires template name")
		}
	case t == domain.TypePoll:
		if p.Poll == nil || p.Poll.Question == "" || len(p.Poll.Options) < 2 {
			return "", domain.Validation("poll payload requires a question and at least two options")
		}
	default:
		return "", domain.Validation("unsupported payload type " + string(t))
	}
	return t, nil
}

// Content returns the text carried on the message row for this variant.
func (p *Payload) Content() string {
	switch domain.MessageType(p.Type) {
	case domain.TypeText:
		return p.Text
	case domain.TypeTemplate:
		if p.Template != nil {
			return p.Template.Name
		}
	case domain.TypePoll:
		if p.Poll != nil {
			return p.Poll.Question
		}
	}
	return p.Caption
}

// Wire builds the broker-facing message for the given recipient.
func (p *Payload) Wire(to string) broker.OutboundMessage {
	out := broker.OutboundMessage{
		To:       to,
		Type:     p.Type,
		Text:     p.Text,
		Caption:  p.Caption,
		MediaURL: p.MediaURL,
		MimeType: p.MimeType,
		FileName: p.FileName,
	}
	if p.Location != nil {
		out.Location = &broker.Location{
			Latitude:  p.Location.Latitude,
			Longitude: p.Location.Longitude,
			Name:      p.Location.Name,
			Address:   p.Location.Address,
		}
	}
	if p.Template != nil {
		out.Template = &broker.Template{
			Name:       p.Template.Name,
			Language:   p.Template.Language,
			Parameters: p.Template.Parameters,
		}
	}
	for _, c := range p.Contacts {
		out.Contacts = append(out.Contacts, broker.ContactCard{Name: c.Name, Phone: c.Phone})
	}
	if p.Poll != nil {
		out.Poll = &broker.Poll{
			Question:        p.Poll.Question,
			Options:         p.Poll.Options,
			MultipleAnswers: p.Poll.MultipleAnswers,
		}
	}
	return out
}
