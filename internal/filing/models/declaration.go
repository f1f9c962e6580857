package models

import "time"

// Declaration is one legal statement the filer must accept.
type Declaration struct {
	ID       string `yaml:"id"       json:"id"`
	Text     string `yaml:"text"     json:"text"`
	Required bool   `yaml:"required" json:"required"`
}

// DeclarationSet is the immutable, versioned list of statements for a form type.
type DeclarationSet struct {
	FormType FormType      `yaml:"form_type"    json:"form_type"`
	Version  string        `yaml:"version"      json:"version"`
	Items    []Declaration `yaml:"declarations" json:"declarations"`
}

// RequiredIDs returns the ids that must be accepted, in catalog order.
func (d DeclarationSet) RequiredIDs() []string {
	ids := make([]string, 0, len(d.Items))
	for _, item := range d.Items {
		if item.Required {
			ids = append(ids, item.ID)
		}
	}
	return ids
}

// DeclarationEvidence records the circumstances of acceptance.
type DeclarationEvidence struct {
	AcceptedAt time.Time `json:"accepted_at"`
	ClientIP   string    `json:"client_ip,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	Browser    string    `json:"browser,omitempty"`
	OS         string    `json:"os,omitempty"`
	Mobile     bool      `json:"mobile"`
}
