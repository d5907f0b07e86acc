package models

// Recipient is read from the user store. Phone is only needed by SMS.
type Recipient struct {
	ID    string `json:"id" db:"id"`
	Name  string `json:"name" db:"name"`
	Email string `json:"email" db:"email"`
	Phone string `json:"phone,omitempty" db:"phone"`
}

// TemplateContext is the "user" value exposed to templates.
func (r Recipient) TemplateContext() map[string]interface{} {
	return map[string]interface{}{
		"id":    r.ID,
		"name":  r.Name,
		"email": r.Email,
	}
}
