package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// Contact holds the name and phone of a delivery counterpart,
// persisted as JSONB.
type Contact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Validate checks the required fields.
func (c Contact) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("contact: missing name")
	}
	if strings.TrimSpace(c.Phone) == "" {
		return fmt.Errorf("contact: missing phone")
	}
	return nil
}

// Value marshals the contact into JSON for Postgres.
func (c Contact) Value() (driver.Value, error) {
	buf, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Scan decodes JSONB into the contact.
func (c *Contact) Scan(value interface{}) error {
	if value == nil {
		*c = Contact{}
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("contact: unsupported scan type %T", value)
	}

	var result Contact
	if err := json.Unmarshal(raw, &result); err != nil {
		return err
	}
	*c = result
	return nil
}
