package models

// AccessRecord is a roster entry for one chat user.
type AccessRecord struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
	Bot    bool   `json:"bot"`
}
