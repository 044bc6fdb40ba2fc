package models

// Candidate is a scraped member identity considered for an add attempt.
// AccessHash is the per-session hash required to address the user from the
// account that scraped it.
type Candidate struct {
	UserID     int64  `json:"user_id"`
	AccessHash int64  `json:"access_hash"`
	Username   string `json:"username,omitempty"`
	FirstName  string `json:"first_name,omitempty"`

	// Raw flags from the participant page; the scraper drops candidates
	// carrying any of them.
	Bot     bool `json:"bot,omitempty"`
	Deleted bool `json:"deleted,omitempty"`
	Self    bool `json:"self,omitempty"`
}
