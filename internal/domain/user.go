package domain

// Principal is the caller identity attached to a request by the identity middleware.
type Principal struct {
	UserID    string            `json:"user_id"`
	Username  string            `json:"username"`
	Anonymous bool              `json:"anonymous"`
	Claims    map[string]string `json:"claims,omitempty"`
}

// Claim returns a string claim or empty string when absent.
func (p *Principal) Claim(name string) string {
	if p == nil || p.Claims == nil {
		return ""
	}
	return p.Claims[name]
}
