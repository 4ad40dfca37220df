package polls

// Poll is a question with a fixed list of options
// and one vote counter per option
type Poll struct {
	ID        uint64   `json:"id"`
	Question  string   `json:"question"`
	Options   []string `json:"options"`
	Votes     []uint64 `json:"votes"`
	CreatedAt uint64   `json:"created_at"`
	// UpdatedAt is nil until the first vote
	UpdatedAt *uint64 `json:"updated_at,omitempty"`
}
