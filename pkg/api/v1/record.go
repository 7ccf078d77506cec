// Package v1 defines the wire types shared between the storage service and its callers.
package v1

// Record is a single prompt or context entry as stored, keyed by id.
// Prompt records carry their payload in Template, context records in Text;
// the two kinds are otherwise structurally identical and are kept under
// separate backing keys.
//
// CreatedAt and UpdatedAt are Unix milliseconds. They are managed by the
// storage facade and should be treated as read-only by callers: CreatedAt is
// set once on first save and preserved across updates, UpdatedAt is refreshed
// on every write.
type Record struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Template    string `json:"template,omitempty"`
	Text        string `json:"text,omitempty"`
	Description string `json:"description"`
	CreatedAt   int64  `json:"createdAt,omitempty"`
	UpdatedAt   int64  `json:"updatedAt,omitempty"`
}

// Clone returns a copy of the record so callers can never mutate stored state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
