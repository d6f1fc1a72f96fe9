package model

import (
	"slices"
	"time"
)

// Prediction is one ranked label returned by the model server.
type Prediction struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Classification is a stored classification result. It belongs to the user
// of the key that requested it and is only readable by that user.
type Classification struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	KeyHash      string       `json:"-"`
	ImageName    string       `json:"image_name"`
	ContentType  string       `json:"content_type"`
	Predictions  []Prediction `json:"predictions"`
	Model        string       `json:"model,omitempty"`
	ProcessingMS float64      `json:"processing_ms"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Clone returns a deep copy.
func (c *Classification) Clone() *Classification {
	out := *c
	out.Predictions = slices.Clone(c.Predictions)
	return &out
}
