package models

import "time"

// DeadLetter keeps an evicted record so the lost write stays inspectable and can be requeued.
type DeadLetter struct {
	ID        string         `json:"id"`
	Record    MutationRecord `json:"record"`
	Reason    string         `json:"reason"`
	Permanent bool           `json:"permanent"` // evicted by failure classification, not by retry budget
	EvictedAt int64          `json:"evictedAt"` // unix milliseconds
}

// EvictedAtTime returns EvictedAt as time.Time.
func (d *DeadLetter) EvictedAtTime() time.Time {
	return time.UnixMilli(d.EvictedAt)
}
