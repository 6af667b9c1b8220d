package domain

import "time"

// JobRecord is one persisted job as the registry stores it. Inputs and
// Parameters are serialized mappings the registry never interprets.
type JobRecord struct {
	ID         string
	Owner      string
	Token      string
	AppID      string
	Name       string
	Status     Status
	Inputs     []byte
	Parameters []byte
	CreatedAt  time.Time
	StartTime  *time.Time
	EndTime    *time.Time
}
