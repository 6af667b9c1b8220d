package httpapi

import (
	"encoding/json"
	"time"

	"github.com/SirClappington/planb/internal/domain"
)

// jobView is the public shape of a job. It never carries the token.
type jobView struct {
	ID         string          `json:"id"`
	Owner      string          `json:"owner"`
	Name       string          `json:"name"`
	AppID      string          `json:"appId"`
	Status     domain.Status   `json:"status"`
	Inputs     json.RawMessage `json:"inputs,omitempty"`
	Parameters json.RawMessage `json:"parameters,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	StartTime  *time.Time      `json:"startTime,omitempty"`
	EndTime    *time.Time      `json:"endTime,omitempty"`
}

func newJobView(rec domain.JobRecord) jobView {
	return jobView{
		ID:         rec.ID,
		Owner:      rec.Owner,
		Name:       rec.Name,
		AppID:      rec.AppID,
		Status:     rec.Status,
		Inputs:     rawJSON(rec.Inputs),
		Parameters: rawJSON(rec.Parameters),
		CreatedAt:  rec.CreatedAt,
		StartTime:  rec.StartTime,
		EndTime:    rec.EndTime,
	}
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 || !json.Valid(b) {
		return nil
	}
	return json.RawMessage(b)
}
