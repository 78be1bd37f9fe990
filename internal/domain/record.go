package domain

import (
	"encoding/json"
	"time"
)

// UnavailableSentinel marks a detail field that was checked and does not exist for the record.
var UnavailableSentinel = json.RawMessage(`{"unavailable":true}`)

// IsUnavailable reports whether raw holds the unavailable sentinel.
func IsUnavailable(raw json.RawMessage) bool {
	return string(raw) == string(UnavailableSentinel)
}

// Record is one activity pulled from the provider. A nil StreamsData or LapsData means
// the sub-resource has not been fetched yet.
type Record struct {
	ID                 int64           `json:"id"`
	UserID             int64           `json:"user_id"`
	ExternalID         int64           `json:"external_id"`
	Name               string          `json:"name"`
	SportType          string          `json:"sport_type"`
	StartDate          time.Time       `json:"start_date"`
	Distance           float64         `json:"distance"`
	MovingTime         int             `json:"moving_time"`
	ElapsedTime        int             `json:"elapsed_time"`
	TotalElevationGain float64         `json:"total_elevation_gain"`
	StreamsData        json.RawMessage `json:"streams_data,omitempty"`
	LapsData           json.RawMessage `json:"laps_data,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

func (r Record) HasStreams() bool { return r.StreamsData != nil }
func (r Record) HasLaps() bool    { return r.LapsData != nil }

// Activity is the summary shape returned by the provider's list endpoint.
type Activity struct {
	ID                 int64     `json:"id"`
	Name               string    `json:"name"`
	SportType          string    `json:"sport_type"`
	StartDate          time.Time `json:"start_date"`
	Distance           float64   `json:"distance"`
	MovingTime         int       `json:"moving_time"`
	ElapsedTime        int       `json:"elapsed_time"`
	TotalElevationGain float64   `json:"total_elevation_gain"`
}

// NewRecord converts a listed activity into the fields persisted for a new record.
func NewRecord(userID int64, a Activity) Record {
	return Record{
		UserID:             userID,
		ExternalID:         a.ID,
		Name:               a.Name,
		SportType:          a.SportType,
		StartDate:          a.StartDate,
		Distance:           a.Distance,
		MovingTime:         a.MovingTime,
		ElapsedTime:        a.ElapsedTime,
		TotalElevationGain: a.TotalElevationGain,
	}
}

// RecordPatch carries partial updates; nil fields are left untouched.
type RecordPatch struct {
	StreamsData json.RawMessage
	LapsData    json.RawMessage
}

func (p RecordPatch) IsEmpty() bool { return p.StreamsData == nil && p.LapsData == nil }

type Credentials struct {
	UserID       int64     `json:"user_id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expiring reports whether the access token expires within skew of now. A zero ExpiresAt never expires.
func (c Credentials) Expiring(now time.Time, skew time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.ExpiresAt)
}
