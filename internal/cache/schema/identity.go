package schema

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LocalIDPrefix marks provisional ids assigned on the device before the
// backend has seen the record.
const LocalIDPrefix = "local-"

// EmergencyContact is stored inline on a health identity.
type EmergencyContact struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	Relationship string `json:"relationship,omitempty"`
}

// HealthIdentity is a person's universal health id profile (health_ids).
type HealthIdentity struct {
	ID             string `json:"id"`
	HealthIDNumber string `json:"health_id_number"`
	UserID         string `json:"user_id,omitempty"`

	FullName    string `json:"full_name,omitempty"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
	Gender      string `json:"gender,omitempty"`
	BloodGroup  string `json:"blood_group,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Email       string `json:"email,omitempty"`
	Address     string `json:"address,omitempty"`
	StateCode   string `json:"state_code,omitempty"`

	EmergencyContact  *EmergencyContact `json:"emergency_contact,omitempty"`
	Allergies         []string          `json:"allergies,omitempty"`
	ChronicConditions []string          `json:"chronic_conditions,omitempty"`

	IsActive  bool   `json:"is_active"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`

	// Local-only sync bookkeeping; never sent to the backend.
	PendingVerification bool       `json:"pending_verification"`
	SyncedAt            *time.Time `json:"synced_at,omitempty"`
	ServerID            string     `json:"server_id,omitempty"`
}

func (h *HealthIdentity) RecordID() string      { return h.ID }
func (h *HealthIdentity) Collection() Collection { return HealthIDs }

// Validate checks the fields the cache depends on.
func (h *HealthIdentity) Validate() error {
	if h.ID == "" {
		return fmt.Errorf("id is required")
	}
	if h.HealthIDNumber == "" {
		return fmt.Errorf("health_id_number is required")
	}
	return nil
}

// IsProvisional reports whether the record still carries a device-assigned id.
func (h *HealthIdentity) IsProvisional() bool {
	return strings.HasPrefix(h.ID, LocalIDPrefix)
}

// localOnlyFields are stripped from anything sent to the backend.
var localOnlyFields = []string{"id", "pending_verification", "synced_at", "server_id"}

// InsertPayload returns the record as a backend insert body: every field
// except the provisional id and the sync bookkeeping.
func (h *HealthIdentity) InsertPayload() (map[string]any, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal health identity: %w", err)
	}

	var payload map[string]any
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to build insert payload: %w", err)
	}

	for _, f := range localOnlyFields {
		delete(payload, f)
	}
	return payload, nil
}

// ReconciledPatch is the merge patch applied to a pending record once the
// backend has confirmed it. serverID is empty when the backend row is not
// known to be this record, or carried no id.
func ReconciledPatch(syncedAt time.Time, serverID string) map[string]any {
	patch := map[string]any{
		"pending_verification": false,
		"synced_at":            syncedAt.UTC().Format(time.RFC3339Nano),
	}
	if serverID != "" {
		patch["server_id"] = serverID
	}
	return patch
}
