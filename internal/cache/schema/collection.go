package schema

import (
	"encoding/json"
	"fmt"
)

// Collection describes one cached table: its name and the secondary fields
// the local store indexes.
type Collection struct {
	Name   string
	Fields []string
}

// Declares reports whether field can be used for lookups on c.
// The primary key "id" is always declared.
func (c Collection) Declares(field string) bool {
	if field == "id" {
		return true
	}
	for _, f := range c.Fields {
		if f == field {
			return true
		}
	}
	return false
}

func (c Collection) String() string {
	return c.Name
}

var (
	HealthIDs = Collection{
		Name:   "health_ids",
		Fields: []string{"health_id_number", "pending_verification"},
	}
	FamilyMembers = Collection{
		Name:   "family_members",
		Fields: []string{"primary_health_id"},
	}
	Vaccinations = Collection{
		Name:   "vaccinations",
		Fields: []string{"health_id", "administered_date"},
	}
	MedicalRecords = Collection{
		Name:   "medical_records",
		Fields: []string{"health_id", "diagnosis_date"},
	}
	InsurancePolicies = Collection{
		Name:   "insurance_policies",
		Fields: []string{"health_id", "status"},
	}
	Consultations = Collection{
		Name:   "consultations",
		Fields: []string{"patient_id", "created_at"},
	}
	Appointments = Collection{
		Name:   "appointments",
		Fields: []string{"patient_id", "appointment_date"},
	}
)

// Collections returns every cached collection in a stable order.
func Collections() []Collection {
	return []Collection{
		HealthIDs,
		FamilyMembers,
		Vaccinations,
		MedicalRecords,
		InsurancePolicies,
		Consultations,
		Appointments,
	}
}

// CollectionByName looks up a collection by its table name.
func CollectionByName(name string) (Collection, bool) {
	for _, c := range Collections() {
		if c.Name == name {
			return c, true
		}
	}
	return Collection{}, false
}

// Record is implemented by every cached entity type.
type Record interface {
	RecordID() string
	Collection() Collection
	Validate() error
}

// AsRecords widens a typed slice for bulk store operations.
func AsRecords[T Record](items []T) []Record {
	out := make([]Record, 0, len(items))
	for _, item := range items {
		out = append(out, item)
	}
	return out
}

// Decode parses one stored or fetched document into T.
func Decode[T any](doc json.RawMessage) (*T, error) {
	var v T
	if err := json.Unmarshal(doc, &v); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &v, nil
}

// DecodeAll parses a list of documents into T, failing on the first bad one.
func DecodeAll[T any](docs []json.RawMessage) ([]*T, error) {
	out := make([]*T, 0, len(docs))
	for i, doc := range docs {
		v, err := Decode[T](doc)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// DecodeRecord parses a document of the named collection into its typed record.
func DecodeRecord(c Collection, doc json.RawMessage) (Record, error) {
	switch c.Name {
	case HealthIDs.Name:
		return decodeRecord[HealthIdentity](doc)
	case FamilyMembers.Name:
		return decodeRecord[FamilyMember](doc)
	case Vaccinations.Name:
		return decodeRecord[Vaccination](doc)
	case MedicalRecords.Name:
		return decodeRecord[MedicalRecord](doc)
	case InsurancePolicies.Name:
		return decodeRecord[InsurancePolicy](doc)
	case Consultations.Name:
		return decodeRecord[Consultation](doc)
	case Appointments.Name:
		return decodeRecord[Appointment](doc)
	default:
		return nil, fmt.Errorf("unknown collection %q", c.Name)
	}
}

func decodeRecord[T any, P interface {
	*T
	Record
}](doc json.RawMessage) (Record, error) {
	v, err := Decode[T](doc)
	if err != nil {
		return nil, err
	}
	return P(v), nil
}
