package schema

import "fmt"

// PolicyStatusActive is the only insurance status the cache fetches.
const PolicyStatusActive = "active"

// MemberSnapshot is the linked member's identity as embedded in a family link.
type MemberSnapshot struct {
	HealthIDNumber string `json:"health_id_number,omitempty"`
	FullName       string `json:"full_name,omitempty"`
	DateOfBirth    string `json:"date_of_birth,omitempty"`
	BloodGroup     string `json:"blood_group,omitempty"`
}

// FamilyMember links a primary identity to a family member's identity.
type FamilyMember struct {
	ID              string          `json:"id"`
	PrimaryHealthID string          `json:"primary_health_id"`
	MemberHealthID  string          `json:"member_health_id,omitempty"`
	Relationship    string          `json:"relationship,omitempty"`
	CreatedAt       string          `json:"created_at,omitempty"`
	Member          *MemberSnapshot `json:"member,omitempty"`
}

func (f *FamilyMember) RecordID() string      { return f.ID }
func (f *FamilyMember) Collection() Collection { return FamilyMembers }

func (f *FamilyMember) Validate() error {
	if f.ID == "" {
		return fmt.Errorf("id is required")
	}
	if f.PrimaryHealthID == "" {
		return fmt.Errorf("primary_health_id is required")
	}
	return nil
}

// Vaccination is one administered dose.
type Vaccination struct {
	ID               string `json:"id"`
	HealthID         string `json:"health_id"`
	VaccineName      string `json:"vaccine_name,omitempty"`
	DoseNumber       int    `json:"dose_number,omitempty"`
	AdministeredDate string `json:"administered_date,omitempty"`
	AdministeredBy   string `json:"administered_by,omitempty"`
	BatchNumber      string `json:"batch_number,omitempty"`
	NextDoseDate     string `json:"next_dose_date,omitempty"`
	Notes            string `json:"notes,omitempty"`
	CreatedAt        string `json:"created_at,omitempty"`
}

func (v *Vaccination) RecordID() string      { return v.ID }
func (v *Vaccination) Collection() Collection { return Vaccinations }

func (v *Vaccination) Validate() error {
	if v.ID == "" {
		return fmt.Errorf("id is required")
	}
	if v.HealthID == "" {
		return fmt.Errorf("health_id is required")
	}
	return nil
}

// MedicalRecord is a diagnosis, report or prescription entry.
type MedicalRecord struct {
	ID            string   `json:"id"`
	HealthID      string   `json:"health_id"`
	RecordType    string   `json:"record_type,omitempty"`
	Title         string   `json:"title,omitempty"`
	Description   string   `json:"description,omitempty"`
	Diagnosis     string   `json:"diagnosis,omitempty"`
	DiagnosisDate string   `json:"diagnosis_date,omitempty"`
	DoctorName    string   `json:"doctor_name,omitempty"`
	HospitalName  string   `json:"hospital_name,omitempty"`
	Medications   []string `json:"medications,omitempty"`
	Attachments   []string `json:"attachments,omitempty"`
	CreatedAt     string   `json:"created_at,omitempty"`
}

func (m *MedicalRecord) RecordID() string      { return m.ID }
func (m *MedicalRecord) Collection() Collection { return MedicalRecords }

func (m *MedicalRecord) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("id is required")
	}
	if m.HealthID == "" {
		return fmt.Errorf("health_id is required")
	}
	return nil
}

// InsurancePolicy is a health insurance policy attached to an identity.
type InsurancePolicy struct {
	ID             string  `json:"id"`
	HealthID       string  `json:"health_id"`
	ProviderName   string  `json:"provider_name,omitempty"`
	PolicyNumber   string  `json:"policy_number,omitempty"`
	PolicyType     string  `json:"policy_type,omitempty"`
	CoverageAmount float64 `json:"coverage_amount,omitempty"`
	StartDate      string  `json:"start_date,omitempty"`
	EndDate        string  `json:"end_date,omitempty"`
	Status         string  `json:"status"`
	CreatedAt      string  `json:"created_at,omitempty"`
}

func (p *InsurancePolicy) RecordID() string      { return p.ID }
func (p *InsurancePolicy) Collection() Collection { return InsurancePolicies }

func (p *InsurancePolicy) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("id is required")
	}
	if p.HealthID == "" {
		return fmt.Errorf("health_id is required")
	}
	return nil
}

// PatientSummary is the patient display projection joined onto
// consultations and appointments. The backend returns it under "profiles".
type PatientSummary struct {
	FullName string `json:"full_name,omitempty"`
	HealthID string `json:"health_id,omitempty"`
}

// Consultation is a doctor consultation for a patient.
type Consultation struct {
	ID           string          `json:"id"`
	PatientID    string          `json:"patient_id"`
	DoctorID     string          `json:"doctor_id,omitempty"`
	Symptoms     string          `json:"symptoms,omitempty"`
	Diagnosis    string          `json:"diagnosis,omitempty"`
	Prescription string          `json:"prescription,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	Status       string          `json:"status,omitempty"`
	CreatedAt    string          `json:"created_at,omitempty"`
	Patient      *PatientSummary `json:"profiles,omitempty"`
}

func (c *Consultation) RecordID() string      { return c.ID }
func (c *Consultation) Collection() Collection { return Consultations }

func (c *Consultation) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.PatientID == "" {
		return fmt.Errorf("patient_id is required")
	}
	return nil
}

// Appointment is a scheduled visit.
type Appointment struct {
	ID              string          `json:"id"`
	PatientID       string          `json:"patient_id"`
	DoctorID        string          `json:"doctor_id,omitempty"`
	HospitalID      string          `json:"hospital_id,omitempty"`
	AppointmentDate string          `json:"appointment_date,omitempty"`
	AppointmentTime string          `json:"appointment_time,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	Status          string          `json:"status,omitempty"`
	CreatedAt       string          `json:"created_at,omitempty"`
	Patient         *PatientSummary `json:"profiles,omitempty"`
}

func (a *Appointment) RecordID() string      { return a.ID }
func (a *Appointment) Collection() Collection { return Appointments }

func (a *Appointment) Validate() error {
	if a.ID == "" {
		return fmt.Errorf("id is required")
	}
	if a.PatientID == "" {
		return fmt.Errorf("patient_id is required")
	}
	return nil
}
