// Package record defines the structured clinical record extracted from a
// case transcript and the pure operations over it: merge, clone, readiness
// predicates and provider-detail inference.
package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// List is an ordered set of strings. It always marshals as a JSON array,
// never null, so that empty and absent lists compare equal on the wire.
type List []string

func (l List) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]string(l))
}

// Patient holds identity fields plus the patient's primary-care provider.
type Patient struct {
	NameLast         *string `json:"patient_name_last"`
	NameFirst        *string `json:"patient_name_first"`
	Address          *string `json:"patient_address"`
	City             *string `json:"patient_city"`
	State            *string `json:"patient_state"`
	Zip              *string `json:"patient_zip"`
	Age              *string `json:"patient_age"`
	Gender           *string `json:"patient_gender"`
	Race             *string `json:"patient_race"`
	Phone            *string `json:"patient_phone"`
	DateOfBirth      *string `json:"patient_date_of_birth"`
	ProviderName     *string `json:"provider_name"`
	ProviderPhone    *string `json:"provider_phone"`
	ProviderPractice *string `json:"provider_practice"`
}

type Vitals struct {
	SystolicBP           *int     `json:"systolic_bp"`
	DiastolicBP          *int     `json:"diastolic_bp"`
	HeartRate            *int     `json:"heart_rate"`
	RespiratoryRate      *int     `json:"respiratory_rate"`
	SpO2                 *int     `json:"spo2"`
	BloodGlucose         *float64 `json:"blood_glucose"`
	GCSTotal             *int     `json:"gcs_total"`
	GCSEye               *int     `json:"gcs_eye"`
	GCSVerbal            *int     `json:"gcs_verbal"`
	GCSMotor             *int     `json:"gcs_motor"`
	Temperature          *float64 `json:"temperature"`
	PainScale            *int     `json:"pain_scale"`
	LevelOfConsciousness *string  `json:"level_of_consciousness"`
	StrokeScaleScore     *int     `json:"stroke_scale_score"`
	StrokeScaleType      *string  `json:"stroke_scale_type"`
}

type Situation struct {
	ChiefComplaint      *string `json:"chief_complaint"`
	PrimaryImpression   *string `json:"primary_impression"`
	SecondaryImpression *string `json:"secondary_impression"`
	InjuryCause         *string `json:"injury_cause"`
	OnsetDateTime       *string `json:"onset_date_time"`
	PossibleInjury      *bool   `json:"possible_injury"`
	ComplaintDuration   *string `json:"complaint_duration"`
	InitialAcuity       *string `json:"initial_acuity"`
}

type Procedures struct {
	Procedures List `json:"procedures"`
}

type Medications struct {
	Medications List `json:"medications"`
}

// Times tracks response milestones as free-form timestamps.
type Times struct {
	UnitNotified       *string `json:"unit_notified"`
	UnitEnRoute        *string `json:"unit_en_route"`
	UnitArrivedScene   *string `json:"unit_arrived_scene"`
	ArrivedAtPatient   *string `json:"arrived_at_patient"`
	TransferOfCare     *string `json:"transfer_of_care"`
	UnitLeftScene      *string `json:"unit_left_scene"`
	ArrivedDestination *string `json:"arrived_destination"`
	UnitBackInService  *string `json:"unit_back_in_service"`
}

type Disposition struct {
	DestinationFacility    *string `json:"destination_facility"`
	DestinationType        *string `json:"destination_type"`
	TransportMode          *string `json:"transport_mode"`
	TransportDisposition   *string `json:"transport_disposition"`
	PatientAcuity          *string `json:"patient_acuity"`
	HospitalTeamActivation List    `json:"hospital_team_activation"`
}

type History struct {
	MedicalHistory     List    `json:"medical_history"`
	CurrentMedications List    `json:"current_medications"`
	Allergies          List    `json:"allergies"`
	LastOralIntake     *string `json:"last_oral_intake"`
	AlcoholDrugUse     *string `json:"alcohol_drug_use"`
}

// Record is the full structured record for one case.
type Record struct {
	Patient     Patient     `json:"patient"`
	Vitals      Vitals      `json:"vitals"`
	Situation   Situation   `json:"situation"`
	Procedures  Procedures  `json:"procedures"`
	Medications Medications `json:"medications"`
	Times       Times       `json:"times"`
	Disposition Disposition `json:"disposition"`
	History     History     `json:"history"`
}

// New returns an empty record.
func New() *Record {
	return &Record{}
}

// Decode parses a persisted record. Empty input yields an empty record.
func Decode(data []byte) (*Record, error) {
	r := New()
	if len(bytes.TrimSpace(data)) == 0 {
		return r, nil
	}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return r, nil
}

// Encode marshals the record for persistence.
func (r *Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Equal reports whether two records carry the same data. Nil and empty
// lists are considered equal.
func Equal(a, b *Record) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}

// FullName joins first and last name, or returns "" when neither is known.
func (p Patient) FullName() string {
	var parts []string
	if s := Value(p.NameFirst); s != "" {
		parts = append(parts, s)
	}
	if s := Value(p.NameLast); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, " ")
}

// Value dereferences a nullable string, returning "" for nil.
func Value(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// String returns a pointer to s, for building records in code.
func String(s string) *string { return &s }

// Int returns a pointer to n.
func Int(n int) *int { return &n }

// Float returns a pointer to f.
func Float(f float64) *float64 { return &f }

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }
