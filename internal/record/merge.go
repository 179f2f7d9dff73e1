package record

import "strings"

// Merge combines an existing record with a newly extracted one and returns a
// new tree. Known scalars are never cleared: a field takes the new value when
// it is non-null, otherwise keeps the old one. Lists grow by union in order of
// first appearance. Neither input is modified.
//
// Callers must pass the existing record first; Merge(new, old) would let stale
// values win over refinements.
func Merge(old, updated *Record) *Record {
	if old == nil {
		old = New()
	}
	if updated == nil {
		updated = New()
	}
	return &Record{
		Patient:     mergePatient(old.Patient, updated.Patient),
		Vitals:      mergeVitals(old.Vitals, updated.Vitals),
		Situation:   mergeSituation(old.Situation, updated.Situation),
		Procedures:  Procedures{Procedures: mergeList(old.Procedures.Procedures, updated.Procedures.Procedures)},
		Medications: Medications{Medications: mergeList(old.Medications.Medications, updated.Medications.Medications)},
		Times:       mergeTimes(old.Times, updated.Times),
		Disposition: mergeDisposition(old.Disposition, updated.Disposition),
		History:     mergeHistory(old.History, updated.History),
	}
}

func mergePatient(o, n Patient) Patient {
	return Patient{
		NameLast:         mergeString(o.NameLast, n.NameLast),
		NameFirst:        mergeString(o.NameFirst, n.NameFirst),
		Address:          mergeString(o.Address, n.Address),
		City:             mergeString(o.City, n.City),
		State:            mergeString(o.State, n.State),
		Zip:              mergeString(o.Zip, n.Zip),
		Age:              mergeString(o.Age, n.Age),
		Gender:           mergeString(o.Gender, n.Gender),
		Race:             mergeString(o.Race, n.Race),
		Phone:            mergeString(o.Phone, n.Phone),
		DateOfBirth:      mergeString(o.DateOfBirth, n.DateOfBirth),
		ProviderName:     mergeString(o.ProviderName, n.ProviderName),
		ProviderPhone:    mergeString(o.ProviderPhone, n.ProviderPhone),
		ProviderPractice: mergeString(o.ProviderPractice, n.ProviderPractice),
	}
}

func mergeVitals(o, n Vitals) Vitals {
	return Vitals{
		SystolicBP:           mergeScalar(o.SystolicBP, n.SystolicBP),
		DiastolicBP:          mergeScalar(o.DiastolicBP, n.DiastolicBP),
		HeartRate:            mergeScalar(o.HeartRate, n.HeartRate),
		RespiratoryRate:      mergeScalar(o.RespiratoryRate, n.RespiratoryRate),
		SpO2:                 mergeScalar(o.SpO2, n.SpO2),
		BloodGlucose:         mergeScalar(o.BloodGlucose, n.BloodGlucose),
		GCSTotal:             mergeScalar(o.GCSTotal, n.GCSTotal),
		GCSEye:               mergeScalar(o.GCSEye, n.GCSEye),
		GCSVerbal:            mergeScalar(o.GCSVerbal, n.GCSVerbal),
		GCSMotor:             mergeScalar(o.GCSMotor, n.GCSMotor),
		Temperature:          mergeScalar(o.Temperature, n.Temperature),
		PainScale:            mergeScalar(o.PainScale, n.PainScale),
		LevelOfConsciousness: mergeString(o.LevelOfConsciousness, n.LevelOfConsciousness),
		StrokeScaleScore:     mergeScalar(o.StrokeScaleScore, n.StrokeScaleScore),
		StrokeScaleType:      mergeString(o.StrokeScaleType, n.StrokeScaleType),
	}
}

func mergeSituation(o, n Situation) Situation {
	return Situation{
		ChiefComplaint:      mergeString(o.ChiefComplaint, n.ChiefComplaint),
		PrimaryImpression:   mergeString(o.PrimaryImpression, n.PrimaryImpression),
		SecondaryImpression: mergeString(o.SecondaryImpression, n.SecondaryImpression),
		InjuryCause:         mergeString(o.InjuryCause, n.InjuryCause),
		OnsetDateTime:       mergeString(o.OnsetDateTime, n.OnsetDateTime),
		PossibleInjury:      mergeScalar(o.PossibleInjury, n.PossibleInjury),
		ComplaintDuration:   mergeString(o.ComplaintDuration, n.ComplaintDuration),
		InitialAcuity:       mergeString(o.InitialAcuity, n.InitialAcuity),
	}
}

func mergeTimes(o, n Times) Times {
	return Times{
		UnitNotified:       mergeString(o.UnitNotified, n.UnitNotified),
		UnitEnRoute:        mergeString(o.UnitEnRoute, n.UnitEnRoute),
		UnitArrivedScene:   mergeString(o.UnitArrivedScene, n.UnitArrivedScene),
		ArrivedAtPatient:   mergeString(o.ArrivedAtPatient, n.ArrivedAtPatient),
		TransferOfCare:     mergeString(o.TransferOfCare, n.TransferOfCare),
		UnitLeftScene:      mergeString(o.UnitLeftScene, n.UnitLeftScene),
		ArrivedDestination: mergeString(o.ArrivedDestination, n.ArrivedDestination),
		UnitBackInService:  mergeString(o.UnitBackInService, n.UnitBackInService),
	}
}

func mergeDisposition(o, n Disposition) Disposition {
	return Disposition{
		DestinationFacility:    mergeString(o.DestinationFacility, n.DestinationFacility),
		DestinationType:        mergeString(o.DestinationType, n.DestinationType),
		TransportMode:          mergeString(o.TransportMode, n.TransportMode),
		TransportDisposition:   mergeString(o.TransportDisposition, n.TransportDisposition),
		PatientAcuity:          mergeString(o.PatientAcuity, n.PatientAcuity),
		HospitalTeamActivation: mergeList(o.HospitalTeamActivation, n.HospitalTeamActivation),
	}
}

func mergeHistory(o, n History) History {
	return History{
		MedicalHistory:     mergeList(o.MedicalHistory, n.MedicalHistory),
		CurrentMedications: mergeList(o.CurrentMedications, n.CurrentMedications),
		Allergies:          mergeList(o.Allergies, n.Allergies),
		LastOralIntake:     mergeString(o.LastOralIntake, n.LastOralIntake),
		AlcoholDrugUse:     mergeString(o.AlcoholDrugUse, n.AlcoholDrugUse),
	}
}

// mergeScalar returns a fresh copy of n when set, else a fresh copy of o.
func mergeScalar[T any](o, n *T) *T {
	if n != nil {
		v := *n
		return &v
	}
	if o != nil {
		v := *o
		return &v
	}
	return nil
}

// mergeString treats a blank extracted string as null so an empty answer
// never erases a known value.
func mergeString(o, n *string) *string {
	if n != nil && strings.TrimSpace(*n) != "" {
		v := *n
		return &v
	}
	return mergeScalar(o, nil)
}

func mergeList(o, n List) List {
	if len(o) == 0 && len(n) == 0 {
		return nil
	}
	out := make(List, 0, len(o)+len(n))
	seen := make(map[string]struct{}, len(o)+len(n))
	for _, items := range []List{o, n} {
		for _, item := range items {
			if _, dup := seen[item]; dup {
				continue
			}
			seen[item] = struct{}{}
			out = append(out, item)
		}
	}
	return out
}
