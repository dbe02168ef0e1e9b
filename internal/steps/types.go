package steps

// Key names one wizard step's slice of assessment data.
type Key string

const (
	KeyClientInfo           Key = "clientInfo"
	KeyBackground           Key = "background"
	KeyAssessmentInfo       Key = "assessmentInfo"
	KeyDomains              Key = "domains"
	KeyABCObservations      Key = "abcObservations"
	KeyPreferenceAssessment Key = "preferenceAssessment"
	KeyGoals                Key = "goals"
	KeyInterventions        Key = "interventions"
	KeyServicePlan          Key = "servicePlan"
	KeyMedicalNecessity     Key = "medicalNecessity"
	KeyFadePlan             Key = "fadePlan"
	KeyCrisisPlan           Key = "crisisPlan"
	KeyCoordination         Key = "coordination"
	KeySignatures           Key = "signatures"
)

// Data is implemented by every typed step payload.
type Data interface {
	StepKey() Key
}

type ClientInfo struct {
	FirstName         string   `json:"firstName"`
	LastName          string   `json:"lastName"`
	DateOfBirth       string   `json:"dateOfBirth,omitempty"`
	Diagnoses         []string `json:"diagnoses,omitempty"`
	Guardian          string   `json:"guardian,omitempty"`
	InsuranceProvider string   `json:"insuranceProvider,omitempty"`
	MemberID          string   `json:"memberId,omitempty"`
	Address           string   `json:"address,omitempty"`
	Phone             string   `json:"phone,omitempty"`
}

type Background struct {
	DevelopmentalHistory string   `json:"developmentalHistory,omitempty"`
	MedicalHistory       string   `json:"medicalHistory,omitempty"`
	EducationalHistory   string   `json:"educationalHistory,omitempty"`
	FamilyStructure      string   `json:"familyStructure,omitempty"`
	PreviousServices     []string `json:"previousServices,omitempty"`
}

type AssessmentInfo struct {
	EvaluationType string   `json:"evaluationType"`
	AssessmentDate string   `json:"assessmentDate,omitempty"`
	Assessor       string   `json:"assessor,omitempty"`
	Credential     string   `json:"credential,omitempty"`
	Setting        string   `json:"setting,omitempty"`
	Tools          []string `json:"tools,omitempty"`
}

type Domain struct {
	Name  string `json:"name"`
	Level string `json:"level,omitempty"`
	Notes string `json:"notes,omitempty"`
}

type Domains struct {
	Domains []Domain `json:"domains"`
}

type ABCObservation struct {
	Date        string `json:"date,omitempty"`
	Setting     string `json:"setting,omitempty"`
	Antecedent  string `json:"antecedent"`
	Behavior    string `json:"behavior"`
	Consequence string `json:"consequence"`
	Function    string `json:"function,omitempty"`
}

type ABCObservations struct {
	Observations []ABCObservation `json:"observations"`
}

type PreferenceItem struct {
	Item string `json:"item"`
	Rank int    `json:"rank,omitempty"`
}

type PreferenceAssessment struct {
	Method string           `json:"method,omitempty"`
	Items  []PreferenceItem `json:"items"`
}

type Goals struct {
	Goals []string `json:"goals"`
}

type Intervention struct {
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	TargetBehavior string `json:"targetBehavior,omitempty"`
}

type Interventions struct {
	Interventions []Intervention `json:"interventions"`
}

type ServicePlan struct {
	WeeklyHours         float64  `json:"weeklyHours"`
	DirectHours         float64  `json:"directHours,omitempty"`
	SupervisionHours    float64  `json:"supervisionHours,omitempty"`
	ParentTrainingHours float64  `json:"parentTrainingHours,omitempty"`
	Setting             string   `json:"setting,omitempty"`
	CPTCodes            []string `json:"cptCodes,omitempty"`
}

type MedicalNecessity struct {
	Statement string   `json:"statement"`
	Criteria  []string `json:"criteria,omitempty"`
}

type FadePhase struct {
	Name     string  `json:"name"`
	Criteria string  `json:"criteria,omitempty"`
	Hours    float64 `json:"hours,omitempty"`
}

type FadePlan struct {
	Phases []FadePhase `json:"phases"`
}

type CrisisPlan struct {
	Behaviors         []string `json:"behaviors"`
	Procedures        string   `json:"procedures,omitempty"`
	EmergencyContacts []string `json:"emergencyContacts,omitempty"`
}

type CoordinatedProvider struct {
	Name    string `json:"name"`
	Role    string `json:"role,omitempty"`
	Contact string `json:"contact,omitempty"`
}

type Coordination struct {
	Providers []CoordinatedProvider `json:"providers"`
}

type Signature struct {
	Name     string `json:"name"`
	Role     string `json:"role,omitempty"`
	SignedAt string `json:"signedAt,omitempty"`
}

type Signatures struct {
	Signatures []Signature `json:"signatures"`
}

func (ClientInfo) StepKey() Key           { return KeyClientInfo }
func (Background) StepKey() Key           { return KeyBackground }
func (AssessmentInfo) StepKey() Key       { return KeyAssessmentInfo }
func (Domains) StepKey() Key              { return KeyDomains }
func (ABCObservations) StepKey() Key      { return KeyABCObservations }
func (PreferenceAssessment) StepKey() Key { return KeyPreferenceAssessment }
func (Goals) StepKey() Key                { return KeyGoals }
func (Interventions) StepKey() Key        { return KeyInterventions }
func (ServicePlan) StepKey() Key          { return KeyServicePlan }
func (MedicalNecessity) StepKey() Key     { return KeyMedicalNecessity }
func (FadePlan) StepKey() Key             { return KeyFadePlan }
func (CrisisPlan) StepKey() Key           { return KeyCrisisPlan }
func (Coordination) StepKey() Key         { return KeyCoordination }
func (Signatures) StepKey() Key           { return KeySignatures }
