package models

// Content field sets per record kind. Field order matters: validation
// reports the first violation in declaration order.

// AboutFields is the singleton "about" page.
type AboutFields struct {
	HeroTitle           string      `json:"heroTitle" validate:"required"`
	HeroSubtitle        string      `json:"heroSubtitle" validate:"required"`
	EveryoneTitle       string      `json:"everyoneTitle" validate:"required"`
	EveryoneSubtitle    string      `json:"everyoneSubtitle" validate:"required"`
	EveryoneList        []string    `json:"everyoneList" validate:"required,min=1,dive,required"`
	WavePoolTitle       string      `json:"wavePoolTitle" validate:"required"`
	WavePoolDescription string      `json:"wavePoolDescription" validate:"required"`
	ValuesTitle         string      `json:"valuesTitle" validate:"required"`
	ValuesSubtitle      string      `json:"valuesSubtitle" validate:"required"`
	ValuesDescription   string      `json:"valuesDescription" validate:"required"`
	ValuesList          []ValueItem `json:"valuesList" validate:"required,min=1,dive"`
}

type ValueItem struct {
	Title       string `json:"title" validate:"required"`
	Description string `json:"description" validate:"required"`
	Color       string `json:"color" validate:"required"`
}

// DashboardFields is the singleton landing page content.
type DashboardFields struct {
	HeroTagline        string `json:"heroTagline" validate:"required"`
	HeroSubtitle       string `json:"heroSubtitle" validate:"required"`
	FacilitiesTitle    string `json:"facilitiesTitle" validate:"required"`
	FacilitiesSubtitle string `json:"facilitiesSubtitle" validate:"required"`
	PricingTitle       string `json:"pricingTitle" validate:"required"`
	PricingSubtitle    string `json:"pricingSubtitle" validate:"required"`
	ComboTitle         string `json:"comboTitle" validate:"required"`
	ComboSubtitle      string `json:"comboSubtitle" validate:"required"`
	MapTitle           string `json:"mapTitle" validate:"required"`
	MapSubtitle        string `json:"mapSubtitle" validate:"required"`
	Address            string `json:"address" validate:"required"`
	Phone              string `json:"phone" validate:"required"`
	Email              string `json:"email" validate:"required,email"`
}

// FooterFields is the singleton site footer.
type FooterFields struct {
	ContactInfo []ContactInfoItem `json:"contactInfo" validate:"required,min=1,dive"`
	ParkHours   []ParkHoursItem   `json:"parkHours" validate:"required,min=1,dive"`
}

type ContactInfoItem struct {
	Type  string `json:"type" validate:"required"`
	Icon  string `json:"icon" validate:"required"`
	Value string `json:"value" validate:"required"`
}

type ParkHoursItem struct {
	Day   string `json:"day" validate:"required"`
	Hours string `json:"hours" validate:"required"`
}

type AttractionFields struct {
	Title       string   `json:"title" validate:"required,min=3"`
	Description string   `json:"description" validate:"required,min=10"`
	Features    []string `json:"features" validate:"required,min=1,dive,required"`
	Icon        string   `json:"icon" validate:"required"`
}

type GuidelineFields struct {
	Icon   string   `json:"icon" validate:"required"`
	Title  string   `json:"title" validate:"required"`
	Points []string `json:"points" validate:"required,min=1,dive,required"`
}

// ContactFields is a visitor's contact form submission.
type ContactFields struct {
	Name    string `json:"name" validate:"required"`
	Email   string `json:"email" validate:"required,email"`
	Message string `json:"message" validate:"required"`
}
