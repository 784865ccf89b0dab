package chirp

// Category groups templates.
type Category uint8

const (
	CatAuthority Category = iota
	CatInfra
	CatEmergency
	CatWeather
	CatMutualAid
	CatAllClear
)

var categoryNames = [...]string{"authority", "infrastructure", "emergency", "weather", "mutual_aid", "all_clear"}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return "unknown"
}

// RequiredConfirmations is the number of witnesses a chirp of this category
// needs before it is relayed.
func (c Category) RequiredConfirmations() uint8 {
	if c == CatEmergency || c == CatWeather {
		return 1
	}
	return 2
}

// Urgency is the sender's urgency level.
type Urgency uint8

const (
	Info Urgency = iota
	Caution
	Urgent
)

var urgencyNames = [...]string{"info", "caution", "urgent"}

func (u Urgency) String() string {
	if int(u) < len(urgencyNames) {
		return urgencyNames[u]
	}
	return "unknown"
}

// ParseUrgency maps an urgency name to an Urgency.
func ParseUrgency(s string) (Urgency, bool) {
	for i, n := range urgencyNames {
		if n == s {
			return Urgency(i), true
		}
	}
	return 0, false
}

// TemplateID selects one of the fixed messages. There is no free text.
type TemplateID uint8

const (
	TplPoliceActivity TemplateID = 0x00
	TplHeavyResponse  TemplateID = 0x01
	TplRoadBlocked    TemplateID = 0x02
	TplHelicopter     TemplateID = 0x03
	TplFederal        TemplateID = 0x04
	TplPowerOut       TemplateID = 0x10
	TplWaterIssue     TemplateID = 0x11
	TplGasSmell       TemplateID = 0x12
	TplInternetDown   TemplateID = 0x13
	TplRoadClosed     TemplateID = 0x14
	TplFire           TemplateID = 0x20
	TplMedical        TemplateID = 0x21
	TplMultiAmbulance TemplateID = 0x22
	TplEvacuation     TemplateID = 0x23
	TplShelter        TemplateID = 0x24
	TplSevereWeather  TemplateID = 0x30
	TplTornado        TemplateID = 0x31
	TplFlood          TemplateID = 0x32
	TplLightning      TemplateID = 0x33
	TplWelfareCheck   TemplateID = 0x40
	TplSuppliesNeeded TemplateID = 0x41
	TplOfferingHelp   TemplateID = 0x42
	TplResolved       TemplateID = 0x80
	TplSafe           TemplateID = 0x81
	TplFalseAlarm     TemplateID = 0x82
)

// Template describes one fixed message.
type Template struct {
	ID           TemplateID
	Text         string
	Category     Category
	Urgency      Urgency
	NightAllowed bool
}

var templates = map[TemplateID]Template{
	TplPoliceActivity: {TplPoliceActivity, "Police activity nearby", CatAuthority, Info, false},
	TplHeavyResponse:  {TplHeavyResponse, "Heavy emergency response", CatAuthority, Caution, true},
	TplRoadBlocked:    {TplRoadBlocked, "Road blocked by authorities", CatAuthority, Caution, false},
	TplHelicopter:     {TplHelicopter, "Helicopter circling", CatAuthority, Info, false},
	TplFederal:        {TplFederal, "Federal agents in area", CatAuthority, Caution, false},
	TplPowerOut:       {TplPowerOut, "Power outage", CatInfra, Info, true},
	TplWaterIssue:     {TplWaterIssue, "Water service problem", CatInfra, Info, false},
	TplGasSmell:       {TplGasSmell, "Gas smell reported", CatInfra, Urgent, true},
	TplInternetDown:   {TplInternetDown, "Internet outage", CatInfra, Info, false},
	TplRoadClosed:     {TplRoadClosed, "Road closed", CatInfra, Info, false},
	TplFire:           {TplFire, "Fire", CatEmergency, Urgent, true},
	TplMedical:        {TplMedical, "Medical emergency", CatEmergency, Urgent, true},
	TplMultiAmbulance: {TplMultiAmbulance, "Multiple ambulances", CatEmergency, Caution, true},
	TplEvacuation:     {TplEvacuation, "Evacuation underway", CatEmergency, Urgent, true},
	TplShelter:        {TplShelter, "Shelter in place", CatEmergency, Urgent, true},
	TplSevereWeather:  {TplSevereWeather, "Severe weather", CatWeather, Caution, true},
	TplTornado:        {TplTornado, "Tornado warning", CatWeather, Urgent, true},
	TplFlood:          {TplFlood, "Flooding", CatWeather, Urgent, true},
	TplLightning:      {TplLightning, "Lightning nearby", CatWeather, Caution, true},
	TplWelfareCheck:   {TplWelfareCheck, "Welfare check needed", CatMutualAid, Caution, true},
	TplSuppliesNeeded: {TplSuppliesNeeded, "Supplies needed", CatMutualAid, Info, false},
	TplOfferingHelp:   {TplOfferingHelp, "Offering help", CatMutualAid, Info, false},
	TplResolved:       {TplResolved, "Situation resolved", CatAllClear, Info, true},
	TplSafe:           {TplSafe, "All safe", CatAllClear, Info, true},
	TplFalseAlarm:     {TplFalseAlarm, "False alarm", CatAllClear, Info, true},
}

// LookupTemplate returns the template with id.
func LookupTemplate(id TemplateID) (Template, bool) {
	t, ok := templates[id]
	return t, ok
}

// Templates lists every template in id order.
func Templates() []Template {
	out := make([]Template, 0, len(templates))
	for id := 0; id < 256; id++ {
		if t, ok := templates[TemplateID(id)]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Detail is an optional modifier shown after the template text.
type Detail uint8

const (
	DetailNone      Detail = 0
	DetailFew       Detail = 1
	DetailMany      Detail = 2
	DetailMassive   Detail = 3
	DetailOngoing   Detail = 10
	DetailContained Detail = 11
	DetailSpreading Detail = 12
	DetailNorth     Detail = 20
	DetailSouth     Detail = 21
	DetailEast      Detail = 22
	DetailWest      Detail = 23
)

var detailTexts = map[Detail]string{
	DetailNone:      "",
	DetailFew:       "a few",
	DetailMany:      "many",
	DetailMassive:   "massive",
	DetailOngoing:   "ongoing",
	DetailContained: "contained",
	DetailSpreading: "spreading",
	DetailNorth:     "to the north",
	DetailSouth:     "to the south",
	DetailEast:      "to the east",
	DetailWest:      "to the west",
}

// Text returns the display text of d, and false for unknown details.
func (d Detail) Text() (string, bool) {
	s, ok := detailTexts[d]
	return s, ok
}

// Message renders a template and detail for display.
func Message(id TemplateID, d Detail) string {
	t, ok := templates[id]
	if !ok {
		return ""
	}
	if s, _ := d.Text(); s != "" {
		return t.Text + " (" + s + ")"
	}
	return t.Text
}
