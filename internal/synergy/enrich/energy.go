package enrich

// powerProfile is the typical draw of a domain and the hours per day a
// well-timed automation avoids running it.
type powerProfile struct {
	KW           float64
	AvoidedHours float64
}

var powerProfiles = map[string]powerProfile{
	"climate":      {KW: 1.5, AvoidedHours: 2.0},
	"water_heater": {KW: 2.0, AvoidedHours: 1.5},
	"humidifier":   {KW: 0.3, AvoidedHours: 2.0},
	"fan":          {KW: 0.05, AvoidedHours: 2.0},
	"light":        {KW: 0.06, AvoidedHours: 1.5},
	"switch":       {KW: 0.1, AvoidedHours: 1.0},
	"media_player": {KW: 0.1, AvoidedHours: 1.0},
}

const daysPerMonth = 30

// EnergyEstimate is the monthly saving of automating an action device.
type EnergyEstimate struct {
	KWh   float64
	Cost  float64
	CO2Kg *float64
}

// EstimateEnergy returns the monthly saving for the action domain, or false
// when the domain has no power profile. carbonIntensity is in g/kWh; zero
// or negative leaves CO2Kg unset.
func EstimateEnergy(actionDomain string, pricePerKWh, carbonIntensity float64) (EnergyEstimate, bool) {
	profile, ok := powerProfiles[actionDomain]
	if !ok {
		return EnergyEstimate{}, false
	}

	kwh := profile.KW * profile.AvoidedHours * daysPerMonth
	est := EnergyEstimate{
		KWh:  kwh,
		Cost: kwh * pricePerKWh,
	}
	if carbonIntensity > 0 {
		co2 := kwh * carbonIntensity / 1000
		est.CO2Kg = &co2
	}
	return est, true
}
