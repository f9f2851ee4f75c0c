package manufacturer

import (
	"strings"
	"time"
)

type Manufacturer string

const (
	Generic       Manufacturer = "Generic"
	Volkswagen    Manufacturer = "Volkswagen"
	Audi          Manufacturer = "Audi"
	BMW           Manufacturer = "BMW"
	MercedesBenz  Manufacturer = "Mercedes-Benz"
	Toyota        Manufacturer = "Toyota"
	Honda         Manufacturer = "Honda"
	Nissan        Manufacturer = "Nissan"
	Ford          Manufacturer = "Ford"
	GeneralMotors Manufacturer = "General Motors"
	Hyundai       Manufacturer = "Hyundai"
	Kia           Manufacturer = "Kia"
	Volvo         Manufacturer = "Volvo"
	Saab          Manufacturer = "Saab"
	Renault       Manufacturer = "Renault"
	Peugeot       Manufacturer = "Peugeot"
)

// AutoProtocol means the adapter picks the protocol itself and no protocol
// command is sent during Init.
const AutoProtocol = "AUTO"

// Profile holds the timing and framing quirks for one manufacturer.
type Profile struct {
	Manufacturer    Manufacturer
	CommandDelay    time.Duration
	ResponseTimeout time.Duration
	InitProtocol    string
	InitCommands    []string
	// ExtendedAddressing prefixes mode 01 requests with TargetAddress and
	// strips it from the answer. The byte is added once in front of the
	// payload, not to every CAN frame. Addressing every frame is up to the
	// adapter, set with ATCEA in InitCommands.
	ExtendedAddressing bool
	TargetAddress      byte
	RetryOnSearching   bool
	RetryOnNoData      bool
}

// Tables is the static lookup data a Layer is built with.
type Tables struct {
	WMI      map[string]Manufacturer
	Profiles map[Manufacturer]Profile
}

// Detect maps the WMI of a VIN to a manufacturer, trying the two character
// prefix before the full three character one.
func (t Tables) Detect(vin string) Manufacturer {
	vin = strings.ToUpper(strings.TrimSpace(vin))
	for _, n := range []int{2, 3} {
		if len(vin) < n {
			break
		}
		if m, ok := t.WMI[vin[:n]]; ok {
			return m
		}
	}
	return Generic
}

// Profile returns the profile for m, falling back to the Generic profile.
func (t Tables) Profile(m Manufacturer) Profile {
	if p, ok := t.Profiles[m]; ok {
		return p
	}
	if p, ok := t.Profiles[Generic]; ok {
		return p
	}
	return genericProfile
}

var genericProfile = Profile{
	Manufacturer:    Generic,
	CommandDelay:    0,
	ResponseTimeout: 1 * time.Second,
	InitProtocol:    AutoProtocol,
}

// DefaultTables returns the built in WMI and profile tables.
func DefaultTables() Tables {
	return Tables{
		WMI: map[string]Manufacturer{
			"WV":  Volkswagen,
			"WVW": Volkswagen,
			"WVG": Volkswagen,
			"WAU": Audi,
			"WA1": Audi,
			"WBA": BMW,
			"WBS": BMW,
			"WBY": BMW,
			"WDB": MercedesBenz,
			"WDD": MercedesBenz,
			"W1K": MercedesBenz,
			"JT":  Toyota,
			"SB1": Toyota,
			"JH":  Honda,
			"1HG": Honda,
			"JN":  Nissan,
			"1FA": Ford,
			"1FT": Ford,
			"WF0": Ford,
			"1G":  GeneralMotors,
			"KM":  Hyundai,
			"KN":  Kia,
			"YV":  Volvo,
			"YS3": Saab,
			"VF1": Renault,
			"VF3": Peugeot,
		},
		Profiles: map[Manufacturer]Profile{
			Generic: genericProfile,
			Volkswagen: {
				Manufacturer:     Volkswagen,
				CommandDelay:     50 * time.Millisecond,
				ResponseTimeout:  2 * time.Second,
				InitProtocol:     "ATSP6",
				InitCommands:     []string{"ATSH7E0", "ATCRA7E8"},
				RetryOnSearching: true,
			},
			Audi: {
				Manufacturer:     Audi,
				CommandDelay:     50 * time.Millisecond,
				ResponseTimeout:  2 * time.Second,
				InitProtocol:     "ATSP6",
				InitCommands:     []string{"ATSH7E0", "ATCRA7E8"},
				RetryOnSearching: true,
			},
			BMW: {
				Manufacturer:       BMW,
				CommandDelay:       100 * time.Millisecond,
				ResponseTimeout:    3 * time.Second,
				InitProtocol:       "ATSP6",
				InitCommands:       []string{"ATCEA12", "ATSH6F1"},
				ExtendedAddressing: true,
				TargetAddress:      0x12,
				RetryOnNoData:      true,
			},
			MercedesBenz: {
				Manufacturer:    MercedesBenz,
				CommandDelay:    100 * time.Millisecond,
				ResponseTimeout: 3 * time.Second,
				InitProtocol:    "ATSP6",
				InitCommands:    []string{"ATSH7E0"},
				RetryOnNoData:   true,
			},
			Toyota: {
				Manufacturer:     Toyota,
				CommandDelay:     20 * time.Millisecond,
				ResponseTimeout:  1500 * time.Millisecond,
				InitProtocol:     AutoProtocol,
				RetryOnSearching: true,
			},
			Honda: {
				Manufacturer:     Honda,
				CommandDelay:     20 * time.Millisecond,
				ResponseTimeout:  1500 * time.Millisecond,
				InitProtocol:     AutoProtocol,
				RetryOnSearching: true,
			},
			Ford: {
				Manufacturer:    Ford,
				CommandDelay:    30 * time.Millisecond,
				ResponseTimeout: 2 * time.Second,
				InitProtocol:    "ATSP6",
				RetryOnNoData:   true,
			},
			GeneralMotors: {
				Manufacturer:    GeneralMotors,
				CommandDelay:    30 * time.Millisecond,
				ResponseTimeout: 2 * time.Second,
				InitProtocol:    "ATSP6",
				InitCommands:    []string{"ATSH7E0"},
			},
			Saab: {
				Manufacturer:    Saab,
				CommandDelay:    50 * time.Millisecond,
				ResponseTimeout: 2 * time.Second,
				InitProtocol:    "ATSP6",
				InitCommands:    []string{"ATSH7E0", "ATCRA7E8"},
				RetryOnNoData:   true,
			},
		},
	}
}
