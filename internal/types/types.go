// README: Shared identifiers and coordinates.
package types

type ID string

type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type VehicleClass string

const (
	ClassStandard VehicleClass = "standard"
	ClassComfort  VehicleClass = "comfort"
	ClassPremium  VehicleClass = "premium"
	ClassVan      VehicleClass = "van"
)

// VehicleClasses is the closed set of classes a ride or driver may carry.
var VehicleClasses = []VehicleClass{ClassStandard, ClassComfort, ClassPremium, ClassVan}

func (c VehicleClass) Valid() bool {
	for _, v := range VehicleClasses {
		if v == c {
			return true
		}
	}
	return false
}
