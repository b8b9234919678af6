package models

type Partition string

const (
	PartitionFree   Partition = "free"
	PartitionInTrip Partition = "in-trip"
	PartitionNone   Partition = ""
)

// Partitions lists the named partitions of the presence index.
var Partitions = []Partition{PartitionFree, PartitionInTrip}

// Other returns the partition a driver must be absent from while in p.
func (p Partition) Other() Partition {
	if p == PartitionInTrip {
		return PartitionFree
	}
	return PartitionInTrip
}

func (p Partition) Valid() bool {
	return p == PartitionFree || p == PartitionInTrip
}

// PartitionFor maps a ledger status onto the partition a located driver
// belongs in. Off has no partition.
func PartitionFor(status WorkStatus) Partition {
	switch status {
	case StatusOn:
		return PartitionFree
	case StatusInTrip:
		return PartitionInTrip
	}
	return PartitionNone
}

// Presence is a driver's entry in the live geospatial index.
type Presence struct {
	DriverID   string    `json:"driver_id"`
	Partition  Partition `json:"partition"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Geohash    string    `json:"geohash,omitempty"`
	DistanceKm float64   `json:"distance_km,omitempty"` // set by nearby queries
}
