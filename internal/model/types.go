package model

import "time"

// Core domain types shared by the engines, the store and the API.

type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether the point is within WGS84 ranges.
func (p GeoPoint) Valid() bool {
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

type JobKind string

const (
	KindDelivery JobKind = "delivery"
	KindPickup   JobKind = "pickup"
)

// Location is an address with its coordinate.
type Location struct {
	Address string    `json:"address,omitempty"`
	Point   *GeoPoint `json:"point"`
}

// Parcel is the physical item a job moves. Volume and weight come from the
// warehouse scan tool.
type Parcel struct {
	ID          string     `json:"id"`
	Name        string     `json:"name,omitempty"`
	Description string     `json:"description,omitempty"`
	Volume      float64    `json:"volume"`
	Weight      float64    `json:"weight"`
	ScannedAt   *time.Time `json:"scannedAt,omitempty"`
	// Current whereabouts of the parcel; used as the target of pickup jobs.
	Location *GeoPoint `json:"location,omitempty"`
}

type RouteSegment struct {
	DistanceM   float64    `json:"distanceM"`
	TimeSec     int        `json:"timeSec"`
	Instruction string     `json:"instruction"`
	Polyline    []GeoPoint `json:"polyline"`
}

type Job struct {
	ID          string         `json:"id"`
	Kind        JobKind        `json:"kind"`
	Parcels     []Parcel       `json:"parcels"`
	Destination Location       `json:"destination"`
	Deadline    time.Time      `json:"deadline"`
	Status      Status         `json:"status"`
	RiderID     string         `json:"riderId,omitempty"`
	Route       []RouteSegment `json:"route,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// Target returns where a rider has to go for this job: the delivery address,
// or for pickups the parcel's current location.
func (j Job) Target() (GeoPoint, bool) {
	if j.Kind == KindPickup {
		if len(j.Parcels) > 0 && j.Parcels[0].Location != nil {
			return *j.Parcels[0].Location, true
		}
		return GeoPoint{}, false
	}
	if j.Destination.Point == nil {
		return GeoPoint{}, false
	}
	return *j.Destination.Point, true
}

// Parcel returns the single parcel of the job.
func (j Job) Parcel() (Parcel, bool) {
	if len(j.Parcels) != 1 {
		return Parcel{}, false
	}
	return j.Parcels[0], true
}

type JobInput struct {
	Kind        JobKind    `json:"kind"`
	Parcels     []ParcelIn `json:"parcels"`
	Destination Location   `json:"destination"`
	Deadline    time.Time  `json:"deadline"`
}

type ParcelIn struct {
	Name        string     `json:"name,omitempty"`
	Description string     `json:"description,omitempty"`
	Volume      float64    `json:"volume"`
	Weight      float64    `json:"weight"`
	ScannedAt   *time.Time `json:"scannedAt,omitempty"`
	Location    *GeoPoint  `json:"location,omitempty"`
}

// ParcelScan is a fresh measurement from the scan tool.
type ParcelScan struct {
	Volume    float64   `json:"volume"`
	Weight    float64   `json:"weight"`
	ScannedAt time.Time `json:"scannedAt"`
	Location  *GeoPoint `json:"location,omitempty"`
}

type Rider struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone,omitempty"`
	Age       int       `json:"age,omitempty"`
	Capacity  float64   `json:"capacity"`
	CreatedAt time.Time `json:"createdAt"`
}

type RiderInput struct {
	Name     string  `json:"name"`
	Phone    string  `json:"phone,omitempty"`
	Age      int     `json:"age,omitempty"`
	Capacity float64 `json:"capacity"`
}

// Entry is one stop of a ledger. Job is hydrated by the store on read.
type Entry struct {
	JobID    string  `json:"jobId"`
	OrderKey float64 `json:"orderKey"`
	Job      Job     `json:"job"`
}

// Ledger is a rider's route for one day. Entries before Cursor are done.
type Ledger struct {
	ID        string    `json:"id"`
	Rider     Rider     `json:"rider"`
	PlanDate  string    `json:"planDate"`
	Entries   []Entry   `json:"entries"`
	Cursor    int       `json:"cursor"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IndexOf returns the position of the job in the ledger, or -1.
func (l Ledger) IndexOf(jobID string) int {
	for i, e := range l.Entries {
		if e.JobID == jobID {
			return i
		}
	}
	return -1
}

// Assignment pairs a job with the rider that received it.
type Assignment struct {
	JobID   string `json:"jobId"`
	RiderID string `json:"riderId"`
}

// DispatchResult is what a batch dispatch committed.
type DispatchResult struct {
	Assignments []Assignment `json:"assignments"`
	Ledgers     []Ledger     `json:"ledgers"`
	Unassigned  []string     `json:"unassigned"`
}

// PickupResult is the outcome of inserting one pickup into live routes.
// Ledger is nil when no rider could take the job.
type PickupResult struct {
	JobID      string  `json:"jobId"`
	Assigned   bool    `json:"assigned"`
	AfterIndex int     `json:"afterIndex,omitempty"`
	Ledger     *Ledger `json:"ledger,omitempty"`
}
