package model

import "time"

// DefaultHostname is shown for devices whose sources never reported a name.
const DefaultHostname = "Unknown Device"

// DefaultDeviceType is used when no type or icon hint is available.
const DefaultDeviceType = "Unknown"

// BandAll marks filter entries that came from a list without band information.
const BandAll = "all"

type Connection string

const (
	ConnectionWired    Connection = "wired"
	ConnectionWireless Connection = "wireless"
)

type Activity string

const (
	ActivityActive   Activity = "active"
	ActivityInactive Activity = "inactive"
	ActivityOffline  Activity = "offline"
)

// FilterState is the access policy currently applied to a device.
type FilterState string

const (
	FilterUnrestricted FilterState = "unrestricted"
	FilterBlocked      FilterState = "blocked"
	FilterAllowed      FilterState = "allowed"
)

// ListKind names which filter list an entry belongs to.
type ListKind string

const (
	ListBlocked ListKind = "blocked"
	ListAllowed ListKind = "allowed"
)

// Pending is a filtering request that was sent upstream but not yet acknowledged.
type Pending string

const (
	PendingNone        Pending = ""
	PendingBlocking    Pending = "blocking"
	PendingUnblocking  Pending = "unblocking"
	PendingAllowing    Pending = "allowing"
	PendingDisallowing Pending = "disallowing"
)

// BandEntry records membership of a device in one band's block or allow list.
type BandEntry struct {
	Band    string    `json:"band" yaml:"band"`
	List    ListKind  `json:"list" yaml:"list"`
	AddedAt time.Time `json:"added_at,omitempty" yaml:"added_at,omitempty"`
}

// Device is the merged, per-MAC view of a network client.
type Device struct {
	MAC           string      `json:"mac_address" yaml:"mac_address"`
	Hostname      string      `json:"hostname" yaml:"hostname"`
	IPAddress     string      `json:"ip_address,omitempty" yaml:"ip_address,omitempty"`
	Manufacturer  string      `json:"manufacturer,omitempty" yaml:"manufacturer,omitempty"`
	DeviceType    string      `json:"device_type" yaml:"device_type"`
	Connection    Connection  `json:"connection_type,omitempty" yaml:"connection_type,omitempty"`
	Activity      Activity    `json:"status" yaml:"status"`
	UploadBytes   uint64      `json:"upload_bytes" yaml:"upload_bytes"`
	DownloadBytes uint64      `json:"download_bytes" yaml:"download_bytes"`
	Filter        FilterState `json:"filter_state" yaml:"filter_state"`
	Pending       Pending     `json:"pending,omitempty" yaml:"pending,omitempty"`
	Bands         []BandEntry `json:"bands,omitempty" yaml:"bands,omitempty"`
	FirstSeen     time.Time   `json:"first_seen" yaml:"first_seen"`
	LastSeen      time.Time   `json:"last_seen,omitempty" yaml:"last_seen,omitempty"`
	SeenLive      bool        `json:"seen_live" yaml:"seen_live"`
	MissedCycles  int         `json:"missed_cycles,omitempty" yaml:"missed_cycles,omitempty"`
}

// TotalBytes is upload plus download.
func (d Device) TotalBytes() uint64 {
	return d.UploadBytes + d.DownloadBytes
}

// BandNames lists the distinct bands the device is filtered on, in entry order.
func (d Device) BandNames() []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(d.Bands))
	for _, b := range d.Bands {
		if seen[b.Band] {
			continue
		}
		seen[b.Band] = true
		out = append(out, b.Band)
	}
	return out
}

// DevicePartial is one normalized source record. Nil fields were absent at the source.
type DevicePartial struct {
	MAC           string
	Hostname      *string
	IPAddress     *string
	Manufacturer  *string
	DeviceType    *string
	Connection    *Connection
	Activity      *Activity
	UploadBytes   *uint64
	DownloadBytes *uint64
	AddedAt       *time.Time
}

// BandPolicy is the filter configuration reported for one band.
type BandPolicy struct {
	Band    string   `json:"band" yaml:"band"`
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Mode    ListKind `json:"mode" yaml:"mode"`
}

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Direction string

const (
	DirectionUpload   Direction = "upload"
	DirectionDownload Direction = "download"
)

// AnomalyRecord is one upstream notification with its derived classification.
type AnomalyRecord struct {
	ID            string    `json:"id" yaml:"id"`
	DeviceID      string    `json:"device_id,omitempty" yaml:"device_id,omitempty"`
	MAC           string    `json:"mac_address,omitempty" yaml:"mac_address,omitempty"`
	Hostname      string    `json:"hostname" yaml:"hostname"`
	IPAddress     string    `json:"ip_address,omitempty" yaml:"ip_address,omitempty"`
	Category      string    `json:"category" yaml:"category"`
	Remarks       string    `json:"remarks" yaml:"remarks"`
	Summary       string    `json:"summary" yaml:"summary"`
	ProbableCause string    `json:"probable_cause,omitempty" yaml:"probable_cause,omitempty"`
	Severity      Severity  `json:"severity" yaml:"severity"`
	MagnitudeKBps float64   `json:"magnitude_kbps" yaml:"magnitude_kbps"`
	Direction     Direction `json:"direction" yaml:"direction"`
	Fallback      bool      `json:"classification_fallback,omitempty" yaml:"classification_fallback,omitempty"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
}

// SeriesPoint is one timestamped observation in a bounded series.
type SeriesPoint struct {
	Time   time.Time          `json:"time" yaml:"time"`
	Values map[string]float64 `json:"values" yaml:"values"`
}
