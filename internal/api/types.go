package api

import (
	"errors"
	"strings"
)

// ListType is the list a filter request targets on the upstream controller.
type ListType string

const (
	ListBlocklist ListType = "blocklist"
	ListTrustlist ListType = "trustlist"
	ListUnblocked ListType = "unblocked"
)

// FilterRequest is the body of block and unblock requests.
type FilterRequest struct {
	DeviceName string   `json:"device_name"`
	MACAddress string   `json:"mac_address"`
	ListType   ListType `json:"list_type"`
	// Order is the device's position in the router's list; only unblock uses it.
	Order int `json:"order,omitempty"`
}

// FilterAck is the upstream acknowledgement of a filter request.
type FilterAck struct {
	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ErrRejected is returned when the controller answers 2xx but reports a failure.
var ErrRejected = errors.New("filter request rejected")

// Err converts an acknowledgement into an error. Some controllers report
// failures with a 200 and an "error" field.
func (a FilterAck) Err() error {
	if a.Error != "" {
		return errors.Join(ErrRejected, errors.New(a.Error))
	}
	switch strings.ToLower(a.Status) {
	case "", "success", "ok":
		return nil
	default:
		return errors.Join(ErrRejected, errors.New(a.Status+": "+a.Message))
	}
}

// NotificationsQuery selects notifications. Category is sent as a path suffix.
type NotificationsQuery struct {
	Limit    int    `url:"limit,omitempty"`
	Category string `url:"-"`
}

// FilterQuery scopes a blocked-devices request to one band.
type FilterQuery struct {
	Band string `url:"band,omitempty"`
}

// BandwidthTotals are cumulative interface counters reported upstream.
type BandwidthTotals struct {
	BytesSent uint64 `json:"total_bytes_sent"`
	BytesRecv uint64 `json:"total_bytes_recv"`
}

// SpeedSample is the latest link speed measurement.
type SpeedSample struct {
	DownloadMbps float64 `json:"download_mbps"`
	UploadMbps   float64 `json:"upload_mbps"`
	PingMs       float64 `json:"ping_ms"`
}
