// Package normalize converts device records from the known upstream formats
// into model.DevicePartial values keyed by canonical MAC address.
//
// Three record formats are understood: the live-scan format (snake_case
// keys, bandwidth counters in KB), the router host format (PascalCase keys,
// TxKBytes/RxKBytes) and filter-list entries (MAC, host name, added-on time).
// Only fields present in the record are set on the partial.
package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/tidwall/gjson"

	"netdash/internal/model"
)

var (
	macKeys          = []string{"mac_address", "MACAddress", "MacAddress", "macAddress", "mac"}
	hostnameKeys     = []string{"hostname", "HostName", "host_name", "device_name", "name"}
	ipKeys           = []string{"ip_address", "IPAddress", "IpAddress", "ip"}
	manufacturerKeys = []string{"manufacturer", "Manufacturer", "vendor"}
	typeKeys         = []string{"device_type", "DeviceType", "type"}
	iconKeys         = []string{"IconType", "icon_type", "category"}
	interfaceKeys    = []string{"connection_type", "InterfaceType", "interface_type", "connection"}
	statusKeys       = []string{"status", "Status"}
	activeKeys       = []string{"Active", "active"}
	addedKeys        = []string{"added_at", "AddedOn", "added_on", "created_at"}

	uploadByteKeys   = []string{"upload_bytes", "tx_bytes"}
	uploadKBKeys     = []string{"bandwidth_sent", "TxKBytes"}
	downloadByteKeys = []string{"download_bytes", "rx_bytes"}
	downloadKBKeys   = []string{"bandwidth_received", "RxKBytes"}
)

// wiredLabels are the interface hints that mean a cabled connection.
// Matching is exact; every other present hint is treated as wireless.
var wiredLabels = map[string]bool{
	"wired":    true,
	"Wired":    true,
	"Ethernet": true,
	"ethernet": true,
	"LAN":      true,
}

var statusValues = map[string]model.Activity{
	"active":       model.ActivityActive,
	"online":       model.ActivityActive,
	"connected":    model.ActivityActive,
	"idle":         model.ActivityInactive,
	"inactive":     model.ActivityInactive,
	"offline":      model.ActivityOffline,
	"disconnected": model.ActivityOffline,
}

// Normalize converts one raw JSON object. Records without a usable MAC
// fail with model.ErrInvalidRecord.
func Normalize(raw gjson.Result) (model.DevicePartial, error) {
	if !raw.IsObject() {
		return model.DevicePartial{}, fmt.Errorf("%w: record is not an object", model.ErrInvalidRecord)
	}
	macRaw := first(raw, macKeys...)
	if macRaw.Type != gjson.String {
		return model.DevicePartial{}, fmt.Errorf("%w: missing mac address", model.ErrInvalidRecord)
	}
	mac, err := CanonicalMAC(macRaw.Str)
	if err != nil {
		return model.DevicePartial{}, err
	}

	p := model.DevicePartial{
		MAC:          mac,
		Hostname:     text(raw, hostnameKeys...),
		IPAddress:    text(raw, ipKeys...),
		Manufacturer: text(raw, manufacturerKeys...),
	}

	deviceType := model.DefaultDeviceType
	if v := text(raw, typeKeys...); v != nil {
		deviceType = *v
	} else if v := text(raw, iconKeys...); v != nil {
		deviceType = *v
	}
	p.DeviceType = &deviceType

	if hint := text(raw, interfaceKeys...); hint != nil {
		conn := model.ConnectionWireless
		if wiredLabels[*hint] {
			conn = model.ConnectionWired
		}
		p.Connection = &conn
	}

	activity := activityOf(raw)
	p.Activity = &activity

	p.UploadBytes = counter(raw, uploadByteKeys, uploadKBKeys)
	p.DownloadBytes = counter(raw, downloadByteKeys, downloadKBKeys)

	if v := text(raw, addedKeys...); v != nil {
		if ts, err := dateparse.ParseAny(*v); err == nil {
			ts = ts.UTC()
			p.AddedAt = &ts
		}
	}
	return p, nil
}

// NormalizeJSON is Normalize over an encoded object.
func NormalizeJSON(data []byte) (model.DevicePartial, error) {
	if !gjson.ValidBytes(data) {
		return model.DevicePartial{}, fmt.Errorf("%w: not valid json", model.ErrInvalidRecord)
	}
	return Normalize(gjson.ParseBytes(data))
}

type canonicalRecord struct {
	MAC           string            `json:"mac_address"`
	Hostname      *string           `json:"hostname,omitempty"`
	IPAddress     *string           `json:"ip_address,omitempty"`
	Manufacturer  *string           `json:"manufacturer,omitempty"`
	DeviceType    *string           `json:"device_type,omitempty"`
	Connection    *model.Connection `json:"connection_type,omitempty"`
	Activity      *model.Activity   `json:"status,omitempty"`
	UploadBytes   *uint64           `json:"upload_bytes,omitempty"`
	DownloadBytes *uint64           `json:"download_bytes,omitempty"`
	AddedAt       *time.Time        `json:"added_at,omitempty"`
}

// Canonical encodes a partial back into the live-scan record format.
// Normalizing the result yields the same partial.
func Canonical(p model.DevicePartial) ([]byte, error) {
	return json.Marshal(canonicalRecord(p))
}

func activityOf(raw gjson.Result) model.Activity {
	if v := text(raw, statusKeys...); v != nil {
		if a, ok := statusValues[strings.ToLower(*v)]; ok {
			return a
		}
	}
	if v := first(raw, activeKeys...); v.Exists() {
		if v.Bool() {
			return model.ActivityActive
		}
		return model.ActivityOffline
	}
	return model.ActivityOffline
}

func counter(raw gjson.Result, byteKeys, kbKeys []string) *uint64 {
	if v, ok := number(first(raw, byteKeys...)); ok {
		return toBytes(v, 1)
	}
	if v, ok := number(first(raw, kbKeys...)); ok {
		return toBytes(v, 1024)
	}
	return nil
}

// toBytes saturates at math.MaxUint64 rather than overflowing the conversion.
func toBytes(v, scale float64) *uint64 {
	if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	n := uint64(math.MaxUint64)
	if f := math.Round(v * scale); f < float64(math.MaxUint64) {
		n = uint64(f)
	}
	return &n
}

func number(r gjson.Result) (float64, bool) {
	switch r.Type {
	case gjson.Number:
		return r.Num, true
	case gjson.String:
		v, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		return v, err == nil
	default:
		return 0, false
	}
}

func first(raw gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if v := raw.Get(gjson.Escape(k)); v.Exists() && v.Type != gjson.Null {
			return v
		}
	}
	return gjson.Result{}
}

func text(raw gjson.Result, keys ...string) *string {
	for _, k := range keys {
		v := raw.Get(gjson.Escape(k))
		if v.Type != gjson.String {
			continue
		}
		s := strings.TrimSpace(v.Str)
		if s == "" {
			continue
		}
		return &s
	}
	return nil
}
