package normalize

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"netdash/internal/model"
)

// Batch is the normalized content of one live-feed response.
type Batch struct {
	Shape    string
	Records  []model.DevicePartial
	Rejected []error
}

// FilterList is one band's block or allow list taken from a filter response.
// A list is authoritative for its band and kind.
type FilterList struct {
	Band     string
	Kind     model.ListKind
	Records  []model.DevicePartial
	Rejected []error
}

// FilterResponse is the normalized content of one blocked-devices response.
type FilterResponse struct {
	Shape    string
	Lists    []FilterList
	Policies []model.BandPolicy
}

// Each shape handler recognizes one payload layout. Handlers are tried in order.
type liveShape struct {
	name    string
	match   func(root gjson.Result) bool
	records func(root gjson.Result) gjson.Result
}

var liveShapes = []liveShape{
	{
		name:    "list",
		match:   func(root gjson.Result) bool { return root.IsArray() },
		records: func(root gjson.Result) gjson.Result { return root },
	},
	{
		name:    "connected_devices",
		match:   func(root gjson.Result) bool { return root.IsObject() && root.Get("connected_devices").IsArray() },
		records: func(root gjson.Result) gjson.Result { return root.Get("connected_devices") },
	},
	{
		name:    "devices",
		match:   func(root gjson.Result) bool { return root.IsObject() && root.Get("devices").IsArray() },
		records: func(root gjson.Result) gjson.Result { return root.Get("devices") },
	},
}

// ParseLiveFeed decodes a live-devices response. Unknown layouts fail with
// model.ErrInvalidBatch; individual bad records are collected in Rejected.
func ParseLiveFeed(body []byte) (Batch, error) {
	root, err := parseRoot(body)
	if err != nil {
		return Batch{}, err
	}
	for _, shape := range liveShapes {
		if !shape.match(root) {
			continue
		}
		records, rejected := normalizeAll(shape.records(root))
		return Batch{Shape: shape.name, Records: records, Rejected: rejected}, nil
	}
	return Batch{}, fmt.Errorf("%w: unrecognized live feed layout", model.ErrInvalidBatch)
}

type filterShape struct {
	name  string
	match func(root gjson.Result) bool
	parse func(root gjson.Result, band string) (FilterResponse, error)
}

var filterShapes = []filterShape{
	{name: "router_wlan", match: isRouterWLAN, parse: parseRouterWLAN},
	{name: "list", match: func(root gjson.Result) bool { return root.IsArray() }, parse: parseFlatList},
	{name: "wrapped", match: isWrappedList, parse: parseWrappedList},
	{name: "per_band", match: isPerBandMap, parse: parsePerBandMap},
}

// ParseFilterLists decodes a blocked-devices response. band is the band the
// request was scoped to; unscoped flat lists are recorded under model.BandAll.
func ParseFilterLists(body []byte, band string) (FilterResponse, error) {
	root, err := parseRoot(body)
	if err != nil {
		return FilterResponse{}, err
	}
	if band == "" {
		band = model.BandAll
	}
	for _, shape := range filterShapes {
		if !shape.match(root) {
			continue
		}
		resp, err := shape.parse(root, band)
		if err != nil {
			return FilterResponse{}, err
		}
		resp.Shape = shape.name
		return resp, nil
	}
	return FilterResponse{}, fmt.Errorf("%w: unrecognized filter list layout", model.ErrInvalidBatch)
}

// ParseNotifications returns the raw notification objects from a flat list
// or a {"notifications": [...]} wrapper.
func ParseNotifications(body []byte) ([]gjson.Result, error) {
	root, err := parseRoot(body)
	if err != nil {
		return nil, err
	}
	switch {
	case root.IsArray():
		return root.Array(), nil
	case root.IsObject() && root.Get("notifications").IsArray():
		return root.Get("notifications").Array(), nil
	default:
		return nil, fmt.Errorf("%w: unrecognized notifications layout", model.ErrInvalidBatch)
	}
}

func parseRoot(body []byte) (gjson.Result, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return gjson.Result{}, fmt.Errorf("%w: empty response", model.ErrInvalidBatch)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("%w: response is not valid json", model.ErrInvalidBatch)
	}
	return gjson.ParseBytes(body), nil
}

func normalizeAll(items gjson.Result) ([]model.DevicePartial, []error) {
	var records []model.DevicePartial
	var rejected []error
	items.ForEach(func(_, item gjson.Result) bool {
		// Bare MAC strings appear in some router list payloads.
		if item.Type == gjson.String {
			item = gjson.Parse(fmt.Sprintf(`{"mac_address":%q}`, item.Str))
		}
		p, err := Normalize(item)
		if err != nil {
			rejected = append(rejected, err)
			return true
		}
		records = append(records, p)
		return true
	})
	return records, rejected
}

func isRouterWLAN(root gjson.Result) bool {
	if !root.IsArray() {
		return false
	}
	firstItem := root.Get("0")
	return firstItem.IsObject() && firstItem.Get("FrequencyBand").Exists()
}

func parseRouterWLAN(root gjson.Result, _ string) (FilterResponse, error) {
	var resp FilterResponse
	var failed error
	root.ForEach(func(_, item gjson.Result) bool {
		band := strings.TrimSpace(item.Get("FrequencyBand").String())
		if band == "" {
			failed = fmt.Errorf("%w: filter entry without FrequencyBand", model.ErrInvalidBatch)
			return false
		}
		resp.Policies = append(resp.Policies, model.BandPolicy{
			Band:    band,
			Enabled: item.Get("MACAddressControlEnabled").Bool(),
			Mode:    policyMode(item.Get("MacFilterPolicy")),
		})
		resp.Lists = append(resp.Lists,
			listOf(band, model.ListBlocked, item.Get("BMACAddresses")),
			listOf(band, model.ListAllowed, item.Get("WMACAddresses")),
		)
		return true
	})
	if failed != nil {
		return FilterResponse{}, failed
	}
	return resp, nil
}

func parseFlatList(root gjson.Result, band string) (FilterResponse, error) {
	return FilterResponse{Lists: []FilterList{listOf(band, model.ListBlocked, root)}}, nil
}

func isWrappedList(root gjson.Result) bool {
	return root.IsObject() && (root.Get("blocked_devices").IsArray() || root.Get("allowed_devices").IsArray())
}

func parseWrappedList(root gjson.Result, band string) (FilterResponse, error) {
	resp := FilterResponse{}
	if v := root.Get("blocked_devices"); v.IsArray() {
		resp.Lists = append(resp.Lists, listOf(band, model.ListBlocked, v))
	}
	if v := root.Get("allowed_devices"); v.IsArray() {
		resp.Lists = append(resp.Lists, listOf(band, model.ListAllowed, v))
	}
	return resp, nil
}

func isPerBandMap(root gjson.Result) bool {
	if !root.IsObject() {
		return false
	}
	matched := false
	root.ForEach(func(_, v gjson.Result) bool {
		if v.IsObject() && (v.Get("blocked_devices").Exists() || v.Get("allowed_devices").Exists()) {
			matched = true
			return false
		}
		return true
	})
	return matched
}

func parsePerBandMap(root gjson.Result, _ string) (FilterResponse, error) {
	var resp FilterResponse
	var failed error
	// Band names contain dots, so iterate instead of using path lookups.
	root.ForEach(func(key, v gjson.Result) bool {
		band := key.String()
		if !v.IsObject() {
			failed = fmt.Errorf("%w: band %q is not an object", model.ErrInvalidBatch, band)
			return false
		}
		blocked := v.Get("blocked_devices")
		allowed := v.Get("allowed_devices")
		if (blocked.Exists() && !blocked.IsArray()) || (allowed.Exists() && !allowed.IsArray()) {
			failed = fmt.Errorf("%w: band %q lists are not arrays", model.ErrInvalidBatch, band)
			return false
		}
		policy := model.BandPolicy{Band: band, Enabled: true, Mode: model.ListBlocked}
		if e := v.Get("enabled"); e.Exists() {
			policy.Enabled = e.Bool()
		}
		if p := v.Get("policy"); p.Exists() {
			policy.Mode = policyMode(p)
		}
		resp.Policies = append(resp.Policies, policy)
		resp.Lists = append(resp.Lists,
			listOf(band, model.ListBlocked, blocked),
			listOf(band, model.ListAllowed, allowed),
		)
		return true
	})
	if failed != nil {
		return FilterResponse{}, failed
	}
	return resp, nil
}

// policyMode maps the router's numeric filter policy: 1 is a blocklist, 0 an allowlist.
func policyMode(v gjson.Result) model.ListKind {
	if v.Exists() && v.Int() == 0 {
		return model.ListAllowed
	}
	return model.ListBlocked
}

func listOf(band string, kind model.ListKind, items gjson.Result) FilterList {
	records, rejected := normalizeAll(items)
	return FilterList{Band: band, Kind: kind, Records: records, Rejected: rejected}
}
