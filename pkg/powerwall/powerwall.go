package powerwall

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/pwproxy/pwproxy/pkg/config"
	"github.com/pwproxy/pwproxy/pkg/log"
	"github.com/pwproxy/pwproxy/pkg/storage"
)

// Client is the unified facade over whichever backend the configuration
// selected. All reads go through the shared response cache.
type Client struct {
	backend   Backend
	cache     *Cache
	cloudMode bool
	authMode  string
}

// New picks the backend from cfg. An empty host means cloud mode.
func New(cfg config.Config, store storage.Store) *Client {
	var backend Backend
	if cfg.CloudMode() {
		backend = NewCloud(cfg, store)
	} else {
		backend = NewLocal(cfg, store)
	}
	return &Client{
		backend:   backend,
		cache:     NewCache(cfg.CacheTTL()),
		cloudMode: cfg.CloudMode(),
		authMode:  cfg.AuthMode,
	}
}

// Connect authenticates the backend. Call it once at startup; a failure here
// is fatal since the proxy cannot serve anything without a session.
func (c *Client) Connect(ctx context.Context) error {
	return c.backend.Authenticate(ctx)
}

// CloudMode reports whether the cloud backend is active.
func (c *Client) CloudMode() bool {
	return c.cloudMode
}

// AuthMode returns the configured local auth mode.
func (c *Client) AuthMode() string {
	return c.authMode
}

// Local returns the local backend when active.
func (c *Client) Local() (*Local, bool) {
	l, ok := c.backend.(*Local)
	return l, ok
}

// Cloud returns the cloud backend when active.
func (c *Client) Cloud() (*Cloud, bool) {
	cl, ok := c.backend.(*Cloud)
	return cl, ok
}

// ClearCache drops all cached responses.
func (c *Client) ClearCache() {
	c.cache.Clear()
}

// Poll returns the payload for one gateway API path, served from cache when
// fresh. force bypasses the cache. Failures are never cached.
func (c *Client) Poll(ctx context.Context, api string, force bool) (json.RawMessage, error) {
	if !force {
		if payload, ok := c.cache.Get(api); ok {
			return payload, nil
		}
	}
	payload, err := c.backend.Fetch(ctx, api)
	if err != nil {
		return nil, err
	}
	c.cache.Put(api, payload)
	return payload, nil
}

// field polls api and extracts path from it. A poll failure or a missing
// field both come back as a non-existent result.
func (c *Client) field(ctx context.Context, api, path string) gjson.Result {
	payload, err := c.Poll(ctx, api, false)
	if err != nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(payload, path)
}

// IsConnected reports whether the upstream currently answers at all.
func (c *Client) IsConnected(ctx context.Context) bool {
	_, err := c.Poll(ctx, "/api/site_info/site_name", false)
	return err == nil
}

// Level returns the battery charge percentage. The gateway keeps a 5%
// buffer at the bottom; scale converts to the app's scale which hides it.
func (c *Client) Level(ctx context.Context, scale bool) (float64, bool) {
	v := c.field(ctx, "/api/system_status/soe", "percentage")
	if !v.Exists() {
		return 0, false
	}
	level := v.Float()
	if scale {
		level = (level / 0.95) - (5 / 0.95)
	}
	return level, true
}

// PowerFlows holds the instantaneous power of each meter in watts. Positive
// site power is grid import, positive battery power is discharge.
type PowerFlows struct {
	Site    float64 `json:"site"`
	Solar   float64 `json:"solar"`
	Battery float64 `json:"battery"`
	Load    float64 `json:"load"`
}

// Power returns the current power flows from the aggregate meters.
func (c *Client) Power(ctx context.Context) (PowerFlows, bool) {
	payload, err := c.Poll(ctx, "/api/meters/aggregates", false)
	if err != nil {
		return PowerFlows{}, false
	}
	return PowerFlows{
		Site:    gjson.GetBytes(payload, "site.instant_power").Float(),
		Solar:   gjson.GetBytes(payload, "solar.instant_power").Float(),
		Battery: gjson.GetBytes(payload, "battery.instant_power").Float(),
		Load:    gjson.GetBytes(payload, "load.instant_power").Float(),
	}, true
}

var gridMap = map[string]struct {
	Status  string
	Numeric int
}{
	"SystemGridConnected":      {"UP", 1},
	"SystemIslandedActive":     {"DOWN", 0},
	"SystemTransitionToGrid":   {"SYNCING", -1},
	"SystemTransitionToIsland": {"SYNCING", -1},
	"SystemIslandedReady":      {"SYNCING", -1},
	"SystemMicroGridFaulted":   {"DOWN", 0},
	"SystemWaitForUser":        {"DOWN", 0},
}

// GridStatus returns the grid state as UP, DOWN or SYNCING. An unrecognized
// raw state is reported as unknown rather than guessed at.
func (c *Client) GridStatus(ctx context.Context) (string, bool) {
	raw := c.field(ctx, "/api/system_status/grid_status", "grid_status")
	if !raw.Exists() {
		return "", false
	}
	m, ok := gridMap[raw.String()]
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "unrecognized grid status", slog.String("grid_status", raw.String()))
		return "", false
	}
	return m.Status, true
}

// GridStatusNumeric returns the grid state as 1 (up), 0 (down) or
// -1 (syncing).
func (c *Client) GridStatusNumeric(ctx context.Context) (int, bool) {
	raw := c.field(ctx, "/api/system_status/grid_status", "grid_status")
	if !raw.Exists() {
		return 0, false
	}
	m, ok := gridMap[raw.String()]
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "unrecognized grid status", slog.String("grid_status", raw.String()))
		return 0, false
	}
	return m.Numeric, true
}

// SiteName returns the configured site name.
func (c *Client) SiteName(ctx context.Context) (string, bool) {
	v := c.field(ctx, "/api/site_info/site_name", "site_name")
	if !v.Exists() {
		return "", false
	}
	return v.String(), true
}

// Status returns one field of /api/status, or the whole payload when param
// is empty.
func (c *Client) Status(ctx context.Context, param string) (any, bool) {
	payload, err := c.Poll(ctx, "/api/status", false)
	if err != nil {
		return nil, false
	}
	if param == "" {
		var out any
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, false
		}
		return out, true
	}
	v := gjson.GetBytes(payload, param)
	if !v.Exists() {
		return nil, false
	}
	return v.Value(), true
}

// Version returns the firmware version string.
func (c *Client) Version(ctx context.Context) (string, bool) {
	v, ok := c.Status(ctx, "version")
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// VersionInt returns the firmware version packed into a sortable integer,
// "23.44.1" becomes 234401.
func (c *Client) VersionInt(ctx context.Context) (int, bool) {
	s, ok := c.Version(ctx)
	if !ok {
		return 0, false
	}
	return parseVersionInt(s), true
}

// parseVersionInt takes the version up to the first space (the git hash
// follows it), strips everything but digits and dots, pads to three dotted
// components, and folds them base 100 with the most significant component
// first.
func parseVersionInt(version string) int {
	version = strings.SplitN(version, " ", 2)[0]
	var b strings.Builder
	for _, r := range version {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	val := b.String()
	for strings.Count(val, ".") < 2 {
		val += ".0"
	}
	parts := strings.Split(val, ".")
	vint := 0
	for _, p := range parts {
		n, _ := strconv.Atoi(p)
		vint = vint*100 + n
	}
	return vint
}

// Uptime returns the gateway's uptime string.
func (c *Client) Uptime(ctx context.Context) (string, bool) {
	v, ok := c.Status(ctx, "up_time_seconds")
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// DIN returns the gateway's device identification number.
func (c *Client) DIN(ctx context.Context) (string, bool) {
	v, ok := c.Status(ctx, "din")
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Vitals returns the device vitals map. Firmware newer than 23.44 dropped
// the endpoint, in that case ok is false and callers fall back to the solar
// controller endpoint.
func (c *Client) Vitals(ctx context.Context) (map[string]map[string]any, bool) {
	api := "/api/devices/vitals"
	if c.cloudMode {
		api = "/vitals"
	}
	payload, err := c.Poll(ctx, api, false)
	if err != nil {
		return nil, false
	}
	var devices map[string]map[string]any
	if err := json.Unmarshal(payload, &devices); err != nil {
		return nil, false
	}
	return devices, true
}

// sortedKeys gives a stable iteration order for device maps.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var stringSuffixes = []string{"", "1", "2", "3", "4", "5", "6", "7", "8"}

// Strings returns per-string solar data keyed by string name (A, B, ...,
// A1, B1 for additional inverters). The inverter publishes measurements on
// PVAC devices and connectivity on the matching PVS device, both get folded
// in. Without vitals the solar controller endpoint supplies the same data.
func (c *Client) Strings(ctx context.Context) map[string]map[string]any {
	result := map[string]map[string]any{}
	devices, ok := c.Vitals(ctx)
	if !ok || len(devices) == 0 {
		return c.stringsFromSolarController(ctx, result)
	}

	deviceIdx := 0
	for _, device := range sortedKeys(devices) {
		if strings.SplitN(device, "--", 2)[0] != "PVAC" {
			continue
		}
		fields := devices[device]
		// connectivity lives on the sibling PVS device
		if pvs, ok := devices["PVS"+device[4:]]; ok {
			for ee, val := range pvs {
				if strings.Contains(ee, "String") {
					fields[ee] = val
				}
			}
		}
		suffix := ""
		if deviceIdx < len(stringSuffixes) {
			suffix = stringSuffixes[deviceIdx]
		}
		for _, e := range sortedKeys(fields) {
			var idxName string
			switch {
			case strings.Contains(e, "PVAC_PVCurrent"):
				idxName = "Current"
			case strings.Contains(e, "PVAC_PVMeasuredPower"):
				idxName = "Power"
			case strings.Contains(e, "PVAC_PVMeasuredVoltage"):
				idxName = "Voltage"
			case strings.Contains(e, "PVAC_PvState"):
				idxName = "State"
			case strings.Contains(e, "PVS_String") && strings.Contains(e, "Connected"):
				idxName = "Connected"
			case strings.Contains(e, "PVS_String"):
				idxName = "Unknown"
			default:
				continue
			}
			// the string letter sits at the end of measurement names and
			// after the PVS_String prefix of connectivity names
			name := e[len(e)-1:] + suffix
			if idxName == "Connected" {
				name = e[10:11] + suffix
			}
			if _, ok := result[name]; !ok {
				result[name] = map[string]any{}
			}
			result[name][idxName] = fields[e]
		}
		deviceIdx++
	}
	return result
}

func (c *Client) stringsFromSolarController(ctx context.Context, result map[string]map[string]any) map[string]map[string]any {
	payload, err := c.Poll(ctx, "/api/solar_powerwall", false)
	if err != nil {
		return result
	}
	var stringMap []string
	for _, number := range stringSuffixes {
		for _, letter := range []string{"A", "B", "C", "D"} {
			stringMap = append(stringMap, letter+number)
		}
	}
	vitals := gjson.GetBytes(payload, "pvac_status.string_vitals")
	i := 0
	vitals.ForEach(func(_, s gjson.Result) bool {
		if i >= len(stringMap) {
			return false
		}
		result[stringMap[i]] = map[string]any{
			"Connected": s.Get("connected").Value(),
			"Voltage":   s.Get("measured_voltage").Value(),
			"Current":   s.Get("current").Value(),
			"Power":     s.Get("measured_power").Value(),
		}
		i++
		return true
	})
	return result
}

// Temps returns the ambient temperature of each thermal controller, keyed
// by device. The value is null when the sensor has not reported.
func (c *Client) Temps(ctx context.Context) map[string]any {
	temps := map[string]any{}
	devices, ok := c.Vitals(ctx)
	if !ok {
		return temps
	}
	for device, fields := range devices {
		if strings.HasPrefix(device, "TETHC") {
			temps[device] = fields["THC_AmbientTemp"]
		}
	}
	return temps
}

// Alerts returns every alert string reported by any device. Without vitals
// the solar controller's boolean alert maps are used instead.
func (c *Client) Alerts(ctx context.Context) []string {
	alerts := []string{}
	devices, ok := c.Vitals(ctx)
	if ok && len(devices) > 0 {
		for _, device := range sortedKeys(devices) {
			raw, ok := devices[device]["alerts"].([]any)
			if !ok {
				continue
			}
			for _, a := range raw {
				if s, ok := a.(string); ok {
					alerts = append(alerts, s)
				}
			}
		}
		return alerts
	}

	payload, err := c.Poll(ctx, "/api/solar_powerwall", false)
	if err != nil {
		return alerts
	}
	for _, section := range []string{"pvac_alerts", "pvs_alerts"} {
		m := gjson.GetBytes(payload, section).Map()
		for _, name := range sortedKeysResult(m) {
			if m[name].Bool() {
				alerts = append(alerts, name)
			}
		}
	}
	return alerts
}

func sortedKeysResult(m map[string]gjson.Result) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SystemStatus returns /api/system_status unmodified.
func (c *Client) SystemStatus(ctx context.Context) (json.RawMessage, error) {
	return c.Poll(ctx, "/api/system_status", false)
}

// BatteryBlocks returns per-battery detail keyed by serial number, merging
// the inventory from system status with the temperature and state the
// thermal controller vitals carry.
func (c *Client) BatteryBlocks(ctx context.Context) (map[string]map[string]any, bool) {
	payload, err := c.SystemStatus(ctx)
	if err != nil {
		return nil, false
	}

	result := map[string]map[string]any{}
	gjson.GetBytes(payload, "battery_blocks").ForEach(func(_, bat gjson.Result) bool {
		sn := bat.Get("PackageSerialNumber").String()
		if sn == "" {
			return true
		}
		block := map[string]any{}
		for k, v := range bat.Map() {
			if k != "PackageSerialNumber" {
				block[k] = v.Value()
			}
		}
		result[sn] = block
		return true
	})

	devices, ok := c.Vitals(ctx)
	if !ok {
		return result, true
	}
	for device, fields := range devices {
		if !strings.HasPrefix(device, "TETHC--") {
			continue
		}
		parts := strings.Split(device, "--")
		if len(parts) < 3 {
			continue
		}
		block, ok := result[parts[2]]
		if !ok {
			continue
		}
		block["THC_State"] = fields["THC_State"]
		block["temperature"] = fields["THC_AmbientTemp"]
	}
	return result, true
}

// Reserve returns the configured backup reserve percentage, converted to
// the app scale unless scale is false.
func (c *Client) Reserve(ctx context.Context, scale bool) (float64, bool) {
	v := c.field(ctx, "/api/operation", "backup_reserve_percent")
	if !v.Exists() {
		return 0, false
	}
	percent := v.Float()
	if scale {
		percent = (percent / 0.95) - (5 / 0.95)
	}
	return percent, true
}

// TimeRemaining estimates backup hours left. The cloud reports it directly;
// locally it is derived from the remaining pack energy and the current
// household load.
func (c *Client) TimeRemaining(ctx context.Context) (float64, bool) {
	if cl, ok := c.Cloud(); ok {
		return cl.TimeRemaining(ctx)
	}
	remaining := c.field(ctx, "/api/system_status", "nominal_energy_remaining")
	if !remaining.Exists() {
		return 0, false
	}
	flows, ok := c.Power(ctx)
	if !ok || flows.Load <= 0 {
		return 0, true
	}
	return remaining.Float() / flows.Load, true
}
