package powerwall

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend serves canned payloads and records how often each path was
// fetched.
type fakeBackend struct {
	payloads map[string]json.RawMessage
	errs     map[string]error
	fetches  map[string]int
}

func (f *fakeBackend) Authenticate(ctx context.Context) error { return nil }

func (f *fakeBackend) Fetch(ctx context.Context, api string) (json.RawMessage, error) {
	if f.fetches == nil {
		f.fetches = map[string]int{}
	}
	f.fetches[api]++
	if err, ok := f.errs[api]; ok {
		return nil, err
	}
	if p, ok := f.payloads[api]; ok {
		return p, nil
	}
	return nil, ErrUnsupported
}

func fakeClient(payloads map[string]json.RawMessage) (*Client, *fakeBackend) {
	b := &fakeBackend{payloads: payloads}
	return &Client{backend: b, cache: NewCache(5 * time.Second)}, b
}

func TestPollCaching(t *testing.T) {
	ctx := context.Background()
	c, b := fakeClient(map[string]json.RawMessage{
		"/api/status": json.RawMessage(`{"din":"d1"}`),
	})

	for i := 0; i < 3; i++ {
		payload, err := c.Poll(ctx, "/api/status", false)
		require.NoError(t, err)
		assert.Equal(t, `{"din":"d1"}`, string(payload))
	}
	assert.Equal(t, 1, b.fetches["/api/status"], "fresh entries are served from cache")

	_, err := c.Poll(ctx, "/api/status", true)
	require.NoError(t, err)
	assert.Equal(t, 2, b.fetches["/api/status"], "force bypasses the cache")
}

func TestPollFailuresNotCached(t *testing.T) {
	ctx := context.Background()
	c, b := fakeClient(nil)
	b.errs = map[string]error{"/api/status": ErrTimeout}

	for i := 0; i < 2; i++ {
		_, err := c.Poll(ctx, "/api/status", false)
		assert.ErrorIs(t, err, ErrTimeout)
	}
	assert.Equal(t, 2, b.fetches["/api/status"], "failures must not be cached")
}

func TestLevelScaling(t *testing.T) {
	ctx := context.Background()
	for _, tt := range []struct {
		raw, scaled float64
	}{
		{100, 100},
		{50, 47.36842105},
		{5, 0},
	} {
		c, _ := fakeClient(map[string]json.RawMessage{
			"/api/system_status/soe": json.RawMessage(`{"percentage":` + jsonFloat(tt.raw) + `}`),
		})
		raw, ok := c.Level(ctx, false)
		require.True(t, ok)
		assert.InDelta(t, tt.raw, raw, 0.0001)

		scaled, ok := c.Level(ctx, true)
		require.True(t, ok)
		assert.InDelta(t, tt.scaled, scaled, 0.0001)
	}

	c, _ := fakeClient(nil)
	_, ok := c.Level(ctx, false)
	assert.False(t, ok)
}

func jsonFloat(f float64) string {
	b, _ := json.Marshal(f)
	return string(b)
}

func TestGridStatus(t *testing.T) {
	ctx := context.Background()
	for _, tt := range []struct {
		raw     string
		status  string
		numeric int
	}{
		{"SystemGridConnected", "UP", 1},
		{"SystemIslandedActive", "DOWN", 0},
		{"SystemTransitionToGrid", "SYNCING", -1},
		{"SystemTransitionToIsland", "SYNCING", -1},
		{"SystemIslandedReady", "SYNCING", -1},
		{"SystemMicroGridFaulted", "DOWN", 0},
		{"SystemWaitForUser", "DOWN", 0},
	} {
		t.Run(tt.raw, func(t *testing.T) {
			c, _ := fakeClient(map[string]json.RawMessage{
				"/api/system_status/grid_status": json.RawMessage(`{"grid_status":"` + tt.raw + `"}`),
			})
			status, ok := c.GridStatus(ctx)
			require.True(t, ok)
			assert.Equal(t, tt.status, status)

			n, ok := c.GridStatusNumeric(ctx)
			require.True(t, ok)
			assert.Equal(t, tt.numeric, n)
		})
	}

	t.Run("Unknown", func(t *testing.T) {
		c, _ := fakeClient(map[string]json.RawMessage{
			"/api/system_status/grid_status": json.RawMessage(`{"grid_status":"SystemBrandNewState"}`),
		})
		_, ok := c.GridStatus(ctx)
		assert.False(t, ok, "unknown raw states must not be guessed at")
	})
}

func TestVersion(t *testing.T) {
	ctx := context.Background()
	c, _ := fakeClient(map[string]json.RawMessage{
		"/api/status": json.RawMessage(`{"din":"1232100-00-E--TG123","version":"23.44.1 eb113390",` +
			`"up_time_seconds":"1541h38m20s"}`),
	})

	v, ok := c.Version(ctx)
	require.True(t, ok)
	assert.Equal(t, "23.44.1 eb113390", v)

	vint, ok := c.VersionInt(ctx)
	require.True(t, ok)
	assert.Equal(t, 234401, vint)

	din, ok := c.DIN(ctx)
	require.True(t, ok)
	assert.Equal(t, "1232100-00-E--TG123", din)

	uptime, ok := c.Uptime(ctx)
	require.True(t, ok)
	assert.Equal(t, "1541h38m20s", uptime)
}

func TestParseVersionInt(t *testing.T) {
	assert.Equal(t, 234400, parseVersionInt("23.44.0"))
	assert.Equal(t, 234401, parseVersionInt("23.44.1 eb113390"))
	assert.Equal(t, 230000, parseVersionInt("23"))
	assert.Equal(t, 232800, parseVersionInt("23.28 27626f98"))
}

func TestReserve(t *testing.T) {
	ctx := context.Background()
	c, _ := fakeClient(map[string]json.RawMessage{
		"/api/operation": json.RawMessage(`{"real_mode":"self_consumption","backup_reserve_percent":24}`),
	})

	raw, ok := c.Reserve(ctx, false)
	require.True(t, ok)
	assert.InDelta(t, 24, raw, 0.0001)

	scaled, ok := c.Reserve(ctx, true)
	require.True(t, ok)
	assert.InDelta(t, (24/0.95)-(5/0.95), scaled, 0.0001)
}

func TestPower(t *testing.T) {
	ctx := context.Background()
	c, _ := fakeClient(map[string]json.RawMessage{
		"/api/meters/aggregates": json.RawMessage(`{
			"site":{"instant_power":100.5},
			"solar":{"instant_power":3500},
			"battery":{"instant_power":-1000},
			"load":{"instant_power":2600.5}}`),
	})

	flows, ok := c.Power(ctx)
	require.True(t, ok)
	assert.InDelta(t, 100.5, flows.Site, 0.0001)
	assert.InDelta(t, 3500, flows.Solar, 0.0001)
	assert.InDelta(t, -1000, flows.Battery, 0.0001)
	assert.InDelta(t, 2600.5, flows.Load, 0.0001)
}

var testVitals = json.RawMessage(`{
	"STSTSM--1232100-00-E--TG123":{"alerts":["SystemConnectedToGrid"]},
	"PVAC--1538100-00-F--CN123":{
		"PVAC_Pout":3000,
		"PVAC_PVCurrentA":2.1,"PVAC_PVMeasuredPowerA":800,"PVAC_PVMeasuredVoltageA":380.5,
		"PVAC_PvStateA":"PV_Active",
		"PVAC_PVCurrentB":0,"PVAC_PVMeasuredPowerB":0,"PVAC_PVMeasuredVoltageB":-2.5,
		"PVAC_PvStateB":"PV_Active_Parallel",
		"alerts":[]},
	"PVS--1538100-00-F--CN123":{
		"PVS_StringA_Connected":true,"PVS_StringB_Connected":false,
		"alerts":["PVS_a018_MciStringB"]},
	"TETHC--2012170-25-E--TG456":{"THC_State":"THC_STATE_AUTONOMOUS","THC_AmbientTemp":21.5}}`)

func TestStrings(t *testing.T) {
	ctx := context.Background()
	c, _ := fakeClient(map[string]json.RawMessage{
		"/api/devices/vitals": testVitals,
	})

	strings := c.Strings(ctx)
	require.Contains(t, strings, "A")
	require.Contains(t, strings, "B")
	assert.Equal(t, 2.1, strings["A"]["Current"])
	assert.Equal(t, 800.0, strings["A"]["Power"])
	assert.Equal(t, 380.5, strings["A"]["Voltage"])
	assert.Equal(t, "PV_Active", strings["A"]["State"])
	assert.Equal(t, true, strings["A"]["Connected"])
	assert.Equal(t, false, strings["B"]["Connected"])
}

func TestStringsSolarControllerFallback(t *testing.T) {
	ctx := context.Background()
	c, _ := fakeClient(map[string]json.RawMessage{
		"/api/solar_powerwall": json.RawMessage(`{"pvac_status":{"string_vitals":[
			{"string_id":1,"connected":true,"measured_voltage":384.3,"current":2.2,"measured_power":846},
			{"string_id":2,"connected":false,"measured_voltage":0,"current":0,"measured_power":0}]}}`),
	})

	strings := c.Strings(ctx)
	require.Contains(t, strings, "A")
	require.Contains(t, strings, "B")
	assert.Equal(t, true, strings["A"]["Connected"])
	assert.Equal(t, 846.0, strings["A"]["Power"])
	assert.Equal(t, false, strings["B"]["Connected"])
}

func TestTempsAndAlerts(t *testing.T) {
	ctx := context.Background()
	c, _ := fakeClient(map[string]json.RawMessage{
		"/api/devices/vitals": testVitals,
	})

	temps := c.Temps(ctx)
	assert.Equal(t, map[string]any{"TETHC--2012170-25-E--TG456": 21.5}, temps)

	alerts := c.Alerts(ctx)
	assert.Equal(t, []string{"PVS_a018_MciStringB", "SystemConnectedToGrid"}, alerts)
}

func TestAlertsSolarControllerFallback(t *testing.T) {
	ctx := context.Background()
	c, _ := fakeClient(map[string]json.RawMessage{
		"/api/solar_powerwall": json.RawMessage(`{
			"pvac_alerts":{"PVAC_a041_excess_PV_clamp_triggered":true,"PVAC_a014_shutdown":false},
			"pvs_alerts":{"PVS_a018_MciStringB":true}}`),
	})

	alerts := c.Alerts(ctx)
	assert.Equal(t, []string{"PVAC_a041_excess_PV_clamp_triggered", "PVS_a018_MciStringB"}, alerts)
}

func TestBatteryBlocks(t *testing.T) {
	ctx := context.Background()
	c, _ := fakeClient(map[string]json.RawMessage{
		"/api/system_status": json.RawMessage(`{"available_blocks":1,"battery_blocks":[
			{"PackageSerialNumber":"TG456","nominal_full_pack_energy":13500,
			"nominal_energy_remaining":10000,"backup_ready":true}]}`),
		"/api/devices/vitals": testVitals,
	})

	blocks, ok := c.BatteryBlocks(ctx)
	require.True(t, ok)
	require.Contains(t, blocks, "TG456")
	assert.Equal(t, true, blocks["TG456"]["backup_ready"])
	assert.Equal(t, "THC_STATE_AUTONOMOUS", blocks["TG456"]["THC_State"])
	assert.Equal(t, 21.5, blocks["TG456"]["temperature"])
	assert.NotContains(t, blocks["TG456"], "PackageSerialNumber")
}

func TestTimeRemainingLocal(t *testing.T) {
	ctx := context.Background()
	c, _ := fakeClient(map[string]json.RawMessage{
		"/api/system_status":     json.RawMessage(`{"nominal_energy_remaining":21000}`),
		"/api/meters/aggregates": json.RawMessage(`{"load":{"instant_power":3000}}`),
	})

	hours, ok := c.TimeRemaining(ctx)
	require.True(t, ok)
	assert.InDelta(t, 7, hours, 0.0001)
}

func TestSiteNameAndConnected(t *testing.T) {
	ctx := context.Background()
	c, _ := fakeClient(map[string]json.RawMessage{
		"/api/site_info/site_name": json.RawMessage(`{"site_name":"Coral Reef","timezone":"America/Los_Angeles"}`),
	})

	name, ok := c.SiteName(ctx)
	require.True(t, ok)
	assert.Equal(t, "Coral Reef", name)
	assert.True(t, c.IsConnected(ctx))

	down, b := fakeClient(nil)
	b.errs = map[string]error{"/api/site_info/site_name": ErrUnreachable}
	assert.False(t, down.IsConnected(ctx))
}
