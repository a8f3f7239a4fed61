package powerwall

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/pwproxy/pwproxy/pkg/storage"
)

// cloudFixture wires a Cloud at an httptest server that plays both the token
// endpoint and the owner API.
func cloudFixture(t *testing.T, siteID string) (*Cloud, *http.ServeMux) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /oauth2/v3/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-new","refresh_token":"rt-new","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("GET /products", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-new" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"response":[` +
			`{"id":"abc","vehicle_id":1},` +
			`{"energy_site_id":1234567890,"site_name":"Coral Reef","resource_type":"battery"},` +
			`{"energy_site_id":999,"site_name":"Cabin","resource_type":"battery"}]}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	store := storage.NewFileStore(t.TempDir(), "")
	require.NoError(t, store.SaveSession(context.Background(), storage.Session{
		Email:        "owner@example.com",
		RefreshToken: "rt-old",
	}))

	return &Cloud{
		baseURL:    srv.URL,
		tokenURL:   srv.URL + "/oauth2/v3/token",
		email:      "owner@example.com",
		wantSiteID: siteID,
		store:      store,
		timeout:    5 * time.Second,
		ttl:        5 * time.Second,
		calls:      make(map[string]cacheEntry),
		now:        time.Now,
	}, mux
}

func TestCloudAuthenticate(t *testing.T) {
	ctx := context.Background()

	t.Run("SelectsFirstSite", func(t *testing.T) {
		c, _ := cloudFixture(t, "")
		require.NoError(t, c.Authenticate(ctx))
		assert.Equal(t, "1234567890", c.SiteID())
		assert.Equal(t, "Coral Reef", c.SiteName())

		// rotated refresh token and site selection should both be persisted
		s, err := c.store.LoadSession(ctx)
		require.NoError(t, err)
		assert.Equal(t, "rt-new", s.RefreshToken)
		site, err := c.store.LoadSiteID(ctx)
		require.NoError(t, err)
		assert.Equal(t, "1234567890", site)
	})

	t.Run("ExplicitSite", func(t *testing.T) {
		c, _ := cloudFixture(t, "999")
		require.NoError(t, c.Authenticate(ctx))
		assert.Equal(t, "999", c.SiteID())
		assert.Equal(t, "Cabin", c.SiteName())
	})

	t.Run("ExplicitSiteMissing", func(t *testing.T) {
		c, _ := cloudFixture(t, "555")
		err := c.Authenticate(ctx)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "555")
	})

	t.Run("NoCredentials", func(t *testing.T) {
		c, _ := cloudFixture(t, "")
		c.store = storage.NewFileStore(t.TempDir(), "")
		assert.ErrorIs(t, c.Authenticate(ctx), ErrAuthFailed)
	})
}

func TestCloudFetch(t *testing.T) {
	ctx := context.Background()
	c, mux := cloudFixture(t, "")

	mux.HandleFunc("GET /energy_sites/1234567890/site_info", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":{"id":"1232100-00-E--TG123456789A4G","site_name":"Coral Reef",` +
			`"version":"23.44.0 eb113390","battery_count":2,"nameplate_power":10800,"nameplate_energy":27000,` +
			`"backup_reserve_percent":20,"default_real_mode":"self_consumption",` +
			`"installation_time_zone":"America/Los_Angeles","installation_date":"2023-10-13",` +
			`"components":{"solar":true,"gateway":"teg"}}}`))
	})
	mux.HandleFunc("GET /energy_sites/1234567890/site_status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":{"percentage_charged":82.0266576847,"total_pack_energy":25939,` +
			`"energy_left":21276.89,"site_name":"Coral Reef","gateway_id":"1232100-00-E--TG123456789A4G"}}`))
	})
	mux.HandleFunc("GET /energy_sites/1234567890/live_status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":{"solar_power":1290,"battery_power":-220,"load_power":1070,` +
			`"grid_power":0,"grid_status":"Active","grid_services_active":false,"grid_services_power":0,` +
			`"island_status":"on_grid","timestamp":"2023-12-17T14:23:31-08:00"}}`))
	})

	require.NoError(t, c.Authenticate(ctx))

	t.Run("Soe", func(t *testing.T) {
		body, err := c.Fetch(ctx, "/api/system_status/soe")
		require.NoError(t, err)
		// the app percentage gets re-scaled into the gateway's buffered range
		assert.InDelta(t, (82.0266576847+5/0.95)*0.95, gjson.GetBytes(body, "percentage").Float(), 0.0001)
	})

	t.Run("GridStatus", func(t *testing.T) {
		body, err := c.Fetch(ctx, "/api/system_status/grid_status")
		require.NoError(t, err)
		assert.Equal(t, "SystemGridConnected", gjson.GetBytes(body, "grid_status").String())
	})

	t.Run("Aggregates", func(t *testing.T) {
		body, err := c.Fetch(ctx, "/api/meters/aggregates")
		require.NoError(t, err)
		assert.EqualValues(t, 1070, gjson.GetBytes(body, "load.instant_power").Float())
		assert.EqualValues(t, 1290, gjson.GetBytes(body, "solar.instant_power").Float())
		assert.EqualValues(t, 2, gjson.GetBytes(body, "battery.num_meters_aggregated").Int())
	})

	t.Run("Status", func(t *testing.T) {
		body, err := c.Fetch(ctx, "/api/status")
		require.NoError(t, err)
		assert.Equal(t, "1232100-00-E--TG123456789A4G", gjson.GetBytes(body, "din").String())
		assert.Equal(t, "23.44.0 eb113390", gjson.GetBytes(body, "version").String())
	})

	t.Run("Vitals", func(t *testing.T) {
		body, err := c.Fetch(ctx, "/vitals")
		require.NoError(t, err)
		dev := gjson.GetBytes(body, `STSTSM--1232100-00-E--TG123456789A4G`)
		require.True(t, dev.Exists())
		assert.Equal(t, "SystemConnectedToGrid", dev.Get("alerts.0").String())
	})

	t.Run("Static", func(t *testing.T) {
		body, err := c.Fetch(ctx, "/api/troubleshooting/problems")
		require.NoError(t, err)
		assert.JSONEq(t, `{"problems":[]}`, string(body))

		var brands []string
		body, err = c.Fetch(ctx, "/api/solars/brands")
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(body, &brands))
		assert.Contains(t, brands, "Tesla")
	})

	t.Run("NoEquivalent", func(t *testing.T) {
		_, err := c.Fetch(ctx, "/api/meters/readings")
		assert.ErrorIs(t, err, ErrTimeout)

		_, err = c.Fetch(ctx, "/api/devices/vitals")
		assert.ErrorIs(t, err, ErrUnsupported)

		// session endpoints are never proxied, only allow-listed data paths
		_, err = c.Fetch(ctx, "/api/login/Basic")
		assert.ErrorIs(t, err, ErrUnsupported)

		_, err = c.Fetch(ctx, "/api/logout")
		assert.ErrorIs(t, err, ErrUnsupported)
	})

	t.Run("TimeRemaining", func(t *testing.T) {
		mux.HandleFunc("GET /energy_sites/1234567890/backup_time_remaining", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"response":{"time_remaining_hours":7.909}}`))
		})
		hours, ok := c.TimeRemaining(ctx)
		require.True(t, ok)
		assert.InDelta(t, 7.909, hours, 0.0001)
	})
}

func TestCloudCounterWraps(t *testing.T) {
	ctx := context.Background()
	c, mux := cloudFixture(t, "")
	mux.HandleFunc("GET /energy_sites/1234567890/live_status", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response":{"grid_status":"Active"}}`))
	})
	require.NoError(t, c.Authenticate(ctx))

	c.mu.Lock()
	c.counter = counterMax - 1
	c.mu.Unlock()

	// force a real request past the per-call cache
	_, err := c.siteAPI(ctx, callLiveStatus, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Counter())
}
