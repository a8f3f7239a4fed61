package server

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/pwproxy/pwproxy/pkg/common"
)

// handleAllowed proxies one allow-listed gateway API path verbatim.
func (s *Server) handleAllowed(w http.ResponseWriter, r *http.Request) {
	payload, err := s.pw.Poll(r.Context(), r.URL.Path, false)
	s.respondJSON(w, r, payload, err)
}

func (s *Server) handleAggregates(w http.ResponseWriter, r *http.Request) {
	payload, err := s.pw.Poll(r.Context(), "/api/meters/aggregates", false)
	s.respondJSON(w, r, payload, err)
}

func (s *Server) handleSoe(w http.ResponseWriter, r *http.Request) {
	payload, err := s.pw.Poll(r.Context(), "/api/system_status/soe", false)
	s.respondJSON(w, r, payload, err)
}

// handleScaledSoe serves the battery level on the app scale, hiding the
// gateway's 5% bottom buffer. The raw value stays available on /soe.
func (s *Server) handleScaledSoe(w http.ResponseWriter, r *http.Request) {
	var percentage any
	if level, ok := s.pw.Level(r.Context(), true); ok {
		percentage = level
	}
	s.respondValue(w, r, map[string]any{"percentage": percentage})
}

// handleCSV serves grid, home, solar, battery power and battery level as one
// CSV line for dumb collectors.
func (s *Server) handleCSV(w http.ResponseWriter, r *http.Request) {
	level, _ := s.pw.Level(r.Context(), false)
	flows, _ := s.pw.Power(r.Context())
	line := fmt.Sprintf("%0.2f,%0.2f,%0.2f,%0.2f,%0.2f\n",
		flows.Site, flows.Load, flows.Solar, flows.Battery, level)
	s.respond(w, r, []byte(line), "text/plain; charset=utf-8", nil)
}

func (s *Server) handleVitals(w http.ResponseWriter, r *http.Request) {
	devices, ok := s.pw.Vitals(r.Context())
	if !ok || len(devices) == 0 {
		s.respondJSON(w, r, []byte("{}"), nil)
		return
	}
	s.respondValue(w, r, devices)
}

func (s *Server) handleStrings(w http.ResponseWriter, r *http.Request) {
	s.respondValue(w, r, s.pw.Strings(r.Context()))
}

func (s *Server) handleTemps(w http.ResponseWriter, r *http.Request) {
	s.respondValue(w, r, s.pw.Temps(r.Context()))
}

// handleTempsPW renames the thermal controller serials to simple PW1, PW2
// keys so collector configs survive hardware swaps.
func (s *Server) handleTempsPW(w http.ResponseWriter, r *http.Request) {
	temps := s.pw.Temps(r.Context())
	out := map[string]any{}
	for idx, device := range sortedKeys(temps) {
		out[fmt.Sprintf("PW%d_temp", idx+1)] = temps[device]
	}
	s.respondValue(w, r, out)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	s.respondValue(w, r, s.pw.Alerts(r.Context()))
}

// handleAlertsPW serves the alerts as a flag map instead of a list.
func (s *Server) handleAlertsPW(w http.ResponseWriter, r *http.Request) {
	out := map[string]int{}
	for _, alert := range s.pw.Alerts(r.Context()) {
		out[alert] = 1
	}
	s.respondValue(w, r, out)
}

// handleFreq flattens frequency, voltage and grid metrics per battery. The
// inventory comes from system status, the live inverter numbers from vitals
// when the firmware still serves them.
func (s *Server) handleFreq(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := map[string]any{}

	if payload, err := s.pw.SystemStatus(ctx); err == nil {
		idx := 1
		gjson.GetBytes(payload, "battery_blocks").ForEach(func(_, block gjson.Result) bool {
			prefix := fmt.Sprintf("PW%d_", idx)
			out[prefix+"name"] = nil
			out[prefix+"PINV_Fout"] = block.Get("f_out").Value()
			out[prefix+"PINV_VSplit1"] = nil
			out[prefix+"PINV_VSplit2"] = nil
			out[prefix+"PackagePartNumber"] = block.Get("PackagePartNumber").Value()
			out[prefix+"PackageSerialNumber"] = block.Get("PackageSerialNumber").Value()
			for _, field := range []string{"p_out", "q_out", "v_out", "f_out", "i_out"} {
				out[prefix+field] = block.Get(field).Value()
			}
			idx++
			return true
		})
	}

	devices, _ := s.pw.Vitals(ctx)
	idx := 1
	for _, device := range sortedKeys(devices) {
		fields := devices[device]
		if strings.HasPrefix(device, "TEPINV") {
			prefix := fmt.Sprintf("PW%d_", idx)
			out[prefix+"name"] = device
			out[prefix+"PINV_Fout"] = fields["PINV_Fout"]
			out[prefix+"PINV_VSplit1"] = fields["PINV_VSplit1"]
			out[prefix+"PINV_VSplit2"] = fields["PINV_VSplit2"]
			idx++
		}
		if strings.HasPrefix(device, "TESYNC") || strings.HasPrefix(device, "TEMSA") {
			for name, value := range fields {
				if strings.HasPrefix(name, "ISLAND") || strings.HasPrefix(name, "METER") {
					out[name] = value
				}
			}
		}
	}

	if n, ok := s.pw.GridStatusNumeric(ctx); ok {
		out["grid_status"] = n
	} else {
		out["grid_status"] = nil
	}
	s.respondValue(w, r, out)
}

// handlePod flattens per-battery state of charge and inverter state, again
// merging the system status inventory with vitals detail.
func (s *Server) handlePod(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := map[string]any{}

	payload, err := s.pw.SystemStatus(ctx)
	if err == nil {
		idx := 1
		gjson.GetBytes(payload, "battery_blocks").ForEach(func(_, block gjson.Result) bool {
			prefix := fmt.Sprintf("PW%d_", idx)
			out[prefix+"name"] = nil
			for _, field := range []string{
				"POD_ActiveHeating", "POD_ChargeComplete", "POD_ChargeRequest",
				"POD_DischargeComplete", "POD_PermanentlyFaulted", "POD_PersistentlyFaulted",
				"POD_enable_line", "POD_available_charge_power", "POD_available_dischg_power",
				"POD_nom_energy_to_be_charged",
			} {
				out[prefix+field] = nil
			}
			out[prefix+"POD_nom_energy_remaining"] = block.Get("nominal_energy_remaining").Value()
			out[prefix+"POD_nom_full_pack_energy"] = block.Get("nominal_full_pack_energy").Value()
			out[prefix+"PackagePartNumber"] = block.Get("PackagePartNumber").Value()
			out[prefix+"PackageSerialNumber"] = block.Get("PackageSerialNumber").Value()
			for _, field := range []string{
				"pinv_state", "pinv_grid_state", "p_out", "q_out", "v_out", "f_out", "i_out",
				"energy_charged", "energy_discharged", "OpSeqState", "version",
			} {
				out[prefix+field] = block.Get(field).Value()
			}
			for _, field := range []string{
				"off_grid", "vf_mode", "wobble_detected", "charge_power_clamped", "backup_ready",
			} {
				out[prefix+field] = asInt(block.Get(field))
			}
			idx++
			return true
		})
	}

	devices, _ := s.pw.Vitals(ctx)
	idx := 1
	for _, device := range sortedKeys(devices) {
		if !strings.HasPrefix(device, "TEPOD") {
			continue
		}
		fields := devices[device]
		prefix := fmt.Sprintf("PW%d_", idx)
		out[prefix+"name"] = device
		for _, field := range []string{
			"POD_ActiveHeating", "POD_ChargeComplete", "POD_ChargeRequest",
			"POD_DischargeComplete", "POD_PermanentlyFaulted", "POD_PersistentlyFaulted",
			"POD_enable_line",
		} {
			out[prefix+field] = boolAsInt(fields[field])
		}
		for _, field := range []string{
			"POD_available_charge_power", "POD_available_dischg_power",
			"POD_nom_energy_remaining", "POD_nom_energy_to_be_charged",
			"POD_nom_full_pack_energy",
		} {
			out[prefix+field] = fields[field]
		}
		idx++
	}

	if len(out) > 0 {
		if hours, ok := s.pw.TimeRemaining(ctx); ok {
			out["time_remaining_hours"] = hours
		} else {
			out["time_remaining_hours"] = nil
		}
		if reserve, ok := s.pw.Reserve(ctx, true); ok {
			out["backup_reserve_percent"] = reserve
		} else {
			out["backup_reserve_percent"] = nil
		}
		out["nominal_full_pack_energy"] = gjson.GetBytes(payload, "nominal_full_pack_energy").Value()
		out["nominal_energy_remaining"] = gjson.GetBytes(payload, "nominal_energy_remaining").Value()
	}
	s.respondValue(w, r, out)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	type versionPayload struct {
		Version string `json:"version"`
		Vint    int    `json:"vint"`
	}
	version, ok := s.pw.Version(r.Context())
	if !ok {
		// no gateway firmware reachable, solar-only sites report this
		s.respondValue(w, r, versionPayload{Version: "SolarOnly", Vint: 0})
		return
	}
	vint, _ := s.pw.VersionInt(r.Context())
	s.respondValue(w, r, versionPayload{Version: version, Vint: vint})
}

// handleProblems always answers with a problems document; a silent upstream
// means no problems to report.
func (s *Server) handleProblems(w http.ResponseWriter, r *http.Request) {
	payload, err := s.pw.Poll(r.Context(), "/api/troubleshooting/problems", false)
	if err != nil {
		payload = []byte(`{"problems": []}`)
	}
	s.respondJSON(w, r, payload, nil)
}

// fullStats assembles the stats payload with live connection details.
func (s *Server) fullStats(r *http.Request) statsPayload {
	p := s.stats.Snapshot()
	p.Proxy = common.Version() + " Proxy"
	p.SiteName, _ = s.pw.SiteName(r.Context())
	p.CloudMode = s.pw.CloudMode()
	p.AuthMode = s.pw.AuthMode()
	if cl, ok := s.pw.Cloud(); ok {
		p.SiteID = cl.SiteID()
		p.Counter = cl.Counter()
	}
	return p
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.respondValue(w, r, s.fullStats(r))
}

func (s *Server) handleStatsClear(w http.ResponseWriter, r *http.Request) {
	s.stats.Clear()
	s.respondValue(w, r, s.fullStats(r))
}

// handleHelp serves a small self-refreshing status page.
func (s *Server) handleHelp(w http.ResponseWriter, r *http.Request) {
	p := s.fullStats(r)

	var b strings.Builder
	b.WriteString("<html>\n<head><meta http-equiv=\"refresh\" content=\"5\" />\n")
	b.WriteString("<style>p, td, th { font-family: Helvetica, Arial, sans-serif; font-size: 10px;}</style>\n")
	b.WriteString("<style>h1 { font-family: Helvetica, Arial, sans-serif; font-size: 20px;}</style>\n")
	b.WriteString(fmt.Sprintf("</head>\n<body>\n<h1>%s</h1>\n\n", p.Proxy))
	b.WriteString("<table>\n<tr><th align=\"left\">Stat</th><th align=\"left\">Value</th></tr>\n")

	row := func(name string, value any) {
		b.WriteString(fmt.Sprintf("<tr><td align=\"left\">%s</td><td align=\"left\">%v</td></tr>\n", name, value))
	}
	row("gets", p.Gets)
	row("errors", p.Errors)
	row("timeout", p.Timeout)
	row("uptime", p.Uptime)
	row("mem", p.Mem)
	row("site_name", p.SiteName)
	row("cloudmode", p.CloudMode)
	if p.CloudMode {
		row("siteid", p.SiteID)
		row("counter", p.Counter)
	}
	row("authmode", p.AuthMode)
	for _, uri := range sortedKeys(p.URI) {
		row("URI: "+uri, p.URI[uri])
	}
	b.WriteString("</table>\n")
	b.WriteString(fmt.Sprintf("\n<p>Page refresh: %s</p>\n</body>\n</html>", time.Now().Format(time.RFC1123)))

	s.respond(w, r, []byte(b.String()), "text/html", nil)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// asInt converts boolean JSON fields to 0/1 the way the flattened metrics
// consumers expect, passing numbers through and keeping null for missing.
func asInt(v gjson.Result) any {
	if !v.Exists() {
		return nil
	}
	if v.Type == gjson.True {
		return 1
	}
	if v.Type == gjson.False {
		return 0
	}
	return v.Value()
}

func boolAsInt(v any) any {
	switch t := v.(type) {
	case bool:
		if t {
			return 1
		}
		return 0
	default:
		return t
	}
}
