package web

import (
	"fmt"
	"html/template"
	"io"
	"log"
	"time"

	"github.com/sweeney/water-meter/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"door": func(open bool) string {
		if open {
			return "OPEN"
		}
		return "CLOSED"
	},
	"valveClass": func(v string) string {
		switch v {
		case "open":
			return "ok"
		case "closed":
			return "bad"
		default:
			return "warn"
		}
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Water Meter {{.Config.Role}}</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.ok { color: green; font-weight: bold; }
.warn { color: orange; font-weight: bold; }
.bad { color: red; font-weight: bold; }
.connected { color: green; }
.disconnected { color: red; }
.live-dot { display: inline-block; width: 8px; height: 8px; border-radius: 50%; margin-left: 6px; vertical-align: middle; }
.live-dot.ok { background: green; }
.live-dot.err { background: red; }
.live-dot.pending { background: orange; }
</style>
</head>
<body>
<h1>Water Meter {{.Config.Role}}{{if .Config.WSBroker}}<span id="live-dot" class="live-dot pending" title="connecting"></span>{{end}}</h1>
{{with .Meter}}
<h2>Meter</h2>
<table>
<tr><th>Flow</th><td>{{printf "%.2f" .FlowRate}} L/min</td></tr>
<tr><th>Volume</th><td>{{printf "%.3f" .CumulativeVolume}} L</td></tr>
<tr><th>Supply</th><td>{{printf "%.2f" .Voltage}} V</td></tr>
<tr><th>Door</th><td class="{{if .DoorOpen}}bad{{else}}ok{{end}}">{{door .DoorOpen}} ({{printf "%.1f" .DistanceCM}} cm)</td></tr>
<tr><th>Tilt</th><td class="{{if .Tilted}}bad{{else}}ok{{end}}">{{if .Tilted}}TILTED{{else}}level{{end}}</td></tr>
<tr><th>Valve</th><td class="{{valveClass .Valve}}">{{.Valve}}</td></tr>
<tr><th>Alarm</th><td class="{{if eq .Alarm "silent"}}ok{{else}}warn{{end}}">{{.Alarm}}</td></tr>
</table>

<h2>Account</h2>
<table>
<tr><th>Balance</th><td class="{{if gt .Balance 0.0}}ok{{else}}bad{{end}}">{{printf "%.2f" .Balance}}</td></tr>
<tr><th>Tariff</th><td>{{printf "%.4f" .TariffPerVolume}} / L</td></tr>
<tr><th>Maintenance unlock</th><td>{{if .Unlocked}}yes{{else}}no{{end}}</td></tr>
<tr><th>Calibration</th><td>{{printf "%.2f" .Calibration}} Hz per L/min</td></tr>
<tr><th>Door tolerance</th><td>{{printf "%.1f" .DoorTolerance}} cm</td></tr>
<tr><th>Telemetry sent</th><td>{{.TelemetrySent}}</td></tr>
<tr><th>Commands handled</th><td>{{.CommandsHandled}}</td></tr>
</table>
{{end}}{{with .Gateway}}
<h2>Gateway</h2>
<table>
<tr><th>State</th><td id="gw-state" class="{{if .Registered}}ok{{else}}warn{{end}}">{{.State}}</td></tr>
<tr><th>Device ID</th><td>{{.DeviceID}}</td></tr>
<tr><th>Meter ID</th><td>{{if .MeterID}}{{.MeterID}}{{else}}unregistered{{end}}</td></tr>
<tr><th>WiFi</th><td>{{.SSID}}</td></tr>
<tr><th>Balance</th><td id="gw-balance">{{if .HasAccount}}{{printf "%.2f" .Balance}}{{else}}unknown{{end}}</td></tr>
<tr><th>Readings relayed</th><td id="gw-readings">{{.Readings}}</td></tr>
<tr><th>Commands forwarded</th><td>{{.Commands}}</td></tr>
<tr><th>Acks relayed</th><td>{{.Acks}}</td></tr>
<tr><th>Frames dropped</th><td>{{.Dropped}}</td></tr>
{{if .LastError}}<tr><th>Last error</th><td class="bad">{{.LastError}}</td></tr>{{end}}
</table>
{{end}}
<h2>Connectivity</h2>
<table>
{{if .Config.Broker}}<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>{{end}}
{{if .Config.Link}}<tr><th>Link</th><td>{{.Config.Link}}</td></tr>{{end}}
{{if .Config.Backend}}<tr><th>Backend</th><td>{{.Config.Backend}}</td></tr>{{end}}
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>System</h2>
<table>
<tr><th>Ready</th><td>{{if .Ready}}yes{{else}}no{{end}}</td></tr>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Tick</th><td>{{.Config.TickMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPPort}}</td></tr>
</table>

<p><a href="/index.json">JSON</a></p>
{{if .Config.WSBroker}}
<script src="/mqtt.min.js"></script>
<script>
(function() {
  var broker = "{{.Config.WSBroker}}";
  var topic = "water/meter/gateway/readings";
  var dot = document.getElementById("live-dot");
  var balEl = document.getElementById("gw-balance");

  function setDot(cls, title) {
    dot.className = "live-dot " + cls;
    dot.title = title;
  }

  var client = mqtt.connect(broker, { reconnectPeriod: 5000 });

  client.on("connect", function() {
    setDot("ok", "live");
    client.subscribe(topic);
  });

  client.on("reconnect", function() {
    setDot("pending", "reconnecting");
  });

  client.on("offline", function() {
    setDot("err", "offline");
  });

  client.on("error", function() {
    setDot("err", "error");
  });

  client.on("message", function(t, payload) {
    try {
      var msg = JSON.parse(payload.toString());
      if (msg.meter && balEl) {
        balEl.textContent = msg.meter.account.balance.toFixed(2);
      }
    } catch (e) {}
  });
})();
</script>
{{end}}
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	if err := indexTmpl.Execute(w, data); err != nil {
		log.Printf("web: render index: %v", err)
	}
}
