package xiaomi

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Status is the router's live state.
type Status struct {
	RouterName  string        `json:"router_name"`
	Hardware    string        `json:"hardware"`
	OnlineCount int           `json:"online_count"`
	UpSpeed     float64       `json:"up_speed"`
	DownSpeed   float64       `json:"down_speed"`
	Upload      float64       `json:"upload"`
	Download    float64       `json:"download"`
	CPULoad     float64       `json:"cpu_load"`
	CPUTemp     int           `json:"cpu_temp"`
	MemUsage    float64       `json:"mem_usage"`
	Uptime      time.Duration `json:"uptime"`
}

func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0
		}
		return f
	case bool:
		if n {
			return 1
		}
	}
	return 0
}

func object(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// ParseStatus reads the fields the report shows out of misystem/status.
func ParseStatus(data map[string]any) Status {
	wan := object(data["wan"])
	cpu := object(data["cpu"])
	mem := object(data["mem"])

	s := Status{
		RouterName: "Xiaomi Router",
		Hardware:   "-",
		UpSpeed:    number(wan["upspeed"]),
		DownSpeed:  number(wan["downspeed"]),
		Upload:     number(wan["upload"]),
		Download:   number(wan["download"]),
		CPULoad:    round(number(cpu["load"]), 1),
		CPUTemp:    int(number(data["temperature"])),
		MemUsage:   round(number(mem["usage"]), 2),
		Uptime:     time.Duration(number(data["upTime"]) * float64(time.Second)),
	}
	for _, key := range []string{"displayName", "routername"} {
		if name, ok := data[key].(string); ok && name != "" {
			s.RouterName = name
			break
		}
	}

	switch hw := data["hardware"].(type) {
	case map[string]any:
		platform, _ := hw["platform"].(string)
		if platform == "" {
			platform, _ = hw["mac"].(string)
		}
		if platform == "" {
			platform = "-"
		}
		if version, _ := hw["version"].(string); version != "" {
			platform += " " + version
		}
		s.Hardware = platform
	case string:
		if hw != "" {
			s.Hardware = hw
		}
	}

	count := object(data["count"])
	if online, ok := count["online"]; ok {
		s.OnlineCount = int(number(online))
	} else {
		devices, _ := data["dev"].([]any)
		if len(devices) == 0 {
			devices, _ = data["client_list"].([]any)
		}
		s.OnlineCount = len(devices)
	}
	return s
}

var units = []string{"B", "KB", "MB", "GB", "TB"}

func scale(v float64, max int) (float64, string) {
	i := 0
	for v >= 1024 && i < max {
		v /= 1024
		i++
	}
	return v, units[i]
}

// FormatSpeed renders bytes per second, up to GB/s.
func FormatSpeed(bps float64) string {
	v, unit := scale(bps, 3)
	return fmt.Sprintf("%.2f %s/s", v, unit)
}

// FormatSize renders a byte count, up to TB.
func FormatSize(bytes float64) string {
	v, unit := scale(bytes, 4)
	return fmt.Sprintf("%.2f %s", v, unit)
}

func FormatUptime(d time.Duration) string {
	days := int(d / (24 * time.Hour))
	hours := int(d % (24 * time.Hour) / time.Hour)
	return fmt.Sprintf("%dd %dh", days, hours)
}

// Lines is the status report, one fact per line.
func (s Status) Lines() []string {
	temp := "-"
	if s.CPUTemp != 0 {
		temp = fmt.Sprintf("%d°C", s.CPUTemp)
	}
	return []string{
		fmt.Sprintf("router: %s/%s", s.RouterName, s.Hardware),
		fmt.Sprintf("online devices: %d", s.OnlineCount),
		"download speed: " + FormatSpeed(s.DownSpeed),
		"upload speed: " + FormatSpeed(s.UpSpeed),
		"downloaded: " + FormatSize(s.Download),
		"uploaded: " + FormatSize(s.Upload),
		fmt.Sprintf("cpu: %g%% / %s", s.CPULoad, temp),
		fmt.Sprintf("memory: %g%%", s.MemUsage),
		"uptime: " + FormatUptime(s.Uptime),
	}
}
