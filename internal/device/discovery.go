package device

import "strings"

// PortInfo describes one enumerated serial port.
type PortInfo struct {
	Name    string
	IsUSB   bool
	VID     string
	PID     string
	Product string
}

// usbVendorIDs covers the bridge chips the supported boards ship with:
// Arduino, QinHeng CH340, FTDI, Silicon Labs CP210x.
var usbVendorIDs = map[string]struct{}{
	"2341": {},
	"1A86": {},
	"0403": {},
	"10C4": {},
}

var productHints = []string{"arduino", "ch340", "ft232", "cp210"}

// scorePort rates how likely a port is the controller board. 0 means no
// evidence.
func scorePort(p PortInfo) int {
	score := 0
	product := strings.ToLower(p.Product)
	for _, hint := range productHints {
		if strings.Contains(product, hint) {
			score += 10
			break
		}
	}
	if _, ok := usbVendorIDs[strings.ToUpper(p.VID)]; ok {
		score += 5
	}
	if strings.Contains(p.Name, "ttyUSB") || strings.Contains(p.Name, "ttyACM") {
		score += 1
	}
	return score
}

// pickPort returns the best-scoring candidate. Ties keep the earliest entry so
// the choice is stable across rescans of an unchanged port list.
func pickPort(ports []PortInfo) (string, bool) {
	best := ""
	bestScore := 0
	for _, p := range ports {
		if s := scorePort(p); s > bestScore {
			best = p.Name
			bestScore = s
		}
	}
	return best, bestScore > 0
}
