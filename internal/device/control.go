package device

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Controller is the typed command surface over the raw link. Fire-and-forget
// methods return ErrNotConnected when the link is down; setters validate
// their arguments before touching the wire.
type Controller struct {
	link *Link
}

func NewController(link *Link) *Controller {
	return &Controller{link: link}
}

func (c *Controller) send(command string) error {
	if !c.link.Send(command) {
		return ErrNotConnected
	}
	return nil
}

// Blower

func (c *Controller) BlowerStart() error { return c.send("blower:start") }
func (c *Controller) BlowerStop() error  { return c.send("blower:stop") }

func (c *Controller) BlowerSpeed(speed int) error {
	if speed < 0 {
		return fmt.Errorf("%w: blower speed %d", ErrUnknownCommand, speed)
	}
	return c.send(fmt.Sprintf("blower:speed:%d", speed))
}

func (c *Controller) BlowerDirectionReverse() error { return c.send("blower:direction:reverse") }
func (c *Controller) BlowerDirectionNormal() error  { return c.send("blower:direction:normal") }

// Actuator

func (c *Controller) ActuatorUp() error   { return c.send("actuator:up") }
func (c *Controller) ActuatorDown() error { return c.send("actuator:down") }
func (c *Controller) ActuatorStop() error { return c.send("actuator:stop") }

// Auger

func (c *Controller) AugerForward() error   { return c.send("auger:forward") }
func (c *Controller) AugerBackward() error  { return c.send("auger:backward") }
func (c *Controller) AugerStop() error      { return c.send("auger:stop") }
func (c *Controller) AugerSpeedTest() error { return c.send("auger:speedtest") }

func (c *Controller) AugerSetSpeed(speed int) error {
	if speed < 0 {
		return fmt.Errorf("%w: auger speed %d", ErrUnknownCommand, speed)
	}
	return c.send(fmt.Sprintf("auger:setspeed:%d", speed))
}

// Relays

func (c *Controller) RelayLED(on bool) error {
	if on {
		return c.send("relay:led:on")
	}
	return c.send("relay:led:off")
}

func (c *Controller) RelayFan(on bool) error {
	if on {
		return c.send("relay:fan:on")
	}
	return c.send("relay:fan:off")
}

func (c *Controller) RelayAllOff() error { return c.send("relay:all:off") }

// Sensors

func (c *Controller) SensorsStart() error { return c.send("sensors:start") }
func (c *Controller) SensorsStop() error  { return c.send("sensors:stop") }

func (c *Controller) SensorsInterval(ms int) error {
	if ms < 0 {
		return fmt.Errorf("%w: sensors interval %d", ErrUnknownCommand, ms)
	}
	return c.send(fmt.Sprintf("sensors:interval:%d", ms))
}

// Feeder sequence (board-side)

func (c *Controller) FeederStart(feedSize, blowerDuration, weightTolerance int) error {
	return c.send(fmt.Sprintf("feeder:start:%d,%d,%d", feedSize, blowerDuration, weightTolerance))
}

func (c *Controller) FeederStop() error { return c.send("feeder:stop") }

// SensorsStatus is the board's reported sensor-service state.
type SensorsStatus struct {
	Status     string   `json:"status"` // ACTIVE, INACTIVE, UNKNOWN
	IsRunning  bool     `json:"is_running"`
	IntervalMS int      `json:"interval_ms,omitempty"`
	Raw        []string `json:"raw,omitempty"`
}

var intervalRe = regexp.MustCompile(`(\d+)ms`)

// SensorsStatus issues "sensors:status" and parses the response lines.
func (c *Controller) SensorsStatus(ctx context.Context) (SensorsStatus, error) {
	lines, err := c.link.Request(ctx, "sensors:status", 3*time.Second)
	if err != nil {
		return SensorsStatus{}, err
	}
	return parseSensorsStatus(lines), nil
}

func parseSensorsStatus(lines []string) SensorsStatus {
	out := SensorsStatus{Status: "UNKNOWN", Raw: lines}
	for _, line := range lines {
		switch {
		// INACTIVE first: ACTIVE is a suffix of it.
		case strings.Contains(line, "status") && strings.HasSuffix(line, "INACTIVE"):
			out.Status = "INACTIVE"
		case strings.Contains(line, "status") && strings.HasSuffix(line, "ACTIVE"):
			out.Status = "ACTIVE"
		case strings.Contains(line, "interval"):
			if m := intervalRe.FindStringSubmatch(line); m != nil {
				if ms, err := strconv.Atoi(m[1]); err == nil {
					out.IntervalMS = ms
				}
			}
		}
	}
	out.IsRunning = out.Status == "ACTIVE"
	return out
}

// Grouped dispatch used by the HTTP control endpoints. Unknown combinations
// return ErrUnknownCommand so the API can answer 400 instead of 503.

func (c *Controller) ControlBlower(action string, value int) error {
	switch action {
	case "start":
		return c.BlowerStart()
	case "stop":
		return c.BlowerStop()
	case "speed":
		return c.BlowerSpeed(value)
	case "direction_reverse":
		return c.BlowerDirectionReverse()
	case "direction_normal":
		return c.BlowerDirectionNormal()
	default:
		return fmt.Errorf("%w: blower action %q", ErrUnknownCommand, action)
	}
}

func (c *Controller) ControlActuator(action string) error {
	switch action {
	case "up":
		return c.ActuatorUp()
	case "down":
		return c.ActuatorDown()
	case "stop":
		return c.ActuatorStop()
	default:
		return fmt.Errorf("%w: actuator action %q", ErrUnknownCommand, action)
	}
}

func (c *Controller) ControlAuger(action string, value int) error {
	switch action {
	case "forward":
		return c.AugerForward()
	case "backward":
		return c.AugerBackward()
	case "stop":
		return c.AugerStop()
	case "speedtest":
		return c.AugerSpeedTest()
	case "setspeed":
		return c.AugerSetSpeed(value)
	default:
		return fmt.Errorf("%w: auger action %q", ErrUnknownCommand, action)
	}
}

func (c *Controller) ControlRelay(target, action string) error {
	switch {
	case target == "led" && action == "on":
		return c.RelayLED(true)
	case target == "led" && action == "off":
		return c.RelayLED(false)
	case target == "fan" && action == "on":
		return c.RelayFan(true)
	case target == "fan" && action == "off":
		return c.RelayFan(false)
	case target == "all" && action == "off":
		return c.RelayAllOff()
	default:
		return fmt.Errorf("%w: relay %s/%s", ErrUnknownCommand, target, action)
	}
}
