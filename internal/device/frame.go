package device

import (
	"encoding/json"
	"strings"
)

const (
	dataPrefix    = "[data]:"
	infoPrefix    = "[info]:"
	controlPrefix = "[control]:"
)

// Frame is one parsed inbound line. The variant set is closed: DataFrame,
// InfoLine, Unrecognized.
type Frame interface{ frame() }

// DataFrame is a sensor readings push from the board.
type DataFrame struct {
	Name   string
	Values []Reading
}

// InfoLine is a textual response. Family is the leading "<family>:" token when
// present ("" otherwise); Text is the remainder.
type InfoLine struct {
	Family string
	Text   string
}

// Unrecognized is any line that fits neither prefix, or carries a malformed
// payload.
type Unrecognized struct {
	Raw string
}

func (DataFrame) frame()    {}
func (InfoLine) frame()     {}
func (Unrecognized) frame() {}

type dataPayload struct {
	Name   string    `json:"name"`
	Values []Reading `json:"value"`
}

func parseFrame(line string) Frame {
	switch {
	case strings.HasPrefix(line, dataPrefix):
		raw := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
		var p dataPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil || p.Name == "" {
			return Unrecognized{Raw: line}
		}
		return DataFrame{Name: p.Name, Values: p.Values}

	case strings.HasPrefix(line, infoPrefix):
		raw := strings.TrimPrefix(line, infoPrefix)
		if i := strings.IndexByte(raw, ':'); i > 0 {
			return InfoLine{Family: raw[:i], Text: strings.TrimSpace(raw[i+1:])}
		}
		return InfoLine{Text: strings.TrimSpace(raw)}

	default:
		return Unrecognized{Raw: line}
	}
}

// commandFamily derives the pending-match key from outbound command text:
// everything before the first ':' ("feeder:start:10,5,5" -> "feeder").
func commandFamily(command string) string {
	if i := strings.IndexByte(command, ':'); i > 0 {
		return command[:i]
	}
	return command
}
