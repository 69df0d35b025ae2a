package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// zoneless layouts are emitted by producers that serialize timestamps read
// back from the database without an offset. They are interpreted as UTC.
var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// WireTime is a timestamp that tolerates missing zone offsets on decode and
// always encodes as RFC 3339 with nanoseconds.
type WireTime time.Time

func (t WireTime) Time() time.Time { return time.Time(t) }

func (t WireTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).Format(time.RFC3339Nano))
}

func (t *WireTime) UnmarshalJSON(b []byte) error {
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		*t = WireTime{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	parsed, err := ParseWireTime(s)
	if err != nil {
		return err
	}
	*t = WireTime(parsed)
	return nil
}

// ParseWireTime accepts RFC 3339 and zoneless ISO-8601 timestamps.
func ParseWireTime(s string) (time.Time, error) {
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return parsed, nil
	}
	for _, layout := range zonelessLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("timestamp %q is not ISO-8601", s)
}
