package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// jsonDuration accepts "2s" style strings or integer nanoseconds, so JSON
// config files read the same way YAML ones do.
type jsonDuration time.Duration

func (d *jsonDuration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		parsed, err := time.ParseDuration(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = jsonDuration(parsed)
	case float64:
		*d = jsonDuration(time.Duration(x))
	default:
		return fmt.Errorf("invalid duration %s", data)
	}
	return nil
}

func (h HubConfig) MarshalJSON() ([]byte, error) {
	type plain HubConfig
	return json.Marshal(struct {
		plain
		SendTimeout  string `json:"send_timeout"`
		PingInterval string `json:"ping_interval"`
	}{plain(h), h.SendTimeout.String(), h.PingInterval.String()})
}

func (h *HubConfig) UnmarshalJSON(data []byte) error {
	type plain HubConfig
	aux := struct {
		*plain
		SendTimeout  *jsonDuration `json:"send_timeout"`
		PingInterval *jsonDuration `json:"ping_interval"`
	}{
		plain:        (*plain)(h),
		SendTimeout:  (*jsonDuration)(&h.SendTimeout),
		PingInterval: (*jsonDuration)(&h.PingInterval),
	}
	return json.Unmarshal(data, &aux)
}

func (r RedisStatusConfig) MarshalJSON() ([]byte, error) {
	type plain RedisStatusConfig
	return json.Marshal(struct {
		plain
		Interval string `json:"interval"`
	}{plain(r), r.Interval.String()})
}

func (r *RedisStatusConfig) UnmarshalJSON(data []byte) error {
	type plain RedisStatusConfig
	aux := struct {
		*plain
		Interval *jsonDuration `json:"interval"`
	}{
		plain:    (*plain)(r),
		Interval: (*jsonDuration)(&r.Interval),
	}
	return json.Unmarshal(data, &aux)
}
