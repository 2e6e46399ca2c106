package domain

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// ConfigFields lists the keys ParseConfigPatch accepts, in display order.
var ConfigFields = []string{
	"autoDownload", "autoRestart", "showNotifications", "checkOnStartup",
	"checkInterval", "maxRetries", "retryDelay", "reminderDelay",
}

// ParseConfigPatch builds a patch from textual key/value pairs, as typed on
// the command line or sent to the status API. Durations use Go syntax ("10m").
func ParseConfigPatch(values map[string]string) (ConfigPatch, error) {
	var p ConfigPatch
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := values[k]
		var err error
		switch k {
		case "autoDownload":
			p.AutoDownload, err = parseBool(v)
		case "autoRestart":
			p.AutoRestart, err = parseBool(v)
		case "showNotifications":
			p.ShowNotifications, err = parseBool(v)
		case "checkOnStartup":
			p.CheckOnStartup, err = parseBool(v)
		case "checkInterval":
			p.CheckInterval, err = parseDuration(v)
		case "retryDelay":
			p.RetryDelay, err = parseDuration(v)
		case "reminderDelay":
			p.ReminderDelay, err = parseDuration(v)
		case "maxRetries":
			var n int
			n, err = strconv.Atoi(v)
			p.MaxRetries = &n
		default:
			return ConfigPatch{}, fmt.Errorf("%w: unknown field %q", ErrInvalidConfiguration, k)
		}
		if err != nil {
			return ConfigPatch{}, fmt.Errorf("%w: %s: %v", ErrInvalidConfiguration, k, err)
		}
	}
	return p, nil
}

func parseBool(v string) (*bool, error) {
	b, err := strconv.ParseBool(v)
	return &b, err
}

func parseDuration(v string) (*time.Duration, error) {
	d, err := time.ParseDuration(v)
	return &d, err
}
