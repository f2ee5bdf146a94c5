package config

import (
	"reflect"
	"sort"
	"strings"

	logx "github.com/dylibso/discordbot/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus structured
// attrs safe for logging (secrets like tokens are never included).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Registry (never log token)
	o, n := oldCfg.Registry, newCfg.Registry
	if o.BaseURL != n.BaseURL || o.AppID != n.AppID || o.ExtensionID != n.ExtensionID ||
		o.RequestsPerSec != n.RequestsPerSec || o.Freshness != n.Freshness ||
		(o.Token != "") != (n.Token != "") {
		changed = append(changed, "registry")
		attrs = append(attrs,
			logx.String("registry.base_url", n.BaseURL),
			logx.String("registry.extension_id", n.ExtensionID),
			logx.Bool("registry.token_set", n.Token != ""),
		)
	}

	// Telegram (never log token)
	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot.PollTimeout != nt.PollTimeout || ot.Guild != nt.Guild ||
		(ot.Token != "") != (nt.Token != "") ||
		!reflect.DeepEqual(ot.Channels, nt.Channels) {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.String("telegram.guild", nt.Guild),
			logx.Int("telegram.channel_count", len(nt.Channels)),
			logx.Bool("telegram.token_set", nt.Token != ""),
		)
	}

	if oldCfg.Runtime != newCfg.Runtime {
		changed = append(changed, "runtime")
		attrs = append(attrs,
			logx.String("runtime.idle_timeout", newCfg.Runtime.IdleTimeout),
			logx.String("runtime.invoke_timeout", newCfg.Runtime.InvokeTimeout),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.Bool("maintenance.enabled", newCfg.Maintenance.Enabled),
			logx.String("maintenance.schedule", newCfg.Maintenance.Schedule),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.address", newCfg.Debug.Address),
		)
	}

	if !reflect.DeepEqual(oldCfg.Handlers, newCfg.Handlers) {
		changed = append(changed, "handlers")
		attrs = append(attrs, logx.Int("handlers.seed_count", len(newCfg.Handlers)))
	}

	sort.Strings(changed)
	return changed, attrs
}
