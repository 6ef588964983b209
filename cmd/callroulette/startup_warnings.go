package main

import (
	"log/slog"
	"slices"
	"time"

	"github.com/saghul/CallRoulette/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (any site can pair its visitors through this server)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSignalingMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGES_PER_SECOND is unset/0 (unlimited) while --mode=prod",
			"warning_code", "signaling_rate_unlimited_in_prod",
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (every relayed message is buffered in memory)",
			"warning_code", "signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.ReadTimeout > time.Minute {
		logger.Warn("startup warning: CALLROULETTE_READ_TIMEOUT is very large (stalled pairs hold their connections until it elapses)",
			"warning_code", "read_timeout_large",
			"read_timeout", cfg.ReadTimeout,
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; /readyz will report not ready",
			"warning_code", "ice_config_invalid",
			"err", err,
		)
	} else if len(cfg.ICEServers) == 0 && cfg.Mode == config.ModeProd {
		logger.Warn("startup warning: no ICE servers configured; peers behind NAT may fail to connect",
			"warning_code", "ice_servers_empty",
			"mode", cfg.Mode,
		)
	}
}
