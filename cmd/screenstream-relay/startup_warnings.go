package main

import (
	"log/slog"
	"strings"

	"github.com/screenstream/relay/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if strings.TrimSpace(cfg.TurnstileSecretKey) == "" {
		logger.Warn("startup security warning: TURNSTYLE_SECRET_KEY is empty; every browser viewer will be rejected",
			"warning_code", "turnstile_secret_missing",
			"mode", cfg.Mode,
		)
	}

	if strings.TrimSpace(cfg.GoogleServiceAccountEmail) == "" {
		logger.Warn("startup security warning: GOOGLE_SERVICE_ACCOUNT_EMAIL is empty; every host device will be rejected",
			"warning_code", "service_account_missing",
			"mode", cfg.Mode,
		)
	}

	if strings.TrimSpace(cfg.AndroidAppPackage) == "" {
		logger.Warn("startup security warning: ANDROID_APP_PACKAGE is empty; host attestation cannot pin the app package",
			"warning_code", "app_package_missing",
			"mode", cfg.Mode,
		)
	}

	if !cfg.TURNEnabled {
		logger.Warn("startup warning: TURN is disabled; viewers behind symmetric NAT will fail to connect",
			"warning_code", "turn_disabled",
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && strings.TrimSpace(cfg.AndroidAppCert256) == "" {
		logger.Warn("startup security warning: ANDROID_APP_CERT256 is empty while mode=prod; app certificate digests are not verified",
			"warning_code", "app_cert_missing_in_prod",
			"mode", cfg.Mode,
		)
	}
}
