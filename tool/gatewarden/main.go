/*
 * Gatewarden
 * Copyright (C) 2025  Gatewarden, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gravitational/trace"

	"github.com/gatewarden/gatewarden"
	"github.com/gatewarden/gatewarden/lib/service"
	"github.com/gatewarden/gatewarden/lib/utils"
	logutils "github.com/gatewarden/gatewarden/lib/utils/log"
)

const appHelp = `Gatewarden request gate

Gatewarden sits in front of an origin and gates requests: it resolves a
caller identity, enforces cascading rate limit windows backed by Redis,
and coordinates challenge verification for suspicious traffic. Limits,
routes, per-agent and per-IP rules are editable at runtime through the
admin API without a restart.`

// Environment variables recognized by the start command. Every flag below
// binds one.
const (
	listenAddrEnvVar      = "GATEWARDEN_LISTEN_ADDR"
	storeEnvVar           = "GATEWARDEN_STORE"
	redisURLEnvVar        = "GATEWARDEN_REDIS_URL"
	redisTokenEnvVar      = "GATEWARDEN_REDIS_TOKEN"
	configFileEnvVar      = "GATEWARDEN_CONFIG_FILE"
	upstreamURLEnvVar     = "GATEWARDEN_UPSTREAM_URL"
	verifierURLEnvVar     = "GATEWARDEN_VERIFIER_URL"
	secretKeyEnvVar       = "GATEWARDEN_TURNSTILE_SECRET_KEY"
	siteKeyEnvVar         = "GATEWARDEN_TURNSTILE_SITE_KEY"
	challengeEnvVar       = "GATEWARDEN_CHALLENGE_ENABLED"
	bypassAuthEnvVar      = "GATEWARDEN_CHALLENGE_BYPASS_AUTHENTICATED"
	requiredForIPEnvVar   = "GATEWARDEN_CHALLENGE_REQUIRED_FOR_IP"
	verificationTTLEnvVar = "GATEWARDEN_VERIFICATION_TTL_SECONDS"
	baseURLEnvVar         = "GATEWARDEN_BASE_URL"
)

func main() {
	if err := Run(os.Args[1:]); err != nil {
		utils.FatalError(err)
	}
}

// Run parses the command line and dispatches the selected command.
func Run(args []string) error {
	var (
		debug     bool
		logFormat string
		logLevel  string
		cfg       service.Config
	)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := utils.InitCLIParser("gatewarden", appHelp)
	app.Flag("debug", "Verbose logging to stdout.").Short('d').BoolVar(&debug)
	app.Flag("log-format", "Log output format, text or json.").
		Default(utils.LogFormatText).EnumVar(&logFormat, utils.LogFormatJSON, utils.LogFormatText)
	app.Flag("log-level", fmt.Sprintf("Minimum log level, one of %v.", logutils.SupportedLevelsText)).
		Default(slog.LevelInfo.String()).StringVar(&logLevel)

	startCmd := app.Command("start", "Start the gate.")
	startCmd.Flag("listen-addr", "Address the HTTP server binds to.").
		Envar(listenAddrEnvVar).StringVar(&cfg.ListenAddr)
	startCmd.Flag("store", "Counter store backend, redis or memory.").
		Envar(storeEnvVar).Default(service.StoreRedis).EnumVar(&cfg.StoreKind, service.StoreRedis, service.StoreMemory)
	startCmd.Flag("redis-url", "Redis connection string, redis:// or rediss://.").
		Envar(redisURLEnvVar).StringVar(&cfg.RedisURL)
	startCmd.Flag("redis-token", "Redis auth token, overrides the password in the URL.").
		Envar(redisTokenEnvVar).StringVar(&cfg.RedisToken)
	startCmd.Flag("config-file", "Path to the JSON baseline configuration file.").
		Short('c').Envar(configFileEnvVar).StringVar(&cfg.BaselinePath)
	startCmd.Flag("upstream-url", "Origin to proxy gated requests to.").
		Envar(upstreamURLEnvVar).StringVar(&cfg.UpstreamURL)
	startCmd.Flag("verifier-url", "Challenge verifier endpoint override.").
		Envar(verifierURLEnvVar).StringVar(&cfg.VerifierURL)
	startCmd.Flag("turnstile-secret-key", "Server-side challenge verifier secret.").
		Envar(secretKeyEnvVar).StringVar(&cfg.VerifierSecretKey)
	startCmd.Flag("turnstile-site-key", "Public challenge widget site key.").
		Envar(siteKeyEnvVar).StringVar(&cfg.VerifierSiteKey)
	startCmd.Flag("challenge-enabled", "Enable the challenge flow.").
		Envar(challengeEnvVar).BoolVar(&cfg.ChallengeEnabled)
	startCmd.Flag("challenge-bypass-authenticated", "Exempt token and session identities from challenges.").
		Envar(bypassAuthEnvVar).BoolVar(&cfg.ChallengeBypassAuthenticated)
	startCmd.Flag("challenge-required-for-ip", "Require ip identities to pass a challenge.").
		Envar(requiredForIPEnvVar).BoolVar(&cfg.ChallengeRequiredForIP)
	startCmd.Flag("verification-ttl-seconds", "How long a successful verification is remembered.").
		Envar(verificationTTLEnvVar).IntVar(&cfg.VerificationTTLSeconds)
	startCmd.Flag("base-url", "Externally visible base URL of this deployment.").
		Envar(baseURLEnvVar).StringVar(&cfg.BaseURL)

	versionCmd := app.Command("version", "Print the gatewarden version.")

	command, err := app.Parse(args)
	if err != nil {
		return trace.Wrap(err)
	}

	// Logging must be configured before any component starts emitting.
	if err := setupLogger(debug, logFormat, logLevel); err != nil {
		return trace.Wrap(err)
	}

	switch command {
	case startCmd.FullCommand():
		return trace.Wrap(onStart(ctx, cfg))
	case versionCmd.FullCommand():
		fmt.Println("Gatewarden", gatewarden.Version)
		return nil
	default:
		return trace.BadParameter("command %q not configured", command)
	}
}

func setupLogger(debug bool, format, levelText string) error {
	level, err := logutils.ParseLevel(levelText)
	if err != nil {
		return trace.Wrap(err)
	}
	if debug {
		level = slog.LevelDebug
	}
	return trace.Wrap(utils.InitLogger(utils.LoggingForDaemon, level, utils.WithLogFormat(format)))
}

// onStart runs the service until the process receives SIGINT or SIGTERM.
func onStart(ctx context.Context, cfg service.Config) error {
	s, err := service.New(ctx, cfg)
	if err != nil {
		return trace.Wrap(err)
	}
	defer s.Close()
	return trace.Wrap(s.Run(ctx))
}
