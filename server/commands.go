package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/san-kum/eyeq/server/attention"
	"github.com/san-kum/eyeq/server/middleware"
	"github.com/san-kum/eyeq/server/models"
	"github.com/san-kum/eyeq/server/replay"
)

func newReplayCmd() *cobra.Command {
	var (
		tick      time.Duration
		mode      string
		profile   string
		smoothing string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "replay <recording.jsonl>",
		Short: "Score a recorded session on a simulated clock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if !cmd.Flags().Changed("tick") {
				tick = cfg.Attention.TickInterval
			}
			if !cmd.Flags().Changed("profile") {
				profile = cfg.Attention.ReadingProfile
			}
			if !cmd.Flags().Changed("smoothing") {
				smoothing = cfg.Attention.Smoothing
			}
			if !cmd.Flags().Changed("mode") {
				mode = cfg.Attention.DefaultMode
			}

			weights, ok := attention.LookupWeights(profile)
			if !ok {
				return fmt.Errorf("unknown reading profile %q", profile)
			}
			policy, err := attention.ParseSmoothingPolicy(smoothing)
			if err != nil {
				return err
			}
			focus, err := models.ParseFocusMode(mode)
			if err != nil {
				return err
			}

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open recording: %w", err)
			}
			defer f.Close()

			records, err := replay.ReadRecords(f)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			summary, err := replay.Run(records, replay.Options{
				TickInterval: tick,
				Scorer:       attention.NewScorer(weights),
				Mode:         focus,
				Smoothing:    policy,
				JSON:         asJSON,
			}, out, logger)
			if err != nil {
				return err
			}

			if asJSON {
				return json.NewEncoder(out).Encode(map[string]any{"summary": summary})
			}
			_, err = fmt.Fprintf(out, "\nelapsed %s  ticks %d  average %.1f  longest streak %s  refocus alerts %d\n",
				summary.Elapsed, summary.Ticks, summary.AverageAttention, summary.LongestStreak, summary.RefocusAlerts)
			return err
		},
	}

	cmd.Flags().DurationVar(&tick, "tick", 200*time.Millisecond, "scoring tick interval")
	cmd.Flags().StringVar(&mode, "mode", string(models.ModeScreen), "initial focus mode (screen or reading)")
	cmd.Flags().StringVar(&profile, "profile", attention.DefaultWeights.Name, "scoring weight profile")
	cmd.Flags().StringVar(&smoothing, "smoothing", string(attention.SmoothingExponential), "display smoothing (direct or exponential)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit one JSON state per tick")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		role      string
		username  string
		sessionID string
		ttl       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with the configured secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if cfg.Security.JWTSecretKey == "" {
				return errors.New("security.jwt_secret_key must be set to mint tokens")
			}
			auth := middleware.NewAuthMiddleware(cfg.Security.JWTSecretKey, logger)

			var token string
			switch {
			case sessionID != "":
				token, err = auth.IssueSessionToken(sessionID, ttl)
			case role == middleware.RoleSession:
				return errors.New("session tokens need --session")
			default:
				token, err = auth.IssueToken(username, role, ttl)
			}
			if err != nil {
				return fmt.Errorf("failed to generate token: %w", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVar(&role, "role", middleware.RoleAdmin, "role claim")
	cmd.Flags().StringVar(&username, "username", "operator", "subject claim")
	cmd.Flags().StringVar(&sessionID, "session", "", "mint a token scoped to this session id instead")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
