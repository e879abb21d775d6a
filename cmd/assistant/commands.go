// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/projecthub/pkg/logging"
	"github.com/AleutianAI/projecthub/services/assistant"
	"github.com/AleutianAI/projecthub/services/assistant/config"
	"github.com/AleutianAI/projecthub/services/assistant/orchestrator"
	"github.com/AleutianAI/projecthub/services/assistant/usage"
)

// app is the state shared by all commands after PersistentPreRunE.
type app struct {
	configPath string
	cfg        config.Config
	logger     *slog.Logger
	closeLog   func() error
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "assistant",
		Short:         "ProjectHub AI assistant",
		Long:          `Answers student project questions with an AI model, falling back to curated guidance when the model is unavailable or unsure.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if cmd.Name() != "serve" {
				// one-shot commands keep stdout clean
				cfg.Logging.Output = cmd.ErrOrStderr()
				cfg.Logging.JSON = false
				if cfg.Logging.Level == "" || cfg.Logging.Level == "info" {
					cfg.Logging.Level = "warn"
				}
			}
			logger, closeLog, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			a.cfg, a.logger, a.closeLog = cfg, logger, closeLog
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a.closeLog != nil {
				return a.closeLog()
			}
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", os.Getenv("ASSISTANT_CONFIG"),
		"path to the YAML config file (env ASSISTANT_CONFIG)")

	root.AddCommand(
		newServeCmd(a),
		newAskCmd(a),
		newUsageCmd(a),
		newConfigCmd(a),
	)
	return root
}

func newServeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the assistant HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			slog.SetDefault(a.logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := assistant.New(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			a.logger.Info("starting assistant",
				slog.String("addr", a.cfg.Server.Addr),
				slog.String("inference_backend", a.cfg.Inference.Backend),
				slog.String("rate_limit_backend", a.cfg.RateLimit.Backend),
				slog.String("default_model", a.cfg.Inference.DefaultModel))
			return svc.Run(ctx)
		},
	}
}

func newAskCmd(a *app) *cobra.Command {
	var (
		req    orchestrator.Request
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask one question without starting the server",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Query = strings.Join(args, " ")

			svc, err := assistant.New(cmd.Context(), a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			res, err := svc.Orchestrator().Ask(cmd.Context(), req)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().StringVar(&req.ConversationID, "conversation", "", "conversation id for context")
	cmd.Flags().StringVar(&req.CallerID, "caller", "", "caller id for rate limits and usage")
	cmd.Flags().StringVar(&req.Model, "model", "", "model override")
	cmd.Flags().StringVar(&req.Language, "language", "", "answer language")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw result as JSON")
	return cmd
}

func printResult(w io.Writer, res *orchestrator.Result) {
	if res.Denial != nil {
		fmt.Fprintf(w, "Rate limited (%s). Try again after %s.\n",
			res.Denial.Reason, res.Denial.ResetTime.Local().Format(time.RFC1123))
		return
	}
	ans := res.Answer
	fmt.Fprintln(w, ans.Response)
	fmt.Fprintln(w)
	source := "AI"
	if !ans.FromAI {
		source = "fallback (" + res.FallbackReason + ")"
	}
	fmt.Fprintf(w, "Source: %s  Confidence: %.2f  Model: %s  Time: %dms\n",
		source, ans.ConfidenceScore, ans.Metadata.Model, ans.Metadata.ProcessingTimeMs)
	if ans.Metadata.RequiresHumanReview {
		fmt.Fprintln(w, "This answer should be reviewed by your supervisor.")
	}
	if ans.EscalationSuggestion != "" {
		fmt.Fprintln(w, "Next step:", ans.EscalationSuggestion)
	}
	for _, f := range ans.SuggestedFollowUps {
		fmt.Fprintln(w, "  -", f)
	}
}

func newUsageCmd(a *app) *cobra.Command {
	var (
		callerID string
		since    string
		list     bool
		limit    int
		endpoint string
	)
	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Summarize the usage ledger",
		Long: `Summarize the usage ledger for the current month, including what
remains of the monthly quota. With --list, print the individual records
instead, newest first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			from := usage.MonthStart(time.Now())
			if since != "" {
				t, err := time.Parse(time.DateOnly, since)
				if err != nil {
					return fmt.Errorf("--since must be YYYY-MM-DD: %w", err)
				}
				from = t
			}

			ledger, err := usage.OpenGormLedger(a.cfg.Storage.UsageDBPath, a.logger)
			if err != nil {
				return err
			}
			defer ledger.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			if list {
				records, err := ledger.List(ctx, usage.Filter{
					Since:    from,
					CallerID: callerID,
					Endpoint: endpoint,
					Limit:    limit,
				})
				if err != nil {
					return err
				}
				if records == nil {
					records = []usage.Record{}
				}
				return writeJSON(cmd.OutOrStdout(), records)
			}

			summary, err := ledger.Summarize(ctx, from, callerID)
			if err != nil {
				return err
			}
			used, err := usage.MonthlyUsage(ctx, ledger, callerID, time.Now())
			if err != nil {
				return err
			}
			summary.SetQuota(a.cfg.RateLimit.Monthly, used)
			return writeJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().StringVar(&callerID, "caller", "", "only this caller (default all)")
	cmd.Flags().StringVar(&since, "since", "", "start date YYYY-MM-DD (default start of month)")
	cmd.Flags().BoolVar(&list, "list", false, "print records instead of a summary")
	cmd.Flags().IntVar(&limit, "limit", 100, "with --list, at most this many records (max 1000)")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "with --list, only this endpoint")
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			if cfg.Inference.APIKey != "" {
				cfg.Inference.APIKey = "<redacted>"
			}
			cfg.Logging.Output = nil
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
