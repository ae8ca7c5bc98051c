package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pario-ai/parley/pkg/cache/sqlite"
	"github.com/pario-ai/parley/pkg/config"
	"github.com/pario-ai/parley/pkg/conversation"
	"github.com/pario-ai/parley/pkg/llmerr"
	"github.com/pario-ai/parley/pkg/middleware"
	"github.com/pario-ai/parley/pkg/provider"
	"github.com/pario-ai/parley/pkg/provider/openai"
)

type chatOptions struct {
	system       string
	model        string
	json         bool
	noCache      bool
	validateJSON bool
}

func newChatCmd() *cobra.Command {
	var (
		configPath string
		opts       chatOptions
	)

	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Send a prompt, replaying from the cache when possible",
		Long:  "Send a prompt to the configured backend. Without an argument the prompt is read from stdin.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			prompt, err := readPrompt(cmd, args)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			reg := sqlite.NewRegistry(logger)
			defer func() { _ = reg.Close() }()

			var cache *sqlite.Cache
			if cfg.Cache.Enabled && !opts.noCache {
				mode, err := sqlite.ParseMode(cfg.Cache.Mode)
				if err != nil {
					return err
				}
				if cache, err = reg.Open(ctx, cfg.Cache.Path, mode); err != nil {
					return err
				}
			}

			p := openai.New(cfg.Provider.URL, cfg.Provider.APIKey, &http.Client{Timeout: cfg.Provider.Timeout}, logger)
			lm, err := buildPipeline(cfg, opts, p, cache, logger, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			session := conversation.New(lm).WithSystem(opts.system)
			if opts.json {
				session = session.WithFormat("json")
			}
			turn, err := session.Chat(ctx, prompt)
			if err != nil {
				return err
			}
			reply, err := turn.Reply()
			if err != nil {
				return err
			}
			if !cfg.Echo.Enabled {
				fmt.Fprintln(cmd.OutOrStdout(), reply)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "parley.yaml", "path to config file")
	cmd.Flags().StringVar(&opts.system, "system", "", "system prompt")
	cmd.Flags().StringVar(&opts.model, "model", "", "override the configured model")
	cmd.Flags().BoolVar(&opts.json, "json", false, "ask for a JSON object reply")
	cmd.Flags().BoolVar(&opts.noCache, "no-cache", false, "bypass the conversation cache")
	cmd.Flags().BoolVar(&opts.validateJSON, "validate-json", false, "reject replies that are not valid JSON")
	return cmd
}

func readPrompt(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", llmerr.New(llmerr.Configuration, "no prompt given")
	}
	return prompt, nil
}

// buildPipeline assembles the stages, outermost first: echo, stats, retry,
// validation, prompt and model normalization, then the cache. A nil cache
// leaves the cache stage out.
func buildPipeline(cfg *config.Config, opts chatOptions, p provider.Provider, cache *sqlite.Cache, logger *zap.Logger, out, errOut io.Writer) (middleware.LanguageModel, error) {
	chain := middleware.NewChain()

	if cfg.Echo.Enabled {
		echo := middleware.EchoConfig{Writer: out, Width: cfg.Echo.Width, Prompt: cfg.Echo.Prompt}
		if cfg.Echo.Spinner != "" {
			s, ok := middleware.SpinnerByName(cfg.Echo.Spinner)
			if !ok {
				return nil, llmerr.Newf(llmerr.Configuration, "unknown spinner %q", cfg.Echo.Spinner)
			}
			echo.Spinner = &s
		}
		chain.Use(middleware.Echo(echo))
	}
	if cfg.Stats.Enabled {
		chain.Use(middleware.Stats(middleware.StatsConfig{Writer: errOut}))
	}
	if cfg.Retry.MaxAttempts > 1 {
		chain.Use(middleware.Retry(middleware.RetryPolicy{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
			Jitter:       cfg.Retry.Jitter,
			RetryIf:      retryable,
		}, logger))
	}
	if opts.validateJSON {
		chain.Use(middleware.Validate(middleware.ValidJSON))
	}

	model := cfg.Provider.Model
	if opts.model != "" {
		model = opts.model
	}
	chain.Use(middleware.Outdent()).Use(middleware.Model(model))

	// Innermost, so entries are keyed on the prompt and model actually sent.
	if cache != nil {
		chain.Use(middleware.Cache(cache, logger))
	}

	return chain.Then(middleware.Backend(p)), nil
}

// retryable skips failures another attempt cannot fix.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch llmerr.KindOf(err) {
	case llmerr.Configuration, llmerr.Permission, llmerr.Request:
		return false
	}
	return true
}
