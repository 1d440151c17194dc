package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/usubeni/gptrelay/channels/onebot"
	"github.com/usubeni/gptrelay/conversation"
	"github.com/usubeni/gptrelay/history"
	"github.com/usubeni/gptrelay/images"
	"github.com/usubeni/gptrelay/internal/config"
	"github.com/usubeni/gptrelay/internal/logutil"
	"github.com/usubeni/gptrelay/pipeline"
	"github.com/usubeni/gptrelay/pipeline/plugins"
	"github.com/usubeni/gptrelay/providers/openai"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to the OneBot endpoint and reply in group chats",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}

			cfg, err := config.FromViper()
			if err != nil {
				return err
			}
			if cfg.APIKey == "" {
				log.Warn("no_api_key_configured", "detail", "mentions will get the fallback reply only")
			}

			hist, err := history.NewStore(cfg.HistoryLimit)
			if err != nil {
				return err
			}

			pipe := pipeline.New(pipeline.WithLogger(log))
			pipe.Register(plugins.RemoveThink{})
			pipe.Register(plugins.StripHTML{})

			orch := conversation.New(
				cfg,
				hist,
				pipe,
				images.NewNormalizer(images.WithLogger(log)),
				openai.New(cfg.APIBase, cfg.APIKey, cfg.CallTimeout),
				conversation.WithLogger(log),
			)

			channel, err := onebot.New(onebot.Config{
				WSURL:       cfg.OneBot.WSURL,
				AccessToken: cfg.OneBot.AccessToken,
			}, orch, log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info("serve_start", "model", cfg.Model, "history_limit", cfg.HistoryLimit)
			if err := channel.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
}
