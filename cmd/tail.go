package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"livechat-widget/internal/domain"
	"livechat-widget/internal/infrastructure/kafka"

	"github.com/urfave/cli/v2"
)

func tailEventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "tail-events",
		Usage: "Print widget lifecycle events from Kafka",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "group",
				Usage: "Kafka consumer group",
				Value: "livechat-widget-tail",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, logger, err := loadConfig(c)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			encoder := json.NewEncoder(os.Stdout)
			consumer := kafka.NewKafkaConsumer(cfg.Kafka.Brokers, c.String("group"), cfg.Kafka.Topic, func(event domain.WidgetEvent) {
				if err := encoder.Encode(event); err != nil {
					logger.Error().Err(err).Msg("Failed to print event")
				}
			}, logger)
			defer consumer.Close()

			fmt.Fprintf(os.Stderr, "Tailing %s on %v\n", cfg.Kafka.Topic, cfg.Kafka.Brokers)
			return consumer.Run(ctx)
		},
	}
}
