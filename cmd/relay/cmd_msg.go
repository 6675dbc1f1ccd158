package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/tgifai/relay/internal/gateway"
	"github.com/tgifai/relay/internal/session"
)

var msgHwd = &MsgRunner{}

type MsgRunner struct{}

func (r *MsgRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:  "msg",
		Usage: "Send a one-off message through a configured channel",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "to",
				Aliases: []string{"t"},
				Usage:   "Destination as <channel id>:<chat id>",
			},
			&cli.StringFlag{
				Name:    "content",
				Aliases: []string{"m"},
				Usage:   "Message body",
			},
		},
		Action: r.run,
	}
}

func (r *MsgRunner) run(ctx context.Context, cmd *cli.Command) error {
	channelID, chatID := session.SplitConversationID(strings.TrimSpace(cmd.String("to")))
	if channelID == "" || chatID == "" {
		return errors.New("--to must look like <channel id>:<chat id>")
	}
	content := strings.TrimSpace(cmd.String("content"))
	if content == "" {
		return errors.New("--content cannot be empty")
	}

	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	chCfg, ok := cfg.Channels[channelID]
	if !ok {
		return fmt.Errorf("channel %q was not found in the configured channels", channelID)
	}

	ch, err := gateway.NewChannel(channelID, chCfg)
	if err != nil {
		return err
	}
	defer func() { _ = ch.Stop(ctx) }()

	msgID, err := ch.SendMessage(ctx, chatID, content)
	if err != nil {
		return fmt.Errorf("send %s message: %w", chCfg.Type, err)
	}

	fmt.Printf("Sent message %s via %s channel %s to %s\n", msgID, chCfg.Type, channelID, chatID)
	return nil
}
