package commands

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/mscno/roomsync/pkg/oskeyring"
)

type AuthCmd struct {
	SetToken    AuthSetTokenCmd    `cmd:"" help:"Store the service account token in the OS keyring."`
	DeleteToken AuthDeleteTokenCmd `cmd:"" help:"Remove the service account token from the OS keyring."`
}

type AuthSetTokenCmd struct {
	Token string `arg:"" optional:"" help:"Token to store. Read from stdin when omitted."`
}

func (c *AuthSetTokenCmd) Run(ctx *cliCtx, g *Globals) error {
	if g.Chat.UserID == "" {
		return errors.New("the service account user id is required: set --chat-user-id or ROOMSYNC_CHAT_USER_ID")
	}
	token := c.Token
	if token == "" {
		line, err := bufio.NewReader(ctx.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read token from stdin: %w", err)
		}
		token = strings.TrimSpace(line)
	}
	if err := oskeyring.StoreToken(ctx.OSKeyring, g.Chat.UserID, token); err != nil {
		return err
	}
	ctx.Logger.Info("stored token in keyring", "user_id", g.Chat.UserID)
	return nil
}

type AuthDeleteTokenCmd struct{}

func (c *AuthDeleteTokenCmd) Run(ctx *cliCtx, g *Globals) error {
	if g.Chat.UserID == "" {
		return errors.New("the service account user id is required: set --chat-user-id or ROOMSYNC_CHAT_USER_ID")
	}
	if err := oskeyring.DeleteToken(ctx.OSKeyring, g.Chat.UserID); err != nil {
		return err
	}
	ctx.Logger.Info("deleted token from keyring", "user_id", g.Chat.UserID)
	return nil
}
