package telegram

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"tickrelay.com/pkg/common"
	"tickrelay.com/pkg/logger"
	"tickrelay.com/pkg/xerr"
)

const WebhookPath = "/telegram/webhook"

// WebhookRoute is the gin route for the webhook. A secret becomes the last
// path segment so only Telegram (which got the full url) can reach it.
func WebhookRoute(secret string) string {
	if secret == "" {
		return WebhookPath
	}
	return WebhookPath + "/:secret"
}

// Updater is the part of *tgbotapi.BotAPI polling needs.
type Updater interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Poll long-polls for updates until ctx ends. Updates are handled one at a
// time so replies to a chat keep their order.
func Poll(ctx context.Context, bot Updater, r *Router, timeoutSec int) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = timeoutSec
	updates := bot.GetUpdatesChan(u)
	logger.Info(ctx, "telegram polling started", zap.Int("timeout", timeoutSec))

	for {
		select {
		case <-ctx.Done():
			bot.StopReceivingUpdates()
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			r.Handle(ctx, upd)
		}
	}
}

// Webhook serves Telegram's update POSTs on WebhookRoute(secret).
func Webhook(r *Router, secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret != "" && subtle.ConstantTimeCompare([]byte(c.Param("secret")), []byte(secret)) != 1 {
			// same answer as an unknown route
			common.Abort(c, http.StatusNotFound, errors.New("webhook secret mismatch"))
			return
		}
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
		if err != nil {
			common.Abort(c, http.StatusBadRequest, err)
			return
		}
		var upd tgbotapi.Update
		if err := json.Unmarshal(body, &upd); err != nil {
			common.Abort(c, http.StatusBadRequest, xerr.Wrap(err, xerr.ServerCommonError, "bad update"))
			return
		}

		// workers started here must not die with the request
		r.Handle(context.WithoutCancel(c.Request.Context()), upd)
		c.Status(http.StatusOK)
	}
}

// RegisterWebhook points the bot at url, which must end in the route served by
// Webhook. An empty url removes the webhook so polling can be used.
func RegisterWebhook(bot *tgbotapi.BotAPI, url string) error {
	if url == "" {
		_, err := bot.Request(tgbotapi.DeleteWebhookConfig{})
		return err
	}
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return err
	}
	_, err = bot.Request(wh)
	return err
}
