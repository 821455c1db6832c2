package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/relaychat/automation"
)

// IncomingServer handles POST /webhooks/incoming/:token: it validates
// the bearer token, enforces the webhook's rate limit, bounds and
// validates the payload, optionally verifies a signed request, and
// posts the message into the webhook's channel.
type IncomingServer struct {
	store    automation.Store
	channels automation.ChannelSender
	limiter  *RateLimiter
	replay   *ReplayProtector
	logger   zerolog.Logger
}

// NewIncomingServer creates the incoming webhook handler
func NewIncomingServer(
	store automation.Store,
	channels automation.ChannelSender,
	limiter *RateLimiter,
	replay *ReplayProtector,
	logger zerolog.Logger,
) *IncomingServer {
	return &IncomingServer{
		store:    store,
		channels: channels,
		limiter:  limiter,
		replay:   replay,
		logger:   logger,
	}
}

// RegisterRoutes mounts the incoming webhook endpoint on app
func (s *IncomingServer) RegisterRoutes(app *fiber.App) {
	app.Post("/webhooks/incoming/:token", s.handlePost)
}

func (s *IncomingServer) handlePost(c fiber.Ctx) error {
	token := c.Params("token")

	hook, err := s.store.GetWebhookByToken(c.Context(), token)
	if err != nil {
		automation.LogPersistenceError(s.logger, "get_webhook_by_token", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "internal error",
		})
	}
	// Unknown token and disabled webhook answer identically so a
	// guessed token learns nothing
	if hook == nil || hook.Direction != automation.WebhookIncoming || !hook.Active() {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "invalid webhook token",
		})
	}

	if err := s.limiter.Allow(hook.ID, hook.RateLimit); err != nil {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error": "rate limit exceeded",
		})
	}

	body := c.Body()
	if len(body) > automation.MaxIncomingBodyBytes {
		return c.Status(fiber.StatusRequestEntityTooLarge).JSON(fiber.Map{
			"error": fmt.Sprintf("payload exceeds %d bytes", automation.MaxIncomingBodyBytes),
		})
	}

	// Signed requests are opt-in: present signature headers are always
	// verified, absent ones pass for token-only integrations
	if sig := c.Get("x-webhook-signature"); sig != "" {
		if err := s.verifySigned(hook, body, sig, c.Get("x-webhook-timestamp"), c.Get("x-webhook-nonce")); err != nil {
			s.logger.Warn().
				Err(err).
				Str("webhook_id", hook.ID).
				Msg("incoming webhook signature rejected")
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": err.Error(),
			})
		}
	}

	var msg automation.IncomingMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "malformed JSON body",
		})
	}
	if err := validateIncoming(&msg); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	messageID, err := s.channels.SendMessage(c.Context(), hook.ChannelID, msg.EffectiveContent(), msg.ThreadID)
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("webhook_id", hook.ID).
			Str("channel_id", hook.ChannelID).
			Msg("incoming webhook channel send failed")
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": "failed to post message",
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"messageId": messageID,
		"channelId": hook.ChannelID,
	})
}

func (s *IncomingServer) verifySigned(hook *automation.Webhook, body []byte, signature, timestampHeader, nonce string) error {
	timestamp, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: missing or malformed timestamp header", automation.ErrSignatureInvalid)
	}
	if !Verify(hook.Secret, timestamp, body, signature) {
		return automation.ErrSignatureInvalid
	}
	if nonce == "" {
		return fmt.Errorf("%w: signed request without nonce", automation.ErrReplayDetected)
	}
	return s.replay.Check(timestamp, nonce, "")
}

// validateIncoming enforces the payload contract: at least one of
// content, embeds, or attachments, all within bounds
func validateIncoming(msg *automation.IncomingMessage) error {
	content := msg.EffectiveContent()
	if content == "" && len(msg.Embeds) == 0 && len(msg.Attachments) == 0 {
		return errors.New("body must carry content, embeds, or attachments")
	}
	if len(content) > automation.MaxIncomingContentLen {
		return fmt.Errorf("content exceeds %d characters", automation.MaxIncomingContentLen)
	}
	if len(msg.Embeds) > automation.MaxIncomingEmbeds {
		return fmt.Errorf("at most %d embeds allowed", automation.MaxIncomingEmbeds)
	}
	if len(msg.Attachments) > automation.MaxIncomingAttachments {
		return fmt.Errorf("at most %d attachments allowed", automation.MaxIncomingAttachments)
	}
	return nil
}

// NewApp builds a fiber app with the incoming webhook routes mounted,
// ready for Listen
func NewApp(s *IncomingServer) *fiber.App {
	app := fiber.New(fiber.Config{
		BodyLimit:    automation.MaxIncomingBodyBytes + 1024,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	})
	s.RegisterRoutes(app)
	return app
}
