// Package slackclt provides a Slack Web API client.
// All calls are funneled through a single retrying wrapper.
package slackclt

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/slack-go/slack"
	"go.uber.org/zap"

	"github.com/simplesurance/prmeta/internal/logfields"
)

const loggerName = "slack_client"

const (
	DefMaxRetries             = 3
	DefBackoffInitialInterval = time.Second
	DefBackoffMaxInterval     = 10 * time.Second
)

// noRetryErrCodes are Slack API error codes that a retry can not fix.
// Permission and channel errors are configuration problems,
// invalid_blocks is deterministic for the same payload and not_authed
// means the token is unusable.
var noRetryErrCodes = []string{
	"missing_scope",
	"not_in_channel",
	"channel_not_found",
	"invalid_blocks",
	"not_authed",
	// race-condition responses of the reactions API, mapped to
	// success by the callers
	"already_reacted",
	"no_reaction",
}

// API is the subset of the slack-go client that is used.
// It exists to make the client testable.
type API interface {
	AuthTestContext(ctx context.Context) (*slack.AuthTestResponse, error)
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
	UpdateMessageContext(ctx context.Context, channelID, timestamp string, options ...slack.MsgOption) (string, string, string, error)
	AddReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	RemoveReactionContext(ctx context.Context, name string, item slack.ItemRef) error
	GetReactionsContext(ctx context.Context, item slack.ItemRef, params slack.GetReactionsParameters) ([]slack.ItemReaction, error)
}

// Client wraps the Slack Web API, scoped to a single channel.
type Client struct {
	api     API
	channel string
	logger  *zap.Logger

	maxRetries             int
	backoffInitialInterval time.Duration
	backoffMaxInterval     time.Duration
}

func New(apiToken, channelID string) *Client {
	return &Client{
		api:                    slack.New(apiToken),
		channel:                channelID,
		logger:                 zap.L().Named(loggerName).With(logfields.Channel(channelID)),
		maxRetries:             DefMaxRetries,
		backoffInitialInterval: DefBackoffInitialInterval,
		backoffMaxInterval:     DefBackoffMaxInterval,
	}
}

// NewWithAPI returns a client using a custom API implementation.
func NewWithAPI(api API, channelID string) *Client {
	clt := New("", channelID)
	clt.api = api

	return clt
}

func (clt *Client) Channel() string {
	return clt.channel
}

// AuthTest verifies that the configured token is valid.
func (clt *Client) AuthTest(ctx context.Context) error {
	return clt.do(ctx, "auth.test", func(ctx context.Context) error {
		_, err := clt.api.AuthTestContext(ctx)
		return err
	})
}

// PostMessage posts a new message to the configured channel and returns
// its timestamp token.
func (clt *Client) PostMessage(ctx context.Context, fallbackText string, blocks ...slack.Block) (string, error) {
	var ts string

	err := clt.do(ctx, "chat.postMessage", func(ctx context.Context) error {
		opts := []slack.MsgOption{slack.MsgOptionText(fallbackText, false)}
		if len(blocks) > 0 {
			opts = append(opts, slack.MsgOptionBlocks(blocks...))
		}

		_, messageTS, err := clt.api.PostMessageContext(ctx, clt.channel, opts...)
		if err != nil {
			return err
		}

		ts = messageTS
		return nil
	})

	return ts, err
}

// UpdateMessage replaces the content of the message identified by ts.
func (clt *Client) UpdateMessage(ctx context.Context, ts, fallbackText string, blocks ...slack.Block) error {
	return clt.do(ctx, "chat.update", func(ctx context.Context) error {
		opts := []slack.MsgOption{slack.MsgOptionText(fallbackText, false)}
		if len(blocks) > 0 {
			opts = append(opts, slack.MsgOptionBlocks(blocks...))
		}

		_, _, _, err := clt.api.UpdateMessageContext(ctx, clt.channel, ts, opts...)
		return err
	})
}

// GetReactions returns the emoji names of all reactions on the message
// identified by ts.
func (clt *Client) GetReactions(ctx context.Context, ts string) ([]string, error) {
	var result []string

	err := clt.do(ctx, "reactions.get", func(ctx context.Context) error {
		reactions, err := clt.api.GetReactionsContext(
			ctx,
			slack.NewRefToMessage(clt.channel, ts),
			slack.GetReactionsParameters{},
		)
		if err != nil {
			return err
		}

		result = result[:0]
		for _, reaction := range reactions {
			result = append(result, reaction.Name)
		}

		return nil
	})

	return result, err
}

// AddReaction adds an emoji reaction to the message identified by ts.
// An already_reacted response is treated as success.
func (clt *Client) AddReaction(ctx context.Context, ts, name string) error {
	err := clt.do(ctx, "reactions.add", func(ctx context.Context) error {
		return clt.api.AddReactionContext(ctx, name, slack.NewRefToMessage(clt.channel, ts))
	})
	if err != nil && errCode(err) == "already_reacted" {
		clt.logger.Debug(
			"reaction was already present, interpreting it as success",
			logfields.Event("slack_reaction_already_present"),
			logfields.Reaction(name),
		)

		return nil
	}

	return err
}

// RemoveReaction removes an emoji reaction from the message identified
// by ts.
// A no_reaction response is treated as success.
func (clt *Client) RemoveReaction(ctx context.Context, ts, name string) error {
	err := clt.do(ctx, "reactions.remove", func(ctx context.Context) error {
		return clt.api.RemoveReactionContext(ctx, name, slack.NewRefToMessage(clt.channel, ts))
	})
	if err != nil && errCode(err) == "no_reaction" {
		clt.logger.Debug(
			"reaction was already absent, interpreting it as success",
			logfields.Event("slack_reaction_already_absent"),
			logfields.Reaction(name),
		)

		return nil
	}

	return err
}

// do runs fn and retries failures with exponential backoff, up to
// maxRetries retries.
// Error codes in noRetryErrCodes are returned immediately, a
// rate-limit response waits for the server-specified duration instead
// of the backoff interval.
func (clt *Client) do(ctx context.Context, apiMethod string, fn func(context.Context) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = clt.backoffInitialInterval
	bo.MaxInterval = clt.backoffMaxInterval
	bo.Reset()

	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}

		logger := clt.logger.With(
			zap.String("slack.api_method", apiMethod),
			zap.Int("try_count", attempt+1),
			zap.Error(err),
		)

		if isNoRetryErr(err) {
			logger.Debug(
				"slack api call failed, error is not retryable",
				logfields.Event("slack_api_call_failed"),
			)

			return err
		}

		if attempt >= clt.maxRetries {
			logger.Warn(
				"giving up retrying slack api call, retry limit reached",
				logfields.Event("slack_api_retry_limit_reached"),
				zap.Int("max_retries", clt.maxRetries),
			)

			return err
		}

		var retryIn time.Duration

		var rateLimitErr *slack.RateLimitedError
		if errors.As(err, &rateLimitErr) {
			retryIn = rateLimitErr.RetryAfter
		} else {
			retryIn = bo.NextBackOff()
		}

		logger.Info(
			"slack api call failed, retry scheduled",
			logfields.Event("slack_api_retry_scheduled"),
			zap.Duration("retry_in", retryIn),
		)

		timer := time.NewTimer(retryIn)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// errCode extracts the Slack API error code from an error.
// Returns an empty string for non-API errors.
func errCode(err error) string {
	var apiErr slack.SlackErrorResponse
	if errors.As(err, &apiErr) {
		return apiErr.Err
	}

	// slack-go returns plain errors whose message is the API error
	// code for most endpoints
	msg := err.Error()
	if !strings.ContainsAny(msg, " :") {
		return msg
	}

	return ""
}

// IsAuthErr returns true for errors caused by an invalid or revoked
// token.
func IsAuthErr(err error) bool {
	return errCode(err) == "not_authed" || errCode(err) == "invalid_auth"
}

// IsInvalidBlocksErr returns true when the API rejected the block
// payload.
func IsInvalidBlocksErr(err error) bool {
	return errCode(err) == "invalid_blocks"
}

func isNoRetryErr(err error) bool {
	code := errCode(err)
	for _, noRetryCode := range noRetryErrCodes {
		if code == noRetryCode {
			return true
		}
	}

	return false
}
