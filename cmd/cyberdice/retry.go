package main

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jpillora/backoff"

	anysender "github.com/anydotcrypto/cyberdice"
)

type ticketSender interface {
	Send(ctx context.Context, signer anysender.TransactionSigner, call anysender.Call) (*anysender.TicketResult, error)
}

// sendWithRetries repeats Send while the operator cannot be reached. The
// client holds the signed relay transaction after such a failure, so each
// retry resubmits it rather than signing a new one.
func sendWithRetries(ctx context.Context, client ticketSender, signer anysender.TransactionSigner, call anysender.Call, retries int, b *backoff.Backoff, logger log.Logger) (*anysender.TicketResult, error) {
	for attempt := 0; ; attempt++ {
		result, err := client.Send(ctx, signer, call)
		if err == nil || attempt >= retries || !retryable(err) {
			return result, err
		}
		wait := b.Duration()
		logger.Warn("Operator unreachable, resubmitting", "attempt", attempt+1, "retries", retries, "wait", wait, "err", err)
		select {
		case <-ctx.Done():
			return result, err
		case <-time.After(wait):
		}
	}
}

func retryable(err error) bool {
	var relayErr *anysender.RelayError
	return errors.As(err, &relayErr) &&
		relayErr.Code == anysender.ErrCodeTransientNetwork &&
		relayErr.Step == anysender.StepSubmit
}
