package anysender

import (
	"context"
	"time"
)

// ============================================================================
// Client Hook Context Types
// ============================================================================

// SubmitContext contains information passed to before-submit hooks
type SubmitContext struct {
	Ctx       context.Context
	TicketID  string
	Payload   *MetaTransactionPayload
	RelayTx   *RelayTransaction
	Timestamp time.Time
}

// ConfirmResultContext contains the outcome of a confirmed ticket
type ConfirmResultContext struct {
	SubmitContext
	Deposit      *DepositResult
	Receipt      *RelayReceipt
	Confirmation *ConfirmationRecord
	Duration     time.Duration
}

// TicketFailureContext contains the failure of a ticket and the steps that completed
type TicketFailureContext struct {
	Ctx      context.Context
	TicketID string
	Step     string
	Error    error
	Partial  *TicketResult
	Duration time.Duration
}

// BeforeHookResult represents the result of a "before" hook
// If Abort is true, the ticket is aborted with the given Reason
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// ============================================================================
// Client Hook Function Types
// ============================================================================

// BeforeSubmitHook runs after the relay transaction is signed and before it is sent
type BeforeSubmitHook func(SubmitContext) (*BeforeHookResult, error)

// AfterConfirmHook runs once the execution event has been found
type AfterConfirmHook func(ConfirmResultContext) error

// OnTicketFailureHook runs when any step fails
type OnTicketFailureHook func(TicketFailureContext) error

// ============================================================================
// Hook Registration Methods
// ============================================================================

// OnBeforeSubmit registers a hook that may abort a ticket before submission
func (c *Client) OnBeforeSubmit(hook BeforeSubmitHook) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.beforeSubmitHooks = append(c.beforeSubmitHooks, hook)
	return c
}

// OnAfterConfirm registers a hook called with every confirmation
func (c *Client) OnAfterConfirm(hook AfterConfirmHook) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.afterConfirmHooks = append(c.afterConfirmHooks, hook)
	return c
}

// OnTicketFailure registers a hook called with every failed ticket
func (c *Client) OnTicketFailure(hook OnTicketFailureHook) *Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFailureHooks = append(c.onFailureHooks, hook)
	return c
}

func (c *Client) runBeforeSubmitHooks(hctx SubmitContext) error {
	c.mu.RLock()
	hooks := c.beforeSubmitHooks
	c.mu.RUnlock()

	for _, hook := range hooks {
		result, err := hook(hctx)
		if err != nil {
			c.logger.Warn("Before-submit hook failed", "ticket", hctx.TicketID, "err", err)
			continue
		}
		if result != nil && result.Abort {
			return NewRelayError(ErrCodeAborted, StepSubmit, result.Reason, nil).WithRelayTx(hctx.RelayTx.ID())
		}
	}
	return nil
}

func (c *Client) runAfterConfirmHooks(hctx ConfirmResultContext) {
	c.mu.RLock()
	hooks := c.afterConfirmHooks
	c.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(hctx); err != nil {
			c.logger.Warn("After-confirm hook failed", "ticket", hctx.TicketID, "err", err)
		}
	}
}

func (c *Client) runFailureHooks(hctx TicketFailureContext) {
	c.mu.RLock()
	hooks := c.onFailureHooks
	c.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(hctx); err != nil {
			c.logger.Warn("Ticket-failure hook failed", "ticket", hctx.TicketID, "err", err)
		}
	}
}
