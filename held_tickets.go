package anysender

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// HeldTickets keeps signed relay transactions whose submission failed with a
// transient error. The operator may or may not have accepted them, so their
// nonces stay allocated. The next Send of the same call by the same signer
// resubmits the held transaction instead of signing a new one, and the
// operator answers an already accepted transaction with its original receipt.
type HeldTickets struct {
	mu      sync.Mutex
	ttl     time.Duration
	tickets map[heldKey]*HeldTicket
	now     func() time.Time
}

// HeldTicket is a signed relay transaction waiting to be resubmitted
type HeldTicket struct {
	Payload *MetaTransactionPayload
	RelayTx *RelayTransaction
	Expires time.Time
}

type heldKey struct {
	signer common.Address
	call   common.Hash
}

// NewHeldTickets creates a store whose entries are dropped after ttl
func NewHeldTickets(ttl time.Duration) *HeldTickets {
	return &HeldTickets{
		ttl:     ttl,
		tickets: make(map[heldKey]*HeldTicket),
		now:     time.Now,
	}
}

func keyOf(signer common.Address, call Call) heldKey {
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	return heldKey{
		signer: signer,
		call:   crypto.Keccak256Hash(call.Target.Bytes(), common.BigToHash(value).Bytes(), call.Data),
	}
}

// Hold stores a ticket for resubmission. A ticket already held for the same
// call is displaced and returned so its nonce can be released.
func (h *HeldTickets) Hold(signer common.Address, call Call, payload *MetaTransactionPayload, tx *RelayTransaction) *HeldTicket {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := keyOf(signer, call)
	displaced := h.tickets[key]
	h.tickets[key] = &HeldTicket{
		Payload: payload,
		RelayTx: tx,
		Expires: h.now().Add(h.ttl),
	}
	return displaced
}

// Take removes and returns the unexpired ticket held for a call, if any
func (h *HeldTickets) Take(signer common.Address, call Call) *HeldTicket {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := keyOf(signer, call)
	ticket, ok := h.tickets[key]
	if !ok || !h.now().Before(ticket.Expires) {
		return nil
	}
	delete(h.tickets, key)
	return ticket
}

// Expire removes and returns every ticket past its ttl
func (h *HeldTickets) Expire() []*HeldTicket {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	var expired []*HeldTicket
	for key, ticket := range h.tickets {
		if !now.Before(ticket.Expires) {
			expired = append(expired, ticket)
			delete(h.tickets, key)
		}
	}
	return expired
}

// Len returns the number of held tickets, expired ones included
func (h *HeldTickets) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.tickets)
}
