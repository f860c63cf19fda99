package http

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	anysender "github.com/anydotcrypto/cyberdice"
	"github.com/anydotcrypto/cyberdice/mechanisms/evm"
)

// RelayTransactionSchema is the JSON schema of a POST /relay body
const RelayTransactionSchema = `{
	"type": "object",
	"required": ["from", "to", "gas", "data", "deadlineBlockNumber", "compensation", "relayContractAddress", "signature"],
	"additionalProperties": false,
	"properties": {
		"from": {"$ref": "#/definitions/address"},
		"to": {"$ref": "#/definitions/address"},
		"relayContractAddress": {"$ref": "#/definitions/address"},
		"gas": {"type": "integer", "minimum": 1},
		"deadlineBlockNumber": {"type": "integer", "minimum": 1},
		"data": {"type": "string", "pattern": "^0x([0-9a-fA-F]{2})*$"},
		"compensation": {"type": "string", "pattern": "^[0-9]+$"},
		"signature": {"type": "string", "pattern": "^0x[0-9a-fA-F]{130}$"}
	},
	"definitions": {
		"address": {"type": "string", "pattern": "^0x[0-9a-fA-F]{40}$"}
	}
}`

var relayTransactionSchema *gojsonschema.Schema

func init() {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(RelayTransactionSchema))
	if err != nil {
		panic(fmt.Sprintf("invalid relay transaction schema: %v", err))
	}
	relayTransactionSchema = schema
}

// ValidateAndDecodeRelayTransaction validates a POST /relay body.
// It performs validation of:
// - JSON structure against RelayTransactionSchema
// - the sender's signature over the relay transaction id
//
// Returns the decoded RelayTransaction if valid, or an error with a descriptive message.
func ValidateAndDecodeRelayTransaction(body []byte) (*anysender.RelayTransaction, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("relay transaction is empty")
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("invalid relay transaction format: not valid JSON")
	}

	result, err := relayTransactionSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return nil, fmt.Errorf("invalid relay transaction format: %v", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
		}
		return nil, fmt.Errorf("invalid relay transaction: %s", strings.Join(problems, "; "))
	}

	var tx anysender.RelayTransaction
	if err := json.Unmarshal(body, &tx); err != nil {
		return nil, fmt.Errorf("invalid relay transaction format: %v", err)
	}

	id := tx.ID()
	signer, err := evm.RecoverMessageSigner(id.Bytes(), tx.Signature)
	if err != nil {
		return nil, fmt.Errorf("invalid signature: %v", err)
	}
	if signer != tx.From {
		return nil, fmt.Errorf("invalid signature: signed by %s, not %s", signer.Hex(), tx.From.Hex())
	}
	return &tx, nil
}
