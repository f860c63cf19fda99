package http

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/anydotcrypto/cyberdice/mechanisms/evm"
	evmsigner "github.com/anydotcrypto/cyberdice/signers/evm"
)

const senderKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// signedRelayBody returns a valid POST /relay body and lets modify edit the
// decoded JSON object before it is re-encoded
func signedRelayBody(t *testing.T, modify func(map[string]interface{})) []byte {
	t.Helper()
	signer, err := evmsigner.NewClientSignerFromPrivateKey(senderKeyHex)
	if err != nil {
		t.Fatalf("Failed to create signer: %v", err)
	}

	tx := testRelayTx()
	tx.From = signer.Address()
	id := tx.ID()
	tx.Signature, err = evm.SignMessage(context.Background(), signer, id.Bytes())
	if err != nil {
		t.Fatalf("Failed to sign: %v", err)
	}

	body, err := json.Marshal(tx)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	if modify == nil {
		return body
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(body, &raw); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	modify(raw)
	body, err = json.Marshal(raw)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	return body
}

func TestValidateAndDecodeRelayTransaction(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		tx, err := ValidateAndDecodeRelayTransaction(signedRelayBody(t, nil))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if tx.From != common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266") {
			t.Errorf("unexpected sender %s", tx.From.Hex())
		}
		if tx.DeadlineBlockNumber != 510 {
			t.Errorf("expected deadline 510, got %d", tx.DeadlineBlockNumber)
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		tests := []struct {
			name          string
			body          string
			expectedError string
		}{
			{name: "empty", body: "", expectedError: "relay transaction is empty"},
			{name: "not json", body: "{relay}", expectedError: "invalid relay transaction format: not valid JSON"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := ValidateAndDecodeRelayTransaction([]byte(tt.body))
				if err == nil {
					t.Fatal("expected error but got none")
				}
				if err.Error() != tt.expectedError {
					t.Errorf("expected error %q, got %q", tt.expectedError, err.Error())
				}
			})
		}
	})

	t.Run("Schema violations", func(t *testing.T) {
		tests := []struct {
			name     string
			modify   func(map[string]interface{})
			contains string
		}{
			{"missing from", func(m map[string]interface{}) { delete(m, "from") }, "from is required"},
			{"short address", func(m map[string]interface{}) { m["to"] = "0x1234" }, "to"},
			{"gas as string", func(m map[string]interface{}) { m["gas"] = "250000" }, "gas"},
			{"decimal compensation", func(m map[string]interface{}) { m["compensation"] = "1.5" }, "compensation"},
			{"odd data", func(m map[string]interface{}) { m["data"] = "0xabc" }, "data"},
			{"unknown field", func(m map[string]interface{}) { m["gasPrice"] = "1" }, "gasPrice"},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := ValidateAndDecodeRelayTransaction(signedRelayBody(t, tt.modify))
				if err == nil {
					t.Fatal("expected error but got none")
				}
				if !strings.HasPrefix(err.Error(), "invalid relay transaction: ") {
					t.Errorf("expected schema error, got %q", err.Error())
				}
				if !strings.Contains(err.Error(), tt.contains) {
					t.Errorf("expected error to mention %q, got %q", tt.contains, err.Error())
				}
			})
		}
	})

	t.Run("Signature over different fields", func(t *testing.T) {
		body := signedRelayBody(t, func(m map[string]interface{}) {
			m["deadlineBlockNumber"] = 600
		})
		_, err := ValidateAndDecodeRelayTransaction(body)
		if err == nil || !strings.HasPrefix(err.Error(), "invalid signature") {
			t.Errorf("expected signature error, got %v", err)
		}
	})
}
