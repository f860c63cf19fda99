package evm

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// EtherDecimals is the number of decimals between ether and wei
const EtherDecimals = 18

// ParseAmount converts a decimal string ("0.029") to its integer value in the
// smallest unit. Digits beyond decimals are rejected rather than rounded.
func ParseAmount(amount string, decimals int) (*big.Int, error) {
	cleaned := strings.TrimSpace(amount)
	if cleaned == "" {
		return nil, fmt.Errorf("invalid amount: empty")
	}
	if strings.HasPrefix(cleaned, "-") {
		return nil, fmt.Errorf("amount cannot be negative: %s", amount)
	}

	whole, frac, _ := strings.Cut(cleaned, ".")
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %s has more than %d decimals", amount, decimals)
	}
	if whole == "" {
		whole = "0"
	}
	digits := whole + frac + strings.Repeat("0", decimals-len(frac))

	value, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", amount)
	}
	return value, nil
}

// FormatAmount renders an integer amount in the smallest unit as a decimal
// string with trailing zeros removed.
func FormatAmount(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	sign := ""
	abs := new(big.Int).Set(amount)
	if abs.Sign() < 0 {
		sign = "-"
		abs.Neg(abs)
	}

	digits := abs.String()
	if len(digits) <= decimals {
		digits = strings.Repeat("0", decimals-len(digits)+1) + digits
	}
	whole := digits[:len(digits)-decimals]
	frac := strings.TrimRight(digits[len(digits)-decimals:], "0")
	if frac == "" {
		return sign + whole
	}
	return sign + whole + "." + frac
}

// ParseEther converts an ether amount to wei
func ParseEther(amount string) (*big.Int, error) {
	return ParseAmount(amount, EtherDecimals)
}

// MustParseEther is ParseEther for constants
func MustParseEther(amount string) *big.Int {
	wei, err := ParseEther(amount)
	if err != nil {
		panic(err)
	}
	return wei
}

// FormatEther renders wei as ether
func FormatEther(wei *big.Int) string {
	return FormatAmount(wei, EtherDecimals)
}

// HexToBytes decodes a hex string with or without 0x prefix
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}
