// Package utils provides utility functions and constants for common operations
// throughout the application.
package utils

import (
	"encoding/hex"
	"fmt"
	"strings"
)

var (
	// NullEthereumAddress is the null Ethereum address without the 0x prefix
	NullEthereumAddress = "0000000000000000000000000000000000000000"

	// NullEthereumAddressHex is the null Ethereum address with the 0x prefix
	NullEthereumAddressHex = fmt.Sprintf("0x%s", NullEthereumAddress)
)

// AreAddressesEqual compares two Ethereum addresses for equality, ignoring case.
func AreAddressesEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}

// ConvertBytesToString converts a byte array to a hexadecimal string with 0x prefix.
func ConvertBytesToString(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}
