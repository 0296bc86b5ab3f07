package idempotency

import (
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vmihailenco/msgpack/v5"
)

// Fields are the order-determining inputs of a request. Two requests with
// equal Fields are the same logical order.
type Fields struct {
	Venue        string
	Symbol       string
	Side         string
	Type         string
	Amount       float64
	Price        float64
	ReduceOnly   bool
	TimeInForce  string
	PositionSide string
	DryRun       bool
}

type canonicalFields struct {
	_msgpack struct{} `msgpack:",as_array"`

	Venue        string
	Symbol       string
	Side         string
	Type         string
	Amount       string
	Price        string
	ReduceOnly   bool
	TimeInForce  string
	PositionSide string
	DryRun       bool
}

// Fingerprint hashes the canonical msgpack encoding of f with keccak256.
func Fingerprint(f Fields) (string, error) {
	payload, err := msgpack.Marshal(canonicalFields{
		Venue:        normalize(f.Venue),
		Symbol:       normalize(f.Symbol),
		Side:         normalize(f.Side),
		Type:         normalize(f.Type),
		Amount:       formatNumber(f.Amount),
		Price:        formatNumber(f.Price),
		ReduceOnly:   f.ReduceOnly,
		TimeInForce:  normalize(f.TimeInForce),
		PositionSide: normalize(f.PositionSide),
		DryRun:       f.DryRun,
	})
	if err != nil {
		return "", err
	}
	return crypto.Keccak256Hash(payload).Hex(), nil
}

func normalize(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func formatNumber(v float64) string {
	if v == 0 {
		return "0"
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
