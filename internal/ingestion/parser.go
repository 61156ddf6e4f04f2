package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"GuildLedger/internal/asset"
	"GuildLedger/internal/money"
)

// DepositNotice is the wire payload published by the chain watcher when a
// transfer lands on a custodial deposit address. Field names are snake_case
// to match the upstream producer.
type DepositNotice struct {
	Scope           string `json:"scope"`
	SenderAddress   string `json:"sender_address"`
	ReceiverAddress string `json:"receiver_address"`
	Asset           string `json:"asset"`
	Amount          string `json:"amount"`
	ExternalTxRef   string `json:"external_tx_ref"`
}

var errMissingField = errors.New("missing required field")

// ParseDepositNotice decodes and validates a deposit payload. A notice that
// fails here is malformed at the producer and will never become valid, so
// callers should ack and drop rather than redeliver.
func ParseDepositNotice(data []byte) (DepositNotice, error) {
	var n DepositNotice
	if err := json.Unmarshal(data, &n); err != nil {
		return DepositNotice{}, fmt.Errorf("parse deposit notice: %w", err)
	}

	n.Scope = strings.TrimSpace(n.Scope)
	n.ReceiverAddress = strings.TrimSpace(n.ReceiverAddress)
	n.ExternalTxRef = strings.TrimSpace(n.ExternalTxRef)

	switch {
	case n.Scope == "":
		return DepositNotice{}, fmt.Errorf("%w: scope", errMissingField)
	case n.ReceiverAddress == "":
		return DepositNotice{}, fmt.Errorf("%w: receiver_address", errMissingField)
	case n.ExternalTxRef == "":
		return DepositNotice{}, fmt.Errorf("%w: external_tx_ref", errMissingField)
	}

	if err := asset.Validate(n.Asset); err != nil {
		return DepositNotice{}, err
	}
	if !money.IsPositive(n.Amount) {
		return DepositNotice{}, fmt.Errorf("non-positive deposit amount %q", n.Amount)
	}
	n.Amount = money.Normalize(n.Amount)

	return n, nil
}
