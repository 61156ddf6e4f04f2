package ingestion

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"GuildLedger/internal/ledger"
	"GuildLedger/internal/observability"
)

// Crediter is the slice of the balance ledger the processor needs.
type Crediter interface {
	Credit(ctx context.Context, p ledger.CreditParams) (string, error)
}

// Outcome tells the transport what to do with the message.
type Outcome int

const (
	// OutcomeAck means processed (or unprocessable forever); do not redeliver.
	OutcomeAck Outcome = iota
	// OutcomeRetry means a transient failure; redeliver later.
	OutcomeRetry
)

// Processor turns deposit notices into ledger credits. Idempotency rides on
// the external tx ref: the ledger's unique index rejects a second credit for
// the same ref and the duplicate is acked silently.
type Processor struct {
	book    *AddressBook
	ledger  Crediter
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewProcessor(book *AddressBook, l Crediter, log zerolog.Logger, metrics *observability.Metrics) *Processor {
	return &Processor{book: book, ledger: l, log: log, metrics: metrics}
}

// Process handles one raw deposit payload and reports the delivery outcome.
func (p *Processor) Process(ctx context.Context, data []byte) Outcome {
	notice, err := ParseDepositNotice(data)
	if err != nil {
		// Malformed at the producer; redelivery can never fix it.
		p.log.Warn().Err(err).Msg("dropping malformed deposit notice")
		p.countOutcome("invalid")
		return OutcomeAck
	}

	userID, err := p.book.Resolve(ctx, notice.Scope, notice.ReceiverAddress)
	if errors.Is(err, ErrUnknownAddress) {
		p.log.Warn().
			Str("scope", notice.Scope).
			Str("address", notice.ReceiverAddress).
			Str("tx_ref", notice.ExternalTxRef).
			Msg("deposit to unregistered address dropped")
		p.countOutcome("unknown_address")
		return OutcomeAck
	}
	if err != nil {
		p.log.Error().Err(err).Msg("resolving deposit address failed")
		return OutcomeRetry
	}

	_, err = p.ledger.Credit(ctx, ledger.CreditParams{
		Scope:       notice.Scope,
		UserID:      userID,
		Asset:       notice.Asset,
		Amount:      notice.Amount,
		ExternalRef: notice.ExternalTxRef,
		Kind:        ledger.KindDeposit,
		Description: "deposit from " + notice.SenderAddress,
	})
	if errors.Is(err, ledger.ErrDuplicateExternalRef) {
		// Redelivery of an already-credited deposit.
		p.log.Debug().Str("tx_ref", notice.ExternalTxRef).Msg("duplicate deposit acked")
		p.countOutcome("duplicate")
		return OutcomeAck
	}
	if err != nil {
		p.log.Error().Err(err).Str("tx_ref", notice.ExternalTxRef).Msg("deposit credit failed")
		return OutcomeRetry
	}

	p.countOutcome("credited")
	p.log.Info().
		Str("scope", notice.Scope).
		Str("user", userID).
		Str("asset", notice.Asset).
		Str("amount", notice.Amount).
		Str("tx_ref", notice.ExternalTxRef).
		Msg("deposit credited")
	return OutcomeAck
}

func (p *Processor) countOutcome(outcome string) {
	if p.metrics != nil {
		p.metrics.DepositsIngested.WithLabelValues(outcome).Inc()
	}
}
