package issuance

import (
	"context"

	"go.opentelemetry.io/otel/attribute"

	"icreserve/crypto"
	"icreserve/native/fixed"
)

// Transfer moves currency between two KYC-approved accounts. Registered
// transfer hooks run before the transfer commits; a hook error rolls it back.
func (c *Controller) Transfer(ctx context.Context, from, to string, amount fixed.Amount) error {
	from = crypto.NormalizeAccount(from)
	to = crypto.NormalizeAccount(to)
	attrs := []attribute.KeyValue{
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("amount", amount.String()),
	}
	return c.mutate(ctx, "transfer", attrs, func(tx *txn) error {
		if err := c.token.Transfer(tx.ctx, from, to, amount); err != nil {
			return err
		}
		tx.touchAccount(from)
		tx.touchAccount(to)
		return nil
	})
}
