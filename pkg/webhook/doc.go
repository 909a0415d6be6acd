// Package webhook delivers signed job notifications with bounded retry.
//
// Invariants:
// - A delivery row is written in the same transaction as the task that sends it.
// - The body POSTed is byte-identical to the stored payload and to what was signed.
// - A delivery marked sent is never attempted again.
// - The last permitted attempt that fails marks the delivery failed.
//
// Usage:
//
//	d, _ := webhook.NewDispatcher(webhook.Config{Store: st, Queue: q, Secret: secret})
//	_ = st.WithTenant(ctx, tenantID, func(tx *store.Tx) error {
//		_, err := d.EnqueueTx(ctx, tx, jobID, url, webhook.EventJobSucceeded, payload)
//		return err
//	})
package webhook
