package invoice

import (
	"github.com/samber/lo"
	"github.com/warp/settlement-engine/generic"
)

// Bucket is the list a UI renders an invoice in.
type Bucket string

const (
	BucketReady      Bucket = "ready"       // due and not sent: bill today
	BucketInProgress Bucket = "in_progress" // materialized early, not yet due
	BucketSent       Bucket = "sent"
)

// BucketOf classifies one invoice as of today. Partial invoices stay ready
// until fully sent.
func BucketOf(inv *Invoice, today generic.Date) Bucket {
	switch {
	case inv.SendStatus == Sent:
		return BucketSent
	case inv.DueDate.BeforeOrEqual(today):
		return BucketReady
	default:
		return BucketInProgress
	}
}

// Classification groups invoices by bucket, each in period order.
type Classification struct {
	Ready      []*Invoice
	InProgress []*Invoice
	Sent       []*Invoice
}

func Classify(invoices []*Invoice, today generic.Date) Classification {
	groups := lo.GroupBy(invoices, func(inv *Invoice) Bucket { return BucketOf(inv, today) })
	return Classification{
		Ready:      groups[BucketReady],
		InProgress: groups[BucketInProgress],
		Sent:       groups[BucketSent],
	}
}
