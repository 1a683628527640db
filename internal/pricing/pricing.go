// Package pricing is the single place where unit prices, tax, shipping and
// discounts are computed. Order placement, checkout session creation and
// payment reconciliation all go through it.
package pricing

import "math"

const (
	TierRetail    = "retail"
	TierWholesale = "wholesale"
)

// Policy holds the store-wide charges.
type Policy struct {
	TaxRate          float64
	FreeShippingOver float64
	ShippingFee      float64
}

func DefaultPolicy() Policy {
	return Policy{TaxRate: 0.05, FreeShippingOver: 10000, ShippingFee: 500}
}

// Tiered is the subset of a product needed to pick a price tier.
type Tiered struct {
	RetailPrice          float64
	WholesalePrice       float64
	MinWholesaleQuantity int
}

// TierPrice returns the unit price and tier for quantity.
func TierPrice(p Tiered, quantity int) (float64, string) {
	if p.MinWholesaleQuantity > 0 && quantity >= p.MinWholesaleQuantity {
		return p.WholesalePrice, TierWholesale
	}
	return p.RetailPrice, TierRetail
}

type Line struct {
	UnitPrice float64
	Quantity  int
}

type Quote struct {
	Subtotal float64 `json:"subtotal"`
	Discount float64 `json:"discount"`
	Tax      float64 `json:"tax"`
	Shipping float64 `json:"shipping_cost"`
	Total    float64 `json:"total"`
}

func Subtotal(lines []Line) float64 {
	var sum float64
	for _, l := range lines {
		sum += l.UnitPrice * float64(l.Quantity)
	}
	return Round(sum)
}

// Quote prices lines. Tax and shipping are computed on the undiscounted
// subtotal; the total never drops below zero.
func (p Policy) Quote(lines []Line, discount float64) Quote {
	subtotal := Subtotal(lines)
	tax := Round(subtotal * p.TaxRate)
	shipping := p.ShippingFee
	if subtotal > p.FreeShippingOver {
		shipping = 0
	}
	if discount < 0 {
		discount = 0
	}
	discount = Round(discount)
	total := Round(subtotal + tax + shipping - discount)
	if total < 0 {
		total = 0
	}
	return Quote{Subtotal: subtotal, Discount: discount, Tax: tax, Shipping: shipping, Total: total}
}

// MinorUnits converts a major-unit amount to the integer minor units used by
// the payment provider.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

func FromMinorUnits(amount int64) float64 {
	return Round(float64(amount) / 100)
}

func Round(v float64) float64 {
	return math.Round(v*100) / 100
}
