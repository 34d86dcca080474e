// Package fees computes the platform/publisher split for a priced
// invocation. Pure arithmetic, no I/O.
package fees

// DefaultPercent is the platform's cut of every settled invocation.
const DefaultPercent = 15

// Split divides price into the platform fee and the publisher's share.
// The fee is floored, so the platform absorbs the rounding remainder;
// the two parts always sum back to price.
func Split(price, percent int64) (platformFee, publisherAmount int64) {
	platformFee = price * percent / 100
	publisherAmount = price - platformFee
	return platformFee, publisherAmount
}
