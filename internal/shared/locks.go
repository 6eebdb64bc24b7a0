package shared

import "fmt"

// OfferNumberLockKey builds the advisory lock key guarding one offer number prefix.
func OfferNumberLockKey(prefix string) string {
	return fmt.Sprintf("offers:number:%s", prefix)
}
