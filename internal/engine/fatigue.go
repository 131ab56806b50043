package engine

// UserIsNoisy reports whether the user already reached the per-window cap (inclusive).
func UserIsNoisy(count10Min, limit int) bool { return count10Min >= limit }

// PromotionCapExceeded reports whether the promotional quota for the window is used up.
func PromotionCapExceeded(promoCount10Min, promoLimit int) bool {
	return promoCount10Min >= promoLimit
}
