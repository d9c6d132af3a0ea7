package router

// Signals are the detection facts the escalation predicate gates on.
type Signals struct {
	DiscountPct   float64
	ZScore        float64
	Price         float64
	OriginalPrice float64
	// Confidence is the upstream detector's 0-100 estimate.
	Confidence  float64
	AnomalyType string
}

// IsUnicorn decides whether a detection is valuable enough to spend a
// sota-tier validation call on. Pure; it gates, it does not count.
func IsUnicorn(s Signals) bool {
	if s.DiscountPct > 85 && s.Confidence > 70 {
		return true
	}
	if s.ZScore > 4.5 {
		return true
	}
	if s.OriginalPrice > 500 && s.DiscountPct > 70 {
		return true
	}
	if s.AnomalyType == "decimal_error" {
		return true
	}
	// A 10x/100x price ratio in either direction is a decimal-error
	// signature even when the classifier labelled it otherwise.
	if s.Price > 0 && s.OriginalPrice > 0 {
		ratio := s.OriginalPrice / s.Price
		if ratio >= 10 || ratio <= 0.1 {
			return true
		}
	}
	return false
}
