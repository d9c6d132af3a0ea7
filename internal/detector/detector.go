package detector

import (
	"math"
	"sort"
)

const (
	// minHistory is the floor below which the robust statistics abstain.
	minHistory = 10

	// madScale rescales MAD to be consistent with the standard deviation
	// of a normal distribution.
	madScale = 1.4826

	// iqrTuning is the fence multiplier for the medcouple-adjusted IQR.
	iqrTuning = 2.2

	discountThreshold = 50.0
	madThreshold      = 3.0
	zThreshold        = 3.0
	decimalRatio      = 0.01
)

// AnomalyType labels which signal classified an observation.
type AnomalyType string

const (
	TypeNone           AnomalyType = "none"
	TypeDecimalError   AnomalyType = "decimal_error"
	TypeMADScore       AnomalyType = "mad_score"
	TypeIQROutlier     AnomalyType = "iqr_outlier"
	TypePercentageDrop AnomalyType = "percentage_drop"
	TypeZScore         AnomalyType = "z_score"
)

// Result carries every signal computed for one observation.
type Result struct {
	IsAnomaly   bool        `json:"is_anomaly"`
	Type        AnomalyType `json:"anomaly_type"`
	ZScore      float64     `json:"z_score"`
	MADScore    float64     `json:"mad_score"`
	IQRFlag     bool        `json:"iqr_flag"`
	DiscountPct float64     `json:"discount_percentage"`
	Confidence  float64     `json:"confidence"`
}

// Median returns the middle element of values ordered by value, the mean
// of the two middle elements for even lengths, and 0 for empty input.
func Median(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// Medcouple computes a robust skewness statistic in [-1, 1]. It needs at
// least 4 samples and returns 0 otherwise.
func Medcouple(values []float64) float64 {
	if len(values) < 4 {
		return 0
	}

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	med := Median(sorted)

	var left, right []float64
	for _, v := range sorted {
		if v <= med {
			left = append(left, v)
		}
		if v >= med {
			right = append(right, v)
		}
	}

	kernels := make([]float64, 0, len(left)*len(right))
	for _, l := range left {
		for _, r := range right {
			if l == med && r == med {
				continue
			}
			num := (r - med) - (med - l)
			den := r - l
			if math.Abs(den) < 1e-10 {
				kernels = append(kernels, sign(num))
				continue
			}
			kernels = append(kernels, num/den)
		}
	}
	if len(kernels) == 0 {
		return 0
	}
	return Median(kernels)
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

// DoubleMADScore measures how far current sits below the historical median
// in units of the one-sided MAD. Positive scores mean the price is below
// the expected level. Needs at least 10 historical samples, else 0.
func DoubleMADScore(current float64, history []float64) float64 {
	if len(history) < minHistory {
		return 0
	}

	med := Median(history)

	var lowerDev, upperDev, allDev []float64
	for _, v := range history {
		dev := math.Abs(v - med)
		allDev = append(allDev, dev)
		if v <= med {
			lowerDev = append(lowerDev, dev)
		} else {
			upperDev = append(upperDev, dev)
		}
	}

	lowerMAD := Median(lowerDev) * madScale
	upperMAD := Median(upperDev) * madScale

	mad := upperMAD
	other := lowerMAD
	if current <= med {
		mad = lowerMAD
		other = upperMAD
	}
	if mad == 0 {
		mad = other
	}
	if mad == 0 {
		mad = Median(allDev) * madScale
	}
	if mad == 0 {
		return 0
	}

	return (med - current) / mad
}

// OutsideAdjustedIQR reports whether current falls outside the
// medcouple-adjusted Tukey fences of the history. Needs at least 10
// samples, else false.
func OutsideAdjustedIQR(current float64, history []float64) bool {
	if len(history) < minHistory {
		return false
	}

	sorted := make([]float64, len(history))
	copy(sorted, history)
	sort.Float64s(sorted)

	q1 := sorted[len(sorted)/4]
	q3 := sorted[(3*len(sorted))/4]
	iqr := q3 - q1
	if iqr == 0 {
		return false
	}

	mc := Medcouple(sorted)

	// Right-skew aware fences: a long right tail widens the upper fence
	// and tightens the lower one.
	lower := q1 - iqrTuning*math.Exp(-4*mc)*iqr
	upper := q3 + iqrTuning*math.Exp(3*mc)*iqr

	return current < lower || current > upper
}

func zScore(current float64, history []float64) float64 {
	if len(history) < 2 {
		return 0
	}

	var sum float64
	for _, v := range history {
		sum += v
	}
	mean := sum / float64(len(history))

	var sq float64
	for _, v := range history {
		sq += (v - mean) * (v - mean)
	}
	std := math.Sqrt(sq / float64(len(history)-1))
	if std == 0 {
		return 0
	}
	return (mean - current) / std
}

// Detect classifies a single price observation against its history. It is
// pure and safe to call from any number of goroutines.
func Detect(current, original float64, history []float64) Result {
	res := Result{Type: TypeNone}

	if original > 0 {
		res.DiscountPct = (original - current) / original * 100
	}
	res.ZScore = zScore(current, history)
	res.MADScore = DoubleMADScore(current, history)
	res.IQRFlag = OutsideAdjustedIQR(current, history)

	decimalError := original > 0 && current/original < decimalRatio
	bigDiscount := res.DiscountPct > discountThreshold
	madHit := res.MADScore > madThreshold

	res.IsAnomaly = bigDiscount || madHit || decimalError

	switch {
	case decimalError:
		res.Type = TypeDecimalError
	case madHit:
		res.Type = TypeMADScore
	case res.IQRFlag:
		res.Type = TypeIQROutlier
	case bigDiscount:
		res.Type = TypePercentageDrop
	case res.ZScore > zThreshold:
		res.Type = TypeZScore
	}

	res.Confidence = confidence(res, decimalError, bigDiscount, madHit)
	return res
}

func confidence(r Result, decimalError, bigDiscount, madHit bool) float64 {
	var c float64
	switch {
	case decimalError:
		c = 95
	case madHit && bigDiscount:
		c = 90
	case madHit && r.IQRFlag:
		c = 85
	case madHit:
		c = 70 + math.Min(r.MADScore*5, 20)
	case r.IQRFlag && bigDiscount:
		c = 75
	case bigDiscount:
		c = 50 + math.Min(r.DiscountPct/2, 30)
	case r.ZScore > zThreshold:
		c = 70 + math.Min(r.ZScore*5, 20)
	default:
		return 0
	}
	return math.Min(c, 100)
}
