package drip

import (
	"hash/fnv"
	"math"
	"sort"

	"chirp/internal/models"
)

// AssignVariant picks a variant for an enrollment by weight. The choice is a
// pure function of the test and enrollment ids, so repeated calls agree.
// Variants with zero total weight are treated as equally weighted.
func AssignVariant(testID, enrollmentID string, variants []models.ABVariant) *models.ABVariant {
	if len(variants) == 0 {
		return nil
	}
	sorted := append([]models.ABVariant(nil), variants...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	total := 0
	for _, v := range sorted {
		if v.Weight > 0 {
			total += v.Weight
		}
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(testID + ":" + enrollmentID))
	sum := h.Sum32()

	if total == 0 {
		return &sorted[int(sum%uint32(len(sorted)))]
	}
	point := int(sum % uint32(total))
	for i := range sorted {
		if sorted[i].Weight <= 0 {
			continue
		}
		if point < sorted[i].Weight {
			return &sorted[i]
		}
		point -= sorted[i].Weight
	}
	return &sorted[len(sorted)-1]
}

// Successes counts the events metric treats as a success.
func Successes(metric models.ABMetric, c StepCounts) int {
	switch metric {
	case models.ABMetricDeliveryRate:
		return c.Delivered
	case models.ABMetricReplyRate:
		return c.Replied
	case models.ABMetricClickRate:
		return c.Clicked
	default:
		return c.Read
	}
}

// TwoProportionZTest compares success rates s1/n1 and s2/n2 with a pooled
// standard error and returns z and the two-tailed p-value. Degenerate input
// (an empty sample or no variance) yields z=0, p=1.
func TwoProportionZTest(s1, n1, s2, n2 int) (z, p float64) {
	if n1 <= 0 || n2 <= 0 {
		return 0, 1
	}
	p1 := float64(s1) / float64(n1)
	p2 := float64(s2) / float64(n2)
	pooled := float64(s1+s2) / float64(n1+n2)
	se := math.Sqrt(pooled * (1 - pooled) * (1/float64(n1) + 1/float64(n2)))
	if se == 0 {
		return 0, 1
	}
	z = (p1 - p2) / se
	p = math.Erfc(math.Abs(z) / math.Sqrt2)
	return z, p
}

type VariantResult struct {
	VariantID string  `json:"variantId"`
	Name      string  `json:"name"`
	Sent      int     `json:"sent"`
	Successes int     `json:"successes"`
	Rate      float64 `json:"rate"`
}

type Evaluation struct {
	TestID        string          `json:"testId"`
	Metric        models.ABMetric `json:"metric"`
	Variants      []VariantResult `json:"variants"`
	ZScore        float64         `json:"zScore"`
	PValue        float64         `json:"pValue"`
	Confidence    float64         `json:"confidence"`
	EnoughSamples bool            `json:"enoughSamples"`
	Significant   bool            `json:"significant"`
	Winner        *VariantResult  `json:"winner,omitempty"`
	Reason        string          `json:"reason"`
}

// EvaluateTest ranks variants by rate and tests the leader against the
// runner-up. A winner exists only when every variant reached the minimum
// sample size and p < 1 - confidence level.
func EvaluateTest(test models.ABTest, counts map[string]StepCounts) Evaluation {
	ev := Evaluation{TestID: test.ID, Metric: test.Metric, Confidence: test.ConfidenceLevel, PValue: 1}
	if ev.Confidence <= 0 || ev.Confidence >= 1 {
		ev.Confidence = 0.95
	}
	minSample := test.MinSampleSize
	if minSample <= 0 {
		minSample = 100
	}

	ev.EnoughSamples = len(test.Variants) >= 2
	for _, v := range test.Variants {
		c := counts[v.ID]
		s := Successes(test.Metric, c)
		ev.Variants = append(ev.Variants, VariantResult{
			VariantID: v.ID,
			Name:      v.Name,
			Sent:      c.Sent,
			Successes: s,
			Rate:      ratio(s, c.Sent),
		})
		if c.Sent < minSample {
			ev.EnoughSamples = false
		}
	}
	sort.SliceStable(ev.Variants, func(i, j int) bool { return ev.Variants[i].Rate > ev.Variants[j].Rate })

	if len(ev.Variants) < 2 {
		ev.Reason = "test needs at least two variants"
		return ev
	}

	leader, runnerUp := ev.Variants[0], ev.Variants[1]
	ev.ZScore, ev.PValue = TwoProportionZTest(leader.Successes, leader.Sent, runnerUp.Successes, runnerUp.Sent)
	ev.Significant = ev.PValue < 1-ev.Confidence && leader.Rate > runnerUp.Rate

	switch {
	case !ev.EnoughSamples:
		ev.Reason = "waiting for minimum sample size"
	case !ev.Significant:
		ev.Reason = "difference is not significant"
	default:
		w := leader
		ev.Winner = &w
		ev.Reason = "winner found"
	}
	return ev
}
