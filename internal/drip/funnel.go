package drip

import (
	"fmt"
	"math"
	"sort"
	"time"

	"chirp/internal/models"
)

// StepCounts is the message tally of one campaign step (or one A/B variant).
type StepCounts struct {
	StepID    string `json:"stepId"`
	Position  int    `json:"position"`
	Name      string `json:"name"`
	Sent      int    `json:"sent"`
	Delivered int    `json:"delivered"`
	Read      int    `json:"read"`
	Replied   int    `json:"replied"`
	Clicked   int    `json:"clicked"`
	Failed    int    `json:"failed"`
	// Reached counts distinct logs that were sent or failed; a log that was
	// sent and later failed appears in both Sent and Failed but once here.
	Reached int `json:"reached"`
}

// EnrollmentCounts tallies a campaign's enrollments by status.
type EnrollmentCounts struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Stopped   int `json:"stopped"`
	Failed    int `json:"failed"`
}

type FunnelStep struct {
	StepCounts
	DeliveryRate float64 `json:"deliveryRate"`
	ReadRate     float64 `json:"readRate"`
	ReplyRate    float64 `json:"replyRate"`
	ClickRate    float64 `json:"clickRate"`
	// Conversion is the share of the previous step's recipients (or of all
	// enrollments for the first step) that received this step.
	Conversion float64 `json:"conversion"`
	DropOff    int     `json:"dropOff"`
}

type Funnel struct {
	CampaignID        string           `json:"campaignId"`
	Enrollments       EnrollmentCounts `json:"enrollments"`
	Steps             []FunnelStep     `json:"steps"`
	TotalSent         int              `json:"totalSent"`
	TotalReplied      int              `json:"totalReplied"`
	OverallConversion float64          `json:"overallConversion"`
}

// ratio is part/whole rounded to four decimals, 0 when whole is 0.
func ratio(part, whole int) float64 {
	if whole <= 0 {
		return 0
	}
	return math.Round(float64(part)/float64(whole)*10000) / 10000
}

// BuildFunnel orders steps by position and derives per-step rates. Overall
// conversion is completed enrollments over all enrollments.
func BuildFunnel(campaignID string, enrollments EnrollmentCounts, steps []StepCounts) Funnel {
	sorted := append([]StepCounts(nil), steps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Position < sorted[j].Position })

	f := Funnel{
		CampaignID:        campaignID,
		Enrollments:       enrollments,
		Steps:             make([]FunnelStep, 0, len(sorted)),
		OverallConversion: ratio(enrollments.Completed, enrollments.Total),
	}

	prev := enrollments.Total
	for _, s := range sorted {
		reached := s.Reached
		fs := FunnelStep{
			StepCounts:   s,
			DeliveryRate: ratio(s.Delivered, s.Sent),
			ReadRate:     ratio(s.Read, s.Sent),
			ReplyRate:    ratio(s.Replied, s.Sent),
			ClickRate:    ratio(s.Clicked, s.Sent),
			Conversion:   ratio(reached, prev),
		}
		if prev > reached {
			fs.DropOff = prev - reached
		}
		f.Steps = append(f.Steps, fs)
		f.TotalSent += s.Sent
		f.TotalReplied += s.Replied
		prev = reached
	}
	return f
}

type Granularity string

const (
	Daily   Granularity = "daily"
	Weekly  Granularity = "weekly"
	Monthly Granularity = "monthly"
)

func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case "", Daily:
		return Daily, nil
	case Weekly, Monthly:
		return Granularity(s), nil
	}
	return "", fmt.Errorf("unknown granularity %q", s)
}

// EnrollmentRecord is the slice of an enrollment cohort analysis needs.
type EnrollmentRecord struct {
	EnrolledAt time.Time
	Status     models.EnrollmentStatus
	Replied    bool
}

type Cohort struct {
	Period         string    `json:"period"`
	Start          time.Time `json:"start"`
	Enrolled       int       `json:"enrolled"`
	Completed      int       `json:"completed"`
	Stopped        int       `json:"stopped"`
	Replied        int       `json:"replied"`
	CompletionRate float64   `json:"completionRate"`
	ReplyRate      float64   `json:"replyRate"`
}

// cohortStart truncates t to the start of its period in UTC. Weeks are ISO
// weeks starting on Monday.
func cohortStart(t time.Time, g Granularity) (time.Time, string) {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch g {
	case Weekly:
		offset := (int(day.Weekday()) + 6) % 7
		start := day.AddDate(0, 0, -offset)
		year, week := start.ISOWeek()
		return start, fmt.Sprintf("%d-W%02d", year, week)
	case Monthly:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.Format("2006-01")
	default:
		return day, day.Format("2006-01-02")
	}
}

// BuildCohorts buckets enrollments by the period they enrolled in, oldest first.
func BuildCohorts(records []EnrollmentRecord, g Granularity) []Cohort {
	byStart := make(map[time.Time]*Cohort)
	for _, r := range records {
		start, label := cohortStart(r.EnrolledAt, g)
		c, ok := byStart[start]
		if !ok {
			c = &Cohort{Period: label, Start: start}
			byStart[start] = c
		}
		c.Enrolled++
		switch r.Status {
		case models.EnrollmentStatusCompleted:
			c.Completed++
		case models.EnrollmentStatusStopped:
			c.Stopped++
		}
		if r.Replied {
			c.Replied++
		}
	}

	cohorts := make([]Cohort, 0, len(byStart))
	for _, c := range byStart {
		c.CompletionRate = ratio(c.Completed, c.Enrolled)
		c.ReplyRate = ratio(c.Replied, c.Enrolled)
		cohorts = append(cohorts, *c)
	}
	sort.Slice(cohorts, func(i, j int) bool { return cohorts[i].Start.Before(cohorts[j].Start) })
	return cohorts
}
