package models

// PlanTier is the subscription level of an organization
type PlanTier string

const (
	PlanFree       PlanTier = "FREE"
	PlanStarter    PlanTier = "STARTER"
	PlanPro        PlanTier = "PRO"
	PlanEnterprise PlanTier = "ENTERPRISE"
)

// ProductFeature represents a feature that can be enabled/disabled per plan
type ProductFeature string

const (
	FeatureDripCampaigns     ProductFeature = "drip_campaigns"
	FeatureABTesting         ProductFeature = "ab_testing"
	FeatureCSVImport         ProductFeature = "csv_import"
	FeatureAPIAccess         ProductFeature = "api_access"
	FeatureExport            ProductFeature = "export"
	FeatureAdvancedAnalytics ProductFeature = "advanced_analytics"
)

// PlanFeatureConfig is the availability of one feature on one plan.
// Limit 0 means unlimited.
type PlanFeatureConfig struct {
	Enabled bool `json:"enabled"`
	Limit   int  `json:"limit"`
}

// PlanLimits is the numeric quota table of a plan. 0 means unlimited.
type PlanLimits struct {
	MaxContacts  int `json:"maxContacts"`
	MaxCampaigns int `json:"maxCampaigns"`
}

var planFeatures = map[PlanTier]map[ProductFeature]PlanFeatureConfig{
	PlanFree: {
		FeatureDripCampaigns: {Enabled: true, Limit: 1},
		FeatureCSVImport:     {Enabled: true, Limit: 500},
	},
	PlanStarter: {
		FeatureDripCampaigns: {Enabled: true, Limit: 5},
		FeatureCSVImport:     {Enabled: true, Limit: 5000},
		FeatureExport:        {Enabled: true},
	},
	PlanPro: {
		FeatureDripCampaigns:     {Enabled: true, Limit: 50},
		FeatureABTesting:         {Enabled: true},
		FeatureCSVImport:         {Enabled: true, Limit: 50000},
		FeatureAPIAccess:         {Enabled: true},
		FeatureExport:            {Enabled: true},
		FeatureAdvancedAnalytics: {Enabled: true},
	},
	PlanEnterprise: {
		FeatureDripCampaigns:     {Enabled: true},
		FeatureABTesting:         {Enabled: true},
		FeatureCSVImport:         {Enabled: true},
		FeatureAPIAccess:         {Enabled: true},
		FeatureExport:            {Enabled: true},
		FeatureAdvancedAnalytics: {Enabled: true},
	},
}

var planLimits = map[PlanTier]PlanLimits{
	PlanFree:       {MaxContacts: 500, MaxCampaigns: 1},
	PlanStarter:    {MaxContacts: 5000, MaxCampaigns: 5},
	PlanPro:        {MaxContacts: 50000, MaxCampaigns: 50},
	PlanEnterprise: {},
}

// HasFeature checks if a plan has a specific feature enabled. Unknown plans
// fall back to FREE.
func (p PlanTier) HasFeature(feature ProductFeature) bool {
	return p.feature(feature).Enabled
}

// GetFeatureLimit returns the limit for a specific feature
func (p PlanTier) GetFeatureLimit(feature ProductFeature) int {
	return p.feature(feature).Limit
}

func (p PlanTier) Limits() PlanLimits {
	if l, ok := planLimits[p]; ok {
		return l
	}
	return planLimits[PlanFree]
}

func (p PlanTier) feature(feature ProductFeature) PlanFeatureConfig {
	features, ok := planFeatures[p]
	if !ok {
		features = planFeatures[PlanFree]
	}
	return features[feature]
}

// Features lists the features enabled on the plan.
func (p PlanTier) Features() map[ProductFeature]PlanFeatureConfig {
	features, ok := planFeatures[p]
	if !ok {
		features = planFeatures[PlanFree]
	}
	out := make(map[ProductFeature]PlanFeatureConfig, len(features))
	for f, cfg := range features {
		out[f] = cfg
	}
	return out
}

// Valid reports whether p is a known plan.
func (p PlanTier) Valid() bool {
	_, ok := planLimits[p]
	return ok
}
