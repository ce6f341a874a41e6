package store

import (
	"sort"

	"parkbeat/pkg/models"
)

const recentContributionLimit = 10

// Summarize derives the deterministic contribution rollup embedded in
// every projectData fan-out. Only funding contributions count toward
// amounts; contributor count spans both kinds.
func Summarize(contributions []models.ProjectContribution) models.ContributionSummary {
	summary := models.ContributionSummary{
		TopContributors:     []models.TopContributor{},
		RecentContributions: []models.ProjectContribution{},
	}

	byUser := make(map[string]*models.TopContributor)
	seenUsers := make(map[string]bool)

	for _, c := range contributions {
		seenUsers[c.UserID] = true
		if c.Kind != models.ContributionFunding || c.AmountCents == nil {
			continue
		}
		summary.TotalAmountCents += *c.AmountCents
		top, ok := byUser[c.UserID]
		if !ok {
			top = &models.TopContributor{UserID: c.UserID, FirstAt: c.CreatedAt}
			byUser[c.UserID] = top
		}
		top.AmountCents += *c.AmountCents
		if c.CreatedAt.Before(top.FirstAt) {
			top.FirstAt = c.CreatedAt
		}
	}
	summary.ContributorCount = len(seenUsers)

	for _, top := range byUser {
		summary.TopContributors = append(summary.TopContributors, *top)
	}
	// Descending by amount; ties broken by earliest first contribution.
	sort.Slice(summary.TopContributors, func(i, j int) bool {
		a, b := summary.TopContributors[i], summary.TopContributors[j]
		if a.AmountCents != b.AmountCents {
			return a.AmountCents > b.AmountCents
		}
		return a.FirstAt.Before(b.FirstAt)
	})

	// Last 10 by created_at descending.
	recent := make([]models.ProjectContribution, len(contributions))
	copy(recent, contributions)
	sort.Slice(recent, func(i, j int) bool {
		return recent[i].CreatedAt.After(recent[j].CreatedAt)
	})
	if len(recent) > recentContributionLimit {
		recent = recent[:recentContributionLimit]
	}
	summary.RecentContributions = recent

	return summary
}
