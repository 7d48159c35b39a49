// Copyright (C) 2026 Strand
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"sort"

	"github.com/samber/lo"

	"github.com/strandhq/strand/internal/config"
	"github.com/strandhq/strand/internal/gitops"
)

// classifyTier picks the smallest tier whose thresholds admit the change.
// A threshold of -1 means unlimited. When nothing matches, the most
// permissive tier wins.
func classifyTier(stats *gitops.ChangeStats, tiers map[string]config.TierConfig) (string, config.TierConfig) {
	names := lo.Keys(tiers)
	sort.Slice(names, func(i, j int) bool {
		return tierCapacity(tiers[names[i]]) < tierCapacity(tiers[names[j]])
	})

	for _, name := range names {
		tier := tiers[name]
		if fits(stats.FilesChanged, tier.MaxFiles) && fits(stats.LinesChanged, tier.MaxLines) {
			return name, tier
		}
	}

	last := names[len(names)-1]
	return last, tiers[last]
}

func fits(value, limit int) bool {
	return limit == -1 || value <= limit
}

// tierCapacity orders tiers by line budget, unlimited last.
func tierCapacity(t config.TierConfig) int {
	if t.MaxLines == -1 {
		return int(^uint(0) >> 1)
	}
	return t.MaxLines
}
