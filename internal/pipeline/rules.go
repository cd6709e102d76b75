package pipeline

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"horse.fit/eventfamily/internal/canon"
	"horse.fit/eventfamily/internal/db"
	"horse.fit/eventfamily/internal/globaltime"
)

// DBRuleSource loads the active rows of ef.canonical_rules.
type DBRuleSource struct {
	Pool *db.Pool
}

func (s DBRuleSource) LoadRules(ctx context.Context) ([]canon.Rule, error) {
	if s.Pool == nil {
		return nil, fmt.Errorf("rule source has no database pool")
	}
	const query = `
SELECT rule_id, pattern, pattern_type, canonical_token, priority
FROM ef.canonical_rules
WHERE active
ORDER BY priority, rule_id
`
	rows, err := s.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("select canonical rules: %w", err)
	}
	defer rows.Close()

	var rules []canon.Rule
	for rows.Next() {
		var (
			rule     canon.Rule
			ruleType string
		)
		if err := rows.Scan(&rule.ID, &rule.Pattern, &ruleType, &rule.Canonical, &rule.Priority); err != nil {
			return nil, fmt.Errorf("scan canonical rule: %w", err)
		}
		rule.Type = canon.RuleType(ruleType)
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate canonical rules: %w", err)
	}
	return rules, nil
}

type RuleSyncResult struct {
	Upserted    int   `json:"upserted"`
	Deactivated int64 `json:"deactivated"`
}

// SyncRules makes ef.canonical_rules mirror rules: listed ids are upserted and
// active, every other row is deactivated. Rule ids are kept so rule hits stay
// traceable across syncs.
func SyncRules(ctx context.Context, pool *db.Pool, rules []canon.Rule) (RuleSyncResult, error) {
	var result RuleSyncResult
	if pool == nil {
		return result, db.ErrNotInitialized
	}

	now := globaltime.UTC().Truncate(time.Microsecond)
	rows := make([]db.CanonicalRule, 0, len(rules))
	for _, rule := range rules {
		rows = append(rows, db.CanonicalRule{
			RuleID:         rule.ID,
			Pattern:        rule.Pattern,
			PatternType:    string(rule.Type),
			CanonicalToken: rule.Canonical,
			Priority:       rule.Priority,
			Active:         true,
			UpdatedAt:      now,
		})
	}

	err := pool.InTx(ctx, func(tx db.Tx) error {
		if len(rows) > 0 {
			err := tx.GORM().WithContext(ctx).
				Clauses(clause.OnConflict{
					Columns: []clause.Column{{Name: "rule_id"}},
					DoUpdates: clause.AssignmentColumns([]string{
						"pattern", "pattern_type", "canonical_token", "priority", "active", "updated_at",
					}),
				}).
				Create(&rows).Error
			if err != nil {
				return fmt.Errorf("upsert canonical rules: %w", err)
			}
			// Ids come from the rule file, so move the sequence past them.
			_, err = tx.Exec(ctx, `SELECT setval(pg_get_serial_sequence('ef.canonical_rules', 'rule_id'), (SELECT MAX(rule_id) FROM ef.canonical_rules))`)
			if err != nil {
				return fmt.Errorf("advance canonical rule sequence: %w", err)
			}
		}
		tag, err := tx.Exec(ctx, `UPDATE ef.canonical_rules SET active = false, updated_at = $1 WHERE active AND updated_at < $1`, now)
		if err != nil {
			return fmt.Errorf("deactivate canonical rules: %w", err)
		}
		result.Upserted = len(rows)
		result.Deactivated = tag.RowsAffected()
		return nil
	})
	return result, err
}
