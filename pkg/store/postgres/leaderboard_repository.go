package postgres

import (
	"context"
	"sort"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/coursegrid/coursegrid/pkg/model"
)

// LeaderboardRepository works on the leaderboards of one tenant database.
type LeaderboardRepository struct {
	db *gorm.DB
}

func NewLeaderboardRepository(db *gorm.DB) *LeaderboardRepository {
	return &LeaderboardRepository{db: db}
}

type userScore struct {
	UserID uint64
	Score  int
}

// Compute totals enrolment scores per active user and stores the ranked
// entries of period. Entries are keyed by (period, user) so a rerun
// overwrites rather than duplicates.
func (r *LeaderboardRepository) Compute(ctx context.Context, period string) ([]model.LeaderboardEntry, error) {
	var entries []model.LeaderboardEntry
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var scores []userScore
		err := tx.Model(&model.Enrolment{}).
			Select("enrolments.user_id AS user_id, SUM(enrolments.score) AS score").
			Joins("JOIN users ON users.id = enrolments.user_id").
			Where("users.is_deleted = ? AND users.is_active = ?", false, true).
			Group("enrolments.user_id").
			Scan(&scores).Error
		if err != nil {
			return err
		}
		sort.SliceStable(scores, func(i, j int) bool {
			if scores[i].Score != scores[j].Score {
				return scores[i].Score > scores[j].Score
			}
			return scores[i].UserID < scores[j].UserID
		})

		entries = make([]model.LeaderboardEntry, 0, len(scores))
		for i, s := range scores {
			entries = append(entries, model.LeaderboardEntry{Period: period, UserID: s.UserID, Score: s.Score, Rank: i + 1})
		}
		if len(entries) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "period"}, {Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"score", "rank", "modified_at"}),
		}).Create(&entries).Error
	})
	return entries, err
}

func (r *LeaderboardRepository) List(ctx context.Context, period string) ([]model.LeaderboardEntry, error) {
	var entries []model.LeaderboardEntry
	err := r.db.WithContext(ctx).
		Where("period = ?", period).
		Order("rank ASC").
		Find(&entries).Error
	return entries, err
}
