package graph

// Edge is a directed follow relationship between two users, unique per
// ordered pair. The pair is the source of truth; the follower/following
// counters are derived from it and maintained in the same transaction.
type Edge struct {
	FollowerID       string `gorm:"column:follower_id;primaryKey;size:190;not null;index:idx_edges_follower"`
	FollowingID      string `gorm:"column:following_id;primaryKey;size:190;not null;index:idx_edges_following"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Edge) TableName() string {
	return "follow_edges"
}
