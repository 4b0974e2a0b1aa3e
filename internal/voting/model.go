package voting

// Vote records that a user has voted for an item, unique per pair. The
// row's existence is the source of truth; the item's vote counter and
// ranking score are derived from it and updated in the same transaction.
type Vote struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	ItemID           string `gorm:"column:item_id;primaryKey;size:190;not null;index:idx_votes_item"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Vote) TableName() string {
	return "votes"
}
