package content

// Item is a posted piece of content. The vote and comment counters live
// in the counter store under the item's id; the score column is the
// durable copy of the ranking index entry, mutated only through atomic
// delta updates.
type Item struct {
	ItemID           string  `gorm:"column:item_id;primaryKey;size:190;not null"`
	OwnerID          string  `gorm:"column:owner_id;size:190;not null;index:idx_items_owner"`
	PayloadRef       string  `gorm:"column:payload_ref;size:512;not null"`
	Score            float64 `gorm:"column:score;not null;default:0"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null;index:idx_items_owner,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Item) TableName() string {
	return "items"
}

// Comment is an append-only remark on an item. Comments are removed when
// their item is removed but survive the deletion of their author.
type Comment struct {
	CommentID        string `gorm:"column:comment_id;primaryKey;size:190;not null"`
	ItemID           string `gorm:"column:item_id;size:190;not null;index:idx_comments_item"`
	AuthorID         string `gorm:"column:author_id;size:190;not null"`
	Body             string `gorm:"column:body;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Comment) TableName() string {
	return "comments"
}
