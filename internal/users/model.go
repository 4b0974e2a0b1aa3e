package users

// User is a registered account. Follower/following counts live in the
// counter store under the user's id; only the credential hash is stored,
// never the password.
type User struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Username         string `gorm:"column:username;size:190;not null;uniqueIndex:idx_users_username"`
	PasswordHash     string `gorm:"column:password_hash;size:60;not null"`
	Birthday         string `gorm:"column:birthday;size:32"`
	Bio              string `gorm:"column:bio;size:512"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (User) TableName() string {
	return "users"
}
