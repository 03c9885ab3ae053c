// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for users and the
// read side of the follow graph.
package repo

import (
	"gorm.io/gorm"

	"github.com/tbourn/go-roomchat/internal/domain"
)

// CreateUser inserts a user. A taken username surfaces as a unique violation.
func CreateUser(db *gorm.DB, u *domain.User) error {
	if u.DMPolicy == "" {
		u.DMPolicy = domain.DMPolicyEveryone
	}
	return db.Create(u).Error
}

// GetUser fetches a user by id.
func GetUser(db *gorm.DB, id int64) (*domain.User, error) {
	var u domain.User
	if err := db.Where("id = ?", id).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUserByUsername fetches a user by exact (case-sensitive) username.
func GetUserByUsername(db *gorm.DB, username string) (*domain.User, error) {
	var u domain.User
	if err := db.Where("username = ?", username).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// GetUsers fetches users by id, keyed by id. Unknown ids are skipped.
func GetUsers(db *gorm.DB, ids []int64) (map[int64]domain.User, error) {
	out := make(map[int64]domain.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []domain.User
	if err := db.Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, u := range rows {
		out[u.ID] = u
	}
	return out, nil
}

// SetDMPolicy updates who may message the user.
func SetDMPolicy(db *gorm.DB, id int64, policy string) (int64, error) {
	res := db.Model(&domain.User{}).Where("id = ?", id).Update("dm_policy", policy)
	return res.RowsAffected, res.Error
}

// SetBanned flips the banned flag.
func SetBanned(db *gorm.DB, id int64, banned bool) (int64, error) {
	res := db.Model(&domain.User{}).Where("id = ?", id).Update("banned", banned)
	return res.RowsAffected, res.Error
}

// IsMutualFollow reports whether a follows b and b follows a.
func IsMutualFollow(db *gorm.DB, a, b int64) (bool, error) {
	var n int64
	err := db.Model(&domain.Follow{}).
		Where("(follower_id = ? AND followee_id = ?) OR (follower_id = ? AND followee_id = ?)", a, b, b, a).
		Count(&n).Error
	return n == 2, err
}
