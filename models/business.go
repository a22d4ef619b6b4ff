package models

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Business is one tenant (restaurant). Every other table is scoped to a
// business via BusinessId.
type Business struct {
	ID        string    `gorm:"primary_key;size:64" json:"id"`
	Name      string    `gorm:"size:255;not null" json:"name" binding:"required"`
	Phone     string    `gorm:"size:64;default:null" json:"phone"`
	Address   string    `gorm:"type:text;default:null" json:"address"`
	IsActive  *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// User is a staff account (waiter, manager, owner) belonging to one tenant.
type User struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"index;not null" json:"business_id" binding:"required"`
	UserName   string    `gorm:"size:255;not null" json:"user_name" binding:"required"`
	Password   string    `gorm:"size:255;not null" json:"-"`
	Role       string    `gorm:"size:64;not null;default:'waiter'" json:"role"`
	IsActive   *bool     `gorm:"not null;default:true" json:"is_active"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// DiningTable is a physical table; orders may optionally reference one.
type DiningTable struct {
	ID         int       `gorm:"primary_key" json:"id"`
	BusinessId string    `gorm:"index;not null" json:"business_id" binding:"required"`
	Number     string    `gorm:"size:32;not null" json:"number" binding:"required"`
	Seats      int       `gorm:"default:0" json:"seats"`
	QrSlug     string    `gorm:"size:64;index;default:null" json:"qr_slug"`
	CreatedAt  time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// MenuItem is the menu entry an order line references. Order lines snapshot
// name and price at order time; later menu edits do not rewrite history.
type MenuItem struct {
	ID          int             `gorm:"primary_key" json:"id"`
	BusinessId  string          `gorm:"index;not null" json:"business_id" binding:"required"`
	Name        string          `gorm:"size:255;not null" json:"name" binding:"required"`
	Category    string          `gorm:"size:255;default:null" json:"category"`
	Price       decimal.Decimal `gorm:"type:decimal(20,4);default:0" json:"price"`
	IsAvailable *bool           `gorm:"not null;default:true" json:"is_available"`
	CreatedAt   time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func CreateBusiness(ctx context.Context, name string) (*Business, error) {
	db := config.GetDB()
	business := Business{
		ID:       uuid.NewString(),
		Name:     name,
		IsActive: utils.NewTrue(),
	}
	if err := db.WithContext(ctx).Create(&business).Error; err != nil {
		return nil, err
	}
	return &business, nil
}

func GetBusiness(ctx context.Context, businessId string) (*Business, error) {
	db := config.GetDB()
	var business Business
	err := db.WithContext(ctx).Where("id = ?", businessId).First(&business).Error
	if err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &business, nil
}
