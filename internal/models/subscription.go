package models

import "time"

// Subscription holds a buyer's plan and per-period allowance counters.
type Subscription struct {
	ID                 uint   `gorm:"primaryKey;autoIncrement"`
	BuyerID            string `gorm:"size:64;not null;uniqueIndex"`
	Plan               string `gorm:"size:32;not null"`
	Unlimited          bool   `gorm:"default:false"`
	MaxViews           int
	UsedViews          int
	IncludedLeads      int
	UsedLeads          int
	PeriodDays         int `gorm:"default:30"`
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time `gorm:"index"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// LeadView records that a buyer consumed a view on a lead during one period.
type LeadView struct {
	BuyerID     string    `gorm:"primaryKey;size:64"`
	LeadID      uint      `gorm:"primaryKey"`
	PeriodStart time.Time `gorm:"primaryKey"`
	ViewedAt    time.Time
}

// Contact maps an identity-provider user id to notification addresses.
type Contact struct {
	UserID      string `gorm:"primaryKey;size:64"`
	Email       string `gorm:"size:190"`
	DisplayName string `gorm:"size:120"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
