package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Subscription struct {
	ID             string `gorm:"primarykey"`
	UserID         string `gorm:"index"`
	ProjectID      string `gorm:"index"`
	TierID         string
	LastProcessed  *time.Time
	Expires        time.Time `gorm:"index"`
	ShouldContinue bool
	Priority       int

	User User `gorm:"foreignKey:UserID"`
	Tier Tier `gorm:"foreignKey:TierID"`
}

type User struct {
	ID       string    `gorm:"primarykey"`
	Balances []Balance `gorm:"foreignKey:UserID"`
}

// Balance is the amount of one payment token held by a user.
type Balance struct {
	ID      uint            `gorm:"primarykey"`
	UserID  string          `gorm:"uniqueIndex:idx_balance_user_token"`
	Token   string          `gorm:"uniqueIndex:idx_balance_user_token"`
	Balance decimal.Decimal `gorm:"type:numeric"`
}

type Tier struct {
	ID    string `gorm:"primarykey"`
	Price string
}

// ProjectPayment is a token a project accepts as payment.
type ProjectPayment struct {
	ID        uint   `gorm:"primarykey"`
	ProjectID string `gorm:"index"`
	Token     string
	Name      string
	Symbol    string
	IsEth     bool
}
