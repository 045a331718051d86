package model

import (
	"time"
)

// LoginLog records each operator login attempt
type LoginLog struct {
	ID        int       `json:"id" gorm:"primaryKey"`
	UserID    int       `json:"user_id" gorm:"column:user_id"`
	Username  string    `json:"username" gorm:"type:varchar(50)"`
	IP        string    `json:"ip" gorm:"type:varchar(50)"`
	UserAgent string    `json:"user_agent" gorm:"column:user_agent;type:varchar(500)"`
	Success   bool      `json:"success" gorm:"not null;default:true"`
	ErrorMsg  string    `json:"error_msg,omitempty" gorm:"column:error_msg;type:text"`
	CreatedAt time.Time `json:"created_at" gorm:"not null;default:now()"`
}

func (LoginLog) TableName() string {
	return "login_logs"
}

// OperationLog records mutating operator actions (geofence upserts, invoice
// generation) for after-the-fact review
type OperationLog struct {
	ID         int       `json:"id" gorm:"primaryKey"`
	Username   string    `json:"username" gorm:"type:varchar(50)"`
	Module     string    `json:"module" gorm:"type:varchar(50)"` // geofence, billing
	Action     string    `json:"action" gorm:"type:varchar(50)"` // upsert, invoice
	ResourceID string    `json:"resource_id" gorm:"column:resource_id"`
	Detail     string    `json:"detail,omitempty" gorm:"type:text"`
	IP         string    `json:"ip" gorm:"type:varchar(50)"`
	CreatedAt  time.Time `json:"created_at" gorm:"not null;default:now()"`
}

func (OperationLog) TableName() string {
	return "operation_logs"
}
