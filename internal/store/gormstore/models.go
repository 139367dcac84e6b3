package gormstore

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	indexActiveBookingPerSpot = "idx_bookings_active_spot"
	sqlCreateActiveSpotIndex  = "CREATE UNIQUE INDEX IF NOT EXISTS " + indexActiveBookingPerSpot + " ON bookings (spot_id) WHERE status = 'active'"
)

// Account represents the accounts table.
type Account struct {
	UserID    string    `gorm:"primaryKey"`
	Points    int64     `gorm:"not null;check:chk_accounts_points_non_negative,points >= 0"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// Spot mirrors the spots table.
type Spot struct {
	SpotID    string    `gorm:"primaryKey"`
	OwnerID   string    `gorm:"not null;index:idx_spots_owner"`
	Address   string    `gorm:"not null"`
	Price     int64     `gorm:"not null"`
	Bookable  bool      `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Spot) TableName() string { return "spots" }

// Booking mirrors the bookings table. At most one active row may reference a spot.
type Booking struct {
	BookingID string         `gorm:"primaryKey"`
	UserID    string         `gorm:"not null;index:idx_bookings_user_created,priority:1"`
	SpotID    string         `gorm:"not null;index:idx_bookings_spot"`
	Status    string         `gorm:"not null"`
	Snapshot  datatypes.JSON `gorm:"not null"`
	CreatedAt time.Time      `gorm:"not null;autoCreateTime:false;index:idx_bookings_user_created,priority:2"`
	UpdatedAt time.Time      `gorm:"not null;autoUpdateTime:false"`
}

func (Booking) TableName() string { return "bookings" }

// snapshotDocument is the JSON shape of Booking.Snapshot.
type snapshotDocument struct {
	Price   int64  `json:"price"`
	OwnerID string `json:"owner_id"`
	Address string `json:"address"`
}

// AutoMigrate creates or updates the tables used by Store, including the
// partial index that keeps a spot to one active booking.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&Account{}, &Spot{}, &Booking{}); err != nil {
		return err
	}
	return db.Exec(sqlCreateActiveSpotIndex).Error
}
