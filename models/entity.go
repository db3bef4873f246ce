package models

import "time"

// Entity is a holding structure (family, company, trust) that owns assets.
type Entity struct {
	ID        int        `gorm:"primary_key" json:"id"`
	Name      string     `gorm:"size:255;not null" json:"name"`
	Type      EntityType `gorm:"size:20;not null" json:"type"`
	Assets    []Asset    `gorm:"foreignKey:EntityId" json:"assets,omitempty"`
	CreatedAt time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// Asset is an account or holding. Its balance is always derived from transaction lines.
type Asset struct {
	ID        int       `gorm:"primary_key" json:"id"`
	EntityId  int       `gorm:"index;not null" json:"entity_id"`
	Name      string    `gorm:"size:255;not null" json:"name"`
	Type      AssetType `gorm:"size:20;not null" json:"type"`
	Currency  string    `gorm:"size:3;not null" json:"currency"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
