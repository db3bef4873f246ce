package models

type EntityType string

const (
	EntityTypeFamily     EntityType = "FAMILY"
	EntityTypeCompany    EntityType = "COMPANY"
	EntityTypeTrust      EntityType = "TRUST"
	EntityTypeIndividual EntityType = "INDIVIDUAL"
	EntityTypeFoundation EntityType = "FOUNDATION"
)

type AssetType string

const (
	AssetTypeBank       AssetType = "BANK"
	AssetTypeBrokerage  AssetType = "BROKERAGE"
	AssetTypeRealEstate AssetType = "REAL_ESTATE"
	AssetTypeCrypto     AssetType = "CRYPTO"
	AssetTypeLiability  AssetType = "LIABILITY"
	AssetTypeCash       AssetType = "CASH"
	AssetTypeOther      AssetType = "OTHER"
)

type LineType string

const (
	LineTypeDebit  LineType = "DEBIT"
	LineTypeCredit LineType = "CREDIT"
)

func (t LineType) IsValid() bool {
	return t == LineTypeDebit || t == LineTypeCredit
}

type TransactionStatus string

// Transactions are immutable once written, so CONFIRMED is the only status.
const TransactionStatusConfirmed TransactionStatus = "CONFIRMED"

type TransactionSource string

const (
	TransactionSourceManual     TransactionSource = "MANUAL"
	TransactionSourceGhostEntry TransactionSource = "GHOST_ENTRY"
	TransactionSourceReversal   TransactionSource = "REVERSAL"
)

type GhostStatus string

const (
	GhostStatusPending   GhostStatus = "PENDING"
	GhostStatusConfirmed GhostStatus = "CONFIRMED"
	GhostStatusRejected  GhostStatus = "REJECTED"
)

type TaskStatus string

const (
	TaskStatusOpen      TaskStatus = "OPEN"
	TaskStatusResolved  TaskStatus = "RESOLVED"
	TaskStatusDismissed TaskStatus = "DISMISSED"
)

type TaskPriority string

const (
	TaskPriorityCritical TaskPriority = "CRITICAL"
	TaskPriorityHigh     TaskPriority = "HIGH"
	TaskPriorityMedium   TaskPriority = "MEDIUM"
	TaskPriorityLow      TaskPriority = "LOW"
)

// TaskRefType names the kind of record a governance task supervises.
type TaskRefType string

const (
	TaskRefGhostEntry  TaskRefType = "GHOST_ENTRY"
	TaskRefAirlockItem TaskRefType = "AIRLOCK_ITEM"
)

type TrafficLight string

const (
	TrafficLightGreen  TrafficLight = "GREEN"
	TrafficLightYellow TrafficLight = "YELLOW"
	TrafficLightRed    TrafficLight = "RED"
)
