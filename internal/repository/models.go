package repository

import "time"

// Identity is an enrolled person of interest.
type Identity struct {
	ID          uint             `gorm:"primaryKey"`
	Name        string           `gorm:"column:name;size:255;not null"`
	FirstName   string           `gorm:"column:first_name;size:255"`
	Alias       string           `gorm:"column:alias;size:255"`
	Crime       string           `gorm:"column:crime;size:255"`
	Description string           `gorm:"column:description;type:text"`
	Implication string           `gorm:"column:implication;type:text"`
	Nationality string           `gorm:"column:nationality;size:255"`
	Age         *int             `gorm:"column:age"`
	BirthDate   *time.Time       `gorm:"column:birth_date;type:date"`
	BirthPlace  string           `gorm:"column:birth_place;size:255"`
	Phone       string           `gorm:"column:phone;size:64"`
	Address     string           `gorm:"column:address;type:text"`
	ArrestDate  *time.Time       `gorm:"column:arrest_date;type:date"`
	SearchKey   string           `gorm:"column:search_key;type:text;index"`
	CreatedAt   time.Time        `gorm:"column:created_at"`
	Images      []ReferenceImage `gorm:"foreignKey:CriminalID;constraint:OnDelete:CASCADE"`
}

// updatableColumns are the identity columns rewritten by UpdateIdentity.
var updatableColumns = []string{
	"name", "first_name", "alias", "crime", "description", "implication", "nationality",
	"age", "birth_date", "birth_place", "phone", "address", "arrest_date", "search_key",
}

// TableName overrides the default table name.
func (Identity) TableName() string {
	return "criminals"
}

// ReferenceImage is one enrolled photograph of an identity.
type ReferenceImage struct {
	ID         uint      `gorm:"primaryKey"`
	CriminalID uint      `gorm:"column:criminal_id;not null;index:idx_images_criminels_criminal"`
	Image      []byte    `gorm:"column:image;type:bytea;not null"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (ReferenceImage) TableName() string {
	return "images_criminels"
}

// CrimeType is an entry of the offence catalogue used by enrollment.
type CrimeType struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"column:name;size:255;uniqueIndex;not null"`
}

// TableName overrides the default table name.
func (CrimeType) TableName() string {
	return "crime_types"
}

// SearchLog records one photo search and its ranked matches.
type SearchLog struct {
	ID                uint      `gorm:"primaryKey"`
	RequestID         string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Operator          string    `gorm:"column:operator;size:128;index"`
	Model             string    `gorm:"column:model;size:64"`
	Threshold         float64   `gorm:"column:threshold"`
	TopK              int       `gorm:"column:top_k"`
	MatchCount        int       `gorm:"column:match_count"`
	SkippedImages     int       `gorm:"column:skipped_images"`
	FailedComparisons int       `gorm:"column:failed_comparisons"`
	Results           string    `gorm:"column:results;type:text"`
	CreatedAt         time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (SearchLog) TableName() string {
	return "search_logs"
}
