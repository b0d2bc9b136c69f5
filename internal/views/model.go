package views

// Customization stores the patch program of one customized view.
type Customization struct {
	ViewKey          string `gorm:"column:view_key;primaryKey;size:190;not null"`
	Patch            string `gorm:"column:patch;type:text;not null"`
	AuthorID         string `gorm:"column:author_id;size:190;not null"`
	Operations       int    `gorm:"column:operations;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Customization) TableName() string {
	return "view_customizations"
}

func (customization Customization) record() CustomizationRecord {
	return CustomizationRecord{
		ViewKey:          customization.ViewKey,
		Patch:            customization.Patch,
		AuthorID:         customization.AuthorID,
		Operations:       customization.Operations,
		UpdatedAtSeconds: customization.UpdatedAtSeconds,
	}
}
