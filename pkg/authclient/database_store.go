package authclient

import (
	"context"
	"fmt"

	"github.com/tyemirov/staysession/internal/gormdb"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DatabaseStateStore persists the state as key/value rows using GORM.
type DatabaseStateStore struct {
	db          *gorm.DB
	driverLabel string
}

type stateRecord struct {
	StateKey   string `gorm:"column:state_key;primaryKey"`
	StateValue string `gorm:"column:state_value;not null;default:''"`
}

func (stateRecord) TableName() string {
	return "auth_state"
}

// NewDatabaseStateStore opens a postgres:// or sqlite:// database and migrates the state table.
func NewDatabaseStateStore(ctx context.Context, databaseURL string) (*DatabaseStateStore, error) {
	gormDB, driverLabel, err := gormdb.Open(ctx, databaseURL, &stateRecord{})
	if err != nil {
		return nil, fmt.Errorf("state_store.database.open: %w", err)
	}
	return &DatabaseStateStore{db: gormDB, driverLabel: driverLabel}, nil
}

// Driver exposes the selected database driver label.
func (store *DatabaseStateStore) Driver() string {
	return store.driverLabel
}

// Load reads all state rows.
func (store *DatabaseStateStore) Load(ctx context.Context) (State, error) {
	var records []stateRecord
	if err := store.db.WithContext(ctx).Find(&records).Error; err != nil {
		return State{}, fmt.Errorf("state_store.load.%s: %w", store.driverLabel, err)
	}
	values := make(map[string]string, len(records))
	for _, record := range records {
		values[record.StateKey] = record.StateValue
	}
	return DecodeState(values)
}

// Save upserts the three state rows in one transaction.
func (store *DatabaseStateStore) Save(ctx context.Context, state State) error {
	values, encodeErr := EncodeState(state)
	if encodeErr != nil {
		return encodeErr
	}
	records := []stateRecord{
		{StateKey: AccessTokenKey, StateValue: values[AccessTokenKey]},
		{StateKey: RefreshTokenKey, StateValue: values[RefreshTokenKey]},
		{StateKey: UserKey, StateValue: values[UserKey]},
	}
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return transaction.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "state_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"state_value"}),
		}).Create(&records).Error
	})
	if err != nil {
		return fmt.Errorf("state_store.save.%s: %w", store.driverLabel, err)
	}
	return nil
}

// Clear deletes every state row in one statement.
func (store *DatabaseStateStore) Clear(ctx context.Context) error {
	err := store.db.WithContext(ctx).
		Where("state_key IN ?", []string{AccessTokenKey, RefreshTokenKey, UserKey}).
		Delete(&stateRecord{}).Error
	if err != nil {
		return fmt.Errorf("state_store.clear.%s: %w", store.driverLabel, err)
	}
	return nil
}
