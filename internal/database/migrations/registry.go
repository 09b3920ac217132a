package migrations

import (
	"github.com/leftsky/left-tools-service-sub000/internal/models"
	"gorm.io/gorm"
)

// AllMigrations returns all migrations in order.
func AllMigrations() []Migration {
	return []Migration{
		migration001ConversionTasks(),
		migration002PollIndex(),
	}
}

func migration001ConversionTasks() Migration {
	return Migration{
		Version:     "001",
		Description: "Create conversion_tasks table",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.ConversionTask{})
		},
		Down: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&models.ConversionTask{})
		},
	}
}

// pollIndex supports the poller's scan for converting remote tasks.
type pollIndex struct {
	Status       models.TaskStatus `gorm:"index:idx_conversion_tasks_poll,priority:1;size:20"`
	AwaitWebhook bool              `gorm:"index:idx_conversion_tasks_poll,priority:2"`
	UpdatedAt    models.Time       `gorm:"index:idx_conversion_tasks_poll,priority:3"`
}

func (pollIndex) TableName() string { return "conversion_tasks" }

func migration002PollIndex() Migration {
	return Migration{
		Version:     "002",
		Description: "Add status/webhook index for the remote poller",
		Up: func(tx *gorm.DB) error {
			if tx.Migrator().HasIndex(&pollIndex{}, "idx_conversion_tasks_poll") {
				return nil
			}
			return tx.Migrator().CreateIndex(&pollIndex{}, "idx_conversion_tasks_poll")
		},
		Down: func(tx *gorm.DB) error {
			return tx.Migrator().DropIndex(&pollIndex{}, "idx_conversion_tasks_poll")
		},
	}
}
