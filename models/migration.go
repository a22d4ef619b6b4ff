package models

import (
	"log"

	"bitbucket.org/mmdatafocus/orders_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Business{}, &User{}, &DiningTable{}, &MenuItem{},
		&Order{}, &OrderDetail{},
		&OrderEventRecord{}, &OrphanPaymentEvent{},
		&WithdrawalBatch{},
		&WithdrawalSecret{}, &WithdrawalSecretAudit{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
