package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/orders_backend/config"
	"bitbucket.org/mmdatafocus/orders_backend/models"
)

const batchSize = 500

// Recomputes is_eligible_for_withdrawal for stored orders. Needed after the
// eligibility rule or the mobile-money marker list changes; the flag is
// denormalized on the row and is not recalculated on read.
func main() {
	businessID := flag.String("business-id", "", "Optional: backfill only one business. If empty, backfills all.")
	dryRun := flag.Bool("dry-run", false, "Report what would change without writing")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil)")
		os.Exit(1)
	}

	ctx := context.Background()

	var scanned, changed int
	lastID := 0
	for {
		var orders []models.Order
		query := db.WithContext(ctx).Where("id > ?", lastID).Order("id ASC").Limit(batchSize)
		if strings.TrimSpace(*businessID) != "" {
			query = query.Where("business_id = ?", strings.TrimSpace(*businessID))
		}
		if err := query.Find(&orders).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to list orders: %v\n", err)
			os.Exit(1)
		}
		if len(orders) == 0 {
			break
		}

		for i := range orders {
			o := &orders[i]
			lastID = o.ID
			scanned++
			before := o.IsEligibleForWithdrawal != nil && *o.IsEligibleForWithdrawal
			after := o.RecomputeEligibility()
			if before == after {
				continue
			}
			changed++
			if *dryRun {
				fmt.Printf("would update %s eligible=%v\n", o.OrderNumber, *o.IsEligibleForWithdrawal)
				continue
			}
			err := db.WithContext(ctx).Model(&models.Order{}).
				Where("id = ?", o.ID).
				Update("is_eligible_for_withdrawal", o.IsEligibleForWithdrawal).Error
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to update order %s: %v\n", o.OrderNumber, err)
				os.Exit(1)
			}
		}
	}

	fmt.Printf("scanned=%d changed=%d dryRun=%v\n", scanned, changed, *dryRun)
}
